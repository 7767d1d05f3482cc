package catalog

import (
	"context"
	"fmt"
	"time"
)

// EventRecord is one append-only row in repmgr.events.
type EventRecord struct {
	NodeID     int
	EventType  string
	Successful bool
	Timestamp  time.Time
	Details    string
}

// RecordEvent appends to the events table and returns the row as stamped by
// the database.
func (q *Queries) RecordEvent(ctx context.Context, nodeID int, eventType string, successful bool, details string) (EventRecord, error) {
	row := q.db.QueryRow(ctx,
		`INSERT INTO repmgr.events (node_id, event, successful, details)
		 VALUES ($1, $2, $3, $4)
		 RETURNING event_timestamp`,
		nodeID, eventType, successful, details)

	rec := EventRecord{NodeID: nodeID, EventType: eventType, Successful: successful, Details: details}
	if err := row.Scan(&rec.Timestamp); err != nil {
		return EventRecord{}, fmt.Errorf("record event %q: %w", eventType, err)
	}
	return rec, nil
}

// GetEvents returns events newest first. nodeID 0 means all nodes,
// eventType "" means all types, limit 0 means no limit.
func (q *Queries) GetEvents(ctx context.Context, nodeID int, eventType string, limit int) ([]EventRecord, error) {
	rows, err := q.db.Query(ctx,
		`SELECT node_id, event, successful, event_timestamp, COALESCE(details, '')
		   FROM repmgr.events
		  WHERE ($1 = 0 OR node_id = $1)
		    AND ($2 = '' OR event = $2)
		  ORDER BY event_timestamp DESC
		  LIMIT NULLIF($3, 0)`,
		nodeID, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.NodeID, &r.EventType, &r.Successful, &r.Timestamp, &r.Details); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
