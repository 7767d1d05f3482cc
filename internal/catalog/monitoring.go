package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// MonitoringRecord is one standby heartbeat row in repmgr.monitoring_history.
type MonitoringRecord struct {
	PrimaryNodeID      int
	StandbyNodeID      int
	MonitorTime        time.Time
	LastApplyTime      time.Time
	PrimaryLSN         string
	StandbyReceiveLSN  string
	ReplicationLagByte int64
	ApplyLagBytes      int64
}

// InsertMonitoringRecord writes one heartbeat. Executed on the upstream
// session so the record lands on the primary; the replication lag in bytes
// is computed server-side from the two LSNs, the apply lag is taken from
// r.ApplyLagBytes.
func (q *Queries) InsertMonitoringRecord(ctx context.Context, r MonitoringRecord) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO repmgr.monitoring_history
		        (primary_node_id, standby_node_id, last_monitor_time, last_apply_time,
		         last_wal_primary_location, last_wal_standby_location,
		         replication_lag, apply_lag)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         GREATEST(ux_wal_lsn_diff($5::ux_lsn, $6::ux_lsn), 0),
		         $7)`,
		r.PrimaryNodeID, r.StandbyNodeID, r.MonitorTime, r.LastApplyTime,
		r.PrimaryLSN, r.StandbyReceiveLSN, r.ApplyLagBytes)
	if err != nil {
		return fmt.Errorf("insert monitoring record: %w", err)
	}
	return nil
}

// GetLatestMonitoringRecord returns the newest heartbeat for a standby.
func (q *Queries) GetLatestMonitoringRecord(ctx context.Context, standbyID int) (MonitoringRecord, Status, error) {
	row := q.db.QueryRow(ctx,
		`SELECT primary_node_id, standby_node_id, last_monitor_time, last_apply_time,
		        last_wal_primary_location, last_wal_standby_location,
		        replication_lag, apply_lag
		   FROM repmgr.monitoring_history
		  WHERE standby_node_id = $1
		  ORDER BY last_monitor_time DESC
		  LIMIT 1`, standbyID)

	var r MonitoringRecord
	err := row.Scan(&r.PrimaryNodeID, &r.StandbyNodeID, &r.MonitorTime, &r.LastApplyTime,
		&r.PrimaryLSN, &r.StandbyReceiveLSN, &r.ReplicationLagByte, &r.ApplyLagBytes)
	if errors.Is(err, pgx.ErrNoRows) {
		return MonitoringRecord{}, StatusNotFound, nil
	}
	if err != nil {
		return MonitoringRecord{}, StatusError, fmt.Errorf("fetch monitoring record: %w", err)
	}
	return r, StatusFound, nil
}

// PurgeMonitoringHistory deletes heartbeats older than keep. A zero keep
// removes everything.
func (q *Queries) PurgeMonitoringHistory(ctx context.Context, keep time.Duration) (int64, error) {
	var tag string
	if keep <= 0 {
		tag = `DELETE FROM repmgr.monitoring_history`
		res, err := q.db.Exec(ctx, tag)
		if err != nil {
			return 0, fmt.Errorf("purge monitoring history: %w", err)
		}
		return res.RowsAffected(), nil
	}

	res, err := q.db.Exec(ctx,
		`DELETE FROM repmgr.monitoring_history
		  WHERE last_monitor_time < now() - $1::interval`,
		keep.String())
	if err != nil {
		return 0, fmt.Errorf("purge monitoring history: %w", err)
	}
	return res.RowsAffected(), nil
}
