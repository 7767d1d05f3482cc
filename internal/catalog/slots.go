package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SlotInfo is one row of the engine's replication-slot view.
type SlotInfo struct {
	SlotName string
	SlotType string
	Active   bool
}

// SlotVerification is the outcome of checking an existing slot before a
// standby attaches.
type SlotVerification int

const (
	SlotAbsent SlotVerification = iota
	SlotReuseOK
	SlotUnusable
)

// GetSlotInfo fetches one slot by name.
func (q *Queries) GetSlotInfo(ctx context.Context, slotName string) (SlotInfo, Status, error) {
	row := q.db.QueryRow(ctx,
		`SELECT slot_name, slot_type, active
		   FROM ux_replication_slots
		  WHERE slot_name = $1`, slotName)

	var s SlotInfo
	err := row.Scan(&s.SlotName, &s.SlotType, &s.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return SlotInfo{}, StatusNotFound, nil
	}
	if err != nil {
		return SlotInfo{}, StatusError, fmt.Errorf("fetch slot %q: %w", slotName, err)
	}
	return s, StatusFound, nil
}

// GetInactiveSlots returns the names of inactive physical slots belonging to
// registered nodes, for the primary daemon's anomaly scan.
func (q *Queries) GetInactiveSlots(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx,
		`SELECT rs.slot_name
		   FROM ux_replication_slots rs
		   JOIN repmgr.nodes n ON n.slot_name = rs.slot_name
		  WHERE rs.slot_type = 'physical' AND rs.active = FALSE AND n.active = TRUE
		  ORDER BY rs.slot_name`)
	if err != nil {
		return nil, fmt.Errorf("fetch inactive slots: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// VerifySlot checks whether slotName may be reused. Reuse requires a
// physical, inactive slot; anything else attached to the name is unusable.
func (q *Queries) VerifySlot(ctx context.Context, slotName string) (SlotVerification, error) {
	info, status, err := q.GetSlotInfo(ctx, slotName)
	if err != nil {
		return SlotUnusable, err
	}
	switch status {
	case StatusNotFound:
		return SlotAbsent, nil
	case StatusFound:
		if info.SlotType == "physical" && !info.Active {
			return SlotReuseOK, nil
		}
		return SlotUnusable, fmt.Errorf("slot %q exists but is %s and active=%v",
			slotName, info.SlotType, info.Active)
	default:
		return SlotUnusable, fmt.Errorf("slot %q: unexpected status %s", slotName, status)
	}
}

// CreateSlotSQL creates (or reuses) a physical slot through the SQL
// function interface. Engines from major 8 support immediate LSN
// reservation at creation.
func (q *Queries) CreateSlotSQL(ctx context.Context, slotName string, serverMajor int) error {
	verdict, err := q.VerifySlot(ctx, slotName)
	if err != nil {
		return err
	}
	if verdict == SlotReuseOK {
		return nil
	}

	if serverMajor >= 8 {
		_, err = q.db.Exec(ctx,
			`SELECT ux_create_physical_replication_slot($1, TRUE)`, slotName)
	} else {
		_, err = q.db.Exec(ctx,
			`SELECT ux_create_physical_replication_slot($1)`, slotName)
	}
	if err != nil {
		return fmt.Errorf("create slot %q: %w", slotName, err)
	}
	return nil
}

// CreateSlotReplicationProtocol creates a physical slot over a replication
// channel, the only creation path early engine majors permit. The caller
// must pre-verify reuse with VerifySlot on a normal session.
func CreateSlotReplicationProtocol(ctx context.Context, repl *pgconn.PgConn, slotName string, reserve bool) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, repl, slotName, "",
		pglogrepl.CreateReplicationSlotOptions{
			Mode: pglogrepl.PhysicalReplication,
		})
	if err != nil {
		return fmt.Errorf("create slot %q over replication protocol: %w", slotName, err)
	}
	if reserve {
		// The slot is created without WAL reservation; reserve only
		// issues IDENTIFY_SYSTEM on the channel after creation.
		if _, err := pglogrepl.IdentifySystem(ctx, repl); err != nil {
			return fmt.Errorf("identify system after slot creation: %w", err)
		}
	}
	return nil
}

// IdentifySystem reports the upstream's system identifier and timeline over
// a replication channel.
func IdentifySystem(ctx context.Context, repl *pgconn.PgConn) (sysID string, timeline int32, xlogpos string, err error) {
	res, err := pglogrepl.IdentifySystem(ctx, repl)
	if err != nil {
		return "", 0, "", fmt.Errorf("identify system: %w", err)
	}
	return res.SystemID, res.Timeline, res.XLogPos.String(), nil
}

// DropSlot removes a physical slot. Dropping an active slot is refused by
// the engine and surfaced unchanged.
func (q *Queries) DropSlot(ctx context.Context, slotName string) error {
	if _, err := q.db.Exec(ctx, `SELECT ux_drop_replication_slot($1)`, slotName); err != nil {
		return fmt.Errorf("drop slot %q: %w", slotName, err)
	}
	return nil
}
