package catalog

import (
	"context"
	"fmt"
	"time"
)

// ReplicationInfo is the per-tick snapshot of a monitored node's
// replication state. In-memory only; refreshed every monitor interval.
type ReplicationInfo struct {
	CurrentTimestamp       time.Time
	InRecovery             bool
	TimelineID             int32
	LastWalReceiveLSN      string
	LastWalReplayLSN       string
	LastXactReplayTime     time.Time
	ReplicationLag         time.Duration
	ReceivingStreamedWal   bool
	ReplayPaused           bool
	UpstreamLastSeen       time.Duration // -1 when never recorded
	UpstreamNodeID         int
}

// GetReplicationInfo refreshes the snapshot from the local session in one
// round trip, then folds in the shared-state upstream fields.
func (q *Queries) GetReplicationInfo(ctx context.Context) (ReplicationInfo, error) {
	var info ReplicationInfo
	var lastXact *time.Time
	var lagSecs *float64
	var receiveLSN, replayLSN *string

	err := q.db.QueryRow(ctx, `
		SELECT now(),
		       ux_is_in_recovery(),
		       (SELECT timeline_id FROM ux_control_checkpoint()),
		       ux_last_wal_receive_lsn()::text,
		       ux_last_wal_replay_lsn()::text,
		       ux_last_xact_replay_timestamp(),
		       CASE WHEN ux_is_in_recovery()
		            THEN EXTRACT(EPOCH FROM now() - ux_last_xact_replay_timestamp())
		            ELSE 0 END,
		       EXISTS (SELECT 1 FROM ux_stat_wal_receiver),
		       CASE WHEN ux_is_in_recovery() THEN ux_is_wal_replay_paused() ELSE FALSE END`).
		Scan(&info.CurrentTimestamp, &info.InRecovery, &info.TimelineID,
			&receiveLSN, &replayLSN, &lastXact, &lagSecs,
			&info.ReceivingStreamedWal, &info.ReplayPaused)
	if err != nil {
		return ReplicationInfo{}, fmt.Errorf("refresh replication info: %w", err)
	}

	if receiveLSN != nil {
		info.LastWalReceiveLSN = *receiveLSN
	}
	if replayLSN != nil {
		info.LastWalReplayLSN = *replayLSN
	}
	if lastXact != nil {
		info.LastXactReplayTime = *lastXact
	}
	if lagSecs != nil && *lagSecs > 0 {
		info.ReplicationLag = time.Duration(*lagSecs * float64(time.Second))
	}

	info.UpstreamLastSeen = -1
	if secs, err := q.GetUpstreamLastSeen(ctx); err == nil && secs >= 0 {
		info.UpstreamLastSeen = time.Duration(secs) * time.Second
	}
	if id, ok, err := q.GetUpstreamNodeID(ctx); err == nil && ok {
		info.UpstreamNodeID = id
	}
	return info, nil
}

// GetCurrentLSN returns the write position on a primary.
func (q *Queries) GetCurrentLSN(ctx context.Context) (string, error) {
	var lsn string
	if err := q.db.QueryRow(ctx, `SELECT ux_current_wal_lsn()::text`).Scan(&lsn); err != nil {
		return "", fmt.Errorf("read current lsn: %w", err)
	}
	return lsn, nil
}

// GetLastReceiveLSN returns the standby's receive position, falling back to
// the replay position when the receiver has not started.
func (q *Queries) GetLastReceiveLSN(ctx context.Context) (string, error) {
	var lsn *string
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(ux_last_wal_receive_lsn(), ux_last_wal_replay_lsn())::text`).Scan(&lsn)
	if err != nil {
		return "", fmt.Errorf("read receive lsn: %w", err)
	}
	if lsn == nil {
		return "", fmt.Errorf("node reports no WAL position")
	}
	return *lsn, nil
}

// IsInRecovery reports the node's recovery flag.
func (q *Queries) IsInRecovery(ctx context.Context) (bool, error) {
	var in bool
	if err := q.db.QueryRow(ctx, `SELECT ux_is_in_recovery()`).Scan(&in); err != nil {
		return false, fmt.Errorf("read recovery state: %w", err)
	}
	return in, nil
}

// NodeAttached checks on the upstream session whether a standby with the
// given application_name is streaming. Node-name uniqueness is what makes
// this check sound.
func (q *Queries) NodeAttached(ctx context.Context, nodeName string) (bool, error) {
	var attached bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ux_stat_replication WHERE application_name = $1)`,
		nodeName).Scan(&attached)
	if err != nil {
		return false, fmt.Errorf("check attachment of %q: %w", nodeName, err)
	}
	return attached, nil
}

// AttachedStandbyNames lists the application_names currently streaming from
// this node.
func (q *Queries) AttachedStandbyNames(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx,
		`SELECT application_name FROM ux_stat_replication ORDER BY application_name`)
	if err != nil {
		return nil, fmt.Errorf("list attached standbys: %w", err)
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

// CountAttachedStandbys returns how many walsenders the node is serving.
func (q *Queries) CountAttachedStandbys(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM ux_stat_replication`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attached standbys: %w", err)
	}
	return n, nil
}

// ServerVersionMajor reads the engine's self-reported major version, the
// discriminator for control-file layouts and slot-creation paths.
func (q *Queries) ServerVersionMajor(ctx context.Context) (int, error) {
	var num int
	if err := q.db.QueryRow(ctx,
		`SELECT current_setting('server_version_num')::int`).Scan(&num); err != nil {
		return 0, fmt.Errorf("read server version: %w", err)
	}
	return num / 10000, nil
}

// PromoteViaSQL asks a newer engine to leave recovery through the promote
// function; older engines need the signal-based control tool instead.
func (q *Queries) PromoteViaSQL(ctx context.Context) (bool, error) {
	var ok bool
	if err := q.db.QueryRow(ctx, `SELECT ux_promote(wait => FALSE)`).Scan(&ok); err != nil {
		return false, fmt.Errorf("promote via SQL: %w", err)
	}
	return ok, nil
}

// WalReplayPause pauses or resumes WAL replay on a standby.
func (q *Queries) WalReplayPause(ctx context.Context, pause bool) error {
	fn := `ux_wal_replay_resume`
	if pause {
		fn = `ux_wal_replay_pause`
	}
	if _, err := q.db.Exec(ctx, `SELECT `+fn+`()`); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return nil
}

// Checkpoint issues an immediate checkpoint; requires a superuser session.
func (q *Queries) Checkpoint(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, `CHECKPOINT`); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// DataDirectorySetting returns the engine's data_directory GUC.
func (q *Queries) DataDirectorySetting(ctx context.Context) (string, error) {
	var dir string
	if err := q.db.QueryRow(ctx, `SELECT current_setting('data_directory')`).Scan(&dir); err != nil {
		return "", fmt.Errorf("read data_directory: %w", err)
	}
	return dir, nil
}
