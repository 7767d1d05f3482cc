package catalog

import (
	"context"
	"fmt"
	"time"
)

// Wrappers for the stored procedures exposed by the embedded repmgr
// extension. The shared segment behind them never surfaces errors for
// uninitialised state: procedures return NULL sentinels instead, mapped
// here to Go zero values plus an ok flag where callers need to distinguish.

// VoteOutcome is the answer a node gives to a candidature announcement.
type VoteOutcome int

const (
	VoteEndorsed VoteOutcome = iota
	VoteRerun
	VoteRefused
)

// RerunSentinel is the target node id passed to notify_follow_primary to
// request an election re-evaluation instead of a follow.
const RerunSentinel = -1

// SetLocalNodeID registers this node's id with the extension. Idempotent on
// the engine side: only the first call takes effect.
func (q *Queries) SetLocalNodeID(ctx context.Context, nodeID int) error {
	if _, err := q.db.Exec(ctx, `SELECT repmgr.set_local_node_id($1)`, nodeID); err != nil {
		return fmt.Errorf("set local node id: %w", err)
	}
	return nil
}

// GetLocalNodeID reads the registered id; ok is false while unset.
func (q *Queries) GetLocalNodeID(ctx context.Context) (int, bool, error) {
	var id *int
	if err := q.db.QueryRow(ctx, `SELECT repmgr.get_local_node_id()`).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("get local node id: %w", err)
	}
	if id == nil {
		return 0, false, nil
	}
	return *id, true, nil
}

// StandbySetLastUpdated stamps the standby's last-update time.
func (q *Queries) StandbySetLastUpdated(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, `SELECT repmgr.standby_set_last_updated()`); err != nil {
		return fmt.Errorf("standby set last updated: %w", err)
	}
	return nil
}

// SetUpstreamLastSeen refreshes the shared-state upstream timestamp.
func (q *Queries) SetUpstreamLastSeen(ctx context.Context, upstreamNodeID int) error {
	if _, err := q.db.Exec(ctx, `SELECT repmgr.set_upstream_last_seen($1)`, upstreamNodeID); err != nil {
		return fmt.Errorf("set upstream last seen: %w", err)
	}
	return nil
}

// GetUpstreamLastSeen returns seconds since the upstream was last seen, or
// -1 if never recorded.
func (q *Queries) GetUpstreamLastSeen(ctx context.Context) (int64, error) {
	var secs *int64
	if err := q.db.QueryRow(ctx, `SELECT repmgr.get_upstream_last_seen()`).Scan(&secs); err != nil {
		return -1, fmt.Errorf("get upstream last seen: %w", err)
	}
	if secs == nil {
		return -1, nil
	}
	return *secs, nil
}

// GetUpstreamNodeID reads the shared-state upstream id.
func (q *Queries) GetUpstreamNodeID(ctx context.Context) (int, bool, error) {
	var id *int
	if err := q.db.QueryRow(ctx, `SELECT repmgr.get_upstream_node_id()`).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("get upstream node id: %w", err)
	}
	if id == nil {
		return 0, false, nil
	}
	return *id, true, nil
}

// SetUpstreamNodeID writes the shared-state upstream id.
func (q *Queries) SetUpstreamNodeID(ctx context.Context, upstreamNodeID int) error {
	if _, err := q.db.Exec(ctx, `SELECT repmgr.set_upstream_node_id($1)`, upstreamNodeID); err != nil {
		return fmt.Errorf("set upstream node id: %w", err)
	}
	return nil
}

// GetElectoralTerm reads the shared-state electoral term, which tracks the
// voting_term table but stays readable while the node is in recovery.
func (q *Queries) GetElectoralTerm(ctx context.Context) (int64, error) {
	var term *int64
	if err := q.db.QueryRow(ctx, `SELECT repmgr.get_electoral_term()`).Scan(&term); err != nil {
		return 0, fmt.Errorf("get electoral term: %w", err)
	}
	if term == nil {
		return 0, nil
	}
	return *term, nil
}

// IncrementElectoralTerm bumps the shared-state term and returns the new
// value. The extension folds the bump back into the voting_term table once
// the node is writable.
func (q *Queries) IncrementElectoralTerm(ctx context.Context) (int64, error) {
	var term int64
	if err := q.db.QueryRow(ctx, `SELECT repmgr.increment_electoral_term()`).Scan(&term); err != nil {
		return 0, fmt.Errorf("increment electoral term: %w", err)
	}
	return term, nil
}

// AnnounceCandidature presents candidateID for the given term on the target
// node's session and returns its vote.
func (q *Queries) AnnounceCandidature(ctx context.Context, candidateID int, term int64) (VoteOutcome, error) {
	var outcome string
	err := q.db.QueryRow(ctx,
		`SELECT repmgr.announce_candidature($1, $2)`, candidateID, term).Scan(&outcome)
	if err != nil {
		return VoteRefused, fmt.Errorf("announce candidature: %w", err)
	}
	switch outcome {
	case "endorsed":
		return VoteEndorsed, nil
	case "rerun":
		return VoteRerun, nil
	default:
		return VoteRefused, nil
	}
}

// NotifyFollowPrimary sets the follow flag on the target node's shared
// state. Passing RerunSentinel asks the target to re-run its election
// evaluation instead.
func (q *Queries) NotifyFollowPrimary(ctx context.Context, newPrimaryID int) error {
	if _, err := q.db.Exec(ctx, `SELECT repmgr.notify_follow_primary($1)`, newPrimaryID); err != nil {
		return fmt.Errorf("notify follow primary: %w", err)
	}
	return nil
}

// GetNewPrimary reads the follow flag; ok is false while no follow request
// is pending.
func (q *Queries) GetNewPrimary(ctx context.Context) (int, bool, error) {
	var id *int
	if err := q.db.QueryRow(ctx, `SELECT repmgr.get_new_primary()`).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("get new primary: %w", err)
	}
	if id == nil || *id == UnknownNodeID {
		return 0, false, nil
	}
	return *id, true, nil
}

// ResetVotingStatus clears voting status, candidate and follow flag.
func (q *Queries) ResetVotingStatus(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, `SELECT repmgr.reset_voting_status()`); err != nil {
		return fmt.Errorf("reset voting status: %w", err)
	}
	return nil
}

// SetRepmgrdPID registers the daemon PID and optional PID-file path.
func (q *Queries) SetRepmgrdPID(ctx context.Context, pid int, pidFile string) error {
	if _, err := q.db.Exec(ctx, `SELECT repmgr.set_repmgrd_pid($1, NULLIF($2, ''))`, pid, pidFile); err != nil {
		return fmt.Errorf("set repmgrd pid: %w", err)
	}
	return nil
}

// GetRepmgrdPID returns the registered daemon PID; ok false while unset.
func (q *Queries) GetRepmgrdPID(ctx context.Context) (int, bool, error) {
	var pid *int
	if err := q.db.QueryRow(ctx, `SELECT repmgr.get_repmgrd_pid()`).Scan(&pid); err != nil {
		return 0, false, fmt.Errorf("get repmgrd pid: %w", err)
	}
	if pid == nil {
		return 0, false, nil
	}
	return *pid, true, nil
}

// RepmgrdIsRunning asks the engine to null-signal the registered PID.
func (q *Queries) RepmgrdIsRunning(ctx context.Context) (bool, error) {
	var running *bool
	if err := q.db.QueryRow(ctx, `SELECT repmgr.repmgrd_is_running()`).Scan(&running); err != nil {
		return false, fmt.Errorf("repmgrd is running: %w", err)
	}
	return running != nil && *running, nil
}

// RepmgrdPause sets or clears the daemon pause flag.
func (q *Queries) RepmgrdPause(ctx context.Context, pause bool) error {
	if _, err := q.db.Exec(ctx, `SELECT repmgr.repmgrd_pause($1)`, pause); err != nil {
		return fmt.Errorf("repmgrd pause: %w", err)
	}
	return nil
}

// RepmgrdIsPaused reads the pause flag.
func (q *Queries) RepmgrdIsPaused(ctx context.Context) (bool, error) {
	var paused *bool
	if err := q.db.QueryRow(ctx, `SELECT repmgr.repmgrd_is_paused()`).Scan(&paused); err != nil {
		return false, fmt.Errorf("repmgrd is paused: %w", err)
	}
	return paused != nil && *paused, nil
}

// GetWalReceiverPID returns the engine's WAL receiver PID; ok false when no
// receiver is active.
func (q *Queries) GetWalReceiverPID(ctx context.Context) (int, bool, error) {
	var pid *int
	if err := q.db.QueryRow(ctx, `SELECT repmgr.get_wal_receiver_pid()`).Scan(&pid); err != nil {
		return 0, false, fmt.Errorf("get wal receiver pid: %w", err)
	}
	if pid == nil {
		return 0, false, nil
	}
	return *pid, true, nil
}

// DisableWalReceiver asks the extension to stop the standby's WAL receiver.
func (q *Queries) DisableWalReceiver(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, `SELECT repmgr.disable_walreceiver()`); err != nil {
		return fmt.Errorf("disable wal receiver: %w", err)
	}
	return nil
}

// EnableWalReceiver re-enables a previously disabled WAL receiver.
func (q *Queries) EnableWalReceiver(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, `SELECT repmgr.enable_walreceiver()`); err != nil {
		return fmt.Errorf("enable wal receiver: %w", err)
	}
	return nil
}

// PrimaryLastSeen polls a sibling for how recently it saw the primary, used
// by the visibility-consensus check before a promotion. A node that has
// never seen the primary answers -1.
func (q *Queries) PrimaryLastSeen(ctx context.Context) (time.Duration, error) {
	secs, err := q.GetUpstreamLastSeen(ctx)
	if err != nil {
		return -1, err
	}
	if secs < 0 {
		return -1, nil
	}
	return time.Duration(secs) * time.Second, nil
}
