package failover

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/command"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/events"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
	"github.com/uxsinodb/ux-repmgr/internal/vip"
)

// Outcome classifies one failover attempt.
type Outcome int

const (
	// OutcomePromoted: this node won the election and is the new primary.
	OutcomePromoted Outcome = iota
	// OutcomeNotCandidate: another node ranked higher; wait for its
	// follow notification.
	OutcomeNotCandidate
	// OutcomeAborted: the ballot was defeated or the primary is still
	// visible elsewhere; remain in degraded monitoring.
	OutcomeAborted
	// OutcomeFailed: promotion was attempted and did not complete.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePromoted:
		return "promoted"
	case OutcomeNotCandidate:
		return "not candidate"
	case OutcomeAborted:
		return "aborted"
	default:
		return "failed"
	}
}

// Engine runs the distributed election and promotion sequence for one
// standby daemon.
type Engine struct {
	logger     *slog.Logger
	cfg        *config.Config
	recorder   *events.Recorder
	arbitrator *vip.Arbitrator
}

// NewEngine creates a failover engine.
func NewEngine(logger *slog.Logger, cfg *config.Config, recorder *events.Recorder, arbitrator *vip.Arbitrator) *Engine {
	return &Engine{logger: logger, cfg: cfg, recorder: recorder, arbitrator: arbitrator}
}

// sibling couples a node record with its live session for the duration of
// one election run.
type sibling struct {
	rec  catalog.NodeRecord
	conn *pgx.Conn
	q    *catalog.Queries
}

// Run executes the failover algorithm. localConn is the session to this
// node's own database; self and failedPrimary come from the local copy of
// the nodes table.
func (e *Engine) Run(ctx context.Context, localConn *pgx.Conn, self, failedPrimary catalog.NodeRecord) Outcome {
	electionID := uuid.New()
	logger := e.logger.With("election_id", electionID, "failed_primary", failedPrimary.NodeID)
	localQ := catalog.New(localConn)

	siblingRecs, err := localQ.GetActiveSiblingNodeRecords(ctx, self.NodeID, failedPrimary.NodeID)
	if err != nil {
		logger.Error("cannot enumerate siblings", "error", err)
		return OutcomeAborted
	}

	// Collect: connect to every sibling and snapshot its position.
	siblings := make([]sibling, 0, len(siblingRecs))
	defer func() {
		for _, s := range siblings {
			_ = s.conn.Close(context.Background())
		}
	}()

	candidates := make([]Candidate, 0, len(siblingRecs)+1)
	for _, rec := range siblingRecs {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.ReconnectInterval)
		c, err := conn.Open(cctx, rec.Conninfo)
		cancel()
		if err != nil {
			logger.Warn("sibling unreachable during election", "node_id", rec.NodeID, "error", err)
			candidates = append(candidates, Candidate{Node: rec})
			continue
		}
		s := sibling{rec: rec, conn: c, q: catalog.New(c)}
		siblings = append(siblings, s)

		cand := Candidate{Node: rec, Reachable: true}
		if rec.Type != catalog.NodeWitness {
			if lsnStr, err := s.q.GetLastReceiveLSN(ctx); err == nil {
				if lsn, err := pglogrepl.ParseLSN(lsnStr); err == nil {
					cand.ReceiveLSN = lsn
				}
			}
		}
		candidates = append(candidates, cand)
	}

	// A primary that is still visible to any sibling has not failed; this
	// node's link to it is what is broken.
	if e.cfg.PrimaryVisibilityConsensus && e.primaryVisibleElsewhere(ctx, siblings) {
		logger.Info("siblings still see the primary, aborting failover")
		return OutcomeAborted
	}

	// Settle this node's ballot position before comparing LSNs.
	if e.cfg.StandbyDisconnectOnFailover {
		if err := localQ.DisableWalReceiver(ctx); err != nil {
			logger.Warn("cannot disconnect WAL receiver before voting", "error", err)
		}
	}

	selfCand := Candidate{Node: self, Reachable: true}
	if lsnStr, err := localQ.GetLastReceiveLSN(ctx); err == nil {
		if lsn, err := pglogrepl.ParseLSN(lsnStr); err == nil {
			selfCand.ReceiveLSN = lsn
		}
	}
	candidates = append(candidates, selfCand)

	winner, ok := Winner(candidates, failedPrimary.Location)
	if !ok {
		logger.Warn("no eligible promotion candidate")
		return OutcomeAborted
	}
	if winner.Node.NodeID != self.NodeID {
		logger.Info("better candidate exists, standing down", "candidate", winner.Node.NodeID)
		return OutcomeNotCandidate
	}

	// Increment the term held in this node's own shared state. Each node
	// keeps its own term, so concurrent initiators on different nodes are
	// not serialised by this call.
	term, err := localQ.IncrementElectoralTerm(ctx)
	if err != nil {
		logger.Error("cannot increment electoral term", "error", err)
		return OutcomeAborted
	}
	logger.Info("standing for election", "term", term, "receive_lsn", selfCand.ReceiveLSN)

	// Collect votes from every reachable sibling, witness included.
	outcomes := make([]catalog.VoteOutcome, 0, len(siblings))
	for _, s := range siblings {
		outcome, err := s.q.AnnounceCandidature(ctx, self.NodeID, term)
		if err != nil {
			logger.Warn("candidature announcement failed", "node_id", s.rec.NodeID, "error", err)
			continue
		}
		outcomes = append(outcomes, outcome)
	}

	if endorsed, rerun := TallyVotes(outcomes); !endorsed {
		logger.Info("ballot defeated", "rerun_requested", rerun)
		e.resetVotingState(ctx, localQ, siblings)
		return OutcomeAborted
	}

	// Promote.
	if err := e.promote(ctx, localQ); err != nil {
		logger.Error("promotion failed", "error", err)
		e.recorder.Record(ctx, nil, events.Event{
			NodeID:    self.NodeID,
			EventType: "repmgrd_promote_error",
			Details:   err.Error(),
		})
		e.resetVotingState(ctx, localQ, siblings)
		return OutcomeFailed
	}

	// Publish the new topology. The local session now speaks to a primary.
	if err := catalog.UpdateNodeRecordSetPrimary(ctx, localConn, self.NodeID); err != nil {
		logger.Error("cannot publish new primary in catalog", "error", err)
		e.resetVotingState(ctx, localQ, siblings)
		return OutcomeFailed
	}

	e.recorder.Record(ctx, localQ, events.Event{
		NodeID:     self.NodeID,
		EventType:  "repmgrd_failover_promote",
		Successful: true,
		Details: fmt.Sprintf("node %d promoted to primary in term %d; former primary was %d",
			self.NodeID, term, failedPrimary.NodeID),
		Conninfo:  self.Conninfo,
		AuxNodeID: failedPrimary.NodeID,
	})

	if e.cfg.VirtualIP != "" && e.arbitrator != nil {
		vips := []vip.VIP{{Address: e.cfg.VirtualIP, Interface: e.cfg.NetworkCard}}
		if err := e.arbitrator.Bind(ctx, vips); err != nil {
			logger.Error("virtual address bind failed after promotion", "error", err)
		}
	}

	// Re-point siblings. Failures are not fatal to the new primary: the
	// affected standby observes the topology on its next reconnect.
	for _, s := range siblings {
		if err := s.q.NotifyFollowPrimary(ctx, self.NodeID); err != nil {
			logger.Warn("follow notification failed", "node_id", s.rec.NodeID, "error", err)
		}
	}

	e.resetVotingState(ctx, localQ, siblings)
	logger.Info("failover complete", "new_primary", self.NodeID, "term", term)
	return OutcomePromoted
}

// primaryVisibleElsewhere asks each reachable sibling how recently it saw
// the primary; a sighting within two monitor intervals vetoes the failover.
func (e *Engine) primaryVisibleElsewhere(ctx context.Context, siblings []sibling) bool {
	threshold := 2 * e.cfg.MonitorInterval
	for _, s := range siblings {
		seen, err := s.q.PrimaryLastSeen(ctx)
		if err != nil || seen < 0 {
			continue
		}
		if seen <= threshold {
			return true
		}
	}
	return false
}

// promote executes the configured promote command, or the engine's promote
// function when none is configured, then waits for recovery to end.
func (e *Engine) promote(ctx context.Context, localQ *catalog.Queries) error {
	if e.cfg.PromoteCommand != "" {
		if _, err := command.Local(ctx, e.cfg.PromoteCommand); err != nil {
			return fmt.Errorf("promote command: %w", err)
		}
	} else {
		if _, err := localQ.PromoteViaSQL(ctx); err != nil {
			return fmt.Errorf("promote function: %w", err)
		}
	}

	deadline := time.Now().Add(e.cfg.PromoteCheckTimeout)
	for {
		inRecovery, err := localQ.IsInRecovery(ctx)
		if err == nil && !inRecovery {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("node still in recovery after %s", e.cfg.PromoteCheckTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (e *Engine) resetVotingState(ctx context.Context, localQ *catalog.Queries, siblings []sibling) {
	if err := localQ.ResetVotingStatus(ctx); err != nil {
		e.logger.Warn("cannot reset local voting state", "error", err)
	}
	for _, s := range siblings {
		if err := s.q.ResetVotingStatus(ctx); err != nil {
			e.logger.Warn("cannot reset sibling voting state", "node_id", s.rec.NodeID, "error", err)
		}
	}
}
