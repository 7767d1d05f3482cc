package repmgrd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/command"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/events"
	"github.com/uxsinodb/ux-repmgr/internal/failover"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
)

// runStandby is the standby loop: refresh replication info, heartbeat the
// upstream, write monitoring records, and drive the failover state machine
// when the upstream goes away.
func (s *Service) runStandby(ctx context.Context, localConn *pgx.Conn, self catalog.NodeRecord) error {
	localQ := catalog.New(localConn)

	upstream, upstreamConn, err := s.resolveUpstream(ctx, localQ, self)
	if err != nil {
		return err
	}
	defer func() {
		if upstreamConn != nil {
			_ = upstreamConn.Close(context.Background())
		}
	}()

	state := monitoringNormal
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.reload:
			s.logger.Info("configuration reloaded")
		case <-ticker.C:
		}

		// A follow request may arrive from an election winner at any
		// point; it takes precedence over the regular health check.
		if newPrimaryID, ok, err := localQ.GetNewPrimary(ctx); err == nil && ok {
			s.state.RequestFollow(newPrimaryID)
			if upstreamConn != nil {
				_ = upstreamConn.Close(ctx)
				upstreamConn = nil
			}
			upstream, upstreamConn = s.followNewPrimary(ctx, localConn, self, newPrimaryID)
			if upstream.NodeID == catalog.UnknownNodeID {
				// Follow did not resolve a target; fall back to the
				// registered upstream on the next tick.
				if refreshed, refreshedConn, err := s.resolveUpstream(ctx, localQ, self); err == nil {
					upstream, upstreamConn = refreshed, refreshedConn
				}
			}
			s.state.ClearVoting()
			s.leaveDegraded(&state)
			continue
		}

		if s.state.Paused() {
			continue
		}

		// Refresh the in-memory replication snapshot every tick.
		info, err := localQ.GetReplicationInfo(ctx)
		if err != nil {
			s.logger.Warn("cannot refresh replication info", "error", err)
		}

		if upstreamConn == nil {
			upstreamConn = s.reconnectUpstream(ctx, upstream.Conninfo)
			if upstreamConn == nil {
				s.enterDegraded(&state)
				if out := s.maybeFailover(ctx, localConn, self, upstream); out == failover.OutcomePromoted {
					return s.runPrimary(ctx, localConn, self)
				}
				if s.degradedExpired() {
					return fmt.Errorf("degraded monitoring timeout exceeded")
				}
				continue
			}
			s.leaveDegraded(&state)
		}

		if err := s.checkUpstream(ctx, upstreamConn, upstream.Conninfo); err != nil {
			s.logger.Warn("upstream check failed", "upstream", upstream.NodeID, "error", err)
			_ = upstreamConn.Close(ctx)
			upstreamConn = nil

			upstreamConn = s.reconnectUpstream(ctx, upstream.Conninfo)
			if upstreamConn == nil {
				s.recorder.Record(ctx, nil, events.Event{
					NodeID:    self.NodeID,
					EventType: "repmgrd_upstream_disconnect",
					Details:   fmt.Sprintf("unable to reach upstream node %d", upstream.NodeID),
				})
				s.enterDegraded(&state)
				if out := s.maybeFailover(ctx, localConn, self, upstream); out == failover.OutcomePromoted {
					return s.runPrimary(ctx, localConn, self)
				}
				if s.degradedExpired() {
					return fmt.Errorf("degraded monitoring timeout exceeded")
				}
				continue
			}
		}

		s.leaveDegraded(&state)
		s.state.TouchUpstream(upstream.NodeID)
		if err := localQ.SetUpstreamLastSeen(ctx, upstream.NodeID); err != nil {
			s.logger.Debug("cannot stamp upstream last seen", "error", err)
		}

		if s.cfg.MonitoringHistory {
			s.writeMonitoringRecord(ctx, catalog.New(upstreamConn), upstream, self, info)
		}
	}
}

// resolveUpstream loads the upstream record and opens a session to it,
// tolerating an unreachable upstream at startup by entering the reconnect
// path on the first tick.
func (s *Service) resolveUpstream(ctx context.Context, localQ *catalog.Queries, self catalog.NodeRecord) (catalog.NodeRecord, *pgx.Conn, error) {
	if self.UpstreamNodeID == catalog.UnknownNodeID {
		return catalog.NodeRecord{}, nil, fmt.Errorf("standby %d has no upstream registered", self.NodeID)
	}

	upstream, status, err := localQ.GetNodeRecord(ctx, self.UpstreamNodeID)
	if err != nil || status != catalog.StatusFound {
		return catalog.NodeRecord{}, nil, fmt.Errorf("upstream node %d not found in catalog", self.UpstreamNodeID)
	}

	upstreamConn, err := conn.Open(ctx, upstream.Conninfo)
	if err != nil {
		s.logger.Warn("upstream unreachable at startup", "upstream", upstream.NodeID, "error", err)
		return upstream, nil, nil
	}
	return upstream, upstreamConn, nil
}

// maybeFailover starts the failover protocol once the reconnect cycle has
// been exhausted, when automatic failover is configured.
func (s *Service) maybeFailover(ctx context.Context, localConn *pgx.Conn, self, upstream catalog.NodeRecord) failover.Outcome {
	if s.cfg.Failover != config.FailoverAutomatic {
		s.logger.Warn("upstream unreachable and failover is manual; operator action required")
		return failover.OutcomeAborted
	}
	if upstream.Type != catalog.NodePrimary {
		// A cascaded standby's upstream died: re-parent to the primary
		// rather than electing.
		s.logger.Info("upstream standby lost, re-parenting to primary")
		return s.reparentToPrimary(ctx, localConn, self)
	}

	s.state.SetVoting(true)
	outcome := s.engine.Run(ctx, localConn, self, upstream)
	s.state.ClearVoting()
	s.logger.Info("failover attempt finished", "outcome", outcome.String())
	return outcome
}

// reparentToPrimary points a cascaded standby at the cluster primary after
// its intermediate upstream disappeared.
func (s *Service) reparentToPrimary(ctx context.Context, localConn *pgx.Conn, self catalog.NodeRecord) failover.Outcome {
	localQ := catalog.New(localConn)
	primary, status, err := localQ.GetPrimaryNodeRecord(ctx)
	if err != nil || status != catalog.StatusFound {
		return failover.OutcomeAborted
	}

	if _, newConn := s.followNewPrimary(ctx, localConn, self, primary.NodeID); newConn != nil {
		_ = newConn.Close(ctx)
	}
	return failover.OutcomeAborted
}

// followNewPrimary executes the follow action: run the configured follow
// command, update this node's upstream in the winner's catalog, and clear
// the voting state. Returns the new upstream record and session.
func (s *Service) followNewPrimary(ctx context.Context, localConn *pgx.Conn, self catalog.NodeRecord, newPrimaryID int) (catalog.NodeRecord, *pgx.Conn) {
	localQ := catalog.New(localConn)
	defer func() {
		if err := localQ.ResetVotingStatus(ctx); err != nil {
			s.logger.Debug("cannot reset voting status after follow", "error", err)
		}
	}()

	if newPrimaryID == catalog.RerunSentinel {
		s.logger.Info("election re-evaluation requested")
		return catalog.NodeRecord{}, nil
	}

	newPrimary, status, err := localQ.GetNodeRecord(ctx, newPrimaryID)
	if err != nil || status != catalog.StatusFound {
		s.logger.Error("follow requested but new primary unknown", "node_id", newPrimaryID)
		return catalog.NodeRecord{}, nil
	}

	s.logger.Info("following new primary", "new_primary", newPrimaryID)

	followed := true
	details := fmt.Sprintf("node %d now following new upstream node %d", self.NodeID, newPrimaryID)
	if s.cfg.FollowCommand != "" {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.PrimaryFollowTimeout)
		_, err := command.Local(cctx, s.cfg.FollowCommand)
		cancel()
		if err != nil {
			// A slow standby may still attach after the timeout; record the
			// attempt as pending rather than failed and re-evaluate on the
			// next tick.
			followed = false
			details = fmt.Sprintf("follow of node %d pending: %v", newPrimaryID, err)
			s.logger.Warn("follow command did not complete", "error", err)
		}
	}

	newConn, err := conn.Open(ctx, newPrimary.Conninfo)
	if err != nil {
		s.logger.Warn("cannot reach new primary after follow", "error", err)
		s.recorder.Record(ctx, nil, events.Event{
			NodeID: self.NodeID, EventType: "standby_follow",
			Successful: false, Details: details,
		})
		return newPrimary, nil
	}

	newQ := catalog.New(newConn)
	if err := newQ.UpdateNodeRecordSetUpstream(ctx, self.NodeID, newPrimaryID); err != nil {
		s.logger.Warn("cannot update upstream in catalog", "error", err)
	}
	s.recorder.Record(ctx, newQ, events.Event{
		NodeID: self.NodeID, EventType: "standby_follow",
		Successful: followed, Details: details,
	})
	return newPrimary, newConn
}

// writeMonitoringRecord ships one heartbeat row to the primary through the
// upstream session.
func (s *Service) writeMonitoringRecord(ctx context.Context, upstreamQ *catalog.Queries, upstream, self catalog.NodeRecord, info catalog.ReplicationInfo) {
	primaryLSN, err := upstreamQ.GetCurrentLSN(ctx)
	if err != nil {
		s.logger.Debug("cannot read primary lsn for monitoring record", "error", err)
		return
	}

	rec := catalog.MonitoringRecord{
		PrimaryNodeID:     upstream.NodeID,
		StandbyNodeID:     self.NodeID,
		MonitorTime:       info.CurrentTimestamp,
		LastApplyTime:     info.LastXactReplayTime,
		PrimaryLSN:        primaryLSN,
		StandbyReceiveLSN: info.LastWalReceiveLSN,
	}
	if rec.MonitorTime.IsZero() {
		rec.MonitorTime = time.Now()
	}
	// Apply lag is the WAL received but not yet replayed.
	if recv, err := pglogrepl.ParseLSN(info.LastWalReceiveLSN); err == nil {
		if replay, err := pglogrepl.ParseLSN(info.LastWalReplayLSN); err == nil && recv > replay {
			rec.ApplyLagBytes = int64(recv - replay)
		}
	}

	if err := upstreamQ.InsertMonitoringRecord(ctx, rec); err != nil {
		s.logger.Debug("cannot write monitoring record", "error", err)
	}
}
