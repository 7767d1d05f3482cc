package repmgrd

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/events"
)

// copyNodesEvery spaces out the witness's nodes-table refresh in ticks.
const copyNodesEvery = 10

// runWitness is the witness loop: keep a local copy of the nodes table
// fresh and stay reachable so candidates can collect its vote. A witness
// never carries replication and never becomes primary.
func (s *Service) runWitness(ctx context.Context, localConn *pgx.Conn, self catalog.NodeRecord) error {
	localQ := catalog.New(localConn)

	primary, status, err := localQ.GetPrimaryNodeRecord(ctx)
	if err != nil || status != catalog.StatusFound {
		s.logger.Warn("no active primary in witness's node copy at startup")
	}

	var primaryConn *pgx.Conn
	if primary.NodeID != catalog.UnknownNodeID {
		primaryConn, _ = conn.Open(ctx, primary.Conninfo)
	}
	defer func() {
		if primaryConn != nil {
			_ = primaryConn.Close(context.Background())
		}
	}()

	state := monitoringNormal
	tick := 0

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
		tick++

		if s.state.Paused() {
			continue
		}

		if primaryConn == nil || conn.Ping(ctx, primaryConn) != nil {
			if primaryConn != nil {
				_ = primaryConn.Close(ctx)
				primaryConn = nil
			}

			// The primary may have moved; re-resolve from the local copy
			// before burning reconnect attempts on the dead one.
			if refreshed, status, err := localQ.GetPrimaryNodeRecord(ctx); err == nil && status == catalog.StatusFound {
				if refreshed.NodeID != primary.NodeID {
					s.logger.Info("witness re-pointing at new primary",
						"old", primary.NodeID, "new", refreshed.NodeID)
				}
				primary = refreshed
			}

			primaryConn = s.reconnectUpstream(ctx, primary.Conninfo)
			if primaryConn == nil {
				if state == monitoringNormal {
					s.recorder.Record(ctx, nil, events.Event{
						NodeID:    self.NodeID,
						EventType: "repmgrd_upstream_disconnect",
						Details:   "witness lost contact with the primary",
					})
				}
				s.enterDegraded(&state)
				continue
			}
		}

		s.leaveDegraded(&state)
		s.state.TouchUpstream(primary.NodeID)
		if err := localQ.SetUpstreamLastSeen(ctx, primary.NodeID); err != nil {
			s.logger.Debug("cannot stamp upstream last seen", "error", err)
		}

		if tick%copyNodesEvery == 0 {
			if err := catalog.WitnessCopyNodeRecords(ctx, catalog.New(primaryConn), localConn); err != nil {
				s.logger.Warn("cannot refresh witness node copy", "error", err)
			}
		}
	}
}
