package repmgrd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/events"
	"github.com/uxsinodb/ux-repmgr/internal/vip"
)

// historyPurgeEvery spaces out monitoring-history vacuuming in ticks.
const historyPurgeEvery = 300

// runPrimary is the primary loop: self-ping, standby inventory, slot
// anomaly detection, history retention and virtual-address upkeep.
func (s *Service) runPrimary(ctx context.Context, localConn *pgx.Conn, self catalog.NodeRecord) error {
	localQ := catalog.New(localConn)

	state := monitoringNormal
	arbitrator := vip.New(s.logger, s.cfg.ArpingCommand, s.cfg.SudoCommand, s.cfg.SudoPassword)
	knownSlotAnomalies := map[string]bool{}
	knownDownstream := map[int]bool{}
	firstInventory := true
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

		// Self-ping; on failure cycle through reconnects before going
		// degraded.
		fresh, err := conn.PingWithReset(ctx, localConn)
		if err != nil {
			localConn = s.reconnectUpstream(ctx, self.Conninfo)
			if localConn == nil {
				s.enterDegraded(&state)
				if s.degradedExpired() {
					return fmt.Errorf("local database unreachable beyond degraded monitoring timeout")
				}
				localConn, _ = conn.Open(ctx, self.Conninfo) // one more try next tick
				if localConn == nil {
					continue
				}
			}
			localQ = catalog.New(localConn)
		} else {
			localConn = fresh
			localQ = catalog.New(localConn)
		}

		// A demotion under our feet (switchover driven elsewhere) turns
		// this loop into a standby loop.
		if inRecovery, err := localQ.IsInRecovery(ctx); err == nil && inRecovery {
			s.logger.Info("node is now in recovery, switching to standby monitoring")
			refreshed, status, err := localQ.GetNodeRecord(ctx, self.NodeID)
			if err == nil && status == catalog.StatusFound {
				return s.runStandby(ctx, localConn, refreshed)
			}
			return fmt.Errorf("demoted but catalog record unreadable")
		}

		s.leaveDegraded(&state)

		s.inventoryDownstream(ctx, localQ, self, knownDownstream, firstInventory)
		s.scanSlotAnomalies(ctx, localQ, self, knownSlotAnomalies)
		firstInventory = false

		if s.cfg.MonitoringHistory && s.cfg.MonitoringHistoryKeep > 0 && tick%historyPurgeEvery == 0 {
			if n, err := localQ.PurgeMonitoringHistory(ctx, s.cfg.MonitoringHistoryKeep); err == nil && n > 0 {
				s.logger.Debug("purged monitoring history", "rows", n)
			}
		}

		if s.cfg.VirtualIP != "" {
			vips := []vip.VIP{{Address: s.cfg.VirtualIP, Interface: s.cfg.NetworkCard}}
			if err := arbitrator.Bind(ctx, vips); err != nil {
				s.logger.Warn("cannot ensure virtual address", "error", err)
			}
		}
	}
}

// inventoryDownstream detects newly registered or deregistered standbys by
// comparing the catalog against the previous tick's view.
func (s *Service) inventoryDownstream(ctx context.Context, localQ *catalog.Queries, self catalog.NodeRecord, known map[int]bool, first bool) {
	downstream, err := localQ.GetDownstreamNodeRecords(ctx, self.NodeID)
	if err != nil {
		s.logger.Warn("cannot inventory downstream nodes", "error", err)
		return
	}

	current := lo.SliceToMap(downstream, func(r catalog.NodeRecord) (int, bool) {
		return r.NodeID, true
	})

	if !first {
		for id := range current {
			if !known[id] {
				s.logger.Info("new downstream node registered", "node_id", id)
			}
		}
		for id := range known {
			if !current[id] {
				s.logger.Info("downstream node deregistered", "node_id", id)
			}
		}
	}

	clear(known)
	for id := range current {
		known[id] = true
	}
}

// scanSlotAnomalies emits an event when a registered standby's slot goes
// inactive or missing, and another when the anomaly clears.
func (s *Service) scanSlotAnomalies(ctx context.Context, localQ *catalog.Queries, self catalog.NodeRecord, known map[string]bool) {
	downstream, err := localQ.GetDownstreamNodeRecords(ctx, self.NodeID)
	if err != nil {
		return
	}

	current := map[string]bool{}
	for _, node := range downstream {
		if node.SlotName == "" || !node.Active || node.Type == catalog.NodeWitness {
			continue
		}
		info, status, err := localQ.GetSlotInfo(ctx, node.SlotName)
		if err != nil {
			continue
		}
		if status == catalog.StatusNotFound {
			current[node.SlotName] = true
			if !known[node.SlotName] {
				s.recorder.Record(ctx, localQ, events.Event{
					NodeID: self.NodeID, EventType: "repmgrd_slot_missing",
					Details: fmt.Sprintf("slot %q for node %d does not exist", node.SlotName, node.NodeID),
				})
			}
			continue
		}
		if !info.Active {
			current[node.SlotName] = true
			if !known[node.SlotName] {
				s.recorder.Record(ctx, localQ, events.Event{
					NodeID: self.NodeID, EventType: "repmgrd_slot_inactive",
					Details: fmt.Sprintf("slot %q for node %d is inactive", node.SlotName, node.NodeID),
				})
			}
		}
	}

	for slot := range known {
		if !current[slot] {
			s.recorder.Record(ctx, localQ, events.Event{
				NodeID: self.NodeID, EventType: "repmgrd_slot_recovered",
				Successful: true,
				Details:    fmt.Sprintf("slot %q is streaming again", slot),
			})
		}
	}

	clear(known)
	for slot := range current {
		known[slot] = true
	}
}
