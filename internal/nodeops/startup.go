package nodeops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/command"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/events"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
	"github.com/uxsinodb/ux-repmgr/internal/vip"
)

// StartupOptions control the auto-bring-up sequence.
type StartupOptions struct {
	ConfigWaitTimeout time.Duration // how long to wait for the engine config to appear
	DaemonCommand     string        // command that starts repmgrd; empty skips it
}

// NodeStartup brings a node up after boot: wait for the engine's main
// configuration file to exist (shared storage may mount late), start the
// engine, start the daemon, and settle the virtual address. When another
// active primary is already registered and reachable, a node recorded as
// primary shuts its engine back down so the daemon can rejoin it as a standby later.
func NodeStartup(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *events.Recorder, opts StartupOptions) error {
	if cfg.ConfigFile != "" {
		if err := waitForFile(ctx, cfg.ConfigFile, opts.ConfigWaitTimeout); err != nil {
			return Exitf(ExitNoUxStart, err)
		}
	}

	if err := NodeService(ctx, cfg, logger, ActionStart, false, false); err != nil {
		return Exitf(ExitNoUxStart, fmt.Errorf("engine start failed: %w", err))
	}

	if opts.DaemonCommand != "" {
		if res, err := command.Local(ctx, opts.DaemonCommand); err != nil {
			logger.Warn("daemon start command failed", "error", err, "output", res.Output)
		}
	}

	c, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer c.Close(context.Background())
	q := catalog.New(c)

	self, status, err := q.GetNodeRecord(ctx, cfg.NodeID)
	if err != nil || status != catalog.StatusFound {
		logger.Warn("node is not registered yet; startup complete without role checks")
		return nil
	}
	if self.Type != catalog.NodePrimary {
		return nil
	}

	// A primary record plus a different reachable active primary means a
	// failover happened while this node was down.
	other, otherStatus, err := q.GetPrimaryNodeRecord(ctx)
	if err == nil && otherStatus == catalog.StatusFound && other.NodeID != self.NodeID {
		if otherConn, err := conn.Open(ctx, other.Conninfo); err == nil {
			_ = otherConn.Close(ctx)
			logger.Warn("another active primary detected, shutting down for later rejoin",
				"other_primary", other.NodeID)
			recorder.Record(ctx, nil, events.Event{
				NodeID: self.NodeID, EventType: "node_startup",
				Details: fmt.Sprintf("former primary yielded to active primary %d", other.NodeID),
			})
			return NodeService(ctx, cfg, logger, ActionStop, false, false)
		}
	}

	if cfg.VirtualIP != "" {
		arbitrator := vip.New(logger, cfg.ArpingCommand, cfg.SudoCommand, cfg.SudoPassword)
		vips := []vip.VIP{{Address: cfg.VirtualIP, Interface: cfg.NetworkCard}}
		if err := arbitrator.Bind(ctx, vips); err != nil {
			logger.Warn("cannot bind virtual address at startup", "error", err)
		}
	}

	recorder.Record(ctx, q, events.Event{
		NodeID: self.NodeID, EventType: "node_startup", Successful: true,
		Details: "node started as primary",
	})
	return nil
}

func waitForFile(ctx context.Context, path string, budget time.Duration) error {
	if budget <= 0 {
		budget = 5 * time.Minute
	}
	deadline := time.Now().Add(budget)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("configuration file %q did not appear within %s", path, budget)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
