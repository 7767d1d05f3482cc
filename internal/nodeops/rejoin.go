package nodeops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/command"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/controlfile"
	"github.com/uxsinodb/ux-repmgr/internal/events"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
)

// RejoinOptions control the node rejoin workflow.
type RejoinOptions struct {
	UpstreamConninfo string // session to the current primary
	ForceRewind      bool   // invoke the block-level resynchronisation tool
	NoWait           bool   // skip the attachment wait
	DryRun           bool
}

// NodeRejoin returns a former primary to the cluster as a standby. The
// engine must be shut down; an unclean shutdown requires --force-rewind.
func NodeRejoin(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *events.Recorder, opts RejoinOptions) error {
	if !controlfile.IsUxDir(cfg.DataDirectory) {
		return Exitf(ExitRejoinFail,
			fmt.Errorf("%q is not a valid data directory", cfg.DataDirectory))
	}

	cf, err := controlfile.Read(cfg.DataDirectory)
	if err != nil {
		return Exitf(ExitRejoinFail, fmt.Errorf("cannot read control file: %w", err))
	}
	if !cf.State.CleanlyShutDown() && !opts.ForceRewind {
		return Exitf(ExitRejoinFail,
			fmt.Errorf("database is not cleanly shut down (state: %s); rerun with --force-rewind", cf.State))
	}

	// Connect to the cluster's current primary and sanity-check that this
	// node can attach below it.
	upstreamConn, err := conn.Open(ctx, opts.UpstreamConninfo)
	if err != nil {
		return Exitf(ExitDBConn, fmt.Errorf("cannot reach rejoin target: %w", err))
	}
	defer upstreamConn.Close(context.Background())
	upstreamQ := catalog.New(upstreamConn)

	primary, status, err := upstreamQ.GetPrimaryNodeRecord(ctx)
	if err != nil || status != catalog.StatusFound {
		return Exitf(ExitRejoinFail, fmt.Errorf("rejoin target knows no active primary"))
	}

	self, status, err := upstreamQ.GetNodeRecord(ctx, cfg.NodeID)
	if err != nil || status != catalog.StatusFound {
		return Exitf(ExitRejoinFail, fmt.Errorf("node %d is not registered on the primary", cfg.NodeID))
	}

	if err := checkTimelineAttachable(ctx, upstreamQ, cf, logger); err != nil {
		if !opts.ForceRewind {
			return Exitf(ExitRejoinFail, err)
		}
		logger.Info("timelines have diverged, block-level resynchronisation required", "reason", err)
	}

	if opts.DryRun {
		logger.Info("prerequisites for rejoin are met")
		return nil
	}

	if opts.ForceRewind {
		if err := runRewind(ctx, cfg, logger, opts.UpstreamConninfo); err != nil {
			recorder.Record(ctx, upstreamQ, events.Event{
				NodeID: cfg.NodeID, EventType: "node_rejoin",
				Details: fmt.Sprintf("block-level resynchronisation failed: %v", err),
			})
			return Exitf(ExitRejoinFail, err)
		}
	}

	// Lay down standby configuration pointing at the current primary and
	// start the engine.
	if err := writeStandbyConfig(cfg, primary); err != nil {
		return Exitf(ExitRejoinFail, err)
	}
	if err := NodeService(ctx, cfg, logger, ActionStart, false, false); err != nil {
		return Exitf(ExitNoUxStart, fmt.Errorf("engine did not start after rejoin: %w", err))
	}

	// Update this node's catalog row: standby below the current primary.
	self.Type = catalog.NodeStandby
	self.UpstreamNodeID = primary.NodeID
	self.Active = true
	if err := upstreamQ.UpdateNodeRecord(ctx, self); err != nil {
		return Exitf(ExitRejoinFail, fmt.Errorf("cannot update catalog after rejoin: %w", err))
	}

	if !opts.NoWait {
		if err := waitForAttachment(ctx, upstreamQ, self.NodeName, cfg.NodeRejoinTimeout); err != nil {
			recorder.Record(ctx, upstreamQ, events.Event{
				NodeID: cfg.NodeID, EventType: "node_rejoin",
				Details: err.Error(),
			})
			return Exitf(ExitRejoinFail, err)
		}
	}

	recorder.Record(ctx, upstreamQ, events.Event{
		NodeID: cfg.NodeID, EventType: "node_rejoin", Successful: true,
		Details: fmt.Sprintf("node %d rejoined as standby of node %d", cfg.NodeID, primary.NodeID),
	})
	logger.Info("node rejoin complete", "upstream", primary.NodeID)
	return nil
}

// checkTimelineAttachable compares the local timeline (the later of the
// checkpoint and minimum-recovery-end timelines) against the target's
// timeline; the minimum-recovery LSN itself is not compared.
func checkTimelineAttachable(ctx context.Context, upstreamQ *catalog.Queries, cf *controlfile.ControlFileData, logger *slog.Logger) error {
	upstreamInfo, err := upstreamQ.GetReplicationInfo(ctx)
	if err != nil {
		return fmt.Errorf("cannot read target replication state: %w", err)
	}

	localTimeline := cf.TimelineID
	if cf.MinRecoveryEndTimeline > localTimeline {
		localTimeline = cf.MinRecoveryEndTimeline
	}

	if localTimeline > uint32(upstreamInfo.TimelineID) {
		return fmt.Errorf("local timeline %d is ahead of target timeline %d",
			localTimeline, upstreamInfo.TimelineID)
	}
	logger.Debug("timeline check passed",
		"local_timeline", localTimeline, "target_timeline", upstreamInfo.TimelineID)
	return nil
}

// runRewind invokes the engine's block-level resynchronisation tool. The
// node's configuration files are archived first; the standby-signal marker
// is removed so the tool can run the data directory through recovery, and
// both are restored afterwards. The recovery-done marker the tool copies in
// from the source is deleted so the engine starts as a standby.
func runRewind(ctx context.Context, cfg *config.Config, logger *slog.Logger, sourceConninfo string) error {
	archiveDir, archived, err := archiveConfigFiles(cfg)
	if err != nil {
		return fmt.Errorf("cannot archive configuration files: %w", err)
	}

	standbySignal := controlfile.StandbySignalPath(cfg.DataDirectory)
	hadStandbySignal := controlfile.HasStandbySignal(cfg.DataDirectory)
	if hadStandbySignal {
		if err := os.Remove(standbySignal); err != nil {
			return fmt.Errorf("cannot remove standby signal before resync: %w", err)
		}
	}

	rewindCmd := fmt.Sprintf("%s -D %s --source-server='%s'",
		cfg.UxRewindBinary, cfg.DataDirectory, sourceConninfo)
	logger.Info("executing block-level resynchronisation", "command", cfg.UxRewindBinary)

	res, rewindErr := command.Local(ctx, rewindCmd)

	// Restore configuration and markers whether the tool succeeded or not.
	if err := restoreConfigFiles(cfg, archiveDir, archived); err != nil {
		logger.Warn("cannot restore archived configuration files", "error", err)
	}
	if hadStandbySignal {
		if err := os.WriteFile(standbySignal, nil, 0o644); err != nil {
			logger.Warn("cannot restore standby signal", "error", err)
		}
	}
	_ = os.Remove(controlfile.RecoverySignalPath(cfg.DataDirectory))

	if rewindErr != nil {
		return fmt.Errorf("resynchronisation tool failed: %w\n%s", rewindErr, res.Output)
	}
	return nil
}

// configFileNames are the engine configuration files preserved across a
// block-level resync.
var configFileNames = []string{
	"uxsino.conf", "uxsino.auto.conf", "ux_hba.conf", "ux_ident.conf",
}

func archiveConfigFiles(cfg *config.Config) (string, []string, error) {
	archiveDir, err := os.MkdirTemp("", "repmgr-config-archive-")
	if err != nil {
		return "", nil, err
	}

	var archived []string
	for _, name := range configFileNames {
		src := filepath.Join(cfg.DataDirectory, name)
		raw, err := os.ReadFile(src)
		if err != nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(archiveDir, name), raw, 0o600); err != nil {
			return "", nil, err
		}
		archived = append(archived, name)
	}
	return archiveDir, archived, nil
}

func restoreConfigFiles(cfg *config.Config, archiveDir string, archived []string) error {
	for _, name := range archived {
		raw, err := os.ReadFile(filepath.Join(archiveDir, name))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(cfg.DataDirectory, name), raw, 0o600); err != nil {
			return err
		}
	}
	return os.RemoveAll(archiveDir)
}

// writeStandbyConfig lays down the standby signal and primary_conninfo so
// the engine streams from the current primary on next start.
func writeStandbyConfig(cfg *config.Config, primary catalog.NodeRecord) error {
	params, err := conn.ParseConninfo(primary.Conninfo)
	if err != nil {
		return fmt.Errorf("primary conninfo unparseable: %w", err)
	}
	params.Set("user", primary.ReplUser)
	params.Set("application_name", cfg.NodeName)

	auto := fmt.Sprintf("primary_conninfo = '%s'\n", params.String())
	if cfg.UseReplicationSlots {
		auto += fmt.Sprintf("primary_slot_name = '%s'\n", catalog.SlotNameForNode(cfg.NodeID))
	}

	autoPath := filepath.Join(cfg.DataDirectory, "uxsino.auto.conf")
	f, err := os.OpenFile(autoPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("cannot append replication settings: %w", err)
	}
	if _, err := f.WriteString(auto); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.WriteFile(controlfile.StandbySignalPath(cfg.DataDirectory), nil, 0o644)
}

// waitForAttachment polls the primary's replication view until the node
// appears or the budget runs out.
func waitForAttachment(ctx context.Context, upstreamQ *catalog.Queries, nodeName string, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		attached, err := upstreamQ.NodeAttached(ctx, nodeName)
		if err == nil && attached {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("node %q did not attach within %s", nodeName, budget)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
