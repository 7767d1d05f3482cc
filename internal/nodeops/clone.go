package nodeops

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/command"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/controlfile"
	"github.com/uxsinodb/ux-repmgr/internal/events"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
)

// CloneOptions control the standby clone.
type CloneOptions struct {
	SourceConninfo string // upstream to clone from
	DryRun         bool
	Force          bool // allow cloning over an existing data directory
}

// StandbyClone builds a new standby's data directory from an upstream node
// using the engine's base-backup tool, then lays down the replication
// configuration so the node streams on first start.
func StandbyClone(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *events.Recorder, opts CloneOptions) error {
	sourceConn, err := conn.Open(ctx, opts.SourceConninfo)
	if err != nil {
		return Exitf(ExitDBConn, fmt.Errorf("cannot reach clone source: %w", err))
	}
	defer sourceConn.Close(context.Background())
	sourceQ := catalog.New(sourceConn)

	source, status, err := sourceQ.GetPrimaryNodeRecord(ctx)
	if err != nil || status != catalog.StatusFound {
		return Exitf(ExitNodeStatus, fmt.Errorf("clone source knows no active primary"))
	}

	if controlfile.IsUxDir(cfg.DataDirectory) && !opts.Force {
		return Exitf(ExitBadConfig,
			fmt.Errorf("%q already contains a data directory (use --force to overwrite)", cfg.DataDirectory))
	}

	// Prepare the replication slot up front so WAL is retained from the
	// backup start point.
	slotName := ""
	if cfg.UseReplicationSlots {
		slotName = catalog.SlotNameForNode(cfg.NodeID)
		major, err := sourceQ.ServerVersionMajor(ctx)
		if err != nil {
			return Exitf(ExitNodeStatus, err)
		}
		if err := sourceQ.CreateSlotSQL(ctx, slotName, major); err != nil {
			return Exitf(ExitNodeStatus, fmt.Errorf("cannot prepare replication slot: %w", err))
		}
	}

	params, err := conn.ParseConninfo(source.Conninfo)
	if err != nil {
		return Exitf(ExitBadConfig, fmt.Errorf("source conninfo unparseable: %w", err))
	}
	host, _ := params.Get("host")
	port, hasPort := params.Get("port")

	backupCmd := fmt.Sprintf("%s -D %s -h %s -U %s -X stream --write-recovery-conf",
		cfg.UxBasebackupBinary, cfg.DataDirectory, host, source.ReplUser)
	if hasPort {
		backupCmd += " -p " + port
	}
	if slotName != "" {
		backupCmd += " -S " + slotName
	}

	if opts.DryRun {
		fmt.Println(backupCmd)
		return nil
	}

	logger.Info("cloning from upstream", "source", source.NodeID, "command", cfg.UxBasebackupBinary)
	res, err := command.Local(ctx, backupCmd)
	if err != nil {
		recorder.Record(ctx, sourceQ, events.Event{
			NodeID: cfg.NodeID, EventType: "standby_clone",
			Details: fmt.Sprintf("base backup failed: %v", err),
		})
		return Exitf(ExitLocalCommand, fmt.Errorf("base backup failed: %w\n%s", err, res.Output))
	}

	if err := writeStandbyConfig(cfg, source); err != nil {
		return Exitf(ExitRejoinFail, err)
	}

	recorder.Record(ctx, sourceQ, events.Event{
		NodeID: cfg.NodeID, EventType: "standby_clone", Successful: true,
		Details: fmt.Sprintf("cloned from node %d into %q", source.NodeID, cfg.DataDirectory),
	})
	logger.Info("clone complete", "data_directory", cfg.DataDirectory)
	return nil
}
