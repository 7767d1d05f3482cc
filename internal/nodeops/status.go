package nodeops

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/controlfile"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
)

// ShutdownStateToken is the machine-parseable state in the
// --is-shutdown-cleanly output, consumed over SSH during switchover.
type ShutdownStateToken string

const (
	TokenRunning        ShutdownStateToken = "RUNNING"
	TokenShuttingDown   ShutdownStateToken = "SHUTTING_DOWN"
	TokenShutdown       ShutdownStateToken = "SHUTDOWN"
	TokenUncleanShutdown ShutdownStateToken = "UNCLEAN_SHUTDOWN"
	TokenUnknown        ShutdownStateToken = "UNKNOWN"
)

// ShutdownStatus classifies the data directory's state from the control
// file alone; it never opens a database session and never writes.
func ShutdownStatus(dataDir string) (ShutdownStateToken, uint64) {
	cf, err := controlfile.Read(dataDir)
	if err != nil {
		return TokenUnknown, 0
	}

	switch cf.State {
	case controlfile.StateShutdowned, controlfile.StateShutdownedInRecovery:
		return TokenShutdown, cf.LatestCheckpoint
	case controlfile.StateShutdowning:
		return TokenShuttingDown, 0
	case controlfile.StateInProduction, controlfile.StateInArchiveRecovery,
		controlfile.StateStartup:
		return TokenRunning, 0
	case controlfile.StateInCrashRecovery:
		return TokenUncleanShutdown, 0
	default:
		return TokenUnknown, 0
	}
}

// FormatShutdownStatus renders the machine-parseable line: the state token
// and, for a clean shutdown, the last checkpoint LSN.
func FormatShutdownStatus(token ShutdownStateToken, checkpoint uint64) string {
	if token == TokenShutdown {
		return fmt.Sprintf("%s %X/%X", token, uint32(checkpoint>>32), uint32(checkpoint))
	}
	return string(token)
}

// NodeStatus writes a human-readable summary of this node: identity,
// role, recovery state, replication position and daemon liveness.
func NodeStatus(ctx context.Context, cfg *config.Config, logger *slog.Logger, w io.Writer) error {
	c, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer c.Close(context.Background())
	q := catalog.New(c)

	rec, status, err := q.GetNodeRecord(ctx, cfg.NodeID)
	if err != nil || status != catalog.StatusFound {
		return Exitf(ExitNodeStatus, fmt.Errorf("node %d is not registered", cfg.NodeID))
	}

	info, err := q.GetReplicationInfo(ctx)
	if err != nil {
		return Exitf(ExitNodeStatus, err)
	}

	daemonRunning, _ := q.RepmgrdIsRunning(ctx)
	daemonPaused, _ := q.RepmgrdIsPaused(ctx)

	fmt.Fprintf(w, "Node %q (ID: %d)\n", rec.NodeName, rec.NodeID)
	fmt.Fprintf(w, "\tRole: %s\n", rec.Type)
	fmt.Fprintf(w, "\tActive: %v\n", rec.Active)
	fmt.Fprintf(w, "\tLocation: %s\n", rec.Location)
	fmt.Fprintf(w, "\tPriority: %d\n", rec.Priority)
	fmt.Fprintf(w, "\tIn recovery: %v\n", info.InRecovery)
	fmt.Fprintf(w, "\tTimeline: %d\n", info.TimelineID)
	if info.InRecovery {
		fmt.Fprintf(w, "\tWAL receive position: %s\n", info.LastWalReceiveLSN)
		fmt.Fprintf(w, "\tWAL replay position: %s\n", info.LastWalReplayLSN)
		fmt.Fprintf(w, "\tReceiving streamed WAL: %v\n", info.ReceivingStreamedWal)
		fmt.Fprintf(w, "\tReplay paused: %v\n", info.ReplayPaused)
		if rec.UpstreamNodeID != catalog.UnknownNodeID {
			fmt.Fprintf(w, "\tUpstream node: %d\n", rec.UpstreamNodeID)
		}
	}
	if rec.SlotName != "" {
		fmt.Fprintf(w, "\tReplication slot: %s\n", rec.SlotName)
	}
	fmt.Fprintf(w, "\trepmgrd: running=%v paused=%v\n", daemonRunning, daemonPaused)

	logger.Debug("node status complete", "node_id", rec.NodeID)
	return nil
}
