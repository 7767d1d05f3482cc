package nodeops

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/events"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
)

// recordFromConfig assembles this node's catalog row from its
// configuration.
func recordFromConfig(cfg *config.Config, typ catalog.NodeType, upstreamID int) catalog.NodeRecord {
	rec := catalog.NodeRecord{
		NodeID:         cfg.NodeID,
		Type:           typ,
		UpstreamNodeID: upstreamID,
		NodeName:       cfg.NodeName,
		Conninfo:       cfg.Conninfo,
		ReplUser:       cfg.ReplUser,
		Location:       cfg.Location,
		Priority:       cfg.Priority,
		Active:         true,
		ConfigFile:     cfg.ConfigFile,
		VirtualIP:      cfg.VirtualIP,
		NetworkCard:    cfg.NetworkCard,
	}
	if cfg.UseReplicationSlots && typ == catalog.NodeStandby {
		rec.SlotName = catalog.SlotNameForNode(cfg.NodeID)
	}
	return rec
}

// upsertNodeRecord creates or rewrites the row for this node.
func upsertNodeRecord(ctx context.Context, q *catalog.Queries, rec catalog.NodeRecord, force bool) error {
	_, status, err := q.GetNodeRecord(ctx, rec.NodeID)
	if err != nil {
		return err
	}
	switch status {
	case catalog.StatusFound:
		if !force {
			return fmt.Errorf("node %d is already registered (use --force to overwrite)", rec.NodeID)
		}
		return q.UpdateNodeRecord(ctx, rec)
	default:
		return q.CreateNodeRecord(ctx, rec)
	}
}

// PrimaryRegister registers this node as the cluster primary, initialising
// the voting term on first registration.
func PrimaryRegister(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *events.Recorder, force bool) error {
	c, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer c.Close(context.Background())
	q := catalog.New(c)

	inRecovery, err := q.IsInRecovery(ctx)
	if err != nil {
		return Exitf(ExitNodeStatus, err)
	}
	if inRecovery {
		return Exitf(ExitNodeStatus, fmt.Errorf("cannot register a node in recovery as primary"))
	}

	existing, status, err := q.GetPrimaryNodeRecord(ctx)
	if err != nil {
		return Exitf(ExitNodeStatus, err)
	}
	if status == catalog.StatusFound && existing.NodeID != cfg.NodeID && !force {
		return Exitf(ExitNodeStatus,
			fmt.Errorf("another primary (node %d) is already registered", existing.NodeID))
	}

	rec := recordFromConfig(cfg, catalog.NodePrimary, catalog.UnknownNodeID)
	if err := upsertNodeRecord(ctx, q, rec, force); err != nil {
		return Exitf(ExitNodeStatus, err)
	}
	if err := catalog.UpdateNodeRecordSetPrimary(ctx, c, cfg.NodeID); err != nil {
		return Exitf(ExitNodeStatus, err)
	}

	if _, status, _ := q.GetCurrentTerm(ctx); status != catalog.StatusFound {
		if err := q.InitializeVotingTerm(ctx); err != nil {
			logger.Warn("cannot initialise voting term", "error", err)
		}
	}
	if err := q.SetLocalNodeID(ctx, cfg.NodeID); err != nil {
		logger.Debug("cannot register node id in shared state", "error", err)
	}

	recorder.Record(ctx, q, events.Event{
		NodeID: cfg.NodeID, EventType: "primary_register", Successful: true,
		Details: fmt.Sprintf("primary %q registered", cfg.NodeName),
	})
	logger.Info("primary registered", "node_id", cfg.NodeID)
	return nil
}

// StandbyRegister registers this node as a standby of the current primary
// (or an explicit upstream), preparing its replication slot when slots are
// in use.
func StandbyRegister(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *events.Recorder, upstreamID int, force bool) error {
	localConn, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer localConn.Close(context.Background())
	localQ := catalog.New(localConn)

	inRecovery, err := localQ.IsInRecovery(ctx)
	if err != nil {
		return Exitf(ExitNodeStatus, err)
	}
	if !inRecovery && !force {
		return Exitf(ExitNodeStatus, fmt.Errorf("node is not in recovery; is it attached as a standby?"))
	}

	// Registration is written on the primary; it replicates back down.
	primary, primaryConn, err := findPrimary(ctx, localQ)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer primaryConn.Close(context.Background())
	primaryQ := catalog.New(primaryConn)

	if upstreamID == catalog.UnknownNodeID {
		upstreamID = primary.NodeID
	}
	if upstreamID == cfg.NodeID {
		return Exitf(ExitBadConfig, fmt.Errorf("node cannot be its own upstream"))
	}

	rec := recordFromConfig(cfg, catalog.NodeStandby, upstreamID)

	if rec.SlotName != "" {
		major, err := primaryQ.ServerVersionMajor(ctx)
		if err != nil {
			return Exitf(ExitNodeStatus, err)
		}
		if err := primaryQ.CreateSlotSQL(ctx, rec.SlotName, major); err != nil {
			return Exitf(ExitNodeStatus, fmt.Errorf("cannot prepare replication slot: %w", err))
		}
	}

	if err := upsertNodeRecord(ctx, primaryQ, rec, force); err != nil {
		return Exitf(ExitNodeStatus, err)
	}
	if err := localQ.SetLocalNodeID(ctx, cfg.NodeID); err != nil {
		logger.Debug("cannot register node id in shared state", "error", err)
	}

	recorder.Record(ctx, primaryQ, events.Event{
		NodeID: cfg.NodeID, EventType: "standby_register", Successful: true,
		Details: fmt.Sprintf("standby %q registered with upstream %d", cfg.NodeName, upstreamID),
	})
	logger.Info("standby registered", "node_id", cfg.NodeID, "upstream", upstreamID)
	return nil
}

// WitnessRegister registers this node as a witness and seeds its local copy
// of the nodes table.
func WitnessRegister(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *events.Recorder, primaryConninfo string, force bool) error {
	localConn, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer localConn.Close(context.Background())

	primaryConn, err := conn.Open(ctx, primaryConninfo)
	if err != nil {
		return Exitf(ExitDBConn, fmt.Errorf("cannot reach primary: %w", err))
	}
	defer primaryConn.Close(context.Background())
	primaryQ := catalog.New(primaryConn)

	primary, status, err := primaryQ.GetPrimaryNodeRecord(ctx)
	if err != nil || status != catalog.StatusFound {
		return Exitf(ExitNodeStatus, fmt.Errorf("no active primary registered at the given conninfo"))
	}

	rec := recordFromConfig(cfg, catalog.NodeWitness, primary.NodeID)
	if err := upsertNodeRecord(ctx, primaryQ, rec, force); err != nil {
		return Exitf(ExitNodeStatus, err)
	}

	if err := catalog.WitnessCopyNodeRecords(ctx, primaryQ, localConn); err != nil {
		return Exitf(ExitNodeStatus, fmt.Errorf("cannot seed witness node copy: %w", err))
	}
	if err := catalog.New(localConn).SetLocalNodeID(ctx, cfg.NodeID); err != nil {
		logger.Debug("cannot register node id in shared state", "error", err)
	}

	recorder.Record(ctx, primaryQ, events.Event{
		NodeID: cfg.NodeID, EventType: "witness_register", Successful: true,
		Details: fmt.Sprintf("witness %q registered", cfg.NodeName),
	})
	logger.Info("witness registered", "node_id", cfg.NodeID)
	return nil
}

// NodeUnregister removes a node's catalog row, by id when given, else this
// node. Slots left behind on the primary are dropped when inactive.
func NodeUnregister(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *events.Recorder, nodeID int, eventType string) error {
	if nodeID == catalog.UnknownNodeID {
		nodeID = cfg.NodeID
	}

	localConn, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer localConn.Close(context.Background())

	_, primaryConn, err := findPrimary(ctx, catalog.New(localConn))
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer primaryConn.Close(context.Background())
	primaryQ := catalog.New(primaryConn)

	rec, status, err := primaryQ.GetNodeRecord(ctx, nodeID)
	if err != nil {
		return Exitf(ExitNodeStatus, err)
	}
	if status != catalog.StatusFound {
		return Exitf(ExitNodeStatus, fmt.Errorf("node %d is not registered", nodeID))
	}

	if rec.SlotName != "" {
		if verdict, err := primaryQ.VerifySlot(ctx, rec.SlotName); err == nil && verdict == catalog.SlotReuseOK {
			if err := primaryQ.DropSlot(ctx, rec.SlotName); err != nil {
				logger.Warn("cannot drop replication slot", "slot", rec.SlotName, "error", err)
			}
		}
	}

	if err := primaryQ.DeleteNodeRecord(ctx, nodeID); err != nil {
		return Exitf(ExitNodeStatus, err)
	}

	recorder.Record(ctx, primaryQ, events.Event{
		NodeID: nodeID, EventType: eventType, Successful: true,
		Details: fmt.Sprintf("node %q unregistered", rec.NodeName),
	})
	logger.Info("node unregistered", "node_id", nodeID)
	return nil
}

// findPrimary locates the active primary via the local node copy and opens
// a session to it. When the local node is itself the primary the local
// session would also serve, but a fresh one keeps ownership simple.
func findPrimary(ctx context.Context, localQ *catalog.Queries) (catalog.NodeRecord, *pgx.Conn, error) {
	primary, status, err := localQ.GetPrimaryNodeRecord(ctx)
	if err != nil || status != catalog.StatusFound {
		return catalog.NodeRecord{}, nil, fmt.Errorf("no active primary registered")
	}

	c, err := conn.Open(ctx, primary.Conninfo)
	if err != nil {
		return catalog.NodeRecord{}, nil, fmt.Errorf("cannot reach primary node %d: %w", primary.NodeID, err)
	}
	return primary, c, nil
}
