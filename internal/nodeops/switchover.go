package nodeops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/command"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/events"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
	"github.com/uxsinodb/ux-repmgr/internal/vip"
)

// StandbyPromote promotes this standby to primary and publishes the new
// topology.
func StandbyPromote(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *events.Recorder) error {
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
	if !inRecovery {
		return Exitf(ExitPromotionFail, fmt.Errorf("node is not in recovery, nothing to promote"))
	}

	promoteCmd := cfg.PromoteCommand
	if promoteCmd == "" {
		promoteCmd, err = ServiceCommand(cfg, ActionPromote)
		if err != nil {
			return Exitf(ExitBadConfig, err)
		}
	}

	logger.Info("promoting standby", "node_id", cfg.NodeID)
	if res, err := command.Local(ctx, promoteCmd); err != nil {
		return Exitf(ExitPromotionFail, fmt.Errorf("promote command failed: %w\n%s", err, res.Output))
	}

	deadline := time.Now().Add(cfg.PromoteCheckTimeout)
	for {
		if inRecovery, err := localQ.IsInRecovery(ctx); err == nil && !inRecovery {
			break
		}
		if time.Now().After(deadline) {
			recorder.Record(ctx, nil, events.Event{
				NodeID: cfg.NodeID, EventType: "standby_promote",
				Details: fmt.Sprintf("node still in recovery after %s", cfg.PromoteCheckTimeout),
			})
			return Exitf(ExitPromotionFail,
				fmt.Errorf("node still in recovery after %s", cfg.PromoteCheckTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	if err := catalog.UpdateNodeRecordSetPrimary(ctx, localConn, cfg.NodeID); err != nil {
		return Exitf(ExitPromotionFail, err)
	}

	recorder.Record(ctx, localQ, events.Event{
		NodeID: cfg.NodeID, EventType: "standby_promote", Successful: true,
		Details:  fmt.Sprintf("standby %q promoted to primary", cfg.NodeName),
		Conninfo: cfg.Conninfo,
	})

	if cfg.VirtualIP != "" {
		arbitrator := vip.New(logger, cfg.ArpingCommand, cfg.SudoCommand, cfg.SudoPassword)
		vips := []vip.VIP{{Address: cfg.VirtualIP, Interface: cfg.NetworkCard}}
		if err := arbitrator.Bind(ctx, vips); err != nil {
			logger.Warn("cannot bind virtual address after promotion", "error", err)
		}
	}

	logger.Info("standby promoted", "node_id", cfg.NodeID)
	return nil
}

// StandbyFollow re-points this standby at the cluster's current primary:
// rewrite the replication configuration, restart the engine, update the
// catalog.
func StandbyFollow(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *events.Recorder) error {
	localConn, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer localConn.Close(context.Background())

	primary, primaryConn, err := findPrimary(ctx, catalog.New(localConn))
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer primaryConn.Close(context.Background())
	primaryQ := catalog.New(primaryConn)

	if primary.NodeID == cfg.NodeID {
		return Exitf(ExitNodeStatus, fmt.Errorf("this node is the primary, nothing to follow"))
	}

	if err := writeStandbyConfig(cfg, primary); err != nil {
		return Exitf(ExitRejoinFail, err)
	}
	if err := NodeService(ctx, cfg, logger, ActionRestart, false, false); err != nil {
		return err
	}

	if err := primaryQ.UpdateNodeRecordSetUpstream(ctx, cfg.NodeID, primary.NodeID); err != nil {
		return Exitf(ExitNodeStatus, err)
	}

	recorder.Record(ctx, primaryQ, events.Event{
		NodeID: cfg.NodeID, EventType: "standby_follow", Successful: true,
		Details: fmt.Sprintf("standby %q now following node %d", cfg.NodeName, primary.NodeID),
	})
	logger.Info("now following primary", "upstream", primary.NodeID)
	return nil
}

// SwitchoverOptions control the orchestrated role swap.
type SwitchoverOptions struct {
	SiblingsFollow bool // re-point the other standbys at the new primary
	DryRun         bool
}

// StandbySwitchover swaps roles between this standby and the current
// primary: cleanly stop the primary over SSH, verify its shutdown
// checkpoint has been received locally, promote, and rejoin the former
// primary as a standby.
func StandbySwitchover(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder *events.Recorder, opts SwitchoverOptions) error {
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
	if !inRecovery {
		return Exitf(ExitSwitchoverFail, fmt.Errorf("switchover must run on the standby being promoted"))
	}

	oldPrimary, status, err := localQ.GetPrimaryNodeRecord(ctx)
	if err != nil || status != catalog.StatusFound {
		return Exitf(ExitSwitchoverFail, fmt.Errorf("no active primary registered"))
	}

	oldPrimaryHost, err := hostFromConninfo(oldPrimary.Conninfo)
	if err != nil {
		return Exitf(ExitSwitchoverFail, err)
	}
	ssh := command.SSHConfig{
		Host: oldPrimaryHost, Port: cfg.SSHPort,
		User: cfg.SSHUser, Password: cfg.SSHPassword,
	}

	if opts.DryRun {
		logger.Info("switchover prerequisites met",
			"demote", oldPrimary.NodeID, "promote", cfg.NodeID)
		return nil
	}

	logger.Info("stopping current primary", "node_id", oldPrimary.NodeID, "host", oldPrimaryHost)
	if _, err := command.Remote(ssh,
		remoteRepmgr(oldPrimary.ConfigFile, "node service --action=stop --checkpoint")); err != nil {
		return Exitf(ExitSwitchoverFail, fmt.Errorf("cannot stop old primary: %w", err))
	}

	shutdownLSN, err := waitForCleanRemoteShutdown(ctx, ssh, oldPrimary.ConfigFile, cfg.StandbyReconnectTimeout, logger)
	if err != nil {
		// Try to bring the old primary back rather than leaving the
		// cluster headless.
		_, _ = command.Remote(ssh, remoteRepmgr(oldPrimary.ConfigFile, "node service --action=start"))
		return Exitf(ExitSwitchoverFail, err)
	}

	if err := waitForReceiveLSN(ctx, localQ, shutdownLSN, cfg.StandbyReconnectTimeout); err != nil {
		_, _ = command.Remote(ssh, remoteRepmgr(oldPrimary.ConfigFile, "node service --action=start"))
		return Exitf(ExitSwitchoverFail, err)
	}

	if err := StandbyPromote(ctx, cfg, logger, recorder); err != nil {
		return Exitf(ExitSwitchoverFail, fmt.Errorf("promotion during switchover failed: %w", err))
	}

	// Release the virtual address on the demoted node; the promote above
	// already bound it here.
	if oldPrimary.VirtualIP != "" {
		if _, err := command.Remote(ssh,
			remoteRepmgr(oldPrimary.ConfigFile, "node vip --unbind")); err != nil {
			logger.Warn("cannot unbind virtual address on former primary", "error", err)
		}
	}

	logger.Info("rejoining former primary as standby", "node_id", oldPrimary.NodeID)
	rejoinCmd := remoteRepmgr(oldPrimary.ConfigFile,
		fmt.Sprintf("node rejoin --upstream-conninfo='%s'", cfg.Conninfo))
	if _, err := command.Remote(ssh, rejoinCmd); err != nil {
		logger.Warn("former primary did not rejoin automatically; operator action required",
			"error", err)
	}

	if opts.SiblingsFollow {
		siblings, err := localQ.GetActiveSiblingNodeRecords(ctx, cfg.NodeID, oldPrimary.NodeID)
		if err == nil {
			for _, sib := range siblings {
				if sib.Type == catalog.NodeWitness {
					continue
				}
				if sc, err := conn.Open(ctx, sib.Conninfo); err == nil {
					if err := catalog.New(sc).NotifyFollowPrimary(ctx, cfg.NodeID); err != nil {
						logger.Warn("cannot notify sibling", "node_id", sib.NodeID, "error", err)
					}
					_ = sc.Close(ctx)
				}
			}
		}
	}

	recorder.Record(ctx, localQ, events.Event{
		NodeID: cfg.NodeID, EventType: "standby_switchover", Successful: true,
		Details: fmt.Sprintf("node %d promoted, former primary %d demoted",
			cfg.NodeID, oldPrimary.NodeID),
		AuxNodeID: oldPrimary.NodeID,
	})
	logger.Info("switchover complete", "new_primary", cfg.NodeID, "former_primary", oldPrimary.NodeID)
	return nil
}

// waitForCleanRemoteShutdown polls the remote node's shutdown status line
// until it reports SHUTDOWN and returns the reported checkpoint LSN.
func waitForCleanRemoteShutdown(ctx context.Context, ssh command.SSHConfig, remoteConfig string, budget time.Duration, logger *slog.Logger) (pglogrepl.LSN, error) {
	deadline := time.Now().Add(budget)
	for {
		res, err := command.Remote(ssh,
			remoteRepmgr(remoteConfig, "node status --is-shutdown-cleanly"))
		if err == nil {
			token, lsn, parseErr := parseShutdownStatusLine(res.Output)
			if parseErr == nil {
				switch token {
				case TokenShutdown:
					return lsn, nil
				case TokenUncleanShutdown:
					return 0, fmt.Errorf("old primary shut down uncleanly")
				default:
					logger.Debug("old primary still shutting down", "state", token)
				}
			}
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("old primary did not shut down cleanly within %s", budget)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// parseShutdownStatusLine decodes the machine-parseable output of
// node status --is-shutdown-cleanly.
func parseShutdownStatusLine(output string) (ShutdownStateToken, pglogrepl.LSN, error) {
	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) == 0 {
		return TokenUnknown, 0, fmt.Errorf("empty shutdown status line")
	}
	token := ShutdownStateToken(fields[0])
	if token != TokenShutdown || len(fields) < 2 {
		return token, 0, nil
	}
	lsn, err := pglogrepl.ParseLSN(fields[1])
	if err != nil {
		return token, 0, fmt.Errorf("unparseable checkpoint LSN %q", fields[1])
	}
	return token, lsn, nil
}

// waitForReceiveLSN blocks until this standby has received WAL up to the
// old primary's shutdown checkpoint.
func waitForReceiveLSN(ctx context.Context, localQ *catalog.Queries, target pglogrepl.LSN, budget time.Duration) error {
	deadline := time.Now().Add(budget)
	for {
		if lsnStr, err := localQ.GetLastReceiveLSN(ctx); err == nil {
			if lsn, err := pglogrepl.ParseLSN(lsnStr); err == nil && lsn >= target {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("standby did not receive WAL up to %s within %s", target, budget)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func remoteRepmgr(remoteConfigFile, args string) string {
	if remoteConfigFile == "" {
		return "repmgr " + args
	}
	return fmt.Sprintf("repmgr -f %s %s", remoteConfigFile, args)
}

func hostFromConninfo(conninfo string) (string, error) {
	params, err := conn.ParseConninfo(conninfo)
	if err != nil {
		return "", fmt.Errorf("conninfo unparseable: %w", err)
	}
	host, ok := params.Get("host")
	if !ok || host == "" {
		return "", fmt.Errorf("conninfo carries no host")
	}
	return host, nil
}
