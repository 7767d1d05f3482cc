package nodeops

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
)

// This file holds the diagnostic operations on a running standby's WAL
// receiver.

// DisableWalReceiver stops the standby's WAL receiver via the extension.
func DisableWalReceiver(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	c, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer c.Close(context.Background())
	q := catalog.New(c)

	if err := requireStandby(ctx, q); err != nil {
		return err
	}

	if err := q.DisableWalReceiver(ctx); err != nil {
		return Exitf(ExitNodeStatus, err)
	}

	if pid, ok, _ := q.GetWalReceiverPID(ctx); ok {
		logger.Info("WAL receiver disabled", "walreceiver_pid", pid)
	} else {
		logger.Info("WAL receiver disabled")
	}
	return nil
}

// EnableWalReceiver re-enables a previously disabled WAL receiver.
func EnableWalReceiver(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	c, err := conn.Open(ctx, cfg.Conninfo)
	if err != nil {
		return Exitf(ExitDBConn, err)
	}
	defer c.Close(context.Background())
	q := catalog.New(c)

	if err := requireStandby(ctx, q); err != nil {
		return err
	}

	if err := q.EnableWalReceiver(ctx); err != nil {
		return Exitf(ExitNodeStatus, err)
	}
	logger.Info("WAL receiver enabled")
	return nil
}

func requireStandby(ctx context.Context, q *catalog.Queries) error {
	inRecovery, err := q.IsInRecovery(ctx)
	if err != nil {
		return Exitf(ExitNodeStatus, err)
	}
	if !inRecovery {
		return Exitf(ExitNodeStatus, fmt.Errorf("WAL receiver control requires a standby"))
	}
	return nil
}
