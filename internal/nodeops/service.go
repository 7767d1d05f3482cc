package nodeops

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/command"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
)

// ServiceAction is a logical engine-control verb.
type ServiceAction string

const (
	ActionStart   ServiceAction = "start"
	ActionStop    ServiceAction = "stop"
	ActionRestart ServiceAction = "restart"
	ActionReload  ServiceAction = "reload"
	ActionPromote ServiceAction = "promote"
)

// ServiceCommand resolves the configured shell command for an action,
// falling back to ux_ctl when no command is configured.
func ServiceCommand(cfg *config.Config, action ServiceAction) (string, error) {
	configured := map[ServiceAction]string{
		ActionStart:   cfg.ServiceStartCommand,
		ActionStop:    cfg.ServiceStopCommand,
		ActionRestart: cfg.ServiceRestartCommand,
		ActionReload:  cfg.ServiceReloadCommand,
		ActionPromote: cfg.ServicePromoteCommand,
	}

	cmd, ok := configured[action]
	if !ok {
		return "", fmt.Errorf("unknown service action %q", action)
	}
	if cmd != "" {
		return cmd, nil
	}
	if cfg.DataDirectory == "" {
		return "", fmt.Errorf("no service_%s_command configured and data_directory unset", action)
	}

	switch action {
	case ActionStart:
		return fmt.Sprintf("%s start -D %s -w", cfg.UxCtlBinary, cfg.DataDirectory), nil
	case ActionStop:
		return fmt.Sprintf("%s stop -D %s -m fast -w", cfg.UxCtlBinary, cfg.DataDirectory), nil
	case ActionRestart:
		return fmt.Sprintf("%s restart -D %s -m fast -w", cfg.UxCtlBinary, cfg.DataDirectory), nil
	case ActionReload:
		return fmt.Sprintf("%s reload -D %s", cfg.UxCtlBinary, cfg.DataDirectory), nil
	case ActionPromote:
		return fmt.Sprintf("%s promote -D %s -w", cfg.UxCtlBinary, cfg.DataDirectory), nil
	}
	return "", fmt.Errorf("unknown service action %q", action)
}

// NodeService translates the logical action into the configured command and
// runs it. With checkpoint set, stop and restart first issue a CHECKPOINT
// through a superuser session to shorten recovery on the next start.
func NodeService(ctx context.Context, cfg *config.Config, logger *slog.Logger, action ServiceAction, checkpoint bool, dryRun bool) error {
	cmd, err := ServiceCommand(cfg, action)
	if err != nil {
		return Exitf(ExitBadConfig, err)
	}

	if dryRun {
		fmt.Println(cmd)
		return nil
	}

	if checkpoint && (action == ActionStop || action == ActionRestart) {
		if c, err := conn.Open(ctx, cfg.Conninfo); err == nil {
			if err := catalog.New(c).Checkpoint(ctx); err != nil {
				logger.Warn("checkpoint before shutdown failed", "error", err)
			}
			_ = c.Close(ctx)
		} else {
			logger.Warn("cannot open session for pre-shutdown checkpoint", "error", err)
		}
	}

	logger.Info("executing service command", "action", action, "command", cmd)
	res, err := command.Local(ctx, cmd)
	if err != nil {
		return Exitf(ExitLocalCommand,
			fmt.Errorf("service %s failed: %w\n%s", action, err, res.Output))
	}
	return nil
}
