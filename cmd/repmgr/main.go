package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"github.com/uxsinodb/ux-repmgr/internal/events"
	"github.com/uxsinodb/ux-repmgr/internal/nodeops"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
	"github.com/uxsinodb/ux-repmgr/internal/shared/logging"
	sharedNats "github.com/uxsinodb/ux-repmgr/internal/shared/nats"
)

var (
	configFile string
	verbose    bool
)

// runtime assembled once per invocation after config parsing.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	recorder *events.Recorder
	natsC    *sharedNats.Client
}

func loadRuntime() (*runtime, error) {
	bootstrapLogger := logging.NewLogger("repmgr", "info", "text", "")

	cfg, err := config.Load(configFile, bootstrapLogger)
	if err != nil {
		return nil, nodeops.Exitf(nodeops.ExitBadConfig, err)
	}

	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logger := logging.NewLogger("repmgr", level, cfg.LogFacility, cfg.LogFile)
	slog.SetDefault(logger)

	var natsClient *sharedNats.Client
	if cfg.EventNatsURL != "" {
		if natsClient, err = sharedNats.NewClient(cfg.EventNatsURL); err != nil {
			logger.Warn("event bus unavailable", "error", err)
			natsClient = nil
		}
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		recorder: events.NewRecorder(logger, cfg, natsClient),
		natsC:    natsClient,
	}, nil
}

func (rt *runtime) close() {
	if rt.natsC != nil {
		rt.natsC.Close()
	}
}

func main() {
	root := &cobra.Command{
		Use:           "repmgr",
		Short:         "Replication manager for UxsinoDB-compatible clusters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config-file", "f", "/etc/repmgr.conf", "configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		primaryCommand(),
		standbyCommand(),
		witnessCommand(),
		nodeCommand(),
		clusterCommand(),
		serviceCommand(),
	)

	if err := root.Execute(); err != nil {
		var exitErr *nodeops.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "repmgr: %v\n", exitErr)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "repmgr: %v\n", err)
		os.Exit(1)
	}
}
