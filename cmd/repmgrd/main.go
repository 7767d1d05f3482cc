package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/uxsinodb/ux-repmgr/internal/repmgrd"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
	"github.com/uxsinodb/ux-repmgr/internal/shared/logging"
)

func main() {
	configFile := flag.String("f", "/etc/repmgr.conf", "configuration file")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	bootstrapLogger := logging.NewLogger("repmgrd", "info", "text", "")

	cfg, err := config.Load(*configFile, bootstrapLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "repmgrd: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	logger := logging.NewLogger("repmgrd", level, cfg.LogFacility, cfg.LogFile)
	slog.SetDefault(logger)

	svc, err := repmgrd.NewService(cfg, logger)
	if err != nil {
		logger.Error("cannot create daemon", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGHUP:
				logger.Info("reload requested")
				if fresh, err := config.Load(*configFile, logger); err != nil {
					logger.Warn("reload failed, keeping previous configuration", "error", err)
				} else {
					svc.SetConfig(fresh)
					svc.Reload()
				}
			default:
				logger.Info("shutdown signal received", "signal", sig)
				cancel()
				return
			}
		}
	}()

	if err := svc.Start(ctx); err != nil {
		logger.Error("daemon terminated", "error", err)
		os.Exit(1)
	}
}
