package repmgrd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/conn"
	"github.com/uxsinodb/ux-repmgr/internal/events"
	"github.com/uxsinodb/ux-repmgr/internal/failover"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
	sharedNats "github.com/uxsinodb/ux-repmgr/internal/shared/nats"
	"github.com/uxsinodb/ux-repmgr/internal/vip"
)

// monitoringState is the daemon's connection-health mode.
type monitoringState int

const (
	monitoringNormal monitoringState = iota
	monitoringDegraded
)

// Service is the per-node monitoring daemon. The loop is single-threaded
// and cooperative: signals set flags read at the top of each tick, and
// every query is a suspension point.
type Service struct {
	logger   *slog.Logger
	cfg      *config.Config
	state    *NodeState
	recorder *events.Recorder
	engine   *failover.Engine
	natsC    *sharedNats.Client

	reload chan struct{}

	degradedSince time.Time
}

// NewService assembles the daemon.
func NewService(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	var natsClient *sharedNats.Client
	if cfg.EventNatsURL != "" {
		var err error
		natsClient, err = sharedNats.NewClient(cfg.EventNatsURL)
		if err != nil {
			// The bus mirror is optional; the daemon must come up without it.
			logger.Warn("event bus unavailable", "url", cfg.EventNatsURL, "error", err)
		}
	}

	recorder := events.NewRecorder(logger, cfg, natsClient)
	arbitrator := vip.New(logger, cfg.ArpingCommand, cfg.SudoCommand, cfg.SudoPassword)

	return &Service{
		logger:   logger,
		cfg:      cfg,
		state:    NewNodeState(),
		recorder: recorder,
		engine:   failover.NewEngine(logger, cfg, recorder, arbitrator),
		natsC:    natsClient,
		reload:   make(chan struct{}, 1),
	}, nil
}

// Reload schedules a configuration reload, observed at the next tick.
func (s *Service) Reload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// SetConfig atomically replaces the configuration; called from the main
// goroutine only, between ticks.
func (s *Service) SetConfig(cfg *config.Config) {
	s.cfg = cfg
}

// Start runs the daemon until ctx is cancelled. The node's catalog record
// selects the loop variant.
func (s *Service) Start(ctx context.Context) error {
	localConn, err := s.openLocalWithRetry(ctx)
	if err != nil {
		return err
	}
	defer localConn.Close(context.Background())

	localQ := catalog.New(localConn)

	self, status, err := localQ.GetNodeRecord(ctx, s.cfg.NodeID)
	if err != nil || status != catalog.StatusFound {
		return fmt.Errorf("node %d is not registered (status %s): %w", s.cfg.NodeID, status, err)
	}

	// Register with the extension's shared segment and mirror locally.
	s.state.SetLocalNodeID(self.NodeID, s.cfg.RepmgrdStateFile)
	if err := localQ.SetLocalNodeID(ctx, self.NodeID); err != nil {
		s.logger.Warn("cannot register node id in shared state", "error", err)
	}

	pid := os.Getpid()
	s.state.SetPID(pid, s.cfg.RepmgrdPidFile)
	if err := localQ.SetRepmgrdPID(ctx, pid, s.cfg.RepmgrdPidFile); err != nil {
		s.logger.Warn("cannot register daemon pid in shared state", "error", err)
	}
	if s.cfg.RepmgrdPidFile != "" {
		if err := os.WriteFile(s.cfg.RepmgrdPidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
			s.logger.Warn("cannot write pid file", "path", s.cfg.RepmgrdPidFile, "error", err)
		}
	}
	defer s.shutdown(localConn)

	if paused, err := localQ.RepmgrdIsPaused(ctx); err == nil && paused {
		_ = s.state.SetPaused(true, s.cfg.RepmgrdStateFile)
	}

	s.recorder.Record(ctx, localQ, events.Event{
		NodeID: self.NodeID, EventType: "repmgrd_start", Successful: true,
		Details: fmt.Sprintf("monitoring %s node %q", self.Type, self.NodeName),
	})

	s.logger.Info("starting monitoring",
		"node_id", self.NodeID, "node_name", self.NodeName, "type", self.Type,
		"interval", s.cfg.MonitorInterval)

	switch self.Type {
	case catalog.NodePrimary:
		return s.runPrimary(ctx, localConn, self)
	case catalog.NodeStandby:
		return s.runStandby(ctx, localConn, self)
	case catalog.NodeWitness:
		return s.runWitness(ctx, localConn, self)
	default:
		return fmt.Errorf("node %d has unknown type %q", self.NodeID, self.Type)
	}
}

// shutdown clears the PID from shared state and unlinks the PID file;
// abrupt termination skips this and leaves a stale PID for
// repmgrd_is_running to detect.
func (s *Service) shutdown(localConn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.state.ClearPID()
	if localConn != nil && !localConn.IsClosed() {
		if err := catalog.New(localConn).SetRepmgrdPID(ctx, 0, ""); err != nil {
			s.logger.Warn("cannot clear daemon pid from shared state", "error", err)
		}
	}
	if s.cfg.RepmgrdPidFile != "" {
		_ = os.Remove(s.cfg.RepmgrdPidFile)
	}
	if s.natsC != nil {
		s.natsC.Close()
	}
	s.logger.Info("monitoring stopped")
}

// openLocalWithRetry opens the session to this node's own database,
// retrying with the configured cadence so the daemon can start before the
// engine finishes coming up.
func (s *Service) openLocalWithRetry(ctx context.Context) (*pgx.Conn, error) {
	for attempt := 0; ; attempt++ {
		c, err := conn.Open(ctx, s.cfg.Conninfo)
		if err == nil {
			return c, nil
		}
		if attempt >= s.cfg.ReconnectAttempts {
			return nil, fmt.Errorf("local database never became reachable: %w", err)
		}
		s.logger.Warn("local database not ready, retrying",
			"attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.ReconnectInterval):
		}
	}
}

// checkUpstream probes the upstream session with the configured check type.
// The connection check re-dials from scratch; ping and query reuse the
// session.
func (s *Service) checkUpstream(ctx context.Context, upstream *pgx.Conn, conninfo string) error {
	switch s.cfg.ConnectionCheckType {
	case config.CheckQuery:
		var one int
		if err := upstream.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
			return fmt.Errorf("%w: %v", conn.ErrBadConnection, err)
		}
		return nil
	case config.CheckConnection:
		probe, err := conn.Open(ctx, conninfo)
		if err != nil {
			return err
		}
		return probe.Close(ctx)
	default: // ping
		return conn.Ping(ctx, upstream)
	}
}

// reconnectUpstream runs the timed reconnect cycle. It returns a fresh
// session or nil after the attempts are exhausted.
func (s *Service) reconnectUpstream(ctx context.Context, conninfo string) *pgx.Conn {
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.ReconnectInterval):
		}

		cctx, cancel := context.WithTimeout(ctx, s.cfg.ReconnectInterval)
		c, err := conn.Open(cctx, conninfo)
		cancel()
		if err == nil {
			s.logger.Info("upstream connection restored", "attempt", attempt)
			return c
		}
		s.logger.Warn("reconnect attempt failed",
			"attempt", attempt, "of", s.cfg.ReconnectAttempts, "error", err)
	}
	return nil
}

// enterDegraded transitions into degraded monitoring and records when it
// began.
func (s *Service) enterDegraded(state *monitoringState) {
	if *state == monitoringDegraded {
		return
	}
	*state = monitoringDegraded
	s.degradedSince = time.Now()
	s.logger.Warn("entering degraded monitoring")
}

// leaveDegraded returns to normal monitoring.
func (s *Service) leaveDegraded(state *monitoringState) {
	if *state == monitoringNormal {
		return
	}
	s.logger.Info("resuming normal monitoring",
		"degraded_for", time.Since(s.degradedSince).Round(time.Second))
	*state = monitoringNormal
	s.degradedSince = time.Time{}
}

// degradedExpired reports whether the degraded-monitoring budget has run
// out; a negative timeout means the daemon waits indefinitely.
func (s *Service) degradedExpired() bool {
	if s.cfg.DegradedMonitoringTimeout < 0 || s.degradedSince.IsZero() {
		return false
	}
	return time.Since(s.degradedSince) > s.cfg.DegradedMonitoringTimeout
}
