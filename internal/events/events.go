package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/uxsinodb/ux-repmgr/internal/catalog"
	"github.com/uxsinodb/ux-repmgr/internal/command"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
	sharedNats "github.com/uxsinodb/ux-repmgr/internal/shared/nats"
)

// Recorder appends events to the catalog and fans them out to the
// configured notification command and, when a broker is configured, the
// NATS event bus. Recording is best-effort throughout: a failed event write
// must never abort the action that produced it.
type Recorder struct {
	logger *slog.Logger
	cfg    *config.Config
	nats   *sharedNats.Client

	runCmd func(ctx context.Context, cmd string) (command.Result, error)
}

// NewRecorder creates a recorder. The NATS client is optional.
func NewRecorder(logger *slog.Logger, cfg *config.Config, natsClient *sharedNats.Client) *Recorder {
	return &Recorder{
		logger: logger,
		cfg:    cfg,
		nats:   natsClient,
		runCmd: command.Local,
	}
}

// Event is the notification payload. The catalog row is authoritative;
// this mirrors it for the command template and the bus.
type Event struct {
	NodeID     int       `json:"node_id"`
	EventType  string    `json:"event_type"`
	Successful bool      `json:"successful"`
	Timestamp  time.Time `json:"event_timestamp"`
	Details    string    `json:"details"`
	Conninfo   string    `json:"conninfo,omitempty"`
	AuxNodeID  int       `json:"aux_node_id,omitempty"`
}

// Record writes the event through q (nil skips the catalog, for events
// raised while no primary is reachable) and dispatches notifications.
func (r *Recorder) Record(ctx context.Context, q *catalog.Queries, ev Event) {
	ev.Timestamp = time.Now()

	if q != nil {
		rec, err := q.RecordEvent(ctx, ev.NodeID, ev.EventType, ev.Successful, ev.Details)
		if err != nil {
			r.logger.Warn("event not written to catalog",
				"event", ev.EventType, "node_id", ev.NodeID, "error", err)
		} else {
			ev.Timestamp = rec.Timestamp
		}
	}

	r.notify(ctx, ev)
	r.publish(ev)
}

func (r *Recorder) notify(ctx context.Context, ev Event) {
	if r.cfg.EventNotificationCommand == "" || !r.cfg.EventNotificationWanted(ev.EventType) {
		return
	}

	cmd := command.ParseNotificationCommand(r.cfg.EventNotificationCommand, command.EventInfo{
		NodeID:     ev.NodeID,
		NodeName:   r.cfg.NodeName,
		EventType:  ev.EventType,
		Successful: ev.Successful,
		Timestamp:  ev.Timestamp,
		Details:    ev.Details,
		Conninfo:   ev.Conninfo,
		AuxNodeID:  ev.AuxNodeID,
	})

	if _, err := r.runCmd(ctx, cmd); err != nil {
		r.logger.Warn("event notification command failed",
			"event", ev.EventType, "error", err)
	}
}

func (r *Recorder) publish(ev Event) {
	if r.nats == nil || !r.nats.IsConnected() {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.nats.Publish("repmgr.events."+ev.EventType, payload); err != nil {
		r.logger.Warn("event not published to bus", "event", ev.EventType, "error", err)
	}
}
