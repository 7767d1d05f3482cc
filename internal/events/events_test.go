package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/uxsinodb/ux-repmgr/internal/command"
	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
)

func newTestRecorder(cfg *config.Config) (*Recorder, *[]string) {
	var ran []string
	r := NewRecorder(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg, nil)
	r.runCmd = func(ctx context.Context, cmd string) (command.Result, error) {
		ran = append(ran, cmd)
		return command.Result{}, nil
	}
	return r, &ran
}

func TestRecord_RunsNotificationCommand(t *testing.T) {
	cfg := &config.Config{
		NodeName:                 "node7",
		EventNotificationCommand: "/bin/send --node=%n --event=%e --ok=%s",
	}
	r, ran := newTestRecorder(cfg)

	r.Record(context.Background(), nil, Event{
		NodeID:     7,
		EventType:  "standby_promote",
		Successful: true,
		Timestamp:  time.Now(),
	})

	if len(*ran) != 1 {
		t.Fatalf("expected one notification, got %d", len(*ran))
	}
	if (*ran)[0] != "/bin/send --node=7 --event=standby_promote --ok=1" {
		t.Fatalf("unexpected command %q", (*ran)[0])
	}
}

func TestRecord_HonoursAllowList(t *testing.T) {
	cfg := &config.Config{
		NodeName:                 "node7",
		EventNotificationCommand: "/bin/send %e",
		EventNotifications:       []string{"standby_register"},
	}
	r, ran := newTestRecorder(cfg)

	r.Record(context.Background(), nil, Event{NodeID: 7, EventType: "standby_promote"})
	if len(*ran) != 0 {
		t.Fatalf("unlisted event must not notify, got %v", *ran)
	}

	r.Record(context.Background(), nil, Event{NodeID: 7, EventType: "standby_register"})
	if len(*ran) != 1 {
		t.Fatalf("listed event must notify, got %v", *ran)
	}
}

func TestRecord_NoCommandConfigured(t *testing.T) {
	r, ran := newTestRecorder(&config.Config{NodeName: "node7"})
	r.Record(context.Background(), nil, Event{NodeID: 7, EventType: "standby_promote"})
	if len(*ran) != 0 {
		t.Fatalf("no command configured, got %v", *ran)
	}
}
