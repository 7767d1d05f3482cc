package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repmgr.conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoad_Minimal(t *testing.T) {
	path := writeConf(t, `
node_id=2
node_name=node2
conninfo=host=node2 dbname=repmgr user=repmgr
data_directory=/var/lib/uxsino/data
`)

	cfg, err := Load(path, discard())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.NodeID != 2 || cfg.NodeName != "node2" {
		t.Fatalf("unexpected identity: %d %q", cfg.NodeID, cfg.NodeName)
	}
	if cfg.Failover != FailoverManual {
		t.Fatalf("expected manual failover default, got %q", cfg.Failover)
	}
	if cfg.MonitorInterval != 2*time.Second {
		t.Fatalf("unexpected monitor interval: %v", cfg.MonitorInterval)
	}
	if cfg.Priority != 100 {
		t.Fatalf("unexpected default priority: %d", cfg.Priority)
	}
}

func TestLoad_BareSecondsAreDurations(t *testing.T) {
	path := writeConf(t, `
node_id=1
node_name=node1
conninfo=host=node1
monitor_interval_secs=5
reconnect_interval=3
replication_lag_warning=300
`)

	cfg, err := Load(path, discard())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.MonitorInterval != 5*time.Second {
		t.Fatalf("unexpected monitor interval: %v", cfg.MonitorInterval)
	}
	if cfg.ReconnectInterval != 3*time.Second {
		t.Fatalf("unexpected reconnect interval: %v", cfg.ReconnectInterval)
	}
	if cfg.ReplicationLagWarning != 300*time.Second {
		t.Fatalf("unexpected lag warning: %v", cfg.ReplicationLagWarning)
	}
}

func TestLoad_AutomaticFailoverNeedsCommands(t *testing.T) {
	path := writeConf(t, `
node_id=1
node_name=node1
conninfo=host=node1
failover=automatic
`)

	if _, err := Load(path, discard()); err == nil {
		t.Fatal("expected error for automatic failover without promote_command")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []string{
		"node_name=node1\nconninfo=host=node1\n",               // missing node_id
		"node_id=0\nnode_name=n\nconninfo=c\n",                 // zero node_id
		"node_id=1\nconninfo=c\n",                              // missing node_name
		"node_id=1\nnode_name=n\n",                             // missing conninfo
		"node_id=1\nnode_name=n\nconninfo=c\npriority=-1\n",    // negative priority
		"node_id=1\nnode_name=n\nconninfo=c\nfailover=maybe\n", // bad enum
		"node_id=1\nnode_name=n\nconninfo=c\nconnection_check_type=telnet\n",
		"node_id=1\nnode_name=n\nconninfo=c\nvirtual_ip=10.0.0.9\n", // vip without nic
	}
	for _, content := range cases {
		path := writeConf(t, content)
		if _, err := Load(path, discard()); err == nil {
			t.Fatalf("expected error for config %q", content)
		}
	}
}

func TestLoad_UnknownKeyIsWarningNotError(t *testing.T) {
	path := writeConf(t, `
node_id=1
node_name=node1
conninfo=host=node1
shoe_size=43
`)

	if _, err := Load(path, discard()); err != nil {
		t.Fatalf("unknown key must not fail load: %v", err)
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("REPMGR_LOCATION", "dc2")
	path := writeConf(t, `
node_id=1
node_name=node1
conninfo=host=node1
location=dc1
`)

	cfg, err := Load(path, discard())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Location != "dc2" {
		t.Fatalf("environment should override file, got %q", cfg.Location)
	}
}

func TestEventNotificationWanted(t *testing.T) {
	cfg := &Config{}
	if !cfg.EventNotificationWanted("standby_promote") {
		t.Fatal("empty allow-list must notify everything")
	}

	cfg.EventNotifications = []string{"standby_register", "standby_promote"}
	if !cfg.EventNotificationWanted("standby_promote") {
		t.Fatal("listed event must be wanted")
	}
	if cfg.EventNotificationWanted("node_rejoin") {
		t.Fatal("unlisted event must not be wanted")
	}
}
