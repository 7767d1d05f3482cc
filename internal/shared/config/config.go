package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// FailoverMode selects how the daemon reacts to a dead upstream.
type FailoverMode string

const (
	FailoverManual    FailoverMode = "manual"
	FailoverAutomatic FailoverMode = "automatic"
)

// ConnectionCheckType selects the upstream liveness probe.
type ConnectionCheckType string

const (
	CheckPing       ConnectionCheckType = "ping"
	CheckQuery      ConnectionCheckType = "query"
	CheckConnection ConnectionCheckType = "connection"
)

// Config is the process-wide configuration shared by repmgr and repmgrd.
// It is immutable after Load; reload replaces the whole structure.
type Config struct {
	NodeID        int    `env:"node_id"`
	NodeName      string `env:"node_name"`
	Conninfo      string `env:"conninfo"`
	DataDirectory string `env:"data_directory"`
	ConfigFile    string `env:"config_file"`
	Location      string `env:"location" envDefault:"default"`
	Priority      int    `env:"priority" envDefault:"100"`
	ReplUser      string `env:"repluser" envDefault:"repmgr"`

	ReplicationType     string `env:"replication_type" envDefault:"physical"`
	UseReplicationSlots bool   `env:"use_replication_slots" envDefault:"false"`

	LogLevel       string `env:"log_level" envDefault:"info"`
	LogFacility    string `env:"log_facility" envDefault:"text"`
	LogFile        string `env:"log_file"`
	LogRotateSize  int64  `env:"log_rotate_size" envDefault:"0"`
	LogRotateAge   int64  `env:"log_rotate_age" envDefault:"0"`
	LogStatusSecs  int    `env:"log_status_interval" envDefault:"300"`

	Failover                 FailoverMode        `env:"failover" envDefault:"manual"`
	PromoteCommand           string              `env:"promote_command"`
	FollowCommand            string              `env:"follow_command"`
	MonitorInterval          time.Duration       `env:"monitor_interval_secs" envDefault:"2s"`
	ReconnectAttempts        int                 `env:"reconnect_attempts" envDefault:"6"`
	ReconnectInterval        time.Duration       `env:"reconnect_interval" envDefault:"10s"`
	DegradedMonitoringTimeout time.Duration      `env:"degraded_monitoring_timeout" envDefault:"-1s"`
	AsyncQueryTimeout        time.Duration       `env:"async_query_timeout" envDefault:"60s"`
	ConnectionCheckType      ConnectionCheckType `env:"connection_check_type" envDefault:"ping"`
	PrimaryVisibilityConsensus bool              `env:"primary_visibility_consensus" envDefault:"false"`
	StandbyDisconnectOnFailover bool             `env:"standby_disconnect_on_failover" envDefault:"false"`
	PromoteCheckTimeout      time.Duration       `env:"promote_check_timeout" envDefault:"60s"`
	PrimaryFollowTimeout     time.Duration       `env:"primary_follow_timeout" envDefault:"60s"`
	StandbyReconnectTimeout  time.Duration       `env:"standby_reconnect_timeout" envDefault:"60s"`
	NodeRejoinTimeout        time.Duration       `env:"node_rejoin_timeout" envDefault:"60s"`

	MonitoringHistory        bool          `env:"monitoring_history" envDefault:"false"`
	MonitoringHistoryKeep    time.Duration `env:"keep_history" envDefault:"0s"`

	ArchiveReadyWarning  int `env:"archive_ready_warning" envDefault:"16"`
	ArchiveReadyCritical int `env:"archive_ready_critical" envDefault:"128"`
	ReplicationLagWarning  time.Duration `env:"replication_lag_warning" envDefault:"300s"`
	ReplicationLagCritical time.Duration `env:"replication_lag_critical" envDefault:"600s"`

	ServiceStartCommand   string `env:"service_start_command"`
	ServiceStopCommand    string `env:"service_stop_command"`
	ServiceRestartCommand string `env:"service_restart_command"`
	ServiceReloadCommand  string `env:"service_reload_command"`
	ServicePromoteCommand string `env:"service_promote_command"`

	EventNotificationCommand string   `env:"event_notification_command"`
	EventNotifications       []string `env:"event_notifications" envSeparator:","`
	EventNatsURL             string   `env:"event_nats_url"`

	UxCtlBinary        string `env:"ux_ctl_binary" envDefault:"ux_ctl"`
	UxBasebackupBinary string `env:"ux_basebackup_binary" envDefault:"ux_basebackup"`
	UxRewindBinary     string `env:"ux_rewind_binary" envDefault:"ux_rewind"`

	VirtualIP   string `env:"virtual_ip"`
	NetworkCard string `env:"network_card"`
	ArpingCommand string `env:"arping_command" envDefault:"arping -U -c 3 -I %iface %ip"`
	SudoCommand   string `env:"sudo_command" envDefault:"sudo -n"`
	SudoPassword  string `env:"sudo_password"`

	SSHUser     string `env:"ssh_user"`
	SSHPassword string `env:"ssh_password"`
	SSHPort     int    `env:"ssh_port" envDefault:"22"`

	RepmgrdPidFile   string `env:"repmgrd_pid_file"`
	RepmgrdStateFile string `env:"repmgrd_state_file" envDefault:"/tmp/repmgrd.state"`
}

// knownKeys returns the set of recognised configuration keys, derived from
// the struct's env tags so the warning list can never drift from the schema.
func knownKeys() map[string]bool {
	keys := make(map[string]bool)
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		keys[strings.Split(tag, ",")[0]] = true
	}
	return keys
}

// Load reads a repmgr key=value configuration file and overlays any
// REPMGR_-prefixed process environment variables on top of it. Unknown keys
// in the file produce warnings on logger; invalid values are errors.
func Load(path string, logger *slog.Logger) (*Config, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration file %q: %w", path, err)
	}

	known := knownKeys()
	for k := range values {
		if !known[k] {
			logger.Warn("unknown configuration key", "key", k, "file", path)
			delete(values, k)
		}
	}

	// Environment overrides: REPMGR_NODE_NAME beats node_name from the file.
	for _, e := range os.Environ() {
		name, value, ok := strings.Cut(e, "=")
		if !ok || !strings.HasPrefix(name, "REPMGR_") {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, "REPMGR_"))
		if known[key] {
			values[key] = value
		}
	}

	normalizeDurations(values)

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: values}); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// durationKeys are the config keys whose values are plain second counts in
// the file format but parsed as time.Duration here.
var durationKeys = []string{
	"monitor_interval_secs",
	"reconnect_interval",
	"degraded_monitoring_timeout",
	"async_query_timeout",
	"promote_check_timeout",
	"primary_follow_timeout",
	"standby_reconnect_timeout",
	"node_rejoin_timeout",
	"keep_history",
	"replication_lag_warning",
	"replication_lag_critical",
}

func normalizeDurations(values map[string]string) {
	for _, k := range durationKeys {
		v, ok := values[k]
		if !ok || v == "" {
			continue
		}
		// A bare integer is a second count.
		if !strings.ContainsAny(v, "smh") {
			values[k] = v + "s"
		}
	}
}

// Validate enforces value constraints that the tag-driven parser cannot.
func (c *Config) Validate() error {
	if c.NodeID < 1 {
		return fmt.Errorf("node_id must be a positive integer, got %d", c.NodeID)
	}
	if c.NodeName == "" {
		return fmt.Errorf("node_name is required")
	}
	if len(c.NodeName) > 63 {
		return fmt.Errorf("node_name %q exceeds 63 characters", c.NodeName)
	}
	if c.Conninfo == "" {
		return fmt.Errorf("conninfo is required")
	}
	if c.Priority < 0 {
		return fmt.Errorf("priority must be non-negative, got %d", c.Priority)
	}
	switch c.Failover {
	case FailoverManual, FailoverAutomatic:
	default:
		return fmt.Errorf("failover must be %q or %q, got %q", FailoverManual, FailoverAutomatic, c.Failover)
	}
	if c.Failover == FailoverAutomatic && c.PromoteCommand == "" {
		return fmt.Errorf("promote_command is required when failover=automatic")
	}
	if c.Failover == FailoverAutomatic && c.FollowCommand == "" {
		return fmt.Errorf("follow_command is required when failover=automatic")
	}
	switch c.ConnectionCheckType {
	case CheckPing, CheckQuery, CheckConnection:
	default:
		return fmt.Errorf("connection_check_type must be ping, query or connection, got %q", c.ConnectionCheckType)
	}
	if c.ReplicationType != "physical" {
		return fmt.Errorf("replication_type %q is not supported", c.ReplicationType)
	}
	if (c.VirtualIP == "") != (c.NetworkCard == "") {
		return fmt.Errorf("virtual_ip and network_card must be set together")
	}
	return nil
}

// EventNotificationWanted reports whether the given event type is on the
// notification allow-list. An empty list notifies everything.
func (c *Config) EventNotificationWanted(eventType string) bool {
	if len(c.EventNotifications) == 0 {
		return true
	}
	for _, e := range c.EventNotifications {
		if strings.TrimSpace(e) == eventType {
			return true
		}
	}
	return false
}
