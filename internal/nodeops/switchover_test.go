package nodeops

import (
	"testing"

	"github.com/uxsinodb/ux-repmgr/internal/shared/config"
)

func TestParseShutdownStatusLine(t *testing.T) {
	token, lsn, err := parseShutdownStatusLine("SHUTDOWN 2/3000028\n")
	if err != nil {
		t.Fatal(err)
	}
	if token != TokenShutdown {
		t.Fatalf("got token %q", token)
	}
	if lsn.String() != "2/3000028" {
		t.Fatalf("got lsn %s", lsn)
	}

	token, _, err = parseShutdownStatusLine("SHUTTING_DOWN")
	if err != nil || token != TokenShuttingDown {
		t.Fatalf("got %q err=%v", token, err)
	}

	if _, _, err := parseShutdownStatusLine(""); err == nil {
		t.Fatal("empty line must error")
	}

	if _, _, err := parseShutdownStatusLine("SHUTDOWN nonsense"); err == nil {
		t.Fatal("bad LSN must error")
	}
}

func TestHostFromConninfo(t *testing.T) {
	host, err := hostFromConninfo("host=node1 dbname=repmgr")
	if err != nil || host != "node1" {
		t.Fatalf("got %q err=%v", host, err)
	}
	if _, err := hostFromConninfo("dbname=repmgr"); err == nil {
		t.Fatal("missing host must error")
	}
}

func TestServiceCommand_FallsBackToUxCtl(t *testing.T) {
	cfg := &config.Config{
		UxCtlBinary:   "ux_ctl",
		DataDirectory: "/var/lib/uxsino/data",
	}

	cmd, err := ServiceCommand(cfg, ActionStop)
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "ux_ctl stop -D /var/lib/uxsino/data -m fast -w" {
		t.Fatalf("got %q", cmd)
	}

	cfg.ServiceStopCommand = "systemctl stop uxsino"
	cmd, err = ServiceCommand(cfg, ActionStop)
	if err != nil {
		t.Fatal(err)
	}
	if cmd != "systemctl stop uxsino" {
		t.Fatalf("configured command must win, got %q", cmd)
	}
}

func TestServiceCommand_NoDataDirectory(t *testing.T) {
	cfg := &config.Config{UxCtlBinary: "ux_ctl"}
	if _, err := ServiceCommand(cfg, ActionStart); err == nil {
		t.Fatal("expected error without data_directory and command")
	}
}
