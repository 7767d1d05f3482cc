package nodeops

import (
	"strings"
	"testing"
	"time"

	"github.com/uxsinodb/ux-repmgr/internal/catalog"
)

func TestArchiveReadyCheck_Thresholds(t *testing.T) {
	if r := ArchiveReadyCheck(5, 10, 50); r.Status != CheckOK {
		t.Fatalf("below warning must be OK, got %s", r.Status)
	}
	if r := ArchiveReadyCheck(20, 10, 50); r.Status != CheckWarning {
		t.Fatalf("between thresholds must warn, got %s", r.Status)
	}
	if r := ArchiveReadyCheck(60, 10, 50); r.Status != CheckCritical {
		t.Fatalf("above critical must be critical, got %s", r.Status)
	}
	if r := ArchiveReadyCheck(-1, 10, 50); r.Status != CheckUnknown {
		t.Fatalf("unreadable directory must be unknown, got %s", r.Status)
	}
}

func TestArchiveReadyCheck_NagiosPerfData(t *testing.T) {
	var b strings.Builder
	RenderChecks(&b, []CheckResult{ArchiveReadyCheck(60, 10, 50)}, FormatNagios)

	out := b.String()
	if !strings.Contains(out, "CRITICAL") {
		t.Fatalf("nagios line must carry the severity: %q", out)
	}
	if !strings.Contains(out, "files=60;10;50") {
		t.Fatalf("nagios line must carry perfdata files=60;10;50: %q", out)
	}
}

func TestReplicationLagCheck(t *testing.T) {
	warn, crit := 300*time.Second, 600*time.Second
	if r := ReplicationLagCheck(10*time.Second, warn, crit); r.Status != CheckOK {
		t.Fatalf("got %s", r.Status)
	}
	if r := ReplicationLagCheck(400*time.Second, warn, crit); r.Status != CheckWarning {
		t.Fatalf("got %s", r.Status)
	}
	if r := ReplicationLagCheck(700*time.Second, warn, crit); r.Status != CheckCritical {
		t.Fatalf("got %s", r.Status)
	}
	if r := ReplicationLagCheck(-1, warn, crit); r.Status != CheckUnknown {
		t.Fatalf("got %s", r.Status)
	}
}

func TestRoleCheck(t *testing.T) {
	if r := RoleCheck(catalog.NodePrimary, false); r.Status != CheckOK {
		t.Fatalf("got %s", r.Status)
	}
	if r := RoleCheck(catalog.NodePrimary, true); r.Status != CheckCritical {
		t.Fatalf("primary in recovery must be critical, got %s", r.Status)
	}
	if r := RoleCheck(catalog.NodeStandby, false); r.Status != CheckCritical {
		t.Fatalf("standby out of recovery must be critical, got %s", r.Status)
	}
	if r := RoleCheck(catalog.NodeWitness, false); r.Status != CheckOK {
		t.Fatalf("got %s", r.Status)
	}
}

func TestDownstreamCheck(t *testing.T) {
	expected := []catalog.NodeRecord{
		{NodeID: 2, NodeName: "node2", Type: catalog.NodeStandby, Active: true},
		{NodeID: 3, NodeName: "node3", Type: catalog.NodeStandby, Active: true},
		{NodeID: 4, NodeName: "node4", Type: catalog.NodeWitness, Active: true},
	}

	if r := DownstreamCheck([]string{"node2", "node3"}, expected); r.Status != CheckOK {
		t.Fatalf("all attached must be OK, got %s: %s", r.Status, r.Detail)
	}

	r := DownstreamCheck([]string{"node2"}, expected)
	if r.Status != CheckCritical || !strings.Contains(r.Detail, "node3") {
		t.Fatalf("missing standby must be critical and named: %s %q", r.Status, r.Detail)
	}
}

func TestWorstStatus(t *testing.T) {
	results := []CheckResult{
		{Status: CheckOK}, {Status: CheckWarning}, {Status: CheckUnknown},
	}
	if got := WorstStatus(results); got != CheckWarning {
		t.Fatalf("got %s", got)
	}
	results = append(results, CheckResult{Status: CheckCritical})
	if got := WorstStatus(results); got != CheckCritical {
		t.Fatalf("got %s", got)
	}
	if got := WorstStatus(nil); got != CheckOK {
		t.Fatalf("got %s", got)
	}
}

func TestRenderChecks_Formats(t *testing.T) {
	results := []CheckResult{{Name: "role", Status: CheckOK, Detail: "node is primary"}}

	var text, csv, opt strings.Builder
	RenderChecks(&text, results, FormatText)
	RenderChecks(&csv, results, FormatCSV)
	RenderChecks(&opt, results, FormatOptions)

	if !strings.Contains(text.String(), "role: OK") {
		t.Fatalf("text: %q", text.String())
	}
	if !strings.HasPrefix(csv.String(), "role,OK,") {
		t.Fatalf("csv: %q", csv.String())
	}
	if strings.TrimSpace(opt.String()) != "--role=OK" {
		t.Fatalf("optformat: %q", opt.String())
	}
}

func TestFormatShutdownStatus(t *testing.T) {
	if got := FormatShutdownStatus(TokenShutdown, 0x2_03000028); got != "SHUTDOWN 2/3000028" {
		t.Fatalf("got %q", got)
	}
	if got := FormatShutdownStatus(TokenRunning, 0); got != "RUNNING" {
		t.Fatalf("got %q", got)
	}
}
