package command

import (
	"strings"
	"testing"
	"time"
)

func TestParseNotificationCommand_AllTokens(t *testing.T) {
	ts, err := time.Parse(time.RFC3339, "2024-01-02T03:04:05Z")
	if err != nil {
		t.Fatal(err)
	}

	info := EventInfo{
		NodeID:     7,
		NodeName:   "node7",
		EventType:  "standby_promote",
		Successful: true,
		Timestamp:  ts,
		Details:    `promoted after "failover"`,
		Conninfo:   "host=node7 dbname=repmgr",
		AuxNodeID:  1,
	}

	got := ParseNotificationCommand(
		`/bin/send --node=%n --name=%a --event=%e --ok=%s --when=%t --details="%d" --conninfo='%c' --old=%p --pct=%%`,
		info)

	want := `/bin/send --node=7 --name=node7 --event=standby_promote --ok=1 ` +
		`--when=2024-01-02 03:04:05+00 --details="promoted after \"failover\"" ` +
		`--conninfo='host=node7 dbname=repmgr' --old=1 --pct=%`
	if got != want {
		t.Fatalf("got  %q\nwant %q", got, want)
	}
}

func TestParseNotificationCommand_SpecExample(t *testing.T) {
	ts, err := time.Parse("2006-01-02 15:04:05-07", "2024-01-02 03:04:05+00")
	if err != nil {
		t.Fatal(err)
	}

	got := ParseNotificationCommand("/bin/send --node=%n --event=%e --ok=%s --when=%t",
		EventInfo{NodeID: 7, EventType: "standby_promote", Successful: true, Timestamp: ts})

	want := "/bin/send --node=7 --event=standby_promote --ok=1 --when=2024-01-02 03:04:05+00"
	if got != want {
		t.Fatalf("got  %q\nwant %q", got, want)
	}
}

func TestParseNotificationCommand_FailureFlag(t *testing.T) {
	got := ParseNotificationCommand("ok=%s", EventInfo{Successful: false})
	if got != "ok=0" {
		t.Fatalf("got %q", got)
	}
}

func TestParseNotificationCommand_UnknownTokenPassesThrough(t *testing.T) {
	got := ParseNotificationCommand("x %z y", EventInfo{})
	if got != "x %z y" {
		t.Fatalf("got %q", got)
	}
}

func TestParseNotificationCommand_TrailingPercent(t *testing.T) {
	got := ParseNotificationCommand("cmd %", EventInfo{})
	if got != "cmd %" {
		t.Fatalf("got %q", got)
	}
}

func TestParseNotificationCommand_Truncates(t *testing.T) {
	info := EventInfo{Details: strings.Repeat("x", 10000)}
	got := ParseNotificationCommand("%d%d", info)
	if len(got) > maxNotificationCommandLen {
		t.Fatalf("expanded command not truncated: %d bytes", len(got))
	}
}
