package conn

import "testing"

func TestParseConninfo_Simple(t *testing.T) {
	p, err := ParseConninfo("host=node1 port=5432 dbname=repmgr user=repmgr")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	for key, want := range map[string]string{
		"host": "node1", "port": "5432", "dbname": "repmgr", "user": "repmgr",
	} {
		if got, ok := p.Get(key); !ok || got != want {
			t.Fatalf("key %q: got %q (present=%v), want %q", key, got, ok, want)
		}
	}
}

func TestParseConninfo_QuotedValues(t *testing.T) {
	p, err := ParseConninfo(`host=node1 password='p ass''word' application_name='my app'`)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got, _ := p.Get("password"); got != "p ass'word" {
		t.Fatalf("unexpected password: %q", got)
	}
	if got, _ := p.Get("application_name"); got != "my app" {
		t.Fatalf("unexpected application_name: %q", got)
	}
}

func TestParseConninfo_Malformed(t *testing.T) {
	for _, in := range []string{"host", "=node1", "host='unterminated"} {
		if _, err := ParseConninfo(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestParams_RoundTripPreservesOrder(t *testing.T) {
	in := "host=node1 port=5432 user=repmgr dbname=repmgr connect_timeout=2"
	p, err := ParseConninfo(in)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if p.String() != in {
		t.Fatalf("round trip changed string: %q", p.String())
	}

	// Re-setting an existing key must not move it.
	p.Set("port", "5433")
	want := "host=node1 port=5433 user=repmgr dbname=repmgr connect_timeout=2"
	if p.String() != want {
		t.Fatalf("got %q, want %q", p.String(), want)
	}
}

func TestParams_QuotingOnOutput(t *testing.T) {
	p := NewParams()
	p.Set("host", "node1")
	p.Set("password", "a b")
	p.Set("options", "")

	want := `host=node1 password='a b' options=''`
	if p.String() != want {
		t.Fatalf("got %q, want %q", p.String(), want)
	}

	back, err := ParseConninfo(p.String())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if got, _ := back.Get("password"); got != "a b" {
		t.Fatalf("reparse lost password: %q", got)
	}
}

func TestParams_Delete(t *testing.T) {
	p := NewParams()
	p.Set("a", "1")
	p.Set("b", "2")
	p.Set("c", "3")
	p.Delete("b")

	if p.String() != "a=1 c=3" {
		t.Fatalf("got %q", p.String())
	}
	if _, ok := p.Get("b"); ok {
		t.Fatal("deleted key still present")
	}
}
