package vip

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/uxsinodb/ux-repmgr/internal/command"
)

// fakeManager models kernel address state as a set.
type fakeManager struct {
	present map[string]bool
	adds    int
	dels    int
}

func key(v VIP) string { return v.Interface + "/" + bareIP(v.Address) }

func (f *fakeManager) IsPresent(v VIP) (bool, error) { return f.present[key(v)], nil }

func (f *fakeManager) Add(v VIP) error {
	f.present[key(v)] = true
	f.adds++
	return nil
}

func (f *fakeManager) Del(v VIP) error {
	delete(f.present, key(v))
	f.dels++
	return nil
}

func newTestArbitrator(f *fakeManager) (*Arbitrator, *[]string) {
	var ran []string
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)), "arping -U -c 3 -I %iface %ip", "", "",
		WithAddrManager(f),
		WithCommandRunner(func(ctx context.Context, cmd string) (command.Result, error) {
			ran = append(ran, cmd)
			return command.Result{}, nil
		}))
	return a, &ran
}

func TestBind_IsIdempotent(t *testing.T) {
	f := &fakeManager{present: map[string]bool{}}
	a, _ := newTestArbitrator(f)
	vips := []VIP{{Address: "10.0.0.10", Interface: "eth0"}}

	if err := a.Bind(context.Background(), vips); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := a.Bind(context.Background(), vips); err != nil {
		t.Fatalf("second bind: %v", err)
	}

	if f.adds != 1 {
		t.Fatalf("second bind must not touch the kernel, adds=%d", f.adds)
	}
	if !f.present[key(vips[0])] {
		t.Fatal("address must be present after bind")
	}
}

func TestUnbind_IsIdempotent(t *testing.T) {
	f := &fakeManager{present: map[string]bool{"eth0/10.0.0.10": true}}
	a, _ := newTestArbitrator(f)
	vips := []VIP{{Address: "10.0.0.10", Interface: "eth0"}}

	if err := a.Unbind(context.Background(), vips); err != nil {
		t.Fatalf("first unbind: %v", err)
	}
	if err := a.Unbind(context.Background(), vips); err != nil {
		t.Fatalf("second unbind: %v", err)
	}

	if f.dels != 1 {
		t.Fatalf("second unbind must not touch the kernel, dels=%d", f.dels)
	}
	if f.present[key(vips[0])] {
		t.Fatal("address must be absent after unbind")
	}
}

func TestBind_AnnouncesGratuitousARP(t *testing.T) {
	f := &fakeManager{present: map[string]bool{}}
	a, ran := newTestArbitrator(f)

	err := a.Bind(context.Background(), []VIP{{Address: "10.0.0.10/24", Interface: "eth1"}})
	if err != nil {
		t.Fatal(err)
	}

	if len(*ran) != 1 {
		t.Fatalf("expected one arping invocation, got %d", len(*ran))
	}
	if (*ran)[0] != "arping -U -c 3 -I eth1 10.0.0.10" {
		t.Fatalf("unexpected arping command %q", (*ran)[0])
	}
}

func TestCIDRDefaults(t *testing.T) {
	cases := map[string]string{
		"10.0.0.10":    "10.0.0.10/32",
		"10.0.0.10/24": "10.0.0.10/24",
		"fd00::10":     "fd00::10/128",
	}
	for in, want := range cases {
		if got := cidr(in); got != want {
			t.Fatalf("cidr(%q) = %q, want %q", in, got, want)
		}
	}
}
