package vip

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/uxsinodb/ux-repmgr/internal/command"
	"github.com/vishvananda/netlink"
)

// VIP pairs one virtual address with the physical interface carrying it.
type VIP struct {
	Address   string // bare IP or CIDR; a bare IP gets a /32 (or /128) mask
	Interface string
}

// addrManager abstracts kernel address configuration so the arbitrator can
// be exercised without privileges.
type addrManager interface {
	IsPresent(vip VIP) (bool, error)
	Add(vip VIP) error
	Del(vip VIP) error
}

// Arbitrator binds and unbinds virtual addresses on the promoted primary
// and broadcasts gratuitous ARP so clients re-learn the MAC. Only safe to
// invoke after the election is won and the catalog updated: the kernel
// cannot tell "should own this address" from "someone else already owns
// it".
type Arbitrator struct {
	logger  *slog.Logger
	mgr     addrManager
	arping  string // command template with %ip and %iface tokens
	runCmd  func(ctx context.Context, cmd string) (command.Result, error)
}

// Option adjusts an Arbitrator.
type Option func(*Arbitrator)

// WithAddrManager substitutes the kernel-facing address manager.
func WithAddrManager(m addrManager) Option {
	return func(a *Arbitrator) { a.mgr = m }
}

// WithCommandRunner substitutes the arping executor.
func WithCommandRunner(run func(ctx context.Context, cmd string) (command.Result, error)) Option {
	return func(a *Arbitrator) { a.runCmd = run }
}

// New creates an arbitrator. When the process is not root the kernel is
// driven through the ip command behind the privilege-escalation helper
// instead of netlink directly.
func New(logger *slog.Logger, arpingCommand, sudoCommand, sudoPassword string, opts ...Option) *Arbitrator {
	a := &Arbitrator{
		logger: logger,
		arping: arpingCommand,
		runCmd: command.Local,
	}

	if os.Geteuid() == 0 {
		a.mgr = &netlinkManager{}
	} else {
		a.mgr = &execManager{sudo: sudoCommand, sudoPassword: sudoPassword}
	}

	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Bind ensures every address is configured on its interface. Binding an
// already-present address is a no-op success; each fresh bind is announced
// with gratuitous ARP.
func (a *Arbitrator) Bind(ctx context.Context, vips []VIP) error {
	for _, v := range vips {
		present, err := a.mgr.IsPresent(v)
		if err != nil {
			return fmt.Errorf("query %s on %s: %w", v.Address, v.Interface, err)
		}
		if present {
			a.logger.Debug("virtual address already bound", "address", v.Address, "interface", v.Interface)
			continue
		}

		if err := a.mgr.Add(v); err != nil {
			return fmt.Errorf("bind %s on %s: %w", v.Address, v.Interface, err)
		}
		a.logger.Info("virtual address bound", "address", v.Address, "interface", v.Interface)

		if err := a.announce(ctx, v); err != nil {
			a.logger.Warn("gratuitous ARP announcement failed", "address", v.Address, "error", err)
		}
	}
	return nil
}

// Unbind removes every address; unbinding an absent address is a no-op
// success.
func (a *Arbitrator) Unbind(ctx context.Context, vips []VIP) error {
	for _, v := range vips {
		present, err := a.mgr.IsPresent(v)
		if err != nil {
			return fmt.Errorf("query %s on %s: %w", v.Address, v.Interface, err)
		}
		if !present {
			continue
		}

		if err := a.mgr.Del(v); err != nil {
			return fmt.Errorf("unbind %s from %s: %w", v.Address, v.Interface, err)
		}
		a.logger.Info("virtual address unbound", "address", v.Address, "interface", v.Interface)
	}
	return nil
}

func (a *Arbitrator) announce(ctx context.Context, v VIP) error {
	if a.arping == "" {
		return nil
	}
	cmd := strings.ReplaceAll(a.arping, "%ip", bareIP(v.Address))
	cmd = strings.ReplaceAll(cmd, "%iface", v.Interface)
	_, err := a.runCmd(ctx, cmd)
	return err
}

func bareIP(addr string) string {
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[:i]
	}
	return addr
}

func cidr(addr string) string {
	if strings.ContainsRune(addr, '/') {
		return addr
	}
	if strings.ContainsRune(addr, ':') {
		return addr + "/128"
	}
	return addr + "/32"
}

// netlinkManager drives the kernel directly.
type netlinkManager struct{}

func (m *netlinkManager) link(v VIP) (netlink.Link, error) {
	link, err := netlink.LinkByName(v.Interface)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", v.Interface, err)
	}
	return link, nil
}

func (m *netlinkManager) IsPresent(v VIP) (bool, error) {
	link, err := m.link(v)
	if err != nil {
		return false, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return false, fmt.Errorf("list addresses on %q: %w", v.Interface, err)
	}
	want := bareIP(v.Address)
	for _, addr := range addrs {
		if addr.IP.String() == want {
			return true, nil
		}
	}
	return false, nil
}

func (m *netlinkManager) Add(v VIP) error {
	link, err := m.link(v)
	if err != nil {
		return err
	}
	addr, err := netlink.ParseAddr(cidr(v.Address))
	if err != nil {
		return fmt.Errorf("parse address %q: %w", v.Address, err)
	}
	return netlink.AddrAdd(link, addr)
}

func (m *netlinkManager) Del(v VIP) error {
	link, err := m.link(v)
	if err != nil {
		return err
	}
	addr, err := netlink.ParseAddr(cidr(v.Address))
	if err != nil {
		return fmt.Errorf("parse address %q: %w", v.Address, err)
	}
	return netlink.AddrDel(link, addr)
}

// execManager drives the kernel through the ip command prefixed with the
// privilege-escalation helper, piping the stored password when configured.
type execManager struct {
	sudo         string
	sudoPassword string
}

func (m *execManager) run(cmd string) (command.Result, error) {
	full := strings.TrimSpace(m.sudo + " " + cmd)
	if m.sudoPassword != "" {
		return command.LocalWithInput(context.Background(), full, m.sudoPassword+"\n")
	}
	return command.Local(context.Background(), full)
}

func (m *execManager) IsPresent(v VIP) (bool, error) {
	// Address listing needs no privilege.
	res, err := command.Local(context.Background(),
		fmt.Sprintf("ip addr show dev %s", v.Interface))
	if err != nil {
		return false, err
	}
	return strings.Contains(res.Output, " "+bareIP(v.Address)+"/") ||
		strings.Contains(res.Output, " "+bareIP(v.Address)+" "), nil
}

func (m *execManager) Add(v VIP) error {
	_, err := m.run(fmt.Sprintf("ip addr add %s dev %s", cidr(v.Address), v.Interface))
	return err
}

func (m *execManager) Del(v VIP) error {
	_, err := m.run(fmt.Sprintf("ip addr del %s dev %s", cidr(v.Address), v.Interface))
	return err
}
