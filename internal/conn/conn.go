package conn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrBadConnection marks a connection that must be discarded by its owner.
var ErrBadConnection = errors.New("connection is unusable")

const defaultApplicationName = "ux-repmgr"

// sessionSetup is run on every non-replication session. The narrowed
// search_path defeats search-path injection; local synchronous_commit keeps
// catalog writes from blocking on cross-node commit acknowledgement.
const sessionSetup = `SET search_path TO repmgr, pg_catalog; SET synchronous_commit TO local`

// WaitResult is the outcome of WaitAvailable.
type WaitResult int

const (
	WaitReady   WaitResult = 1
	WaitError   WaitResult = 0
	WaitTimeout WaitResult = -1
)

// Open establishes a session from a keyword/value conninfo string. Every
// session carries an application_name (defaulted to ux-repmgr) and the
// standard session setup.
func Open(ctx context.Context, conninfo string) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(conninfo)
	if err != nil {
		return nil, fmt.Errorf("parse conninfo: %w", err)
	}
	return openConfig(ctx, cfg)
}

// OpenParams establishes a session from a parameter list.
func OpenParams(ctx context.Context, params *Params) (*pgx.Conn, error) {
	return Open(ctx, params.String())
}

func openConfig(ctx context.Context, cfg *pgx.ConnConfig) (*pgx.Conn, error) {
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	if cfg.RuntimeParams["application_name"] == "" {
		cfg.RuntimeParams["application_name"] = defaultApplicationName
	}

	c, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	// Multi-statement setup runs over the simple protocol.
	if _, err := c.PgConn().Exec(ctx, sessionSetup).ReadAll(); err != nil {
		_ = c.Close(ctx)
		return nil, fmt.Errorf("session setup failed: %w", err)
	}
	return c, nil
}

// Duplicate opens a second session with the same parameters as an existing
// one. A non-empty user substitutes the connection role.
func Duplicate(ctx context.Context, c *pgx.Conn, user string) (*pgx.Conn, error) {
	cfg := c.Config().Copy()
	if user != "" {
		cfg.User = user
	}
	return openConfig(ctx, cfg)
}

// OpenReplication derives a physical replication channel from a parameter
// list. Replication sessions skip the synchronous_commit tweak because the
// walsender rejects plain SQL.
func OpenReplication(ctx context.Context, params *Params, replUser string) (*pgconn.PgConn, error) {
	p := params.Clone()
	p.Set("replication", "1")
	p.Set("dbname", "replication")
	if replUser != "" {
		p.Set("user", replUser)
	}
	if _, ok := p.Get("application_name"); !ok {
		p.Set("application_name", defaultApplicationName)
	}

	c, err := pgconn.Connect(ctx, p.String())
	if err != nil {
		return nil, fmt.Errorf("replication connection failed: %w", err)
	}
	return c, nil
}

// Ping checks that the session still answers a trivial query.
func Ping(ctx context.Context, c *pgx.Conn) error {
	if c == nil || c.IsClosed() {
		return ErrBadConnection
	}
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBadConnection, err)
	}
	return nil
}

// PingWithReset pings, and on failure tears the session down and opens a
// fresh one from the same parameters. The returned connection replaces the
// argument. On failure the old handle is closed and nil is returned with
// either the reconnect error wrapped in ErrBadConnection or the fresh
// session's ping error.
func PingWithReset(ctx context.Context, c *pgx.Conn) (*pgx.Conn, error) {
	if err := Ping(ctx, c); err == nil {
		return c, nil
	}

	cfg := c.Config().Copy()
	_ = c.Close(ctx)

	fresh, err := openConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: reconnect failed: %v", ErrBadConnection, err)
	}
	if err := Ping(ctx, fresh); err != nil {
		_ = fresh.Close(ctx)
		return nil, err
	}
	return fresh, nil
}

// CancelQuery requests cancellation of the connection's current query.
// Best effort, bounded by timeout.
func CancelQuery(ctx context.Context, c *pgx.Conn, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.PgConn().CancelRequest(cctx); err != nil {
		return fmt.Errorf("cancel request: %w", err)
	}
	return nil
}

// WaitAvailable polls the session until it answers, the budget runs out, or
// an unrecoverable error appears.
func WaitAvailable(ctx context.Context, c *pgx.Conn, budget time.Duration) WaitResult {
	deadline := time.Now().Add(budget)
	for {
		if c == nil || c.IsClosed() {
			return WaitError
		}
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := c.Ping(pingCtx)
		cancel()
		if err == nil {
			return WaitReady
		}
		if ctx.Err() != nil {
			return WaitError
		}
		if time.Now().After(deadline) {
			return WaitTimeout
		}
		time.Sleep(50 * time.Millisecond)
	}
}
