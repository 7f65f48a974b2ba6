// Package txn implements the two-phase commit coordinator (component C5):
// an "anchor" shard transaction that prepares and later commits or rolls
// back, plus an "elsewhere" scope for dependent work on other shards between
// prepare and commit.
//
// database/sql has no native 2PC API, so this package issues the raw XA
// statements (XA START/END/PREPARE/COMMIT/ROLLBACK) directly over a
// checked-out pooled connection, keyed by an externally-chosen transaction id.
package txn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/latticedb/latticedb/internal/pool"
	"github.com/latticedb/latticedb/internal/telemetry"
)

// Coordinator drives one two-phase-commit transaction against a single
// anchor shard.
type Coordinator struct {
	pool   *pool.Pool
	shard  int
	name   string
	uniq   []string
	conn   *pool.Conn
	xid    string
	failed bool
	tel    *telemetry.Telemetry
}

// New starts building a coordinator for shard, naming the operation name and
// a business key (e.g. base id, context, digest) used to build the xid so an
// operator inspecting XA RECOVER output can identify what a dangling prepared
// transaction was for.
func New(p *pool.Pool, shard int, name string, uniqueData ...any) *Coordinator {
	parts := make([]string, len(uniqueData))
	for i, v := range uniqueData {
		parts[i] = fmt.Sprint(v)
	}
	return &Coordinator{pool: p, shard: shard, name: name, uniq: parts}
}

// WithTelemetry attaches t so Prepare/Commit/Rollback record phase latency
// and outcome metrics, returning c for chaining onto New's result.
func (c *Coordinator) WithTelemetry(t *telemetry.Telemetry) *Coordinator {
	c.tel = t
	return c
}

// Begin acquires a connection for the anchor shard and issues XA START,
// returning the connection for the caller to run statements on.
func (c *Coordinator) Begin(ctx context.Context) (*pool.Conn, error) {
	start := time.Now()
	conn, err := c.pool.Acquire(ctx, c.shard)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	c.xid = newXID(c.name, c.uniq)
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("XA START '%s'", c.xid)); err != nil {
		c.pool.Release(c.shard, conn)
		c.conn = nil
		return nil, fmt.Errorf("txn: XA START: %w", err)
	}
	c.tel.RecordTxnPhase(ctx, "begin", c.shard, time.Since(start))
	return conn, nil
}

// Fail marks the transaction for rollback regardless of what Prepare or the
// caller's business logic returned.
func (c *Coordinator) Fail() {
	c.failed = true
}

// Prepare ends the local branch and prepares it, then releases the anchor
// connection back to the pool — Commit and Rollback reacquire a connection
// (possibly a different one) lazily, per the design's "prepare the anchor,
// reset the connection and return it to the pool" protocol. Call this once
// all statements on the anchor connection have been issued. On failure the
// connection is released too (the pool discards it when the failure killed
// the session) so a caller that bails out without a Rollback doesn't leak
// it; the branch itself, if it made it to a prepared state server-side, is
// left for Rollback or the operator GC to resolve by xid.
func (c *Coordinator) Prepare(ctx context.Context) error {
	if c.failed {
		return c.Rollback(ctx)
	}
	start := time.Now()
	if _, err := c.conn.ExecContext(ctx, fmt.Sprintf("XA END '%s'", c.xid)); err != nil {
		c.release()
		return fmt.Errorf("txn: XA END: %w", err)
	}
	if _, err := c.conn.ExecContext(ctx, fmt.Sprintf("XA PREPARE '%s'", c.xid)); err != nil {
		c.release()
		return fmt.Errorf("txn: XA PREPARE: %w", err)
	}
	c.tel.RecordTxnPhase(ctx, "prepare", c.shard, time.Since(start))
	c.release()
	return nil
}

// Commit issues XA COMMIT, reacquiring a connection to the anchor shard if
// Prepare already returned the one Begin acquired.
func (c *Coordinator) Commit(ctx context.Context) error {
	conn, err := c.reacquire(ctx)
	if err != nil {
		return err
	}
	defer c.release()
	start := time.Now()
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("XA COMMIT '%s'", c.xid)); err != nil {
		return fmt.Errorf("txn: XA COMMIT: %w", err)
	}
	c.tel.RecordTxnPhase(ctx, "commit", c.shard, time.Since(start))
	c.tel.RecordTxnOutcome(ctx, "commit")
	return nil
}

// rollbackGrace bounds the detached cleanup context Rollback runs under: the
// usual reason to be rolling back is that the caller's ctx already expired,
// and cleanup statements issued on an expired context would never reach the
// server, leaving the branch dangling until the operator GC.
const rollbackGrace = 5 * time.Second

// Rollback issues XA ROLLBACK, reacquiring a connection to the anchor shard
// if needed. Safe to call on a connection that never reached XA PREPARE (XA
// END+ROLLBACK still applies in that case). The statements run under a short
// bounded context detached from the caller's cancellation; a held connection
// whose session died with a cancelled query is swapped for a fresh one first
// — the xid is the only link to the branch, so any connection to the anchor
// shard serves.
func (c *Coordinator) Rollback(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackGrace)
	defer cancel()

	if c.conn != nil && c.conn.Bad() {
		c.release()
	}
	conn, err := c.reacquire(cctx)
	if err != nil {
		return err
	}
	defer c.release()
	start := time.Now()
	if _, err := conn.ExecContext(cctx, fmt.Sprintf("XA END '%s'", c.xid)); err != nil {
		// Already ended (e.g. Prepare reached XA END before failing); ignore
		// and attempt the rollback anyway.
		_ = err
	}
	if _, err := conn.ExecContext(cctx, fmt.Sprintf("XA ROLLBACK '%s'", c.xid)); err != nil {
		return fmt.Errorf("txn: XA ROLLBACK: %w", err)
	}
	c.tel.RecordTxnPhase(cctx, "rollback", c.shard, time.Since(start))
	c.tel.RecordTxnOutcome(cctx, "rollback")
	return nil
}

func (c *Coordinator) release() {
	if c.conn != nil {
		c.pool.Release(c.shard, c.conn)
		c.conn = nil
	}
}

// reacquire returns the anchor connection, fetching a fresh one from the
// pool if Prepare already released it back.
func (c *Coordinator) reacquire(ctx context.Context) (*pool.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.pool.Acquire(ctx, c.shard)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// Elsewhere runs fn against a freshly acquired connection to a different
// shard between Prepare and Commit, for dependent writes that must happen in
// the same logical operation but live on another shard's data. If fn
// returns an error, the coordinator is marked failed so the eventual
// Prepare/Commit call rolls the anchor back instead.
func (c *Coordinator) Elsewhere(ctx context.Context, p *pool.Pool, shard int, fn func(conn *pool.Conn) error) error {
	conn, err := p.Acquire(ctx, shard)
	if err != nil {
		c.Fail()
		return err
	}
	defer p.Release(shard, conn)

	if err := fn(conn); err != nil {
		c.Fail()
		return err
	}
	return nil
}

// newXID builds the XA transaction identifier from a random nonce, the
// operation name, and a hyphen-joined business key. The business key lets an
// operator reading XA RECOVER output identify what a dangling prepared
// transaction was for; the UUIDv4 nonce keeps concurrent runs of the same
// operation on the same key from colliding, cluster-wide.
func newXID(name string, uniq []string) string {
	nonce := uuid.New().String()
	return nonce + "-" + name + "-" + strings.Join(uniq, "-")
}
