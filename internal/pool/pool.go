// Package pool implements the per-shard connection pool (component C3): a
// bounded set of long-lived *sql.Conn checked out of a *sql.DB, with explicit
// blocking acquire-with-deadline and release rather than database/sql's own
// implicit pool, so cancellation propagates the way the design requires.
package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/latticedb/latticedb/internal/config"
	"github.com/latticedb/latticedb/internal/errs"
	"github.com/latticedb/latticedb/internal/log"
	"github.com/latticedb/latticedb/internal/telemetry"
)

// Opener returns a driver-specific DSN for the given shard config; production
// code points this at go-sql-driver/mysql's DSN format, tests substitute a
// sqlmock DSN.
type Opener func(cfg config.ShardConfig) (driverName, dsn string, err error)

// shard is one shard's checked-out-connection channel.
type shard struct {
	num      int
	db       *sql.DB
	conns    chan *Conn
	capacity int
}

// Conn is a pooled connection handle: the underlying *sql.Conn plus the
// bookkeeping Release needs. Embedding keeps it a drop-in backend.Queryer;
// ExecContext and QueryContext are intercepted to translate a mid-flight
// cancellation into the public timeout error and to mark the session dead —
// cancelling a running query issues a server-side kill, after which the
// connection must not be handed to another caller. QueryRowContext can't be
// intercepted (its error only surfaces at Scan time, on a *sql.Row this
// package doesn't construct); the query layer translates those errors
// itself, and the dead session is caught by the next operation's
// driver.ErrBadConn.
type Conn struct {
	*sql.Conn
	shard int
	bad   bool
}

// ExecContext runs a statement on the underlying connection, translating a
// cancellation into errs.ErrTimeout and marking the session dead.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		return res, c.note(err)
	}
	return res, nil
}

// QueryContext runs a query on the underlying connection with the same error
// translation as ExecContext.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return rows, c.note(err)
	}
	return rows, nil
}

// MarkBad flags the connection so Release discards it instead of recycling.
func (c *Conn) MarkBad() { c.bad = true }

// Bad reports whether the connection's session is unusable.
func (c *Conn) Bad() bool { return c.bad }

func (c *Conn) note(err error) error {
	if errs.IsCancellation(err) {
		c.bad = true
		return errs.ErrTimeout
	}
	if errors.Is(err, driver.ErrBadConn) {
		c.bad = true
	}
	return err
}

// Pool manages one shard per entry, each bounded by its configured Count.
type Pool struct {
	shards   map[int]*shard
	readOnly bool
	tel      *telemetry.Telemetry
}

// SetTelemetry attaches t so Acquire records wait-time and error metrics.
// Optional: a Pool with no telemetry attached behaves exactly as before.
func (p *Pool) SetTelemetry(t *telemetry.Telemetry) {
	p.tel = t
}

// New constructs a Pool from cluster shard configuration without connecting.
// Call Start to open connections.
func New(cluster *config.Cluster, readOnly bool) *Pool {
	p := &Pool{shards: make(map[int]*shard, len(cluster.Shards)), readOnly: readOnly}
	for _, sc := range cluster.Shards {
		p.shards[sc.Shard] = &shard{num: sc.Shard, capacity: sc.Count}
	}
	return p
}

// Start opens sc.Count connections per shard, fanned out concurrently with
// errgroup so a large cluster doesn't pay serial dial latency.
func (p *Pool) Start(ctx context.Context, cluster *config.Cluster, open Opener) error {
	logger := log.WithComponent("pool")

	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range cluster.Shards {
		sc := sc
		sh := p.shards[sc.Shard]
		g.Go(func() error {
			driverName, dsn, err := open(sc)
			if err != nil {
				return fmt.Errorf("pool: shard %d: %w", sc.Shard, err)
			}
			db, err := sql.Open(driverName, dsn)
			if err != nil {
				return fmt.Errorf("pool: shard %d: open: %w", sc.Shard, err)
			}
			db.SetMaxOpenConns(sc.Count)

			sh.db = db
			sh.conns = make(chan *Conn, sc.Count)
			for i := 0; i < sc.Count; i++ {
				conn, err := withRetry(gctx, func() (*sql.Conn, error) {
					return db.Conn(gctx)
				})
				if err != nil {
					return fmt.Errorf("pool: shard %d: connect %d/%d: %w", sc.Shard, i+1, sc.Count, err)
				}
				sh.conns <- &Conn{Conn: conn, shard: sc.Shard}
			}
			logger.Info().Int("shard", sc.Shard).Int("conns", sc.Count).Msg("shard pool ready")
			return nil
		})
	}
	return g.Wait()
}

// NewSingle builds a one-connection Pool over an already-open *sql.DB under
// shardNum. Production code reaches pools through Start; tests use this to
// exercise Acquire/Release/Coordinator logic against a sqlmock-backed
// database without dialing a real driver. Keeping the *sql.DB lets the pool
// dial a replacement when a cancelled connection is discarded.
func NewSingle(shardNum int, db *sql.DB) (*Pool, error) {
	conn, err := db.Conn(context.Background())
	if err != nil {
		return nil, err
	}
	sh := &shard{num: shardNum, db: db, capacity: 1, conns: make(chan *Conn, 1)}
	sh.conns <- &Conn{Conn: conn, shard: shardNum}
	return &Pool{shards: map[int]*shard{shardNum: sh}}, nil
}

// NewMulti builds a Pool with one connection per shard number in dbs, for
// tests exercising cross-shard behavior (2PC fan-out, estate cascades)
// against more than one sqlmock-backed database.
func NewMulti(dbs map[int]*sql.DB) (*Pool, error) {
	shards := make(map[int]*shard, len(dbs))
	for num, db := range dbs {
		conn, err := db.Conn(context.Background())
		if err != nil {
			return nil, err
		}
		sh := &shard{num: num, db: db, capacity: 1, conns: make(chan *Conn, 1)}
		sh.conns <- &Conn{Conn: conn, shard: num}
		shards[num] = sh
	}
	return &Pool{shards: shards}, nil
}

// Acquire blocks until a connection for shard is available or ctx's deadline
// elapses, translating a timed-out wait into errs.ErrTimeout.
func (p *Pool) Acquire(ctx context.Context, shardNum int) (*Conn, error) {
	start := time.Now()
	sh, ok := p.shards[shardNum]
	if !ok {
		err := errs.NoShard(shardNum)
		p.tel.RecordPoolWait(ctx, shardNum, time.Since(start), err)
		return nil, err
	}
	select {
	case conn := <-sh.conns:
		p.tel.RecordPoolWait(ctx, shardNum, time.Since(start), nil)
		return conn, nil
	case <-ctx.Done():
		p.tel.RecordPoolWait(ctx, shardNum, time.Since(start), errs.ErrTimeout)
		return nil, errs.ErrTimeout
	}
}

// Release returns conn to shard's pool. Callers must pass the same shardNum
// used to Acquire it. A connection whose session died — a query cancelled
// mid-flight, a bad-connection error from the driver — is not recycled: it
// is closed and a replacement is dialed in the background to refill the
// slot, so the next caller never inherits a killed session.
func (p *Pool) Release(shardNum int, conn *Conn) {
	sh, ok := p.shards[shardNum]
	if !ok {
		_ = conn.Close()
		return
	}
	if conn.Bad() {
		_ = conn.Close()
		go p.replace(sh)
		return
	}
	select {
	case sh.conns <- conn:
	default:
		// Pool channel is full (shouldn't happen under correct accounting);
		// don't leak the connection.
		_ = conn.Close()
	}
}

const replaceTimeout = 30 * time.Second

// replace dials a fresh connection for sh to fill the slot a discarded
// connection left behind.
func (p *Pool) replace(sh *shard) {
	if sh.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), replaceTimeout)
	defer cancel()
	conn, err := withRetry(ctx, func() (*sql.Conn, error) { return sh.db.Conn(ctx) })
	if err != nil {
		logger := log.WithComponent("pool")
		logger.Error().Err(err).Int("shard", sh.num).Msg("replacing discarded connection failed")
		return
	}
	select {
	case sh.conns <- &Conn{Conn: conn, shard: sh.num}:
	default:
		_ = conn.Close()
	}
}

// WaitReady blocks until every shard has its full complement of connections
// checked in, or ctx's deadline elapses.
func (p *Pool) WaitReady(ctx context.Context) error {
	for num, sh := range p.shards {
		for len(sh.conns) < sh.capacity {
			select {
			case <-ctx.Done():
				return fmt.Errorf("pool: shard %d: %w", num, errs.ErrTimeout)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	return nil
}

// Close closes every shard's underlying *sql.DB.
func (p *Pool) Close() error {
	var firstErr error
	for _, sh := range p.shards {
		if sh.db == nil {
			continue
		}
		if err := sh.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadOnly reports whether this pool was constructed for a read replica,
// matching the design's read-only scope rejection for write operations.
func (p *Pool) ReadOnly() bool {
	return p.readOnly
}

const retryMaxElapsed = 30 * time.Second

// withRetry retries op when the error looks like a transient network or
// server condition, giving up immediately on anything else.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed

	var result T
	err := backoff.Retry(func() error {
		var err error
		result, err = op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	return result, err
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, needle := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection",
		"gone away",
		"i/o timeout",
	} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
