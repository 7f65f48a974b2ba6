package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/latticedb/latticedb/internal/errs"
)

// These tests construct shard/Pool directly rather than going through Start,
// since Start's job is dialing real drivers; Acquire/Release/WaitReady are
// pure channel bookkeeping and are tested in isolation here.

func TestAcquireReleaseRoundTrip(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)

	wrapped := &Conn{Conn: conn, shard: 1}
	sh := &shard{num: 1, db: db, capacity: 1, conns: make(chan *Conn, 1)}
	sh.conns <- wrapped
	p := &Pool{shards: map[int]*shard{1: sh}}

	got, err := p.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.Same(t, wrapped, got)

	p.Release(1, got)
	assert.Len(t, sh.conns, 1)
}

func TestAcquireTimesOutWhenEmpty(t *testing.T) {
	sh := &shard{num: 1, capacity: 1, conns: make(chan *Conn, 1)}
	p := &Pool{shards: map[int]*shard{1: sh}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := p.Acquire(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTimeout)
}

func TestAcquireUnknownShard(t *testing.T) {
	p := &Pool{shards: map[int]*shard{}}
	_, err := p.Acquire(context.Background(), 99)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, errs.KindNoShard, kind)
}

// TestCancelledExecTranslatesAndMarksBad: a query failing with the context's
// cancellation error must surface as the public timeout error and poison the
// connection, so Release discards it instead of handing the killed session
// to the next caller.
func TestCancelledExecTranslatesAndMarksBad(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("update entity").WillReturnError(context.DeadlineExceeded)

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	wrapped := &Conn{Conn: conn, shard: 1}

	_, execErr := wrapped.ExecContext(context.Background(), "update entity set flags = 1")
	require.Error(t, execErr)
	assert.ErrorIs(t, execErr, errs.ErrTimeout)
	assert.True(t, wrapped.Bad())

	// db deliberately absent from the shard: no replacement can be dialed, so
	// a discarded connection must leave the channel empty rather than recycle.
	sh := &shard{num: 1, capacity: 1, conns: make(chan *Conn, 1)}
	p := &Pool{shards: map[int]*shard{1: sh}}
	p.Release(1, wrapped)
	assert.Len(t, sh.conns, 0)
}

// TestReleaseRedialsDiscardedConn: with the shard's *sql.DB available, a
// discarded connection's slot is refilled by a background redial.
func TestReleaseRedialsDiscardedConn(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	wrapped := &Conn{Conn: conn, shard: 1}
	wrapped.MarkBad()

	sh := &shard{num: 1, db: db, capacity: 1, conns: make(chan *Conn, 1)}
	p := &Pool{shards: map[int]*shard{1: sh}}
	p.Release(1, wrapped)

	require.Eventually(t, func() bool { return len(sh.conns) == 1 }, 2*time.Second, 10*time.Millisecond,
		"discarded connection's slot must be refilled by a fresh dial")
	fresh := <-sh.conns
	assert.False(t, fresh.Bad())
}

func TestWaitReadyTimesOutWhenUnderfilled(t *testing.T) {
	sh := &shard{num: 1, capacity: 2, conns: make(chan *Conn, 2)}
	p := &Pool{shards: map[int]*shard{1: sh}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.WaitReady(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTimeout)
}
