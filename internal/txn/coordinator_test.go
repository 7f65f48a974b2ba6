package txn_test

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/latticedb/latticedb/internal/backend/backendtest"
	"github.com/latticedb/latticedb/internal/errs"
	"github.com/latticedb/latticedb/internal/pool"
	"github.com/latticedb/latticedb/internal/txn"
)

func execResult() driver.Result {
	return sqlmock.NewResult(0, 0)
}

func TestCommitHappyPath(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)
	mock.ExpectExec("XA START").WillReturnResult(execResult())
	mock.ExpectExec("XA END").WillReturnResult(execResult())
	mock.ExpectExec("XA PREPARE").WillReturnResult(execResult())
	mock.ExpectExec("XA COMMIT").WillReturnResult(execResult())

	ctx := context.Background()
	p, err := pool.NewSingle(0, db)
	require.NoError(t, err)

	c := txn.New(p, 0, "set_alias", 1, 2, "digest")
	_, err = c.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Prepare(ctx))
	require.NoError(t, c.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPrepareReleasesAnchorConn confirms Prepare hands the anchor connection
// back to the pool instead of holding it until Commit, so a single-capacity
// shard pool doesn't self-starve between phases: with capacity 1, a second
// Acquire for the same shard would block forever if Prepare still held it.
func TestPrepareReleasesAnchorConn(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)
	mock.ExpectExec("XA START").WillReturnResult(execResult())
	mock.ExpectExec("XA END").WillReturnResult(execResult())
	mock.ExpectExec("XA PREPARE").WillReturnResult(execResult())
	mock.ExpectExec("XA COMMIT").WillReturnResult(execResult())

	ctx := context.Background()
	p, err := pool.NewSingle(0, db)
	require.NoError(t, err)

	c := txn.New(p, 0, "set_alias", 1)
	_, err = c.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Prepare(ctx))

	reacquired, err := p.Acquire(ctx, 0)
	require.NoError(t, err, "anchor connection must be released back to the pool by Prepare")
	p.Release(0, reacquired)

	require.NoError(t, c.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackOnFail(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)
	mock.ExpectExec("XA START").WillReturnResult(execResult())
	mock.ExpectExec("XA END").WillReturnResult(execResult())
	mock.ExpectExec("XA ROLLBACK").WillReturnResult(execResult())

	ctx := context.Background()
	p, err := pool.NewSingle(0, db)
	require.NoError(t, err)

	c := txn.New(p, 0, "set_alias", 1)
	_, err = c.Begin(ctx)
	require.NoError(t, err)

	c.Fail()
	require.NoError(t, c.Prepare(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRollbackRunsUnderExpiredCallerContext: the usual reason to roll back is
// that the caller's deadline already fired, so the cleanup statements must
// run under their own bounded context — issued on the caller's dead ctx they
// would never reach the server and the branch would dangle.
func TestRollbackRunsUnderExpiredCallerContext(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)
	mock.ExpectExec("XA START").WillReturnResult(execResult())
	mock.ExpectExec("XA END").WillReturnResult(execResult())
	mock.ExpectExec("XA ROLLBACK").WillReturnResult(execResult())

	p, err := pool.NewSingle(0, db)
	require.NoError(t, err)

	c := txn.New(p, 0, "set_alias", 1)
	_, err = c.Begin(context.Background())
	require.NoError(t, err)

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Rollback(expired))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRollbackAfterCancelledPrepare: a deadline firing mid-Prepare surfaces
// as the public timeout error and poisons the anchor connection; Rollback
// must discard it (the pool redials a replacement) and issue its statements
// on a fresh connection rather than the dead session.
func TestRollbackAfterCancelledPrepare(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)
	mock.ExpectExec("XA START").WillReturnResult(execResult())
	mock.ExpectExec("XA END").WillReturnError(context.DeadlineExceeded)
	mock.ExpectExec("XA END").WillReturnResult(execResult())
	mock.ExpectExec("XA ROLLBACK").WillReturnResult(execResult())

	p, err := pool.NewSingle(0, db)
	require.NoError(t, err)

	c := txn.New(p, 0, "set_alias", 1)
	_, err = c.Begin(context.Background())
	require.NoError(t, err)

	err = c.Prepare(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTimeout)

	require.NoError(t, c.Rollback(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
