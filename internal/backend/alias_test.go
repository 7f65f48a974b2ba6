package backend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/latticedb/internal/backend"
	"github.com/latticedb/latticedb/internal/backend/backendtest"
)

func TestInsertAliasAppendsAtTail(t *testing.T) {
	db, mock := backendtest.New(t)

	mock.ExpectExec("insert into alias").
		WillReturnResult(sqlmockResult(1))

	ok, err := backend.InsertAlias(context.Background(), db, "entity", 1, 7, "alice", nil, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAliasAtIndexShiftsTail(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)

	idx := 1
	mock.ExpectExec("update alias set pos = pos").
		WithArgs(int64(1), 7, idx).
		WillReturnResult(sqlmockResult(2))
	mock.ExpectExec("insert into alias").
		WillReturnResult(sqlmockResult(1))

	ok, err := backend.InsertAlias(context.Background(), db, "entity", 1, 7, "bob", &idx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestShiftAliasClampsToLastIndex(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectQuery("select count.*from alias").
		WillReturnRows(mock.NewRows([]string{"maxpos"}).AddRow(1))
	mock.ExpectQuery("select pos from alias").
		WillReturnRows(mock.NewRows([]string{"pos"}).AddRow(0))
	mock.ExpectExec("update alias set pos = pos - 1").
		WillReturnResult(sqlmockResult(1))
	mock.ExpectExec("update alias set pos = \\?").
		WithArgs(1, int64(1), 7, "alice").
		WillReturnResult(sqlmockResult(1))

	ok, err := backend.ShiftAlias(context.Background(), db, 1, 7, "alice", 99)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestShiftAliasNotFound(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectQuery("select count.*from alias").
		WillReturnRows(mock.NewRows([]string{"maxpos"}).AddRow(2))
	mock.ExpectQuery("select pos from alias").
		WillReturnRows(mock.NewRows([]string{"pos"}))

	ok, err := backend.ShiftAlias(context.Background(), db, 1, 7, "ghost", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveAliasClosesPositionGap(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectQuery("select pos from alias").
		WillReturnRows(mock.NewRows([]string{"pos"}).AddRow(1))
	mock.ExpectExec("update alias\\s+set time_removed").
		WillReturnResult(sqlmockResult(1))
	mock.ExpectExec("update alias set pos = pos - 1").
		WillReturnResult(sqlmockResult(2))

	ok, err := backend.RemoveAlias(context.Background(), db, 1, 7, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
