package backend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/latticedb/internal/backend"
	"github.com/latticedb/latticedb/internal/backend/backendtest"
)

func TestInsertNameAppendsAtTail(t *testing.T) {
	db, mock := backendtest.New(t)

	mock.ExpectExec("insert into name").
		WillReturnResult(sqlmockResult(1))

	ok, err := backend.InsertName(context.Background(), db, "entity", 1, 7, "alice", nil, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertNameParentGone(t *testing.T) {
	db, mock := backendtest.New(t)

	mock.ExpectExec("insert into name").
		WillReturnResult(sqlmockResult(0))

	ok, err := backend.InsertName(context.Background(), db, "entity", 1, 7, "alice", nil, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestShiftNameMovesEarlier(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectQuery("select count.*from name").
		WillReturnRows(mock.NewRows([]string{"maxpos"}).AddRow(3))
	mock.ExpectQuery("select pos from name").
		WillReturnRows(mock.NewRows([]string{"pos"}).AddRow(2))
	mock.ExpectExec("update name set pos = pos \\+ 1").
		WillReturnResult(sqlmockResult(1))
	mock.ExpectExec("update name set pos = \\?").
		WithArgs(0, int64(1), 7, "alice").
		WillReturnResult(sqlmockResult(1))

	ok, err := backend.ShiftName(context.Background(), db, 1, 7, "alice", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveNameClosesPositionGap(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectQuery("select pos from name").
		WillReturnRows(mock.NewRows([]string{"pos"}).AddRow(0))
	mock.ExpectExec("update name set time_removed").
		WillReturnResult(sqlmockResult(1))
	mock.ExpectExec("update name set pos = pos - 1").
		WillReturnResult(sqlmockResult(1))

	ok, err := backend.RemoveName(context.Background(), db, 1, 7, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveNamesMultipleBasesReturnsRemovedRows(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectQuery("select base_id, value, ctx from name").
		WillReturnRows(mock.NewRows([]string{"base_id", "value", "ctx"}).
			AddRow(int64(1), "alice", 7).
			AddRow(int64(2), "bob", 7))
	mock.ExpectExec("update name set time_removed").
		WillReturnResult(sqlmockResult(2))

	removed, err := backend.RemoveNamesMultipleBases(context.Background(), db, []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.Equal(t, "alice", removed[0].Value)
	assert.Equal(t, int64(2), removed[1].BaseID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchByPrefixQueriesLookupTable(t *testing.T) {
	db, mock := backendtest.New(t)

	mock.ExpectQuery("select base_id, value, flags\\s+from prefix_lookup").
		WillReturnRows(mock.NewRows([]string{"base_id", "value", "flags"}).AddRow(int64(1), "foo", uint16(0)))

	names, err := backend.SearchByPrefix(context.Background(), db, 7, "f", 10)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "foo", names[0].Value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchByPhoneticCarriesCode(t *testing.T) {
	db, mock := backendtest.New(t)

	mock.ExpectQuery("select base_id, value, flags\\s+from phonetic_lookup").
		WillReturnRows(mock.NewRows([]string{"base_id", "value", "flags"}).AddRow(int64(1), "steven", uint16(0)))

	names, err := backend.SearchByPhonetic(context.Background(), db, 7, "STFN", 10)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "steven", names[0].Value)
	assert.Equal(t, "STFN", names[0].Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemovePhoneticLookupsMultiBuildsTupleIn(t *testing.T) {
	db, mock := backendtest.New(t)

	mock.ExpectExec("update phonetic_lookup").
		WithArgs("STFN", "steven", 7, int64(1), "XTFN", "steven", 7, int64(1)).
		WillReturnResult(sqlmockResult(2))

	keys := []backend.PhoneticLookupKey{
		{Code: "STFN", Value: "steven", Ctx: 7, BaseID: 1},
		{Code: "XTFN", Value: "steven", Ctx: 7, BaseID: 1},
	}
	require.NoError(t, backend.RemovePhoneticLookupsMulti(context.Background(), db, keys))
	require.NoError(t, mock.ExpectationsWereMet())
}
