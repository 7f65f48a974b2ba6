package backend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/latticedb/internal/backend"
	"github.com/latticedb/latticedb/internal/backend/backendtest"
)

func TestInsertRelationshipBothDirections(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectExec("insert into relationship").
		WillReturnResult(sqlmockResult(1))
	mock.ExpectExec("insert into relationship").
		WillReturnResult(sqlmockResult(1))

	ok, err := backend.InsertRelationship(context.Background(), db, "entity", "entity", 1, 2, 7, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRelationshipSkipsReverseWhenForwardGated(t *testing.T) {
	db, mock := backendtest.New(t)

	mock.ExpectExec("insert into relationship").
		WillReturnResult(sqlmockResult(0))

	ok, err := backend.InsertRelationship(context.Background(), db, "entity", "entity", 1, 2, 7, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectRelationshipsFilteredToPeer(t *testing.T) {
	db, mock := backendtest.New(t)

	mock.ExpectQuery("select rel_id, pos, flags").
		WithArgs(int64(1), 7, true, 0, int64(2), 1).
		WillReturnRows(mock.NewRows([]string{"rel_id", "pos", "flags"}).AddRow(int64(2), 0, uint16(0)))

	rows, err := backend.SelectRelationships(context.Background(), db, 1, 7, true, 0, 2, true, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].RelID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveRelationshipTombstonesExactDirection(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectQuery("select pos from relationship").
		WithArgs(int64(1), int64(2), 7, false).
		WillReturnRows(mock.NewRows([]string{"pos"}).AddRow(0))
	mock.ExpectExec("update relationship set time_removed").
		WithArgs(int64(1), int64(2), 7, false).
		WillReturnResult(sqlmockResult(1))
	mock.ExpectExec("update relationship set pos = pos - 1").
		WillReturnResult(sqlmockResult(0))

	ok, err := backend.RemoveRelationship(context.Background(), db, 1, 2, 7, false)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkReorderRelationshipsRunsOnePerList(t *testing.T) {
	db, mock := backendtest.New(t)

	mock.ExpectExec("update relationship r").
		WithArgs(int64(5), 7, true).
		WillReturnResult(sqlmockResult(2))

	err := backend.BulkReorderRelationships(context.Background(), db, []backend.RelationshipList{
		{AnchorID: 5, Ctx: 7, Forward: true},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveRelationshipPairsReturnsTouchedLists(t *testing.T) {
	db, mock := backendtest.New(t)

	mock.ExpectExec("update relationship set time_removed").
		WillReturnResult(sqlmockResult(1))

	touched, err := backend.RemoveRelationshipPairs(context.Background(), db, []backend.RemovedRelationship{
		{BaseID: 1, RelID: 2, Ctx: 7, Forward: true},
	})
	require.NoError(t, err)
	require.Equal(t, []backend.RelationshipList{{AnchorID: 2, Ctx: 7, Forward: false}}, touched)
	require.NoError(t, mock.ExpectationsWereMet())
}
