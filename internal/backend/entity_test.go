package backend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/latticedb/internal/backend"
	"github.com/latticedb/latticedb/internal/backend/backendtest"
	"github.com/latticedb/latticedb/internal/errs"
)

func TestInsertEntity(t *testing.T) {
	db, mock := backendtest.New(t)

	mock.ExpectExec("insert into entity").
		WithArgs(int64(1<<40|1), 7, uint16(0)).
		WillReturnResult(sqlmockResult(1))

	err := backend.InsertEntity(context.Background(), db, 1<<40|1, 7, 0)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntityNotFound(t *testing.T) {
	db, mock := backendtest.New(t)

	mock.ExpectQuery("select flags from entity").
		WithArgs(int64(42), 7).
		WillReturnRows(mock.NewRows([]string{"flags"}))

	_, err := backend.GetEntity(context.Background(), db, 42, 7)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, errs.KindNoObject, kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveEntity(t *testing.T) {
	db, mock := backendtest.New(t)

	mock.ExpectExec("update entity").
		WithArgs(int64(42), 7).
		WillReturnResult(sqlmockResult(1))

	removed, err := backend.RemoveEntity(context.Background(), db, 42, 7)
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}
