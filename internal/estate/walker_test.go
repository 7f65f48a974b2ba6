package estate_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/latticedb/latticedb/internal/backend/backendtest"
	"github.com/latticedb/latticedb/internal/estate"
	"github.com/latticedb/latticedb/internal/pool"
	"github.com/latticedb/latticedb/internal/registry"
	"github.com/latticedb/latticedb/internal/shard"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterContext(1, registry.ContextMeta{
		Title: "user", Table: registry.TableEntity,
	}))
	return reg
}

func execResult(n int64) driver.Result {
	return sqlmock.NewResult(0, n)
}

func testRouter(t *testing.T) *shard.Router {
	t.Helper()
	return shard.NewRouter(shard.Config{
		ShardBits:   8,
		DigestKey:   []byte("k"),
		LookupPlans: [][]shard.Entry{{{Shard: 0, Weight: 1}}},
		EntityPlan:  []shard.Entry{{Shard: 0, Weight: 1}},
	})
}

func multiShardRouter(t *testing.T) *shard.Router {
	t.Helper()
	return shard.NewRouter(shard.Config{
		ShardBits: 8,
		DigestKey: []byte("k"),
		LookupPlans: [][]shard.Entry{{
			{Shard: 0, Weight: 1}, {Shard: 1, Weight: 1},
		}},
		EntityPlan: []shard.Entry{{Shard: 0, Weight: 1}, {Shard: 1, Weight: 1}},
	})
}

// TestRemoveNodeCascadesAcrossShards exercises the multi-anchor worklist: the
// root node lives on shard 0, but the child node_edge row discovered while
// draining shard 0 points at a child id that actually belongs to shard 1
// (store.CreateNode picks each child's shard independently of its parent's),
// so the cascade must open a second coordinator for shard 1 and commit both
// together.
func TestRemoveNodeCascadesAcrossShards(t *testing.T) {
	const rootID = int64(5)
	const baseID = int64(3)
	const childID = int64(1) << 56 // top byte 1 -> shard 1 under 8 shard bits

	db0, mock0 := backendtest.New(t)
	mock0.MatchExpectationsInOrder(true)
	db1, mock1 := backendtest.New(t)
	mock1.MatchExpectationsInOrder(true)

	ctx := context.Background()
	p, err := pool.NewMulti(map[int]*sql.DB{0: db0, 1: db1})
	require.NoError(t, err)

	// shard 0: remove the edge, tombstone the root node and its hangers-on,
	// discover the far child.
	mock0.ExpectExec("XA START").WillReturnResult(execResult(0))
	mock0.ExpectQuery("select pos from node_edge").
		WillReturnRows(sqlmock.NewRows([]string{"pos"}).AddRow(0))
	mock0.ExpectExec("update node_edge set time_removed").WillReturnResult(execResult(1))
	mock0.ExpectExec("update node_edge set pos = pos - 1").WillReturnResult(execResult(0))
	mock0.ExpectExec("update node set time_removed").WillReturnResult(execResult(1))
	mock0.ExpectExec("update property").WillReturnResult(execResult(0))
	mock0.ExpectQuery("select value, ctx from alias").
		WillReturnRows(sqlmock.NewRows([]string{"value", "ctx"}))
	mock0.ExpectExec("update alias set time_removed").WillReturnResult(execResult(0))
	mock0.ExpectQuery("select base_id, value, ctx from name").
		WillReturnRows(sqlmock.NewRows([]string{"base_id", "value", "ctx"}))
	mock0.ExpectExec("update name set time_removed").WillReturnResult(execResult(0))
	mock0.ExpectQuery("select base_id, ctx, forward, rel_id from relationship").
		WillReturnRows(sqlmock.NewRows([]string{"base_id", "ctx", "forward", "rel_id"}))
	mock0.ExpectExec("update relationship set time_removed").WillReturnResult(execResult(0))
	mock0.ExpectQuery("select child_id from node_edge").
		WillReturnRows(sqlmock.NewRows([]string{"child_id"}).AddRow(childID))
	mock0.ExpectExec("update node_edge set time_removed").WillReturnResult(execResult(1))
	mock0.ExpectExec("XA END").WillReturnResult(execResult(0))
	mock0.ExpectExec("XA PREPARE").WillReturnResult(execResult(0))
	mock0.ExpectExec("XA COMMIT").WillReturnResult(execResult(0))

	// shard 1: the far child, with no further descendants or hangers-on.
	mock1.ExpectExec("XA START").WillReturnResult(execResult(0))
	mock1.ExpectExec("update node set time_removed").WillReturnResult(execResult(1))
	mock1.ExpectExec("update property").WillReturnResult(execResult(0))
	mock1.ExpectQuery("select value, ctx from alias").
		WillReturnRows(sqlmock.NewRows([]string{"value", "ctx"}))
	mock1.ExpectExec("update alias set time_removed").WillReturnResult(execResult(0))
	mock1.ExpectQuery("select base_id, value, ctx from name").
		WillReturnRows(sqlmock.NewRows([]string{"base_id", "value", "ctx"}))
	mock1.ExpectExec("update name set time_removed").WillReturnResult(execResult(0))
	mock1.ExpectQuery("select base_id, ctx, forward, rel_id from relationship").
		WillReturnRows(sqlmock.NewRows([]string{"base_id", "ctx", "forward", "rel_id"}))
	mock1.ExpectExec("update relationship set time_removed").WillReturnResult(execResult(0))
	mock1.ExpectQuery("select child_id from node_edge").
		WillReturnRows(sqlmock.NewRows([]string{"child_id"}))
	mock1.ExpectExec("update node_edge set time_removed").WillReturnResult(execResult(0))
	mock1.ExpectExec("XA END").WillReturnResult(execResult(0))
	mock1.ExpectExec("XA PREPARE").WillReturnResult(execResult(0))
	mock1.ExpectExec("XA COMMIT").WillReturnResult(execResult(0))

	w := estate.New(p, multiShardRouter(t), testRegistry(t))
	removed, err := w.RemoveNode(ctx, baseID, rootID, 7)
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, mock0.ExpectationsWereMet())
	require.NoError(t, mock1.ExpectationsWereMet())
}

func TestRemoveEntityAlreadyGone(t *testing.T) {
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)
	mock.ExpectExec("XA START").WillReturnResult(execResult(0))
	mock.ExpectExec("update entity").WillReturnResult(execResult(0))
	mock.ExpectExec("XA END").WillReturnResult(execResult(0))
	mock.ExpectExec("XA ROLLBACK").WillReturnResult(execResult(0))

	ctx := context.Background()
	p, err := pool.NewSingle(0, db)
	require.NoError(t, err)

	w := estate.New(p, testRouter(t), testRegistry(t))
	removed, err := w.RemoveEntity(ctx, 1, 7)
	require.NoError(t, err)
	assert.False(t, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}
