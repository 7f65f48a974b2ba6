package store_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/latticedb/latticedb/internal/backend/backendtest"
	"github.com/latticedb/latticedb/internal/errs"
	"github.com/latticedb/latticedb/internal/pool"
	"github.com/latticedb/latticedb/internal/registry"
	"github.com/latticedb/latticedb/internal/shard"
	"github.com/latticedb/latticedb/internal/store"
)

func execResult(n int64) driver.Result {
	return sqlmock.NewResult(0, n)
}

// errAlreadyEnded scripts the XA END a Rollback issues against a branch that
// Prepare already ended; the coordinator ignores it and rolls back anyway.
var errAlreadyEnded = errors.New("Error 1399 (XAE07): XAER_RMFAIL")

func testRouter() *shard.Router {
	return shard.NewRouter(shard.Config{
		ShardBits:   8,
		DigestKey:   []byte("k"),
		LookupPlans: [][]shard.Entry{{{Shard: 0, Weight: 1}}},
		EntityPlan:  []shard.Entry{{Shard: 0, Weight: 1}},
	})
}

const (
	ctxEntity       = 1
	ctxProperty     = 2
	ctxName         = 3
	ctxRelationship = 4
	ctxNode         = 5
	ctxAlias        = 6
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterContext(ctxEntity, registry.ContextMeta{
		Title: "user", Table: registry.TableEntity,
	}))
	require.NoError(t, reg.RegisterFlag(ctxEntity, 1, "active"))

	base := ctxEntity
	require.NoError(t, reg.RegisterContext(ctxProperty, registry.ContextMeta{
		Title: "email", Table: registry.TableProperty, BaseCtx: &base, Storage: registry.StorageUTF8,
	}))

	require.NoError(t, reg.RegisterContext(ctxName, registry.ContextMeta{
		Title: "display_name", Table: registry.TableName, BaseCtx: &base, Search: registry.SearchPrefix,
	}))
	require.NoError(t, reg.RegisterFlag(ctxName, 1, "preferred"))

	require.NoError(t, reg.RegisterContext(ctxRelationship, registry.ContextMeta{
		Title: "friend_of", Table: registry.TableRelationship, BaseCtx: &base, RelCtx: &base,
	}))
	require.NoError(t, reg.RegisterFlag(ctxRelationship, 1, "pinned"))
	require.NoError(t, reg.RegisterContext(ctxNode, registry.ContextMeta{
		Title: "child", Table: registry.TableNode, BaseCtx: &base, Storage: registry.StorageUTF8,
	}))
	require.NoError(t, reg.RegisterContext(ctxAlias, registry.ContextMeta{
		Title: "handle", Table: registry.TableAlias, BaseCtx: &base,
	}))
	require.NoError(t, reg.RegisterFlag(ctxAlias, 1, "verified"))
	return reg
}

func setup(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := backendtest.New(t)
	mock.MatchExpectationsInOrder(true)

	p, err := pool.NewSingle(0, db)
	require.NoError(t, err)
	s := store.New(p, testRouter(), testRegistry(t))
	return s, mock
}

func TestCreateEntity(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectExec("update id_sequence").WillReturnResult(execResult(1))
	mock.ExpectQuery("select @next").WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(int64(1)))
	mock.ExpectExec("insert into entity").WillReturnResult(execResult(1))

	ent, err := s.CreateEntity(context.Background(), ctxEntity, []int{1})
	require.NoError(t, err)
	assert.NotNil(t, ent)
	assert.Equal(t, ctxEntity, ent.Ctx)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntity(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectQuery("select flags from entity").
		WillReturnRows(sqlmock.NewRows([]string{"flags"}).AddRow(uint16(1)))

	ent, err := s.GetEntity(context.Background(), 1, ctxEntity)
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.EqualValues(t, 1, ent.Flags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPropertyInsertsWhenUpdateMatchesNothing(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectExec("update property").WillReturnResult(execResult(0))
	mock.ExpectExec("insert into property").WillReturnResult(execResult(1))

	inserted, updated, err := s.SetProperty(context.Background(), 1, ctxProperty, "a@example.com", nil)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.False(t, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestSetNameAnchorsOnLookupThenPrimary exercises the paired write: the 2PC
// anchors at the shard the prefix_lookup row routes to, and the primary name
// row is inserted on baseID's shard through the elsewhere scope.
func TestSetNameAnchorsOnLookupThenPrimary(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectExec("XA START").WillReturnResult(execResult(0))
	mock.ExpectExec("insert into prefix_lookup").WillReturnResult(execResult(1))
	mock.ExpectExec("XA END").WillReturnResult(execResult(0))
	mock.ExpectExec("XA PREPARE").WillReturnResult(execResult(0))
	mock.ExpectExec("insert into name").WillReturnResult(execResult(1))
	mock.ExpectExec("XA COMMIT").WillReturnResult(execResult(0))

	ok, err := s.SetName(context.Background(), 1, ctxName, "alice", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestSetNameParentGoneRollsBackLookup: the primary insert finding no live
// parent must roll the prepared lookup-row insert back.
func TestSetNameParentGoneRollsBackLookup(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectExec("XA START").WillReturnResult(execResult(0))
	mock.ExpectExec("insert into prefix_lookup").WillReturnResult(execResult(1))
	mock.ExpectExec("XA END").WillReturnResult(execResult(0))
	mock.ExpectExec("XA PREPARE").WillReturnResult(execResult(0))
	mock.ExpectExec("insert into name").WillReturnResult(execResult(0))
	mock.ExpectExec("XA END").WillReturnError(errAlreadyEnded)
	mock.ExpectExec("XA ROLLBACK").WillReturnResult(execResult(0))

	_, err := s.SetName(context.Background(), 1, ctxName, "alice", nil, nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchByPrefix(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectQuery("select base_id, value, flags").
		WillReturnRows(sqlmock.NewRows([]string{"base_id", "value", "flags"}).AddRow(int64(1), "alice", uint16(0)))

	names, err := s.Search(context.Background(), ctxName, "ali", 10)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "alice", names[0].Value)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestInFlightCancellationSurfacesTimeout: a deadline firing while a query
// is already executing must come back as the public timeout error, not the
// driver's raw context error.
func TestInFlightCancellationSurfacesTimeout(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectQuery("select flags from entity").WillReturnError(context.DeadlineExceeded)

	_, err := s.GetEntity(context.Background(), 1, ctxEntity)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTimeout)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestShiftAlias(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectQuery("select count.*from alias").
		WillReturnRows(sqlmock.NewRows([]string{"maxpos"}).AddRow(1))
	mock.ExpectQuery("select pos from alias").
		WillReturnRows(sqlmock.NewRows([]string{"pos"}).AddRow(1))
	mock.ExpectExec("update alias set pos = pos \\+ 1").
		WillReturnResult(execResult(1))
	mock.ExpectExec("update alias set pos = \\?").
		WillReturnResult(execResult(1))

	ok, err := s.ShiftAlias(context.Background(), 1, ctxAlias, "alice", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestShiftName(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectQuery("select count.*from name").
		WillReturnRows(sqlmock.NewRows([]string{"maxpos"}).AddRow(2))
	mock.ExpectQuery("select pos from name").
		WillReturnRows(sqlmock.NewRows([]string{"pos"}).AddRow(0))
	mock.ExpectExec("update name set pos = pos - 1").
		WillReturnResult(execResult(1))
	mock.ExpectExec("update name set pos = \\?").
		WillReturnResult(execResult(1))

	ok, err := s.ShiftName(context.Background(), 1, ctxName, "alice", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestShiftNodeMovesChildToFront: shifting the tail child of [a,b,c] to
// index 0 yields [c,a,b], with the other children's relative order kept.
func TestShiftNodeMovesChildToFront(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectQuery("select count.*from node_edge").
		WillReturnRows(sqlmock.NewRows([]string{"maxpos"}).AddRow(2))
	mock.ExpectQuery("select pos from node_edge").
		WillReturnRows(sqlmock.NewRows([]string{"pos"}).AddRow(2))
	mock.ExpectExec("update node_edge set pos = pos \\+ 1").
		WillReturnResult(execResult(2))
	mock.ExpectExec("update node_edge set pos = \\?").
		WillReturnResult(execResult(1))

	ok, err := s.ShiftNode(context.Background(), 1, 10, ctxNode, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRelationshipFound(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectQuery("select rel_id, pos, flags").
		WillReturnRows(sqlmock.NewRows([]string{"rel_id", "pos", "flags"}).AddRow(int64(2), 0, uint16(0)))

	rel, err := s.GetRelationship(context.Background(), 1, 2, ctxRelationship, true)
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Equal(t, int64(2), rel.RelID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveRelationshipTombstonesBothDirections(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectQuery("select pos from relationship").
		WillReturnRows(sqlmock.NewRows([]string{"pos"}).AddRow(0))
	mock.ExpectExec("update relationship set time_removed").
		WillReturnResult(execResult(1))
	mock.ExpectExec("update relationship set pos = pos - 1").
		WillReturnResult(execResult(0))
	mock.ExpectQuery("select pos from relationship").
		WillReturnRows(sqlmock.NewRows([]string{"pos"}).AddRow(0))
	mock.ExpectExec("update relationship set time_removed").
		WillReturnResult(execResult(1))
	mock.ExpectExec("update relationship set pos = pos - 1").
		WillReturnResult(execResult(0))

	removed, err := s.RemoveRelationship(context.Background(), 1, 2, ctxRelationship)
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMoveSameShardIsOneLocalTransaction(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select pos from node_edge").
		WillReturnRows(sqlmock.NewRows([]string{"pos"}).AddRow(0))
	mock.ExpectExec("update node_edge set time_removed").WillReturnResult(execResult(1))
	mock.ExpectExec("update node_edge set pos = pos - 1").WillReturnResult(execResult(0))
	mock.ExpectExec("insert into node_edge").WillReturnResult(execResult(1))
	mock.ExpectCommit()

	moved, err := s.Move(context.Background(), 1, 2, 10, ctxNode)
	require.NoError(t, err)
	assert.True(t, moved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func multiShardRouter() *shard.Router {
	return shard.NewRouter(shard.Config{
		ShardBits: 8,
		DigestKey: []byte("k"),
		LookupPlans: [][]shard.Entry{{
			{Shard: 0, Weight: 1}, {Shard: 1, Weight: 1},
		}},
		EntityPlan: []shard.Entry{{Shard: 0, Weight: 1}, {Shard: 1, Weight: 1}},
	})
}

func multiShardSetup(t *testing.T) (*store.Store, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()
	db0, mock0 := backendtest.New(t)
	mock0.MatchExpectationsInOrder(true)
	db1, mock1 := backendtest.New(t)
	mock1.MatchExpectationsInOrder(true)

	p, err := pool.NewMulti(map[int]*sql.DB{0: db0, 1: db1})
	require.NoError(t, err)
	s := store.New(p, multiShardRouter(), testRegistry(t))
	return s, mock0, mock1
}

// TestMoveCrossShard exercises the 2PC re-parent: baseID's edge is removed
// via a coordinator anchored at baseID's (shard 0), then the new edge is
// inserted on newBaseID's shard (shard 1) through the coordinator's
// elsewhere scope between Prepare and Commit.
func TestMoveCrossShard(t *testing.T) {
	s, mock0, mock1 := multiShardSetup(t)

	const baseID = int64(1)
	const newBaseID = int64(1) << 56
	const childID = int64(10)

	mock0.ExpectExec("XA START").WillReturnResult(execResult(0))
	mock0.ExpectQuery("select pos from node_edge").
		WillReturnRows(sqlmock.NewRows([]string{"pos"}).AddRow(0))
	mock0.ExpectExec("update node_edge set time_removed").WillReturnResult(execResult(1))
	mock0.ExpectExec("update node_edge set pos = pos - 1").WillReturnResult(execResult(0))
	mock0.ExpectExec("XA END").WillReturnResult(execResult(0))
	mock0.ExpectExec("XA PREPARE").WillReturnResult(execResult(0))
	mock0.ExpectExec("XA COMMIT").WillReturnResult(execResult(0))

	mock1.ExpectExec("insert into node_edge").WillReturnResult(execResult(1))

	moved, err := s.Move(context.Background(), baseID, newBaseID, childID, ctxNode)
	require.NoError(t, err)
	assert.True(t, moved)
	require.NoError(t, mock0.ExpectationsWereMet())
	require.NoError(t, mock1.ExpectationsWereMet())
}

func TestAddAliasFlagsAnchorsOnLookupThenPrimary(t *testing.T) {
	s, mock := setup(t)

	const baseID = int64(1)

	mock.ExpectQuery("select base_id, flags").
		WillReturnRows(sqlmock.NewRows([]string{"base_id", "flags"}).AddRow(baseID, uint16(0)))
	mock.ExpectExec("XA START").WillReturnResult(execResult(0))
	mock.ExpectExec("update alias_lookup").WillReturnResult(execResult(1))
	mock.ExpectQuery("select base_id, flags").
		WillReturnRows(sqlmock.NewRows([]string{"base_id", "flags"}).AddRow(baseID, uint16(1)))
	mock.ExpectExec("XA END").WillReturnResult(execResult(0))
	mock.ExpectExec("XA PREPARE").WillReturnResult(execResult(0))
	mock.ExpectExec(`update alias\b`).WillReturnResult(execResult(1))
	mock.ExpectQuery("select value, pos, flags").
		WillReturnRows(sqlmock.NewRows([]string{"value", "pos", "flags"}).AddRow("alice", 0, uint16(1)))
	mock.ExpectExec("XA COMMIT").WillReturnResult(execResult(0))

	changed, err := s.AddAliasFlags(context.Background(), baseID, ctxAlias, "alice", []int{1})
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProperty(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectExec("update property").WillReturnResult(execResult(1))

	updated, err := s.UpdateProperty(context.Background(), 1, ctxProperty, "b@example.com")
	require.NoError(t, err)
	assert.True(t, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddNameFlagsAnchorsOnLookupThenPrimary(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectQuery("select flags from prefix_lookup").
		WillReturnRows(sqlmock.NewRows([]string{"flags"}).AddRow(uint16(0)))
	mock.ExpectExec("XA START").WillReturnResult(execResult(0))
	mock.ExpectExec("update prefix_lookup").WillReturnResult(execResult(1))
	mock.ExpectQuery("select flags from prefix_lookup").
		WillReturnRows(sqlmock.NewRows([]string{"flags"}).AddRow(uint16(1)))
	mock.ExpectExec("XA END").WillReturnResult(execResult(0))
	mock.ExpectExec("XA PREPARE").WillReturnResult(execResult(0))
	mock.ExpectExec(`update name\b`).WillReturnResult(execResult(1))
	mock.ExpectQuery("select value, pos, flags").
		WillReturnRows(sqlmock.NewRows([]string{"value", "pos", "flags"}).AddRow("alice", 0, uint16(1)))
	mock.ExpectExec("XA COMMIT").WillReturnResult(execResult(0))

	changed, err := s.AddNameFlags(context.Background(), 1, ctxName, "alice", []int{1})
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveNameRemovesLookupThenPrimary(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectQuery("select flags from prefix_lookup").
		WillReturnRows(sqlmock.NewRows([]string{"flags"}).AddRow(uint16(0)))
	mock.ExpectExec("XA START").WillReturnResult(execResult(0))
	mock.ExpectExec("update prefix_lookup\\s+set time_removed").WillReturnResult(execResult(1))
	mock.ExpectExec("XA END").WillReturnResult(execResult(0))
	mock.ExpectExec("XA PREPARE").WillReturnResult(execResult(0))
	mock.ExpectQuery("select pos from name").
		WillReturnRows(sqlmock.NewRows([]string{"pos"}).AddRow(0))
	mock.ExpectExec("update name set time_removed").WillReturnResult(execResult(1))
	mock.ExpectExec("update name set pos = pos - 1").WillReturnResult(execResult(0))
	mock.ExpectExec("XA COMMIT").WillReturnResult(execResult(0))

	removed, err := s.RemoveName(context.Background(), 1, ctxName, "alice")
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestRemoveNameWithoutLookupFallsBackToPrimary: a name whose lookup row is
// gone under every plan is still tombstoned locally.
func TestRemoveNameWithoutLookupFallsBackToPrimary(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectQuery("select flags from prefix_lookup").
		WillReturnRows(sqlmock.NewRows([]string{"flags"}))
	mock.ExpectQuery("select pos from name").
		WillReturnRows(sqlmock.NewRows([]string{"pos"}).AddRow(1))
	mock.ExpectExec("update name set time_removed").WillReturnResult(execResult(1))
	mock.ExpectExec("update name set pos = pos - 1").WillReturnResult(execResult(0))

	removed, err := s.RemoveName(context.Background(), 1, ctxName, "alice")
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddRelationshipFlagsAppliesBothDirections(t *testing.T) {
	s, mock := setup(t)

	mock.ExpectExec(`update relationship\b`).WillReturnResult(execResult(1))
	mock.ExpectExec(`update relationship\b`).WillReturnResult(execResult(1))

	changed, err := s.AddRelationshipFlags(context.Background(), 1, 2, ctxRelationship, []int{1})
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, mock.ExpectationsWereMet())
}

