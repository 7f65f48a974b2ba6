// Package store implements the public record operations (component C7):
// Entity, Node, Property, Alias, Name and Relationship verbs that compose
// context validation (registry), shard routing (shard), the backend query
// layer, the connection pool and, where a write touches more than one row
// group, the two-phase commit coordinator or the estate walker.
package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/latticedb/latticedb/internal/backend"
	"github.com/latticedb/latticedb/internal/errs"
	"github.com/latticedb/latticedb/internal/estate"
	"github.com/latticedb/latticedb/internal/phonetic"
	"github.com/latticedb/latticedb/internal/pool"
	"github.com/latticedb/latticedb/internal/registry"
	"github.com/latticedb/latticedb/internal/shard"
	"github.com/latticedb/latticedb/internal/telemetry"
	"github.com/latticedb/latticedb/internal/txn"
)

// Store is the facade every public record operation hangs off.
type Store struct {
	pool     *pool.Pool
	router   *shard.Router
	registry *registry.Registry
	walker   *estate.Walker
	tel      *telemetry.Telemetry
}

// New builds a Store from its collaborators. p is expected to already be
// started (Pool.Start) by the caller.
func New(p *pool.Pool, r *shard.Router, reg *registry.Registry) *Store {
	return &Store{pool: p, router: r, registry: reg, walker: estate.New(p, r, reg)}
}

// WithTelemetry attaches t to the store's pool and estate walker so
// acquisition waits, 2PC phases and cascading-removal fan-out are all
// recorded, returning s for chaining onto New's result.
func (s *Store) WithTelemetry(t *telemetry.Telemetry) *Store {
	s.pool.SetTelemetry(t)
	s.walker.WithTelemetry(t)
	s.tel = t
	return s
}

func (s *Store) requireWritable() error {
	if s.pool.ReadOnly() {
		return errs.ErrReadOnly
	}
	return nil
}

func (s *Store) tableFor(ctx int, want registry.Table) (registry.ContextMeta, error) {
	meta, ok := s.registry.Context(ctx)
	if !ok || meta.Table != want {
		return registry.ContextMeta{}, errs.BadContext(ctx)
	}
	return meta, nil
}

// ---- Entity --------------------------------------------------------------

// CreateEntity inserts a new entity in entCtx with the given flags, routing
// it to a shard via the entity insertion plan.
func (s *Store) CreateEntity(ctx context.Context, entCtx int, flagBits []int) (*backend.Entity, error) {
	if err := s.requireWritable(); err != nil {
		return nil, err
	}
	if _, err := s.tableFor(entCtx, registry.TableEntity); err != nil {
		return nil, err
	}
	flags, err := s.registry.FlagsToInt(entCtx, flagBits)
	if err != nil {
		return nil, err
	}

	shardNum := s.router.ShardForEntityWrite()
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(shardNum, conn)

	id, err := backend.NextID(ctx, conn, s.router.ShardBits(), shardNum)
	if err != nil {
		return nil, err
	}
	if err := backend.InsertEntity(ctx, conn, id, entCtx, flags); err != nil {
		return nil, err
	}
	return &backend.Entity{ID: id, Ctx: entCtx, Flags: flags}, nil
}

// GetEntity fetches the live entity at (id, entCtx).
func (s *Store) GetEntity(ctx context.Context, id int64, entCtx int) (*backend.Entity, error) {
	if _, err := s.tableFor(entCtx, registry.TableEntity); err != nil {
		return nil, err
	}
	shardNum := s.router.ShardOfID(id)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.GetEntity(ctx, conn, id, entCtx)
}

// AddEntityFlags ORs bits into an entity's flags.
func (s *Store) AddEntityFlags(ctx context.Context, id int64, entCtx int, flagBits []int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	bits, err := s.registry.FlagsToInt(entCtx, flagBits)
	if err != nil {
		return false, err
	}
	shardNum := s.router.ShardOfID(id)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.AddFlags(ctx, conn, "entity", bits, "id = ? and ctx = ?", id, entCtx)
}

// ClearEntityFlags ANDs the complement of bits into an entity's flags.
func (s *Store) ClearEntityFlags(ctx context.Context, id int64, entCtx int, flagBits []int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	bits, err := s.registry.FlagsToInt(entCtx, flagBits)
	if err != nil {
		return false, err
	}
	shardNum := s.router.ShardOfID(id)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.ClearFlags(ctx, conn, "entity", bits, "id = ? and ctx = ?", id, entCtx)
}

// RemoveEntity cascades removal through the estate walker.
func (s *Store) RemoveEntity(ctx context.Context, id int64, entCtx int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	if _, err := s.tableFor(entCtx, registry.TableEntity); err != nil {
		return false, err
	}
	return s.walker.RemoveEntity(ctx, id, entCtx)
}

// ---- Property -------------------------------------------------------------

// GetProperty returns the live property hung off baseID in propCtx.
func (s *Store) GetProperty(ctx context.Context, baseID int64, propCtx int) (found bool, val registry.Value, flags uint16, err error) {
	meta, terr := s.tableFor(propCtx, registry.TableProperty)
	if terr != nil {
		return false, registry.Value{}, 0, terr
	}
	shardNum := s.router.ShardOfID(baseID)
	conn, aerr := s.pool.Acquire(ctx, shardNum)
	if aerr != nil {
		return false, registry.Value{}, 0, aerr
	}
	defer s.pool.Release(shardNum, conn)

	return backend.SelectProperty(ctx, conn, baseID, propCtx, meta.Storage)
}

// SetProperty upserts a property, falling back to a plain update on a
// duplicate-key race per the design's UpsertProperty contract.
func (s *Store) SetProperty(ctx context.Context, baseID int64, propCtx int, v any, flagBits []int) (inserted, updated bool, err error) {
	if err := s.requireWritable(); err != nil {
		return false, false, err
	}
	meta, terr := s.tableFor(propCtx, registry.TableProperty)
	if terr != nil {
		return false, false, terr
	}
	if meta.BaseCtx == nil {
		return false, false, errs.BadContext(propCtx)
	}
	baseTable, ok := s.registry.BaseTable(propCtx)
	if !ok {
		return false, false, errs.ErrMissingParent
	}
	flags, ferr := s.registry.FlagsToInt(propCtx, flagBits)
	if ferr != nil {
		return false, false, ferr
	}
	val, werr := s.registry.Wrap(propCtx, v)
	if werr != nil {
		return false, false, werr
	}

	shardNum := s.router.ShardOfID(baseID)
	conn, aerr := s.pool.Acquire(ctx, shardNum)
	if aerr != nil {
		return false, false, aerr
	}
	defer s.pool.Release(shardNum, conn)

	inserted, updated, err = backend.UpsertProperty(ctx, conn, baseTable.String(), baseID, propCtx, meta.Storage, val, flags)
	if err != nil && backend.IsIntegrityViolation(err) {
		updated, err = backend.UpdateProperty(ctx, conn, baseID, propCtx, meta.Storage, val)
		return false, updated, err
	}
	return inserted, updated, err
}

// UpdateProperty replaces the value of an existing live property, without
// SetProperty's insert-if-absent half. Returns false if no live row matched.
func (s *Store) UpdateProperty(ctx context.Context, baseID int64, propCtx int, v any) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	meta, terr := s.tableFor(propCtx, registry.TableProperty)
	if terr != nil {
		return false, terr
	}
	val, werr := s.registry.Wrap(propCtx, v)
	if werr != nil {
		return false, werr
	}

	shardNum := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.UpdateProperty(ctx, conn, baseID, propCtx, meta.Storage, val)
}

// IncrementProperty adds by to a numeric property, clamping at limit if set.
func (s *Store) IncrementProperty(ctx context.Context, baseID int64, propCtx int, by int64, hasLimit bool, limit int64) (int64, bool, error) {
	if err := s.requireWritable(); err != nil {
		return 0, false, err
	}
	if _, err := s.tableFor(propCtx, registry.TableProperty); err != nil {
		return 0, false, err
	}
	shardNum := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return 0, false, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.IncrementProperty(ctx, conn, baseID, propCtx, by, hasLimit, limit)
}

// RemoveProperty tombstones a property.
func (s *Store) RemoveProperty(ctx context.Context, baseID int64, propCtx int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	meta, terr := s.tableFor(propCtx, registry.TableProperty)
	if terr != nil {
		return false, terr
	}
	shardNum := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.RemoveProperty(ctx, conn, baseID, propCtx, meta.Storage, false, registry.Value{})
}

// ---- Alias ------------------------------------------------------------

// SetAlias assigns value as a new alias of baseID in aliasCtx, enforcing
// global uniqueness via a 2PC write to the alias insertion shard followed by
// an elsewhere-scoped insert of the alias row itself on baseID's shard.
func (s *Store) SetAlias(ctx context.Context, baseID int64, aliasCtx int, value string, flagBits []int, index *int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	if _, err := s.tableFor(aliasCtx, registry.TableAlias); err != nil {
		return false, err
	}
	baseTable, ok := s.registry.BaseTable(aliasCtx)
	if !ok {
		return false, errs.ErrMissingParent
	}
	flags, ferr := s.registry.FlagsToInt(aliasCtx, flagBits)
	if ferr != nil {
		return false, ferr
	}

	digest := s.router.Digest(value)
	insertShard := s.router.ShardForAliasWrite(digest)

	for _, sh := range s.router.ShardsForAliasRead(digest) {
		if sh == insertShard {
			continue
		}
		found, owner, _, err := s.withConn(ctx, sh, func(conn *pool.Conn) (bool, int64, uint16, error) {
			return backend.SelectAliasLookup(ctx, conn, digest, aliasCtx)
		})
		if err != nil {
			return false, err
		}
		if found {
			if owner == baseID {
				return false, nil
			}
			return false, errs.AliasInUse(value, aliasCtx)
		}
	}

	coord := txn.New(s.pool, insertShard, "set_alias", baseID, aliasCtx, digest).WithTelemetry(s.tel)
	conn, err := coord.Begin(ctx)
	if err != nil {
		return false, err
	}

	inserted, owner, err := backend.MaybeInsertAliasLookup(ctx, conn, digest, aliasCtx, baseID, flags)
	if err != nil {
		_ = coord.Rollback(ctx)
		return false, err
	}
	if !inserted {
		coord.Fail()
		if perr := coord.Prepare(ctx); perr != nil {
			return false, perr
		}
		if owner == baseID {
			return false, nil
		}
		return false, errs.AliasInUse(value, aliasCtx)
	}

	if err := coord.Prepare(ctx); err != nil {
		return false, err
	}

	var insertErr error
	elsewhereErr := coord.Elsewhere(ctx, s.pool, s.router.ShardOfID(baseID), func(c *pool.Conn) error {
		ok, err := backend.InsertAlias(ctx, c, baseTable.String(), baseID, aliasCtx, value, index, flags)
		if err != nil {
			insertErr = err
			return err
		}
		if !ok {
			insertErr = errs.NoObject(baseTable.String(), aliasCtx, baseID)
			return insertErr
		}
		return nil
	})
	if elsewhereErr != nil {
		_ = coord.Rollback(ctx)
		if insertErr != nil {
			return false, insertErr
		}
		return false, elsewhereErr
	}

	return true, coord.Commit(ctx)
}

// GetAliases lists the live aliases hung off baseID in aliasCtx.
func (s *Store) GetAliases(ctx context.Context, baseID int64, aliasCtx int) ([]backend.Alias, error) {
	if _, err := s.tableFor(aliasCtx, registry.TableAlias); err != nil {
		return nil, err
	}
	shardNum := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.SelectAliases(ctx, conn, baseID, aliasCtx)
}

// LookupAlias finds the owning base id of value in aliasCtx, searching every
// lookup-plan shard newest-first per shard.Router.ShardsForAliasRead.
func (s *Store) LookupAlias(ctx context.Context, aliasCtx int, value string) (found bool, baseID int64, err error) {
	if _, err := s.tableFor(aliasCtx, registry.TableAlias); err != nil {
		return false, 0, err
	}
	digest := s.router.Digest(value)
	for _, sh := range s.router.ShardsForAliasRead(digest) {
		conn, err := s.pool.Acquire(ctx, sh)
		if err != nil {
			return false, 0, err
		}
		f, owner, _, serr := backend.SelectAliasLookup(ctx, conn, digest, aliasCtx)
		s.pool.Release(sh, conn)
		if serr != nil {
			return false, 0, serr
		}
		if f {
			return true, owner, nil
		}
	}
	return false, 0, nil
}

// ShiftAlias relocates the alias identified by value to newPos within
// baseID's aliasCtx list, clamping to the last valid index.
func (s *Store) ShiftAlias(ctx context.Context, baseID int64, aliasCtx int, value string, newPos int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	if _, err := s.tableFor(aliasCtx, registry.TableAlias); err != nil {
		return false, err
	}
	shardNum := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.ShiftAlias(ctx, conn, baseID, aliasCtx, value, newPos)
}

// flagApplier is the shape shared by backend.AddFlags and backend.ClearFlags,
// so AddAliasFlags/ClearAliasFlags and AddRelationshipFlags/ClearRelationshipFlags
// can share one multi-shard driving function per record kind.
type flagApplier func(ctx context.Context, q backend.Queryer, table string, bits uint16, where string, args ...any) (bool, error)

// AddAliasFlags ORs bits into the alias identified by value, via the C8
// anchor-on-lookup-then-primary protocol: the 2PC anchors at value's lookup
// shard, applies the flag change to alias_lookup there, prepares, then
// applies the identical change to the primary alias row on baseID's shard —
// committing only if the two rows' resulting flags agree.
func (s *Store) AddAliasFlags(ctx context.Context, baseID int64, aliasCtx int, value string, flagBits []int) (bool, error) {
	return s.changeAliasFlags(ctx, baseID, aliasCtx, value, flagBits, backend.AddFlags)
}

// ClearAliasFlags ANDs the complement of bits into the alias identified by
// value, with the same anchor-on-lookup-then-primary protocol as AddAliasFlags.
func (s *Store) ClearAliasFlags(ctx context.Context, baseID int64, aliasCtx int, value string, flagBits []int) (bool, error) {
	return s.changeAliasFlags(ctx, baseID, aliasCtx, value, flagBits, backend.ClearFlags)
}

func (s *Store) changeAliasFlags(ctx context.Context, baseID int64, aliasCtx int, value string, flagBits []int, apply flagApplier) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	if _, err := s.tableFor(aliasCtx, registry.TableAlias); err != nil {
		return false, err
	}
	bits, err := s.registry.FlagsToInt(aliasCtx, flagBits)
	if err != nil {
		return false, err
	}

	digest := s.router.Digest(value)
	var lookupShard int
	var found bool
	for _, sh := range s.router.ShardsForAliasRead(digest) {
		f, owner, _, err := s.withConn(ctx, sh, func(conn *pool.Conn) (bool, int64, uint16, error) {
			return backend.SelectAliasLookup(ctx, conn, digest, aliasCtx)
		})
		if err != nil {
			return false, err
		}
		if f && owner == baseID {
			lookupShard, found = sh, true
			break
		}
	}
	if !found {
		return false, nil
	}

	coord := txn.New(s.pool, lookupShard, "alias_flags", baseID, aliasCtx, digest).WithTelemetry(s.tel)
	conn, err := coord.Begin(ctx)
	if err != nil {
		return false, err
	}

	lookupChanged, err := apply(ctx, conn, "alias_lookup", bits, "hash = ? and ctx = ? and base_id = ?", digest, aliasCtx, baseID)
	if err != nil {
		_ = coord.Rollback(ctx)
		return false, err
	}
	if !lookupChanged {
		coord.Fail()
		if err := coord.Prepare(ctx); err != nil {
			return false, err
		}
		return false, nil
	}
	_, _, lookupFlags, err := backend.SelectAliasLookup(ctx, conn, digest, aliasCtx)
	if err != nil {
		coord.Fail()
		_ = coord.Prepare(ctx)
		return false, err
	}

	if err := coord.Prepare(ctx); err != nil {
		return false, err
	}

	var primaryFlags uint16
	var primaryFound bool
	var applyErr error
	elsewhereErr := coord.Elsewhere(ctx, s.pool, s.router.ShardOfID(baseID), func(c *pool.Conn) error {
		changed, err := apply(ctx, c, "alias", bits, "base_id = ? and ctx = ? and value = ?", baseID, aliasCtx, value)
		if err != nil {
			applyErr = err
			return err
		}
		if !changed {
			applyErr = errs.NoObject("alias", aliasCtx, baseID)
			return applyErr
		}
		rows, err := backend.SelectAliases(ctx, c, baseID, aliasCtx)
		if err != nil {
			applyErr = err
			return err
		}
		for _, a := range rows {
			if a.Value == value {
				primaryFlags = a.Flags
				primaryFound = true
				break
			}
		}
		if !primaryFound {
			applyErr = errs.NoObject("alias", aliasCtx, baseID)
			return applyErr
		}
		return nil
	})
	if elsewhereErr != nil {
		_ = coord.Rollback(ctx)
		if applyErr != nil {
			return false, applyErr
		}
		return false, elsewhereErr
	}

	if primaryFlags != lookupFlags {
		_ = coord.Rollback(ctx)
		return false, fmt.Errorf("store: alias flag change diverged between lookup (%d) and primary (%d)", lookupFlags, primaryFlags)
	}

	return true, coord.Commit(ctx)
}

// RemoveAlias tombstones an alias row and its lookup-table entry.
func (s *Store) RemoveAlias(ctx context.Context, baseID int64, aliasCtx int, value string) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	if _, err := s.tableFor(aliasCtx, registry.TableAlias); err != nil {
		return false, err
	}

	shardNum := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return false, err
	}
	removed, rerr := backend.RemoveAlias(ctx, conn, baseID, aliasCtx, value)
	s.pool.Release(shardNum, conn)
	if rerr != nil {
		return false, rerr
	}
	if !removed {
		return false, nil
	}

	digest := s.router.Digest(value)
	lookupShard := s.router.ShardForAliasWrite(digest)
	lconn, err := s.pool.Acquire(ctx, lookupShard)
	if err != nil {
		return true, err
	}
	defer s.pool.Release(lookupShard, lconn)
	_, err = backend.RemoveAliasLookup(ctx, lconn, digest, aliasCtx, baseID)
	return true, err
}

// ---- Relationship -----------------------------------------------------

// CreateRelationship inserts both directions of a relationship between
// baseID and relID.
func (s *Store) CreateRelationship(ctx context.Context, baseID, relID int64, relCtx int, flagBits []int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	if _, err := s.tableFor(relCtx, registry.TableRelationship); err != nil {
		return false, err
	}
	baseTable, ok := s.registry.BaseTable(relCtx)
	if !ok {
		return false, errs.ErrMissingParent
	}
	relTable, ok := s.registry.RelTable(relCtx)
	if !ok {
		return false, errs.ErrMissingParent
	}
	flags, ferr := s.registry.FlagsToInt(relCtx, flagBits)
	if ferr != nil {
		return false, ferr
	}

	shardNum := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.InsertRelationship(ctx, conn, baseTable.String(), relTable.String(), baseID, relID, relCtx, flags)
}

// ListRelationships pages the live relationships of id in relCtx, in the
// given direction, starting at startPos and capped at limit rows (limit <= 0
// for unbounded).
func (s *Store) ListRelationships(ctx context.Context, id int64, relCtx int, forward bool, startPos, limit int) ([]backend.Relationship, error) {
	if _, err := s.tableFor(relCtx, registry.TableRelationship); err != nil {
		return nil, err
	}
	shardNum := s.router.ShardOfID(id)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.SelectRelationships(ctx, conn, id, relCtx, forward, startPos, 0, false, limit)
}

// GetRelationship reports whether a live relationship exists between baseID
// and relID in relCtx (in the given direction), returning its row if so.
func (s *Store) GetRelationship(ctx context.Context, baseID, relID int64, relCtx int, forward bool) (*backend.Relationship, error) {
	if _, err := s.tableFor(relCtx, registry.TableRelationship); err != nil {
		return nil, err
	}
	shardNum := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(shardNum, conn)

	rows, err := backend.SelectRelationships(ctx, conn, baseID, relCtx, forward, 0, relID, true, 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// AddRelationshipFlags ORs bits into both directions of a relationship's
// flags — the forward row (base_id=baseID) on baseID's shard and the
// reverse row (base_id=relID) on relID's shard — keeping the two sides'
// flag sets in agreement, per-endpoint the same way RemoveRelationship is.
func (s *Store) AddRelationshipFlags(ctx context.Context, baseID, relID int64, relCtx int, flagBits []int) (bool, error) {
	return s.changeRelationshipFlags(ctx, baseID, relID, relCtx, flagBits, backend.AddFlags)
}

// ClearRelationshipFlags ANDs the complement of bits into both directions of
// a relationship's flags, with the same per-endpoint shape as
// AddRelationshipFlags.
func (s *Store) ClearRelationshipFlags(ctx context.Context, baseID, relID int64, relCtx int, flagBits []int) (bool, error) {
	return s.changeRelationshipFlags(ctx, baseID, relID, relCtx, flagBits, backend.ClearFlags)
}

func (s *Store) changeRelationshipFlags(ctx context.Context, baseID, relID int64, relCtx int, flagBits []int, apply flagApplier) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	if _, err := s.tableFor(relCtx, registry.TableRelationship); err != nil {
		return false, err
	}
	bits, err := s.registry.FlagsToInt(relCtx, flagBits)
	if err != nil {
		return false, err
	}

	baseShard := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, baseShard)
	if err != nil {
		return false, err
	}
	changed, err := apply(ctx, conn, "relationship", bits, "base_id = ? and rel_id = ? and ctx = ? and forward = ?", baseID, relID, relCtx, true)
	s.pool.Release(baseShard, conn)
	if err != nil || !changed {
		return false, err
	}

	relShard := s.router.ShardOfID(relID)
	rconn, err := s.pool.Acquire(ctx, relShard)
	if err != nil {
		return changed, err
	}
	defer s.pool.Release(relShard, rconn)
	changedReverse, err := apply(ctx, rconn, "relationship", bits, "base_id = ? and rel_id = ? and ctx = ? and forward = ?", relID, baseID, relCtx, false)
	return changed || changedReverse, err
}

// RemoveRelationship tombstones both directions of a relationship, one
// statement per endpoint's shard — the forward row (base_id=baseID) on
// baseID's shard, the reverse row (base_id=relID) on relID's shard.
func (s *Store) RemoveRelationship(ctx context.Context, baseID, relID int64, relCtx int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	if _, err := s.tableFor(relCtx, registry.TableRelationship); err != nil {
		return false, err
	}

	baseShard := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, baseShard)
	if err != nil {
		return false, err
	}
	removed, rerr := backend.RemoveRelationship(ctx, conn, baseID, relID, relCtx, true)
	s.pool.Release(baseShard, conn)
	if rerr != nil {
		return false, rerr
	}

	relShard := s.router.ShardOfID(relID)
	rconn, err := s.pool.Acquire(ctx, relShard)
	if err != nil {
		return removed, err
	}
	defer s.pool.Release(relShard, rconn)
	removedReverse, err := backend.RemoveRelationship(ctx, rconn, relID, baseID, relCtx, false)
	return removed || removedReverse, err
}

// ---- Node ---------------------------------------------------------------

// CreateNode inserts a new node at id's shard (picked the same way as a new
// entity, since nodes are not constrained to live near their parent) and
// links it as a child of baseID — at index when non-nil, appended otherwise.
// When the edge insert's liveness gate fails it returns an error; the node
// row inserted before the edge is left in place.
func (s *Store) CreateNode(ctx context.Context, baseID int64, edgeCtx int, v any, flagBits []int, index *int) (*backend.Node, error) {
	if err := s.requireWritable(); err != nil {
		return nil, err
	}
	meta, err := s.tableFor(edgeCtx, registry.TableNode)
	if err != nil {
		return nil, err
	}
	if meta.BaseCtx == nil {
		return nil, errs.BadContext(edgeCtx)
	}
	baseTable, ok := s.registry.BaseTable(edgeCtx)
	if !ok {
		return nil, errs.ErrMissingParent
	}
	flags, err := s.registry.FlagsToInt(edgeCtx, flagBits)
	if err != nil {
		return nil, err
	}
	val, err := s.registry.Wrap(edgeCtx, v)
	if err != nil {
		return nil, err
	}

	shardNum := s.router.ShardForEntityWrite()
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(shardNum, conn)

	id, err := backend.NextID(ctx, conn, s.router.ShardBits(), shardNum)
	if err != nil {
		return nil, err
	}
	if err := backend.InsertNode(ctx, conn, id, edgeCtx, meta.Storage, val, flags); err != nil {
		return nil, err
	}

	baseShard := s.router.ShardOfID(baseID)
	if baseShard == shardNum {
		if err := backend.InsertEdge(ctx, conn, baseTable.String(), baseID, edgeCtx, id, index); err != nil {
			return nil, err
		}
		return &backend.Node{ID: id, Ctx: edgeCtx, Value: val, Flags: flags}, nil
	}

	bconn, err := s.pool.Acquire(ctx, baseShard)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(baseShard, bconn)
	if err := backend.InsertEdge(ctx, bconn, baseTable.String(), baseID, edgeCtx, id, index); err != nil {
		return nil, err
	}
	return &backend.Node{ID: id, Ctx: edgeCtx, Value: val, Flags: flags}, nil
}

// GetNode fetches the live node at (id, nodeCtx).
func (s *Store) GetNode(ctx context.Context, id int64, nodeCtx int) (*backend.Node, error) {
	meta, err := s.tableFor(nodeCtx, registry.TableNode)
	if err != nil {
		return nil, err
	}
	shardNum := s.router.ShardOfID(id)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.GetNode(ctx, conn, id, nodeCtx, meta.Storage)
}

// BatchGetNodes fetches several nodes in one call, grouping ids by shard so
// each shard is only visited once.
func (s *Store) BatchGetNodes(ctx context.Context, ids []int64, nodeCtx int) ([]*backend.Node, error) {
	meta, err := s.tableFor(nodeCtx, registry.TableNode)
	if err != nil {
		return nil, err
	}
	byShard := make(map[int][]int64)
	for _, id := range ids {
		sh := s.router.ShardOfID(id)
		byShard[sh] = append(byShard[sh], id)
	}

	var out []*backend.Node
	for sh, shardIDs := range byShard {
		conn, err := s.pool.Acquire(ctx, sh)
		if err != nil {
			return nil, err
		}
		for _, id := range shardIDs {
			n, err := backend.GetNode(ctx, conn, id, nodeCtx, meta.Storage)
			if err != nil {
				s.pool.Release(sh, conn)
				return nil, err
			}
			if n != nil {
				out = append(out, n)
			}
		}
		s.pool.Release(sh, conn)
	}
	return out, nil
}

// ListChildren lists the live child node ids of baseID in edgeCtx, ordered by
// position.
func (s *Store) ListChildren(ctx context.Context, baseID int64, edgeCtx int) ([]int64, error) {
	if _, err := s.tableFor(edgeCtx, registry.TableNode); err != nil {
		return nil, err
	}
	shardNum := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.ListChildren(ctx, conn, baseID, edgeCtx)
}

// GetChildren is ListChildren followed by a BatchGetNodes fetch of the
// resulting ids, the common "give me the actual child rows" case.
func (s *Store) GetChildren(ctx context.Context, baseID int64, edgeCtx int) ([]*backend.Node, error) {
	ids, err := s.ListChildren(ctx, baseID, edgeCtx)
	if err != nil {
		return nil, err
	}
	return s.BatchGetNodes(ctx, ids, edgeCtx)
}

// UpdateNode replaces a node's value, optionally requiring it to currently
// hold oldVal.
func (s *Store) UpdateNode(ctx context.Context, id int64, nodeCtx int, v any, checkOld bool, oldVal any) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	meta, err := s.tableFor(nodeCtx, registry.TableNode)
	if err != nil {
		return false, err
	}
	newVal, err := s.registry.Wrap(nodeCtx, v)
	if err != nil {
		return false, err
	}
	var oldWrapped registry.Value
	if checkOld {
		oldWrapped, err = s.registry.Wrap(nodeCtx, oldVal)
		if err != nil {
			return false, err
		}
	}

	shardNum := s.router.ShardOfID(id)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.UpdateNode(ctx, conn, id, nodeCtx, meta.Storage, newVal, checkOld, oldWrapped)
}

// IncrementNode adds by to a numeric node's value, clamping at limit if set.
func (s *Store) IncrementNode(ctx context.Context, id int64, nodeCtx int, by int64, hasLimit bool, limit int64) (int64, bool, error) {
	if err := s.requireWritable(); err != nil {
		return 0, false, err
	}
	if _, err := s.tableFor(nodeCtx, registry.TableNode); err != nil {
		return 0, false, err
	}
	shardNum := s.router.ShardOfID(id)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return 0, false, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.IncrementNode(ctx, conn, id, nodeCtx, by, hasLimit, limit)
}

// AddNodeFlags ORs bits into a node's flags.
func (s *Store) AddNodeFlags(ctx context.Context, id int64, nodeCtx int, flagBits []int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	bits, err := s.registry.FlagsToInt(nodeCtx, flagBits)
	if err != nil {
		return false, err
	}
	shardNum := s.router.ShardOfID(id)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.AddFlags(ctx, conn, "node", bits, "id = ? and ctx = ?", id, nodeCtx)
}

// ClearNodeFlags ANDs the complement of bits into a node's flags.
func (s *Store) ClearNodeFlags(ctx context.Context, id int64, nodeCtx int, flagBits []int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	bits, err := s.registry.FlagsToInt(nodeCtx, flagBits)
	if err != nil {
		return false, err
	}
	shardNum := s.router.ShardOfID(id)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.ClearFlags(ctx, conn, "node", bits, "id = ? and ctx = ?", id, nodeCtx)
}

// ShiftNode relocates childID to newPos within baseID's edgeCtx child list,
// clamping to the last valid index — the child stays under the same parent,
// only its list position changes (re-parenting is Move's job).
func (s *Store) ShiftNode(ctx context.Context, baseID, childID int64, edgeCtx int, newPos int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	if _, err := s.tableFor(edgeCtx, registry.TableNode); err != nil {
		return false, err
	}
	shardNum := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.ReorderEdge(ctx, conn, baseID, edgeCtx, childID, newPos)
}

// Move re-parents child from its current parent baseID to newBaseID within
// edgeCtx: the edge under baseID is removed and a fresh one inserted under
// newBaseID. A same-shard move runs as one local transaction (rolled back
// whole if the insert fails); a cross-shard move anchors a 2PC coordinator at
// baseID's shard for the removal and applies the insert on newBaseID's shard
// through the coordinator's elsewhere scope.
func (s *Store) Move(ctx context.Context, baseID, newBaseID, childID int64, edgeCtx int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	meta, err := s.tableFor(edgeCtx, registry.TableNode)
	if err != nil {
		return false, err
	}
	if meta.BaseCtx == nil {
		return false, errs.BadContext(edgeCtx)
	}
	baseTable, ok := s.registry.BaseTable(edgeCtx)
	if !ok {
		return false, errs.ErrMissingParent
	}

	oldShard := s.router.ShardOfID(baseID)
	newShard := s.router.ShardOfID(newBaseID)

	if oldShard == newShard {
		conn, err := s.pool.Acquire(ctx, oldShard)
		if err != nil {
			return false, err
		}
		defer s.pool.Release(oldShard, conn)

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return false, err
		}
		removed, err := backend.RemoveEdge(ctx, tx, baseID, edgeCtx, childID)
		if err != nil || !removed {
			_ = tx.Rollback()
			return false, err
		}
		if err := backend.InsertEdge(ctx, tx, baseTable.String(), newBaseID, edgeCtx, childID, nil); err != nil {
			_ = tx.Rollback()
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return true, nil
	}

	coord := txn.New(s.pool, oldShard, "move_node", childID, edgeCtx, baseID, newBaseID).WithTelemetry(s.tel)
	conn, err := coord.Begin(ctx)
	if err != nil {
		return false, err
	}

	removed, err := backend.RemoveEdge(ctx, conn, baseID, edgeCtx, childID)
	if err != nil {
		_ = coord.Rollback(ctx)
		return false, err
	}
	if !removed {
		coord.Fail()
		if err := coord.Prepare(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := coord.Prepare(ctx); err != nil {
		return false, err
	}

	var insertErr error
	elsewhereErr := coord.Elsewhere(ctx, s.pool, newShard, func(c *pool.Conn) error {
		if err := backend.InsertEdge(ctx, c, baseTable.String(), newBaseID, edgeCtx, childID, nil); err != nil {
			insertErr = err
			return err
		}
		return nil
	})
	if elsewhereErr != nil {
		_ = coord.Rollback(ctx)
		if insertErr != nil {
			return false, insertErr
		}
		return false, elsewhereErr
	}

	return true, coord.Commit(ctx)
}

// RemoveNode cascades removal of a node and its subtree through the estate
// walker.
func (s *Store) RemoveNode(ctx context.Context, baseID, id int64, nodeCtx int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	if _, err := s.tableFor(nodeCtx, registry.TableNode); err != nil {
		return false, err
	}
	return s.walker.RemoveNode(ctx, baseID, id, nodeCtx)
}

// ---- Name ---------------------------------------------------------------

// nameLookupWrite is one secondary-lookup row a name write must produce or
// tombstone, on the shard routed from the row's own key.
type nameLookupWrite struct {
	shard int
	fn    func(q backend.Queryer) error
}

// nameLookups computes the full set of lookup-row writes for (value, nameCtx)
// under the latest insertion plan: one prefix_lookup row, or one
// phonetic_lookup row per phonetic code of the value. mk builds the per-row
// statement given the code ("" for prefix).
func (s *Store) nameLookups(meta registry.ContextMeta, nameCtx int, value string, mk func(code string) func(q backend.Queryer) error) ([]nameLookupWrite, error) {
	switch meta.Search {
	case registry.SearchPrefix:
		return []nameLookupWrite{{shard: s.router.ShardForPrefixWrite(value), fn: mk("")}}, nil
	case registry.SearchPhonetic:
		code, alt, hasAlt := phonetic.Encode(value)
		out := []nameLookupWrite{{shard: s.router.ShardForPhoneticWrite(code), fn: mk(code)}}
		if hasAlt {
			out = append(out, nameLookupWrite{shard: s.router.ShardForPhoneticWrite(alt), fn: mk(alt)})
		}
		return out, nil
	default:
		return nil, errs.BadContext(nameCtx)
	}
}

// SetName attaches value as a name of baseID in nameCtx: a 2PC anchored at
// the shard the latest insertion plan routes the value's lookup row to, with
// the primary name row inserted on baseID's shard through the coordinator's
// elsewhere scope — the same anchor-on-lookup-then-primary shape as SetAlias,
// minus the uniqueness check (names are not globally unique).
func (s *Store) SetName(ctx context.Context, baseID int64, nameCtx int, value string, flagBits []int, index *int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	meta, err := s.tableFor(nameCtx, registry.TableName)
	if err != nil {
		return false, err
	}
	if meta.BaseCtx == nil {
		return false, errs.BadContext(nameCtx)
	}
	baseTable, ok := s.registry.BaseTable(nameCtx)
	if !ok {
		return false, errs.ErrMissingParent
	}
	flags, err := s.registry.FlagsToInt(nameCtx, flagBits)
	if err != nil {
		return false, err
	}

	lookups, err := s.nameLookups(meta, nameCtx, value, func(code string) func(q backend.Queryer) error {
		return func(q backend.Queryer) error {
			if meta.Search == registry.SearchPrefix {
				return backend.InsertPrefixLookup(ctx, q, value, nameCtx, baseID, flags)
			}
			return backend.InsertPhoneticLookup(ctx, q, code, value, nameCtx, baseID, flags)
		}
	})
	if err != nil {
		return false, err
	}

	anchorShard := lookups[0].shard
	coord := txn.New(s.pool, anchorShard, "set_name", baseID, nameCtx).WithTelemetry(s.tel)
	conn, err := coord.Begin(ctx)
	if err != nil {
		return false, err
	}

	// Lookup rows whose shard is the anchor's ride in the anchor transaction;
	// the rest follow in the elsewhere scope after the primary row lands.
	var deferred []nameLookupWrite
	for _, l := range lookups {
		if l.shard != anchorShard {
			deferred = append(deferred, l)
			continue
		}
		if err := l.fn(conn); err != nil {
			_ = coord.Rollback(ctx)
			return false, err
		}
	}

	if err := coord.Prepare(ctx); err != nil {
		return false, err
	}

	var insertErr error
	elsewhereErr := coord.Elsewhere(ctx, s.pool, s.router.ShardOfID(baseID), func(c *pool.Conn) error {
		ok, err := backend.InsertName(ctx, c, baseTable.String(), baseID, nameCtx, value, index, flags)
		if err != nil {
			insertErr = err
			return err
		}
		if !ok {
			insertErr = errs.NoObject(baseTable.String(), nameCtx, baseID)
			return insertErr
		}
		return nil
	})
	if elsewhereErr != nil {
		_ = coord.Rollback(ctx)
		if insertErr != nil {
			return false, insertErr
		}
		return false, elsewhereErr
	}

	for _, l := range deferred {
		if err := coord.Elsewhere(ctx, s.pool, l.shard, func(c *pool.Conn) error { return l.fn(c) }); err != nil {
			_ = coord.Rollback(ctx)
			return false, err
		}
	}

	return true, coord.Commit(ctx)
}

// GetNames lists the live names hung off baseID in nameCtx.
func (s *Store) GetNames(ctx context.Context, baseID int64, nameCtx int) ([]backend.Name, error) {
	if _, err := s.tableFor(nameCtx, registry.TableName); err != nil {
		return nil, err
	}
	shardNum := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.SelectNames(ctx, conn, baseID, nameCtx)
}

// Search runs a prefix or phonetic search (per the context's configured
// Search strategy) for query, fanning out over every shard a match could
// live on under any insertion plan, merging locally — by value for prefix,
// by (code, base id) for phonetic — and cutting to limit.
func (s *Store) Search(ctx context.Context, nameCtx int, query string, limit int) ([]backend.Name, error) {
	meta, err := s.tableFor(nameCtx, registry.TableName)
	if err != nil {
		return nil, err
	}

	var out []backend.Name
	switch meta.Search {
	case registry.SearchPrefix:
		for _, sh := range s.router.ShardsForPrefixRead(query) {
			conn, err := s.pool.Acquire(ctx, sh)
			if err != nil {
				return nil, err
			}
			results, serr := backend.SearchByPrefix(ctx, conn, nameCtx, query, limit)
			s.pool.Release(sh, conn)
			if serr != nil {
				return nil, serr
			}
			out = append(out, results...)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })

	case registry.SearchPhonetic:
		code, alt, hasAlt := phonetic.Encode(query)
		codes := []string{code}
		if meta.PhoneticLoose && hasAlt {
			codes = append(codes, alt)
		}
		type key struct {
			code   string
			baseID int64
			value  string
		}
		seen := make(map[key]bool)
		for _, c := range codes {
			for _, sh := range s.router.ShardsForPhoneticRead(c) {
				conn, err := s.pool.Acquire(ctx, sh)
				if err != nil {
					return nil, err
				}
				results, serr := backend.SearchByPhonetic(ctx, conn, nameCtx, c, limit)
				s.pool.Release(sh, conn)
				if serr != nil {
					return nil, serr
				}
				for _, n := range results {
					k := key{n.Code, n.BaseID, n.Value}
					if seen[k] {
						continue
					}
					seen[k] = true
					out = append(out, n)
				}
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Code != out[j].Code {
				return out[i].Code < out[j].Code
			}
			return out[i].BaseID < out[j].BaseID
		})

	default:
		return nil, errs.BadContext(nameCtx)
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// locateNameLookup finds the shard holding the live lookup row for
// (value, nameCtx, baseID) — the prefix row, or the row for the value's
// primary phonetic code — trying every insertion plan newest-first.
func (s *Store) locateNameLookup(ctx context.Context, meta registry.ContextMeta, baseID int64, nameCtx int, value string) (shardNum int, code string, found bool, err error) {
	switch meta.Search {
	case registry.SearchPrefix:
		for _, sh := range s.router.ShardsForPrefixRead(value) {
			f, _, _, serr := s.withConn(ctx, sh, func(conn *pool.Conn) (bool, int64, uint16, error) {
				f, flags, err := backend.SelectPrefixLookup(ctx, conn, value, nameCtx, baseID)
				return f, 0, flags, err
			})
			if serr != nil {
				return 0, "", false, serr
			}
			if f {
				return sh, "", true, nil
			}
		}
		return 0, "", false, nil
	case registry.SearchPhonetic:
		primary, _, _ := phonetic.Encode(value)
		for _, sh := range s.router.ShardsForPhoneticRead(primary) {
			f, _, _, serr := s.withConn(ctx, sh, func(conn *pool.Conn) (bool, int64, uint16, error) {
				f, flags, err := backend.SelectPhoneticLookup(ctx, conn, primary, value, nameCtx, baseID)
				return f, 0, flags, err
			})
			if serr != nil {
				return 0, "", false, serr
			}
			if f {
				return sh, primary, true, nil
			}
		}
		return 0, "", false, nil
	default:
		return 0, "", false, errs.BadContext(nameCtx)
	}
}

// AddNameFlags ORs bits into the name identified by value, via the same
// anchor-on-lookup-then-primary protocol as AddAliasFlags: the 2PC anchors
// at the shard holding the value's lookup row, applies the change there,
// prepares, applies the identical change to the primary name row on baseID's
// shard, and commits only if the two resulting flag values agree.
func (s *Store) AddNameFlags(ctx context.Context, baseID int64, nameCtx int, value string, flagBits []int) (bool, error) {
	return s.changeNameFlags(ctx, baseID, nameCtx, value, flagBits, backend.AddFlags)
}

// ClearNameFlags ANDs the complement of bits into the name identified by
// value, with the same anchor-on-lookup-then-primary protocol as AddNameFlags.
func (s *Store) ClearNameFlags(ctx context.Context, baseID int64, nameCtx int, value string, flagBits []int) (bool, error) {
	return s.changeNameFlags(ctx, baseID, nameCtx, value, flagBits, backend.ClearFlags)
}

func (s *Store) changeNameFlags(ctx context.Context, baseID int64, nameCtx int, value string, flagBits []int, apply flagApplier) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	meta, err := s.tableFor(nameCtx, registry.TableName)
	if err != nil {
		return false, err
	}
	bits, err := s.registry.FlagsToInt(nameCtx, flagBits)
	if err != nil {
		return false, err
	}

	lookupShard, code, found, err := s.locateNameLookup(ctx, meta, baseID, nameCtx, value)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	coord := txn.New(s.pool, lookupShard, "name_flags", baseID, nameCtx).WithTelemetry(s.tel)
	conn, err := coord.Begin(ctx)
	if err != nil {
		return false, err
	}

	var lookupChanged bool
	var lookupFlags uint16
	if meta.Search == registry.SearchPrefix {
		lookupChanged, err = apply(ctx, conn, "prefix_lookup", bits, "value = ? and ctx = ? and base_id = ?", value, nameCtx, baseID)
		if err == nil && lookupChanged {
			_, lookupFlags, err = backend.SelectPrefixLookup(ctx, conn, value, nameCtx, baseID)
		}
	} else {
		lookupChanged, err = apply(ctx, conn, "phonetic_lookup", bits, "code = ? and value = ? and ctx = ? and base_id = ?", code, value, nameCtx, baseID)
		if err == nil && lookupChanged {
			_, lookupFlags, err = backend.SelectPhoneticLookup(ctx, conn, code, value, nameCtx, baseID)
		}
	}
	if err != nil {
		_ = coord.Rollback(ctx)
		return false, err
	}
	if !lookupChanged {
		coord.Fail()
		if err := coord.Prepare(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := coord.Prepare(ctx); err != nil {
		return false, err
	}

	var primaryFlags uint16
	var primaryFound bool
	var applyErr error
	elsewhereErr := coord.Elsewhere(ctx, s.pool, s.router.ShardOfID(baseID), func(c *pool.Conn) error {
		changed, err := apply(ctx, c, "name", bits, "base_id = ? and ctx = ? and value = ?", baseID, nameCtx, value)
		if err != nil {
			applyErr = err
			return err
		}
		if !changed {
			applyErr = errs.NoObject("name", nameCtx, baseID)
			return applyErr
		}
		rows, err := backend.SelectNames(ctx, c, baseID, nameCtx)
		if err != nil {
			applyErr = err
			return err
		}
		for _, n := range rows {
			if n.Value == value {
				primaryFlags = n.Flags
				primaryFound = true
				break
			}
		}
		if !primaryFound {
			applyErr = errs.NoObject("name", nameCtx, baseID)
			return applyErr
		}
		return nil
	})
	if elsewhereErr != nil {
		_ = coord.Rollback(ctx)
		if applyErr != nil {
			return false, applyErr
		}
		return false, elsewhereErr
	}

	// A phonetic name's alternate-code row carries the same flags; keep it in
	// step so every copy of the row group agrees after the operation.
	if meta.Search == registry.SearchPhonetic {
		_, altCode, hasAlt := phonetic.Encode(value)
		if hasAlt {
			for _, sh := range s.router.ShardsForPhoneticRead(altCode) {
				var altChanged bool
				err := coord.Elsewhere(ctx, s.pool, sh, func(c *pool.Conn) error {
					var aerr error
					altChanged, aerr = apply(ctx, c, "phonetic_lookup", bits, "code = ? and value = ? and ctx = ? and base_id = ?", altCode, value, nameCtx, baseID)
					return aerr
				})
				if err != nil {
					_ = coord.Rollback(ctx)
					return false, err
				}
				if altChanged {
					break
				}
			}
		}
	}

	if primaryFlags != lookupFlags {
		_ = coord.Rollback(ctx)
		return false, fmt.Errorf("store: name flag change diverged between lookup (%d) and primary (%d)", lookupFlags, primaryFlags)
	}

	return true, coord.Commit(ctx)
}

// ShiftName relocates the name identified by value to newPos within baseID's
// nameCtx list, clamping to the last valid index.
func (s *Store) ShiftName(ctx context.Context, baseID int64, nameCtx int, value string, newPos int) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	if _, err := s.tableFor(nameCtx, registry.TableName); err != nil {
		return false, err
	}
	shardNum := s.router.ShardOfID(baseID)
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return false, err
	}
	defer s.pool.Release(shardNum, conn)

	return backend.ShiftName(ctx, conn, baseID, nameCtx, value, newPos)
}

// RemoveName tombstones a name row and its lookup-table entries, anchoring
// the 2PC at the lookup shard and removing the primary through the elsewhere
// scope — rolled back if the primary row already vanished.
func (s *Store) RemoveName(ctx context.Context, baseID int64, nameCtx int, value string) (bool, error) {
	if err := s.requireWritable(); err != nil {
		return false, err
	}
	meta, err := s.tableFor(nameCtx, registry.TableName)
	if err != nil {
		return false, err
	}

	lookupShard, code, found, err := s.locateNameLookup(ctx, meta, baseID, nameCtx, value)
	if err != nil {
		return false, err
	}
	if !found {
		// No lookup row under any plan; nothing pairs with the primary, so a
		// plain local tombstone is all that's left to do.
		shardNum := s.router.ShardOfID(baseID)
		conn, err := s.pool.Acquire(ctx, shardNum)
		if err != nil {
			return false, err
		}
		defer s.pool.Release(shardNum, conn)
		return backend.RemoveName(ctx, conn, baseID, nameCtx, value)
	}

	coord := txn.New(s.pool, lookupShard, "remove_name", baseID, nameCtx).WithTelemetry(s.tel)
	conn, err := coord.Begin(ctx)
	if err != nil {
		return false, err
	}

	if meta.Search == registry.SearchPrefix {
		_, err = backend.RemovePrefixLookup(ctx, conn, value, nameCtx, baseID)
	} else {
		_, err = backend.RemovePhoneticLookup(ctx, conn, code, value, nameCtx, baseID)
	}
	if err != nil {
		_ = coord.Rollback(ctx)
		return false, err
	}

	if err := coord.Prepare(ctx); err != nil {
		return false, err
	}

	var primaryGone bool
	var removeErr error
	elsewhereErr := coord.Elsewhere(ctx, s.pool, s.router.ShardOfID(baseID), func(c *pool.Conn) error {
		removed, err := backend.RemoveName(ctx, c, baseID, nameCtx, value)
		if err != nil {
			removeErr = err
			return err
		}
		if !removed {
			primaryGone = true
			return errs.NoObject("name", nameCtx, baseID)
		}
		return nil
	})
	if elsewhereErr != nil {
		_ = coord.Rollback(ctx)
		if primaryGone {
			return false, nil
		}
		if removeErr != nil {
			return false, removeErr
		}
		return false, elsewhereErr
	}

	if meta.Search == registry.SearchPhonetic {
		_, altCode, hasAlt := phonetic.Encode(value)
		if hasAlt {
			for _, sh := range s.router.ShardsForPhoneticRead(altCode) {
				var altRemoved bool
				err := coord.Elsewhere(ctx, s.pool, sh, func(c *pool.Conn) error {
					var aerr error
					altRemoved, aerr = backend.RemovePhoneticLookup(ctx, c, altCode, value, nameCtx, baseID)
					return aerr
				})
				if err != nil {
					_ = coord.Rollback(ctx)
					return false, err
				}
				if altRemoved {
					break
				}
			}
		}
	}

	return true, coord.Commit(ctx)
}

// withConn acquires a connection for shardNum, runs fn, and releases it —
// used by read paths that need a one-off Queryer without the rest of the
// facade's bookkeeping.
func (s *Store) withConn(ctx context.Context, shardNum int, fn func(conn *pool.Conn) (bool, int64, uint16, error)) (bool, int64, uint16, error) {
	conn, err := s.pool.Acquire(ctx, shardNum)
	if err != nil {
		return false, 0, 0, err
	}
	defer s.pool.Release(shardNum, conn)
	return fn(conn)
}
