// Package estate implements cascading deletion (component C6, the "estate
// walker"): removing an Entity or Node tombstones it and every Node
// transitively reachable underneath it, plus the properties, aliases and
// relationships hung off all of them — bounded by the number of distinct
// shards touched, not the number of rows removed.
//
// The cascade runs off an "estates" worklist keyed by shard, drained one
// 2PC coordinator at a time, with every child discovered along the way
// re-enqueued into the bucket of whatever shard it actually lives on —
// store.CreateNode picks each child's shard independently of its parent's,
// so a single cascade can and does touch more than the root's home shard.
// Relationships are tombstoned (never walked for further children); aliases,
// names and properties are bulk-tombstoned per shard but never walked either —
// only Node rows are descended into transitively, per the design's "never
// descend" categories.
package estate

import (
	"context"

	"github.com/latticedb/latticedb/internal/backend"
	"github.com/latticedb/latticedb/internal/phonetic"
	"github.com/latticedb/latticedb/internal/pool"
	"github.com/latticedb/latticedb/internal/registry"
	"github.com/latticedb/latticedb/internal/shard"
	"github.com/latticedb/latticedb/internal/telemetry"
	"github.com/latticedb/latticedb/internal/txn"
)

// Walker performs cascading removal against a pool/router pair. The registry
// tells it which lookup table (prefix or phonetic) each removed name's
// secondary rows live in.
type Walker struct {
	pool     *pool.Pool
	router   *shard.Router
	registry *registry.Registry
	tel      *telemetry.Telemetry
}

// New returns a Walker for the given pool, router and context registry.
func New(p *pool.Pool, r *shard.Router, reg *registry.Registry) *Walker {
	return &Walker{pool: p, router: r, registry: reg}
}

// WithTelemetry attaches t so a cascade records how many additional shards it
// touched beyond the root's own, returning w for chaining onto New's result.
func (w *Walker) WithTelemetry(t *telemetry.Telemetry) *Walker {
	w.tel = t
	return w
}

// aliasKey identifies one alias_lookup row by its digest and context.
type aliasKey struct {
	digest string // digest bytes, stringified for use as a map key
	ctx    int
}

// shardEstate is one shard's bucket of outstanding cascade work: node ids
// still to be tombstoned and fanned out from, plus alias-lookup, name-lookup
// and relationship-pair cleanup discovered while draining some other shard
// that turned out to belong here.
type shardEstate struct {
	ids       []int64
	aliases   map[aliasKey][]byte
	prefixes  map[backend.PrefixLookupKey]bool
	phonetics map[backend.PhoneticLookupKey]bool
	rels      []backend.RemovedRelationship
}

func newShardEstate(ids ...int64) *shardEstate {
	return &shardEstate{
		ids:       ids,
		aliases:   make(map[aliasKey][]byte),
		prefixes:  make(map[backend.PrefixLookupKey]bool),
		phonetics: make(map[backend.PhoneticLookupKey]bool),
	}
}

// bucket returns estates[s], creating an empty entry first if s hasn't been
// touched yet.
func bucket(estates map[int]*shardEstate, s int) *shardEstate {
	e, ok := estates[s]
	if !ok {
		e = newShardEstate()
		estates[s] = e
	}
	return e
}

// RemoveEntity tombstones the entity at (id, entCtx) and every node
// transitively reachable from it, bulk-tombstoning properties, aliases and
// relationships along the way. Returns false if the entity was already gone.
func (w *Walker) RemoveEntity(ctx context.Context, id int64, entCtx int) (bool, error) {
	home := w.router.ShardOfID(id)
	coord := txn.New(w.pool, home, "remove_entity_base", id).WithTelemetry(w.tel)

	conn, err := coord.Begin(ctx)
	if err != nil {
		return false, err
	}

	removed, err := backend.RemoveEntity(ctx, conn, id, entCtx)
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

	// id is an Entity row, not a Node — it has no node row to tombstone, but
	// it is still the base of whatever top-level nodes, properties, aliases
	// and relationships it owns directly, so the cascade still starts here.
	if err := w.cascade(ctx, "remove_entity_estate", home, coord, conn, newShardEstate(id), false); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveNode tombstones the node at id in nodeCtx (detaching it from baseID),
// plus every node transitively reachable underneath it, with the same
// bulk-tombstone fan-out as RemoveEntity.
func (w *Walker) RemoveNode(ctx context.Context, baseID, id int64, nodeCtx int) (bool, error) {
	home := w.router.ShardOfID(id)
	coord := txn.New(w.pool, home, "remove_tree_node_base", id).WithTelemetry(w.tel)

	conn, err := coord.Begin(ctx)
	if err != nil {
		return false, err
	}

	removedEdge, err := backend.RemoveEdge(ctx, conn, baseID, nodeCtx, id)
	if err != nil {
		_ = coord.Rollback(ctx)
		return false, err
	}
	if !removedEdge {
		coord.Fail()
		if err := coord.Prepare(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	// id is the node itself — its edge is gone but its row hasn't been
	// tombstoned yet, so the cascade's first round must do that too.
	if err := w.cascade(ctx, "remove_tree_node_estate", home, coord, conn, newShardEstate(id), true); err != nil {
		return false, err
	}
	return true, nil
}

// cascade drains every shard touched by a cascading removal, starting from
// home's already-open coordinator and seed estate, and opening one fresh 2PC
// coordinator per additional shard discovered along the way. Every coordinator
// is prepared as its shard drains dry; all are committed together (or, on any
// failure, all rolled back together) only once the worklist is empty, so the
// whole cascade is one atomic multi-branch transaction.
func (w *Walker) cascade(ctx context.Context, name string, home int, homeCoord *txn.Coordinator, homeConn backend.Queryer, homeEstate *shardEstate, tombstoneHomeIDs bool) error {
	estates := map[int]*shardEstate{home: homeEstate}
	coords := []*txn.Coordinator{homeCoord}
	usedHomeCoord := false

	for len(estates) > 0 {
		var s int
		for k := range estates {
			s = k
			break
		}
		est := estates[s]
		delete(estates, s)

		var coord *txn.Coordinator
		var conn backend.Queryer
		tombstoneIDs := true

		if !usedHomeCoord && s == home {
			usedHomeCoord = true
			coord = homeCoord
			conn = homeConn
			tombstoneIDs = tombstoneHomeIDs
		} else {
			uniq := []any{s}
			if len(est.ids) > 0 {
				uniq = append(uniq, est.ids[0])
			}
			coord = txn.New(w.pool, s, name, uniq...).WithTelemetry(w.tel)
			c, err := coord.Begin(ctx)
			if err != nil {
				_ = rollbackAll(ctx, coords)
				return err
			}
			coords = append(coords, coord)
			conn = c
		}

		if err := w.drainLocal(ctx, conn, estates, s, est, tombstoneIDs); err != nil {
			coord.Fail()
			_ = rollbackAll(ctx, coords)
			return err
		}
		if err := coord.Prepare(ctx); err != nil {
			_ = rollbackAll(ctx, coords)
			return err
		}
	}

	w.tel.RecordEstateFanout(ctx, len(coords)-1)
	return commitAll(ctx, coords)
}

// drainLocal repeatedly tombstones est.ids's node rows (plus their
// properties, aliases, relationships and outgoing edges) on conn, which is
// anchored at shard s. Each round's discovered children, alias-lookup
// cleanup and relationship-pair cleanup are routed either back into est
// (when they belong to s) or into estates' bucket for whatever shard they
// actually belong to, so the outer cascade loop picks them up in a later
// round. tombstoneIDs gates the very first round's node-row tombstone: the
// seed of a RemoveEntity cascade is an Entity row that was already
// tombstoned before the walk began and must not be re-tombstoned as a node,
// while every id discovered afterward (and the seed of a RemoveNode cascade,
// whose edge but not whose row was already removed) does need one.
func (w *Walker) drainLocal(ctx context.Context, conn backend.Queryer, estates map[int]*shardEstate, s int, est *shardEstate, tombstoneIDs bool) error {
	addAlias := func(target int, key aliasKey, digest []byte) {
		if target == s {
			est.aliases[key] = digest
			return
		}
		bucket(estates, target).aliases[key] = digest
	}
	addRel := func(target int, r backend.RemovedRelationship) {
		if target == s {
			est.rels = append(est.rels, r)
			return
		}
		bucket(estates, target).rels = append(bucket(estates, target).rels, r)
	}
	addPrefix := func(target int, key backend.PrefixLookupKey) {
		if target == s {
			est.prefixes[key] = true
			return
		}
		bucket(estates, target).prefixes[key] = true
	}
	addPhonetic := func(target int, key backend.PhoneticLookupKey) {
		if target == s {
			est.phonetics[key] = true
			return
		}
		bucket(estates, target).phonetics[key] = true
	}

	for len(est.ids) > 0 {
		ids := est.ids
		est.ids = nil

		if tombstoneIDs {
			if err := backend.RemoveNodesMultiple(ctx, conn, ids); err != nil {
				return err
			}
		}
		tombstoneIDs = true

		if err := backend.RemovePropertiesMultipleBases(ctx, conn, ids); err != nil {
			return err
		}

		removedAliases, err := backend.RemoveAliasesMultipleBases(ctx, conn, ids)
		if err != nil {
			return err
		}
		for _, a := range removedAliases {
			digest := w.router.Digest(a.Value)
			for _, ls := range w.router.ShardsForAliasRead(digest) {
				addAlias(ls, aliasKey{digest: string(digest), ctx: a.Ctx}, digest)
			}
		}

		removedNames, err := backend.RemoveNamesMultipleBases(ctx, conn, ids)
		if err != nil {
			return err
		}
		for _, nm := range removedNames {
			meta, ok := w.registry.Context(nm.Ctx)
			if !ok {
				continue
			}
			switch meta.Search {
			case registry.SearchPrefix:
				for _, ls := range w.router.ShardsForPrefixRead(nm.Value) {
					addPrefix(ls, backend.PrefixLookupKey{Value: nm.Value, Ctx: nm.Ctx, BaseID: nm.BaseID})
				}
			case registry.SearchPhonetic:
				code, alt, hasAlt := phonetic.Encode(nm.Value)
				for _, ls := range w.router.ShardsForPhoneticRead(code) {
					addPhonetic(ls, backend.PhoneticLookupKey{Code: code, Value: nm.Value, Ctx: nm.Ctx, BaseID: nm.BaseID})
				}
				if hasAlt {
					for _, ls := range w.router.ShardsForPhoneticRead(alt) {
						addPhonetic(ls, backend.PhoneticLookupKey{Code: alt, Value: nm.Value, Ctx: nm.Ctx, BaseID: nm.BaseID})
					}
				}
			}
		}

		removedRels, err := backend.RemoveRelationshipsMultipleBases(ctx, conn, ids)
		if err != nil {
			return err
		}
		for _, r := range removedRels {
			addRel(w.router.ShardOfID(r.RelID), r)
		}

		children, err := backend.RemoveEdgesMultipleBases(ctx, conn, ids)
		if err != nil {
			return err
		}
		for _, child := range children {
			childShard := w.router.ShardOfID(child)
			if childShard == s {
				est.ids = append(est.ids, child)
			} else {
				bucket(estates, childShard).ids = append(bucket(estates, childShard).ids, child)
			}
		}
	}

	if len(est.aliases) > 0 {
		digests := make([][]byte, 0, len(est.aliases))
		ctxs := make([]int, 0, len(est.aliases))
		for key, digest := range est.aliases {
			digests = append(digests, digest)
			ctxs = append(ctxs, key.ctx)
		}
		if err := backend.RemoveAliasLookupsMulti(ctx, conn, digests, ctxs); err != nil {
			return err
		}
	}

	if len(est.prefixes) > 0 {
		keys := make([]backend.PrefixLookupKey, 0, len(est.prefixes))
		for k := range est.prefixes {
			keys = append(keys, k)
		}
		if err := backend.RemovePrefixLookupsMulti(ctx, conn, keys); err != nil {
			return err
		}
	}

	if len(est.phonetics) > 0 {
		keys := make([]backend.PhoneticLookupKey, 0, len(est.phonetics))
		for k := range est.phonetics {
			keys = append(keys, k)
		}
		if err := backend.RemovePhoneticLookupsMulti(ctx, conn, keys); err != nil {
			return err
		}
	}

	if len(est.rels) > 0 {
		touched, err := backend.RemoveRelationshipPairs(ctx, conn, est.rels)
		if err != nil {
			return err
		}
		if err := backend.BulkReorderRelationships(ctx, conn, touched); err != nil {
			return err
		}
	}

	return nil
}

func commitAll(ctx context.Context, coords []*txn.Coordinator) error {
	for _, c := range coords {
		if err := c.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

func rollbackAll(ctx context.Context, coords []*txn.Coordinator) error {
	var firstErr error
	for _, c := range coords {
		if err := c.Rollback(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
