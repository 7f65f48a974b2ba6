package backend

import (
	"context"
	"fmt"
)

// Relationship is a symmetric edge between two base rows, stored as a forward
// row (base_id -> rel_id) and a reverse row (rel_id -> base_id, forward=false)
// so either endpoint can list its relationships without a join.
type Relationship struct {
	BaseID   int64
	RelID    int64
	Ctx      int
	Forward  bool
	Position int
	Flags    uint16
}

// InsertRelationship inserts both the forward and reverse rows in one call.
// The forward insert is gated on both endpoints still being live (an EXISTS
// check against each endpoint's table); the reverse insert has no check of
// its own and runs only when the forward insert added a row. Forward and reverse positions
// are independent lists (one keyed at base_id, the other at rel_id), each
// appended at its own tail.
func InsertRelationship(ctx context.Context, q Queryer, baseTable, relTable string, baseID, relID int64, relCtx int, flags uint16) (bool, error) {
	query := fmt.Sprintf(`
insert into relationship (base_id, rel_id, ctx, forward, pos, flags)
select ?, ?, ?, ?, coalesce((select max(pos) + 1 from relationship where time_removed is null and base_id = ? and ctx = ? and forward = ?), 0), ?
where exists (select 1 from %s where time_removed is null and id = ? and ctx = ?)
	and exists (select 1 from %s where time_removed is null and id = ?)
`, baseTable, relTable)

	res, err := q.ExecContext(ctx, query,
		baseID, relID, relCtx, true, baseID, relCtx, true, flags, baseID, relCtx, relID)
	if err != nil {
		return false, wrapErr("insert relationship forward", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("insert relationship rows affected", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := q.ExecContext(ctx, `
insert into relationship (base_id, rel_id, ctx, forward, pos, flags)
select ?, ?, ?, ?, coalesce((select max(pos) + 1 from relationship where time_removed is null and base_id = ? and ctx = ? and forward = ?), 0), ?
`, relID, baseID, relCtx, false, relID, relCtx, false, flags); err != nil {
		return false, wrapErr("insert relationship reverse", err)
	}
	return true, nil
}

// SelectRelationships pages the live relationships of id in relCtx, in the
// given direction, ordered by position starting at startPos, optionally
// filtered to a single otherID, capped at limit rows (limit <= 0 means
// unbounded).
func SelectRelationships(ctx context.Context, q Queryer, id int64, relCtx int, forward bool, startPos int, otherID int64, filterOther bool, limit int) ([]Relationship, error) {
	query := `
select rel_id, pos, flags
from relationship
where time_removed is null and base_id = ? and ctx = ? and forward = ? and pos >= ?
`
	args := []any{id, relCtx, forward, startPos}
	if filterOther {
		query += " and rel_id = ?"
		args = append(args, otherID)
	}
	query += " order by pos"
	if limit > 0 {
		query += " limit ?"
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("select relationships", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		r := Relationship{BaseID: id, Ctx: relCtx, Forward: forward}
		if err := rows.Scan(&r.RelID, &r.Position, &r.Flags); err != nil {
			return nil, wrapErr("scan relationship", err)
		}
		out = append(out, r)
	}
	return out, rowsErr(rows)
}

// ReorderRelationship relocates the relationship anchored at (anchorID,
// relCtx, forward) and pointing at peerID to newPos, clamping to the last
// valid index — the single-direction half of what the design calls
// reorder_relationship; a caller reordering both sides of a symmetric pair
// calls this once per direction.
func ReorderRelationship(ctx context.Context, q Queryer, anchorID int64, relCtx int, forward bool, peerID int64, newPos int) (bool, error) {
	row := q.QueryRowContext(ctx, `
select count(*) - 1 from relationship where time_removed is null and base_id = ? and ctx = ? and forward = ?
`, anchorID, relCtx, forward)
	var maxPos int
	if err := row.Scan(&maxPos); err != nil {
		return false, wrapErr("count relationships for reorder", err)
	}
	if maxPos < 0 {
		return false, nil
	}
	if newPos > maxPos {
		newPos = maxPos
	}
	if newPos < 0 {
		newPos = 0
	}

	row = q.QueryRowContext(ctx, `
select pos from relationship where time_removed is null and base_id = ? and ctx = ? and forward = ? and rel_id = ?
`, anchorID, relCtx, forward, peerID)
	var oldPos int
	if err := row.Scan(&oldPos); err != nil {
		if err == errNoRows {
			return false, nil
		}
		return false, wrapErr("select relationship position for reorder", err)
	}
	if oldPos == newPos {
		return true, nil
	}

	if newPos < oldPos {
		if _, err := q.ExecContext(ctx, `
update relationship set pos = pos + 1
where time_removed is null and base_id = ? and ctx = ? and forward = ? and pos >= ? and pos < ?
`, anchorID, relCtx, forward, newPos, oldPos); err != nil {
			return false, wrapErr("reorder relationships down", err)
		}
	} else {
		if _, err := q.ExecContext(ctx, `
update relationship set pos = pos - 1
where time_removed is null and base_id = ? and ctx = ? and forward = ? and pos > ? and pos <= ?
`, anchorID, relCtx, forward, oldPos, newPos); err != nil {
			return false, wrapErr("reorder relationships up", err)
		}
	}

	if _, err := q.ExecContext(ctx, `
update relationship set pos = ?
where time_removed is null and base_id = ? and ctx = ? and forward = ? and rel_id = ?
`, newPos, anchorID, relCtx, forward, peerID); err != nil {
		return false, wrapErr("set reordered relationship position", err)
	}
	return true, nil
}

// RemoveRelationship tombstones the single row anchored at (anchorID,
// relCtx, forward) pointing at peerID, closing the gap in that direction's
// remaining positions. A caller removing a symmetric pair calls this twice —
// once per direction, with the endpoints and forward flag swapped — since
// the forward and reverse rows live on different shards and are each their
// own independently positioned list.
func RemoveRelationship(ctx context.Context, q Queryer, anchorID, peerID int64, relCtx int, forward bool) (bool, error) {
	row := q.QueryRowContext(ctx, `
select pos from relationship where time_removed is null and base_id = ? and rel_id = ? and ctx = ? and forward = ?
`, anchorID, peerID, relCtx, forward)
	var pos int
	if err := row.Scan(&pos); err != nil {
		if err == errNoRows {
			return false, nil
		}
		return false, wrapErr("select relationship position", err)
	}

	if _, err := q.ExecContext(ctx, `
update relationship set time_removed = now()
where time_removed is null and base_id = ? and rel_id = ? and ctx = ? and forward = ?
`, anchorID, peerID, relCtx, forward); err != nil {
		return false, wrapErr("remove relationship", err)
	}

	if _, err := q.ExecContext(ctx, `
update relationship set pos = pos - 1
where time_removed is null and base_id = ? and ctx = ? and forward = ? and pos > ?
`, anchorID, relCtx, forward, pos); err != nil {
		return false, wrapErr("close relationship position gap", err)
	}
	return true, nil
}

// RemovedRelationship is one row tombstoned by a bulk removal, enough for the
// estate walker to tombstone the paired row that lives on rel_id's shard.
type RemovedRelationship struct {
	BaseID  int64
	Ctx     int
	Forward bool
	RelID   int64
}

// RemoveRelationshipsMultipleBases tombstones every live relationship row
// (both directions) hung off any of baseIDs and returns enough of each
// removed row for the caller to compute the paired shard's cleanup work.
func RemoveRelationshipsMultipleBases(ctx context.Context, q Queryer, baseIDs []int64) ([]RemovedRelationship, error) {
	if len(baseIDs) == 0 {
		return nil, nil
	}
	selectQuery, args := inClauseQuery(`
select base_id, ctx, forward, rel_id from relationship
where time_removed is null and base_id in (%s)
`, baseIDs)
	rows, err := q.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, wrapErr("select relationships for bulk remove", err)
	}
	var removed []RemovedRelationship
	for rows.Next() {
		var r RemovedRelationship
		if err := rows.Scan(&r.BaseID, &r.Ctx, &r.Forward, &r.RelID); err != nil {
			rows.Close()
			return nil, wrapErr("scan relationship for bulk remove", err)
		}
		removed = append(removed, r)
	}
	if err := rowsErr(rows); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	updateQuery, uargs := inClauseQuery(`
update relationship set time_removed = now() where time_removed is null and base_id in (%s)
`, baseIDs)
	if _, err := q.ExecContext(ctx, updateQuery, uargs...); err != nil {
		return nil, wrapErr("remove relationships multiple bases", err)
	}
	return removed, nil
}

// RemoveRelationshipPairs tombstones the paired rows on the other endpoint's
// shard for relationships already removed on their base_id's shard, keyed by
// (rel_id as base_id, ctx, !forward, original base_id as rel_id). Returns the
// distinct (anchor, ctx, forward) lists punched with holes so the caller can
// follow up with BulkReorderRelationships.
func RemoveRelationshipPairs(ctx context.Context, q Queryer, pairs []RemovedRelationship) ([]RelationshipList, error) {
	seen := make(map[RelationshipList]bool)
	var touched []RelationshipList
	for _, p := range pairs {
		if _, err := q.ExecContext(ctx, `
update relationship set time_removed = now()
where time_removed is null and base_id = ? and ctx = ? and forward = ? and rel_id = ?
`, p.RelID, p.Ctx, !p.Forward, p.BaseID); err != nil {
			return nil, wrapErr("remove relationship pair", err)
		}
		key := RelationshipList{AnchorID: p.RelID, Ctx: p.Ctx, Forward: !p.Forward}
		if !seen[key] {
			seen[key] = true
			touched = append(touched, key)
		}
	}
	return touched, nil
}

// RelationshipList identifies one anchor's ordered relationship list (the
// set of live rows sharing a base_id/ctx/forward triple).
type RelationshipList struct {
	AnchorID int64
	Ctx      int
	Forward  bool
}

// BulkReorderRelationships re-densifies positions to 0..N-1 (preserving
// relative order) for every list named in lists, using a window function to
// compute the new position in one pass per list. Called by the estate
// walker after RemoveRelationshipPairs punches holes in a foreign shard's
// lists, so position-density survives cascade removal.
func BulkReorderRelationships(ctx context.Context, q Queryer, lists []RelationshipList) error {
	for _, l := range lists {
		if _, err := q.ExecContext(ctx, `
update relationship r
join (
	select base_id, rel_id, ctx, forward,
		row_number() over (partition by base_id, ctx, forward order by pos) - 1 as new_pos
	from relationship
	where time_removed is null and base_id = ? and ctx = ? and forward = ?
) t on r.base_id = t.base_id and r.rel_id = t.rel_id and r.ctx = t.ctx and r.forward = t.forward
set r.pos = t.new_pos
where r.time_removed is null
`, l.AnchorID, l.Ctx, l.Forward); err != nil {
			return wrapErr("bulk reorder relationships", err)
		}
	}
	return nil
}
