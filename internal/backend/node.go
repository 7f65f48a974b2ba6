package backend

import (
	"context"
	"fmt"

	"github.com/latticedb/latticedb/internal/registry"
)

// Node is a value-bearing row in the containment tree; Edge rows (stored in
// the node_edge table) record which Node is a child of which parent and hold
// the position used for ordered-list semantics.
type Node struct {
	ID    int64
	Ctx   int
	Value registry.Value
	Flags uint16
}

// InsertNode creates a node row at id (already shard-routed) with the given
// value and flags.
func InsertNode(ctx context.Context, q Queryer, id int64, nodeCtx int, storage registry.Storage, val registry.Value, flags uint16) error {
	col := valueColumn(storage)
	query := fmt.Sprintf(`
insert into node (id, ctx, %s, flags)
values (?, ?, ?, ?)
`, col)
	if _, err := q.ExecContext(ctx, query, id, nodeCtx, propertyArg(storage, val), flags); err != nil {
		return wrapErr("insert node", err)
	}
	return nil
}

// InsertEdge links child as a child of baseID, gated on both rows still
// being live. index behaves like InsertAlias: nil appends at the list tail
// (max live pos + 1, computed in the same statement to avoid a
// read-then-write race), otherwise the existing rows at position >= *index
// are bumped up by one first.
func InsertEdge(ctx context.Context, q Queryer, baseTable string, baseID int64, edgeCtx int, childID int64, index *int) error {
	if index != nil {
		if _, err := q.ExecContext(ctx, `
update node_edge set pos = pos + 1
where time_removed is null and base_id = ? and ctx = ? and pos >= ?
`, baseID, edgeCtx, *index); err != nil {
			return wrapErr("shift edges for insert", err)
		}
	}

	posExpr := "coalesce((select max(pos) + 1 from node_edge where time_removed is null and base_id = ? and ctx = ?), 0)"
	posArgs := []any{baseID, edgeCtx}
	if index != nil {
		posExpr = "?"
		posArgs = []any{*index}
	}

	query := fmt.Sprintf(`
insert into node_edge (base_id, ctx, child_id, pos)
select ?, ?, ?, %s
where exists (select 1 from %s where time_removed is null and id = ? and ctx = ?)
	and exists (select 1 from node where time_removed is null and id = ?)
`, posExpr, baseTable)
	args := append([]any{baseID, edgeCtx, childID}, posArgs...)
	args = append(args, baseID, edgeCtx, childID)
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapErr("insert edge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("insert edge rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("backend: insert edge: parent or child not live")
	}
	return nil
}

// ReorderEdge relocates childID to newPos within baseID's (edgeCtx) child
// list, clamping to the last valid index and sliding the intermediate rows
// by one toward the old slot. Returns whether a row moved.
func ReorderEdge(ctx context.Context, q Queryer, baseID int64, edgeCtx int, childID int64, newPos int) (bool, error) {
	row := q.QueryRowContext(ctx, `
select count(*) - 1 from node_edge where time_removed is null and base_id = ? and ctx = ?
`, baseID, edgeCtx)
	var maxPos int
	if err := row.Scan(&maxPos); err != nil {
		return false, wrapErr("count edges for reorder", err)
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
select pos from node_edge where time_removed is null and base_id = ? and ctx = ? and child_id = ?
`, baseID, edgeCtx, childID)
	var oldPos int
	if err := row.Scan(&oldPos); err != nil {
		if err == errNoRows {
			return false, nil
		}
		return false, wrapErr("select edge position for reorder", err)
	}
	if oldPos == newPos {
		return true, nil
	}

	if newPos < oldPos {
		if _, err := q.ExecContext(ctx, `
update node_edge set pos = pos + 1
where time_removed is null and base_id = ? and ctx = ? and pos >= ? and pos < ?
`, baseID, edgeCtx, newPos, oldPos); err != nil {
			return false, wrapErr("shift edges down", err)
		}
	} else {
		if _, err := q.ExecContext(ctx, `
update node_edge set pos = pos - 1
where time_removed is null and base_id = ? and ctx = ? and pos > ? and pos <= ?
`, baseID, edgeCtx, oldPos, newPos); err != nil {
			return false, wrapErr("shift edges up", err)
		}
	}

	if _, err := q.ExecContext(ctx, `
update node_edge set pos = ?
where time_removed is null and base_id = ? and ctx = ? and child_id = ?
`, newPos, baseID, edgeCtx, childID); err != nil {
		return false, wrapErr("set reordered edge position", err)
	}
	return true, nil
}

// GetNode returns the live node at (id, nodeCtx).
func GetNode(ctx context.Context, q Queryer, id int64, nodeCtx int, storage registry.Storage) (*Node, error) {
	col := valueColumn(storage)
	query := fmt.Sprintf(`
select %s, flags from node where time_removed is null and id = ? and ctx = ?
`, col)
	row := q.QueryRowContext(ctx, query, id, nodeCtx)

	n := &Node{ID: id, Ctx: nodeCtx, Value: registry.Value{Storage: storage}}
	var scanErr error
	switch storage {
	case registry.StorageInt:
		scanErr = row.Scan(&n.Value.Int, &n.Flags)
	case registry.StorageBytes, registry.StorageSerialized:
		scanErr = row.Scan(&n.Value.Bytes, &n.Flags)
	default:
		scanErr = row.Scan(&n.Value.Text, &n.Flags)
	}
	if scanErr != nil {
		if scanErr == errNoRows {
			return nil, nil
		}
		return nil, wrapErr("select node", scanErr)
	}
	return n, nil
}

// ListChildren returns the live child ids of baseID in edgeCtx, ordered by
// position.
func ListChildren(ctx context.Context, q Queryer, baseID int64, edgeCtx int) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
select child_id
from node_edge
where time_removed is null and base_id = ? and ctx = ?
order by pos
`, baseID, edgeCtx)
	if err != nil {
		return nil, wrapErr("list children", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("scan child id", err)
		}
		out = append(out, id)
	}
	return out, rowsErr(rows)
}

// UpdateNode replaces a node's value, optionally requiring it to currently
// hold oldVal (compare-and-swap semantics for concurrent updaters).
func UpdateNode(ctx context.Context, q Queryer, id int64, nodeCtx int, storage registry.Storage, newVal registry.Value, checkOld bool, oldVal registry.Value) (bool, error) {
	col := valueColumn(storage)
	query := fmt.Sprintf(`update node set %s = ? where time_removed is null and id = ? and ctx = ?`, col)
	args := []any{propertyArg(storage, newVal), id, nodeCtx}
	if checkOld {
		query += fmt.Sprintf(" and %s = ?", col)
		args = append(args, propertyArg(storage, oldVal))
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, wrapErr("update node", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("update node rows affected", err)
	}
	return n > 0, nil
}

// IncrementNode adds by to a numeric node's value, clamping at limit when set
// (same least/greatest ceiling/floor shape as IncrementProperty).
func IncrementNode(ctx context.Context, q Queryer, id int64, nodeCtx int, by int64, hasLimit bool, limit int64) (int64, bool, error) {
	pin := "least"
	if by < 0 {
		pin = "greatest"
	}

	var query string
	var args []any
	if hasLimit {
		query = fmt.Sprintf(`
update node set num = %s(num + ?, ?)
where time_removed is null and id = ? and ctx = ?
`, pin)
		args = []any{by, limit, id, nodeCtx}
	} else {
		query = `update node set num = num + ? where time_removed is null and id = ? and ctx = ?`
		args = []any{by, id, nodeCtx}
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, false, wrapErr("increment node", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, wrapErr("increment node rows affected", err)
	}
	if n == 0 {
		return 0, false, nil
	}

	row := q.QueryRowContext(ctx, `select num from node where time_removed is null and id = ? and ctx = ?`, id, nodeCtx)
	var num int64
	if err := row.Scan(&num); err != nil {
		return 0, false, wrapErr("increment node read-back", err)
	}
	return num, true, nil
}

// RemoveEdge tombstones the edge linking child to baseID, closing the gap in
// the remaining siblings' positions so the child list stays densely ordered.
func RemoveEdge(ctx context.Context, q Queryer, baseID int64, edgeCtx int, childID int64) (bool, error) {
	row := q.QueryRowContext(ctx, `
select pos from node_edge where time_removed is null and base_id = ? and ctx = ? and child_id = ?
`, baseID, edgeCtx, childID)
	var pos int
	if err := row.Scan(&pos); err != nil {
		if err == errNoRows {
			return false, nil
		}
		return false, wrapErr("select edge position", err)
	}

	if _, err := q.ExecContext(ctx, `
update node_edge set time_removed = now()
where time_removed is null and base_id = ? and ctx = ? and child_id = ?
`, baseID, edgeCtx, childID); err != nil {
		return false, wrapErr("remove edge", err)
	}

	if _, err := q.ExecContext(ctx, `
update node_edge set pos = pos - 1
where time_removed is null and base_id = ? and ctx = ? and pos > ?
`, baseID, edgeCtx, pos); err != nil {
		return false, wrapErr("close edge position gap", err)
	}
	return true, nil
}


// RemoveNode tombstones a single node row.
func RemoveNode(ctx context.Context, q Queryer, id int64, nodeCtx int) (bool, error) {
	res, err := q.ExecContext(ctx, `
update node set time_removed = now() where time_removed is null and id = ? and ctx = ?
`, id, nodeCtx)
	if err != nil {
		return false, wrapErr("remove node", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("remove node rows affected", err)
	}
	return n > 0, nil
}

// RemoveEdgesMultipleBases tombstones every live edge hung off any of
// baseIDs and returns the tombstoned child ids, one round of the estate
// walker's per-shard cascade: each returned id is a node that may itself
// have further children, possibly on a different shard than baseIDs'.
func RemoveEdgesMultipleBases(ctx context.Context, q Queryer, baseIDs []int64) ([]int64, error) {
	if len(baseIDs) == 0 {
		return nil, nil
	}
	selectQuery, args := inClauseQuery(`
select child_id from node_edge where time_removed is null and base_id in (%s)
`, baseIDs)
	rows, err := q.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, wrapErr("select edges for bulk remove", err)
	}
	var children []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, wrapErr("scan edge child for bulk remove", err)
		}
		children = append(children, id)
	}
	if err := rowsErr(rows); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	updateQuery, uargs := inClauseQuery(`
update node_edge set time_removed = now() where time_removed is null and base_id in (%s)
`, baseIDs)
	if _, err := q.ExecContext(ctx, updateQuery, uargs...); err != nil {
		return nil, wrapErr("remove edges multiple bases", err)
	}
	return children, nil
}

// RemoveNodesMultiple tombstones every live node row in ids.
func RemoveNodesMultiple(ctx context.Context, q Queryer, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClauseQuery(`
update node set time_removed = now() where time_removed is null and id in (%s)
`, ids)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return wrapErr("remove nodes multiple", err)
	}
	return nil
}
