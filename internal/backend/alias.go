package backend

import (
	"context"
	"fmt"
	"strings"
)

// Alias is a value that must be globally unique within its context, enforced
// through a separate alias_lookup table keyed by the value's HMAC digest
// (shard.Router.Digest) rather than the value itself, so lookups route to a
// shard without scanning every shard's alias table.
type Alias struct {
	BaseID   int64
	Ctx      int
	Value    string
	Position int
	Flags    uint16
}

// SelectAliasLookup returns the owning base id for a digest, or found=false.
func SelectAliasLookup(ctx context.Context, q Queryer, digest []byte, aliasCtx int) (found bool, baseID int64, flags uint16, err error) {
	row := q.QueryRowContext(ctx, `
select base_id, flags
from alias_lookup
where time_removed is null and hash = ? and ctx = ?
`, digest, aliasCtx)
	if scanErr := row.Scan(&baseID, &flags); scanErr != nil {
		if scanErr == errNoRows {
			return false, 0, 0, nil
		}
		return false, 0, 0, wrapErr("select alias lookup", scanErr)
	}
	return true, baseID, flags, nil
}

// SelectAliases lists the live aliases hung off baseID in aliasCtx, ordered
// by position.
func SelectAliases(ctx context.Context, q Queryer, baseID int64, aliasCtx int) ([]Alias, error) {
	rows, err := q.QueryContext(ctx, `
select value, pos, flags
from alias
where time_removed is null and base_id = ? and ctx = ?
order by pos
`, baseID, aliasCtx)
	if err != nil {
		return nil, wrapErr("select aliases", err)
	}
	defer rows.Close()

	var out []Alias
	for rows.Next() {
		a := Alias{BaseID: baseID, Ctx: aliasCtx}
		if err := rows.Scan(&a.Value, &a.Position, &a.Flags); err != nil {
			return nil, wrapErr("scan alias", err)
		}
		out = append(out, a)
	}
	return out, rowsErr(rows)
}

// MaybeInsertAliasLookup inserts a lookup row for digest only if none already
// exists; returns the (possibly pre-existing) owning base id so a caller can
// tell a fresh insert from a collision with a different base.
func MaybeInsertAliasLookup(ctx context.Context, q Queryer, digest []byte, aliasCtx int, baseID int64, flags uint16) (inserted bool, owningBaseID int64, err error) {
	row := q.QueryRowContext(ctx, `
select base_id from alias_lookup where time_removed is null and hash = ? and ctx = ?
`, digest, aliasCtx)
	var existing int64
	scanErr := row.Scan(&existing)
	switch scanErr {
	case nil:
		return false, existing, nil
	default:
		if scanErr != errNoRows {
			return false, 0, wrapErr("select alias lookup for insert", scanErr)
		}
	}

	_, err = q.ExecContext(ctx, `
insert into alias_lookup (hash, ctx, base_id, flags)
values (?, ?, ?, ?)
`, digest, aliasCtx, baseID, flags)
	if err != nil {
		if IsIntegrityViolation(err) {
			// Lost the race to a concurrent insert; re-read the winner.
			row := q.QueryRowContext(ctx, `
select base_id from alias_lookup where time_removed is null and hash = ? and ctx = ?
`, digest, aliasCtx)
			var winner int64
			if scanErr := row.Scan(&winner); scanErr != nil {
				return false, 0, wrapErr("re-read alias lookup after race", scanErr)
			}
			return false, winner, nil
		}
		return false, 0, wrapErr("insert alias lookup", err)
	}
	return true, baseID, nil
}

// InsertAlias inserts an alias row gated on the parent still being live,
// evaluated in the same statement so a concurrent tombstone of baseTable
// can't race the insert (invariant: no live child of a tombstoned parent).
// index behaves like InsertEdge: nil appends at the list tail, otherwise the
// existing rows at position >= *index are bumped up by one first.
func InsertAlias(ctx context.Context, q Queryer, baseTable string, baseID int64, aliasCtx int, value string, index *int, flags uint16) (bool, error) {
	if index != nil {
		if _, err := q.ExecContext(ctx, `
update alias set pos = pos + 1
where time_removed is null and base_id = ? and ctx = ? and pos >= ?
`, baseID, aliasCtx, *index); err != nil {
			return false, wrapErr("shift aliases for insert", err)
		}
	}

	posExpr := "coalesce((select max(pos) + 1 from alias where time_removed is null and base_id = ? and ctx = ?), 0)"
	posArgs := []any{baseID, aliasCtx}
	if index != nil {
		posExpr = "?"
		posArgs = []any{*index}
	}

	query := fmt.Sprintf(`
insert into alias (base_id, ctx, value, pos, flags)
select ?, ?, ?, %s, ?
where exists (select 1 from %s where time_removed is null and id = ? and ctx = ?)
`, posExpr, baseTable)

	args := append([]any{baseID, aliasCtx, value}, posArgs...)
	args = append(args, flags, baseID, aliasCtx)

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, wrapErr("insert alias", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("insert alias rows affected", err)
	}
	return n > 0, nil
}

// ShiftAlias relocates the alias identified by value to newPos within
// baseID's (aliasCtx) list, clamping to the last valid index — same
// semantics as ReorderEdge, keyed by value instead of child id since aliases
// have no secondary id of their own.
func ShiftAlias(ctx context.Context, q Queryer, baseID int64, aliasCtx int, value string, newPos int) (bool, error) {
	row := q.QueryRowContext(ctx, `
select count(*) - 1 from alias where time_removed is null and base_id = ? and ctx = ?
`, baseID, aliasCtx)
	var maxPos int
	if err := row.Scan(&maxPos); err != nil {
		return false, wrapErr("count aliases for shift", err)
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
select pos from alias where time_removed is null and base_id = ? and ctx = ? and value = ?
`, baseID, aliasCtx, value)
	var oldPos int
	if err := row.Scan(&oldPos); err != nil {
		if err == errNoRows {
			return false, nil
		}
		return false, wrapErr("select alias position for shift", err)
	}
	if oldPos == newPos {
		return true, nil
	}

	if newPos < oldPos {
		if _, err := q.ExecContext(ctx, `
update alias set pos = pos + 1
where time_removed is null and base_id = ? and ctx = ? and pos >= ? and pos < ?
`, baseID, aliasCtx, newPos, oldPos); err != nil {
			return false, wrapErr("shift aliases down", err)
		}
	} else {
		if _, err := q.ExecContext(ctx, `
update alias set pos = pos - 1
where time_removed is null and base_id = ? and ctx = ? and pos > ? and pos <= ?
`, baseID, aliasCtx, oldPos, newPos); err != nil {
			return false, wrapErr("shift aliases up", err)
		}
	}

	if _, err := q.ExecContext(ctx, `
update alias set pos = ?
where time_removed is null and base_id = ? and ctx = ? and value = ?
`, newPos, baseID, aliasCtx, value); err != nil {
		return false, wrapErr("set shifted alias position", err)
	}
	return true, nil
}

// RemoveAliasLookup tombstones the lookup row for digest, but only if it
// still points at baseID (it may have been reassigned after a prior alias
// removal freed the value for reuse).
func RemoveAliasLookup(ctx context.Context, q Queryer, digest []byte, aliasCtx int, baseID int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
update alias_lookup
set time_removed = now()
where time_removed is null and hash = ? and ctx = ? and base_id = ?
`, digest, aliasCtx, baseID)
	if err != nil {
		return false, wrapErr("remove alias lookup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("remove alias lookup rows affected", err)
	}
	return n > 0, nil
}

// RemoveAlias tombstones a single alias row by its exact value, closing the
// gap in the remaining siblings' positions.
func RemoveAlias(ctx context.Context, q Queryer, baseID int64, aliasCtx int, value string) (bool, error) {
	row := q.QueryRowContext(ctx, `
select pos from alias where time_removed is null and base_id = ? and ctx = ? and value = ?
`, baseID, aliasCtx, value)
	var pos int
	if err := row.Scan(&pos); err != nil {
		if err == errNoRows {
			return false, nil
		}
		return false, wrapErr("select alias position", err)
	}

	if _, err := q.ExecContext(ctx, `
update alias
set time_removed = now()
where time_removed is null and base_id = ? and ctx = ? and value = ?
`, baseID, aliasCtx, value); err != nil {
		return false, wrapErr("remove alias", err)
	}

	if _, err := q.ExecContext(ctx, `
update alias set pos = pos - 1
where time_removed is null and base_id = ? and ctx = ? and pos > ?
`, baseID, aliasCtx, pos); err != nil {
		return false, wrapErr("close alias position gap", err)
	}
	return true, nil
}

// RemoveAliasLookupsMulti tombstones every live alias_lookup row matching any
// of the given (digest, ctx) keys. It reports only an error, not which keys
// matched a live row.
// Tombstoning goes by (hash, ctx) pairs without checking base_id — callers
// build their key set from rows already known to be removed, so a digest
// reassigned to a new owner in the meantime won't be in the set.
func RemoveAliasLookupsMulti(ctx context.Context, q Queryer, digests [][]byte, ctxs []int) error {
	if len(digests) == 0 {
		return nil
	}
	placeholders := make([]string, len(digests))
	args := make([]any, 0, len(digests)*2)
	for i := range digests {
		placeholders[i] = "(?, ?)"
		args = append(args, digests[i], ctxs[i])
	}
	query := fmt.Sprintf(`
update alias_lookup
set time_removed = now()
where time_removed is null and (hash, ctx) in (%s)
`, strings.Join(placeholders, ","))
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return wrapErr("remove alias lookups multi", err)
	}
	return nil
}

// RemovedAlias is one row tombstoned by a bulk removal, enough for the
// estate walker to compute which lookup-table shards need a follow-up
// tombstone of the corresponding alias_lookup row.
type RemovedAlias struct {
	Value string
	Ctx   int
}

// RemoveAliasesMultipleBases tombstones every live alias hung off any of
// baseIDs and returns enough of each removed row for secondary lookup-table
// cleanup.
func RemoveAliasesMultipleBases(ctx context.Context, q Queryer, baseIDs []int64) ([]RemovedAlias, error) {
	if len(baseIDs) == 0 {
		return nil, nil
	}
	selectQuery, args := inClauseQuery(`
select value, ctx from alias where time_removed is null and base_id in (%s)
`, baseIDs)
	rows, err := q.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, wrapErr("select aliases for bulk remove", err)
	}
	var removed []RemovedAlias
	for rows.Next() {
		var r RemovedAlias
		if err := rows.Scan(&r.Value, &r.Ctx); err != nil {
			rows.Close()
			return nil, wrapErr("scan alias for bulk remove", err)
		}
		removed = append(removed, r)
	}
	if err := rowsErr(rows); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	updateQuery, uargs := inClauseQuery(`
update alias set time_removed = now() where time_removed is null and base_id in (%s)
`, baseIDs)
	if _, err := q.ExecContext(ctx, updateQuery, uargs...); err != nil {
		return nil, wrapErr("remove aliases multiple bases", err)
	}
	return removed, nil
}
