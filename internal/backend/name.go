package backend

import (
	"context"
	"fmt"
	"strings"
)

// Name is a searchable string hung off a base row. The primary row lives on
// the base id's shard; discoverability comes from a secondary row in
// prefix_lookup or phonetic_lookup (per the context's configured Search
// strategy) on a shard routed from the value itself, so a search never has
// to scan every shard's name table.
type Name struct {
	BaseID   int64
	Ctx      int
	Value    string
	Position int
	Flags    uint16
	Code     string // phonetic code, populated only by SearchByPhonetic
}

// InsertName inserts a primary name row gated on the parent row still being
// live. index behaves like InsertAlias/InsertEdge: nil appends at the list
// tail.
func InsertName(ctx context.Context, q Queryer, baseTable string, baseID int64, nameCtx int, value string, index *int, flags uint16) (bool, error) {
	if index != nil {
		if _, err := q.ExecContext(ctx, `
update name set pos = pos + 1
where time_removed is null and base_id = ? and ctx = ? and pos >= ?
`, baseID, nameCtx, *index); err != nil {
			return false, wrapErr("shift names for insert", err)
		}
	}

	posExpr := "coalesce((select max(pos) + 1 from name where time_removed is null and base_id = ? and ctx = ?), 0)"
	posArgs := []any{baseID, nameCtx}
	if index != nil {
		posExpr = "?"
		posArgs = []any{*index}
	}

	query := fmt.Sprintf(`
insert into name (base_id, ctx, value, pos, flags)
select ?, ?, ?, %s, ?
where exists (select 1 from %s where time_removed is null and id = ? and ctx = ?)
`, posExpr, baseTable)

	args := append([]any{baseID, nameCtx, value}, posArgs...)
	args = append(args, flags, baseID, nameCtx)

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, wrapErr("insert name", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("insert name rows affected", err)
	}
	return n > 0, nil
}

// InsertPrefixLookup inserts the secondary prefix_lookup row that makes a
// name discoverable by leading substring on the shard routed from the
// value's first byte.
func InsertPrefixLookup(ctx context.Context, q Queryer, value string, nameCtx int, baseID int64, flags uint16) error {
	if _, err := q.ExecContext(ctx, `
insert into prefix_lookup (value, ctx, base_id, flags)
values (?, ?, ?, ?)
`, value, nameCtx, baseID, flags); err != nil {
		return wrapErr("insert prefix lookup", err)
	}
	return nil
}

// InsertPhoneticLookup inserts the secondary phonetic_lookup row for one
// phonetic code of a name. A name with an alternate pronunciation gets two
// rows, one per code, each routed by its own code.
func InsertPhoneticLookup(ctx context.Context, q Queryer, code, value string, nameCtx int, baseID int64, flags uint16) error {
	if _, err := q.ExecContext(ctx, `
insert into phonetic_lookup (code, value, ctx, base_id, flags)
values (?, ?, ?, ?, ?)
`, code, value, nameCtx, baseID, flags); err != nil {
		return wrapErr("insert phonetic lookup", err)
	}
	return nil
}

// SelectPrefixLookup reports whether a live prefix_lookup row exists for
// exactly (value, nameCtx, baseID), returning its flags.
func SelectPrefixLookup(ctx context.Context, q Queryer, value string, nameCtx int, baseID int64) (found bool, flags uint16, err error) {
	row := q.QueryRowContext(ctx, `
select flags from prefix_lookup
where time_removed is null and value = ? and ctx = ? and base_id = ?
`, value, nameCtx, baseID)
	if scanErr := row.Scan(&flags); scanErr != nil {
		if scanErr == errNoRows {
			return false, 0, nil
		}
		return false, 0, wrapErr("select prefix lookup", scanErr)
	}
	return true, flags, nil
}

// SelectPhoneticLookup reports whether a live phonetic_lookup row exists for
// exactly (code, value, nameCtx, baseID), returning its flags.
func SelectPhoneticLookup(ctx context.Context, q Queryer, code, value string, nameCtx int, baseID int64) (found bool, flags uint16, err error) {
	row := q.QueryRowContext(ctx, `
select flags from phonetic_lookup
where time_removed is null and code = ? and value = ? and ctx = ? and base_id = ?
`, code, value, nameCtx, baseID)
	if scanErr := row.Scan(&flags); scanErr != nil {
		if scanErr == errNoRows {
			return false, 0, nil
		}
		return false, 0, wrapErr("select phonetic lookup", scanErr)
	}
	return true, flags, nil
}

// RemovePrefixLookup tombstones the prefix_lookup row for exactly
// (value, nameCtx, baseID).
func RemovePrefixLookup(ctx context.Context, q Queryer, value string, nameCtx int, baseID int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
update prefix_lookup
set time_removed = now()
where time_removed is null and value = ? and ctx = ? and base_id = ?
`, value, nameCtx, baseID)
	if err != nil {
		return false, wrapErr("remove prefix lookup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("remove prefix lookup rows affected", err)
	}
	return n > 0, nil
}

// RemovePhoneticLookup tombstones the phonetic_lookup row for exactly
// (code, value, nameCtx, baseID).
func RemovePhoneticLookup(ctx context.Context, q Queryer, code, value string, nameCtx int, baseID int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
update phonetic_lookup
set time_removed = now()
where time_removed is null and code = ? and value = ? and ctx = ? and base_id = ?
`, code, value, nameCtx, baseID)
	if err != nil {
		return false, wrapErr("remove phonetic lookup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("remove phonetic lookup rows affected", err)
	}
	return n > 0, nil
}

// PrefixLookupKey identifies one prefix_lookup row for bulk removal.
type PrefixLookupKey struct {
	Value  string
	Ctx    int
	BaseID int64
}

// PhoneticLookupKey identifies one phonetic_lookup row for bulk removal.
type PhoneticLookupKey struct {
	Code   string
	Value  string
	Ctx    int
	BaseID int64
}

// RemovePrefixLookupsMulti tombstones every live prefix_lookup row matching
// any of keys, used by the estate walker's per-shard bucket drain.
func RemovePrefixLookupsMulti(ctx context.Context, q Queryer, keys []PrefixLookupKey) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := make([]string, len(keys))
	args := make([]any, 0, len(keys)*3)
	for i, k := range keys {
		placeholders[i] = "(?, ?, ?)"
		args = append(args, k.Value, k.Ctx, k.BaseID)
	}
	query := fmt.Sprintf(`
update prefix_lookup
set time_removed = now()
where time_removed is null and (value, ctx, base_id) in (%s)
`, strings.Join(placeholders, ","))
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return wrapErr("remove prefix lookups multi", err)
	}
	return nil
}

// RemovePhoneticLookupsMulti tombstones every live phonetic_lookup row
// matching any of keys.
func RemovePhoneticLookupsMulti(ctx context.Context, q Queryer, keys []PhoneticLookupKey) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := make([]string, len(keys))
	args := make([]any, 0, len(keys)*4)
	for i, k := range keys {
		placeholders[i] = "(?, ?, ?, ?)"
		args = append(args, k.Code, k.Value, k.Ctx, k.BaseID)
	}
	query := fmt.Sprintf(`
update phonetic_lookup
set time_removed = now()
where time_removed is null and (code, value, ctx, base_id) in (%s)
`, strings.Join(placeholders, ","))
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return wrapErr("remove phonetic lookups multi", err)
	}
	return nil
}

// SelectNames lists the live names hung off baseID in nameCtx, ordered by
// position.
func SelectNames(ctx context.Context, q Queryer, baseID int64, nameCtx int) ([]Name, error) {
	rows, err := q.QueryContext(ctx, `
select value, pos, flags from name where time_removed is null and base_id = ? and ctx = ?
order by pos
`, baseID, nameCtx)
	if err != nil {
		return nil, wrapErr("select names", err)
	}
	defer rows.Close()

	var out []Name
	for rows.Next() {
		n := Name{BaseID: baseID, Ctx: nameCtx}
		if err := rows.Scan(&n.Value, &n.Position, &n.Flags); err != nil {
			return nil, wrapErr("scan name", err)
		}
		out = append(out, n)
	}
	return out, rowsErr(rows)
}

// ShiftName relocates the name identified by value to newPos within
// baseID's (nameCtx) list, clamping to the last valid index. Positions only
// exist on the primary row; lookup rows are unordered.
func ShiftName(ctx context.Context, q Queryer, baseID int64, nameCtx int, value string, newPos int) (bool, error) {
	row := q.QueryRowContext(ctx, `
select count(*) - 1 from name where time_removed is null and base_id = ? and ctx = ?
`, baseID, nameCtx)
	var maxPos int
	if err := row.Scan(&maxPos); err != nil {
		return false, wrapErr("count names for shift", err)
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
select pos from name where time_removed is null and base_id = ? and ctx = ? and value = ?
`, baseID, nameCtx, value)
	var oldPos int
	if err := row.Scan(&oldPos); err != nil {
		if err == errNoRows {
			return false, nil
		}
		return false, wrapErr("select name position for shift", err)
	}
	if oldPos == newPos {
		return true, nil
	}

	if newPos < oldPos {
		if _, err := q.ExecContext(ctx, `
update name set pos = pos + 1
where time_removed is null and base_id = ? and ctx = ? and pos >= ? and pos < ?
`, baseID, nameCtx, newPos, oldPos); err != nil {
			return false, wrapErr("shift names down", err)
		}
	} else {
		if _, err := q.ExecContext(ctx, `
update name set pos = pos - 1
where time_removed is null and base_id = ? and ctx = ? and pos > ? and pos <= ?
`, baseID, nameCtx, oldPos, newPos); err != nil {
			return false, wrapErr("shift names up", err)
		}
	}

	if _, err := q.ExecContext(ctx, `
update name set pos = ?
where time_removed is null and base_id = ? and ctx = ? and value = ?
`, newPos, baseID, nameCtx, value); err != nil {
		return false, wrapErr("set shifted name position", err)
	}
	return true, nil
}

// RemoveName tombstones a single primary name row by its exact value, closing
// the gap in the remaining siblings' positions. Lookup-row cleanup is the
// caller's job; which lookup table a name has rows in depends on the
// context's Search strategy, which the query layer doesn't know.
func RemoveName(ctx context.Context, q Queryer, baseID int64, nameCtx int, value string) (bool, error) {
	row := q.QueryRowContext(ctx, `
select pos from name where time_removed is null and base_id = ? and ctx = ? and value = ?
`, baseID, nameCtx, value)
	var pos int
	if err := row.Scan(&pos); err != nil {
		if err == errNoRows {
			return false, nil
		}
		return false, wrapErr("select name position", err)
	}

	if _, err := q.ExecContext(ctx, `
update name set time_removed = now()
where time_removed is null and base_id = ? and ctx = ? and value = ?
`, baseID, nameCtx, value); err != nil {
		return false, wrapErr("remove name", err)
	}

	if _, err := q.ExecContext(ctx, `
update name set pos = pos - 1
where time_removed is null and base_id = ? and ctx = ? and pos > ?
`, baseID, nameCtx, pos); err != nil {
		return false, wrapErr("close name position gap", err)
	}
	return true, nil
}

// RemovedName is one row tombstoned by a bulk removal, enough for the estate
// walker to compute which lookup-table shards need a follow-up tombstone.
type RemovedName struct {
	BaseID int64
	Value  string
	Ctx    int
}

// RemoveNamesMultipleBases tombstones every live name hung off any of
// baseIDs and returns enough of each removed row for secondary lookup-table
// cleanup, the same select-then-update shape as RemoveAliasesMultipleBases.
func RemoveNamesMultipleBases(ctx context.Context, q Queryer, baseIDs []int64) ([]RemovedName, error) {
	if len(baseIDs) == 0 {
		return nil, nil
	}
	selectQuery, args := inClauseQuery(`
select base_id, value, ctx from name where time_removed is null and base_id in (%s)
`, baseIDs)
	rows, err := q.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, wrapErr("select names for bulk remove", err)
	}
	var removed []RemovedName
	for rows.Next() {
		var r RemovedName
		if err := rows.Scan(&r.BaseID, &r.Value, &r.Ctx); err != nil {
			rows.Close()
			return nil, wrapErr("scan name for bulk remove", err)
		}
		removed = append(removed, r)
	}
	if err := rowsErr(rows); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	updateQuery, uargs := inClauseQuery(`
update name set time_removed = now() where time_removed is null and base_id in (%s)
`, baseIDs)
	if _, err := q.ExecContext(ctx, updateQuery, uargs...); err != nil {
		return nil, wrapErr("remove names multiple bases", err)
	}
	return removed, nil
}

// SearchByPrefix lists live prefix_lookup rows in nameCtx whose value starts
// with prefix, ordered lexically, capped at limit rows.
func SearchByPrefix(ctx context.Context, q Queryer, nameCtx int, prefix string, limit int) ([]Name, error) {
	rows, err := q.QueryContext(ctx, `
select base_id, value, flags
from prefix_lookup
where time_removed is null and ctx = ? and value like concat(?, '%')
order by value
limit ?
`, nameCtx, prefix, limit)
	if err != nil {
		return nil, wrapErr("search name by prefix", err)
	}
	defer rows.Close()

	var out []Name
	for rows.Next() {
		n := Name{Ctx: nameCtx}
		if err := rows.Scan(&n.BaseID, &n.Value, &n.Flags); err != nil {
			return nil, wrapErr("scan name prefix result", err)
		}
		out = append(out, n)
	}
	return out, rowsErr(rows)
}

// SearchByPhonetic lists live phonetic_lookup rows in nameCtx matching one
// phonetic code. A loose search is two calls, one per code of the query.
func SearchByPhonetic(ctx context.Context, q Queryer, nameCtx int, code string, limit int) ([]Name, error) {
	rows, err := q.QueryContext(ctx, `
select base_id, value, flags
from phonetic_lookup
where time_removed is null and ctx = ? and code = ?
order by base_id
limit ?
`, nameCtx, code, limit)
	if err != nil {
		return nil, wrapErr("search name by phonetic", err)
	}
	defer rows.Close()

	var out []Name
	for rows.Next() {
		n := Name{Ctx: nameCtx, Code: code}
		if err := rows.Scan(&n.BaseID, &n.Value, &n.Flags); err != nil {
			return nil, wrapErr("scan name phonetic result", err)
		}
		out = append(out, n)
	}
	return out, rowsErr(rows)
}
