package backend

import (
	"context"
	"fmt"

	"github.com/latticedb/latticedb/internal/registry"
)

// Property is a single-valued attribute hung off a base row.
type Property struct {
	BaseID int64
	Ctx    int
	Value  registry.Value
	Flags  uint16
}

// valueColumn returns the column a storage class is persisted in; Int values
// get their own column so range/increment operations can use native numeric
// comparison instead of casting a text column on every call.
func valueColumn(s registry.Storage) string {
	if s == registry.StorageInt {
		return "num"
	}
	return "value"
}

// SelectProperty returns the live property at (baseID, propCtx), or found=false.
func SelectProperty(ctx context.Context, q Queryer, baseID int64, propCtx int, storage registry.Storage) (found bool, val registry.Value, flags uint16, err error) {
	col := valueColumn(storage)
	query := fmt.Sprintf(`
select %s, flags
from property
where time_removed is null and base_id = ? and ctx = ?
`, col)

	row := q.QueryRowContext(ctx, query, baseID, propCtx)
	val = registry.Value{Storage: storage}
	var scanErr error
	switch storage {
	case registry.StorageInt:
		scanErr = row.Scan(&val.Int, &flags)
	case registry.StorageBytes, registry.StorageSerialized:
		scanErr = row.Scan(&val.Bytes, &flags)
	default:
		scanErr = row.Scan(&val.Text, &flags)
	}
	if scanErr != nil {
		if scanErr == errNoRows {
			return false, registry.Value{}, 0, nil
		}
		return false, registry.Value{}, 0, wrapErr("select property", scanErr)
	}
	return true, val, flags, nil
}

// UpsertProperty tries to update a live property row, and inserts one only if
// no update happened and the parent row exists. MySQL's lack of
// RETURNING/writable CTEs makes this two statements instead of one: an UPDATE, then a conditional
// INSERT gated on both "no update happened" and "parent exists". A concurrent
// insert between the two statements surfaces as a duplicate-key error, which
// callers detect with IsIntegrityViolation and resolve by retrying the update.
func UpsertProperty(ctx context.Context, q Queryer, baseTable string, baseID int64, propCtx int, storage registry.Storage, val registry.Value, flags uint16) (inserted, updated bool, err error) {
	col := valueColumn(storage)
	v := propertyArg(storage, val)

	updateQuery := fmt.Sprintf(`
update property
set %s = ?, flags = ?
where time_removed is null and base_id = ? and ctx = ?
`, col)
	res, err := q.ExecContext(ctx, updateQuery, v, flags, baseID, propCtx)
	if err != nil {
		return false, false, wrapErr("upsert property update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, false, wrapErr("upsert property rows affected", err)
	}
	if n > 0 {
		return false, true, nil
	}

	insertQuery := fmt.Sprintf(`
insert into property (base_id, ctx, %s, flags)
select ?, ?, ?, ?
where exists (select 1 from %s where time_removed is null and id = ? and ctx = ?)
`, col, baseTable)
	res, err = q.ExecContext(ctx, insertQuery, baseID, propCtx, v, flags, baseID, propCtx)
	if err != nil {
		return false, false, wrapErr("upsert property insert", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, false, wrapErr("upsert property insert rows affected", err)
	}
	return n > 0, false, nil
}

// UpdateProperty changes the value of an existing live property row.
func UpdateProperty(ctx context.Context, q Queryer, baseID int64, propCtx int, storage registry.Storage, val registry.Value) (bool, error) {
	col := valueColumn(storage)
	query := fmt.Sprintf(`
update property
set %s = ?
where time_removed is null and base_id = ? and ctx = ?
`, col)
	res, err := q.ExecContext(ctx, query, propertyArg(storage, val), baseID, propCtx)
	if err != nil {
		return false, wrapErr("update property", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("update property rows affected", err)
	}
	return n > 0, nil
}

// IncrementProperty adds by to the numeric property's value, clamping at
// limit when set. The sign of by picks the ceiling/floor comparison so the
// same statement serves increment-toward-a-ceiling and
// decrement-toward-a-floor alike.
func IncrementProperty(ctx context.Context, q Queryer, baseID int64, propCtx int, by int64, hasLimit bool, limit int64) (int64, bool, error) {
	pin := "least"
	if by < 0 {
		pin = "greatest"
	}

	var query string
	var args []any
	if hasLimit {
		query = fmt.Sprintf(`
update property
set num = %s(num + ?, ?)
where time_removed is null and base_id = ? and ctx = ?
`, pin)
		args = []any{by, limit, baseID, propCtx}
	} else {
		query = `
update property
set num = num + ?
where time_removed is null and base_id = ? and ctx = ?
`
		args = []any{by, baseID, propCtx}
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, false, wrapErr("increment property", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, wrapErr("increment property rows affected", err)
	}
	if n == 0 {
		return 0, false, nil
	}

	row := q.QueryRowContext(ctx, `
select num from property where time_removed is null and base_id = ? and ctx = ?
`, baseID, propCtx)
	var num int64
	if err := row.Scan(&num); err != nil {
		return 0, false, wrapErr("increment property read-back", err)
	}
	return num, true, nil
}

// RemoveProperty tombstones a single property, optionally requiring it to
// currently hold value (a compare-and-remove, used when a caller wants to
// remove only if the value hasn't changed since it was read).
func RemoveProperty(ctx context.Context, q Queryer, baseID int64, propCtx int, storage registry.Storage, checkValue bool, val registry.Value) (bool, error) {
	query := `
update property
set time_removed = now()
where time_removed is null and base_id = ? and ctx = ?
`
	args := []any{baseID, propCtx}
	if checkValue {
		col := valueColumn(storage)
		query += fmt.Sprintf(" and %s = ?", col)
		args = append(args, propertyArg(storage, val))
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, wrapErr("remove property", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("remove property rows affected", err)
	}
	return n > 0, nil
}

// RemovePropertiesMultipleBases tombstones every live property hung off any
// of baseIDs, used by the estate walker's per-shard bulk bucket drain.
func RemovePropertiesMultipleBases(ctx context.Context, q Queryer, baseIDs []int64) error {
	if len(baseIDs) == 0 {
		return nil
	}
	query, args := inClauseQuery(`
update property
set time_removed = now()
where time_removed is null and base_id in (%s)
`, baseIDs)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return wrapErr("remove properties multiple bases", err)
	}
	return nil
}

func propertyArg(storage registry.Storage, val registry.Value) any {
	switch storage {
	case registry.StorageInt:
		return val.Int
	case registry.StorageBytes, registry.StorageSerialized:
		return val.Bytes
	default:
		return val.Text
	}
}
