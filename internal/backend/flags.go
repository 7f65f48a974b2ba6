package backend

import (
	"context"
	"fmt"
)

// AddFlags ORs bits into table's flags column for the row selected by where
// (a fragment like "id = ? and ctx = ?"), returning whether a live row
// matched. Every record kind shares this pair since flags live in the same
// column on every table.
func AddFlags(ctx context.Context, q Queryer, table string, bits uint16, where string, args ...any) (bool, error) {
	return applyFlags(ctx, q, table, "flags = flags | ?", bits, where, args...)
}

// ClearFlags ANDs the complement of bits into table's flags column.
func ClearFlags(ctx context.Context, q Queryer, table string, bits uint16, where string, args ...any) (bool, error) {
	return applyFlags(ctx, q, table, "flags = flags & ~?", bits, where, args...)
}

func applyFlags(ctx context.Context, q Queryer, table, setClause string, bits uint16, where string, args ...any) (bool, error) {
	query := fmt.Sprintf(`
update %s
set %s
where time_removed is null and %s
`, table, setClause, where)

	all := make([]any, 0, len(args)+1)
	all = append(all, bits)
	all = append(all, args...)

	res, err := q.ExecContext(ctx, query, all...)
	if err != nil {
		return false, wrapErr(table+" flags", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr(table+" flags rows affected", err)
	}
	return n > 0, nil
}
