package backend

import (
	"context"
	"fmt"

	"github.com/latticedb/latticedb/internal/errs"
)

// Entity is a root record: no base_id, no parent context.
type Entity struct {
	ID    int64
	Ctx   int
	Flags uint16
}

// InsertEntity creates a new entity row at id (already shard-routed by the
// caller), returning only the insert's error; the caller builds the Entity.
func InsertEntity(ctx context.Context, q Queryer, id int64, entCtx int, flags uint16) error {
	_, err := q.ExecContext(ctx, `
insert into entity (id, ctx, flags)
values (?, ?, ?)
`, id, entCtx, flags)
	if err != nil {
		return wrapErr("insert entity", err)
	}
	return nil
}

// GetEntity returns the live entity at (id, entCtx), or ErrNoObject.
func GetEntity(ctx context.Context, q Queryer, id int64, entCtx int) (*Entity, error) {
	row := q.QueryRowContext(ctx, `
select flags
from entity
where time_removed is null and id = ? and ctx = ?
`, id, entCtx)

	var flags uint16
	if err := row.Scan(&flags); err != nil {
		if err == errNoRows {
			return nil, errs.NoObject("entity", entCtx, id)
		}
		return nil, wrapErr("select entity", err)
	}
	return &Entity{ID: id, Ctx: entCtx, Flags: flags}, nil
}

// RemoveEntity tombstones the entity row, reporting whether a live row was
// found. Cascading children are the estate walker's job, not this function's.
func RemoveEntity(ctx context.Context, q Queryer, id int64, entCtx int) (bool, error) {
	res, err := q.ExecContext(ctx, `
update entity
set time_removed = now()
where time_removed is null and id = ? and ctx = ?
`, id, entCtx)
	if err != nil {
		return false, wrapErr("remove entity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("remove entity rows affected", err)
	}
	return n > 0, nil
}
