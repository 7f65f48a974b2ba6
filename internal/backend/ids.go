package backend

import (
	"context"
	"fmt"
)

// NextID allocates the next id for shardNum, folding the shard number into the
// high shardBits bits the same way shard.Router.ShardOfID reads them back out.
// MySQL/Dolt has no native sequence object, so the per-shard counter lives in a
// one-row-per-shard table: the UPDATE increments the counter and stores the
// new value in the session variable @next, which a second query on the same
// connection reads back.
func NextID(ctx context.Context, q Queryer, shardBits uint, shardNum int) (int64, error) {
	_, err := q.ExecContext(ctx, `
update id_sequence
set counter = (@next := counter + 1)
where shard_num = ?
`, shardNum)
	if err != nil {
		return 0, wrapErr(fmt.Sprintf("advancing id sequence for shard %d", shardNum), err)
	}

	var counter int64
	row := q.QueryRowContext(ctx, `select @next`)
	if err := row.Scan(&counter); err != nil {
		return 0, wrapErr(fmt.Sprintf("reading id sequence for shard %d", shardNum), err)
	}

	return int64(shardNum)<<(64-shardBits) | counter, nil
}

// EnsureSequenceRow inserts the shard's counter row if it doesn't already
// exist, so a freshly bootstrapped shard can allocate ids immediately.
func EnsureSequenceRow(ctx context.Context, q Queryer, shardNum int) error {
	_, err := q.ExecContext(ctx, `
insert into id_sequence (shard_num, counter)
select ?, 0
where not exists (select 1 from id_sequence where shard_num = ?)
`, shardNum, shardNum)
	if err != nil {
		return wrapErr(fmt.Sprintf("seeding id sequence for shard %d", shardNum), err)
	}
	return nil
}
