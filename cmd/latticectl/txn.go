package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/latticedb/latticedb/internal/config"
)

var (
	gcOlderThan time.Duration
	gcForce     bool
)

var txnCmd = &cobra.Command{
	Use:     "txn",
	GroupID: "txn",
	Short:   "Inspect and recover two-phase-commit transactions",
}

// preparedTxn is one row of `XA RECOVER` output, decomposed along the
// (nonce, opName, businessKey) shape txn.newXID builds its xid from.
type preparedTxn struct {
	Shard  int    `json:"shard"`
	Xid    string `json:"xid"`
	Op     string `json:"op,omitempty"`
	Key    string `json:"key,omitempty"`
	Action string `json:"action"` // "listed" or "rolled_back"
}

var txnGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "List and resolve prepared-but-abandoned 2PC transactions",
	Long: `List prepared-but-abandoned 2PC transactions across every shard via XA RECOVER.

Without --force this is a dry run: it only lists what it finds. With --force
every listed transaction is rolled back, since only the coordinator that
prepared a transaction knows whether it ultimately meant to commit, and a
transaction an operator is garbage-collecting has already missed that window.

--older-than is accepted for forward compatibility with xid schemes that
encode a prepare timestamp; MySQL/Dolt's XA RECOVER exposes no such
timestamp today, so it currently has no filtering effect and every prepared
transaction is reported regardless of age.`,
	Run: func(cmd *cobra.Command, args []string) {
		if gcOlderThan > 0 {
			fmt.Fprintf(os.Stderr, "note: --older-than has no effect; XA RECOVER exposes no prepare timestamp to filter on\n")
		}

		cluster := loadCluster()
		var found []preparedTxn
		for _, sc := range cluster.Shards {
			txns, err := recoverShard(sc, gcForce)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: shard %d: %v\n", sc.Shard, err)
				continue
			}
			found = append(found, txns...)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(found)
			return
		}
		if len(found) == 0 {
			fmt.Println("no prepared transactions found")
			return
		}
		for _, t := range found {
			fmt.Printf("shard %d: %s op=%s key=%s [%s]\n", t.Shard, t.Xid, t.Op, t.Key, t.Action)
		}
	},
}

// splitXID pulls the operation name and business key back out of an xid
// built by txn.newXID (a UUIDv4 nonce, then "-", then op, then "-", then a
// hyphen-joined business key). The nonce itself contains hyphens, so it must
// be peeled off by its fixed 36-character length rather than by splitting on
// "-" from the start.
func splitXID(xid string) (op, key string) {
	const nonceLen = 36
	if len(xid) <= nonceLen+1 {
		return "", ""
	}
	rest := xid[nonceLen+1:]
	parts := strings.SplitN(rest, "-", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func recoverShard(sc config.ShardConfig, force bool) ([]preparedTxn, error) {
	driverName, dsn, err := serverDSN(sc)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx, "XA RECOVER")
	if err != nil {
		return nil, fmt.Errorf("XA RECOVER: %w", err)
	}
	defer rows.Close()

	var out []preparedTxn
	for rows.Next() {
		var formatID int64
		var gtridLength, bqualLength int
		var data string
		if err := rows.Scan(&formatID, &gtridLength, &bqualLength, &data); err != nil {
			return nil, fmt.Errorf("XA RECOVER: scanning row: %w", err)
		}

		t := preparedTxn{Shard: sc.Shard, Xid: data, Action: "listed"}
		t.Op, t.Key = splitXID(data)

		if force {
			if _, err := db.ExecContext(ctx, fmt.Sprintf("XA ROLLBACK '%s'", data)); err != nil {
				return nil, fmt.Errorf("XA ROLLBACK %q: %w", data, err)
			}
			t.Action = "rolled_back"
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func init() {
	txnGCCmd.Flags().DurationVar(&gcOlderThan, "older-than", 0, "accepted for forward compatibility; currently has no filtering effect")
	txnGCCmd.Flags().BoolVar(&gcForce, "force", false, "roll back every prepared transaction found instead of only listing it")

	txnCmd.AddCommand(txnGCCmd)
}
