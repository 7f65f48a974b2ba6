package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	_ "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql"

	"github.com/latticedb/latticedb/internal/backend"
	"github.com/latticedb/latticedb/internal/config"
)

var embeddedDataDir string

var shardCmd = &cobra.Command{
	Use:     "shard",
	GroupID: "shard",
	Short:   "Inspect and bootstrap cluster shards",
}

var shardListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured shards",
	Run: func(cmd *cobra.Command, args []string) {
		cluster := loadCluster()
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(cluster.Shards)
			return
		}
		for _, sc := range cluster.Shards {
			fmt.Printf("shard %d: %s:%d/%s (%d conns)\n", sc.Shard, sc.Host, sc.Port, sc.Database, sc.Count)
		}
	},
}

type shardHealth struct {
	Shard   int    `json:"shard"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

var shardPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping every configured shard and report reachability",
	Run: func(cmd *cobra.Command, args []string) {
		cluster := loadCluster()
		results := make([]shardHealth, len(cluster.Shards))
		var g errgroup.Group
		for i, sc := range cluster.Shards {
			g.Go(func() error {
				results[i] = pingShard(sc)
				return nil
			})
		}
		_ = g.Wait()

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(results)
			return
		}
		unhealthy := 0
		for _, r := range results {
			if r.Healthy {
				fmt.Printf("shard %d: ok\n", r.Shard)
			} else {
				unhealthy++
				fmt.Printf("shard %d: UNREACHABLE (%s)\n", r.Shard, r.Error)
			}
		}
		if unhealthy > 0 {
			os.Exit(1)
		}
	},
}

func pingShard(sc config.ShardConfig) shardHealth {
	driverName, dsn, err := serverDSN(sc)
	if err != nil {
		return shardHealth{Shard: sc.Shard, Error: err.Error()}
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return shardHealth{Shard: sc.Shard, Error: err.Error()}
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return shardHealth{Shard: sc.Shard, Error: err.Error()}
	}
	return shardHealth{Shard: sc.Shard, Healthy: true}
}

var shardBootstrapCmd = &cobra.Command{
	Use:   "bootstrap <shard>",
	Short: "Create the record-store schema on a shard",
	Long: `Create the record-store schema on a shard.

By default connects to the shard's configured server (--embedded opens an
in-process Dolt database at --data-dir instead, for local experimentation
without a running Dolt SQL server).`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var shardNum int
		if _, err := fmt.Sscanf(args[0], "%d", &shardNum); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid shard number %q\n", args[0])
			os.Exit(1)
		}

		cluster := loadCluster()
		var target *config.ShardConfig
		for i := range cluster.Shards {
			if cluster.Shards[i].Shard == shardNum {
				target = &cluster.Shards[i]
				break
			}
		}
		if target == nil {
			fmt.Fprintf(os.Stderr, "Error: shard %d not found in %s\n", shardNum, configPath)
			os.Exit(1)
		}

		embedded, _ := cmd.Flags().GetBool("embedded")
		var driverName, dsn string
		var err error
		if embedded {
			driverName, dsn, err = embeddedDoltDSN(*target, embeddedDataDir)
		} else {
			driverName, dsn, err = serverDSN(*target)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		db, err := sql.Open(driverName, dsn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: opening shard %d: %v\n", shardNum, err)
			os.Exit(1)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(rootCtx, 30*time.Second)
		defer cancel()
		for _, stmt := range schemaStatements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				fmt.Fprintf(os.Stderr, "Error: bootstrapping shard %d: %v\n", shardNum, err)
				os.Exit(1)
			}
		}
		if err := backend.EnsureSequenceRow(ctx, db, shardNum); err != nil {
			fmt.Fprintf(os.Stderr, "Error: bootstrapping shard %d: %v\n", shardNum, err)
			os.Exit(1)
		}
		fmt.Printf("shard %d: schema ready\n", shardNum)
	},
}

func init() {
	shardBootstrapCmd.Flags().Bool("embedded", false, "bootstrap an embedded Dolt database instead of dialing a server")
	shardBootstrapCmd.Flags().StringVar(&embeddedDataDir, "data-dir", "./latticectl-data", "data directory for --embedded")

	shardCmd.AddCommand(shardListCmd, shardPingCmd, shardBootstrapCmd)
}
