// Command latticectl is an operator CLI for a running lattice cluster: it
// inspects shard health, lists and force-resolves prepared-but-abandoned 2PC
// transactions, and shows or watches the cluster config file.
//
// A persistent --config flag points at the cluster document, the root
// context is signal-aware, and --json switches every subcommand's output
// between human-readable and machine-readable form.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/latticedb/latticedb/internal/config"
	"github.com/latticedb/latticedb/internal/log"
)

var (
	configPath string
	jsonOutput bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "latticectl",
	Short: "latticectl - operator CLI for a lattice cluster",
	Long:  `Inspect shard health, garbage-collect abandoned 2PC transactions, and view cluster configuration.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	},
}

func init() {
	log.Init(log.Config{Level: log.InfoLevel})

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "dbconf.yaml", "path to the cluster config document")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddGroup(
		&cobra.Group{ID: "shard", Title: "Shards:"},
		&cobra.Group{ID: "txn", Title: "Transactions:"},
		&cobra.Group{ID: "config", Title: "Configuration:"},
	)

	rootCmd.AddCommand(shardCmd, txnCmd, configCmd)
}

// loadCluster loads and validates the cluster document at configPath,
// printing a consistent error and exiting on failure rather than letting
// each subcommand repeat the same boilerplate.
func loadCluster() *config.Cluster {
	cluster, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cluster
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	if rootCancel != nil {
		rootCancel()
	}
}
