package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/latticedb/latticedb/internal/config"
	"github.com/latticedb/latticedb/internal/log"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "config",
	Short:   "Show and watch the cluster config document",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the loaded and validated cluster config",
	Run: func(cmd *cobra.Command, args []string) {
		cluster := loadCluster()
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(cluster)
			return
		}
		out, err := yaml.Marshal(cluster)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
	},
}

var configWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the cluster config file and reload on change",
	Long: `Watch the cluster config file and reload on change.

Every reload re-validates the document and prints whether it still parses,
so an operator editing shards or insertion plans by hand sees mistakes
immediately rather than on the next process restart.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.WithComponent("latticectl.watch")

		cluster := loadCluster()
		fmt.Printf("watching %s (%d shards loaded)\n", configPath, len(cluster.Shards))

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer watcher.Close()

		if err := watcher.Add(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: watching %s: %v\n", configPath, err)
			os.Exit(1)
		}

		for {
			select {
			case <-rootCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := config.Load(configPath)
				if err != nil {
					logger.Warn().Err(err).Msg("config reload failed")
					fmt.Printf("reload failed: %v\n", err)
					continue
				}
				logger.Info().Int("shards", len(reloaded.Shards)).Msg("config reloaded")
				fmt.Printf("reloaded: %d shards\n", len(reloaded.Shards))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("watch error")
			}
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configWatchCmd)
}
