package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/openfabric/fabricd/core"
	"github.com/openfabric/fabricd/mock"
	"github.com/openfabric/fabricd/state"
)

var (
	configPath string
	verbose    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control plane",
	Long: `Runs the decision engine, fib programmer and kv client. Without platform
adapters the daemon runs against in-memory store and agent fakes, which is
useful for lab and bring-up work.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := state.LoadConfig(configPath)
		if err != nil {
			return err
		}
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		store := mock.NewKvStore()
		defer store.Stop()
		return core.Start(cfg, store, mock.NewFibAgent(), level)
	},
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "fabricd.yaml", "path to the node config")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}
