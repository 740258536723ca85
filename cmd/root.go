package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fabricd",
	Short: "Fabricd link-state routing control plane",
	Long: `Fabricd is the control-plane core of a link-state IP/MPLS routing daemon
for data-center fabrics. It computes shortest-path forwarding tables from
gossip-distributed topology state and programs them into a platform
forwarding agent.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
