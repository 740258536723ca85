package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfabric/fabricd/state"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <config>",
	Short: "Validate a config and print the effective settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := state.LoadConfig(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("node:       %s\n", cfg.NodeName)
		fmt.Printf("areas:      %v\n", cfg.Areas)
		fmt.Printf("v4:         %v (v4-over-v6 %v)\n", cfg.EnableV4, cfg.V4OverV6Nexthop)
		fmt.Printf("sr-mpls:    node-segment=%v adjacency=%v\n", cfg.NodeSegmentLabelEnabled, cfg.AdjacencyLabelsEnabled)
		fmt.Printf("selection:  bgp=%v best-route=%v\n", cfg.BgpRouteProgramming, cfg.BestRouteSelection)
		fmt.Printf("policies:   %d\n", len(cfg.SrPolicies))
		if cfg.Watchdog != nil {
			fmt.Printf("watchdog:   interval=%v timeout=%v max-mem=%dMB\n",
				cfg.Watchdog.Interval, cfg.Watchdog.ThreadTimeout, cfg.Watchdog.MaxMemoryMB)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
