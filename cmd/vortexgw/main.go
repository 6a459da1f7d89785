// vortexgw is the upstream market-data gateway: HTTP snapshot fan-in
// with cross-process pacing, and binary tick fan-out over one shared
// upstream socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "vortexgw",
		Short: "Market-data gateway for the Vortex upstream",
		Long: `vortexgw multiplexes client quote snapshots and live tick
subscriptions onto one upstream session, pacing every upstream HTTP
endpoint to its documented rate across all gateway processes.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vortexgw %s (built %s)\n", version, buildTime)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
