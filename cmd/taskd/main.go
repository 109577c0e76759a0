// cmd/taskd/main.go
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskd",
		Short: "taskd schedules and runs tasks across a cluster of nodes",
		Long: `taskd schedules and runs tasks across a cluster of nodes.

Cluster tasks run on at most one node at a time; node-local tasks run on
every node. Nodes coordinate through etcd, or run standalone in memory.
`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./configs/config.yaml or ./config.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(ctlCmd())
	root.AddCommand(previewCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
