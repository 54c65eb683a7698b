package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "compass",
		Short: "Compliance assistant with an agentic task orchestrator",
		Long: `Compass serves a conversational compliance assistant over HTTP.
The agent answers questions against a hybrid knowledge index and queues
mutating actions as durable background tasks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ./compass.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newIndexCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
