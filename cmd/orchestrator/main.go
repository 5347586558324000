// Command orchestrator runs the OneFuzz control plane: every reconciler,
// the scheduler, the autoscaler, and the event bus's delivery workers and
// daily cleanup sweep, all driven from one process against a shared
// Postgres store, Redis queue service, and S3-compatible blob store.
//
// The operator-facing REST/gRPC boundary in front of the Operations
// structs each reconcile package exposes is deliberately out of scope
// (see DESIGN.md) — this binary only runs the reconciliation core.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "OneFuzz orchestrator",
		Long:  "Runs the OneFuzz control plane: reconcilers, scheduler, autoscaler, and event bus",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a JSON config file (optional, ONEFUZZ_* env vars and defaults otherwise)")

	rootCmd.AddCommand(daemonCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the orchestrator version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("onefuzz-orchestrator dev")
			return nil
		},
	}
}
