package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/logger"
)

var rootCmd = &cobra.Command{
	Use:   "conductord",
	Short: "OpsConductor execution engine daemon",
	Long: `OpsConductor - plan execution engine.

conductord accepts frozen execution plans, gates them through the approval
workflow, and runs them against infrastructure targets with durable queuing,
lease-based workers, timeout policies, and a full audit timeline.

Examples:
  conductord serve                      # Start the engine with ./conductor.toml
  conductord serve --config /etc/opsconductor/conductor.toml
  conductord migrate --db ./conductor.db`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
