package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/docfold/docfold/cmd/docfold/commands"
	"github.com/docfold/docfold/logger"
)

var rootCmd = &cobra.Command{
	Use:   "docfold",
	Short: "docfold - documentation search platform job engine",
	Long: `docfold - background job engine for the documentation search platform.

docfold schedules and runs the platform's maintenance jobs: TTL cleanup of
expired documents, refresh of aging documents, and health checks of the
platform services.

Available commands:
  serve   - Start the job engine daemon
  jobs    - Inspect and trigger jobs
  version - Show version information

Examples:
  docfold serve                # Run the job engine in foreground
  docfold jobs list            # List registered jobs
  docfold jobs run ttl-cleanup # Trigger a job and wait for the result
  docfold jobs metrics ttl-cleanup`,
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
	rootCmd.PersistentFlags().String("config", "", "Path to a docfold.toml config file")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
