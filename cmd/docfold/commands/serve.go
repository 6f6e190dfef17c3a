package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docfold/docfold/logger"
)

// ServeCmd runs the job engine daemon
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job engine daemon",
	Long: `Start the docfold job engine in foreground mode.

The daemon will:
- Load persisted job configs (or seed the default maintenance jobs)
- Start the worker pool and scheduler
- Run health checks and export metrics on their configured intervals
- Run until interrupted (Ctrl+C), finishing in-flight jobs before exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.close()

		if !eng.cfg.Jobs.Enabled {
			return fmt.Errorf("background jobs are disabled in configuration (jobs.enabled = false)")
		}

		if err := eng.service.Start(); err != nil {
			return fmt.Errorf("failed to start job service: %w", err)
		}

		info := eng.service.Info()
		fmt.Printf("docfold job engine started\n")
		fmt.Printf("  Workers: %v\n", info["workers"])
		fmt.Printf("  Queue size: %d\n", eng.cfg.Jobs.JobQueueSize)
		fmt.Printf("  Scheduler interval: %ds\n", eng.cfg.Jobs.SchedulerIntervalSeconds)
		fmt.Printf("  Registered jobs: %v\n", info["jobs"])
		fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down...")
		if err := eng.service.Stop(); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		logger.Sync()
		fmt.Println("docfold job engine stopped")
		return nil
	},
}
