package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/docfold/docfold/jobs"
)

// JobsCmd groups job inspection and trigger subcommands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and trigger background jobs",
	Long: `Inspect and trigger docfold background jobs.

Examples:
  docfold jobs list                 # List registered jobs
  docfold jobs run ttl-cleanup      # Trigger a job and wait for the result
  docfold jobs metrics ttl-cleanup  # Show a job's execution metrics
  docfold jobs health               # Show engine and per-job health`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsListCmd lists registered jobs
var JobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.service.Start(); err != nil {
			return fmt.Errorf("failed to start job service: %w", err)
		}
		return printJSON(eng.service.ListJobs())
	},
}

// JobsRunCmd triggers one job and waits for the result
var JobsRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Trigger a job and wait for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		timeoutSeconds, _ := cmd.Flags().GetInt("timeout")

		eng, err := buildEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.service.Start(); err != nil {
			return fmt.Errorf("failed to start job service: %w", err)
		}

		execution, err := eng.service.ExecuteJob(jobID, "")
		if err != nil {
			return err
		}
		executionID, _ := execution["execution_id"].(string)
		fmt.Fprintf(os.Stderr, "Execution %s queued, waiting...\n", executionID)

		final, err := eng.waitForExecution(executionID, time.Duration(timeoutSeconds)*time.Second)
		if err != nil {
			return err
		}
		if err := printExecution(final); err != nil {
			return err
		}
		if final.Status != jobs.StatusCompleted {
			return fmt.Errorf("execution finished with status %s", final.Status)
		}
		return nil
	},
}

// JobsMetricsCmd prints one job's metrics
var JobsMetricsCmd = &cobra.Command{
	Use:   "metrics <job-id>",
	Short: "Show a job's execution metrics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.service.Start(); err != nil {
			return fmt.Errorf("failed to start job service: %w", err)
		}

		metrics, err := eng.service.GetJobMetrics(args[0])
		if err != nil {
			return err
		}
		return printJSON(metrics)
	},
}

// JobsHealthCmd prints overall and per-job health
var JobsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show engine and per-job health",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.close()

		if err := eng.service.Start(); err != nil {
			return fmt.Errorf("failed to start job service: %w", err)
		}
		return printJSON(eng.service.HealthStatus())
	},
}

func init() {
	JobsRunCmd.Flags().Int("timeout", 600, "Seconds to wait for the execution to finish")

	JobsCmd.AddCommand(JobsListCmd)
	JobsCmd.AddCommand(JobsRunCmd)
	JobsCmd.AddCommand(JobsMetricsCmd)
	JobsCmd.AddCommand(JobsHealthCmd)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printExecution(exec *jobs.JobExecution) error {
	view := map[string]any{
		"execution_id":   exec.ExecutionID,
		"job_id":         exec.JobID,
		"status":         string(exec.Status),
		"retry_count":    exec.RetryCount,
		"correlation_id": exec.CorrelationID,
	}
	if exec.DurationSeconds > 0 {
		view["duration_seconds"] = exec.DurationSeconds
	}
	if exec.ErrorMessage != "" {
		view["error_message"] = exec.ErrorMessage
	}
	if exec.Result != nil {
		view["result"] = exec.Result
	}
	return printJSON(view)
}
