package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/batchline-systems/batchline/internal/cli/client"
	"github.com/batchline-systems/batchline/internal/cli/output"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Ingestion job commands",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, _ := cmd.Flags().GetString("outcome")
		payloadType, _ := cmd.Flags().GetString("payload-type")
		checksum, _ := cmd.Flags().GetString("checksum")
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")

		c := client.New(workerURL)
		jobsResp, err := c.ListJobs(page, limit, map[string]string{
			"outcome":      outcome,
			"payload_type": payloadType,
			"checksum":     checksum,
		})
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}

		outputFormat, _ := cmd.Flags().GetString("output")
		if outputFormat == "json" {
			return output.JSON(jobsResp.Jobs)
		}

		if len(jobsResp.Jobs) == 0 {
			output.Info("No jobs found")
			return nil
		}

		table := output.NewTable([]string{"ID", "Checksum", "Type", "Outcome", "Records", "Errors", "Started At"})
		for _, job := range jobsResp.Jobs {
			table.AddRow([]string{
				job.ID,
				shortSum(job.FileChecksum),
				job.PayloadType,
				job.Outcome,
				strconv.Itoa(job.RecordCount),
				strconv.Itoa(job.ErrorCount),
				job.StartedAt.Format("2006-01-02 15:04:05"),
			})
		}
		table.Render()

		output.Info("\nShowing %d of %d total jobs", len(jobsResp.Jobs), jobsResp.Pagination.Total)
		return nil
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get [job-id]",
	Short: "Get ingestion job details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(workerURL)
		job, err := c.GetJob(args[0])
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}

		outputFormat, _ := cmd.Flags().GetString("output")
		if outputFormat == "json" {
			return output.JSON(job)
		}

		output.Info("Job ID: %s", job.ID)
		output.Info("Checksum: %s", job.FileChecksum)
		output.Info("Storage Key: %s", job.StorageKey)
		output.Info("Payload Type: %s", job.PayloadType)
		output.Info("Outcome: %s", job.Outcome)
		output.Info("Records: %d applied, %d rejected", job.RecordCount, job.ErrorCount)
		if job.ErrorDetail != nil {
			output.Warn("Error: %s", *job.ErrorDetail)
		}
		output.Info("Started: %s", job.StartedAt.Format("2006-01-02 15:04:05"))
		if job.FinishedAt != nil {
			output.Info("Finished: %s", job.FinishedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var jobsReplayCmd = &cobra.Command{
	Use:   "replay [job-id]",
	Short: "Republish a job's file event for reprocessing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(workerURL)
		replayResp, err := c.ReplayJob(args[0])
		if err != nil {
			return fmt.Errorf("failed to replay job: %w", err)
		}

		output.Success("Job %s replayed: %s", replayResp.ID, replayResp.Detail)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsReplayCmd)

	jobsListCmd.Flags().String("outcome", "", "filter by outcome (pending, success, partial, failed)")
	jobsListCmd.Flags().String("payload-type", "", "filter by payload type (settlement, dispute, config)")
	jobsListCmd.Flags().String("checksum", "", "filter by file checksum")
	jobsListCmd.Flags().Int("page", 1, "page number")
	jobsListCmd.Flags().Int("limit", 50, "results per page")
}

// shortSum abbreviates a SHA-256 hex digest for table cells.
func shortSum(checksum string) string {
	if len(checksum) <= 12 {
		return checksum
	}
	return checksum[:12]
}
