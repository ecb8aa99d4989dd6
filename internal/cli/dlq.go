package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/batchline-systems/batchline/internal/cli/client"
	"github.com/batchline-systems/batchline/internal/cli/output"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead letter queue commands",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parked file events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		c := client.New(workerURL)
		dlqResp, err := c.ListDeadLetters(limit)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		outputFormat, _ := cmd.Flags().GetString("output")
		if outputFormat == "json" {
			return output.JSON(dlqResp)
		}

		if total, ok := dlqResp.Stats["total_messages"]; ok {
			output.Info("Parked events on stream: %v", total)
		}

		if len(dlqResp.Events) == 0 {
			output.Info("No parked events")
			return nil
		}

		table := output.NewTable([]string{"Checksum", "Reason", "Attempts", "Error", "Parked At"})
		for _, e := range dlqResp.Events {
			checksum := "-"
			if e.Event != nil {
				checksum = shortSum(e.Event.Checksum)
			}
			table.AddRow([]string{
				checksum,
				e.Reason,
				strconv.Itoa(e.Attempts),
				truncate(e.Error, 60),
				e.ParkedAt.Format("2006-01-02 15:04:05"),
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)

	dlqListCmd.Flags().Int("limit", 100, "maximum events to fetch")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
