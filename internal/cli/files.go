package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/batchline-systems/batchline/internal/cli/client"
	"github.com/batchline-systems/batchline/internal/cli/output"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Raw file commands",
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested raw files",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")

		c := client.New(workerURL)
		filesResp, err := c.ListFiles(page, limit, status)
		if err != nil {
			return fmt.Errorf("failed to list files: %w", err)
		}

		outputFormat, _ := cmd.Flags().GetString("output")
		if outputFormat == "json" {
			return output.JSON(filesResp.Files)
		}

		if len(filesResp.Files) == 0 {
			output.Info("No files found")
			return nil
		}

		table := output.NewTable([]string{"Checksum", "Filename", "Type", "Size", "Status", "Received At"})
		for _, f := range filesResp.Files {
			table.AddRow([]string{
				shortSum(f.Checksum),
				f.SourceFilename,
				f.PayloadType,
				strconv.FormatInt(f.SizeBytes, 10),
				f.Status,
				f.ReceivedAt.Format("2006-01-02 15:04:05"),
			})
		}
		table.Render()

		output.Info("\nShowing %d of %d total files", len(filesResp.Files), filesResp.Pagination.Total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.AddCommand(filesListCmd)

	filesListCmd.Flags().String("status", "", "filter by status (received, processed, failed)")
	filesListCmd.Flags().Int("page", 1, "page number")
	filesListCmd.Flags().Int("limit", 50, "results per page")
}
