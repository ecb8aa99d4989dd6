package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/batchline-systems/batchline/internal/cli/client"
	"github.com/batchline-systems/batchline/internal/cli/output"
)

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries",
	Short: "Webhook delivery commands",
}

var deliveriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhook deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		subscription, _ := cmd.Flags().GetString("subscription")
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")

		c := client.New(dispatcherURL)
		delResp, err := c.ListDeliveries(page, limit, map[string]string{
			"status":       status,
			"subscription": subscription,
		})
		if err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		outputFormat, _ := cmd.Flags().GetString("output")
		if outputFormat == "json" {
			return output.JSON(delResp.Deliveries)
		}

		if len(delResp.Deliveries) == 0 {
			output.Info("No deliveries found")
			return nil
		}

		table := output.NewTable([]string{"ID", "Subscription", "Kind", "Status", "Attempts", "Next Attempt"})
		for _, d := range delResp.Deliveries {
			nextAttempt := d.NextAttemptAt.Format("2006-01-02 15:04:05")
			if d.Status == "delivered" || d.Status == "abandoned" {
				nextAttempt = "-"
			}
			table.AddRow([]string{
				d.ID,
				d.Subscription,
				d.Kind,
				d.Status,
				strconv.Itoa(d.AttemptCount),
				nextAttempt,
			})
		}
		table.Render()

		output.Info("\nShowing %d of %d total deliveries", len(delResp.Deliveries), delResp.Pagination.Total)
		return nil
	},
}

var deliveriesGetCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Get a delivery with its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(dispatcherURL)
		detail, err := c.GetDelivery(args[0])
		if err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}

		outputFormat, _ := cmd.Flags().GetString("output")
		if outputFormat == "json" {
			return output.JSON(detail)
		}

		d := detail.Delivery
		output.Info("Delivery ID: %s", d.ID)
		output.Info("Event ID: %s", d.EventID)
		output.Info("Subscription: %s", d.Subscription)
		output.Info("Kind: %s", d.Kind)
		output.Info("Target: %s", d.TargetURL)
		output.Info("Status: %s", d.Status)
		output.Info("Attempts: %d", d.AttemptCount)
		if d.LastError != nil {
			output.Warn("Last Error: %s", *d.LastError)
		}
		if d.Status == "pending" {
			output.Info("Next Attempt: %s", d.NextAttemptAt.Format("2006-01-02 15:04:05"))
		}
		if d.DeliveredAt != nil {
			output.Info("Delivered: %s", d.DeliveredAt.Format("2006-01-02 15:04:05"))
		}

		if len(detail.Attempts) == 0 {
			return nil
		}

		output.Info("\nAttempt history:")
		table := output.NewTable([]string{"#", "Status", "HTTP", "Duration", "Error", "Attempted At"})
		for _, a := range detail.Attempts {
			httpStatus := "-"
			if a.HTTPStatus != nil {
				httpStatus = strconv.Itoa(*a.HTTPStatus)
			}
			attemptErr := "-"
			if a.Error != nil {
				attemptErr = *a.Error
			}
			table.AddRow([]string{
				strconv.Itoa(a.AttemptNumber),
				a.Status,
				httpStatus,
				fmt.Sprintf("%dms", a.DurationMs),
				attemptErr,
				a.AttemptedAt.Format("2006-01-02 15:04:05"),
			})
		}
		table.Render()
		return nil
	},
}

var deliveriesReplayCmd = &cobra.Command{
	Use:   "replay [delivery-id]",
	Short: "Requeue an abandoned delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(dispatcherURL)
		replayResp, err := c.ReplayDelivery(args[0])
		if err != nil {
			return fmt.Errorf("failed to replay delivery: %w", err)
		}

		output.Success("Delivery %s requeued, due immediately", replayResp.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveriesCmd)
	deliveriesCmd.AddCommand(deliveriesListCmd)
	deliveriesCmd.AddCommand(deliveriesGetCmd)
	deliveriesCmd.AddCommand(deliveriesReplayCmd)

	deliveriesListCmd.Flags().String("status", "", "filter by status (pending, delivering, delivered, abandoned)")
	deliveriesListCmd.Flags().String("subscription", "", "filter by subscription name")
	deliveriesListCmd.Flags().Int("page", 1, "page number")
	deliveriesListCmd.Flags().Int("limit", 50, "results per page")
}
