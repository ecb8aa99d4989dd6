// Package cli implements the blctl command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	workerURL     string
	dispatcherURL string
)

var rootCmd = &cobra.Command{
	Use:   "blctl",
	Short: "Batchline pipeline CLI",
	Long: `blctl is the command-line interface for the Batchline ingestion pipeline.

Inspect raw files, ingestion jobs and webhook deliveries, replay failed
work, examine parked events, and seed the drop directory with sample
partner files.`,
	Version: "0.1.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workerURL, "worker-url",
		envOr("BATCHLINE_WORKER_URL", "http://localhost:8092"), "ingestion worker base URL")
	rootCmd.PersistentFlags().StringVar(&dispatcherURL, "dispatcher-url",
		envOr("BATCHLINE_DISPATCHER_URL", "http://localhost:8093"), "delivery dispatcher base URL")
	rootCmd.PersistentFlags().String("output", "table", "output format: table, json")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
