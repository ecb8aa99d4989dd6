package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/batchline-systems/batchline/internal/cli/output"
	"github.com/batchline-systems/batchline/internal/seeder"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write sample partner files into the drop directory",
	Long: `Generate realistic settlement, dispute and config snapshot files and
write them into the intake drop directory, where the watcher picks them
up like any partner upload.

Examples:
  # Default mix into ./dropzone
  blctl seed

  # Heavier load plus a duplicate to exercise checksum dedup
  blctl seed --settlements 10 --rows 500 --duplicate`,
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	settlements, _ := cmd.Flags().GetInt("settlements")
	disputes, _ := cmd.Flags().GetInt("disputes")
	configs, _ := cmd.Flags().GetInt("configs")
	rows, _ := cmd.Flags().GetInt("rows")
	duplicate, _ := cmd.Flags().GetBool("duplicate")

	result, err := seeder.Run(seeder.Config{
		Dir:         dir,
		Settlements: settlements,
		Disputes:    disputes,
		Configs:     configs,
		Rows:        rows,
		Duplicate:   duplicate,
	})
	if err != nil {
		return fmt.Errorf("seeding failed: %w", err)
	}

	for _, f := range result.Files {
		output.Info("wrote %s", f)
	}
	if result.Duplicate != "" {
		output.Info("wrote %s (duplicate content)", result.Duplicate)
	}

	total := len(result.Files)
	if result.Duplicate != "" {
		total++
	}
	output.Success("Seeded %d files into %s", total, dir)
	return nil
}

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().String("dir", "./dropzone", "drop directory to write into")
	seedCmd.Flags().Int("settlements", 3, "settlement CSV files to generate")
	seedCmd.Flags().Int("disputes", 2, "dispute NDJSON files to generate")
	seedCmd.Flags().Int("configs", 1, "config snapshot files to generate")
	seedCmd.Flags().Int("rows", 25, "rows per settlement or dispute file")
	seedCmd.Flags().Bool("duplicate", false, "also write a byte-identical copy of the first file")
}
