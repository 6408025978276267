package cmd

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/strrl/mlstep/internal/cleaning"
	"github.com/strrl/mlstep/internal/db"
	"github.com/strrl/mlstep/internal/pipeline"
)

var cleanParams cleaning.Params

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean a listings CSV artifact and log the result",
	Long: `Basic cleaning step: reads the input artifact, drops rows whose price is
outside [min_price, max_price], converts last_review to a timestamp, drops
rows outside the New York City bounding box, and logs the result as a new
artifact with the given type and description.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)

	f := cleanCmd.Flags()
	f.StringVar(&cleanParams.InputArtifact, "input_artifact", "", "Name for the input artifact")
	f.StringVar(&cleanParams.OutputArtifact, "output_artifact", "", "Name for the output artifact")
	f.StringVar(&cleanParams.OutputType, "output_type", "", "Output artifact type")
	f.StringVar(&cleanParams.OutputDescription, "output_description", "", "A brief description of this artifact")
	f.Float64Var(&cleanParams.MinPrice, "min_price", 0, "The minimum price to consider")
	f.Float64Var(&cleanParams.MaxPrice, "max_price", 0, "The maximum price to consider")

	for _, name := range []string{"input_artifact", "output_artifact", "output_type", "output_description", "min_price", "max_price"} {
		_ = cleanCmd.MarkFlagRequired(name)
	}
}

func runClean(cmd *cobra.Command, args []string) error {
	runID := os.Getenv(pipeline.EnvRunID)
	if runID == "" {
		runID = uuid.NewString()
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	database, err := db.GetDB()
	if err != nil {
		return fmt.Errorf("failed to get database: %w", err)
	}

	cleaner, err := cleaning.NewCleaner(cleaning.Config{
		DB:     database,
		Store:  store,
		Logger: logger.With("job_type", cleaning.JobType, "run_id", runID),
	})
	if err != nil {
		return err
	}

	stats, err := cleaner.Run(cmd.Context(), cleanParams, runID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cleaned %s -> %s\n", stats.Input.Ref(), stats.Output.Ref())
	fmt.Fprintf(out, "  - %d rows read\n", stats.RowsRead)
	fmt.Fprintf(out, "  - %d dropped by price\n", stats.DroppedPrice)
	fmt.Fprintf(out, "  - %d dropped by geolocation\n", stats.DroppedGeo)
	fmt.Fprintf(out, "  - %d rows written\n", stats.RowsWritten)
	return nil
}
