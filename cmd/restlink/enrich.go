package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"restlink/internal/batch"
	"restlink/internal/restaurant"
)

var (
	enrichInput   string
	enrichSources string
	enrichFormat  string
	enrichSave    bool
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich a file of primary restaurants",
	Long: `Match every restaurant in the input file against the secondary sources and merge
ratings, review counts and links from confirmed matches.

The input is .json, .yaml/.yml or .toml with a top-level "restaurants" list.

Examples:
  restlink enrich --input restaurants.yaml
  restlink enrich --input restaurants.json --sources yelp --format json --save`,
	RunE: runEnrich,
}

func init() {
	enrichCmd.Flags().StringVarP(&enrichInput, "input", "i", "", "Input file (.json, .yaml, .toml)")
	enrichCmd.Flags().StringVar(&enrichSources, "sources", "", "Comma-separated sources (default: batch.defaultSources)")
	enrichCmd.Flags().StringVar(&enrichFormat, "format", "human", "Output format (json, human, yaml)")
	enrichCmd.Flags().BoolVar(&enrichSave, "save", false, "Save the run to the run store")
	_ = enrichCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(enrichCmd)
}

func runEnrich(cmd *cobra.Command, args []string) error {
	records, err := restaurant.LoadRecords(enrichInput)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ids, err := a.sourceIDs(enrichSources)
	if err != nil {
		return err
	}

	ctx, cancel := newContext()
	defer cancel()

	return runBatch(ctx, a, "enrich", enrichInput, records, ids, OutputFormat(enrichFormat), enrichSave)
}

// runBatch enriches records, optionally saves the run, and prints the result
func runBatch(ctx context.Context, a *app, command, input string, records []restaurant.PrimaryRecord, ids []restaurant.SourceID, format OutputFormat, save bool) error {
	start := time.Now()
	outcomes := a.orch.EnrichBatch(ctx, records, ids)
	elapsed := time.Since(start)

	resp := &EnrichResponseCLI{
		Sources:    ids,
		Summary:    batch.Summarize(outcomes),
		Outcomes:   outcomes,
		DurationMs: elapsed.Milliseconds(),
	}

	// a canceled batch is still worth keeping; save with a fresh context
	if save {
		runID, err := a.saveRun(context.Background(), command, input, ids, outcomes, elapsed)
		if err != nil {
			a.logger.Error("Failed to save run", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			resp.RunID = runID
		}
	}

	out, err := FormatResponse(resp, format)
	if err != nil {
		return err
	}
	fmt.Println(out)

	if ctx.Err() != nil {
		return fmt.Errorf("batch interrupted: %w", ctx.Err())
	}
	return nil
}
