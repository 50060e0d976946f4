package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"restlink/internal/errors"
	"restlink/internal/restaurant"
)

var (
	searchLocation string
	searchSources  string
	searchFormat   string
	searchSave     bool
	searchLimit    int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find restaurants with the primary provider and enrich them",
	Long: `Search the places provider for restaurants, then enrich the results against the
secondary sources.

--location accepts a locality ("Shinjuku, Tokyo") or coordinates ("35.6909,139.7003").

Examples:
  restlink search "sushi zanmai" --location "Tsukiji, Tokyo"
  restlink search ramen --location 35.6581,139.7017 --sources tabelog --limit 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchLocation, "location", "l", "", "Locality or lat,lng")
	searchCmd.Flags().StringVar(&searchSources, "sources", "", "Comma-separated sources (default: batch.defaultSources)")
	searchCmd.Flags().StringVar(&searchFormat, "format", "human", "Output format (json, human, yaml)")
	searchCmd.Flags().BoolVar(&searchSave, "save", false, "Save the run to the run store")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "Maximum primary results to enrich")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.places == nil {
		return errors.New(errors.SourceNotRegistered, string(restaurant.SourcePlaces),
			"search needs the places provider; enable sources.places", nil)
	}

	ids, err := a.sourceIDs(searchSources)
	if err != nil {
		return err
	}

	ctx, cancel := newContext()
	defer cancel()

	// the primary search goes through the same managed handle as enrichment calls
	var records []restaurant.PrimaryRecord
	err = a.conns.Call(ctx, restaurant.SourcePlaces, func(callCtx context.Context) error {
		found, err := a.places.SearchPrimary(callCtx, query, searchLocation)
		records = found
		return err
	})
	if err != nil {
		return fmt.Errorf("primary search failed: %w", err)
	}
	if searchLimit > 0 && len(records) > searchLimit {
		records = records[:searchLimit]
	}

	a.logger.Info("Primary search complete", map[string]interface{}{
		"query":   query,
		"results": len(records),
	})

	return runBatch(ctx, a, "search", query, records, ids, OutputFormat(searchFormat), searchSave)
}
