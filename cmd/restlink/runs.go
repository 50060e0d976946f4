package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"restlink/internal/batch"
)

var (
	runsFormat    string
	runsLimit     int
	runsOlderThan time.Duration
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect saved runs",
	Long:  "List, show and prune batches saved with --save in .restlink/runs.db",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a saved run (full ID or unique prefix)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete runs older than --older-than",
	RunE:  runRunsPrune,
}

func init() {
	runsCmd.PersistentFlags().StringVar(&runsFormat, "format", "human", "Output format (json, human, yaml)")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to list (max 100)")
	runsPruneCmd.Flags().DurationVar(&runsOlderThan, "older-than", 30*24*time.Hour, "Age of runs to delete")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsPruneCmd)
	rootCmd.AddCommand(runsCmd)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	runs, err := db.ListRuns(context.Background(), runsLimit)
	if err != nil {
		return err
	}

	out, err := FormatResponse(&RunsListResponseCLI{Runs: runs}, OutputFormat(runsFormat))
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	run, err := db.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	resp := &EnrichResponseCLI{
		RunID:      run.ID,
		Sources:    run.Sources,
		Summary:    batch.Summarize(run.Outcomes),
		Outcomes:   run.Outcomes,
		DurationMs: run.DurationMs,
	}
	out, err := FormatResponse(resp, OutputFormat(runsFormat))
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func runRunsPrune(cmd *cobra.Command, args []string) error {
	if runsOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	n, err := db.DeleteRunsBefore(context.Background(), time.Now().Add(-runsOlderThan))
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d runs older than %s\n", n, runsOlderThan)
	return nil
}
