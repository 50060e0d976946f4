package main

import (
	"github.com/spf13/cobra"

	"restlink/internal/version"
)

var (
	// rootDir is the project directory holding .restlink/
	rootDir string

	// logLevelFlag overrides logging.level from config
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "restlink",
	Short: "restlink - restaurant cross-source enrichment",
	Long: `restlink links restaurants from a trusted primary source to the same venues on
review sites and scraped listings, and merges their ratings and links without
overwriting the primary data.`,
	Version:       version.Info(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("restlink version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "Project directory containing .restlink/")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")
}
