package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"restlink/internal/config"
)

var (
	configFormat string
	configForce  bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage restlink configuration",
	Long:  "View and manage restlink configuration stored in .restlink/config.json",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Display the configuration after defaults, .restlink/config.json and environment
overrides are applied. API keys are masked.

Examples:
  restlink config show
  restlink config show --format toml`,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to .restlink/config.json",
	RunE:  runConfigInit,
}

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "json", "Output format (json, toml)")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config.json")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(rootDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out, err := renderConfig(cfg, configFormat)
	if err != nil {
		return err
	}
	fmt.Println(out)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	return nil
}

// renderConfig prints cfg with masked keys. TOML keys follow the JSON field names.
func renderConfig(cfg *config.Config, format string) (string, error) {
	masked := *cfg
	masked.Sources.Places.APIKey = mask(cfg.Sources.Places.APIKey)
	masked.Sources.Yelp.APIKey = mask(cfg.Sources.Yelp.APIKey)

	data, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	switch format {
	case "json":
		return string(data), nil
	case "toml":
		var tree map[string]interface{}
		if err := json.Unmarshal(data, &tree); err != nil {
			return "", err
		}
		out, err := toml.Marshal(integralFloats(tree))
		if err != nil {
			return "", fmt.Errorf("failed to marshal TOML: %w", err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// integralFloats turns whole JSON numbers back into integers so TOML prints 3, not 3.0
func integralFloats(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = integralFloats(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = integralFloats(val)
		}
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
	}
	return v
}

func mask(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 4:
		return "****"
	default:
		return "****" + key[len(key)-4:]
	}
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := filepath.Join(rootDir, config.DirName, "config.json")
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.DefaultConfig().Save(rootDir); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
