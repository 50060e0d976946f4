package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DirName is the per-project directory holding config.json and runs.db
const DirName = ".restlink"

// Config represents the complete restlink configuration
type Config struct {
	Version int `json:"version" mapstructure:"version"`

	Matching   MatchingConfig   `json:"matching" mapstructure:"matching"`
	Batch      BatchConfig      `json:"batch" mapstructure:"batch"`
	Connection ConnectionConfig `json:"connection" mapstructure:"connection"`
	Sources    SourcesConfig    `json:"sources" mapstructure:"sources"`
	Rating     RatingConfig     `json:"rating" mapstructure:"rating"`
	Storage    StorageConfig    `json:"storage" mapstructure:"storage"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
}

// MatchingConfig holds the entity matcher weights and decision thresholds
type MatchingConfig struct {
	MatchedThreshold  float64 `json:"matchedThreshold" mapstructure:"matchedThreshold"`
	RejectedThreshold float64 `json:"rejectedThreshold" mapstructure:"rejectedThreshold"`
	NameWeight        float64 `json:"nameWeight" mapstructure:"nameWeight"`
	LocationWeight    float64 `json:"locationWeight" mapstructure:"locationWeight"`
	CategoryWeight    float64 `json:"categoryWeight" mapstructure:"categoryWeight"`
	StalePenalty      float64 `json:"stalePenalty" mapstructure:"stalePenalty"`
}

// BatchConfig controls batch fan-out
type BatchConfig struct {
	MaxInFlight      int      `json:"maxInFlight" mapstructure:"maxInFlight"`
	PerCallTimeoutMs int      `json:"perCallTimeoutMs" mapstructure:"perCallTimeoutMs"`
	DefaultSources   []string `json:"defaultSources" mapstructure:"defaultSources"`
}

// ConnectionConfig controls handle reconnection and transport retry
type ConnectionConfig struct {
	RetryMaxAttempts       int `json:"retryMaxAttempts" mapstructure:"retryMaxAttempts"`
	RetryBaseDelayMs       int `json:"retryBaseDelayMs" mapstructure:"retryBaseDelayMs"`
	RetryBackoffCeilingMs  int `json:"retryBackoffCeilingMs" mapstructure:"retryBackoffCeilingMs"`
	RetryMaxElapsedMs      int `json:"retryMaxElapsedMs" mapstructure:"retryMaxElapsedMs"`
	DegradedReconnectAfter int `json:"degradedReconnectAfter" mapstructure:"degradedReconnectAfter"`
	FailedCooldownMs       int `json:"failedCooldownMs" mapstructure:"failedCooldownMs"`
	HealthCheckIntervalMs  int `json:"healthCheckIntervalMs" mapstructure:"healthCheckIntervalMs"`
}

// SourcesConfig holds per-source settings
type SourcesConfig struct {
	Places  PlacesConfig  `json:"places" mapstructure:"places"`
	Yelp    YelpConfig    `json:"yelp" mapstructure:"yelp"`
	Tabelog TabelogConfig `json:"tabelog" mapstructure:"tabelog"`
}

// PlacesConfig configures the structured places API
type PlacesConfig struct {
	Enabled             bool   `json:"enabled" mapstructure:"enabled"`
	BaseURL             string `json:"baseUrl" mapstructure:"baseUrl"`
	APIKey              string `json:"apiKey,omitempty" mapstructure:"apiKey"`
	RadiusMeters        int    `json:"radiusMeters" mapstructure:"radiusMeters"`
	DetailsFallback     bool   `json:"detailsFallback" mapstructure:"detailsFallback"`
	DetailsCacheTtlSecs int    `json:"detailsCacheTtlSeconds" mapstructure:"detailsCacheTtlSeconds"`
}

// YelpConfig configures the review API
type YelpConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	BaseURL string `json:"baseUrl" mapstructure:"baseUrl"`
	APIKey  string `json:"apiKey,omitempty" mapstructure:"apiKey"`
	Limit   int    `json:"limit" mapstructure:"limit"`
}

// TabelogConfig configures the scraped source
type TabelogConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	BaseURL   string `json:"baseUrl" mapstructure:"baseUrl"`
	UserAgent string `json:"userAgent" mapstructure:"userAgent"`
	Limit     int    `json:"limit" mapstructure:"limit"`
}

// RatingScale is the population mean and spread of one source's ratings
type RatingScale struct {
	Mean   float64 `json:"mean" mapstructure:"mean"`
	StdDev float64 `json:"stdDev" mapstructure:"stdDev"`
}

// RatingConfig configures the combined rating
type RatingConfig struct {
	Scales map[string]RatingScale `json:"scales" mapstructure:"scales"`
}

// StorageConfig locates the run store
type StorageConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format     string `json:"format" mapstructure:"format"`
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file,omitempty" mapstructure:"file"`
	MaxSizeMB  int    `json:"maxSizeMb" mapstructure:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups" mapstructure:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays" mapstructure:"maxAgeDays"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Matching: MatchingConfig{
			MatchedThreshold:  0.75,
			RejectedThreshold: 0.45,
			NameWeight:        0.6,
			LocationWeight:    0.25,
			CategoryWeight:    0.15,
			StalePenalty:      0.8,
		},
		Batch: BatchConfig{
			MaxInFlight:      3,
			PerCallTimeoutMs: 15000,
			DefaultSources:   []string{"yelp", "tabelog"},
		},
		Connection: ConnectionConfig{
			RetryMaxAttempts:       3,
			RetryBaseDelayMs:       1000,
			RetryBackoffCeilingMs:  8000,
			RetryMaxElapsedMs:      30000,
			DegradedReconnectAfter: 3,
			FailedCooldownMs:       30000,
			HealthCheckIntervalMs:  0,
		},
		Sources: SourcesConfig{
			Places: PlacesConfig{
				Enabled:             true,
				BaseURL:             "https://maps.googleapis.com",
				RadiusMeters:        2000,
				DetailsFallback:     true,
				DetailsCacheTtlSecs: 3600,
			},
			Yelp: YelpConfig{
				Enabled: true,
				BaseURL: "https://api.yelp.com",
				Limit:   5,
			},
			Tabelog: TabelogConfig{
				Enabled:   true,
				BaseURL:   "https://tabelog.com",
				UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
				Limit:     5,
			},
		},
		Rating: RatingConfig{
			Scales: map[string]RatingScale{
				"places":  {Mean: 3.8, StdDev: 0.4},
				"tabelog": {Mean: 3.1, StdDev: 0.35},
				"yelp":    {Mean: 4.0, StdDev: 0.5},
			},
		},
		Storage: StorageConfig{
			Path: filepath.Join(DirName, "runs.db"),
		},
		Logging: LoggingConfig{
			Format:     "human",
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// envBindings maps config keys to the environment variables the source SDKs document
var envBindings = map[string]string{
	"sources.places.apiKey": "GOOGLE_MAPS_API_KEY",
	"sources.yelp.apiKey":   "YELP_API_KEY",
}

// LoadConfig loads configuration from <root>/.restlink/config.json on top of the defaults.
// RESTLINK_* environment variables and the source API key variables override file values.
func LoadConfig(root string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Join(root, DirName))

	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, err
	}

	v.SetEnvPrefix("RESTLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "RESTLINK_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every default leaf so RESTLINK_* variables can override keys
// that the config file does not mention
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	setDefaultTree(v, "", tree)
	return nil
}

func setDefaultTree(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			setDefaultTree(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Save writes the configuration to <root>/.restlink/config.json without API keys
func (c *Config) Save(root string) error {
	dir := filepath.Join(root, DirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	redacted := *c
	redacted.Sources.Places.APIKey = ""
	redacted.Sources.Yelp.APIKey = ""

	data, err := json.MarshalIndent(&redacted, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version != 1 {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}

	m := c.Matching
	if m.MatchedThreshold < 0 || m.MatchedThreshold > 1 {
		return &ConfigError{Field: "matching.matchedThreshold", Message: "must be within [0,1]"}
	}
	if m.RejectedThreshold < 0 || m.RejectedThreshold > m.MatchedThreshold {
		return &ConfigError{Field: "matching.rejectedThreshold", Message: "must be within [0, matchedThreshold]"}
	}
	if m.NameWeight < 0 || m.LocationWeight < 0 || m.CategoryWeight < 0 {
		return &ConfigError{Field: "matching", Message: "weights must not be negative"}
	}
	if sum := m.NameWeight + m.LocationWeight + m.CategoryWeight; math.Abs(sum-1) > 1e-6 {
		return &ConfigError{Field: "matching", Message: fmt.Sprintf("weights must sum to 1, got %.3f", sum)}
	}
	if m.StalePenalty <= 0 || m.StalePenalty > 1 {
		return &ConfigError{Field: "matching.stalePenalty", Message: "must be within (0,1]"}
	}

	if c.Batch.MaxInFlight < 1 {
		return &ConfigError{Field: "batch.maxInFlight", Message: "must be at least 1"}
	}
	if c.Batch.PerCallTimeoutMs <= 0 {
		return &ConfigError{Field: "batch.perCallTimeoutMs", Message: "must be positive"}
	}

	conn := c.Connection
	if conn.RetryMaxAttempts < 1 {
		return &ConfigError{Field: "connection.retryMaxAttempts", Message: "must be at least 1"}
	}
	if conn.RetryBaseDelayMs <= 0 || conn.RetryBackoffCeilingMs < conn.RetryBaseDelayMs {
		return &ConfigError{Field: "connection.retryBackoffCeilingMs", Message: "must be at least retryBaseDelayMs"}
	}
	if conn.RetryMaxElapsedMs <= 0 {
		return &ConfigError{Field: "connection.retryMaxElapsedMs", Message: "must be positive"}
	}
	if conn.DegradedReconnectAfter < 1 {
		return &ConfigError{Field: "connection.degradedReconnectAfter", Message: "must be at least 1"}
	}

	for name, scale := range c.Rating.Scales {
		if scale.StdDev <= 0 {
			return &ConfigError{Field: "rating.scales." + name + ".stdDev", Message: "must be positive"}
		}
	}

	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
