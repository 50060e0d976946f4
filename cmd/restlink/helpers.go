package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"restlink/internal/batch"
	"restlink/internal/config"
	"restlink/internal/connection"
	"restlink/internal/enrich"
	"restlink/internal/logging"
	"restlink/internal/matcher"
	"restlink/internal/restaurant"
	"restlink/internal/sources"
	"restlink/internal/sources/places"
	"restlink/internal/sources/tabelog"
	"restlink/internal/sources/yelp"
	"restlink/internal/storage"
)

// app wires the components a command needs
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	conns  *connection.Manager
	orch   *batch.Orchestrator

	// places is nil when the primary provider is disabled
	places *places.Source
}

// loadConfig loads and validates the project configuration
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the logger from config; --log-level wins over logging.level
func newLogger(cfg *config.Config) *logging.Logger {
	level := cfg.Logging.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	format := logging.HumanFormat
	if cfg.Logging.Format == "json" {
		format = logging.JSONFormat
	}

	lc := logging.Config{
		Format: format,
		Level:  logging.ParseLevel(level),
	}
	if cfg.Logging.File != "" {
		lc.File = &logging.FileConfig{
			Path:       resolvePath(cfg.Logging.File),
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		}
	}
	return logging.NewLogger(lc)
}

// newContext returns a context canceled by SIGINT or SIGTERM
func newContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// resolvePath makes relative config paths relative to the project directory
func resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(rootDir, p)
}

// newApp loads config and wires every enabled source into a connection manager and orchestrator
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	conns := connection.NewManager(connection.OptionsFromConfig(cfg), logger)
	m := matcher.New(matcher.ConfigFrom(cfg.Matching))
	merger := enrich.NewMerger(restaurant.SourcePlaces, enrich.ScalesFrom(cfg.Rating))
	orch := batch.NewOrchestrator(conns, m, merger, cfg.Batch.MaxInFlight, logger)

	a := &app{cfg: cfg, logger: logger, conns: conns, orch: orch}
	for _, src := range a.buildSources() {
		orch.RegisterSource(src)
	}
	return a, nil
}

// buildSources constructs the enabled adapters
func (a *app) buildSources() []sources.Source {
	cfg := a.cfg
	timeout := time.Duration(cfg.Batch.PerCallTimeoutMs) * time.Millisecond
	var out []sources.Source

	if p := cfg.Sources.Places; p.Enabled {
		a.places = places.New(places.Options{
			BaseURL:         p.BaseURL,
			APIKey:          p.APIKey,
			RadiusMeters:    p.RadiusMeters,
			DetailsFallback: p.DetailsFallback,
			DetailsTTL:      time.Duration(p.DetailsCacheTtlSecs) * time.Second,
			Timeout:         timeout,
		}, a.logger)
		out = append(out, a.places)
	}
	if y := cfg.Sources.Yelp; y.Enabled {
		out = append(out, yelp.New(yelp.Options{
			BaseURL: y.BaseURL,
			APIKey:  y.APIKey,
			Limit:   y.Limit,
			Timeout: timeout,
		}, a.logger))
	}
	if t := cfg.Sources.Tabelog; t.Enabled {
		out = append(out, tabelog.New(tabelog.Options{
			BaseURL:   t.BaseURL,
			UserAgent: t.UserAgent,
			Limit:     t.Limit,
			Timeout:   timeout,
		}, a.logger))
	}
	return out
}

// sourceIDs parses --sources, falling back to batch.defaultSources
func (a *app) sourceIDs(flag string) ([]restaurant.SourceID, error) {
	if flag != "" {
		return restaurant.ParseSourceIDs(flag)
	}
	ids := make([]restaurant.SourceID, 0, len(a.cfg.Batch.DefaultSources))
	for _, s := range a.cfg.Batch.DefaultSources {
		ids = append(ids, restaurant.SourceID(s))
	}
	return ids, nil
}

// openStore opens the run store named by storage.path
func (a *app) openStore() (*storage.DB, error) {
	return storage.Open(resolvePath(a.cfg.Storage.Path), a.logger)
}

// saveRun persists a finished batch and returns its ID
func (a *app) saveRun(ctx context.Context, command, input string, ids []restaurant.SourceID, outcomes []batch.Outcome, elapsed time.Duration) (string, error) {
	db, err := a.openStore()
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()

	run := storage.NewRun(command, input, ids, outcomes, elapsed)
	if err := db.SaveRun(ctx, run); err != nil {
		return "", err
	}
	return run.ID, nil
}

func (a *app) Close() {
	_ = a.conns.Close()
	_ = a.logger.Close()
}
