package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mkowalik/stockflow/internal/archive"
	"github.com/mkowalik/stockflow/internal/cache"
	"github.com/mkowalik/stockflow/internal/calendar"
	"github.com/mkowalik/stockflow/internal/config"
	"github.com/mkowalik/stockflow/internal/db"
	"github.com/mkowalik/stockflow/internal/domain"
	"github.com/mkowalik/stockflow/internal/extract"
	"github.com/mkowalik/stockflow/internal/metrics"
	"github.com/mkowalik/stockflow/internal/pipeline"
	"github.com/mkowalik/stockflow/internal/quality"
)

// app bundles the components every subcommand needs: the loaded
// configuration, the effective environment and its database pool.
type app struct {
	cfg     *config.Config
	env     domain.Environment
	manager *db.Manager
}

// loadApp reads configuration, applies the --env override and opens the
// connection pool bound to that environment's schema.
func loadApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	env := cfg.EnvironmentEnum()
	if flag, _ := cmd.Flags().GetString("env"); flag != "" {
		env = domain.Environment(flag)
		if !env.Valid() {
			return nil, fmt.Errorf("unknown environment %q", flag)
		}
	}

	manager, err := db.NewManager(cfg.Database, env)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &app{cfg: cfg, env: env, manager: manager}, nil
}

func (a *app) Close() {
	if err := a.manager.Close(); err != nil {
		log.Warn().Err(err).Msg("closing database pool")
	}
}

// buildPipeline wires the ingestion pipeline: trading calendar, quality
// checker, per-worker extractor clients sharing one payload cache, and the
// optional payload archive.
func (a *app) buildPipeline(ctx context.Context, met *metrics.Metrics) (*pipeline.Pipeline, error) {
	cal := calendar.New(a.cfg.Calendar)
	checker := quality.NewChecker(a.cfg.Quality, cal)
	payloads := cache.New(a.cfg.Cache)

	extractorCfg := a.cfg.Extractor
	factory := func() pipeline.Extractor {
		return extract.NewClient(extractorCfg, log.Logger).WithCache(payloads)
	}

	pipe := pipeline.New(a.cfg.Pipeline, a.manager.Repository(), cal, checker, factory)
	if met != nil {
		pipe = pipe.WithMetrics(met)
	}

	if a.cfg.Archive.Enabled() {
		archiver, err := archive.NewS3(ctx, a.cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		pipe = pipe.WithArchiver(archiver)
	}

	return pipe, nil
}
