package main

import (
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mkowalik/stockflow/internal/jobs"
	"github.com/mkowalik/stockflow/internal/metrics"
	"github.com/mkowalik/stockflow/internal/trigger"
)

// runDaemon starts the embedded scheduler and blocks until SIGINT or
// SIGTERM, then drains in-flight work before returning.
func runDaemon(cmd *cobra.Command, args []string) error {
	app, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	pipe, err := app.buildPipeline(ctx, met)
	if err != nil {
		return err
	}

	daemon, err := trigger.NewDaemon(app.cfg.Scheduler, app.env, app.cfg.Instruments, pipe)
	if err != nil {
		return err
	}
	daemon = daemon.
		WithHealth(app.manager.Health()).
		WithMetrics(met).
		WithSweeper(jobs.NewJanitor(app.manager.Repository().Jobs, 0))

	log.Info().
		Str("environment", string(app.env)).
		Str("version", version).
		Msg("starting scheduler daemon")

	return daemon.Start(ctx)
}
