package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mkowalik/stockflow/internal/domain"
	"github.com/mkowalik/stockflow/internal/metrics"
	"github.com/mkowalik/stockflow/internal/persistence"
	"github.com/mkowalik/stockflow/internal/pipeline"
)

// Config tunes the embedded scheduler and its HTTP surface.
type Config struct {
	// Cron is the firing schedule in the exchange-local timezone.
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
	// ListenAddr serves /healthz and /metrics.
	ListenAddr string `yaml:"listen_addr"`
	// JanitorEvery is the interval between stale-job sweeps. Zero disables
	// the embedded janitor.
	JanitorEvery time.Duration `yaml:"janitor_every"`
}

// DefaultConfig returns the production daemon settings: weekdays shortly
// after the session close, Warsaw time.
func DefaultConfig() Config {
	return Config{
		Cron:         "10 18 * * MON-FRI",
		Timezone:     "Europe/Warsaw",
		ListenAddr:   ":8080",
		JanitorEvery: time.Hour,
	}
}

// Runner is the slice of the pipeline the daemon drives.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// Sweeper closes heartbeat-stale jobs; satisfied by jobs.Janitor.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Daemon fires one pipeline run per schedule slot and serves health and
// metrics endpoints while idle.
type Daemon struct {
	cfg      Config
	env      domain.Environment
	universe []domain.Instrument
	runner   Runner
	sweeper  Sweeper
	health   persistence.RepositoryHealth
	metrics  *metrics.Metrics
	loc      *time.Location
	log      zerolog.Logger
	started  time.Time

	// now is swappable in tests.
	now func() time.Time
}

// NewDaemon validates the schedule context and builds the daemon.
func NewDaemon(cfg Config, env domain.Environment, universe []domain.Instrument, runner Runner) (*Daemon, error) {
	def := DefaultConfig()
	if cfg.Cron == "" {
		cfg.Cron = def.Cron
	}
	if cfg.Timezone == "" {
		cfg.Timezone = def.Timezone
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}

	if !env.Valid() {
		return nil, fmt.Errorf("unknown environment %q", env)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}

	return &Daemon{
		cfg:      cfg,
		env:      env,
		universe: universe,
		runner:   runner,
		loc:      loc,
		log:      log.With().Str("component", "daemon").Logger(),
		now:      time.Now,
	}, nil
}

// WithHealth attaches the database health probe to /healthz.
func (d *Daemon) WithHealth(h persistence.RepositoryHealth) *Daemon {
	d.health = h
	return d
}

// WithMetrics attaches the Prometheus registry to /metrics.
func (d *Daemon) WithMetrics(m *metrics.Metrics) *Daemon {
	d.metrics = m
	return d
}

// WithSweeper enables periodic stale-job sweeps.
func (d *Daemon) WithSweeper(s Sweeper) *Daemon {
	d.sweeper = s
	return d
}

// Start runs the scheduler and HTTP server until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.started = d.now()

	c := cron.New(cron.WithLocation(d.loc))
	if _, err := c.AddFunc(d.cfg.Cron, func() { d.fire(ctx) }); err != nil {
		return fmt.Errorf("cron spec %q: %w", d.cfg.Cron, err)
	}
	if d.sweeper != nil && d.cfg.JanitorEvery > 0 {
		spec := fmt.Sprintf("@every %s", d.cfg.JanitorEvery)
		if _, err := c.AddFunc(spec, func() { d.sweep(ctx) }); err != nil {
			return fmt.Errorf("janitor spec %q: %w", spec, err)
		}
	}

	srv := &http.Server{
		Addr:         d.cfg.ListenAddr,
		Handler:      d.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error().Err(err).Str("addr", d.cfg.ListenAddr).Msg("http server failed")
		}
	}()

	c.Start()
	d.log.Info().
		Str("cron", d.cfg.Cron).
		Str("timezone", d.cfg.Timezone).
		Str("addr", d.cfg.ListenAddr).
		Str("environment", string(d.env)).
		Msg("daemon started")

	<-ctx.Done()

	<-c.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	d.log.Info().Msg("daemon stopped")
	return nil
}

// fire runs one scheduled slot. The run id is unique per firing; the slot
// timestamp rides along for traceability.
func (d *Daemon) fire(ctx context.Context) {
	slot := d.now().In(d.loc)
	runID := fmt.Sprintf("scheduled__%s__%s", slot.Format("2006-01-02T15:04"), uuid.NewString()[:8])

	evt := Event{
		Environment:    string(d.env),
		LogicalDate:    slot.Format(domain.DateLayout),
		SchedulerRunID: runID,
	}
	req, err := BuildRequest(evt, d.universe)
	if err != nil {
		d.log.Error().Err(err).Msg("scheduled event rejected")
		return
	}

	d.log.Info().Str("run_id", runID).Str("logical_date", evt.LogicalDate).Msg("schedule fired")
	res, err := d.runner.Run(ctx, req)
	switch {
	case errors.Is(err, persistence.ErrDuplicateRun):
		d.log.Warn().Str("run_id", runID).Msg("slot already ran")
	case err != nil:
		d.log.Error().Err(err).Str("run_id", runID).Msg("scheduled run failed")
	default:
		d.log.Info().
			Int64("job_id", res.JobID).
			Str("status", res.Status).
			Int64("processed", res.Counters.Processed).
			Msg("scheduled run finished")
	}
}

func (d *Daemon) sweep(ctx context.Context) {
	swept, err := d.sweeper.Sweep(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("janitor sweep failed")
		return
	}
	if swept > 0 {
		d.log.Info().Int("swept", swept).Msg("stale jobs closed")
	}
	d.logSnapshot()
}

// logSnapshot writes a periodic self-report of the accumulated ingest
// counters. Piggybacks on the janitor tick.
func (d *Daemon) logSnapshot() {
	if d.metrics == nil {
		return
	}
	snap, err := d.metrics.Snapshot()
	if err != nil {
		d.log.Warn().Err(err).Msg("metrics snapshot failed")
		return
	}
	d.log.Info().
		Float64("runs", snap["stockflow_runs_total"]).
		Float64("rows", snap["stockflow_rows_total"]).
		Float64("fetches", snap["stockflow_provider_requests_total"]).
		Float64("quality_failures", snap["stockflow_quality_failures_total"]).
		Msg("daemon counters")
}

func (d *Daemon) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", d.handleHealth).Methods(http.MethodGet)
	if d.metrics != nil {
		r.Handle("/metrics", d.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status      string                   `json:"status"`
	Environment string                   `json:"environment"`
	Timestamp   time.Time                `json:"timestamp"`
	Uptime      string                   `json:"uptime"`
	Database    *persistence.HealthCheck `json:"database,omitempty"`
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Environment: string(d.env),
		Timestamp:   d.now().UTC(),
		Uptime:      d.now().Sub(d.started).Truncate(time.Second).String(),
	}

	code := http.StatusOK
	if d.health != nil {
		check := d.health.Health(r.Context())
		resp.Database = &check
		if !check.Healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		d.log.Warn().Err(err).Msg("health response not written")
	}
}
