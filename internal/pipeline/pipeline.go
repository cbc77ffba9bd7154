package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mkowalik/stockflow/internal/calendar"
	"github.com/mkowalik/stockflow/internal/domain"
	"github.com/mkowalik/stockflow/internal/extract"
	"github.com/mkowalik/stockflow/internal/jobs"
	"github.com/mkowalik/stockflow/internal/metrics"
	"github.com/mkowalik/stockflow/internal/persistence"
	"github.com/mkowalik/stockflow/internal/quality"
	"github.com/mkowalik/stockflow/internal/resolve"
)

// Config holds orchestration parameters.
type Config struct {
	JobName           string         `yaml:"job_name"`
	Workers           int            `yaml:"workers"`
	InstrumentTimeout time.Duration  `yaml:"instrument_timeout"`
	RunDeadline       time.Duration  `yaml:"run_deadline"`
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	Resolver          resolve.Config `yaml:"modes"`
}

// DefaultConfig returns the default orchestration parameters.
func DefaultConfig() Config {
	return Config{
		JobName:           "daily_ingest",
		Workers:           4,
		InstrumentTimeout: 5 * time.Minute,
		RunDeadline:       60 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		Resolver:          resolve.DefaultConfig(),
	}
}

// Request is one validated pipeline invocation.
type Request struct {
	Environment    domain.Environment
	LogicalDate    time.Time
	SchedulerRunID *string
	GlobalMode     resolve.ModeKind
	Overrides      map[string]resolve.ModeKind
	CatchUp        bool
	Instruments    []domain.Instrument
	Metadata       map[string]interface{}
}

// Result reports a finished run.
type Result struct {
	JobID    int64
	Status   string
	Counters jobs.Counters
}

// ExitCode maps the terminal status onto the process exit convention:
// completed and skipped exit zero, failed exits one, partial exits two.
func (r Result) ExitCode() int {
	switch r.Status {
	case persistence.JobFailed:
		return 1
	case persistence.JobPartial:
		return 2
	default:
		return 0
	}
}

// Extractor fetches one instrument's bars within a bound.
type Extractor interface {
	Fetch(ctx context.Context, inst domain.Instrument, bound extract.Bound) (extract.Batch, error)
}

// ExtractorFactory builds one extractor per worker, so each worker owns its
// own rate limiter and breaker state.
type ExtractorFactory func() Extractor

// Archiver stores one raw provider payload for audit and replay.
type Archiver interface {
	Store(ctx context.Context, env domain.Environment, symbol string, day time.Time, payload []byte) error
}

// Pipeline coordinates one run: calendar gate, job row, per-instrument mode
// resolution, bounded fan-out, isolated transactions, quality verdicts, and
// the single terminal finalize.
type Pipeline struct {
	cfg          Config
	cal          *calendar.Calendar
	repos        *persistence.Repository
	tracker      *jobs.Tracker
	checker      *quality.Checker
	newExtractor ExtractorFactory
	archiver     Archiver
	metrics      *metrics.Metrics
	log          zerolog.Logger
	now          func() time.Time
}

// New creates a pipeline. Archiver and metrics are optional and attached
// through WithArchiver and WithMetrics.
func New(cfg Config, repos *persistence.Repository, cal *calendar.Calendar, checker *quality.Checker, factory ExtractorFactory) *Pipeline {
	def := DefaultConfig()
	if cfg.JobName == "" {
		cfg.JobName = def.JobName
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.InstrumentTimeout <= 0 {
		cfg.InstrumentTimeout = def.InstrumentTimeout
	}
	if cfg.RunDeadline <= 0 {
		cfg.RunDeadline = def.RunDeadline
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}

	return &Pipeline{
		cfg:          cfg,
		cal:          cal,
		repos:        repos,
		tracker:      jobs.NewTracker(repos.Jobs),
		checker:      checker,
		newExtractor: factory,
		log:          log.With().Str("component", "pipeline").Logger(),
		now:          time.Now,
	}
}

// WithArchiver attaches best-effort raw payload archival.
func (p *Pipeline) WithArchiver(a Archiver) *Pipeline {
	p.archiver = a
	return p
}

// WithMetrics attaches Prometheus instrumentation.
func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// Run executes one pipeline invocation end to end and returns the finalized
// job's identity, status, and counters. Duplicate scheduler runs surface as
// persistence.ErrDuplicateRun before any work starts.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	if !req.Environment.Valid() {
		return Result{}, fmt.Errorf("unknown environment %q", req.Environment)
	}

	env := string(req.Environment)
	runLog := p.log.With().
		Str("environment", env).
		Str("logical_date", req.LogicalDate.Format(domain.DateLayout)).
		Logger()
	start := p.now()

	if !p.gateOpen(req) {
		return p.skipRun(ctx, req, runLog)
	}

	jobID, err := p.tracker.Open(ctx, p.cfg.JobName, req.Environment, req.SchedulerRunID, req.Metadata)
	if err != nil {
		return Result{}, err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.tracker.KeepAlive(hbCtx, jobID, p.cfg.HeartbeatInterval)

	runCtx, cancelRun := context.WithTimeout(ctx, p.cfg.RunDeadline)
	defer cancelRun()

	items, outcomes := p.resolveWork(runCtx, req, runLog)
	outcomes = append(outcomes, p.fanOut(runCtx, jobID, req, items)...)

	var counters jobs.Counters
	var errs []string
	demoted := false
	attempted := 0
	for _, out := range outcomes {
		counters.RecordRejected(out.rejected)
		if out.err != nil {
			counters.RecordFailure(out.inflight)
			errs = append(errs, fmt.Sprintf("%s: %v", out.symbol, out.err))
			p.observeInstrument(env, persistence.OpError)
			if out.mode.Kind != "" {
				attempted++
			}
			continue
		}
		attempted++
		counters.RecordSuccess(out.result)
		counters.RecordQuality(out.report.Failed)
		if p.checker.Demotes(out.report) {
			demoted = true
		}
		p.observeInstrument(env, out.result.Operation)
		p.observeRows(env, out.result, int64(out.rejected))
	}

	// Items the deadline starved out never produced an outcome.
	if starved := len(items) - attempted; starved > 0 {
		for i := 0; i < starved; i++ {
			counters.RecordFailure(0)
		}
		errs = append(errs, fmt.Sprintf("%d instruments not attempted before run deadline", starved))
	}

	status := counters.Status(demoted)
	summary := summarize(errs, demoted)

	stopHeartbeat()

	// Finalize must land even when the run context is already dead.
	finCtx, cancelFin := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFin()
	if err := p.tracker.Finalize(finCtx, jobID, status, counters, summary); err != nil {
		return Result{JobID: jobID, Status: status, Counters: counters}, fmt.Errorf("finalize job %d: %w", jobID, err)
	}

	elapsed := p.now().Sub(start)
	p.observeRun(env, status, elapsed.Seconds())
	runLog.Info().
		Int64("job_id", jobID).
		Str("status", status).
		Dur("elapsed", elapsed).
		Int64("processed", counters.Processed).
		Int64("inserted", counters.Inserted).
		Int64("updated", counters.Updated).
		Int64("skipped", counters.Skipped).
		Int64("failed", counters.Failed).
		Msg("run finished")

	return Result{JobID: jobID, Status: status, Counters: counters}, nil
}

// gateOpen applies the trading-calendar gate. An explicit backfill request
// overrides the calendar; everything else runs only on trading days.
func (p *Pipeline) gateOpen(req Request) bool {
	if req.GlobalMode == resolve.Historical || req.GlobalMode == resolve.FullBackfill {
		return true
	}
	return p.cal.IsTradingDay(req.LogicalDate)
}

// skipRun writes the gate's audit trail: a job row that went straight from
// running to skipped, touching no price data.
func (p *Pipeline) skipRun(ctx context.Context, req Request, runLog zerolog.Logger) (Result, error) {
	jobID, err := p.tracker.Open(ctx, p.cfg.JobName, req.Environment, req.SchedulerRunID, req.Metadata)
	if err != nil {
		return Result{}, err
	}

	summary := fmt.Sprintf("%s is not a trading day", req.LogicalDate.Format(domain.DateLayout))
	if err := p.tracker.Finalize(ctx, jobID, persistence.JobSkipped, jobs.Counters{}, &summary); err != nil {
		return Result{JobID: jobID}, fmt.Errorf("finalize skipped job %d: %w", jobID, err)
	}

	p.observeRun(string(req.Environment), persistence.JobSkipped, 0)
	runLog.Info().Int64("job_id", jobID).Msg("non-trading day, run skipped")
	return Result{JobID: jobID, Status: persistence.JobSkipped}, nil
}

// workItem is one instrument's resolved unit of work.
type workItem struct {
	inst domain.Instrument
	id   int64
	mode resolve.Mode
}

// outcome carries one instrument's result back to the orchestrator, which
// is the only place counters are aggregated.
type outcome struct {
	symbol   string
	mode     resolve.Mode
	result   persistence.LoadResult
	report   quality.Report
	rejected int
	inflight int64
	fetchMS  int64
	err      error
}

// resolveWork decides each instrument's mode. Instruments whose identity
// cannot even be resolved become failures before any worker runs; a failed
// state query falls through to the resolver's safety default.
func (p *Pipeline) resolveWork(ctx context.Context, req Request, runLog zerolog.Logger) ([]workItem, []outcome) {
	rreq := resolve.Request{
		GlobalMode:    req.GlobalMode,
		Overrides:     req.Overrides,
		CatchUp:       req.CatchUp,
		ReferenceDate: req.LogicalDate,
	}

	var items []workItem
	var failed []outcome
	for _, inst := range req.Instruments {
		rec, err := p.repos.Instruments.Resolve(ctx, inst)
		if err != nil {
			runLog.Error().Err(err).Str("symbol", inst.Symbol).Msg("instrument resolve failed")
			failed = append(failed, outcome{symbol: inst.Symbol, err: err})
			continue
		}

		st, err := p.repos.Instruments.State(ctx, rec.ID)
		if err != nil {
			runLog.Warn().Err(err).Str("symbol", inst.Symbol).Msg("state query failed, using safety default")
			st = persistence.InstrumentState{RowCount: -1}
		}

		mode := resolve.Decide(p.cfg.Resolver, rreq, inst.Symbol,
			resolve.State{RowCount: st.RowCount, MaxDate: st.MaxDate})
		runLog.Debug().
			Str("symbol", inst.Symbol).
			Str("mode", string(mode.Kind)).
			Int("depth", mode.Depth).
			Str("reason", mode.Reason).
			Msg("mode resolved")

		items = append(items, workItem{inst: inst, id: rec.ID, mode: mode})
	}
	return items, failed
}

// fanOut runs the work list on a bounded pool. Each worker owns one
// extractor, so provider rate limits hold per worker.
func (p *Pipeline) fanOut(ctx context.Context, jobID int64, req Request, items []workItem) []outcome {
	if len(items) == 0 {
		return nil
	}

	workers := p.cfg.Workers
	if len(items) < workers {
		workers = len(items)
	}

	workCh := make(chan workItem)
	resCh := make(chan outcome, len(items))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ext := p.newExtractor()
			for item := range workCh {
				resCh <- p.processInstrument(ctx, ext, jobID, req, item)
			}
		}()
	}

	go func() {
		defer close(workCh)
		for _, item := range items {
			select {
			case workCh <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resCh)
	}()

	outcomes := make([]outcome, 0, len(items))
	for out := range resCh {
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// processInstrument is one worker's unit: fetch outside any transaction,
// load inside one, then best-effort quality verdicts. A failure here never
// touches any other instrument.
func (p *Pipeline) processInstrument(ctx context.Context, ext Extractor, jobID int64, req Request, item workItem) outcome {
	instCtx, cancel := context.WithTimeout(ctx, p.cfg.InstrumentTimeout)
	defer cancel()

	out := outcome{symbol: item.inst.Symbol, mode: item.mode}
	env := string(req.Environment)

	fetchStart := p.now()
	batch, err := ext.Fetch(instCtx, item.inst, boundFor(item.mode, req.LogicalDate))
	out.fetchMS = p.now().Sub(fetchStart).Milliseconds()

	switch {
	case err == nil:
		p.observeFetch(env, metrics.FetchOK, float64(out.fetchMS))
	case extract.IsEmpty(err):
		// Provider has nothing in the window; a skip, not a failure.
		p.observeFetch(env, metrics.FetchEmpty, float64(out.fetchMS))
		batch = extract.Batch{Symbol: item.inst.Symbol}
	default:
		p.observeFetch(env, metrics.FetchError, float64(out.fetchMS))
		out.err = fmt.Errorf("fetch %s: %w", item.inst.Symbol, err)
		p.recordError(ctx, jobID, item.id, out.fetchMS, out.err)
		return out
	}

	out.rejected = batch.Rejected
	p.archivePayload(instCtx, req.Environment, item.inst.Symbol, req.LogicalDate, batch.Raw)

	loadReq := persistence.LoadRequest{
		JobID:        jobID,
		InstrumentID: item.id,
		Bars:         batch.Bars,
		FetchMS:      out.fetchMS,
	}
	res, err := p.repos.Prices.Load(instCtx, loadReq)
	if err != nil && errors.Is(err, persistence.ErrConnection) && instCtx.Err() == nil {
		// The transaction rolled back on a transport failure; one more
		// attempt covers connection blips without masking real outages.
		p.log.Warn().Err(err).Str("symbol", item.inst.Symbol).Msg("transient load failure, retrying")
		res, err = p.repos.Prices.Load(instCtx, loadReq)
	}
	if err != nil {
		out.err = fmt.Errorf("load %s: %w", item.inst.Symbol, err)
		out.inflight = int64(len(batch.Bars))
		p.recordError(ctx, jobID, item.id, out.fetchMS, out.err)
		return out
	}
	out.result = res
	out.report = p.evaluateQuality(instCtx, jobID, item, batch.Bars, env)

	p.log.Info().
		Str("symbol", item.inst.Symbol).
		Str("mode", string(item.mode.Kind)).
		Str("operation", res.Operation).
		Int64("inserted", res.Inserted).
		Int64("updated", res.Updated).
		Int64("skipped", res.Skipped).
		Int("rejected", batch.Rejected).
		Int64("fetch_ms", out.fetchMS).
		Msg("instrument loaded")
	return out
}

// recordError writes the standalone error detail row for an instrument that
// never reached a committed transaction.
func (p *Pipeline) recordError(ctx context.Context, jobID, instrumentID, elapsedMS int64, cause error) {
	text := cause.Error()
	err := p.repos.Jobs.RecordDetail(ctx, persistence.JobDetail{
		JobID:        jobID,
		InstrumentID: instrumentID,
		Operation:    persistence.OpError,
		ProcessingMS: elapsedMS,
		ErrorText:    &text,
	})
	if err != nil {
		p.log.Warn().Err(err).Int64("instrument_id", instrumentID).Msg("error detail not recorded")
	}
}

// evaluateQuality runs the rule set over the just-committed bars with stored
// lookback context. Everything here is best-effort by contract.
func (p *Pipeline) evaluateQuality(ctx context.Context, jobID int64, item workItem, bars []domain.PriceBar, env string) quality.Report {
	if len(bars) == 0 {
		return quality.Report{}
	}

	rows, err := p.repos.Prices.RecentBars(ctx, item.id, len(bars)+p.checker.Lookback())
	if err != nil {
		p.log.Warn().Err(err).Str("symbol", item.inst.Symbol).Msg("quality lookback unavailable")
		rows = nil
	}

	report := p.checker.Evaluate(jobID, item.id, quality.BarsFromRows(rows, item.inst.Symbol), bars)
	if err := p.repos.Quality.WriteVerdicts(ctx, report.Verdicts); err != nil {
		p.log.Warn().Err(err).Str("symbol", item.inst.Symbol).Msg("quality verdicts not written")
	}

	if p.metrics != nil {
		for _, v := range report.Verdicts {
			if !v.IsValid {
				p.metrics.ObserveQualityFailure(env, v.Rule, v.Severity)
			}
		}
	}
	return report
}

func (p *Pipeline) archivePayload(ctx context.Context, env domain.Environment, symbol string, day time.Time, payload []byte) {
	if p.archiver == nil || len(payload) == 0 {
		return
	}
	if err := p.archiver.Store(ctx, env, symbol, day, payload); err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("payload archive failed")
	}
}

// boundFor maps a resolved mode onto the provider window.
func boundFor(mode resolve.Mode, ref time.Time) extract.Bound {
	switch mode.Kind {
	case resolve.FullBackfill:
		return extract.Everything(ref)
	case resolve.Historical:
		return extract.Last(mode.Depth, ref)
	default:
		return extract.Latest(ref)
	}
}

// summarize folds instrument errors into one bounded error summary.
func summarize(errs []string, demoted bool) *string {
	if len(errs) == 0 {
		if !demoted {
			return nil
		}
		s := "quality error threshold exceeded"
		return &s
	}

	const keep = 3
	shown := errs
	if len(shown) > keep {
		shown = shown[:keep]
	}
	s := strings.Join(shown, "; ")
	if extra := len(errs) - keep; extra > 0 {
		s = fmt.Sprintf("%s (+%d more)", s, extra)
	}
	return &s
}

func (p *Pipeline) observeRun(env, status string, seconds float64) {
	if p.metrics != nil {
		p.metrics.ObserveRun(env, status, seconds)
	}
}

func (p *Pipeline) observeInstrument(env, operation string) {
	if p.metrics != nil {
		p.metrics.ObserveInstrument(env, operation)
	}
}

func (p *Pipeline) observeRows(env string, res persistence.LoadResult, rejected int64) {
	if p.metrics != nil {
		p.metrics.ObserveRows(env, res.Inserted, res.Updated, res.Skipped, rejected)
	}
}

func (p *Pipeline) observeFetch(env, result string, latencyMS float64) {
	if p.metrics != nil {
		p.metrics.ObserveFetch(env, result, latencyMS)
	}
}
