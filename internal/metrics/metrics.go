package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Fetch result label values.
const (
	FetchOK    = "ok"
	FetchEmpty = "empty"
	FetchError = "error"
)

// Metrics holds every Prometheus collector the pipeline emits. Collectors
// live on a private registry so independent components (and tests) can each
// own an instance.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	InstrumentOutcomes *prometheus.CounterVec
	RowsTotal          *prometheus.CounterVec

	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec

	QualityFailures *prometheus.CounterVec
}

// New creates and registers all pipeline metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockflow_runs_total",
				Help: "Total pipeline runs by terminal status",
			},
			[]string{"environment", "status"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stockflow_run_duration_seconds",
				Help:    "Wall-clock duration of a pipeline run",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"environment"},
		),

		InstrumentOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockflow_instrument_outcomes_total",
				Help: "Per-instrument outcomes by dominant operation",
			},
			[]string{"environment", "operation"},
		),

		RowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockflow_rows_total",
				Help: "Price rows by load outcome",
			},
			[]string{"environment", "outcome"},
		),

		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockflow_provider_requests_total",
				Help: "Provider fetches by result",
			},
			[]string{"environment", "result"},
		),

		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stockflow_provider_latency_ms",
				Help:    "Provider fetch latency in milliseconds",
				Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"environment"},
		),

		QualityFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockflow_quality_failures_total",
				Help: "Failing quality verdicts by rule and severity",
			},
			[]string{"environment", "rule", "severity"},
		),
	}

	m.registry.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.InstrumentOutcomes,
		m.RowsTotal,
		m.ProviderRequests,
		m.ProviderLatency,
		m.QualityFailures,
	)

	return m
}

// ObserveRun records a finalized run.
func (m *Metrics) ObserveRun(env, status string, seconds float64) {
	m.RunsTotal.WithLabelValues(env, status).Inc()
	m.RunDuration.WithLabelValues(env).Observe(seconds)
}

// ObserveInstrument records one instrument's dominant operation.
func (m *Metrics) ObserveInstrument(env, operation string) {
	m.InstrumentOutcomes.WithLabelValues(env, operation).Inc()
}

// ObserveRows records the row counts from one instrument's load.
func (m *Metrics) ObserveRows(env string, inserted, updated, skipped, failed int64) {
	m.RowsTotal.WithLabelValues(env, "inserted").Add(float64(inserted))
	m.RowsTotal.WithLabelValues(env, "updated").Add(float64(updated))
	m.RowsTotal.WithLabelValues(env, "skipped").Add(float64(skipped))
	m.RowsTotal.WithLabelValues(env, "failed").Add(float64(failed))
}

// ObserveFetch records one provider fetch.
func (m *Metrics) ObserveFetch(env, result string, latencyMS float64) {
	m.ProviderRequests.WithLabelValues(env, result).Inc()
	m.ProviderLatency.WithLabelValues(env).Observe(latencyMS)
}

// ObserveQualityFailure records one failing verdict.
func (m *Metrics) ObserveQualityFailure(env, rule, severity string) {
	m.QualityFailures.WithLabelValues(env, rule, severity).Inc()
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot gathers every family and sums its series, keyed by metric name.
// The daemon logs these sums as its periodic self-report.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(families))
	for _, family := range families {
		var total float64
		for _, metric := range family.GetMetric() {
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				total += metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				total += metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
		out[family.GetName()] = total
	}
	return out, nil
}
