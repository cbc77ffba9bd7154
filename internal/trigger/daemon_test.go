package trigger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkowalik/stockflow/internal/domain"
	"github.com/mkowalik/stockflow/internal/metrics"
	"github.com/mkowalik/stockflow/internal/persistence"
	"github.com/mkowalik/stockflow/internal/pipeline"
)

type fakeRunner struct {
	mu   sync.Mutex
	reqs []pipeline.Request
	res  pipeline.Result
	err  error
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.Request) (pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

type fakeHealth struct {
	check persistence.HealthCheck
}

func (f *fakeHealth) Health(context.Context) persistence.HealthCheck { return f.check }
func (f *fakeHealth) Ping(context.Context) error                     { return nil }
func (f *fakeHealth) Stats(context.Context) map[string]interface{}   { return nil }

func newTestDaemon(t *testing.T, runner Runner) *Daemon {
	t.Helper()
	d, err := NewDaemon(Config{Timezone: "UTC"}, domain.EnvTest, testUniverse(), runner)
	require.NoError(t, err)
	return d
}

func TestNewDaemon_Validation(t *testing.T) {
	_, err := NewDaemon(Config{}, domain.Environment("qa"), testUniverse(), &fakeRunner{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qa")

	_, err = NewDaemon(Config{Timezone: "Mars/Olympus"}, domain.EnvDev, testUniverse(), &fakeRunner{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timezone")
}

func TestNewDaemon_FillsDefaults(t *testing.T) {
	d := newTestDaemon(t, &fakeRunner{})
	assert.Equal(t, "10 18 * * MON-FRI", d.cfg.Cron)
	assert.Equal(t, ":8080", d.cfg.ListenAddr)
}

func TestDaemon_FireBuildsScheduledRun(t *testing.T) {
	runner := &fakeRunner{res: pipeline.Result{JobID: 7, Status: persistence.JobCompleted}}
	d := newTestDaemon(t, runner)
	d.now = func() time.Time {
		return time.Date(2024, 3, 4, 18, 10, 0, 0, time.UTC)
	}

	d.fire(context.Background())

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Len(t, runner.reqs, 1)
	req := runner.reqs[0]
	assert.Equal(t, domain.EnvTest, req.Environment)
	assert.Equal(t, "2024-03-04", req.LogicalDate.Format(domain.DateLayout))
	require.NotNil(t, req.SchedulerRunID)
	assert.True(t, strings.HasPrefix(*req.SchedulerRunID, "scheduled__2024-03-04T18:10__"))
	assert.Len(t, req.Instruments, 3)
}

func TestDaemon_FireToleratesDuplicateSlot(t *testing.T) {
	runner := &fakeRunner{err: persistence.ErrDuplicateRun}
	d := newTestDaemon(t, runner)

	// Must not panic or propagate; the duplicate is the idempotence guard
	// doing its job.
	d.fire(context.Background())

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Len(t, runner.reqs, 1)
}

func TestDaemon_HealthzHealthy(t *testing.T) {
	d := newTestDaemon(t, &fakeRunner{})
	d.started = time.Now()
	d.WithHealth(&fakeHealth{check: persistence.HealthCheck{Healthy: true}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	d.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Environment)
	require.NotNil(t, resp.Database)
	assert.True(t, resp.Database.Healthy)
}

func TestDaemon_HealthzDegradedWhenDatabaseDown(t *testing.T) {
	d := newTestDaemon(t, &fakeRunner{})
	d.started = time.Now()
	d.WithHealth(&fakeHealth{check: persistence.HealthCheck{
		Healthy: false,
		Errors:  []string{"ping failed: connection refused"},
	}})

	rec := httptest.NewRecorder()
	d.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestDaemon_MetricsEndpoint(t *testing.T) {
	d := newTestDaemon(t, &fakeRunner{})
	m := metrics.New()
	m.ObserveRun("test", persistence.JobCompleted, 1.5)
	d.WithMetrics(m)

	rec := httptest.NewRecorder()
	d.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stockflow_runs_total")
}

func TestDaemon_NoMetricsMeansNoEndpoint(t *testing.T) {
	d := newTestDaemon(t, &fakeRunner{})

	rec := httptest.NewRecorder()
	d.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDaemon_StartRejectsBadCronSpec(t *testing.T) {
	d, err := NewDaemon(Config{Cron: "not a schedule", Timezone: "UTC", ListenAddr: "127.0.0.1:0"},
		domain.EnvTest, testUniverse(), &fakeRunner{})
	require.NoError(t, err)

	err = d.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cron spec")
}

func TestDaemon_StartStopsOnContextCancel(t *testing.T) {
	d, err := NewDaemon(Config{Timezone: "UTC", ListenAddr: "127.0.0.1:0"},
		domain.EnvTest, testUniverse(), &fakeRunner{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}
}

func TestDaemon_SweepLogsOnly(t *testing.T) {
	d := newTestDaemon(t, &fakeRunner{})
	swept := 0
	d.WithSweeper(sweeperFunc(func(context.Context) (int, error) {
		swept = 2
		return 2, nil
	}))

	d.sweep(context.Background())
	assert.Equal(t, 2, swept)
}

type sweeperFunc func(ctx context.Context) (int, error)

func (f sweeperFunc) Sweep(ctx context.Context) (int, error) { return f(ctx) }
