package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/attribution/internal/clock"
	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/attribution/internal/observability/metrics"
	"github.com/smallbiznis/attribution/internal/pipeline"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRunner struct {
	mu       sync.Mutex
	triggers []string
	execute  func(ctx context.Context) error
	calls    chan string
}

func (f *fakeRunner) Execute(ctx context.Context, trigger string) (*ledgerdomain.Run, error) {
	f.mu.Lock()
	f.triggers = append(f.triggers, trigger)
	f.mu.Unlock()
	if f.calls != nil {
		defer func() { f.calls <- trigger }()
	}
	if f.execute != nil {
		if err := f.execute(ctx); err != nil {
			return &ledgerdomain.Run{ID: 7, Status: ledgerdomain.RunStatusFailed}, err
		}
	}
	return &ledgerdomain.Run{ID: 7, Status: ledgerdomain.RunStatusSucceeded}, nil
}

func (f *fakeRunner) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.triggers...)
}

func newTestScheduler(t *testing.T, runner Runner, cfg Config) (*Scheduler, *prometheus.Registry, *clock.FakeClock) {
	t.Helper()
	registry := prometheus.NewRegistry()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	s, err := New(Params{
		Log:     zap.NewNop(),
		Runner:  runner,
		GenID:   node,
		Clock:   fake,
		Config:  cfg,
		Metrics: obsmetrics.NewPipelineMetrics(registry, obsmetrics.Config{ServiceName: "attribution", Environment: "test"}),
	})
	require.NoError(t, err)
	return s, registry, fake
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunOnceUsesSchedulerTrigger(t *testing.T) {
	runner := &fakeRunner{}
	s, registry, _ := newTestScheduler(t, runner, Config{})

	require.NoError(t, s.RunOnce(context.Background()))
	require.Equal(t, []string{pipeline.TriggerScheduler}, runner.seen())

	labels := map[string]string{"service": "attribution", "env": "test", "job": jobAttributionRun}
	require.Equal(t, float64(1), getCounterValue(t, registry, "attribution_scheduler_job_runs_total", labels))
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	runner := &fakeRunner{execute: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	s, registry, _ := newTestScheduler(t, runner, Config{RunTimeout: 5 * time.Millisecond})

	require.NoError(t, s.RunOnce(context.Background()))

	labels := map[string]string{"service": "attribution", "env": "test", "job": jobAttributionRun}
	require.Equal(t, float64(1), getCounterValue(t, registry, "attribution_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "attribution",
		"env":     "test",
		"job":     jobAttributionRun,
		"reason":  obsmetrics.RunReasonDeadlineExceeded,
	}
	require.Equal(t, float64(1), getCounterValue(t, registry, "attribution_scheduler_job_errors_total", errorLabels))
}

func TestRunInProgressIsSkipped(t *testing.T) {
	runner := &fakeRunner{execute: func(context.Context) error { return pipeline.ErrRunInProgress }}
	s, registry, _ := newTestScheduler(t, runner, Config{})

	require.NoError(t, s.RunOnce(context.Background()))

	labels := map[string]string{
		"service": "attribution",
		"env":     "test",
		"job":     jobAttributionRun,
		"reason":  obsmetrics.RunReasonRunInProgress,
	}
	require.Equal(t, float64(1), getCounterValue(t, registry, "attribution_scheduler_job_errors_total", labels))
}

func TestRunFailureIsReturned(t *testing.T) {
	boom := errors.New("boom")
	runner := &fakeRunner{execute: func(context.Context) error { return boom }}
	s, _, _ := newTestScheduler(t, runner, Config{})

	err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), jobAttributionRun)
}

func TestRunForeverRunsOnStartThenOnTicks(t *testing.T) {
	runner := &fakeRunner{calls: make(chan string, 4)}
	s, registry, fake := newTestScheduler(t, runner, Config{Interval: time.Minute, RunOnStart: true})

	ticks := make(chan time.Time)
	var interval time.Duration
	stopped := false
	s.newTicker = func(d time.Duration) (<-chan time.Time, func()) {
		interval = d
		return ticks, func() { stopped = true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunForever(ctx)
	}()

	require.Equal(t, pipeline.TriggerStartup, <-runner.calls)

	// The tick arrives thirty seconds late.
	fake.Advance(90 * time.Second)
	ticks <- fake.Now()
	require.Equal(t, pipeline.TriggerScheduler, <-runner.calls)

	cancel()
	<-done
	require.True(t, stopped)
	require.Equal(t, time.Minute, interval)
	require.Equal(t, []string{pipeline.TriggerStartup, pipeline.TriggerScheduler}, runner.seen())
	require.Equal(t, uint64(1), getHistogramCount(t, registry, "attribution_scheduler_runloop_lag_seconds"))
}

func TestRunForeverWaitsForFirstTick(t *testing.T) {
	runner := &fakeRunner{}
	s, _, _ := newTestScheduler(t, runner, Config{Interval: time.Minute})
	s.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return make(chan time.Time), func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunForever(ctx)
	require.Empty(t, runner.seen())
}

func TestProvideConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, time.Hour, cfg.Interval)
	require.Equal(t, 30*time.Minute, cfg.RunTimeout)
}

func gather(t *testing.T, registry *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	for _, metric := range gather(t, registry, name).Metric {
		if !labelsMatch(metric, labels) {
			continue
		}
		if metric.Counter == nil {
			t.Fatalf("metric %s is not a counter", name)
		}
		return metric.GetCounter().GetValue()
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func getHistogramCount(t *testing.T, registry *prometheus.Registry, name string) uint64 {
	t.Helper()
	mf := gather(t, registry, name)
	if len(mf.Metric) == 0 || mf.Metric[0].Histogram == nil {
		t.Fatalf("metric %s is not a histogram", name)
	}
	return mf.Metric[0].GetHistogram().GetSampleCount()
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
