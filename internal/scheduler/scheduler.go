// Package scheduler triggers attribution runs on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/attribution/internal/clock"
	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/attribution/internal/observability/metrics"
	"github.com/smallbiznis/attribution/internal/pipeline"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const jobAttributionRun = "attribution_run"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Runner executes one full attribution run.
type Runner interface {
	Execute(ctx context.Context, trigger string) (*ledgerdomain.Run, error)
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Runner  Runner
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  Config                      `optional:"true"`
	Metrics *obsmetrics.PipelineMetrics `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	runner  Runner
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *obsmetrics.PipelineMetrics

	// newTicker is swapped in tests.
	newTicker func(time.Duration) (<-chan time.Time, func())
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Runner == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Pipeline()
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		runner:    p.Runner,
		genID:     p.GenID,
		clock:     p.Clock,
		metrics:   m,
		newTicker: systemTicker,
	}, nil
}

func systemTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// runJob bounds fn by timeout. A deadline is a soft failure: it is counted
// and logged, and the next tick tries again.
func (s *Scheduler) runJob(parent context.Context, name, trigger string, timeout time.Duration, fn func(ctx context.Context, run *jobRun) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name, trigger)
	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(name)

	err := fn(ctx, run)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(run.startedAt))
	s.logJobFinish(ctx, run, err)
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.metrics.IncJobTimeout(name)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one attribution run with the scheduler trigger.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.runWithTrigger(ctx, pipeline.TriggerScheduler)
}

func (s *Scheduler) runWithTrigger(ctx context.Context, trigger string) error {
	return s.runJob(ctx, jobAttributionRun, trigger, s.cfg.RunTimeout, func(ctx context.Context, job *jobRun) error {
		run, err := s.runner.Execute(ctx, trigger)
		if run != nil {
			job.runID = run.ID.String()
			job.status = string(run.Status)
		}
		return err
	})
}

// RunForever runs on every tick until ctx is done. With RunOnStart the
// first run starts immediately under the startup trigger.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticks, stop := s.newTicker(s.cfg.Interval)
	defer stop()

	if s.cfg.RunOnStart {
		if err := s.runWithTrigger(ctx, pipeline.TriggerStartup); err != nil {
			s.log.Warn("scheduler startup run failed", zap.Error(err))
		}
	}
	nextRun := s.clock.Now().Add(s.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		}

		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.Interval)
	}
}
