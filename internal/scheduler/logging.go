package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/attribution/internal/observability/context"
	obslogger "github.com/smallbiznis/attribution/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/attribution/internal/observability/metrics"
	"go.uber.org/zap"
)

type jobRun struct {
	job       string
	tickID    string
	trigger   string
	startedAt time.Time
	runID     string
	status    string
}

func (s *Scheduler) startJobRun(ctx context.Context, job, trigger string) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		tickID:    s.genID.Generate().String(),
		trigger:   trigger,
		startedAt: s.clock.Now(),
	}
	ctx = obscontext.WithRequestID(ctx, run.tickID)
	ctx = obscontext.WithTrigger(ctx, trigger)
	return ctx, run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("tick_id", run.tickID),
		zap.Duration("timeout", s.cfg.RunTimeout),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun, err error) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("tick_id", run.tickID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
	}
	if run.runID != "" {
		fields = append(fields, zap.String("run_id", run.runID), zap.String("status", run.status))
	}
	log := s.logger(ctx)
	if err != nil {
		log.Warn("scheduler.job.finish", append(fields,
			zap.String("error_type", obsmetrics.ClassifyRunError(err)),
			zap.Bool("retryable", obsmetrics.IsRunErrorRetryable(err)),
			zap.Error(err),
		)...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}
