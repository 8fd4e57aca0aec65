// Package pipeline runs one attribution pass: load the raw snapshot, resolve
// links, dedupe revenue, build rollups and publish them atomically.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/failure"
	"github.com/smallbiznis/attribution/internal/identity"
	ledgerdomain "github.com/smallbiznis/attribution/internal/ledger/domain"
	obscontext "github.com/smallbiznis/attribution/internal/observability/context"
	"github.com/smallbiznis/attribution/internal/observability/metrics"
	"github.com/smallbiznis/attribution/internal/observability/tracing"
	"github.com/smallbiznis/attribution/internal/paymentintent"
	"github.com/smallbiznis/attribution/internal/revenue"
	"github.com/smallbiznis/attribution/internal/rollup"
	"github.com/smallbiznis/attribution/internal/runlock"
	snapshotdomain "github.com/smallbiznis/attribution/internal/snapshot/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidSnapshot = errors.New("invalid_snapshot")
	ErrRunInProgress   = runlock.ErrRunInProgress
)

const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"
	TriggerStartup   = "startup"
)

const defaultLockTTL = 45 * time.Minute

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	AppConfig  config.Config
	Engine     *config.EngineConfigHolder
	Linker     *identity.Linker
	Aggregator *rollup.Aggregator
	Snapshots  snapshotdomain.Repository
	Ledger     ledgerdomain.Repository
	Locker     runlock.Locker
	GenID      *snowflake.Node
	Clock      clock.Clock
	Metrics    *metrics.PipelineMetrics `optional:"true"`
	Otel       *metrics.Metrics         `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	engine     *config.EngineConfigHolder
	linker     *identity.Linker
	aggregator *rollup.Aggregator
	snapshots  snapshotdomain.Repository
	ledger     ledgerdomain.Repository
	locker     runlock.Locker
	genID      *snowflake.Node
	clock      clock.Clock
	metrics    *metrics.PipelineMetrics
	otel       *metrics.Metrics
	lockTTL    time.Duration
}

func NewService(p Params) *Service {
	lockTTL := p.AppConfig.Scheduler.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("pipeline.service"),
		engine:     p.Engine,
		linker:     p.Linker,
		aggregator: p.Aggregator,
		snapshots:  p.Snapshots,
		ledger:     p.Ledger,
		locker:     p.Locker,
		genID:      p.GenID,
		clock:      p.Clock,
		metrics:    p.Metrics,
		otel:       p.Otel,
		lockTTL:    lockTTL,
	}
}

// Run computes every output of snap without touching the database. The
// engine config is read once and used for the whole run.
func (s *Service) Run(ctx context.Context, snap snapshotdomain.Snapshot) (*Outputs, error) {
	return s.run(ctx, s.genID.Generate(), snap)
}

// Execute is one full cycle under the run lock: record the run, load the
// snapshot, compute, publish, and record the outcome. A failed run leaves
// the published output of the previous run in place.
func (s *Service) Execute(ctx context.Context, trigger string) (*ledgerdomain.Run, error) {
	release, err := s.locker.Acquire(ctx, s.lockTTL)
	if err != nil {
		if errors.Is(err, runlock.ErrRunInProgress) {
			s.log.Info("run skipped, another run holds the lock", zap.String("trigger", trigger))
		}
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("failed to release run lock", zap.Error(err))
		}
	}()

	started := s.clock.Now()
	run := &ledgerdomain.Run{
		ID:        s.genID.Generate(),
		Trigger:   trigger,
		Status:    ledgerdomain.RunStatusRunning,
		StartedAt: started,
	}
	if err := s.ledger.InsertRun(ctx, s.db, run); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}

	ctx = obscontext.WithRunID(ctx, run.ID.String())
	ctx = obscontext.WithTrigger(ctx, trigger)
	ctx, span := tracing.StartStage(ctx, "execute",
		attribute.String("run_id", run.ID.String()),
		attribute.String("trigger", trigger),
	)

	out, err := s.execute(ctx, run)
	tracing.EndStage(span, err)

	finished := s.clock.Now()
	run.FinishedAt = &finished
	status := ledgerdomain.RunStatusSucceeded
	if err != nil {
		status = ledgerdomain.RunStatusFailed
		reason := metrics.ClassifyRunError(err) + ": " + err.Error()
		run.FailureReason = &reason
		s.metrics.IncRunError(err)
	} else {
		applyReport(run, out.Report)
	}
	run.Status = status

	if updateErr := s.ledger.UpdateRun(context.WithoutCancel(ctx), s.db, run); updateErr != nil {
		s.log.Error("failed to record run outcome", zap.Error(updateErr), zap.String("run_id", run.ID.String()))
		if err == nil {
			err = fmt.Errorf("record run outcome: %w", updateErr)
		}
	}

	s.metrics.ObserveRun(trigger, string(status), finished.Sub(started))
	s.otel.RecordRun(ctx, trigger, string(status))

	log := s.log.With(
		zap.String("run_id", run.ID.String()),
		zap.String("trigger", trigger),
		zap.Duration("duration", finished.Sub(started)),
	)
	if err != nil {
		log.Error("attribution run failed", zap.Error(err), zap.String("reason", metrics.ClassifyRunError(err)))
		return run, err
	}
	log.Info("attribution run published",
		zap.Any("outputs", out.Report.OutputCounts),
		zap.Any("revenue", out.Report.RevenueTotals),
		zap.Int("ambiguous", out.Report.Ambiguous),
	)
	return run, nil
}

func (s *Service) execute(ctx context.Context, run *ledgerdomain.Run) (*Outputs, error) {
	var snap snapshotdomain.Snapshot
	err := s.stage(ctx, metrics.StageLoad, func(ctx context.Context) error {
		var err error
		snap, err = s.snapshots.Load(ctx, s.db)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	takenAt := snap.TakenAt
	run.SnapshotAt = &takenAt
	run.InputCounts = intMap(snap.Counts())

	out, err := s.run(ctx, run.ID, snap)
	if err != nil {
		return nil, err
	}

	err = s.stage(ctx, metrics.StagePublish, func(ctx context.Context) error {
		return s.ledger.Replace(ctx, s.db, out.Publication)
	})
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	for table, count := range out.Report.OutputCounts {
		s.metrics.AddPublishedRows(table, count)
	}
	for currency, amount := range out.Report.RevenueTotals {
		s.otel.RecordRevenue(ctx, currency, amount)
	}
	return out, nil
}

func (s *Service) run(ctx context.Context, runID snowflake.ID, raw snapshotdomain.Snapshot) (*Outputs, error) {
	cfg := s.engine.Get()
	snap := raw.Normalize()

	classifier, err := failure.NewClassifier(cfg.FailureCodes)
	if err != nil {
		return nil, fmt.Errorf("failure codes: %w", err)
	}

	err = s.stage(ctx, metrics.StageValidate, func(context.Context) error {
		if err := snap.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &Outputs{RunID: runID, Config: cfg, Snapshot: snap}

	err = s.stage(ctx, metrics.StageLink, func(ctx context.Context) error {
		var err error
		out.Links, err = s.linker.Link(ctx, snap, cfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}

	var grouped []paymentintent.Attempt
	s.step(ctx, metrics.StageGroup, func(context.Context) {
		grouped = paymentintent.Group(snap.PaymentAttempts)
	})

	err = s.stage(ctx, metrics.StageDedupe, func(ctx context.Context) error {
		var err error
		out.Ledger, err = revenue.Deduplicate(ctx, revenue.Input{
			Attempts:   snap.PaymentAttempts,
			Candidates: revenue.CandidatesFromLinks(out.Links, snap.Sessions),
			Refunds:    snap.Refunds,
			IsTest:     cfg.IsTestAmount,
			Workers:    cfg.Workers,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dedupe: %w", err)
	}

	var enriched enrichment
	s.step(ctx, metrics.StageClassify, func(context.Context) {
		enriched = enrichAttempts(runID, grouped, out.Links, out.Ledger, snap.Sessions, classifier)
	})
	out.Attempts = enriched.Attempts
	for _, a := range enriched.IgnoredCodes {
		s.log.Warn("failure code on non-failed attempt ignored",
			zap.String("attempt_id", a.ID),
			zap.String("status", string(a.Status)),
			zap.String("failure_code", a.FailureCode),
		)
	}

	err = s.stage(ctx, metrics.StageRollup, func(context.Context) error {
		var err error
		out.Rollups, err = s.aggregator.Aggregate(rollup.Input{
			RunID:         runID,
			Sessions:      snap.Sessions,
			Subscriptions: snap.Subscriptions,
			AdSpend:       snap.AdSpend,
			Links:         out.Links,
			Ledger:        out.Ledger,
			Attempts:      out.Attempts,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("rollup: %w", err)
	}

	out.Publication = publication(runID, out, snap.Sessions)
	out.Report = buildReport(snap, out, enriched)
	s.record(ctx, out.Report)
	return out, nil
}

// stage times fn and wraps it in a span.
func (s *Service) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracing.StartStage(ctx, name)
	start := time.Now()
	err := fn(ctx)
	s.metrics.ObserveStage(name, time.Since(start))
	tracing.EndStage(span, err)
	return err
}

// step is stage for work that cannot fail.
func (s *Service) step(ctx context.Context, name string, fn func(context.Context)) {
	ctx, span := tracing.StartStage(ctx, name)
	start := time.Now()
	fn(ctx)
	s.metrics.ObserveStage(name, time.Since(start))
	tracing.EndStage(span, nil)
}

func (s *Service) record(ctx context.Context, r Report) {
	for kind, strategies := range r.LinksByStrategy {
		for strategy, count := range strategies {
			s.metrics.AddLinks(kind, strategy, count)
			s.otel.RecordLinks(ctx, kind, strategy, count)
		}
	}
	for kind, strategies := range r.AmbiguousByStrategy {
		for strategy, count := range strategies {
			s.metrics.AddAmbiguous(kind, strategy, count)
		}
	}
	for reason, count := range r.Excluded {
		s.metrics.AddExcluded(reason, count)
		s.otel.RecordExcluded(ctx, reason, count)
	}
	s.metrics.AddUnclassifiedCodes(r.UnclassifiedCodes)
	s.metrics.AddIgnoredCodes(r.IgnoredCodes)
}

func applyReport(run *ledgerdomain.Run, r Report) {
	run.OutputCounts = intMap(r.OutputCounts)
	run.RevenueTotals = int64Map(r.RevenueTotals)
	run.Excluded = intMap(r.Excluded)
	run.Ambiguous = r.Ambiguous
}

func intMap(m map[string]int) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func int64Map(m map[string]int64) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
