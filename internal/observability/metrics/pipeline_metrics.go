package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/attribution/internal/revenue"
	"github.com/smallbiznis/attribution/internal/rollup"
	"github.com/smallbiznis/attribution/internal/runlock"
	snapshotdomain "github.com/smallbiznis/attribution/internal/snapshot/domain"
	"gorm.io/gorm"
)

const (
	RunReasonDeadlineExceeded     = "deadline_exceeded"
	RunReasonRunInProgress        = "run_in_progress"
	RunReasonDuplicateKey         = "duplicate_key"
	RunReasonMalformedRecord      = "malformed_record"
	RunReasonInvariantViolation   = "invariant_violation"
	RunReasonDBLockTimeout        = "db_lock_timeout"
	RunReasonSerializationFailure = "serialization_failure"
	RunReasonUniqueViolation      = "unique_violation"
	RunReasonDB                   = "db"
	RunReasonUnknown              = "unknown"
)

const (
	StageLoad     = "load"
	StageValidate = "validate"
	StageLink     = "link"
	StageGroup    = "group"
	StageClassify = "classify"
	StageDedupe   = "dedupe"
	StageRollup   = "rollup"
	StagePublish  = "publish"
)

// PipelineMetrics captures attribution run health for scraping on /metrics.
type PipelineMetrics struct {
	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runErrors      *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	links          *prometheus.CounterVec
	ambiguous      *prometheus.CounterVec
	excluded       *prometheus.CounterVec
	unclassified   prometheus.Counter
	ignoredCodes   prometheus.Counter
	publishedRows  *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	runLoopLag     prometheus.Observer
	stageObservers map[string]prometheus.Observer
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics registry using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = NewPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

// NewPipelineMetrics registers a fresh set of collectors on registerer.
func NewPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "attribution"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "attribution_runs_total",
		Help:        "Attribution runs by trigger and final status.",
		ConstLabels: constLabels,
	}, []string{"trigger", "status"})
	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "attribution_run_duration_seconds",
		Help:        "Wall time of a full load, resolve and publish cycle.",
		Buckets:     []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	}, []string{"trigger"})
	runErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "attribution_run_errors_total",
		Help:        "Failed runs by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "attribution_stage_duration_seconds",
		Help:        "Latency of each pipeline stage.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		ConstLabels: constLabels,
	}, []string{"stage"})
	links := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "attribution_links_total",
		Help:        "Resolved identity links by kind and winning strategy.",
		ConstLabels: constLabels,
	}, []string{"kind", "strategy"})
	ambiguous := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "attribution_ambiguous_matches_total",
		Help:        "Links whose winning strategy had more than one candidate.",
		ConstLabels: constLabels,
	}, []string{"kind", "strategy"})
	excluded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "attribution_excluded_revenue_total",
		Help:        "Attempts kept out of the revenue ledger by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	unclassified := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "attribution_unclassified_failure_codes_total",
		Help:        "Failed attempts whose code fell back to technical_error.",
		ConstLabels: constLabels,
	})
	ignoredCodes := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "attribution_ignored_failure_codes_total",
		Help:        "Non-failed attempts carrying a failure code that was ignored.",
		ConstLabels: constLabels,
	})
	publishedRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "attribution_published_rows_total",
		Help:        "Rows written to output tables by publishing runs.",
		ConstLabels: constLabels,
	}, []string{"table"})
	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "attribution_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "attribution_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "attribution_scheduler_job_timeouts_total",
		Help:        "Scheduler jobs cut off by their run timeout.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "attribution_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "attribution_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		runs,
		runDuration,
		runErrors,
		stageDuration,
		links,
		ambiguous,
		excluded,
		unclassified,
		ignoredCodes,
		publishedRows,
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		runLoopLag,
	)

	stageObservers := map[string]prometheus.Observer{}
	for _, stage := range []string{
		StageLoad,
		StageValidate,
		StageLink,
		StageGroup,
		StageClassify,
		StageDedupe,
		StageRollup,
		StagePublish,
	} {
		stageObservers[stage] = stageDuration.WithLabelValues(stage)
	}

	return &PipelineMetrics{
		runs:           runs,
		runDuration:    runDuration,
		runErrors:      runErrors,
		stageDuration:  stageDuration,
		links:          links,
		ambiguous:      ambiguous,
		excluded:       excluded,
		unclassified:   unclassified,
		ignoredCodes:   ignoredCodes,
		publishedRows:  publishedRows,
		jobRuns:        jobRuns,
		jobDuration:    jobDuration,
		jobTimeouts:    jobTimeouts,
		jobErrors:      jobErrors,
		runLoopLag:     runLoopLag,
		stageObservers: stageObservers,
	}
}

// ObserveRun records a finished run and its duration.
func (m *PipelineMetrics) ObserveRun(trigger, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(trigger, status).Inc()
	m.runDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// IncRunError classifies err and counts it.
func (m *PipelineMetrics) IncRunError(err error) {
	if m == nil || err == nil {
		return
	}
	m.runErrors.WithLabelValues(ClassifyRunError(err)).Inc()
}

// ObserveStage records latency for a pipeline stage.
func (m *PipelineMetrics) ObserveStage(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.stageObservers[stage]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func (m *PipelineMetrics) AddLinks(kind, strategy string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.links.WithLabelValues(kind, strategy).Add(float64(count))
}

func (m *PipelineMetrics) AddAmbiguous(kind, strategy string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.ambiguous.WithLabelValues(kind, strategy).Add(float64(count))
}

func (m *PipelineMetrics) AddExcluded(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.excluded.WithLabelValues(reason).Add(float64(count))
}

func (m *PipelineMetrics) AddUnclassifiedCodes(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.unclassified.Add(float64(count))
}

func (m *PipelineMetrics) AddIgnoredCodes(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.ignoredCodes.Add(float64(count))
}

func (m *PipelineMetrics) AddPublishedRows(table string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.publishedRows.WithLabelValues(table).Add(float64(count))
}

// IncJobRun increments the run counter for a scheduler job.
func (m *PipelineMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *PipelineMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the scheduler job.
func (m *PipelineMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *PipelineMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyRunError(err)).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *PipelineMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ClassifyRunError maps run failures to low-cardinality reasons.
func ClassifyRunError(err error) string {
	switch {
	case err == nil:
		return RunReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return RunReasonDeadlineExceeded
	case errors.Is(err, runlock.ErrRunInProgress):
		return RunReasonRunInProgress
	case errors.Is(err, snapshotdomain.ErrDuplicateKey):
		return RunReasonDuplicateKey
	case errors.Is(err, snapshotdomain.ErrMalformedRecord):
		return RunReasonMalformedRecord
	case errors.Is(err, revenue.ErrInvariantViolation), errors.Is(err, rollup.ErrConservationViolation):
		return RunReasonInvariantViolation
	case hasPGCode(err, "55P03"):
		return RunReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return RunReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return RunReasonUniqueViolation
	case isDBError(err):
		return RunReasonDB
	default:
		return RunReasonUnknown
	}
}

// IsRunErrorRetryable reports whether the next trigger may succeed unchanged.
func IsRunErrorRetryable(err error) bool {
	switch ClassifyRunError(err) {
	case RunReasonDeadlineExceeded, RunReasonRunInProgress, RunReasonDBLockTimeout, RunReasonSerializationFailure, RunReasonDB:
		return true
	default:
		return false
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrInvalidValue) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
