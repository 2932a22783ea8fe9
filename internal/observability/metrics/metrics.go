package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	metricPrefix = "ncu_collector_"

	resultSuccess = "success"
	resultError   = "error"

	outcomeInserted  = "inserted"
	outcomeExcluded  = "excluded"
	outcomeFailed    = "failed"
	outcomeDuplicate = "duplicate"
)

var (
	registerOnce sync.Once

	pollCycles       *prometheus.CounterVec
	pollCycleLatency *prometheus.HistogramVec

	recordsTotal    *prometheus.CounterVec
	batchesTotal    *prometheus.CounterVec
	batchBisections prometheus.Counter

	loginAttempts *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec

	consecutiveFailures prometheus.Gauge
	schedulerState      *prometheus.GaugeVec

	backfillCursor   prometheus.Gauge
	backfillProjects *prometheus.CounterVec

	stateMu   sync.Mutex
	lastState string
)

// Init registers collector metrics and the tracking-table gauge.
func Init(counter TrackingCounter, logger zerolog.Logger) {
	registerOnce.Do(func() {
		pollCycles = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_cycles_total",
				Help: "Total poll cycles by result",
			},
			[]string{"result"},
		)
		pollCycleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_cycle_duration_seconds",
				Help:    "Poll cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		recordsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "records_total",
				Help: "Records handled by the ingestor by outcome",
			},
			[]string{"outcome"},
		)
		batchesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "batches_total",
				Help: "Write batches by result",
			},
			[]string{"result"},
		)
		batchBisections = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_bisections_total",
				Help: "Batches split after a payload-too-large rejection",
			},
		)

		loginAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "login_attempts_total",
				Help: "Portal login attempts by result",
			},
			[]string{"result"},
		)
		fetchErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fetch_errors_total",
				Help: "Telemetry fetch errors by kind",
			},
			[]string{"kind"},
		)

		consecutiveFailures = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "consecutive_failures",
				Help: "Consecutive failed poll cycles",
			},
		)
		schedulerState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "scheduler_state",
				Help: "Current scheduler state (1 for the active state)",
			},
			[]string{"state"},
		)

		backfillCursor = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "backfill_cursor_timestamp_seconds",
				Help: "Start of the last completed backfill window",
			},
		)
		backfillProjects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "backfill_projects_total",
				Help: "Per-project backfill window pulls by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			pollCycles,
			pollCycleLatency,
			recordsTotal,
			batchesTotal,
			batchBisections,
			loginAttempts,
			fetchErrors,
			consecutiveFailures,
			schedulerState,
			backfillCursor,
			backfillProjects,
		)

		if counter != nil {
			registerDBMetrics(counter, logger)
		}
	})
}

// ObservePollCycle records poll cycle duration and result.
func ObservePollCycle(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if pollCycles != nil {
		pollCycles.WithLabelValues(result).Inc()
	}
	if pollCycleLatency != nil {
		pollCycleLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddRecords increments the record counter for an outcome.
func AddRecords(outcome string, count int) {
	if count <= 0 {
		return
	}
	if recordsTotal != nil {
		recordsTotal.WithLabelValues(outcome).Add(float64(count))
	}
}

// IncBatch increments the batch counter.
func IncBatch(result string) {
	if result == "" {
		result = resultSuccess
	}
	if batchesTotal != nil {
		batchesTotal.WithLabelValues(result).Inc()
	}
}

// IncBatchBisection counts a batch split.
func IncBatchBisection() {
	if batchBisections != nil {
		batchBisections.Inc()
	}
}

// IncLoginAttempt counts a login attempt.
func IncLoginAttempt(result string) {
	if result == "" {
		result = resultSuccess
	}
	if loginAttempts != nil {
		loginAttempts.WithLabelValues(result).Inc()
	}
}

// IncFetchError counts a fetch failure by kind.
func IncFetchError(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if fetchErrors != nil {
		fetchErrors.WithLabelValues(kind).Inc()
	}
}

// SetConsecutiveFailures sets the failure gauge.
func SetConsecutiveFailures(count int) {
	if count < 0 {
		count = 0
	}
	if consecutiveFailures != nil {
		consecutiveFailures.Set(float64(count))
	}
}

// SetSchedulerState flips the state gauge to the given state.
func SetSchedulerState(state string) {
	if schedulerState == nil || state == "" {
		return
	}
	stateMu.Lock()
	defer stateMu.Unlock()
	if lastState != "" && lastState != state {
		schedulerState.WithLabelValues(lastState).Set(0)
	}
	schedulerState.WithLabelValues(state).Set(1)
	lastState = state
}

// SetBackfillCursor records the last completed window start.
func SetBackfillCursor(at time.Time) {
	if backfillCursor != nil {
		backfillCursor.Set(float64(at.Unix()))
	}
}

// IncBackfillProject counts a per-project window pull.
func IncBackfillProject(result string) {
	if result == "" {
		result = resultSuccess
	}
	if backfillProjects != nil {
		backfillProjects.WithLabelValues(result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	OutcomeInserted  = outcomeInserted
	OutcomeExcluded  = outcomeExcluded
	OutcomeFailed    = outcomeFailed
	OutcomeDuplicate = outcomeDuplicate
)
