// Package metrics exposes Prometheus collectors for the pipeline service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	batchesFinishedTotal   *prometheus.CounterVec
	urlsIngestedTotal      *prometheus.CounterVec
	tasksTotal             *prometheus.CounterVec
	taskURLsTotal          *prometheus.CounterVec
	schedulerRunsTotal     prometheus.Counter
	repeatValveTripsTotal  *prometheus.CounterVec
	schedulerIdle          prometheus.Gauge
	taskDurationSeconds    *prometheus.HistogramVec
	fetchPromotionsTotal   prometheus.Counter
	classifierCallDuration *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		batchesFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sourcepipe_batches_finished_total",
				Help: "Total collector batches reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		urlsIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sourcepipe_urls_ingested_total",
				Help: "Total URL candidates ingested, labeled original or duplicate.",
			},
			[]string{"kind"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sourcepipe_tasks_total",
				Help: "Total operator task executions, labeled by type and status.",
			},
			[]string{"type", "status"},
		)

		taskURLsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sourcepipe_task_urls_total",
				Help: "URLs attempted by operators, labeled by type and result.",
			},
			[]string{"type", "result"},
		)

		schedulerRunsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sourcepipe_scheduler_runs_total",
				Help: "Total full scheduler passes.",
			},
		)

		repeatValveTripsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sourcepipe_repeat_valve_trips_total",
				Help: "Times an operator hit the repeat threshold, labeled by type.",
			},
			[]string{"type"},
		)

		schedulerIdle = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sourcepipe_scheduler_idle",
				Help: "1 when no operator has eligible work, else 0.",
			},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sourcepipe_task_duration_seconds",
				Help:    "Histogram of operator RunOnce latencies, labeled by type.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"type"},
		)

		fetchPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sourcepipe_fetch_headless_promotions_total",
				Help: "Total probe fetches promoted to headless rendering.",
			},
		)

		classifierCallDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sourcepipe_classifier_call_duration_seconds",
				Help:    "Histogram of model-serving call latencies, labeled by kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"kind"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBatchFinished increments the terminal-batch counter.
func ObserveBatchFinished(status string) {
	Init()
	batchesFinishedTotal.WithLabelValues(status).Inc()
}

// ObserveIngest records original/duplicate URL splits for a batch.
func ObserveIngest(original, duplicate int) {
	Init()
	urlsIngestedTotal.WithLabelValues("original").Add(float64(original))
	urlsIngestedTotal.WithLabelValues("duplicate").Add(float64(duplicate))
}

// ObserveTask records one operator execution.
func ObserveTask(taskType, status string, duration time.Duration) {
	Init()
	tasksTotal.WithLabelValues(taskType, status).Inc()
	taskDurationSeconds.WithLabelValues(taskType).Observe(duration.Seconds())
}

// ObserveTaskURLs records per-URL successes and failures for an operator run.
func ObserveTaskURLs(taskType string, succeeded, failed int) {
	Init()
	taskURLsTotal.WithLabelValues(taskType, "success").Add(float64(succeeded))
	taskURLsTotal.WithLabelValues(taskType, "failure").Add(float64(failed))
}

// ObserveSchedulerRun counts a full scheduler pass.
func ObserveSchedulerRun() {
	Init()
	schedulerRunsTotal.Inc()
}

// ObserveRepeatValveTrip counts a repeat-threshold breach for an operator.
func ObserveRepeatValveTrip(taskType string) {
	Init()
	repeatValveTripsTotal.WithLabelValues(taskType).Inc()
}

// SetSchedulerIdle publishes the scheduler's idle flag.
func SetSchedulerIdle(idle bool) {
	Init()
	if idle {
		schedulerIdle.Set(1)
	} else {
		schedulerIdle.Set(0)
	}
}

// ObserveHeadlessPromotion counts a probe fetch promoted to headless.
func ObserveHeadlessPromotion() {
	Init()
	fetchPromotionsTotal.Inc()
}

// ObserveClassifierCall records one model-serving round trip.
func ObserveClassifierCall(kind string, duration time.Duration) {
	Init()
	classifierCallDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
