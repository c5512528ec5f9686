package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		batchesSubmitted,
		jobOutcomes,
		itemsCompleted,
		itemsFailed,
		pollErrors,
		jobDuration,
		batchesInFlight,
	)
}

var (
	batchesSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrate_batches_submitted_total",
			Help: "Batches accepted by the synthesis provider.",
		},
		[]string{"provider"},
	)

	jobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrate_job_outcomes_total",
			Help: "Terminal job states per provider (succeeded/failed/timed_out).",
		},
		[]string{"provider", "state"},
	)

	itemsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrate_items_completed_total",
			Help: "Work items whose artifact was written and recorded.",
		},
		[]string{"provider"},
	)

	itemsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrate_items_failed_total",
			Help: "Work items recorded as failed, by error kind.",
		},
		[]string{"provider", "kind"},
	)

	pollErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrate_poll_errors_total",
			Help: "Transient errors while polling job status.",
		},
		[]string{"provider"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "narrate_job_duration_seconds",
			Help:    "Time from submission to terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"provider", "state"},
	)

	batchesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "narrate_batches_in_flight",
			Help: "Batches currently between submission and ledger update.",
		},
	)
)

func BatchSubmitted(provider string) {
	batchesSubmitted.WithLabelValues(norm(provider)).Inc()
}

// BatchStarted and BatchDone bracket one batch pipeline.
func BatchStarted() {
	batchesInFlight.Inc()
}

func BatchDone() {
	batchesInFlight.Dec()
}

// ObserveJob records a terminal job state and how long the job took.
func ObserveJob(provider, state string, elapsed time.Duration) {
	jobOutcomes.WithLabelValues(norm(provider), norm(state)).Inc()
	jobDuration.WithLabelValues(norm(provider), norm(state)).Observe(elapsed.Seconds())
}

func ItemsCompleted(provider string, n int) {
	if n <= 0 {
		return
	}
	itemsCompleted.WithLabelValues(norm(provider)).Add(float64(n))
}

func ItemsFailed(provider, kind string, n int) {
	if n <= 0 {
		return
	}
	itemsFailed.WithLabelValues(norm(provider), norm(kind)).Add(float64(n))
}

func PollError(provider string) {
	pollErrors.WithLabelValues(norm(provider)).Inc()
}
