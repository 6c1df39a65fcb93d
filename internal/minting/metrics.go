package minting

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "certminter"

var (
	mintQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of minting queue items by status",
		},
		[]string{"status"},
	)

	mintAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mint",
			Name:      "attempts_total",
			Help:      "Mint attempts by error kind and resulting transition",
		},
		[]string{"kind", "result"},
	)

	mintDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mint",
			Name:      "duration_seconds",
			Help:      "Time spent in a single mint call (upload, submit and confirm)",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
	)

	queueClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claimed_total",
			Help:      "Total items claimed from the queue",
		},
	)

	schedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduler runs by how they ended",
		},
		[]string{"result"},
	)
)

func recordMintAttempt(kind ErrorKind, result string) {
	k := string(kind)
	if k == "" {
		k = "none"
	}
	mintAttempts.WithLabelValues(k, result).Inc()
}

func recordMintDuration(d time.Duration) {
	mintDuration.Observe(d.Seconds())
}

func recordQueueClaimed(count int) {
	queueClaimed.Add(float64(count))
}

func recordSchedulerRun(result string) {
	schedulerRuns.WithLabelValues(result).Inc()
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *QueueStats) {
	mintQueueSize.WithLabelValues(string(QueueStatusPending)).Set(float64(stats.Pending))
	mintQueueSize.WithLabelValues(string(QueueStatusProcessing)).Set(float64(stats.Processing))
	mintQueueSize.WithLabelValues(string(QueueStatusCompleted)).Set(float64(stats.Completed))
	mintQueueSize.WithLabelValues(string(QueueStatusFailed)).Set(float64(stats.Failed))
}
