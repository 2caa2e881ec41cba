package recluster

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess  = "success"
	statusFailure  = "failure"
	statusCanceled = "canceled"
)

type metrics struct {
	runs       *prometheus.CounterVec
	iterations prometheus.Counter
	retries    prometheus.Counter
	blocks     prometheus.Counter
	duration   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		runs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "recluster",
			Name:      "runs_total",
			Help:      "Total number of recluster requests by status.",
		}, []string{"status"}),
		iterations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "recluster",
			Name:      "iterations_total",
			Help:      "Total number of recluster batches attempted.",
		}),
		retries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "recluster",
			Name:      "retries_total",
			Help:      "Total number of recluster batches retried after a conflict.",
		}),
		blocks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "recluster",
			Name:      "blocks_total",
			Help:      "Total number of blocks planned for reclustering.",
		}),
		duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "quarry",
			Subsystem: "recluster",
			Name:      "duration_seconds",
			Help:      "Time spent executing recluster requests.",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
	}
}
