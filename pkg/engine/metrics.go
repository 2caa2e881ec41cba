package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

type metrics struct {
	plans     *prometheus.CounterVec
	planning  prometheus.Histogram
	execution prometheus.Histogram
}

func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		plans: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "engine",
			Name:      "plans_total",
			Help:      "Total number of executed physical plans by status.",
		}, []string{"status"}),
		planning: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Namespace: "quarry",
			Subsystem: "engine",
			Name:      "planning_duration_seconds",
			Help:      "Time spent compiling physical plans into pipelines.",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
		execution: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Namespace: "quarry",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Time spent executing compiled pipelines.",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
	}
}
