package vacuum

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	sweeps         *prometheus.CounterVec
	filesRemoved   prometheus.Counter
	bytesReclaimed prometheus.Counter
	batches        prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		sweeps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "vacuum",
			Name:      "sweeps_total",
			Help:      "Total number of temporary file sweeps by status.",
		}, []string{"status"}),
		filesRemoved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "vacuum",
			Name:      "files_removed_total",
			Help:      "Total number of temporary files removed.",
		}),
		bytesReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "vacuum",
			Name:      "bytes_reclaimed_total",
			Help:      "Total number of bytes reclaimed by removing temporary files.",
		}),
		batches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "quarry",
			Subsystem: "vacuum",
			Name:      "delete_batches_total",
			Help:      "Total number of bulk delete requests issued.",
		}),
	}
}
