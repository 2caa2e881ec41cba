package lock

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	acquisitions *prometheus.CounterVec
	held         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		acquisitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "quarry",
			Name:      "table_lock_acquisitions_total",
			Help:      "Total number of table lock acquisitions by result.",
		}, []string{"result"}),
		held: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "quarry",
			Name:      "table_locks_held",
			Help:      "Number of table locks currently held by this process.",
		}),
	}
}

func (m *metrics) observe(err error) {
	switch {
	case err == nil:
		m.acquisitions.WithLabelValues("success").Inc()
	case errors.Is(err, ErrTableAlreadyLocked):
		m.acquisitions.WithLabelValues("locked").Inc()
	default:
		m.acquisitions.WithLabelValues("failure").Inc()
	}
}
