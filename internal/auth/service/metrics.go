package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records auth outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations  *prometheus.CounterVec
	reuse       prometheus.Counter
	hashSeconds prometheus.Histogram
}

// NewMetrics registers the auth collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tavern",
			Subsystem: "auth",
			Name:      "operations_total",
			Help:      "Auth operations by outcome.",
		}, []string{"operation", "result"}),
		reuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tavern",
			Subsystem: "auth",
			Name:      "refresh_reuse_total",
			Help:      "Refresh tokens presented after their session rotated past them.",
		}),
		hashSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tavern",
			Subsystem: "auth",
			Name:      "password_hash_seconds",
			Help:      "Time spent hashing or verifying passwords, including pool wait.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
	reg.MustRegister(m.operations, m.reuse, m.hashSeconds)
	return m
}

func (m *Metrics) observeOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) observeReuse() {
	if m == nil {
		return
	}
	m.reuse.Inc()
}

func (m *Metrics) observeHash(start time.Time) {
	if m == nil {
		return
	}
	m.hashSeconds.Observe(time.Since(start).Seconds())
}
