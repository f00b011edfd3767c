package buildvm

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "buildvm"

// Metrics records lifecycle operations. A nil *Metrics records nothing.
type Metrics struct {
	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	cleanupFailures *prometheus.CounterVec
}

// NewMetrics creates the build VM metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Build VM lifecycle operations by provider, operation and result.",
		}, []string{"provider", "operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of build VM lifecycle operations.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"provider", "operation"}),
		cleanupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cleanup_step_failures_total",
			Help:      "Best-effort cleanup steps that failed.",
		}, []string{"provider", "step"}),
	}

	var errs []error
	for _, c := range []prometheus.Collector{m.operations, m.duration, m.cleanupFailures} {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) observe(p Provider, op string, start time.Time, err error) {
	if m == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "failure"
	}

	m.operations.WithLabelValues(string(p), op, result).Inc()
	m.duration.WithLabelValues(string(p), op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) cleanupFailed(p Provider, step string) {
	if m == nil {
		return
	}
	m.cleanupFailures.WithLabelValues(string(p), step).Inc()
}
