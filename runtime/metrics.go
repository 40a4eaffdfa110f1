package runtime

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quicplug/quicplug/catalogue"
)

// Metrics aggregates per-operation dispatch counters. A nil *Metrics is
// valid and records nothing, so instrumentation stays optional.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics builds and registers the dispatch metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quicplug",
			Name:      "plugin_calls_total",
			Help:      "Plugin operation calls by outcome.",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quicplug",
			Name:      "plugin_call_duration_seconds",
			Help:      "Wall-clock duration of successful plugin calls.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"op"}),
	}
	reg.MustRegister(m.calls, m.duration)
	return m
}

func (in *Instance) observe(op catalogue.OperationID, err error) {
	if in.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.As(err, new(*TrapError)):
		outcome = "trap"
	default:
		outcome = "error"
	}
	in.metrics.calls.WithLabelValues(op.String(), outcome).Inc()
}

func (in *Instance) observeDuration(op catalogue.OperationID, d time.Duration) {
	if in.metrics == nil {
		return
	}
	in.metrics.duration.WithLabelValues(op.String()).Observe(d.Seconds())
}
