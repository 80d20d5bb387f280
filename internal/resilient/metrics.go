package resilient

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for upstream calls.
type Metrics struct {
	AttemptsTotal    *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	DegradationTotal *prometheus.CounterVec
}

// NewMetrics registers and returns upstream call metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_upstream_attempts_total",
			Help: "Total upstream call attempts by service and outcome.",
		}, []string{"service", "outcome"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guardian_upstream_attempt_duration_seconds",
			Help:    "Duration of individual upstream call attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"service"}),
		DegradationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_degradations_total",
			Help: "Logical calls that fell back to a degraded value.",
		}, []string{"service"}),
	}

	reg.MustRegister(
		m.AttemptsTotal,
		m.AttemptDuration,
		m.DegradationTotal,
	)

	return m
}

// Hooks returns Hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnAttempt: func(service string, err error, duration float64) {
			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			m.AttemptsTotal.WithLabelValues(service, outcome).Inc()
			m.AttemptDuration.WithLabelValues(service).Observe(duration)
		},
		OnDegraded: func(service string) {
			m.DegradationTotal.WithLabelValues(service).Inc()
		},
	}
}
