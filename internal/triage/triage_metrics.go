package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	ReadingsTotal    *prometheus.CounterVec
	RejectedTotal    prometheus.Counter
	ProcessDuration  prometheus.Histogram
	SubjectsInWindow prometheus.GaugeFunc
}

// NewMetrics registers and returns triage metrics on the given registerer.
// windows may be nil when the live subject gauge is not wanted.
func NewMetrics(reg prometheus.Registerer, windows *WindowStore) *Metrics {
	m := &Metrics{
		ReadingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_readings_total",
			Help: "Total readings evaluated by decision and trigger type.",
		}, []string{"decision", "trigger"}),
		RejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_readings_rejected_total",
			Help: "Readings rejected by validation.",
		}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardian_reading_process_duration_seconds",
			Help:    "Duration of synchronous reading processing in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}),
	}

	reg.MustRegister(
		m.ReadingsTotal,
		m.RejectedTotal,
		m.ProcessDuration,
	)

	if windows != nil {
		m.SubjectsInWindow = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "guardian_window_subjects",
			Help: "Subjects with a live sliding window.",
		}, func() float64 { return float64(windows.Subjects()) })
		reg.MustRegister(m.SubjectsInWindow)
	}

	return m
}

// Hooks returns Hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnProcessed: func(kind DecisionKind, trigger TriggerType, duration float64) {
			t := string(trigger)
			if t == "" {
				t = "none"
			}
			m.ReadingsTotal.WithLabelValues(string(kind), t).Inc()
			m.ProcessDuration.Observe(duration)
		},
		OnRejected: func() {
			m.RejectedTotal.Inc()
		},
	}
}
