package investigation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the investigation workflow.
type Metrics struct {
	InvestigationsTotal *prometheus.CounterVec
	Duration            prometheus.Histogram
	LLMCallsTotal       prometheus.Counter
	LLMCallDuration     prometheus.Histogram
	LLMTokensTotal      *prometheus.CounterVec
}

// NewMetrics registers and returns investigation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InvestigationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_investigations_total",
			Help: "Total investigations by status, risk level, action and classification source.",
		}, []string{"status", "risk_level", "action", "source"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardian_investigation_duration_seconds",
			Help:    "Duration of investigations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms .. ~51s
		}),
		LLMCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardian_llm_calls_total",
			Help: "Total successful reasoning calls.",
		}),
		LLMCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardian_llm_call_duration_seconds",
			Help:    "Duration of reasoning calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms .. 32s
		}),
		LLMTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_llm_tokens_total",
			Help: "Total tokens consumed by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.InvestigationsTotal,
		m.Duration,
		m.LLMCallsTotal,
		m.LLMCallDuration,
		m.LLMTokensTotal,
	)

	return m
}

// OrchestratorHooks returns hooks that record finished investigations.
func (m *Metrics) OrchestratorHooks() OrchestratorHooks {
	return OrchestratorHooks{
		OnComplete: func(o *Outcome) {
			risk, action, source := "none", "none", "none"
			if c := o.State.Classification; c != nil {
				risk, action, source = string(c.RiskLevel), string(c.InterventionAction), string(c.Source)
			}
			m.InvestigationsTotal.WithLabelValues(string(o.Status), risk, action, source).Inc()
			m.Duration.Observe(o.Duration)
		},
	}
}

// ClassifierHooks returns hooks that record reasoning calls.
func (m *Metrics) ClassifierHooks() ClassifierHooks {
	return ClassifierHooks{
		OnLLMCall: func(inputTokens, outputTokens int, duration float64) {
			m.LLMCallsTotal.Inc()
			m.LLMCallDuration.Observe(duration)
			m.LLMTokensTotal.WithLabelValues("input").Add(float64(inputTokens))
			m.LLMTokensTotal.WithLabelValues("output").Add(float64(outputTokens))
		},
	}
}
