package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	failover prometheus.Counter
}

// NewMetrics registers the delivery collectors on reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msisdn_gateway",
			Subsystem: "sms",
			Name:      "attempts_total",
			Help:      "SMS send attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "msisdn_gateway",
			Subsystem: "sms",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of SMS provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		failover: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "msisdn_gateway",
			Subsystem: "sms",
			Name:      "exhausted_total",
			Help:      "Messages that could not be delivered by any provider.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.latency, m.failover)
	}
	return m
}

func (m *Metrics) observe(provider string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.attempts.WithLabelValues(provider, outcome).Inc()
	m.latency.WithLabelValues(provider).Observe(seconds)
}

func (m *Metrics) exhausted() {
	if m != nil {
		m.failover.Inc()
	}
}
