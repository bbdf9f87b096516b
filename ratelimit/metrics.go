package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder receives the outcome of every rate-limit check.
// Implementations must be safe for concurrent use.
type MetricsRecorder interface {
	// RecordDecision is called once per check with the policy name and
	// whether the request was allowed.
	RecordDecision(policy string, allowed bool)

	// RecordFailOpen is called when a store failure forced a permissive
	// result.
	RecordFailOpen(policy string)
}

// NoopRecorder is the default recorder; it does nothing, so the hot path
// never has to check for a nil recorder.
type NoopRecorder struct{}

func (NoopRecorder) RecordDecision(string, bool) {}
func (NoopRecorder) RecordFailOpen(string)       {}

// PrometheusRecorder exports rate-limit decisions as Prometheus counters,
// labelled by policy and outcome.
type PrometheusRecorder struct {
	decisions *prometheus.CounterVec
	failOpens *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder and registers its collectors
// with reg. Registering twice with the same registry panics, so create
// one recorder per process.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardkit_ratelimit_decisions_total",
			Help: "The total number of rate limit checks by policy and outcome",
		}, []string{"policy", "outcome"}),
		failOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardkit_ratelimit_fail_open_total",
			Help: "The total number of checks answered permissively due to store failure",
		}, []string{"policy"}),
	}
	reg.MustRegister(r.decisions, r.failOpens)
	return r
}

func (r *PrometheusRecorder) RecordDecision(policy string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "limited"
	}
	r.decisions.WithLabelValues(policy, outcome).Inc()
}

func (r *PrometheusRecorder) RecordFailOpen(policy string) {
	r.failOpens.WithLabelValues(policy).Inc()
}
