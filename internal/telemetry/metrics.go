package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors. All methods are safe to
// call on a nil *Metrics so components can run without metrics in tests.
type Metrics struct {
	AdmissionDecisions *prometheus.CounterVec
	UpstreamAttempts   *prometheus.CounterVec
	Fallbacks          *prometheus.CounterVec
	SafetyFiltered     *prometheus.CounterVec
	LedgerFailures     *prometheus.CounterVec
	Requests           *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	CostUSD            *prometheus.CounterVec
}

// NewMetrics registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AdmissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vibesync",
				Name:      "admission_decisions_total",
				Help:      "Admission decisions by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		UpstreamAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vibesync",
				Name:      "upstream_attempts_total",
				Help:      "Upstream model calls by model and outcome",
			},
			[]string{"model", "outcome"},
		),
		Fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vibesync",
				Name:      "model_fallbacks_total",
				Help:      "Degradations from one model to its successor",
			},
			[]string{"from", "to"},
		),
		SafetyFiltered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vibesync",
				Name:      "safety_filtered_total",
				Help:      "Requests refused or replies substituted by the safety gate",
			},
			[]string{"stage"},
		),
		LedgerFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vibesync",
				Name:      "ledger_failures_total",
				Help:      "Usage ledger writes that failed or were dropped",
			},
			[]string{"table", "reason"},
		),
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vibesync",
				Name:      "analyze_requests_total",
				Help:      "Analyze requests by final status",
			},
			[]string{"status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "vibesync",
				Name:      "analyze_duration_seconds",
				Help:      "End-to-end analyze latency",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vibesync",
				Name:      "upstream_cost_usd_total",
				Help:      "Accumulated upstream cost in USD",
			},
			[]string{"model"},
		),
	}
}

func (m *Metrics) Admission(tier, outcome string) {
	if m == nil {
		return
	}
	m.AdmissionDecisions.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) UpstreamAttempt(model, outcome string) {
	if m == nil {
		return
	}
	m.UpstreamAttempts.WithLabelValues(model, outcome).Inc()
}

func (m *Metrics) Fallback(from, to string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Filtered(stage string) {
	if m == nil {
		return
	}
	m.SafetyFiltered.WithLabelValues(stage).Inc()
}

func (m *Metrics) LedgerFailure(table, reason string) {
	if m == nil {
		return
	}
	m.LedgerFailures.WithLabelValues(table, reason).Inc()
}

func (m *Metrics) Cost(model string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.CostUSD.WithLabelValues(model).Add(usd)
}

func (m *Metrics) Request(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(status).Inc()
	m.RequestDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}
