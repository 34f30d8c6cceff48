package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the analysis pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	APIRequests      *prometheus.CounterVec
	APIRequestTime   *prometheus.HistogramVec
	RateLimitWait    prometheus.Histogram
	Analyses         *prometheus.CounterVec
	AuditLogsPurged  prometheus.Counter
	CredentialLoaded *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Outbound inference calls by provider and outcome kind
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "form_insights_api_requests_total",
			Help: "Total number of inference API requests by provider and status",
		}, []string{"provider", "status"}),

		APIRequestTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "form_insights_api_request_duration_seconds",
			Help:    "Inference API request latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"provider"}),

		RateLimitWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "form_insights_rate_limit_wait_seconds",
			Help:    "Time spent blocked on the process-wide rate limiter",
			Buckets: []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),

		// Orchestrator outcomes: success, failure, skipped_global, skipped_form
		Analyses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "form_insights_analyses_total",
			Help: "Total number of entry analyses by outcome",
		}, []string{"outcome"}),

		AuditLogsPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "form_insights_audit_logs_purged_total",
			Help: "Audit log rows removed by retention",
		}),

		CredentialLoaded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "form_insights_credential_lookups_total",
			Help: "Credential lookups by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) RecordAPIRequest(provider, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(provider, status).Inc()
	m.APIRequestTime.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordRateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.Observe(d.Seconds())
}

func (m *Metrics) RecordAnalysis(outcome string) {
	if m == nil {
		return
	}
	m.Analyses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPurge(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.AuditLogsPurged.Add(float64(n))
}

func (m *Metrics) RecordCredentialLookup(found bool) {
	if m == nil {
		return
	}
	result := "missing"
	if found {
		result = "found"
	}
	m.CredentialLoaded.WithLabelValues(result).Inc()
}
