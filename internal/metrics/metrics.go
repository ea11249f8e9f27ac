// Package metrics exposes the pipeline counters to Prometheus. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
)

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the gate.
type Metrics struct {
	wafRequests      prometheus.Counter
	wafBlocked       *prometheus.CounterVec
	wafInternalError prometheus.Counter
	whitelistSize    prometheus.Gauge
	rateBuckets      prometheus.Gauge

	gatewayRequests *prometheus.CounterVec
	quotaRejections *prometheus.CounterVec
	sanitized       prometheus.Counter
	activeKeys      prometheus.Gauge

	auditEvents *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		wafRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixiu_waf_requests_total",
			Help: "Requests inspected by the firewall",
		}),
		wafBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixiu_waf_blocked_total",
			Help: "Requests blocked by the firewall by category",
		}, []string{"category"}),
		wafInternalError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixiu_waf_internal_errors_total",
			Help: "Checks that panicked and were allowed through",
		}),
		whitelistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixiu_waf_whitelist_size",
			Help: "Number of whitelisted client IPs",
		}),
		rateBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixiu_rate_buckets",
			Help: "Live rate limiter buckets",
		}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixiu_gateway_requests_total",
			Help: "Gateway decisions by outcome code",
		}, []string{"code"}),
		quotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixiu_quota_rejections_total",
			Help: "Quota rejections by window",
		}, []string{"window"}),
		sanitized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixiu_responses_sanitized_total",
			Help: "JSON responses passed through the sanitizer",
		}),
		activeKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixiu_api_keys_active",
			Help: "API keys used within the last 24h",
		}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixiu_audit_events_total",
			Help: "Audit events by result",
		}, []string{"result"}),
		registry: registry,
	}

	registry.MustRegister(
		m.wafRequests,
		m.wafBlocked,
		m.wafInternalError,
		m.whitelistSize,
		m.rateBuckets,
		m.gatewayRequests,
		m.quotaRejections,
		m.sanitized,
		m.activeKeys,
		m.auditEvents,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) WAFRequest() {
	if m == nil {
		return
	}
	m.wafRequests.Inc()
}

func (m *Metrics) WAFBlocked(category string) {
	if m == nil {
		return
	}
	m.wafBlocked.WithLabelValues(category).Inc()
}

func (m *Metrics) WAFInternalError() {
	if m == nil {
		return
	}
	m.wafInternalError.Inc()
}

func (m *Metrics) SetWhitelistSize(n int) {
	if m == nil {
		return
	}
	m.whitelistSize.Set(float64(n))
}

func (m *Metrics) SetRateBuckets(n int) {
	if m == nil {
		return
	}
	m.rateBuckets.Set(float64(n))
}

// GatewayOutcome counts a gateway decision; code is "OK" for pass-through.
func (m *Metrics) GatewayOutcome(code string) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(code).Inc()
}

func (m *Metrics) QuotaRejected(window string) {
	if m == nil {
		return
	}
	m.quotaRejections.WithLabelValues(window).Inc()
}

func (m *Metrics) Sanitized() {
	if m == nil {
		return
	}
	m.sanitized.Inc()
}

func (m *Metrics) SetActiveKeys(n int) {
	if m == nil {
		return
	}
	m.activeKeys.Set(float64(n))
}

// AuditEvent counts an audit emission; result is one of sent, dropped, failed, rejected.
func (m *Metrics) AuditEvent(result string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(result).Inc()
}
