package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the federation and SCIM surfaces
type Metrics struct {
	registry *prometheus.Registry

	// LoginInitiations counts SSO login initiations by provider type
	LoginInitiations *prometheus.CounterVec

	// CallbackResults counts callback outcomes by provider type and result
	CallbackResults *prometheus.CounterVec

	// CallbackDuration tracks end-to-end callback handling time
	CallbackDuration *prometheus.HistogramVec

	// DiscoveryFallbacks counts OIDC discovery failures that fell back to
	// guessed endpoints (observable branch, not a swallowed error)
	DiscoveryFallbacks prometheus.Counter

	// ReconcileResults counts identity reconciliations by outcome
	ReconcileResults *prometheus.CounterVec

	// SCIMRequests counts SCIM API requests by method and status code
	SCIMRequests *prometheus.CounterVec

	// HTTPRequests counts all HTTP requests by path and status
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		LoginInitiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_sso_login_initiations_total",
			Help: "Number of SSO login initiations",
		}, []string{"provider"}),
		CallbackResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_sso_callback_results_total",
			Help: "Number of SSO callback completions by result",
		}, []string{"provider", "result"}),
		CallbackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "identity_sso_callback_duration_seconds",
			Help:    "Time to process an SSO callback",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		DiscoveryFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "identity_oidc_discovery_fallbacks_total",
			Help: "Number of OIDC discovery failures that used guessed endpoints",
		}),
		ReconcileResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_reconcile_results_total",
			Help: "Number of identity reconciliations by outcome",
		}, []string{"outcome"}),
		SCIMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_scim_requests_total",
			Help: "Number of SCIM API requests",
		}, []string{"method", "status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_http_requests_total",
			Help: "Number of HTTP requests",
		}, []string{"path", "status"}),
	}

	registry.MustRegister(
		m.LoginInitiations,
		m.CallbackResults,
		m.CallbackDuration,
		m.DiscoveryFallbacks,
		m.ReconcileResults,
		m.SCIMRequests,
		m.HTTPRequests,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
