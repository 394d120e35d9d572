// Package metrics holds the prometheus collectors shared by the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ProviderCallDuration observes outbound PayPal calls by operation and outcome.
	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adaptivepay_provider_call_duration_seconds",
		Help:    "PayPal Adaptive Payments call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation", "outcome"})

	// Transitions counts status changes by aggregate, signal and resulting status.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adaptivepay_status_transitions_total",
		Help: "Aggregate status transitions applied by the reconciliation engine",
	}, []string{"aggregate", "signal", "status"})

	// Notifications counts inbound IPNs by result.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adaptivepay_ipn_total",
		Help: "Inbound IPN requests by result",
	}, []string{"result"})

	// Polls counts scheduled reconciliation polls by aggregate and result.
	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adaptivepay_polls_total",
		Help: "Reconciliation polls by aggregate and result",
	}, []string{"aggregate", "result"})

	// HTTPRequests counts inbound HTTP requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adaptivepay_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "status"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
