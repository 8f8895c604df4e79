// Package metrics exposes the Prometheus instrumentation for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TokensIssued counts successfully issued session tokens.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orbit_tokens_issued_total",
		Help: "Session tokens issued.",
	})

	// RateLimited counts token requests rejected by the hourly budget.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orbit_token_requests_rate_limited_total",
		Help: "Token requests rejected by the rate limiter.",
	})

	// Joins counts join attempts by outcome.
	Joins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orbit_session_joins_total",
		Help: "Session join attempts by outcome.",
	}, []string{"outcome"})

	// ReportsFiled counts persisted abuse reports.
	ReportsFiled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orbit_abuse_reports_total",
		Help: "Abuse reports filed.",
	})

	// WSConnections tracks currently open websocket connections.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orbit_ws_connections",
		Help: "Open websocket connections.",
	})

	// SignalsRelayed counts signal frames relayed between participants.
	SignalsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orbit_ws_signals_relayed_total",
		Help: "Signal frames relayed to peers.",
	})
)

// Join outcome label values.
const (
	JoinOutcomeCreated   = "created"
	JoinOutcomeReclaimed = "reclaimed"
	JoinOutcomeRejected  = "rejected"
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
