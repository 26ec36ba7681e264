// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts HTTP requests by method, route and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairgate_http_requests_total",
			Help: "Total HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPDuration observes HTTP request latency by method and route.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pairgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ConnectedBots is the number of registry entries with an authenticated user.
	ConnectedBots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pairgate_connected_bots",
		Help: "Bots with an open, authenticated connection",
	})

	// PairingOutcomes counts pairing code results
	// (issued, verified, mismatch, not_found, request_failed, expired, paired).
	PairingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairgate_pairing_outcomes_total",
			Help: "Pairing code lifecycle outcomes",
		},
		[]string{"outcome"},
	)

	// SessionEvents counts connection events by kind.
	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairgate_session_events_total",
			Help: "Connection-state events received from the protocol library",
		},
		[]string{"kind"},
	)

	// Reconnects counts scheduled reconnect attempts and give-ups.
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairgate_reconnects_total",
			Help: "Reconnect attempts by result (scheduled, dial_failed, exhausted, client_outdated)",
		},
		[]string{"result"},
	)
)
