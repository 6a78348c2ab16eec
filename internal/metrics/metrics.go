// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ecobridge"

// Result label values
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultLockHeld = "lock_held"
	ResultAdopted  = "adopted"
	ResultReauth   = "reauth"
	ResultSkipped  = "skipped"
	KindSummary    = "summary"
	KindFull       = "full"
)

var (
	// RefreshTotal counts refresh attempts by outcome
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Token refresh attempts by result.",
		},
		[]string{"result"},
	)

	PollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Long poll cycles by result.",
		},
		[]string{"result"},
	)

	DiscoverTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discover_total",
			Help:      "Discovery runs by result.",
		},
		[]string{"result"},
	)

	// ThermostatFetchTotal counts provider reads; kind is summary or full
	ThermostatFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thermostat_fetch_total",
			Help:      "Thermostat summary and detail fetches by result.",
		},
		[]string{"kind", "result"},
	)

	StoreConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflicts_total",
			Help:      "Custom data saves rejected because another writer got there first.",
		},
	)

	TokenExpiryTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "token_expiry_timestamp_seconds",
			Help:      "Unix time at which the current access token expires.",
		},
	)

	// Heartbeat flips between 1 (DON) and 0 (DOF) every long poll
	Heartbeat = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat",
			Help:      "Heartbeat state, 1 for DON and 0 for DOF.",
		},
	)

	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin API requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin API request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10),
		},
		[]string{"method", "path"},
	)
)
