/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry defines the Prometheus metrics and the tracing setup
// shared across the service.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP API metrics, observed by MetricsMiddleware.
var (
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bragi",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests served, by method, route and status.",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bragi",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency, by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bragi",
		Subsystem: "api",
		Name:      "active_connections",
		Help:      "HTTP requests currently in flight.",
	})

	APIWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bragi",
		Subsystem: "api",
		Name:      "websocket_connections",
		Help:      "Open event-stream websocket connections.",
	})
)

// Catalog database metrics, observed by the gorm callbacks.
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bragi",
		Subsystem: "db",
		Name:      "query_duration_seconds",
		Help:      "Catalog query latency, by operation and table.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bragi",
		Subsystem: "db",
		Name:      "errors_total",
		Help:      "Catalog query errors, by operation and table.",
	}, []string{"operation", "table"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bragi",
		Subsystem: "db",
		Name:      "connections_active",
		Help:      "Open catalog connections.",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bragi",
		Subsystem: "db",
		Name:      "connections_idle",
		Help:      "Idle catalog connections.",
	})
)

// Rotation engine metrics.
var (
	QueueMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bragi",
		Subsystem: "queue",
		Name:      "mutations_total",
		Help:      "Successful playlist mutations, by operation.",
	}, []string{"operation"})

	RotationSelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bragi",
		Subsystem: "rotation",
		Name:      "selections_total",
		Help:      "Rotation sampling runs, by mode (windowed or fallback).",
	}, []string{"mode"})

	NotifierDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bragi",
		Subsystem: "notifier",
		Name:      "deliveries_total",
		Help:      "Daemon notifications, by command and result.",
	}, []string{"command", "result"})

	NotifierRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bragi",
		Subsystem: "notifier",
		Name:      "retries_total",
		Help:      "Daemon notification delivery retries.",
	})

	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bragi",
		Subsystem: "reconciler",
		Name:      "runs_total",
		Help:      "Deletion reconciliation passes, by trigger.",
	}, []string{"trigger"})

	ReconcilePurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bragi",
		Subsystem: "reconciler",
		Name:      "purged_total",
		Help:      "Tracks purged by reconciliation passes.",
	})

	PendingRemovalDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bragi",
		Subsystem: "reconciler",
		Name:      "pending_removals",
		Help:      "Track deletions currently deferred behind playback.",
	})
)

// Leader election metrics. Only the leading instance runs the interval
// reconciler.
var (
	LeaderStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bragi",
		Subsystem: "leadership",
		Name:      "status",
		Help:      "1 while this instance holds the reconciler lease.",
	}, []string{"instance"})

	LeaderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bragi",
		Subsystem: "leadership",
		Name:      "transitions_total",
		Help:      "Leadership changes, by transition (acquired or lost).",
	}, []string{"instance", "transition"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
