// Package metrics holds the process-wide Prometheus collectors.
// They register on the default registry, served by promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "duel"

var (
	// Transitions counts committed match changes by operation
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "match_transitions_total",
		Help:      "Committed match state changes by operation.",
	}, []string{"op"})

	// Conflicts counts lost conditional writes that were retried
	Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "match_write_conflicts_total",
		Help:      "Conditional writes lost to a concurrent update.",
	}, []string{"op"})

	// FinishOutcomes counts finish calls that committed versus returned the stored result
	FinishOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "match_finish_total",
		Help:      "Finish calls by outcome.",
	}, []string{"outcome"})

	IdleCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "match_idle_cancelled_total",
		Help:      "Pre-start matches cancelled after sitting idle.",
	})

	// OracleUpdates counts accepted price updates by symbol
	OracleUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oracle_updates_total",
		Help:      "Price updates accepted from the feed.",
	}, []string{"symbol"})

	OracleReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oracle_reconnects_total",
		Help:      "Feed reconnect attempts.",
	})

	OracleConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "oracle_connected",
		Help:      "1 while the price feed stream is connected.",
	})

	// Subscribers is the number of live realtime subscriptions
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realtime_subscribers",
		Help:      "Open realtime match subscriptions.",
	})

	// Dropped counts deliveries skipped because a subscriber was not reading
	Dropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "realtime_dropped_total",
		Help:      "Match updates dropped for slow subscribers.",
	})

	// HTTPRequests counts API requests by route pattern and status
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "API requests by route and status code.",
	}, []string{"route", "code"})
)
