// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the plugin lifecycle.
var (
	// transitionsTotal counts committed state transitions.
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plughost_plugin_transitions_total",
		Help: "Total number of plugin lifecycle state transitions",
	}, []string{"from", "to"})

	// operationDuration tracks manager operation latency by outcome.
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plughost_plugin_operation_duration_seconds",
		Help:    "Histogram of plugin manager operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "outcome"})

	// foreignCallTimeouts counts calls into plugin code that exceeded the call timeout.
	foreignCallTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plughost_plugin_foreign_call_timeouts_total",
		Help: "Total number of plugin calls that timed out",
	}, []string{"call"})

	// pluginsByState tracks how many entries are in each state.
	pluginsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plughost_plugins",
		Help: "Number of registered plugins by lifecycle state",
	}, []string{"state"})
)

// recordTransition updates the transition counter and per-state gauge.
func recordTransition(from, to State) {
	transitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	pluginsByState.WithLabelValues(from.String()).Dec()
	pluginsByState.WithLabelValues(to.String()).Inc()
}

// recordOperation observes the duration of a manager operation.
func recordOperation(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = Code(err)
		if outcome == "" {
			outcome = "error"
		}
	}
	operationDuration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
}
