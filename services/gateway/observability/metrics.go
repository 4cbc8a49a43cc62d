// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the gateway.
//
// # Description
//
// Metrics cover three areas:
//   - Push delivery (attempts, outcomes, latency)
//   - Subscription registry changes and sweeps
//   - Upstream proxy traffic (by route and status class)
//
// A Metrics value implements dispatch.Recorder and sweep.Recorder so the
// push packages stay free of Prometheus imports.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "portal"

// Metrics holds the gateway's collectors.
type Metrics struct {
	// PushDeliveries counts final outcomes.
	// Labels: outcome (delivered, expired, transient_failure)
	PushDeliveries *prometheus.CounterVec

	// PushAttempts counts individual HTTP requests to push services,
	// retries included.
	PushAttempts prometheus.Counter

	// PushDuration measures Send from first attempt to outcome.
	PushDuration prometheus.Histogram

	// Subscriptions counts registry changes.
	// Labels: op (subscribe, unsubscribe, expired)
	Subscriptions *prometheus.CounterVec

	// SweepRemoved counts subscriptions removed for staleness.
	SweepRemoved prometheus.Counter

	// ProxyRequests counts proxied requests.
	// Labels: route, status_class (2xx, 4xx, 5xx, error)
	ProxyRequests *prometheus.CounterVec

	// ProxyDuration measures upstream round trips.
	// Labels: route
	ProxyDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates metrics registered on a fresh registry, together with the Go
// and process collectors.
//
// # Limitations
//
//   - Each call creates an independent registry; serve it with Handler.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		PushDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "push",
				Name:      "deliveries_total",
				Help:      "Push deliveries by final outcome",
			},
			[]string{"outcome"},
		),
		PushAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "push",
				Name:      "delivery_attempts_total",
				Help:      "HTTP requests made to push services, including retries",
			},
		),
		PushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "push",
				Name:      "delivery_duration_seconds",
				Help:      "Time from first attempt to final outcome",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		Subscriptions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "push",
				Name:      "subscriptions_total",
				Help:      "Subscription registry changes by operation",
			},
			[]string{"op"},
		),
		SweepRemoved: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "sweep",
				Name:      "removed_total",
				Help:      "Stale subscriptions removed by the sweeper",
			},
		),
		ProxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Proxied requests by route and upstream status class",
			},
			[]string{"route", "status_class"},
		),
		ProxyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "proxy",
				Name:      "upstream_duration_seconds",
				Help:      "Upstream round-trip time by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		registry: reg,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// =============================================================================
// Recorders
// =============================================================================

// ObservePushAttempt implements dispatch.Recorder.
func (m *Metrics) ObservePushAttempt() {
	m.PushAttempts.Inc()
}

// ObservePushOutcome implements dispatch.Recorder.
func (m *Metrics) ObservePushOutcome(outcome string, elapsed time.Duration) {
	m.PushDeliveries.WithLabelValues(outcome).Inc()
	m.PushDuration.Observe(elapsed.Seconds())
}

// ObserveSweepRemoved implements sweep.Recorder.
func (m *Metrics) ObserveSweepRemoved(n int) {
	m.SweepRemoved.Add(float64(n))
}

// ObserveSubscription counts one registry change.
func (m *Metrics) ObserveSubscription(op string) {
	m.Subscriptions.WithLabelValues(op).Inc()
}

// ObserveProxy records one proxied request. A zero status means the
// upstream could not be reached.
func (m *Metrics) ObserveProxy(route string, status int, elapsed time.Duration) {
	m.ProxyRequests.WithLabelValues(route, StatusClass(status)).Inc()
	m.ProxyDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// StatusClass buckets an HTTP status as "2xx", "4xx", and so on. Zero or
// out-of-range values map to "error".
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
