// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink is the narrow interface the proxy core writes through. The
// counter names used by the core are total_connections,
// allowed_messages, blocked_messages and client_disconnects.
type Sink interface {
	IncrementCounter(name string)
	SetGauge(name string, value int64)
}

// Metrics implements Sink on top of Prometheus collectors. Each
// instance owns a private registry so independent instances (and
// tests) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	totalConnections  prometheus.Counter
	allowedMessages   prometheus.Counter
	blockedMessages   prometheus.Counter
	clientDisconnects prometheus.Counter

	activeConnections prometheus.Gauge
	uniqueClients     prometheus.Gauge
	blockedClients    prometheus.Gauge

	// Counters and gauges the core grows dynamically, keyed by name.
	extraCounters *prometheus.CounterVec
	extraGauges   *prometheus.GaugeVec
}

var _ Sink = (*Metrics)(nil)

// New creates a Metrics instance with all collectors registered under
// the given namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "throttlebox"
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		totalConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "total_connections",
			Help:      "Total number of accepted client connections",
		}),
		allowedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allowed_messages",
			Help:      "Client-to-broker chunks forwarded to the broker",
		}),
		blockedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_messages",
			Help:      "Client-to-broker chunks dropped by the rate limiter",
		}),
		clientDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_disconnects",
			Help:      "Completed proxy sessions",
		}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Currently open client connections",
		}),
		uniqueClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unique_clients",
			Help:      "Client fingerprints tracked by the rate limiter",
		}),
		blockedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_clients",
			Help:      "Clients currently inside a rate-limit penalty window",
		}),
		extraCounters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Counters created on first use, labelled by event name",
		}, []string{"name"}),
		extraGauges: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "values",
			Help:      "Gauges created on first use, labelled by value name",
		}, []string{"name"}),
	}
}

// IncrementCounter advances the named counter by one. Unknown names
// land in a name-labelled overflow vector instead of being dropped.
func (m *Metrics) IncrementCounter(name string) {
	switch name {
	case "total_connections":
		m.totalConnections.Inc()
	case "allowed_messages":
		m.allowedMessages.Inc()
	case "blocked_messages":
		m.blockedMessages.Inc()
	case "client_disconnects":
		m.clientDisconnects.Inc()
	default:
		m.extraCounters.WithLabelValues(name).Inc()
	}
}

// SetGauge sets the named gauge to value.
func (m *Metrics) SetGauge(name string, value int64) {
	switch name {
	case "active_connections":
		m.activeConnections.Set(float64(value))
	case "unique_clients":
		m.uniqueClients.Set(float64(value))
	case "blocked_clients":
		m.blockedClients.Set(float64(value))
	default:
		m.extraGauges.WithLabelValues(name).Set(float64(value))
	}
}

// Registry exposes the private registry for the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
