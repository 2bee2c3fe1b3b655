// Copyright 2025 Datalink
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package manager

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics instruments one manager. Each manager owns a private
// registry so multiple managers in one process never collide on
// metric registration.
type metrics struct {
	registry       *prometheus.Registry
	created        prometheus.Counter
	createFailures prometheus.Counter
	removed        prometheus.Counter
	active         prometheus.Gauge
	queries        *prometheus.CounterVec
	queryFailures  *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datalink",
			Name:      "connections_created_total",
			Help:      "Connections successfully created.",
		}),
		createFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datalink",
			Name:      "connection_create_failures_total",
			Help:      "Connection creations that failed.",
		}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datalink",
			Name:      "connections_removed_total",
			Help:      "Connections removed.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "datalink",
			Name:      "connections_active",
			Help:      "Connections currently registered.",
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datalink",
			Name:      "operations_total",
			Help:      "Successful queries and commands by connector kind.",
		}, []string{"kind"}),
		queryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datalink",
			Name:      "operation_failures_total",
			Help:      "Failed queries and commands by connector kind.",
		}, []string{"kind"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "datalink",
			Name:      "operation_duration_seconds",
			Help:      "Query and command latency by connector kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.created, m.createFailures, m.removed, m.active,
		m.queries, m.queryFailures, m.queryDuration,
	)
	return m
}

// MetricsGatherer exposes the manager's metric registry for scraping.
func (m *Manager) MetricsGatherer() prometheus.Gatherer {
	return m.metrics.registry
}
