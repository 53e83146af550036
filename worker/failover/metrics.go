// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package failover

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the failover coordinator's activity to prometheus.
type Metrics struct {
	failovers *prometheus.CounterVec
	token     prometheus.Gauge
}

// NewMetrics returns the coordinator's collector.
func NewMetrics() *Metrics {
	return &Metrics{
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "failover",
			Name:      "failovers_total",
			Help:      "Failover attempts by result.",
		}, []string{"result"}),
		token: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "failover",
			Name:      "fencing_token",
			Help:      "Current fencing token as seen by the coordinator.",
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.failovers.Describe(ch)
	m.token.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.failovers.Collect(ch)
	m.token.Collect(ch)
}
