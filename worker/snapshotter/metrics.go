// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package snapshotter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the snapshot manager's health to prometheus.
type Metrics struct {
	snapshots   *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
	duration    prometheus.Histogram
}

// NewMetrics returns the snapshot manager's collector.
func NewMetrics() *Metrics {
	return &Metrics{
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "snapshotter",
			Name:      "snapshots_total",
			Help:      "Snapshot attempts by tier and result.",
		}, []string{"tier", "result"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "snapshotter",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful snapshot per tier.",
		}, []string{"tier"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "snapshotter",
			Name:      "snapshot_duration_seconds",
			Help:      "Wall-clock time to capture and upload a snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.snapshots.Describe(ch)
	m.lastSuccess.Describe(ch)
	m.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.snapshots.Collect(ch)
	m.lastSuccess.Collect(ch)
	m.duration.Collect(ch)
}
