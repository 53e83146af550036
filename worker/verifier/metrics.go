// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package verifier

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the verification service's health to prometheus.
type Metrics struct {
	verifications *prometheus.CounterVec
	lastSuccess   prometheus.Gauge
	duration      prometheus.Histogram
}

// NewMetrics returns the verification service's collector.
func NewMetrics() *Metrics {
	return &Metrics{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "verifier",
			Name:      "verifications_total",
			Help:      "Verification runs by result.",
		}, []string{"result"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "verifier",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last verification that passed.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "verifier",
			Name:      "verification_duration_seconds",
			Help:      "Wall-clock time of a full verification restore and check.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.verifications.Describe(ch)
	m.lastSuccess.Describe(ch)
	m.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.verifications.Collect(ch)
	m.lastSuccess.Collect(ch)
	m.duration.Collect(ch)
}
