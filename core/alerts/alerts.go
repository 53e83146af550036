// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package alerts defines the alert events emitted by the backup and
// failover subsystems, and the hub used to fan them out to external
// notification sinks.
package alerts

import (
	"time"
)

// Severity maps to the response-time expectation of the receiving
// channel: critical means immediate, warning means best-effort.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Event is a single alert. Events are emitted and never mutated.
type Event struct {
	Severity  Severity  `json:"severity"`
	Subsystem string    `json:"subsystem"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives alert events. Publish must not block the caller on
// delivery to slow consumers.
type Sink interface {
	Publish(Event)
}
