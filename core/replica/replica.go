// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package replica holds the domain model for replica nodes, their
// health and role state machines, and the fencing token that serializes
// failover across the whole system.
package replica

import (
	"context"
	"time"

	"github.com/juju/errors"
)

// Token is the global fencing token. Every promotion increments it; a
// node presenting a stale token must be refused writes. The token is
// the single piece of state mutated with compare-and-swap semantics, and
// is therefore the serialization point for failover.
type Token uint64

// Role is the replication role a node holds. Exactly one node holds
// RolePrimary at any instant.
type Role string

const (
	RolePrimary Role = "primary"
	RoleStandby Role = "standby"
	RoleFenced  Role = "fenced"
)

// Health is the coordinator's view of a node's liveness.
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthSuspect Health = "suspect"
	HealthFailed  Health = "failed"
	HealthFenced  Health = "fenced"
)

// healthTransitions is the legal health state machine. Anything not
// listed is an invalid transition.
var healthTransitions = map[Health][]Health{
	HealthHealthy: {HealthSuspect},
	HealthSuspect: {HealthHealthy, HealthFailed},
	HealthFailed:  {HealthFenced},
	HealthFenced:  {},
}

// ValidHealthTransition reports whether the health state machine allows
// moving from one state to another.
func ValidHealthTransition(from, to Health) bool {
	for _, next := range healthTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Node is one replica of the protected store as seen by the failover
// coordinator. The coordinator is the sole writer of Role.
type Node struct {
	// ID identifies the node.
	ID string

	// Endpoint is the address clients reach the node at.
	Endpoint string

	// Role is the node's current replication role.
	Role Role

	// LastHeartbeat is when the node last reported liveness.
	LastHeartbeat time.Time

	// ReplicationPoint is the timestamp the node's replica has applied
	// up to. The freshest standby is preferred at promotion.
	ReplicationPoint time.Time

	// Token is the fencing token the node last acknowledged.
	Token Token
}

// Registry is the durable replica-node record store. Implementations
// must serialize IncrementToken so that exactly one caller observes a
// successful compare-and-swap per token value.
type Registry interface {
	// Nodes returns the current node records.
	Nodes(ctx context.Context) ([]Node, error)

	// Token returns the current fencing token.
	Token(ctx context.Context) (Token, error)

	// IncrementToken advances the fencing token if and only if it still
	// holds the expected value, returning the new token. A lost race
	// returns an error satisfying IsConcurrentFailover.
	IncrementToken(ctx context.Context, expected Token) (Token, error)

	// SetRole updates a node's role, stamped with the fencing token the
	// caller holds. A stale token is rejected with an error satisfying
	// IsStaleToken.
	SetRole(ctx context.Context, nodeID string, role Role, token Token) error
}

// Directory is the external routing directory mapping a service name to
// the current primary endpoint.
type Directory interface {
	// SetPrimary points the named directory entry at the endpoint.
	SetPrimary(ctx context.Context, name, endpoint string) error
}

const (
	// ErrStaleToken is returned when a write presents a fencing token
	// older than the current one. Never retried; the presenter has been
	// fenced.
	ErrStaleToken = errors.ConstError("stale fencing token")

	// ErrConcurrentFailover is returned when a token compare-and-swap
	// loses a race with another failover attempt. Rejected outright,
	// never merged, since resolving it silently risks split-brain.
	ErrConcurrentFailover = errors.ConstError("failover already in progress")
)

// IsStaleToken reports whether err indicates a stale fencing token.
func IsStaleToken(err error) bool {
	return errors.Is(err, ErrStaleToken)
}

// IsConcurrentFailover reports whether err indicates a lost
// compare-and-swap on the fencing token.
func IsConcurrentFailover(err error) bool {
	return errors.Is(err, ErrConcurrentFailover)
}
