// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package replica

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

// MemRegistry is an in-process Registry for single-host deployments and
// tests. The mutex gives IncrementToken its required linearizable
// compare-and-swap semantics.
type MemRegistry struct {
	mu    sync.Mutex
	token Token
	nodes map[string]*Node
	order []string
}

// NewMemRegistry returns an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{nodes: make(map[string]*Node)}
}

// Add registers a node. Existing records for the same ID are replaced.
func (r *MemRegistry) Add(node Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[node.ID]; !ok {
		r.order = append(r.order, node.ID)
	}
	copied := node
	r.nodes[node.ID] = &copied
}

// Heartbeat records a liveness report from a node.
func (r *MemRegistry) Heartbeat(nodeID string, node Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.nodes[nodeID]
	if !ok {
		return errors.NotFoundf("node %q", nodeID)
	}
	if node.Token < r.token {
		return errors.Annotatef(ErrStaleToken, "node %q presented token %d, current is %d",
			nodeID, node.Token, r.token)
	}
	existing.LastHeartbeat = node.LastHeartbeat
	existing.ReplicationPoint = node.ReplicationPoint
	existing.Token = node.Token
	return nil
}

// Nodes is part of the Registry interface.
func (r *MemRegistry) Nodes(ctx context.Context) ([]Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		nodes = append(nodes, *r.nodes[id])
	}
	return nodes, nil
}

// Token is part of the Registry interface.
func (r *MemRegistry) Token(ctx context.Context) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token, nil
}

// IncrementToken is part of the Registry interface.
func (r *MemRegistry) IncrementToken(ctx context.Context, expected Token) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != expected {
		return 0, errors.Annotatef(ErrConcurrentFailover, "token is %d, expected %d", r.token, expected)
	}
	r.token++
	return r.token, nil
}

// SetRole is part of the Registry interface.
func (r *MemRegistry) SetRole(ctx context.Context, nodeID string, role Role, token Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token < r.token {
		return errors.Annotatef(ErrStaleToken, "token %d, current is %d", token, r.token)
	}
	node, ok := r.nodes[nodeID]
	if !ok {
		return errors.NotFoundf("node %q", nodeID)
	}
	node.Role = role
	node.Token = token
	return nil
}
