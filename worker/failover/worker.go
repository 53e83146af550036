// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package failover watches replica heartbeats and promotes a standby
// when the primary fails, fencing the old primary with a
// compare-and-swap token so a partitioned primary can never accept
// writes after promotion.
package failover

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v3/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/retry.v1"

	"github.com/wardenhq/warden/core/alerts"
	"github.com/wardenhq/warden/core/replica"
	"github.com/wardenhq/warden/internal/protected"
	"github.com/wardenhq/warden/internal/restore"
)

// Logger is the logging surface the worker needs.
type Logger interface {
	Debugf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Errorf(message string, args ...interface{})
}

// Config holds the worker's dependencies.
type Config struct {
	Clock     clock.Clock
	Logger    Logger
	Registry  replica.Registry
	Directory replica.Directory
	Alerts    alerts.Sink
	Engine    *restore.Engine

	// NewDestination opens the given node as a restore destination, for
	// rebuilding a stale standby from backup before promotion.
	NewDestination func(node replica.Node) (protected.Destination, error)

	// HeartbeatInterval is the poll cadence; a node is missed when its
	// last heartbeat is older than this.
	HeartbeatInterval time.Duration

	// MissThreshold is how many consecutive misses mark a node failed.
	MissThreshold int

	// FreshnessBound is the maximum replication lag a standby may carry
	// and still be promoted directly. A staler standby is rebuilt from
	// the newest verified backup first.
	FreshnessBound time.Duration

	// DirectoryName is the routing entry repointed on promotion.
	DirectoryName string

	// PrometheusRegisterer, when set, receives the worker's collector
	// for its lifetime.
	PrometheusRegisterer prometheus.Registerer
}

// Validate returns an error if the config is incomplete.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if c.Directory == nil {
		return errors.NotValidf("nil Directory")
	}
	if c.Alerts == nil {
		return errors.NotValidf("nil Alerts")
	}
	if c.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if c.NewDestination == nil {
		return errors.NotValidf("nil NewDestination")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.NotValidf("non-positive HeartbeatInterval")
	}
	if c.MissThreshold <= 0 {
		return errors.NotValidf("non-positive MissThreshold")
	}
	if c.FreshnessBound <= 0 {
		return errors.NotValidf("non-positive FreshnessBound")
	}
	if c.DirectoryName == "" {
		return errors.NotValidf("empty DirectoryName")
	}
	return nil
}

// Worker is the failover coordinator.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	metrics  *Metrics

	// health and misses are the coordinator's local liveness view,
	// advanced one legal transition per poll.
	health map[string]replica.Health
	misses map[string]int
}

// NewWorker starts a failover coordinator.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:  config,
		metrics: NewMetrics(),
		health:  make(map[string]replica.Health),
		misses:  make(map[string]int),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) scopedContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-w.catacomb.Dying():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (w *Worker) loop() error {
	if w.config.PrometheusRegisterer != nil {
		_ = w.config.PrometheusRegisterer.Register(w.metrics)
		defer w.config.PrometheusRegisterer.Unregister(w.metrics)
	}

	ctx, cancel := w.scopedContext()
	defer cancel()

	timer := w.config.Clock.NewTimer(w.config.HeartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()

		case <-timer.Chan():
			if err := w.poll(ctx); err != nil {
				return errors.Trace(err)
			}
			timer.Reset(w.config.HeartbeatInterval)
		}
	}
}

// poll advances every node's health one step and triggers failover when
// the primary reaches failed.
func (w *Worker) poll(ctx context.Context) error {
	nodes, err := w.config.Registry.Nodes(ctx)
	if err != nil {
		w.config.Logger.Warningf("reading replica registry: %v", err)
		return nil
	}
	token, err := w.config.Registry.Token(ctx)
	if err == nil {
		w.metrics.token.Set(float64(token))
	}

	now := w.config.Clock.Now()
	havePrimary := false
	haveFenced := false
	for _, node := range nodes {
		if node.Role == replica.RoleFenced {
			haveFenced = true
			continue
		}
		if node.Role == replica.RolePrimary {
			havePrimary = true
		}
		missed := now.Sub(node.LastHeartbeat) > w.config.HeartbeatInterval
		w.observe(node, missed)
		if node.Role == replica.RolePrimary && w.health[node.ID] == replica.HealthFailed {
			failed := node
			w.failover(ctx, nodes, &failed)
		}
	}
	if !havePrimary && haveFenced {
		// A fenced ex-primary with no successor means an earlier
		// failover got as far as fencing but the promotion never
		// landed. Resume it, or the cluster stays primary-less.
		w.failover(ctx, nodes, nil)
	}
	return nil
}

// observe applies one heartbeat observation to a node's local health,
// moving at most one legal state-machine step per poll.
func (w *Worker) observe(node replica.Node, missed bool) {
	current, ok := w.health[node.ID]
	if !ok {
		current = replica.HealthHealthy
		w.health[node.ID] = current
	}
	if !missed {
		w.misses[node.ID] = 0
		if current == replica.HealthSuspect && replica.ValidHealthTransition(current, replica.HealthHealthy) {
			w.health[node.ID] = replica.HealthHealthy
			w.config.Logger.Infof("node %s recovered", node.ID)
		}
		return
	}
	w.misses[node.ID]++
	switch {
	case current == replica.HealthHealthy:
		w.health[node.ID] = replica.HealthSuspect
		w.config.Logger.Warningf("node %s suspect: %d missed heartbeats", node.ID, w.misses[node.ID])
	case current == replica.HealthSuspect && w.misses[node.ID] >= w.config.MissThreshold:
		w.health[node.ID] = replica.HealthFailed
		w.config.Logger.Errorf("node %s failed: %d missed heartbeats", node.ID, w.misses[node.ID])
	}
}

// failover promotes the freshest healthy standby in place of the failed
// primary. A nil failed means an earlier attempt already fenced the old
// primary and only the promotion is outstanding. The token
// compare-and-swap is the serialization point: losing it means another
// coordinator is already failing over, and this attempt is abandoned
// outright rather than merged.
func (w *Worker) failover(ctx context.Context, nodes []replica.Node, failed *replica.Node) {
	candidate, ok := w.selectStandby(nodes)
	if !ok {
		w.metrics.failovers.WithLabelValues("no-standby").Inc()
		message := "no primary and no healthy standby exists"
		if failed != nil {
			message = fmt.Sprintf("primary %s failed and no healthy standby exists", failed.ID)
		}
		w.config.Alerts.Publish(alerts.Event{
			Severity:  alerts.SeverityCritical,
			Subsystem: "failover",
			Message:   message,
		})
		return
	}

	now := w.config.Clock.Now()
	if now.Sub(candidate.ReplicationPoint) > w.config.FreshnessBound {
		if err := w.rebuild(ctx, candidate); err != nil {
			w.metrics.failovers.WithLabelValues("rebuild-failed").Inc()
			w.config.Alerts.Publish(alerts.Event{
				Severity:  alerts.SeverityCritical,
				Subsystem: "failover",
				Message:   fmt.Sprintf("standby %s is stale and rebuild from backup failed: %v", candidate.ID, err),
			})
			return
		}
	}

	token, err := w.config.Registry.Token(ctx)
	if err != nil {
		w.config.Logger.Errorf("reading fencing token: %v", err)
		return
	}
	newToken, err := w.config.Registry.IncrementToken(ctx, token)
	if err != nil {
		if replica.IsConcurrentFailover(err) {
			w.metrics.failovers.WithLabelValues("lost-race").Inc()
			w.config.Logger.Warningf("abandoning failover: %v", err)
			message := fmt.Sprintf("failover resumption abandoned: %v", err)
			if failed != nil {
				message = fmt.Sprintf("failover for %s abandoned: %v", failed.ID, err)
			}
			w.config.Alerts.Publish(alerts.Event{
				Severity:  alerts.SeverityWarning,
				Subsystem: "failover",
				Message:   message,
			})
			return
		}
		w.config.Logger.Errorf("advancing fencing token: %v", err)
		return
	}
	w.metrics.token.Set(float64(newToken))

	if failed != nil {
		// Fence before promoting: until the old primary is fenced, two
		// nodes could both believe they hold the primary role.
		if err := w.config.Registry.SetRole(ctx, failed.ID, replica.RoleFenced, newToken); err != nil {
			w.config.Logger.Errorf("fencing %s: %v", failed.ID, err)
			return
		}
		w.health[failed.ID] = replica.HealthFenced
	}
	if err := w.config.Registry.SetRole(ctx, candidate.ID, replica.RolePrimary, newToken); err != nil {
		w.metrics.failovers.WithLabelValues("promote-failed").Inc()
		w.config.Logger.Errorf("promoting %s: %v", candidate.ID, err)
		w.config.Alerts.Publish(alerts.Event{
			Severity:  alerts.SeverityCritical,
			Subsystem: "failover",
			Message:   fmt.Sprintf("old primary fenced but promoting %s failed: %v", candidate.ID, err),
		})
		return
	}

	if err := w.repointDirectory(ctx, candidate); err != nil {
		w.metrics.failovers.WithLabelValues("directory-failed").Inc()
		w.config.Alerts.Publish(alerts.Event{
			Severity:  alerts.SeverityCritical,
			Subsystem: "failover",
			Message:   fmt.Sprintf("promoted %s but routing directory update failed: %v", candidate.ID, err),
		})
		return
	}

	w.metrics.failovers.WithLabelValues("promoted").Inc()
	if failed != nil {
		w.config.Logger.Infof("promoted %s to primary with token %d, fenced %s", candidate.ID, newToken, failed.ID)
		w.config.Alerts.Publish(alerts.Event{
			Severity:  alerts.SeverityWarning,
			Subsystem: "failover",
			Message:   fmt.Sprintf("failover: %s promoted to primary, %s fenced, token %d", candidate.ID, failed.ID, newToken),
		})
		return
	}
	w.config.Logger.Infof("resumed failover: promoted %s to primary with token %d", candidate.ID, newToken)
	w.config.Alerts.Publish(alerts.Event{
		Severity:  alerts.SeverityWarning,
		Subsystem: "failover",
		Message:   fmt.Sprintf("failover resumed: %s promoted to primary, token %d", candidate.ID, newToken),
	})
}

// selectStandby returns the healthiest, freshest standby.
func (w *Worker) selectStandby(nodes []replica.Node) (replica.Node, bool) {
	var best replica.Node
	found := false
	for _, node := range nodes {
		if node.Role != replica.RoleStandby {
			continue
		}
		if health := w.health[node.ID]; health == replica.HealthFailed || health == replica.HealthFenced {
			continue
		}
		if !found || node.ReplicationPoint.After(best.ReplicationPoint) {
			best = node
			found = true
		}
	}
	return best, found
}

// rebuild restores a stale standby from the newest verified backup so
// promotion never moves the system to state older than its last known
// good backup without saying so.
func (w *Worker) rebuild(ctx context.Context, node replica.Node) error {
	w.config.Logger.Infof("standby %s lags beyond %v, rebuilding from newest verified backup",
		node.ID, w.config.FreshnessBound)
	dest, err := w.config.NewDestination(node)
	if err != nil {
		return errors.Annotatef(err, "opening %s for restore", node.ID)
	}
	plan, err := w.config.Engine.RestoreNewestVerified(ctx, dest, node.ID)
	if err != nil {
		return errors.Trace(err)
	}
	w.config.Logger.Infof("rebuilt %s from backup %s", node.ID, plan.SnapshotID)
	return nil
}

// repointDirectory updates the routing directory with bounded backoff.
// Directory updates are transient-failure territory, unlike token
// conflicts, which are never retried.
func (w *Worker) repointDirectory(ctx context.Context, node replica.Node) error {
	strategy := retry.LimitCount(5, retry.Exponential{
		Initial:  100 * time.Millisecond,
		Factor:   2,
		MaxDelay: 2 * time.Second,
	})
	var lastErr error
	for a := retry.StartWithCancel(strategy, w.config.Clock, ctx.Done()); a.Next(); {
		lastErr = w.config.Directory.SetPrimary(ctx, w.config.DirectoryName, node.Endpoint)
		if lastErr == nil {
			return nil
		}
		w.config.Logger.Warningf("updating routing directory: %v", lastErr)
	}
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(lastErr)
}
