// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package snapshotter is the snapshot manager: it captures hot
// point-in-time snapshots of the protected store on each tier's
// schedule, uploads them to the archive, and enforces tiered retention.
package snapshotter

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"github.com/juju/worker/v3/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wardenhq/warden/core/alerts"
	"github.com/wardenhq/warden/core/backups"
	"github.com/wardenhq/warden/internal/archive"
	"github.com/wardenhq/warden/internal/catalog"
	"github.com/wardenhq/warden/internal/protected"
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
	Clock   clock.Clock
	Logger  Logger
	Catalog *catalog.Catalog
	Source  protected.SnapshotSource
	Alerts  alerts.Sink

	// Policies is the retention table; one snapshot schedule per tier.
	Policies map[backups.Tier]backups.Policy

	// Requests delivers out-of-schedule snapshot requests, typically
	// from the change-log archiver anchoring a new epoch.
	Requests <-chan backups.SnapshotRequest

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
	if c.Catalog == nil {
		return errors.NotValidf("nil Catalog")
	}
	if c.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if c.Alerts == nil {
		return errors.NotValidf("nil Alerts")
	}
	if len(c.Policies) == 0 {
		return errors.NotValidf("empty Policies")
	}
	for tier, policy := range c.Policies {
		if err := policy.Validate(); err != nil {
			return errors.Annotatef(err, "tier %q", tier)
		}
	}
	return nil
}

// Worker is the snapshot manager.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	metrics  *Metrics

	// lastTaken tracks the creation time of the newest record per
	// tier, seeded from the catalog so schedules survive restarts.
	lastTaken map[backups.Tier]time.Time
}

// NewWorker starts a snapshot manager.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:    config,
		metrics:   NewMetrics(),
		lastTaken: make(map[backups.Tier]time.Time),
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

	if err := w.seedSchedule(ctx); err != nil {
		return errors.Trace(err)
	}

	timer := w.config.Clock.NewTimer(w.nextWake())
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()

		case <-timer.Chan():
			now := w.config.Clock.Now()
			for tier, policy := range w.config.Policies {
				if now.Sub(w.lastTaken[tier]) >= policy.Interval {
					w.takeSnapshot(ctx, tier, "")
				}
			}
			w.enforceRetention(ctx, now)
			timer.Reset(w.nextWake())

		case request, ok := <-w.config.Requests:
			if !ok {
				return errors.New("snapshot request channel closed")
			}
			w.config.Logger.Infof("snapshot requested for epoch %s: %s", request.Epoch, request.Reason)
			w.takeSnapshot(ctx, backups.TierContinuous, request.Epoch)
			timer.Reset(w.nextWake())
		}
	}
}

// seedSchedule reads the newest record per tier so restarts do not
// snapshot early or late.
func (w *Worker) seedSchedule(ctx context.Context) error {
	records, err := w.config.Catalog.Records(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, record := range records {
		if record.Deleted() {
			continue
		}
		if record.Created.After(w.lastTaken[record.Tier]) {
			w.lastTaken[record.Tier] = record.Created
		}
	}
	return nil
}

// nextWake returns how long to sleep until the earliest tier is due.
func (w *Worker) nextWake() time.Duration {
	now := w.config.Clock.Now()
	wake := now.Add(time.Hour)
	for tier, policy := range w.config.Policies {
		due := w.lastTaken[tier].Add(policy.Interval)
		if due.Before(wake) {
			wake = due
		}
	}
	d := wake.Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// takeSnapshot captures, checksums and uploads one snapshot, and writes
// its backup record. Failures alert and leave the schedule running; the
// next cycle tries again.
func (w *Worker) takeSnapshot(ctx context.Context, tier backups.Tier, epoch string) {
	started := w.config.Clock.Now()
	record, err := w.createSnapshot(ctx, tier, epoch)
	if err != nil {
		w.metrics.snapshots.WithLabelValues(string(tier), "failure").Inc()
		w.config.Logger.Errorf("snapshot of tier %q failed: %v", tier, err)
		w.config.Alerts.Publish(alerts.Event{
			Severity:  alerts.SeverityCritical,
			Subsystem: "snapshotter",
			Message:   fmt.Sprintf("snapshot of tier %q failed: %v", tier, err),
		})
		return
	}
	elapsed := w.config.Clock.Now().Sub(started)
	w.metrics.snapshots.WithLabelValues(string(tier), "success").Inc()
	w.metrics.lastSuccess.WithLabelValues(string(tier)).Set(float64(record.Created.Unix()))
	w.metrics.duration.Observe(elapsed.Seconds())
	w.lastTaken[tier] = record.Created
	w.config.Logger.Infof("tier %q snapshot %s: %d bytes in %v", tier, record.ID, record.Size, elapsed)
}

func (w *Worker) createSnapshot(ctx context.Context, tier backups.Tier, epoch string) (*backups.Record, error) {
	if epoch == "" {
		// Scheduled snapshots join the epoch currently being archived
		// so change-log replay can continue on top of them.
		current, err := w.config.Catalog.CurrentEpoch(ctx)
		if err == nil {
			epoch = current.ID
		} else if !errors.IsNotFound(err) {
			return nil, errors.Trace(err)
		}
	}

	rc, info, err := w.config.Source.Snapshot(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "capturing snapshot")
	}
	defer rc.Close()

	// Stage the payload to disk while hashing so the upload knows its
	// size and checksum up front and can be retried from the start.
	staging, err := os.CreateTemp("", "warden-snapshot-")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() {
		staging.Close()
		os.Remove(staging.Name())
	}()
	// Hash-as-you-write: checksum and size come from the same pass
	// that stages the payload.
	hasher := archive.NewHashingWriter(staging)
	if _, err := io.Copy(hasher, rc); err != nil {
		return nil, errors.Annotate(err, "staging snapshot")
	}
	if _, err := staging.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Trace(err)
	}

	id := utils.MustNewUUID().String()
	if err := w.config.Catalog.PutSnapshot(ctx, id, staging, hasher.Size(), hasher.Checksum()); err != nil {
		return nil, errors.Annotate(err, "uploading snapshot")
	}

	record := &backups.Record{
		ID:           id,
		Tier:         tier,
		Created:      info.Taken,
		SnapshotRef:  catalog.SnapshotPath(id),
		Epoch:        epoch,
		Size:         hasher.Size(),
		Checksum:     hasher.Checksum(),
		Verification: backups.VerificationUnverified,
		Collections:  info.Collections,
		Samples:      info.Samples,
	}
	if err := w.config.Catalog.AddRecord(ctx, record); err != nil {
		return nil, errors.Annotate(err, "recording snapshot")
	}
	return record, nil
}

// enforceRetention deletes expired records per tier, subject to the
// invariant that the last surviving record of a tier is never deleted.
func (w *Worker) enforceRetention(ctx context.Context, now time.Time) {
	records, err := w.config.Catalog.Records(ctx)
	if err != nil {
		w.config.Logger.Errorf("retention: listing records: %v", err)
		return
	}
	byTier := make(map[backups.Tier][]backups.Record)
	for _, record := range records {
		if record.Deleted() {
			continue
		}
		byTier[record.Tier] = append(byTier[record.Tier], record)
	}
	for tier, policy := range w.config.Policies {
		live := byTier[tier] // already sorted oldest first
		for _, record := range w.expired(live, policy, now) {
			if err := w.config.Catalog.RemoveRecord(ctx, record.ID, now); err != nil {
				w.config.Logger.Errorf("retention: removing record %q: %v", record.ID, err)
				continue
			}
			w.config.Logger.Infof("retention: removed tier %q record %s (created %s)",
				tier, record.ID, record.Created.Format(time.RFC3339))
		}
	}
}

// expired returns the records retention removes: those beyond the
// tier's max count (oldest first) or older than its max age. The
// newest survivor is never removed.
func (w *Worker) expired(live []backups.Record, policy backups.Policy, now time.Time) []backups.Record {
	if len(live) <= 1 {
		return nil
	}
	var doomed []backups.Record
	remaining := len(live)
	for _, record := range live[:len(live)-1] {
		overCount := policy.MaxCount > 0 && remaining > policy.MaxCount
		overAge := policy.MaxAge > 0 && now.Sub(record.Created) > policy.MaxAge
		if overCount || overAge {
			doomed = append(doomed, record)
			remaining--
		}
	}
	return doomed
}
