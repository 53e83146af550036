// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package verifier proves backups restorable by actually restoring
// them. On a fixed cadence it rebuilds the newest backup into an
// isolated in-memory sandbox and compares the result against the
// counts and sampled checksums captured at snapshot time. Production
// is never touched.
package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/worker/v3/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wardenhq/warden/core/alerts"
	"github.com/wardenhq/warden/core/backups"
	"github.com/wardenhq/warden/internal/catalog"
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
	Clock   clock.Clock
	Logger  Logger
	Catalog *catalog.Catalog
	Engine  *restore.Engine
	Alerts  alerts.Sink

	// Interval is the verification cadence.
	Interval time.Duration

	// TimeBudget bounds one verification run. A restore that cannot
	// finish inside the budget fails verification: a backup that takes
	// too long to restore is as good as one that cannot be.
	TimeBudget time.Duration

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
	if c.Engine == nil {
		return errors.NotValidf("nil Engine")
	}
	if c.Alerts == nil {
		return errors.NotValidf("nil Alerts")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	if c.TimeBudget <= 0 {
		return errors.NotValidf("non-positive TimeBudget")
	}
	return nil
}

// Worker is the verification service.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	metrics  *Metrics
}

// NewWorker starts a verification service.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:  config,
		metrics: NewMetrics(),
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

	timer := w.config.Clock.NewTimer(w.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()

		case <-timer.Chan():
			w.runVerification(ctx)
			timer.Reset(w.config.Interval)
		}
	}
}

// runVerification verifies the newest live backup record. Failures
// never stop the cadence; the outcome lands on the record and, when
// bad, on the alert bus.
func (w *Worker) runVerification(ctx context.Context) {
	record, err := w.newestRecord(ctx)
	if err != nil {
		if errors.IsNotFound(err) {
			w.config.Logger.Debugf("verification: no backup records yet")
			return
		}
		w.config.Logger.Errorf("verification: selecting record: %v", err)
		return
	}

	started := w.config.Clock.Now()
	verr := w.verify(ctx, record)
	elapsed := w.config.Clock.Now().Sub(started)
	w.metrics.duration.Observe(elapsed.Seconds())

	status := backups.VerificationPassed
	if verr != nil {
		status = backups.VerificationFailed
	}
	if err := w.config.Catalog.SetVerification(ctx, record.ID, status); err != nil {
		w.config.Logger.Errorf("verification: recording %q for %s: %v", status, record.ID, err)
	}

	if verr != nil {
		w.metrics.verifications.WithLabelValues("failure").Inc()
		w.config.Logger.Errorf("verification of backup %s failed: %v", record.ID, verr)
		w.config.Alerts.Publish(alerts.Event{
			Severity:  alerts.SeverityCritical,
			Subsystem: "verifier",
			Message:   fmt.Sprintf("backup %s failed verification: %v", record.ID, verr),
		})
		return
	}
	w.metrics.verifications.WithLabelValues("success").Inc()
	w.metrics.lastSuccess.Set(float64(w.config.Clock.Now().Unix()))
	w.config.Logger.Infof("backup %s verified in %v", record.ID, elapsed)
}

// newestRecord returns the most recent live record.
func (w *Worker) newestRecord(ctx context.Context) (*backups.Record, error) {
	records, err := w.config.Catalog.Records(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var newest *backups.Record
	for i := range records {
		record := &records[i]
		if record.Deleted() {
			continue
		}
		if newest == nil || record.Created.After(newest.Created) {
			newest = record
		}
	}
	if newest == nil {
		return nil, errors.NotFoundf("live backup records")
	}
	return newest, nil
}

// verify restores the record into a fresh sandbox within the time
// budget and compares the result against the reference state captured
// at snapshot time.
func (w *Worker) verify(ctx context.Context, record *backups.Record) error {
	ctx, cancel := context.WithTimeout(ctx, w.config.TimeBudget)
	defer cancel()

	sandbox := protected.NewMemStore(w.config.Clock)
	plan, err := w.config.Engine.Restore(ctx, record.Created, sandbox, "verify-"+record.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.Annotatef(err, "restore exceeded time budget %v", w.config.TimeBudget)
		}
		return errors.Annotate(err, "restore")
	}
	w.config.Logger.Debugf("verification restore %s: %d mutations replayed", plan.ID, plan.MutationsApplied)

	counts, err := sandbox.Counts(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	got := set.NewStrings()
	for collection := range counts {
		got.Add(collection)
	}
	want := set.NewStrings()
	for collection := range record.Collections {
		want.Add(collection)
	}
	if extra := got.Difference(want); !extra.IsEmpty() {
		return errors.Errorf("collections %v not present at snapshot time", extra.SortedValues())
	}
	for collection, wantCount := range record.Collections {
		if gotCount := counts[collection]; gotCount != wantCount {
			return errors.Errorf("collection %q has %d records, snapshot recorded %d", collection, gotCount, wantCount)
		}
	}

	for _, sample := range record.Samples {
		sum, err := sandbox.Checksum(ctx, sample.Collection, sample.Key)
		if err != nil {
			if errors.IsNotFound(err) {
				return errors.Errorf("sampled record %s/%s missing after restore", sample.Collection, sample.Key)
			}
			return errors.Trace(err)
		}
		if sum != sample.Checksum {
			return errors.Errorf("sampled record %s/%s checksum mismatch", sample.Collection, sample.Key)
		}
	}
	return nil
}
