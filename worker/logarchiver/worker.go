// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logarchiver continuously drains the protected store's
// ordered change stream and ships it to the archive as checksummed,
// gapless segments, bounding recovery granularity by size and time.
package logarchiver

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"github.com/juju/worker/v3/catacomb"

	"github.com/wardenhq/warden/core/alerts"
	"github.com/wardenhq/warden/core/backups"
	"github.com/wardenhq/warden/core/changelog"
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
	Source  protected.ChangeSource
	Alerts  alerts.Sink

	// FlushInterval bounds how long a committed mutation may wait
	// before reaching the archive. This is the recovery-point knob.
	FlushInterval time.Duration

	// MaxSegmentSize flushes a segment early once its payload reaches
	// this many bytes.
	MaxSegmentSize int

	// SpoolLimit bounds how many flushed-but-unshipped segments may
	// queue locally while the archive is unreachable.
	SpoolLimit int

	// Requests is where the archiver asks for a snapshot anchoring
	// each new epoch.
	Requests chan<- backups.SnapshotRequest
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
	if c.FlushInterval <= 0 {
		return errors.NotValidf("non-positive FlushInterval")
	}
	if c.MaxSegmentSize <= 0 {
		return errors.NotValidf("non-positive MaxSegmentSize")
	}
	if c.SpoolLimit <= 0 {
		return errors.NotValidf("non-positive SpoolLimit")
	}
	if c.Requests == nil {
		return errors.NotValidf("nil Requests")
	}
	return nil
}

// spooled is a flushed segment waiting for the archive to come back.
type spooled struct {
	segment changelog.Segment
	payload []byte
}

// Worker is the change log archiver.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	epoch      string
	sequence   uint64
	lastStream uint64

	buffer      []protected.Mutation
	bufferBytes int

	spool        []spooled
	spoolAlerted bool
}

// NewWorker starts a change log archiver.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
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
	ctx, cancel := w.scopedContext()
	defer cancel()

	// Continuity across a restart cannot be proven, so every start
	// opens a fresh epoch anchored to a fresh snapshot.
	if err := w.openEpoch(ctx, "archiver started"); err != nil {
		return errors.Trace(err)
	}

	changes, err := w.config.Source.Changes(ctx, 0)
	if err != nil {
		return errors.Annotate(err, "opening change stream")
	}

	timer := w.config.Clock.NewTimer(w.config.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()

		case mutation, ok := <-changes:
			if !ok {
				return errors.New("change stream closed")
			}
			if err := w.handleMutation(ctx, mutation); err != nil {
				return errors.Trace(err)
			}
			if w.bufferBytes >= w.config.MaxSegmentSize {
				w.flush(ctx)
			}

		case <-timer.Chan():
			w.shipSpool(ctx)
			if len(w.buffer) > 0 {
				w.flush(ctx)
			}
			timer.Reset(w.config.FlushInterval)
		}
	}
}

func (w *Worker) handleMutation(ctx context.Context, m protected.Mutation) error {
	if w.lastStream != 0 && m.StreamID != w.lastStream+1 {
		// A discontinuity makes recovery beyond it impossible in this
		// epoch. Flush what we have, then anchor a new epoch.
		w.config.Logger.Errorf("change stream gap: %d follows %d", m.StreamID, w.lastStream)
		w.config.Alerts.Publish(alerts.Event{
			Severity:  alerts.SeverityCritical,
			Subsystem: "logarchiver",
			Message:   fmt.Sprintf("change stream discontinuity: stream ID %d follows %d; starting new epoch", m.StreamID, w.lastStream),
		})
		w.flush(ctx)
		if err := w.openEpoch(ctx, "change stream discontinuity"); err != nil {
			return errors.Trace(err)
		}
	}
	w.lastStream = m.StreamID
	w.buffer = append(w.buffer, m)
	w.bufferBytes += len(m.Value) + len(m.Collection) + len(m.Key)
	return nil
}

// openEpoch persists a new epoch marker and requests a snapshot to
// anchor it, since point-in-time recovery within an epoch needs a
// snapshot to replay on top of.
func (w *Worker) openEpoch(ctx context.Context, reason string) error {
	epoch := changelog.Epoch{
		ID:     utils.MustNewUUID().String(),
		Opened: w.config.Clock.Now(),
	}
	if err := w.config.Catalog.OpenEpoch(ctx, epoch); err != nil {
		return errors.Annotate(err, "opening epoch")
	}
	w.epoch = epoch.ID
	w.sequence = 0
	w.config.Logger.Infof("opened change-log epoch %s (%s)", epoch.ID, reason)

	select {
	case w.config.Requests <- backups.SnapshotRequest{Epoch: epoch.ID, Reason: reason}:
	case <-w.catacomb.Dying():
		return w.catacomb.ErrDying()
	}
	return nil
}

// flush encodes the buffer into a segment and ships it, spooling on
// archive failure. Sequence numbers are assigned here, so the spool
// preserves gaplessness: segments ship strictly in order.
func (w *Worker) flush(ctx context.Context) {
	if len(w.buffer) == 0 {
		return
	}
	payload, err := protected.EncodeMutations(w.buffer)
	if err != nil {
		// Encoding cannot fail for valid mutations; treat it as fatal
		// to the worker rather than dropping data.
		w.catacomb.Kill(errors.Annotate(err, "encoding segment"))
		return
	}
	w.sequence++
	segment := changelog.Segment{
		ID:       utils.MustNewUUID().String(),
		Epoch:    w.epoch,
		Sequence: w.sequence,
		Created:  w.config.Clock.Now(),
		Checksum: archive.Checksum(payload),
	}
	w.buffer = nil
	w.bufferBytes = 0
	w.spool = append(w.spool, spooled{segment: segment, payload: payload})
	w.shipSpool(ctx)
}

// shipSpool uploads queued segments in order, stopping at the first
// failure. Exceeding the spool bound is a critical condition: the
// recovery point objective is at risk, and data must never be silently
// dropped.
func (w *Worker) shipSpool(ctx context.Context) {
	for len(w.spool) > 0 {
		next := w.spool[0]
		if err := w.config.Catalog.AddSegment(ctx, next.segment, next.payload); err != nil {
			w.config.Logger.Warningf("shipping segment %d of epoch %s: %v (%d spooled)",
				next.segment.Sequence, next.segment.Epoch, err, len(w.spool))
			if len(w.spool) > w.config.SpoolLimit && !w.spoolAlerted {
				w.spoolAlerted = true
				w.config.Alerts.Publish(alerts.Event{
					Severity:  alerts.SeverityCritical,
					Subsystem: "logarchiver",
					Message:   fmt.Sprintf("segment spool exceeds %d: archive unreachable, recovery point at risk", w.config.SpoolLimit),
				})
			}
			return
		}
		w.config.Logger.Debugf("shipped segment %d of epoch %s (%d bytes)",
			next.segment.Sequence, next.segment.Epoch, len(next.payload))
		w.spool = w.spool[1:]
	}
	w.spoolAlerted = false
}
