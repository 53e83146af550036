// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package logarchiver_test

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v3/workertest"
	gc "gopkg.in/check.v1"

	"github.com/wardenhq/warden/core/alerts"
	"github.com/wardenhq/warden/core/backups"
	"github.com/wardenhq/warden/core/changelog"
	"github.com/wardenhq/warden/internal/archive"
	"github.com/wardenhq/warden/internal/catalog"
	"github.com/wardenhq/warden/internal/protected"
	coretesting "github.com/wardenhq/warden/testing"
	"github.com/wardenhq/warden/worker/logarchiver"
)

type WorkerSuite struct {
	testing.IsolationSuite
	t0       time.Time
	clock    *testclock.Clock
	backend  *switchableBackend
	catalog  *catalog.Catalog
	source   *protected.MemStore
	alerts   *alerts.Recorder
	requests chan backups.SnapshotRequest
}

var _ = gc.Suite(&WorkerSuite{})

func (s *WorkerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s.clock = testclock.NewClock(s.t0)
	s.backend = &switchableBackend{Backend: archive.NewMemBackend()}
	s.catalog = catalog.New(s.backend)
	s.source = protected.NewMemStore(s.clock)
	s.alerts = &alerts.Recorder{}
	s.requests = make(chan backups.SnapshotRequest, 4)
}

func (s *WorkerSuite) config() logarchiver.Config {
	return logarchiver.Config{
		Clock:          s.clock,
		Logger:         loggo.GetLogger("test.logarchiver"),
		Catalog:        s.catalog,
		Source:         s.source,
		Alerts:         s.alerts,
		FlushInterval:  30 * time.Second,
		MaxSegmentSize: 1,
		SpoolLimit:     8,
		Requests:       s.requests,
	}
}

// nextRequest returns the next snapshot request the archiver issued.
func (s *WorkerSuite) nextRequest(c *gc.C) backups.SnapshotRequest {
	select {
	case request := <-s.requests:
		return request
	case <-time.After(coretesting.LongWait):
		c.Fatalf("no snapshot request issued")
	}
	panic("unreachable")
}

func (s *WorkerSuite) waitSegments(c *gc.C, epoch string, n int) []changelog.Segment {
	deadline := time.After(coretesting.LongWait)
	for {
		segments, err := s.catalog.Segments(context.Background(), epoch)
		c.Assert(err, jc.ErrorIsNil)
		if len(segments) >= n {
			return segments
		}
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for %d segments of epoch %s, have %d", n, epoch, len(segments))
		case <-time.After(coretesting.ShortWait):
		}
	}
}

func (s *WorkerSuite) TestValidate(c *gc.C) {
	config := s.config()
	config.Source = nil
	_, err := logarchiver.NewWorker(config)
	c.Assert(err, gc.ErrorMatches, "nil Source not valid")

	config = s.config()
	config.SpoolLimit = 0
	_, err = logarchiver.NewWorker(config)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *WorkerSuite) TestStartOpensEpochAndRequestsSnapshot(c *gc.C) {
	w, err := logarchiver.NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	request := s.nextRequest(c)
	c.Check(request.Epoch, gc.Not(gc.Equals), "")
	c.Check(request.Reason, gc.Equals, "archiver started")

	current, err := s.catalog.CurrentEpoch(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(current.ID, gc.Equals, request.Epoch)
	c.Check(current.Opened.Equal(s.t0), jc.IsTrue)
}

func (s *WorkerSuite) TestShipsSegmentsInOrder(c *gc.C) {
	w, err := logarchiver.NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)
	epoch := s.nextRequest(c).Epoch

	s.source.Set("users", "alice", []byte("a"))
	s.source.Set("users", "bob", []byte("b"))

	segments := s.waitSegments(c, epoch, 2)
	c.Check(segments[0].Sequence, gc.Equals, uint64(1))
	c.Check(segments[1].Sequence, gc.Equals, uint64(2))

	payload, err := s.catalog.SegmentPayload(context.Background(), segments[0])
	c.Assert(err, jc.ErrorIsNil)
	mutations, err := protected.DecodeMutations(payload)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(mutations, gc.HasLen, 1)
	c.Check(mutations[0].Key, gc.Equals, "alice")
	c.Check(mutations[0].StreamID, gc.Equals, uint64(1))
}

func (s *WorkerSuite) TestFlushOnInterval(c *gc.C) {
	config := s.config()
	config.MaxSegmentSize = 1 << 20
	w, err := logarchiver.NewWorker(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)
	epoch := s.nextRequest(c).Epoch

	s.source.Set("users", "alice", []byte("a"))
	s.source.Set("users", "bob", []byte("b"))

	// The mutations are under the size bound, so only the flush timer
	// ships them. Keep ticking until the worker has drained and flushed
	// both, however they split across flushes.
	deadline := time.After(coretesting.LongWait)
	for {
		err := s.clock.WaitAdvance(config.FlushInterval, coretesting.LongWait, 1)
		c.Assert(err, jc.ErrorIsNil)
		segments, err := s.catalog.Segments(context.Background(), epoch)
		c.Assert(err, jc.ErrorIsNil)
		total := 0
		for _, segment := range segments {
			payload, err := s.catalog.SegmentPayload(context.Background(), segment)
			c.Assert(err, jc.ErrorIsNil)
			mutations, err := protected.DecodeMutations(payload)
			c.Assert(err, jc.ErrorIsNil)
			total += len(mutations)
		}
		if total == 2 {
			return
		}
		select {
		case <-deadline:
			c.Fatalf("flush timer never shipped the buffered mutations")
		default:
		}
	}
}

func (s *WorkerSuite) TestStreamGapStartsNewEpoch(c *gc.C) {
	source := newStubSource()
	config := s.config()
	config.Source = source
	w, err := logarchiver.NewWorker(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)
	first := s.nextRequest(c).Epoch

	source.send(protected.Mutation{StreamID: 1, Collection: "users", Key: "alice", Op: protected.OpSet, Value: []byte("a"), Time: s.t0})
	s.waitSegments(c, first, 1)

	// Stream ID 5 after 1 is a discontinuity: recovery beyond it needs
	// a fresh epoch anchored to a fresh snapshot.
	source.send(protected.Mutation{StreamID: 5, Collection: "users", Key: "bob", Op: protected.OpSet, Value: []byte("b"), Time: s.t0})

	request := s.nextRequest(c)
	c.Check(request.Reason, gc.Equals, "change stream discontinuity")
	c.Check(request.Epoch, gc.Not(gc.Equals), first)

	segments := s.waitSegments(c, request.Epoch, 1)
	c.Check(segments[0].Sequence, gc.Equals, uint64(1))

	deadline := time.After(coretesting.LongWait)
	for len(s.alerts.Events()) == 0 {
		select {
		case <-deadline:
			c.Fatalf("no alert for stream discontinuity")
		case <-time.After(coretesting.ShortWait):
		}
	}
	event := s.alerts.Events()[0]
	c.Check(event.Severity, gc.Equals, alerts.SeverityCritical)
	c.Check(event.Message, gc.Matches, "change stream discontinuity: stream ID 5 follows 1.*")
}

func (s *WorkerSuite) TestSpoolOverflowAlerts(c *gc.C) {
	config := s.config()
	config.SpoolLimit = 1
	w, err := logarchiver.NewWorker(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)
	epoch := s.nextRequest(c).Epoch

	s.backend.setFailing(true)
	s.source.Set("users", "k1", []byte("v1"))
	s.source.Set("users", "k2", []byte("v2"))

	deadline := time.After(coretesting.LongWait)
	for len(s.alerts.Events()) == 0 {
		select {
		case <-deadline:
			c.Fatalf("no alert for spool overflow")
		case <-time.After(coretesting.ShortWait):
		}
	}
	event := s.alerts.Events()[0]
	c.Check(event.Severity, gc.Equals, alerts.SeverityCritical)
	c.Check(event.Message, gc.Matches, "segment spool exceeds 1: .*recovery point at risk")

	// Once the archive recovers, the spool drains in order with no
	// sequence lost or duplicated.
	s.backend.setFailing(false)
	s.source.Set("users", "k3", []byte("v3"))

	segments := s.waitSegments(c, epoch, 3)
	for i, segment := range segments {
		c.Check(segment.Sequence, gc.Equals, uint64(i+1))
	}
}

// stubSource is a ChangeSource fed directly by the test, for stream
// shapes a real store never produces.
type stubSource struct {
	ch chan protected.Mutation
}

func newStubSource() *stubSource {
	return &stubSource{ch: make(chan protected.Mutation, 16)}
}

func (s *stubSource) send(m protected.Mutation) {
	s.ch <- m
}

func (s *stubSource) Changes(ctx context.Context, after uint64) (<-chan protected.Mutation, error) {
	return s.ch, nil
}

// switchableBackend fails writes on demand, simulating an unreachable
// archive.
type switchableBackend struct {
	archive.Backend
	mu      sync.Mutex
	failing bool
}

func (b *switchableBackend) setFailing(failing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = failing
}

func (b *switchableBackend) Put(ctx context.Context, name string, r io.Reader, size int64, checksum string) error {
	b.mu.Lock()
	failing := b.failing
	b.mu.Unlock()
	if failing {
		return errors.New("archive unreachable")
	}
	return b.Backend.Put(ctx, name, r, size, checksum)
}
