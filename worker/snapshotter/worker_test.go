// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package snapshotter_test

import (
	"context"
	"io"
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
	"github.com/wardenhq/warden/worker/snapshotter"
)

type WorkerSuite struct {
	testing.IsolationSuite
	t0       time.Time
	clock    *testclock.Clock
	store    *archive.MemBackend
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
	s.store = archive.NewMemBackend()
	s.catalog = catalog.New(s.store)
	s.source = protected.NewMemStore(s.clock)
	s.alerts = &alerts.Recorder{}
	s.requests = make(chan backups.SnapshotRequest)
}

func (s *WorkerSuite) config() snapshotter.Config {
	return snapshotter.Config{
		Clock:   s.clock,
		Logger:  loggo.GetLogger("test.snapshotter"),
		Catalog: s.catalog,
		Source:  s.source,
		Alerts:  s.alerts,
		Policies: map[backups.Tier]backups.Policy{
			backups.TierContinuous: {Interval: time.Hour},
		},
		Requests: s.requests,
	}
}

// seedRecord writes a record so the worker starts with a known
// schedule instead of finding every tier overdue.
func (s *WorkerSuite) seedRecord(c *gc.C, id string, tier backups.Tier, created time.Time) {
	err := s.catalog.AddRecord(context.Background(), &backups.Record{
		ID:           id,
		Tier:         tier,
		Created:      created,
		SnapshotRef:  catalog.SnapshotPath(id),
		Checksum:     "seeded",
		Verification: backups.VerificationUnverified,
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *WorkerSuite) liveRecords(c *gc.C) []backups.Record {
	records, err := s.catalog.Records(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	live := records[:0]
	for _, record := range records {
		if !record.Deleted() {
			live = append(live, record)
		}
	}
	return live
}

func (s *WorkerSuite) waitRecords(c *gc.C, n int) []backups.Record {
	var records []backups.Record
	deadline := time.After(coretesting.LongWait)
	for {
		records = s.liveRecords(c)
		if len(records) >= n {
			return records
		}
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for %d records, have %d", n, len(records))
		case <-time.After(coretesting.ShortWait):
		}
	}
}

func (s *WorkerSuite) TestValidate(c *gc.C) {
	config := s.config()
	config.Clock = nil
	_, err := snapshotter.NewWorker(config)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)

	config = s.config()
	config.Policies = nil
	_, err = snapshotter.NewWorker(config)
	c.Assert(err, gc.ErrorMatches, "empty Policies not valid")
}

func (s *WorkerSuite) TestScheduledSnapshot(c *gc.C) {
	s.seedRecord(c, "seed", backups.TierContinuous, s.t0)
	s.source.Set("users", "alice", []byte("a"))

	w, err := snapshotter.NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	err = s.clock.WaitAdvance(time.Hour, coretesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	records := s.waitRecords(c, 2)
	record := records[len(records)-1]
	c.Check(record.Tier, gc.Equals, backups.TierContinuous)
	c.Check(record.Created.Equal(s.t0.Add(time.Hour)), jc.IsTrue)
	c.Check(record.Verification, gc.Equals, backups.VerificationUnverified)
	c.Check(record.Collections, gc.DeepEquals, map[string]int{"users": 1})
	c.Assert(record.Samples, gc.HasLen, 1)

	// The payload landed in the archive and matches its checksum.
	rc, err := s.catalog.Snapshot(context.Background(), &record)
	c.Assert(err, jc.ErrorIsNil)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(archive.Checksum(data), gc.Equals, record.Checksum)
	c.Check(int64(len(data)), gc.Equals, record.Size)
}

func (s *WorkerSuite) TestRequestedSnapshotJoinsEpoch(c *gc.C) {
	s.seedRecord(c, "seed", backups.TierContinuous, s.t0)

	w, err := snapshotter.NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	select {
	case s.requests <- backups.SnapshotRequest{Epoch: "epoch-7", Reason: "new epoch"}:
	case <-time.After(coretesting.LongWait):
		c.Fatalf("worker never read the snapshot request")
	}

	records := s.waitRecords(c, 2)
	record := records[len(records)-1]
	c.Check(record.Tier, gc.Equals, backups.TierContinuous)
	c.Check(record.Epoch, gc.Equals, "epoch-7")
}

func (s *WorkerSuite) TestScheduledSnapshotJoinsCurrentEpoch(c *gc.C) {
	s.seedRecord(c, "seed", backups.TierContinuous, s.t0)
	err := s.catalog.OpenEpoch(context.Background(), changelog.Epoch{ID: "epoch-9", Opened: s.t0})
	c.Assert(err, jc.ErrorIsNil)

	w, err := snapshotter.NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	err = s.clock.WaitAdvance(time.Hour, coretesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	records := s.waitRecords(c, 2)
	c.Check(records[len(records)-1].Epoch, gc.Equals, "epoch-9")
}

func (s *WorkerSuite) TestRetentionNeverDeletesLastRecord(c *gc.C) {
	s.seedRecord(c, "old-1", backups.TierContinuous, s.t0.Add(-90*time.Minute))
	s.seedRecord(c, "old-2", backups.TierContinuous, s.t0.Add(-30*time.Minute))

	config := s.config()
	config.Policies = map[backups.Tier]backups.Policy{
		backups.TierContinuous: {Interval: time.Hour, MaxCount: 2},
	}
	w, err := snapshotter.NewWorker(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	// The tick takes a new snapshot and then prunes beyond MaxCount.
	err = s.clock.WaitAdvance(30*time.Minute, coretesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	deadline := time.After(coretesting.LongWait)
	for {
		live := s.liveRecords(c)
		if len(live) == 2 {
			c.Check(live[0].ID, gc.Equals, "old-2")
			break
		}
		select {
		case <-deadline:
			c.Fatalf("retention never converged, live records: %d", len(live))
		case <-time.After(coretesting.ShortWait):
		}
	}

	// The tombstone survives for provenance.
	tombstone, err := s.catalog.Record(context.Background(), "old-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(tombstone.Deleted(), jc.IsTrue)
}

func (s *WorkerSuite) TestSnapshotFailureAlertsAndContinues(c *gc.C) {
	s.seedRecord(c, "seed", backups.TierContinuous, s.t0)

	config := s.config()
	config.Source = failingSource{}
	w, err := snapshotter.NewWorker(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	err = s.clock.WaitAdvance(time.Hour, coretesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	deadline := time.After(coretesting.LongWait)
	for len(s.alerts.Events()) == 0 {
		select {
		case <-deadline:
			c.Fatalf("no alert for failed snapshot")
		case <-time.After(coretesting.ShortWait):
		}
	}
	events := s.alerts.Events()
	c.Check(events[0].Severity, gc.Equals, alerts.SeverityCritical)
	c.Check(events[0].Subsystem, gc.Equals, "snapshotter")
	c.Check(events[0].Message, gc.Matches, `snapshot of tier "continuous" failed: .*cold storage offline.*`)

	// The scheduler survives the failure.
	workertest.CheckAlive(c, w)
}

type failingSource struct{}

func (failingSource) Snapshot(ctx context.Context) (io.ReadCloser, protected.SnapshotInfo, error) {
	return nil, protected.SnapshotInfo{}, errors.New("cold storage offline")
}
