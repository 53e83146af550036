// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package protected_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/wardenhq/warden/internal/protected"
	coretesting "github.com/wardenhq/warden/testing"
)

type MemStoreSuite struct {
	testing.IsolationSuite
	clock *testclock.Clock
	store *protected.MemStore
}

var _ = gc.Suite(&MemStoreSuite{})

func (s *MemStoreSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	s.store = protected.NewMemStore(s.clock)
}

func (s *MemStoreSuite) TestSetGetDelete(c *gc.C) {
	s.store.Set("users", "alice", []byte("a"))
	value, ok := s.store.Get("users", "alice")
	c.Assert(ok, jc.IsTrue)
	c.Check(string(value), gc.Equals, "a")

	s.store.Delete("users", "alice")
	_, ok = s.store.Get("users", "alice")
	c.Check(ok, jc.IsFalse)
}

func (s *MemStoreSuite) TestSnapshotRoundTrip(c *gc.C) {
	s.store.Set("users", "alice", []byte("a"))
	s.store.Set("users", "bob", []byte("b"))
	s.store.Set("orders", "o-1", []byte("order"))

	rc, info, err := s.store.Snapshot(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	defer rc.Close()
	c.Check(info.Taken.Equal(s.clock.Now()), jc.IsTrue)
	c.Check(info.Collections, gc.DeepEquals, map[string]int{"users": 2, "orders": 1})
	c.Check(info.Samples, gc.HasLen, 3)

	restored := protected.NewMemStore(s.clock)
	c.Assert(restored.LoadSnapshot(context.Background(), rc), jc.ErrorIsNil)
	value, ok := restored.Get("users", "bob")
	c.Assert(ok, jc.IsTrue)
	c.Check(string(value), gc.Equals, "b")

	counts, err := restored.Counts(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(counts, gc.DeepEquals, info.Collections)
}

func (s *MemStoreSuite) TestSnapshotIsConsistentCopy(c *gc.C) {
	s.store.Set("users", "alice", []byte("a"))
	rc, _, err := s.store.Snapshot(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	defer rc.Close()

	// Writes after the snapshot never leak into its payload.
	s.store.Set("users", "mallory", []byte("m"))

	restored := protected.NewMemStore(s.clock)
	c.Assert(restored.LoadSnapshot(context.Background(), rc), jc.ErrorIsNil)
	_, ok := restored.Get("users", "mallory")
	c.Check(ok, jc.IsFalse)
}

func (s *MemStoreSuite) TestSamplesAreDeterministic(c *gc.C) {
	s.store.Set("users", "alice", []byte("a"))
	s.store.Set("users", "bob", []byte("b"))

	rc1, info1, err := s.store.Snapshot(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	rc1.Close()
	rc2, info2, err := s.store.Snapshot(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	rc2.Close()

	c.Check(info1.Samples, gc.DeepEquals, info2.Samples)
	c.Check(info1.Samples[0].Checksum, gc.Equals, protected.RecordChecksum([]byte("a")))
}

func (s *MemStoreSuite) TestChangesBacklogAndLive(c *gc.C) {
	s.store.Set("users", "alice", []byte("a"))
	s.store.Set("users", "bob", []byte("b"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := s.store.Changes(ctx, 0)
	c.Assert(err, jc.ErrorIsNil)

	first := s.nextMutation(c, changes)
	c.Check(first.StreamID, gc.Equals, uint64(1))
	c.Check(first.Key, gc.Equals, "alice")
	second := s.nextMutation(c, changes)
	c.Check(second.StreamID, gc.Equals, uint64(2))

	s.store.Delete("users", "alice")
	third := s.nextMutation(c, changes)
	c.Check(third.StreamID, gc.Equals, uint64(3))
	c.Check(third.Op, gc.Equals, protected.OpDelete)
}

func (s *MemStoreSuite) TestChangesAfter(c *gc.C) {
	s.store.Set("users", "alice", []byte("a"))
	s.store.Set("users", "bob", []byte("b"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := s.store.Changes(ctx, 1)
	c.Assert(err, jc.ErrorIsNil)

	m := s.nextMutation(c, changes)
	c.Check(m.StreamID, gc.Equals, uint64(2))
	c.Check(m.Key, gc.Equals, "bob")
}

func (s *MemStoreSuite) nextMutation(c *gc.C, changes <-chan protected.Mutation) protected.Mutation {
	select {
	case m := <-changes:
		return m
	case <-time.After(coretesting.LongWait):
		c.Fatalf("timed out waiting for mutation")
	}
	panic("unreachable")
}

func (s *MemStoreSuite) TestApplySegmentIdempotent(c *gc.C) {
	ctx := context.Background()
	mutations := []protected.Mutation{
		{Collection: "users", Key: "alice", Op: protected.OpSet, Value: []byte("a")},
	}
	c.Assert(s.store.ApplySegment(ctx, "epoch-1", 1, mutations), jc.ErrorIsNil)

	applied, err := s.store.AppliedSequence(ctx, "epoch-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(applied, gc.Equals, uint64(1))

	// Re-applying the same sequence must not duplicate effects.
	overwrite := []protected.Mutation{
		{Collection: "users", Key: "alice", Op: protected.OpSet, Value: []byte("changed")},
	}
	c.Assert(s.store.ApplySegment(ctx, "epoch-1", 1, overwrite), jc.ErrorIsNil)
	value, ok := s.store.Get("users", "alice")
	c.Assert(ok, jc.IsTrue)
	c.Check(string(value), gc.Equals, "a")
}

func (s *MemStoreSuite) TestApplySegmentEpochsIndependent(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.store.ApplySegment(ctx, "epoch-1", 3, nil), jc.ErrorIsNil)

	applied, err := s.store.AppliedSequence(ctx, "epoch-2")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(applied, gc.Equals, uint64(0))
}

func (s *MemStoreSuite) TestLoadSnapshotResetsAppliedSequences(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.store.ApplySegment(ctx, "epoch-1", 5, nil), jc.ErrorIsNil)

	rc, _, err := protected.NewMemStore(s.clock).Snapshot(ctx)
	c.Assert(err, jc.ErrorIsNil)
	defer rc.Close()
	c.Assert(s.store.LoadSnapshot(ctx, rc), jc.ErrorIsNil)

	applied, err := s.store.AppliedSequence(ctx, "epoch-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(applied, gc.Equals, uint64(0))
}

func (s *MemStoreSuite) TestChecksum(c *gc.C) {
	s.store.Set("users", "alice", []byte("a"))
	sum, err := s.store.Checksum(context.Background(), "users", "alice")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(sum, gc.Equals, protected.RecordChecksum([]byte("a")))

	_, err = s.store.Checksum(context.Background(), "users", "nobody")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *MemStoreSuite) TestCodecRoundTrip(c *gc.C) {
	mutations := []protected.Mutation{
		{StreamID: 1, Collection: "users", Key: "alice", Op: protected.OpSet, Value: []byte("a"), Time: s.clock.Now()},
		{StreamID: 2, Collection: "users", Key: "alice", Op: protected.OpDelete, Time: s.clock.Now()},
	}
	payload, err := protected.EncodeMutations(mutations)
	c.Assert(err, jc.ErrorIsNil)

	decoded, err := protected.DecodeMutations(payload)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(decoded, gc.HasLen, 2)
	c.Check(decoded[0].Key, gc.Equals, "alice")
	c.Check(decoded[1].Op, gc.Equals, protected.OpDelete)
}
