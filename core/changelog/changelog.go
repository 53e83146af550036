// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package changelog holds the domain records for incremental change-log
// segments, the unit of point-in-time recovery finer than a snapshot.
package changelog

import (
	"fmt"
	"sort"
	"time"

	"github.com/juju/errors"
)

// Epoch identifies one gapless run of segments anchored to a snapshot.
// A new epoch starts whenever continuity of the change stream cannot be
// proven, since recovery across a discontinuity is impossible.
type Epoch struct {
	// ID is the epoch identifier; snapshot records anchoring the epoch
	// carry the same value.
	ID string `json:"id"`

	// Opened records when the archiver opened the epoch.
	Opened time.Time `json:"opened"`
}

// Segment is the metadata for one archived batch of ordered mutations.
type Segment struct {
	// ID is the unique ID assigned when the segment is flushed.
	ID string `json:"id"`

	// Epoch is the snapshot epoch the segment belongs to.
	Epoch string `json:"epoch"`

	// Sequence is the segment's position within its epoch. Sequences
	// are monotonic and gapless, starting at 1.
	Sequence uint64 `json:"sequence"`

	// Created records when the segment was flushed.
	Created time.Time `json:"created"`

	// Size is the size of the segment payload in bytes.
	Size int64 `json:"size"`

	// Checksum is the checksum of the payload, in the system checksum
	// format.
	Checksum string `json:"checksum"`

	// PayloadRef is the archive object holding the payload.
	PayloadRef string `json:"payload-ref"`
}

// Validate returns an error if the segment is malformed.
func (s *Segment) Validate() error {
	if s.ID == "" {
		return errors.NotValidf("segment with empty ID")
	}
	if s.Epoch == "" {
		return errors.NotValidf("segment %q with empty epoch", s.ID)
	}
	if s.Sequence == 0 {
		return errors.NotValidf("segment %q with zero sequence", s.ID)
	}
	if s.Checksum == "" {
		return errors.NotValidf("segment %q with empty checksum", s.ID)
	}
	return nil
}

// GapError reports a discontinuity in an epoch's segment sequence.
// Point-in-time recovery beyond the gap is impossible.
type GapError struct {
	Epoch string
	// After is the last sequence seen before the gap.
	After uint64
	// Found is the first sequence seen on the far side.
	Found uint64
}

// Error is part of the error interface.
func (e *GapError) Error() string {
	return fmt.Sprintf("gap in change log for epoch %s: segment %d follows %d", e.Epoch, e.Found, e.After)
}

// IsGap reports whether err indicates a change-log sequence gap.
func IsGap(err error) bool {
	_, ok := errors.Cause(err).(*GapError)
	return ok
}

// Sort orders segments by ascending sequence number in place.
func Sort(segments []Segment) {
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Sequence < segments[j].Sequence
	})
}

// CheckContiguous verifies that the given segments, once sorted, form a
// gapless run from the sequence following `after`. It returns a
// *GapError describing the first discontinuity found.
func CheckContiguous(segments []Segment, after uint64) error {
	Sort(segments)
	prev := after
	for i := range segments {
		if segments[i].Sequence != prev+1 {
			return &GapError{
				Epoch: segments[i].Epoch,
				After: prev,
				Found: segments[i].Sequence,
			}
		}
		prev = segments[i].Sequence
	}
	return nil
}
