// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package protected defines the interfaces through which the backup
// subsystem reaches the protected data store. The store itself, the
// application and database layer, is out of scope and appears only
// behind these interfaces.
package protected

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"time"

	"github.com/wardenhq/warden/core/backups"
)

// Operation is the kind of a single mutation.
type Operation string

const (
	OpSet    Operation = "set"
	OpDelete Operation = "delete"
)

// Mutation is one entry in the protected store's ordered change stream.
type Mutation struct {
	// StreamID is the mutation's monotonic position in the change
	// stream. The archiver uses it to detect discontinuities.
	StreamID uint64 `json:"stream-id"`

	// Collection and Key address the mutated record.
	Collection string `json:"collection"`
	Key        string `json:"key"`

	// Op says whether the record was written or removed.
	Op Operation `json:"op"`

	// Value is the new content for OpSet; nil for OpDelete.
	Value []byte `json:"value,omitempty"`

	// Time is when the mutation was committed.
	Time time.Time `json:"time"`
}

// SnapshotInfo describes a consistent snapshot at the moment it was
// captured.
type SnapshotInfo struct {
	// Taken is the point in time the snapshot is consistent at.
	Taken time.Time

	// Collections holds per-collection record counts.
	Collections map[string]int

	// Samples are checksums of individual records, for sampled
	// verification against the restored copy.
	Samples []backups.Sample
}

// SnapshotSource produces consistent point-in-time snapshots of the
// protected store while it keeps accepting writes.
type SnapshotSource interface {
	// Snapshot returns a stream of the snapshot payload and its
	// description. The caller owns the reader.
	Snapshot(ctx context.Context) (io.ReadCloser, SnapshotInfo, error)
}

// ChangeSource exposes the store's ordered, replayable change stream.
type ChangeSource interface {
	// Changes returns mutations with StreamID greater than after, in
	// order, until ctx is done.
	Changes(ctx context.Context, after uint64) (<-chan Mutation, error)
}

// Destination is a store contents can be restored into: a live replica
// during failover, or an isolated sandbox during verification.
type Destination interface {
	// LoadSnapshot replaces the destination's contents with the
	// snapshot payload.
	LoadSnapshot(ctx context.Context, r io.Reader) error

	// AppliedSequence returns the highest segment sequence applied to
	// the destination for the given epoch. Zero means none.
	AppliedSequence(ctx context.Context, epoch string) (uint64, error)

	// ApplySegment applies a segment's mutations all-or-nothing and
	// records the sequence as applied. Re-applying an already-applied
	// sequence is a no-op, which makes crashed-and-retried restores
	// converge.
	ApplySegment(ctx context.Context, epoch string, sequence uint64, mutations []Mutation) error

	// Counts returns per-collection record counts.
	Counts(ctx context.Context) (map[string]int, error)

	// Checksum returns the checksum of a single record, in the system
	// checksum format, or a not-found error.
	Checksum(ctx context.Context, collection, key string) (string, error)
}

// RecordChecksum returns the checksum of a record value in the system
// checksum format.
func RecordChecksum(value []byte) string {
	sum := sha256.Sum256(value)
	return base64.StdEncoding.EncodeToString(sum[:])
}
