// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package backups holds the domain records describing backup archives
// and the retention rules applied to them.
package backups

import (
	"time"

	"github.com/juju/errors"
)

// ChecksumFormat identifies the kind (and encoding) of checksum carried
// by records and segments throughout the system.
const ChecksumFormat = "SHA-256, base64 encoded"

// Tier is a named backup frequency and retention class.
type Tier string

const (
	TierContinuous Tier = "continuous"
	TierDaily      Tier = "daily"
	TierWeekly     Tier = "weekly"
	TierMonthly    Tier = "monthly"
)

// Tiers lists every known tier, most frequent first.
var Tiers = []Tier{TierContinuous, TierDaily, TierWeekly, TierMonthly}

// ParseTier returns the Tier named by s.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", errors.NotValidf("backup tier %q", s)
}

// VerificationStatus records the outcome of the most recent restore
// verification run against a backup record.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationPassed     VerificationStatus = "passed"
	VerificationFailed     VerificationStatus = "failed"
)

// Sample is the checksum of a single record captured from the protected
// store at snapshot time. The verifier compares restored content against
// these without ever touching production.
type Sample struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Checksum   string `json:"checksum"`
}

// Record is the metadata for a single backup archive. A record is
// immutable once created; only the verification status and the deletion
// marker ever change.
type Record struct {
	// ID is the unique ID assigned when the snapshot is taken. It also
	// names the snapshot epoch that change-log segments anchor to.
	ID string `json:"id"`

	// Tier is the retention class the snapshot was taken under.
	Tier Tier `json:"tier"`

	// Created records when the snapshot was captured.
	Created time.Time `json:"created"`

	// SnapshotRef is the archive object holding the snapshot payload.
	SnapshotRef string `json:"snapshot-ref"`

	// Epoch is the change-log epoch that was active when the snapshot
	// was captured. Segments of this epoch created after the snapshot
	// replay on top of it. Empty when no change log had started yet, in
	// which case the record anchors an epoch named by its own ID.
	Epoch string `json:"epoch,omitempty"`

	// Size is the size of the uploaded snapshot in bytes.
	Size int64 `json:"size"`

	// Checksum is the checksum of the uploaded snapshot, in
	// ChecksumFormat.
	Checksum string `json:"checksum"`

	// EncryptionKeyRef names the key used to encrypt the payload, if
	// any. Empty means the payload is stored in the clear.
	EncryptionKeyRef string `json:"encryption-key-ref,omitempty"`

	// Verification is the outcome of the latest verification run.
	Verification VerificationStatus `json:"verification"`

	// Collections holds the per-collection record counts observed at
	// snapshot time, used by verification.
	Collections map[string]int `json:"collections,omitempty"`

	// Samples are checksums of individual records captured at snapshot
	// time, used for sampled verification.
	Samples []Sample `json:"samples,omitempty"`

	// DeletedAt is set when retention enforcement removes the archive.
	// The tombstone remains so provenance is never lost.
	DeletedAt *time.Time `json:"deleted-at,omitempty"`
}

// Deleted reports whether the record's archive has been removed by
// retention enforcement.
func (r *Record) Deleted() bool {
	return r.DeletedAt != nil
}

// EpochID returns the epoch this record anchors: the change-log epoch
// active at snapshot time, or the record's own ID when none was.
func (r *Record) EpochID() string {
	if r.Epoch != "" {
		return r.Epoch
	}
	return r.ID
}

// Validate returns an error if the record is malformed.
func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.NotValidf("backup record with empty ID")
	}
	if _, err := ParseTier(string(r.Tier)); err != nil {
		return errors.Trace(err)
	}
	if r.Created.IsZero() {
		return errors.NotValidf("backup record %q with zero creation time", r.ID)
	}
	if r.Checksum == "" {
		return errors.NotValidf("backup record %q with empty checksum", r.ID)
	}
	return nil
}

// Policy is the retention configuration for one tier.
type Policy struct {
	// Interval is how often a snapshot of this tier is taken.
	Interval time.Duration

	// MaxAge is how old a record may grow before it becomes a deletion
	// candidate. Zero means age never expires records of this tier.
	MaxAge time.Duration

	// MaxCount bounds how many records of this tier are kept. Zero
	// means the count is unbounded.
	MaxCount int
}

// Validate returns an error if the policy is unusable.
func (p Policy) Validate() error {
	if p.Interval <= 0 {
		return errors.NotValidf("retention policy with non-positive interval")
	}
	if p.MaxAge < 0 {
		return errors.NotValidf("retention policy with negative max age")
	}
	if p.MaxCount < 0 {
		return errors.NotValidf("retention policy with negative max count")
	}
	return nil
}

// SnapshotRequest asks the snapshot manager for an out-of-schedule
// snapshot anchoring the given epoch. The change log archiver issues one
// whenever it opens a new epoch, since point-in-time recovery within an
// epoch is only possible on top of a snapshot taken for it.
type SnapshotRequest struct {
	// Epoch is the epoch the new snapshot must anchor.
	Epoch string

	// Reason is recorded in logs and alerts.
	Reason string
}
