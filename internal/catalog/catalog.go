// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package catalog persists backup records, change-log segments and
// epoch markers as objects in the archive store. The durable records
// are the only coordination substrate the workers share: crash recovery
// is reading the catalog back.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/wardenhq/warden/core/backups"
	"github.com/wardenhq/warden/core/changelog"
	"github.com/wardenhq/warden/internal/archive"
)

var logger = loggo.GetLogger("warden.catalog")

const (
	recordPrefix   = "records/"
	snapshotPrefix = "snapshots/"
	segmentPrefix  = "segments/"
	payloadPrefix  = "changelog/"
	epochPrefix    = "epochs/"
)

// Catalog reads and writes the durable records backing the whole
// subsystem.
type Catalog struct {
	store archive.Backend
}

// New returns a Catalog over the given archive backend.
func New(store archive.Backend) *Catalog {
	return &Catalog{store: store}
}

func (c *Catalog) putJSON(ctx context.Context, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.store.Put(ctx, name, bytes.NewReader(data), int64(len(data)), archive.Checksum(data)))
}

func (c *Catalog) getJSON(ctx context.Context, name string, v interface{}) error {
	rc, err := c.store.Get(ctx, name)
	if err != nil {
		return errors.Trace(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(json.Unmarshal(data, v))
}

func recordPath(id string) string {
	return recordPrefix + id + ".json"
}

// SnapshotPath returns the archive object name a snapshot payload for
// the given record ID is stored under.
func SnapshotPath(id string) string {
	return snapshotPrefix + id + ".snap"
}

func segmentPath(epoch string, sequence uint64) string {
	return fmt.Sprintf("%s%s/%016x.json", segmentPrefix, epoch, sequence)
}

// SegmentPayloadPath returns the archive object name a segment payload
// is stored under.
func SegmentPayloadPath(epoch string, sequence uint64) string {
	return fmt.Sprintf("%s%s/%016x.seg", payloadPrefix, epoch, sequence)
}

// AddRecord persists a new backup record.
func (c *Catalog) AddRecord(ctx context.Context, record *backups.Record) error {
	if err := record.Validate(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.putJSON(ctx, recordPath(record.ID), record))
}

// Record returns the backup record with the given ID.
func (c *Catalog) Record(ctx context.Context, id string) (*backups.Record, error) {
	var record backups.Record
	if err := c.getJSON(ctx, recordPath(id), &record); err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFoundf("backup record %q", id)
		}
		return nil, errors.Trace(err)
	}
	return &record, nil
}

// Records returns every backup record, tombstones included, ordered by
// creation time ascending.
func (c *Catalog) Records(ctx context.Context) ([]backups.Record, error) {
	names, err := c.store.List(ctx, recordPrefix)
	if err != nil {
		return nil, errors.Trace(err)
	}
	records := make([]backups.Record, 0, len(names))
	for _, name := range names {
		var record backups.Record
		if err := c.getJSON(ctx, name, &record); err != nil {
			// A half-written record must not poison every listing.
			logger.Warningf("skipping unreadable backup record %q: %v", name, err)
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Created.Before(records[j].Created)
	})
	return records, nil
}

// SetVerification updates the verification status of a record. This is
// one of only two mutations a record ever sees.
func (c *Catalog) SetVerification(ctx context.Context, id string, status backups.VerificationStatus) error {
	record, err := c.Record(ctx, id)
	if err != nil {
		return errors.Trace(err)
	}
	record.Verification = status
	return errors.Trace(c.putJSON(ctx, recordPath(id), record))
}

// RemoveRecord deletes a record's snapshot payload and leaves a
// tombstone carrying the deletion time, so provenance survives
// retention.
func (c *Catalog) RemoveRecord(ctx context.Context, id string, when time.Time) error {
	record, err := c.Record(ctx, id)
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.store.Delete(ctx, record.SnapshotRef); err != nil {
		return errors.Annotatef(err, "deleting snapshot payload for %q", id)
	}
	record.DeletedAt = &when
	return errors.Trace(c.putJSON(ctx, recordPath(id), record))
}

// PutSnapshot streams a snapshot payload into the archive under the
// record's payload path.
func (c *Catalog) PutSnapshot(ctx context.Context, id string, r io.Reader, size int64, checksum string) error {
	return errors.Trace(c.store.Put(ctx, SnapshotPath(id), r, size, checksum))
}

// Snapshot returns the snapshot payload stream for a record.
func (c *Catalog) Snapshot(ctx context.Context, record *backups.Record) (io.ReadCloser, error) {
	rc, err := c.store.Get(ctx, record.SnapshotRef)
	return rc, errors.Trace(err)
}

// OpenEpoch persists an epoch marker. The marker makes the active
// epoch discoverable by the snapshot manager after either side
// restarts.
func (c *Catalog) OpenEpoch(ctx context.Context, epoch changelog.Epoch) error {
	return errors.Trace(c.putJSON(ctx, epochPrefix+epoch.ID+".json", epoch))
}

// CurrentEpoch returns the most recently opened epoch, or a not-found
// error when no epoch was ever opened.
func (c *Catalog) CurrentEpoch(ctx context.Context) (changelog.Epoch, error) {
	names, err := c.store.List(ctx, epochPrefix)
	if err != nil {
		return changelog.Epoch{}, errors.Trace(err)
	}
	var current changelog.Epoch
	for _, name := range names {
		var epoch changelog.Epoch
		if err := c.getJSON(ctx, name, &epoch); err != nil {
			logger.Warningf("skipping unreadable epoch marker %q: %v", name, err)
			continue
		}
		if epoch.Opened.After(current.Opened) {
			current = epoch
		}
	}
	if current.ID == "" {
		return changelog.Epoch{}, errors.NotFoundf("change-log epoch")
	}
	return current, nil
}

// AddSegment uploads a segment payload and then its manifest. The
// manifest is written last so a segment is only ever visible complete.
func (c *Catalog) AddSegment(ctx context.Context, segment changelog.Segment, payload []byte) error {
	if err := segment.Validate(); err != nil {
		return errors.Trace(err)
	}
	ref := SegmentPayloadPath(segment.Epoch, segment.Sequence)
	segment.PayloadRef = ref
	segment.Size = int64(len(payload))
	if err := c.store.Put(ctx, ref, bytes.NewReader(payload), segment.Size, segment.Checksum); err != nil {
		return errors.Annotatef(err, "uploading segment %d of epoch %s", segment.Sequence, segment.Epoch)
	}
	return errors.Trace(c.putJSON(ctx, segmentPath(segment.Epoch, segment.Sequence), segment))
}

// Segments returns the segment manifests of an epoch ordered by
// sequence number.
func (c *Catalog) Segments(ctx context.Context, epoch string) ([]changelog.Segment, error) {
	names, err := c.store.List(ctx, segmentPrefix+epoch+"/")
	if err != nil {
		return nil, errors.Trace(err)
	}
	segments := make([]changelog.Segment, 0, len(names))
	for _, name := range names {
		var segment changelog.Segment
		if err := c.getJSON(ctx, name, &segment); err != nil {
			return nil, errors.Annotatef(err, "reading segment manifest %q", name)
		}
		segments = append(segments, segment)
	}
	changelog.Sort(segments)
	return segments, nil
}

// LastSequence returns the highest segment sequence recorded for the
// epoch; zero when the epoch has no segments.
func (c *Catalog) LastSequence(ctx context.Context, epoch string) (uint64, error) {
	segments, err := c.Segments(ctx, epoch)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if len(segments) == 0 {
		return 0, nil
	}
	return segments[len(segments)-1].Sequence, nil
}

// SegmentPayload returns a segment's payload after verifying it against
// the manifest checksum. Corruption is diagnosed here, before a byte of
// it can reach a restore target.
func (c *Catalog) SegmentPayload(ctx context.Context, segment changelog.Segment) ([]byte, error) {
	rc, err := c.store.Get(ctx, segment.PayloadRef)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if archive.Checksum(data) != segment.Checksum {
		return nil, errors.Annotatef(archive.ErrChecksumMismatch, "segment %d of epoch %s", segment.Sequence, segment.Epoch)
	}
	return data, nil
}

// Epochs returns the IDs of all epochs that have segment manifests.
func (c *Catalog) Epochs(ctx context.Context) ([]string, error) {
	names, err := c.store.List(ctx, segmentPrefix)
	if err != nil {
		return nil, errors.Trace(err)
	}
	seen := make(map[string]bool)
	var epochs []string
	for _, name := range names {
		rest := strings.TrimPrefix(name, segmentPrefix)
		epoch := path.Dir(rest)
		if epoch == "." || seen[epoch] {
			continue
		}
		seen[epoch] = true
		epochs = append(epochs, epoch)
	}
	sort.Strings(epochs)
	return epochs, nil
}
