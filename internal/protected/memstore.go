// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package protected

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/wardenhq/warden/core/backups"
)

// snapshotPayload is the wire format of a MemStore snapshot.
type snapshotPayload struct {
	Collections map[string]map[string][]byte `json:"collections"`
}

// MemStore is an in-memory implementation of the protected store
// interfaces. It serves three roles: the isolated sandbox the verifier
// restores into, the destination a rebuilt standby is restored into in
// local deployments, and the store double in tests.
type MemStore struct {
	mu          sync.Mutex
	clock       clock.Clock
	collections map[string]map[string][]byte

	// log is the ordered change stream; stream IDs start at 1.
	log []Mutation

	// applied tracks the highest applied segment sequence per epoch.
	applied map[string]uint64

	// subs are live change-stream subscribers.
	subs []chan Mutation

	// sampleLimit bounds how many verification samples a snapshot
	// reports.
	sampleLimit int
}

// NewMemStore returns an empty MemStore stamping mutations with the
// given clock.
func NewMemStore(clock clock.Clock) *MemStore {
	return &MemStore{
		clock:       clock,
		collections: make(map[string]map[string][]byte),
		applied:     make(map[string]uint64),
		sampleLimit: 64,
	}
}

// Set writes a record and appends the mutation to the change stream.
func (s *MemStore) Set(collection, key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(collection, key, value, s.clock.Now())
	s.appendLocked(Mutation{
		Collection: collection,
		Key:        key,
		Op:         OpSet,
		Value:      append([]byte(nil), value...),
		Time:       s.clock.Now(),
	})
}

// Delete removes a record and appends the mutation to the change stream.
func (s *MemStore) Delete(collection, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(collection, key)
	s.appendLocked(Mutation{
		Collection: collection,
		Key:        key,
		Op:         OpDelete,
		Time:       s.clock.Now(),
	})
}

// Get returns a copy of a record's value.
func (s *MemStore) Get(collection, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.collections[collection][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), value...), true
}

func (s *MemStore) setLocked(collection, key string, value []byte, _ time.Time) {
	records, ok := s.collections[collection]
	if !ok {
		records = make(map[string][]byte)
		s.collections[collection] = records
	}
	records[key] = append([]byte(nil), value...)
}

func (s *MemStore) deleteLocked(collection, key string) {
	if records, ok := s.collections[collection]; ok {
		delete(records, key)
		if len(records) == 0 {
			delete(s.collections, collection)
		}
	}
}

func (s *MemStore) appendLocked(m Mutation) {
	m.StreamID = uint64(len(s.log)) + 1
	s.log = append(s.log, m)
	for _, sub := range s.subs {
		select {
		case sub <- m:
		default:
			// Subscriber fell behind; it will notice the stream gap
			// from the IDs and resynchronise.
		}
	}
}

// Snapshot is part of the SnapshotSource interface. The snapshot is a
// consistent copy taken under the store lock; writers continue as soon
// as the copy is made, not when the stream is drained.
func (s *MemStore) Snapshot(ctx context.Context) (io.ReadCloser, SnapshotInfo, error) {
	s.mu.Lock()
	payload := snapshotPayload{Collections: make(map[string]map[string][]byte, len(s.collections))}
	info := SnapshotInfo{
		Taken:       s.clock.Now(),
		Collections: make(map[string]int, len(s.collections)),
	}
	for name, records := range s.collections {
		copied := make(map[string][]byte, len(records))
		for key, value := range records {
			copied[key] = append([]byte(nil), value...)
		}
		payload.Collections[name] = copied
		info.Collections[name] = len(records)
	}
	s.mu.Unlock()

	info.Samples = samplePayload(payload, s.sampleLimit)

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, SnapshotInfo{}, errors.Annotate(err, "encoding snapshot")
	}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

// Changes is part of the ChangeSource interface.
func (s *MemStore) Changes(ctx context.Context, after uint64) (<-chan Mutation, error) {
	s.mu.Lock()
	backlog := make([]Mutation, 0)
	for _, m := range s.log {
		if m.StreamID > after {
			backlog = append(backlog, m)
		}
	}
	live := make(chan Mutation, 128)
	s.subs = append(s.subs, live)
	s.mu.Unlock()

	out := make(chan Mutation)
	go func() {
		defer close(out)
		defer s.unsubscribe(live)
		last := after
		for _, m := range backlog {
			select {
			case out <- m:
				last = m.StreamID
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case m := <-live:
				if m.StreamID <= last {
					continue
				}
				select {
				case out <- m:
					last = m.StreamID
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *MemStore) unsubscribe(ch chan Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// LoadSnapshot is part of the Destination interface.
func (s *MemStore) LoadSnapshot(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Annotate(err, "reading snapshot payload")
	}
	var payload snapshotPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return errors.Annotate(err, "decoding snapshot payload")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[string]map[string][]byte, len(payload.Collections))
	for name, records := range payload.Collections {
		copied := make(map[string][]byte, len(records))
		for key, value := range records {
			copied[key] = append([]byte(nil), value...)
		}
		s.collections[name] = copied
	}
	s.applied = make(map[string]uint64)
	return nil
}

// AppliedSequence is part of the Destination interface.
func (s *MemStore) AppliedSequence(ctx context.Context, epoch string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[epoch], nil
}

// ApplySegment is part of the Destination interface. Application is
// all-or-nothing under the store lock, and an already-applied sequence
// is a no-op.
func (s *MemStore) ApplySegment(ctx context.Context, epoch string, sequence uint64, mutations []Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sequence <= s.applied[epoch] {
		return nil
	}
	for _, m := range mutations {
		switch m.Op {
		case OpSet:
			s.setLocked(m.Collection, m.Key, m.Value, m.Time)
		case OpDelete:
			s.deleteLocked(m.Collection, m.Key)
		default:
			return errors.NotValidf("mutation operation %q", m.Op)
		}
	}
	s.applied[epoch] = sequence
	return nil
}

// Counts is part of the Destination interface.
func (s *MemStore) Counts(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(s.collections))
	for name, records := range s.collections {
		counts[name] = len(records)
	}
	return counts, nil
}

// Checksum is part of the Destination interface.
func (s *MemStore) Checksum(ctx context.Context, collection, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.collections[collection][key]
	if !ok {
		return "", errors.NotFoundf("record %s/%s", collection, key)
	}
	return RecordChecksum(value), nil
}

// samplePayload picks a deterministic spread of records to checksum.
// Keys are sorted so repeated snapshots of identical content sample
// identically.
func samplePayload(payload snapshotPayload, limit int) []backups.Sample {
	var samples []backups.Sample
	names := make([]string, 0, len(payload.Collections))
	for name := range payload.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		records := payload.Collections[name]
		keys := make([]string, 0, len(records))
		for key := range records {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		stride := len(keys)/limit + 1
		for i := 0; i < len(keys); i += stride {
			if len(samples) >= limit {
				return samples
			}
			key := keys[i]
			samples = append(samples, backups.Sample{
				Collection: name,
				Key:        key,
				Checksum:   RecordChecksum(records[key]),
			})
		}
	}
	return samples
}
