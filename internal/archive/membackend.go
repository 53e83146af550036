// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package archive

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
)

type memObject struct {
	data     []byte
	checksum string
}

// MemBackend is an in-memory Backend for tests and ephemeral sandboxes.
type MemBackend struct {
	mu      sync.Mutex
	objects map[string]memObject
}

// NewMemBackend returns an empty MemBackend.
func NewMemBackend() *MemBackend {
	return &MemBackend{objects: make(map[string]memObject)}
}

// Put is part of the Backend interface.
func (b *MemBackend) Put(ctx context.Context, name string, r io.Reader, size int64, checksum string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Trace(err)
	}
	if size >= 0 && int64(len(data)) != size {
		return errors.Errorf("object %q: expected %d bytes, read %d", name, size, len(data))
	}
	if checksum != "" && Checksum(data) != checksum {
		return ErrChecksumMismatch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[name] = memObject{data: data, checksum: checksum}
	return nil
}

// Get is part of the Backend interface.
func (b *MemBackend) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	b.mu.Lock()
	obj, ok := b.objects[name]
	b.mu.Unlock()
	if !ok {
		return nil, errors.NotFoundf("object %q", name)
	}
	if obj.checksum != "" && Checksum(obj.data) != obj.checksum {
		return nil, errors.Annotatef(ErrChecksumMismatch, "object %q", name)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// List is part of the Backend interface.
func (b *MemBackend) List(ctx context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete is part of the Backend interface.
func (b *MemBackend) Delete(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, name)
	return nil
}

// Corrupt overwrites a stored object's content without updating its
// checksum. Test hook for integrity failure paths.
func (b *MemBackend) Corrupt(name string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if obj, ok := b.objects[name]; ok {
		obj.data = data
		b.objects[name] = obj
	}
}
