// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package archive

import (
	"context"
	"io"

	"github.com/juju/ratelimit"
)

// limitedBackend throttles transfer bandwidth through a shared token
// bucket so backup traffic cannot starve the protected store's own
// clients of network.
type limitedBackend struct {
	backend Backend
	bucket  *ratelimit.Bucket
}

// WithRateLimit bounds the backend's combined transfer rate to
// bytesPerSecond. Zero or negative means no limit.
func WithRateLimit(backend Backend, bytesPerSecond int64) Backend {
	if bytesPerSecond <= 0 {
		return backend
	}
	return &limitedBackend{
		backend: backend,
		bucket:  ratelimit.NewBucketWithRate(float64(bytesPerSecond), bytesPerSecond),
	}
}

// Put is part of the Backend interface.
func (b *limitedBackend) Put(ctx context.Context, name string, r io.Reader, size int64, checksum string) error {
	return b.backend.Put(ctx, name, ratelimit.Reader(r, b.bucket), size, checksum)
}

// Get is part of the Backend interface.
func (b *limitedBackend) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := b.backend.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return &limitedReadCloser{Reader: ratelimit.Reader(rc, b.bucket), closer: rc}, nil
}

// List is part of the Backend interface.
func (b *limitedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	return b.backend.List(ctx, prefix)
}

// Delete is part of the Backend interface.
func (b *limitedBackend) Delete(ctx context.Context, name string) error {
	return b.backend.Delete(ctx, name)
}

type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (r *limitedReadCloser) Close() error {
	return r.closer.Close()
}
