// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package archive is the uniform client for the durable, versioned
// blob store every other component persists through. Backends exist for
// S3-compatible object stores, the local filesystem, and memory;
// decorators add bounded retry and transfer rate limiting.
package archive

import (
	"context"
	"io"

	"github.com/juju/errors"
)

const (
	// ErrChecksumMismatch indicates stored content no longer matches
	// its recorded checksum. Integrity errors are never retried
	// blindly; they are surfaced as a diagnosed failure.
	ErrChecksumMismatch = errors.ConstError("checksum mismatch")
)

// IsChecksumMismatch reports whether err is an integrity failure.
func IsChecksumMismatch(err error) bool {
	return errors.Is(err, ErrChecksumMismatch)
}

// Backend is durable blob storage with strong read-after-write
// consistency. Object names are slash-separated paths. Every call must
// be given a context carrying the caller's timeout.
type Backend interface {
	// Put stores the blob under name. The checksum (system checksum
	// format) is stored alongside the object so integrity can be
	// checked server-side and on later reads; size is the exact
	// payload length.
	Put(ctx context.Context, name string, r io.Reader, size int64, checksum string) error

	// Get returns the named blob. Content is verified against the
	// stored checksum where the backend holds one; a mismatch returns
	// ErrChecksumMismatch. A missing object returns a not-found error.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// List returns the names of objects under the prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the named object. Deleting a missing object is
	// not an error.
	Delete(ctx context.Context, name string) error
}
