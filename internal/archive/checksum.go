// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package archive

import (
	"crypto/sha256"
	"encoding/base64"
	"hash"
	"io"
)

// Checksum returns the checksum of data in the system checksum format
// (SHA-256, base64 encoded).
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HashingWriter wraps a writer, hashing and counting everything written
// through it so uploads can be checksummed and sized in one pass.
type HashingWriter struct {
	wrapped io.Writer
	hasher  hash.Hash
	size    int64
}

// NewHashingWriter returns a HashingWriter around the given writer.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{wrapped: w, hasher: sha256.New()}
}

// Write is part of the io.Writer interface.
func (w *HashingWriter) Write(p []byte) (int, error) {
	n, err := w.wrapped.Write(p)
	w.hasher.Write(p[:n])
	w.size += int64(n)
	return n, err
}

// Checksum returns the checksum of everything written so far, in the
// system checksum format.
func (w *HashingWriter) Checksum() string {
	return base64.StdEncoding.EncodeToString(w.hasher.Sum(nil))
}

// Size returns the number of bytes written so far.
func (w *HashingWriter) Size() int64 {
	return w.size
}
