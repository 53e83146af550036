// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"
)

const checksumSuffix = ".sha256"

// FSBackend stores blobs under a root directory. It backs the isolated
// verification sandbox and small single-node deployments; the checksum
// of each object lives in a sidecar so reads can verify integrity.
type FSBackend struct {
	root string
}

// NewFSBackend returns a Backend rooted at dir, creating it if needed.
func NewFSBackend(dir string) (*FSBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Annotate(err, "creating archive root")
	}
	return &FSBackend{root: dir}, nil
}

func (b *FSBackend) path(name string) string {
	return filepath.Join(b.root, filepath.FromSlash(name))
}

// Put is part of the Backend interface. The object is written to a
// temp file and renamed into place so readers never observe a partial
// blob.
func (b *FSBackend) Put(ctx context.Context, name string, r io.Reader, size int64, checksum string) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	path := b.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Trace(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-")
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := NewHashingWriter(tmp)
	if _, err := io.Copy(hasher, r); err != nil {
		return errors.Annotatef(err, "writing object %q", name)
	}
	if size >= 0 && hasher.Size() != size {
		return errors.Errorf("object %q: expected %d bytes, wrote %d", name, size, hasher.Size())
	}
	if checksum != "" && hasher.Checksum() != checksum {
		return errors.Annotatef(ErrChecksumMismatch, "uploading object %q", name)
	}
	if err := tmp.Close(); err != nil {
		return errors.Trace(err)
	}
	if checksum != "" {
		if err := os.WriteFile(path+checksumSuffix, []byte(checksum), 0600); err != nil {
			return errors.Trace(err)
		}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Get is part of the Backend interface. Content is read fully and
// verified against the sidecar checksum before being returned, so a
// corrupted blob is diagnosed rather than silently restored.
func (b *FSBackend) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	path := b.path(name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("object %q", name)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	want, err := os.ReadFile(path + checksumSuffix)
	if err == nil && len(want) > 0 && Checksum(data) != string(want) {
		return nil, errors.Annotatef(ErrChecksumMismatch, "object %q", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// List is part of the Backend interface.
func (b *FSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	var names []string
	err := filepath.Walk(b.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if strings.HasSuffix(path, checksumSuffix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete is part of the Backend interface.
func (b *FSBackend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	path := b.path(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	if err := os.Remove(path + checksumSuffix); err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}
