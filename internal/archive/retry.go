// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package archive

import (
	"context"
	"io"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

// RetryParams bounds the backoff applied to transient archive errors.
type RetryParams struct {
	// Attempts is the maximum number of tries per call.
	Attempts int

	// Delay is the initial backoff; it doubles up to MaxDelay.
	Delay    time.Duration
	MaxDelay time.Duration

	// Clock drives the backoff waits.
	Clock clock.Clock
}

// Validate returns an error if the params are unusable.
func (p RetryParams) Validate() error {
	if p.Attempts <= 0 {
		return errors.NotValidf("retry params with non-positive attempts")
	}
	if p.Delay <= 0 {
		return errors.NotValidf("retry params with non-positive delay")
	}
	if p.Clock == nil {
		return errors.NotValidf("retry params with nil clock")
	}
	return nil
}

// retryingBackend decorates a Backend with bounded exponential backoff.
// Only transient errors are retried: integrity and not-found errors are
// diagnoses, and retrying them blindly would mask corruption.
type retryingBackend struct {
	backend Backend
	params  RetryParams
}

// WithRetry wraps the backend in bounded retry-with-backoff.
func WithRetry(backend Backend, params RetryParams) (Backend, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &retryingBackend{backend: backend, params: params}, nil
}

func isFatalArchiveError(err error) bool {
	return errors.IsNotFound(err) ||
		IsChecksumMismatch(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (b *retryingBackend) call(ctx context.Context, f func() error) error {
	err := retry.Call(retry.CallArgs{
		Func:         f,
		IsFatalError: isFatalArchiveError,
		Attempts:     b.params.Attempts,
		Delay:        b.params.Delay,
		MaxDelay:     b.params.MaxDelay,
		BackoffFunc:  retry.DoubleDelay,
		Clock:        b.params.Clock,
		Stop:         ctx.Done(),
	})
	return errors.Trace(err)
}

// Put is part of the Backend interface. Retrying an upload needs the
// payload from the start again, so only seekable readers are retried;
// one-shot streams get a single attempt.
func (b *retryingBackend) Put(ctx context.Context, name string, r io.Reader, size int64, checksum string) error {
	seeker, ok := r.(io.ReadSeeker)
	if !ok {
		return errors.Trace(b.backend.Put(ctx, name, r, size, checksum))
	}
	return errors.Trace(b.call(ctx, func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return errors.Trace(err)
		}
		return b.backend.Put(ctx, name, seeker, size, checksum)
	}))
}

// Get is part of the Backend interface.
func (b *retryingBackend) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := b.call(ctx, func() error {
		var err error
		rc, err = b.backend.Get(ctx, name)
		return err
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return rc, nil
}

// List is part of the Backend interface.
func (b *retryingBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := b.call(ctx, func() error {
		var err error
		names, err = b.backend.List(ctx, prefix)
		return err
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return names, nil
}

// Delete is part of the Backend interface.
func (b *retryingBackend) Delete(ctx context.Context, name string) error {
	return errors.Trace(b.call(ctx, func() error {
		return b.backend.Delete(ctx, name)
	}))
}
