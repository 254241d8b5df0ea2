// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// copyChunk is the write granularity. Cancellation is checked between
// chunks, so a cancel never leaves a partially written chunk behind.
const copyChunk = 256 << 10

const defaultStallTimeout = 60 * time.Second

// transferFile downloads one manifest file to dst, resuming from the bytes
// already on disk via a range request. Transient failures are retried with
// exponential backoff up to cfg.Retries times; 401/403 responses are
// surfaced immediately without retry. onDelta receives byte deltas as whole
// chunks are flushed (negative once if the file has to restart from zero).
func transferFile(ctx context.Context, httpc *http.Client, cfg Settings, spec FileSpec, url, dst string, onDelta func(int64), emit EventFunc) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	offset := int64(0)
	if fi, err := os.Stat(dst); err == nil {
		if fi.Size() > spec.Size {
			// Oversized partials cannot be trusted.
			if err := os.Truncate(dst, 0); err != nil {
				return err
			}
		} else {
			offset = fi.Size()
		}
	}
	if offset == spec.Size {
		return verifyTransferred(spec, dst)
	}

	retry := newRetry(cfg)
	retries := cfg.Retries
	if retries <= 0 {
		retries = 4
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			emit(Event{Event: "retry", File: spec.Name, Attempt: attempt, Message: lastErr.Error()})
			if !sleepCtx(ctx, retry.Next()) {
				return ctx.Err()
			}
		}

		err := transferAttempt(ctx, httpc, cfg, spec, url, dst, &offset, onDelta)
		if err == nil {
			return verifyTransferred(spec, dst)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRequired) {
			return err
		}
		var he *HTTPError
		if errors.As(err, &he) && !he.IsRetryable() {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("download %s: %w", spec.Name, lastErr)
}

// transferAttempt performs a single ranged request and copies the body to
// disk. offset tracks the on-disk byte count across attempts.
func transferAttempt(ctx context.Context, httpc *http.Client, cfg Settings, spec FileSpec, url, dst string, offset *int64, onDelta func(int64)) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	addAuth(req, cfg.Token)
	if *offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", *offset))
	}

	// Stall watchdog: aborts the attempt when no progress is made for a
	// while. Armed before the request so a host that accepts the
	// connection but never sends headers is bounded too; reset when the
	// headers arrive and on every read that yields bytes.
	stall := parseDurationDefault(cfg.StallTimeout, defaultStallTimeout)
	watchdog := time.AfterFunc(stall, cancel)
	defer watchdog.Stop()

	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	watchdog.Reset(stall)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// Resuming at offset.
	case http.StatusOK:
		// Server ignored (or never saw) the range request: the whole file
		// is coming, so the partial has to go.
		if *offset > 0 {
			if err := os.Truncate(dst, 0); err != nil {
				return err
			}
			onDelta(-*offset)
			*offset = 0
		}
	default:
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, URL: url}
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(*offset, io.SeekStart); err != nil {
		return err
	}

	buf := make([]byte, copyChunk)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(stall)
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
			*offset += int64(n)
			onDelta(int64(n))
		}
		if rerr == io.EOF {
			if *offset < spec.Size {
				// Connection closed early; resume on the next attempt.
				return io.ErrUnexpectedEOF
			}
			return f.Sync()
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return rerr
		}
	}
}
