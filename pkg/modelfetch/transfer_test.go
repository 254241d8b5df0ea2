// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastSettings() Settings {
	cfg := DefaultSettings()
	cfg.BackoffInitial = "1ms"
	cfg.BackoffMax = "5ms"
	return cfg
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func noDelta(int64) {}
func noEvent(Event) {}

func TestTransferFile_FreshDownload(t *testing.T) {
	content := payload(1 << 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	spec := FileSpec{Name: "a.bin", Size: int64(len(content))}
	dst := spec.TargetPath(dir)

	var got int64
	err := transferFile(context.Background(), srv.Client(), fastSettings(), spec, srv.URL, dst, func(d int64) { got += d }, noEvent)
	if err != nil {
		t.Fatalf("transferFile failed: %v", err)
	}
	if got != spec.Size {
		t.Errorf("Expected %d delta bytes, got %d", spec.Size, got)
	}
	assertFileEquals(t, dst, content)
}

func TestTransferFile_ResumesFromPartial(t *testing.T) {
	content := payload(1 << 10)
	var sawRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		sawRange.Store(rng)
		var offset int
		if _, err := fmt.Sscanf(rng, "bytes=%d-", &offset); err != nil || offset == 0 {
			t.Errorf("Expected a range request, got %q", rng)
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[offset:])
	}))
	defer srv.Close()

	dir := t.TempDir()
	spec := FileSpec{Name: "a.bin", Size: int64(len(content))}
	dst := spec.TargetPath(dir)
	writeFile(t, dst, content[:300])

	var got int64
	err := transferFile(context.Background(), srv.Client(), fastSettings(), spec, srv.URL, dst, func(d int64) { got += d }, noEvent)
	if err != nil {
		t.Fatalf("transferFile failed: %v", err)
	}
	if got != spec.Size-300 {
		t.Errorf("Expected %d delta bytes for the resumed tail, got %d", spec.Size-300, got)
	}
	// The resumed file must be byte-identical to a fresh download.
	assertFileEquals(t, dst, content)
}

func TestTransferFile_RestartWhenRangeIgnored(t *testing.T) {
	content := payload(600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignore the Range header entirely.
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	spec := FileSpec{Name: "a.bin", Size: int64(len(content))}
	dst := spec.TargetPath(dir)
	writeFile(t, dst, content[:200])

	var deltas []int64
	err := transferFile(context.Background(), srv.Client(), fastSettings(), spec, srv.URL, dst, func(d int64) { deltas = append(deltas, d) }, noEvent)
	if err != nil {
		t.Fatalf("transferFile failed: %v", err)
	}
	if len(deltas) == 0 || deltas[0] != -200 {
		t.Errorf("Expected a leading -200 delta for the discarded partial, got %v", deltas)
	}
	assertFileEquals(t, dst, content)
}

func TestTransferFile_RetriesTransientErrors(t *testing.T) {
	content := payload(128)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	spec := FileSpec{Name: "a.bin", Size: int64(len(content))}
	dst := spec.TargetPath(dir)

	var retries int
	emit := func(ev Event) {
		if ev.Event == "retry" {
			retries++
		}
	}
	err := transferFile(context.Background(), srv.Client(), fastSettings(), spec, srv.URL, dst, noDelta, emit)
	if err != nil {
		t.Fatalf("transferFile failed: %v", err)
	}
	if retries != 2 {
		t.Errorf("Expected 2 retry events, got %d", retries)
	}
	assertFileEquals(t, dst, content)
}

func TestTransferFile_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	spec := FileSpec{Name: "a.bin", Size: 100}
	cfg := fastSettings()
	cfg.Retries = 3

	err := transferFile(context.Background(), srv.Client(), cfg, spec, srv.URL, spec.TargetPath(dir), noDelta, noEvent)
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	// Initial attempt plus three retries.
	if got := calls.Load(); got != 4 {
		t.Errorf("Expected 4 attempts, got %d", got)
	}
}

func TestTransferFile_AuthNeverRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	spec := FileSpec{Name: "a.bin", Size: 100}

	err := transferFile(context.Background(), srv.Client(), fastSettings(), spec, srv.URL, spec.TargetPath(dir), noDelta, noEvent)
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("Expected ErrAuthRequired, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected a single attempt for an auth failure, got %d", got)
	}
}

func TestTransferFile_SendsBearerToken(t *testing.T) {
	content := payload(64)
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	spec := FileSpec{Name: "a.bin", Size: int64(len(content))}
	cfg := fastSettings()
	cfg.Token = "secret-token"

	if err := transferFile(context.Background(), srv.Client(), cfg, spec, srv.URL, spec.TargetPath(dir), noDelta, noEvent); err != nil {
		t.Fatalf("transferFile failed: %v", err)
	}
	if got, _ := auth.Load().(string); got != "Bearer secret-token" {
		t.Errorf("Expected bearer token header, got %q", got)
	}
}

func TestTransferFile_CancelKeepsPartial(t *testing.T) {
	content := payload(4 << 20) // several chunks
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		w.Write(content[:1<<20])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Hold the rest until the client goes away.
		<-r.Context().Done()
	}))
	defer srv.Close()

	dir := t.TempDir()
	spec := FileSpec{Name: "a.bin", Size: int64(len(content))}
	dst := spec.TargetPath(dir)

	onDelta := func(int64) { cancel() }
	err := transferFile(ctx, srv.Client(), fastSettings(), spec, srv.URL, dst, onDelta, noEvent)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	fi, statErr := os.Stat(dst)
	if statErr != nil {
		t.Fatalf("Expected partial file to remain: %v", statErr)
	}
	if fi.Size() == 0 || fi.Size() >= spec.Size {
		t.Errorf("Expected a partial file, got %d of %d bytes", fi.Size(), spec.Size)
	}
	if !bytes.Equal(readFile(t, dst), content[:fi.Size()]) {
		t.Error("Partial file content diverges from the source prefix")
	}
}

func TestTransferFile_TruncatedBodyResumes(t *testing.T) {
	content := payload(1 << 10)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var offset int
		fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-", &offset)
		if offset > 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(content)-1, len(content)))
			w.WriteHeader(http.StatusPartialContent)
		}
		if n == 1 {
			// Close early after half the body.
			w.Write(content[offset : offset+512])
			return
		}
		w.Write(content[offset:])
	}))
	defer srv.Close()

	dir := t.TempDir()
	spec := FileSpec{Name: "a.bin", Size: int64(len(content))}
	dst := spec.TargetPath(dir)

	err := transferFile(context.Background(), srv.Client(), fastSettings(), spec, srv.URL, dst, noDelta, noEvent)
	if err != nil {
		t.Fatalf("transferFile failed: %v", err)
	}
	if calls.Load() < 2 {
		t.Error("Expected the truncated attempt to be retried")
	}
	assertFileEquals(t, dst, content)
}

func TestTransferFile_ChecksumMismatchRemovesFile(t *testing.T) {
	content := payload(256)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	spec := FileSpec{
		Name:   "a.bin",
		Size:   int64(len(content)),
		SHA256: strings.Repeat("0", 64), // deliberately wrong
	}
	dst := spec.TargetPath(dir)

	err := transferFile(context.Background(), srv.Client(), fastSettings(), spec, srv.URL, dst, noDelta, noEvent)
	var ve *VerificationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected VerificationError, got %v", err)
	}
	if _, statErr := os.Stat(dst); !os.IsNotExist(statErr) {
		t.Error("Expected the corrupt file to be removed")
	}
}

func TestTransferFile_HeaderStallBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Accept the request but never send headers.
		<-r.Context().Done()
	}))
	defer srv.Close()

	dir := t.TempDir()
	spec := FileSpec{Name: "a.bin", Size: 100}
	cfg := fastSettings()
	cfg.StallTimeout = "100ms"
	cfg.Retries = 1

	done := make(chan error, 1)
	go func() {
		done <- transferFile(context.Background(), srv.Client(), cfg, spec, srv.URL, spec.TargetPath(dir), noDelta, noEvent)
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Expected an error from a host that never sends headers")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Transfer did not abort a header-phase stall")
	}
}

func TestTransferFile_AlreadyCompleteSkipsNetwork(t *testing.T) {
	content := payload(128)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("No request expected for a complete file")
	}))
	defer srv.Close()

	dir := t.TempDir()
	spec := FileSpec{Name: "a.bin", Size: int64(len(content))}
	dst := spec.TargetPath(dir)
	writeFile(t, dst, content)

	if err := transferFile(context.Background(), srv.Client(), fastSettings(), spec, srv.URL, dst, noDelta, noEvent); err != nil {
		t.Fatalf("transferFile failed: %v", err)
	}
}

func assertFileEquals(t *testing.T, path string, want []byte) {
	t.Helper()
	got := readFile(t, path)
	if !bytes.Equal(got, want) {
		t.Errorf("File %s differs from expected content (%d vs %d bytes)", filepath.Base(path), len(got), len(want))
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}
