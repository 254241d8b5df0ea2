// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// modelServer serves a fake model host backed by an in-memory file map,
// honoring range requests the way a CDN would.
func modelServer(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		content, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(content))
	}))
}

func serverManifest(srv *httptest.Server, files map[string][]byte, order ...string) Manifest {
	m := Manifest{Model: "test-model", Endpoint: srv.URL}
	for _, name := range order {
		m.Files = append(m.Files, FileSpec{Name: name, Size: int64(len(files[name]))})
	}
	return m
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Event
	}
	return out
}

func (l *eventLog) count(name string) int {
	n := 0
	for _, e := range l.names() {
		if e == name {
			n++
		}
	}
	return n
}

func TestDownloader_RunDownloadsInManifestOrder(t *testing.T) {
	files := map[string][]byte{
		"config.json": payload(100),
		"shard-1.bin": payload(900),
		"shard-2.bin": payload(700),
	}
	srv := modelServer(t, files)
	defer srv.Close()

	m := serverManifest(srv, files, "config.json", "shard-1.bin", "shard-2.bin")
	cfg := fastSettings()
	cfg.ModelDir = t.TempDir()

	log := &eventLog{}
	d := NewDownloader(m, cfg, log.add)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for name, content := range files {
		assertFileEquals(t, FileSpec{Name: name}.TargetPath(cfg.ModelDir), content)
	}

	st := d.State()
	if st.Phase != PhaseCompleted {
		t.Errorf("Expected completed phase, got %s", st.Phase)
	}
	if st.Overall != 1.0 {
		t.Errorf("Expected overall 1.0, got %v", st.Overall)
	}
	if st.DownloadedBytes != m.TotalBytes() {
		t.Errorf("Expected %d downloaded bytes, got %d", m.TotalBytes(), st.DownloadedBytes)
	}

	// Transfer order follows the manifest.
	var started []string
	log.mu.Lock()
	for _, ev := range log.events {
		if ev.Event == "file_start" {
			started = append(started, ev.File)
		}
	}
	log.mu.Unlock()
	want := []string{"config.json", "shard-1.bin", "shard-2.bin"}
	if len(started) != len(want) {
		t.Fatalf("Expected %d file_start events, got %d", len(want), len(started))
	}
	for i := range want {
		if started[i] != want[i] {
			t.Errorf("Expected file %d to be %s, got %s", i, want[i], started[i])
		}
	}
	if log.count("done") != 1 {
		t.Errorf("Expected one done event, got %d", log.count("done"))
	}
}

func TestDownloader_SkipsCompleteFiles(t *testing.T) {
	files := map[string][]byte{
		"config.json": payload(100),
		"shard-1.bin": payload(900),
	}
	srv := modelServer(t, files)
	defer srv.Close()

	m := serverManifest(srv, files, "config.json", "shard-1.bin")
	cfg := fastSettings()
	cfg.ModelDir = t.TempDir()

	// Pre-place the first file complete on disk.
	writeFile(t, FileSpec{Name: "config.json"}.TargetPath(cfg.ModelDir), files["config.json"])

	log := &eventLog{}
	d := NewDownloader(m, cfg, log.add)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if log.count("file_start") != 1 {
		t.Errorf("Expected 1 file_start (complete file skipped), got %d", log.count("file_start"))
	}
	skips := 0
	log.mu.Lock()
	for _, ev := range log.events {
		if ev.Event == "file_done" && strings.HasPrefix(ev.Message, "skip") {
			skips++
		}
	}
	log.mu.Unlock()
	if skips != 1 {
		t.Errorf("Expected 1 skip, got %d", skips)
	}
}

func TestDownloader_ResumesPartialFile(t *testing.T) {
	files := map[string][]byte{
		"shard-1.bin": payload(2048),
	}
	srv := modelServer(t, files)
	defer srv.Close()

	m := serverManifest(srv, files, "shard-1.bin")
	cfg := fastSettings()
	cfg.ModelDir = t.TempDir()

	// Leave a partial on disk, as an interrupted run would.
	writeFile(t, FileSpec{Name: "shard-1.bin"}.TargetPath(cfg.ModelDir), files["shard-1.bin"][:800])

	log := &eventLog{}
	d := NewDownloader(m, cfg, log.add)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The file_start event reports the resume offset.
	log.mu.Lock()
	var startEv *Event
	for i, ev := range log.events {
		if ev.Event == "file_start" {
			startEv = &log.events[i]
		}
	}
	log.mu.Unlock()
	if startEv == nil {
		t.Fatal("Expected a file_start event")
	}
	if startEv.Downloaded != 800 {
		t.Errorf("Expected resume baseline 800, got %d", startEv.Downloaded)
	}
	assertFileEquals(t, FileSpec{Name: "shard-1.bin"}.TargetPath(cfg.ModelDir), files["shard-1.bin"])
}

func TestDownloader_CancelThenResume(t *testing.T) {
	files := map[string][]byte{
		"shard-1.bin": payload(4 << 20),
	}
	srv := modelServer(t, files)
	defer srv.Close()

	m := serverManifest(srv, files, "shard-1.bin")
	cfg := fastSettings()
	cfg.ModelDir = t.TempDir()

	log := &eventLog{}
	d := NewDownloader(m, cfg, log.add)

	// Cancel as soon as the first progress lands.
	var once sync.Once
	emitAndCancel := func(ev Event) {
		log.add(ev)
		if ev.Event == "file_progress" {
			once.Do(d.Cancel)
		}
	}
	d.emit = stamped(emitAndCancel)

	err := d.Run(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if d.State().Phase != PhaseCancelled {
		t.Errorf("Expected cancelled phase, got %s", d.State().Phase)
	}

	// A cancelled run is resumable and finishes the file.
	if err := d.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if d.State().Phase != PhaseCompleted {
		t.Errorf("Expected completed phase after resume, got %s", d.State().Phase)
	}
	assertFileEquals(t, FileSpec{Name: "shard-1.bin"}.TargetPath(cfg.ModelDir), files["shard-1.bin"])
}

func TestDownloader_FailureClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := Manifest{Model: "gated", Endpoint: srv.URL, Files: []FileSpec{{Name: "a.bin", Size: 100}}}
	cfg := fastSettings()
	cfg.ModelDir = t.TempDir()

	d := NewDownloader(m, cfg, nil)
	err := d.Run(context.Background())

	var se *SetupError
	if !errors.As(err, &se) {
		t.Fatalf("Expected SetupError, got %v", err)
	}
	if se.Kind != KindAuthRequired {
		t.Errorf("Expected authentication_required, got %s", se.Kind)
	}
	if d.State().Phase != PhaseFailed {
		t.Errorf("Expected failed phase, got %s", d.State().Phase)
	}
	if d.State().Err == nil || d.State().Err.Kind != KindAuthRequired {
		t.Error("Expected the error to surface in the aggregate state")
	}
}

func TestDownloader_RejectsConcurrentRuns(t *testing.T) {
	files := map[string][]byte{"a.bin": payload(4 << 20)}
	srv := modelServer(t, files)
	defer srv.Close()

	m := serverManifest(srv, files, "a.bin")
	cfg := fastSettings()
	cfg.ModelDir = t.TempDir()

	d := NewDownloader(m, cfg, nil)

	started := make(chan struct{})
	var once sync.Once
	d.emit = stamped(func(ev Event) {
		if ev.Event == "file_start" {
			once.Do(func() { close(started) })
		}
	})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	<-started

	if err := d.Run(context.Background()); !errors.Is(err, ErrDownloadActive) {
		t.Errorf("Expected ErrDownloadActive, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("First run failed: %v", err)
	}
}

func TestDownloader_StatePublishedToSubscribers(t *testing.T) {
	files := map[string][]byte{"a.bin": payload(512)}
	srv := modelServer(t, files)
	defer srv.Close()

	m := serverManifest(srv, files, "a.bin")
	cfg := fastSettings()
	cfg.ModelDir = t.TempDir()

	d := NewDownloader(m, cfg, nil)
	ch := d.Subscribe()
	defer d.Unsubscribe(ch)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var last DownloadState
	var prev float64
	for {
		select {
		case st := <-ch:
			if st.Overall < prev {
				t.Errorf("Published progress regressed from %v to %v", prev, st.Overall)
			}
			prev = st.Overall
			last = st
			continue
		default:
		}
		break
	}
	if last.Phase != PhaseCompleted {
		t.Errorf("Expected final published phase completed, got %s", last.Phase)
	}
	if last.RunID == "" {
		t.Error("Expected a run ID on published state")
	}
}
