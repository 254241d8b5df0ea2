// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestSetup_CompleteModelSkipsDownload(t *testing.T) {
	m := testManifest()
	cfg := fastSettings()
	cfg.ModelDir = t.TempDir()
	for _, f := range m.Files {
		writeFile(t, f.TargetPath(cfg.ModelDir), make([]byte, f.Size))
	}

	log := &eventLog{}
	var loaded bool
	loader := LoaderFunc(func(ctx context.Context, dir string) error {
		loaded = true
		if dir != cfg.ModelDir {
			t.Errorf("Expected loader dir %s, got %s", cfg.ModelDir, dir)
		}
		return nil
	})

	s := NewSetup(m, cfg, loader, log.add)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !loaded {
		t.Error("Expected the loader to run")
	}
	snap := s.Snapshot()
	if !snap.Complete || snap.Step != StepComplete {
		t.Errorf("Expected complete, got step %s", snap.StepName)
	}
	if log.count("file_start") != 0 {
		t.Error("Expected no transfers for a complete model")
	}

	// Ordered step progression without the downloading step.
	var steps []string
	log.mu.Lock()
	for _, ev := range log.events {
		if ev.Event == "step" {
			steps = append(steps, ev.Step)
		}
	}
	log.mu.Unlock()
	want := []string{"checking_model", "loading_model", "complete"}
	if fmt.Sprint(steps) != fmt.Sprint(want) {
		t.Errorf("Expected steps %v, got %v", want, steps)
	}
}

func TestSetup_OfflineModeFailsWithoutModel(t *testing.T) {
	cfg := fastSettings()
	cfg.ModelDir = t.TempDir()
	cfg.OfflineMode = true

	s := NewSetup(testManifest(), cfg, nil, nil)
	err := s.Start(context.Background())

	var se *SetupError
	if !errors.As(err, &se) {
		t.Fatalf("Expected SetupError, got %v", err)
	}
	if se.Kind != KindModelNotFound {
		t.Errorf("Expected model_not_found, got %s", se.Kind)
	}
	if !errors.Is(err, ErrModelMissing) {
		t.Error("Expected the error to unwrap to ErrModelMissing")
	}
	if se.Retryable() {
		t.Error("model_not_found should not be retryable")
	}
	if snap := s.Snapshot(); snap.Err == nil {
		t.Error("Expected the error in the snapshot")
	}
}

func TestSetup_FullPipeline(t *testing.T) {
	files := map[string][]byte{
		"config.json": payload(100),
		"shard-1.bin": payload(900),
	}
	srv := modelServer(t, files)
	defer srv.Close()

	m := serverManifest(srv, files, "config.json", "shard-1.bin")
	cfg := fastSettings()
	cfg.ModelDir = t.TempDir()

	log := &eventLog{}
	s := NewSetup(m, cfg, nil, log.add)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snap := s.Snapshot()
	if !snap.Complete {
		t.Errorf("Expected complete, got %s", snap.StepName)
	}
	if snap.Download.Phase != PhaseCompleted {
		t.Errorf("Expected completed download, got %s", snap.Download.Phase)
	}
	for name, content := range files {
		assertFileEquals(t, FileSpec{Name: name}.TargetPath(cfg.ModelDir), content)
	}

	// Completed setup is a no-op on re-entry.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Re-entry on complete setup failed: %v", err)
	}
}

func TestSetup_LoaderFailure(t *testing.T) {
	m := testManifest()
	cfg := fastSettings()
	cfg.ModelDir = t.TempDir()
	for _, f := range m.Files {
		writeFile(t, f.TargetPath(cfg.ModelDir), make([]byte, f.Size))
	}

	loader := LoaderFunc(func(context.Context, string) error {
		return errors.New("weights are corrupt")
	})

	s := NewSetup(m, cfg, loader, nil)
	err := s.Start(context.Background())

	var se *SetupError
	if !errors.As(err, &se) {
		t.Fatalf("Expected SetupError, got %v", err)
	}
	if se.Kind != KindLoadFailed {
		t.Errorf("Expected load_failed, got %s", se.Kind)
	}
	if se.Retryable() {
		t.Error("load_failed should not be retryable")
	}
}

func TestSetup_CancelAndResume(t *testing.T) {
	files := map[string][]byte{"shard-1.bin": payload(4 << 20)}
	srv := modelServer(t, files)
	defer srv.Close()

	m := serverManifest(srv, files, "shard-1.bin")
	cfg := fastSettings()
	cfg.ModelDir = t.TempDir()

	var s *Setup
	var once sync.Once
	emit := func(ev Event) {
		if ev.Event == "file_progress" {
			once.Do(s.CancelDownload)
		}
	}
	s = NewSetup(m, cfg, nil, emit)

	err := s.Start(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	// Cancellation is not a failure: the pipeline holds at the download
	// step with no error, offering resume.
	snap := s.Snapshot()
	if snap.Step != StepDownloadingModel {
		t.Errorf("Expected to stay at downloading_model, got %s", snap.StepName)
	}
	if snap.Err != nil {
		t.Errorf("Expected no error after cancel, got %v", snap.Err)
	}
	if snap.Download.Phase != PhaseCancelled {
		t.Errorf("Expected cancelled download phase, got %s", snap.Download.Phase)
	}

	if err := s.ResumeDownload(context.Background()); err != nil {
		t.Fatalf("ResumeDownload failed: %v", err)
	}
	if snap := s.Snapshot(); !snap.Complete {
		t.Errorf("Expected complete after resume, got %s", snap.StepName)
	}
	assertFileEquals(t, FileSpec{Name: "shard-1.bin"}.TargetPath(cfg.ModelDir), files["shard-1.bin"])
}

func TestSetup_SnapshotSubscription(t *testing.T) {
	m := testManifest()
	cfg := fastSettings()
	cfg.ModelDir = t.TempDir()
	for _, f := range m.Files {
		writeFile(t, f.TargetPath(cfg.ModelDir), make([]byte, f.Size))
	}

	s := NewSetup(m, cfg, nil, nil)
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var sawComplete bool
	for {
		select {
		case snap := <-ch:
			if snap.Complete {
				sawComplete = true
			}
			continue
		default:
		}
		break
	}
	if !sawComplete {
		t.Error("Expected a complete snapshot to be published")
	}
}
