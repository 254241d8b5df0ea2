// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"context"
	"errors"
	"sync"
)

// ModelLoader hands the verified model directory to the inference layer.
// The engine only cares whether loading succeeded.
type ModelLoader interface {
	Load(ctx context.Context, modelDir string) error
}

// LoaderFunc adapts a function to the ModelLoader interface.
type LoaderFunc func(ctx context.Context, modelDir string) error

func (f LoaderFunc) Load(ctx context.Context, modelDir string) error {
	return f(ctx, modelDir)
}

// Snapshot is the observable state surface consumed by the UI layer.
type Snapshot struct {
	Step      Step          `json:"stepIndex"`
	StepName  string        `json:"step"`
	Complete  bool          `json:"complete"`
	Err       *SetupError   `json:"error,omitempty"`
	Download  DownloadState `json:"download"`
	ModelName string        `json:"model"`
}

// Setup drives the acquisition pipeline:
//
//	checking_model -> downloading_model -> loading_model -> complete
//
// plus an error sink reachable from any state. Start is safe to call again
// from any non-terminal state; it restarts from checking_model, which is
// cheap and side-effect-free.
type Setup struct {
	manifest Manifest
	cfg      Settings
	loader   ModelLoader
	dl       *Downloader
	emit     EventFunc

	mu      sync.RWMutex
	step    Step
	err     *SetupError
	running bool

	listenerMu sync.RWMutex
	listeners  []chan Snapshot
}

// NewSetup creates the setup pipeline. loader may be nil, in which case the
// loading step is a no-op (useful for pre-fetching from the CLI). emit may
// be nil.
func NewSetup(m Manifest, cfg Settings, loader ModelLoader, emit EventFunc) *Setup {
	if emit == nil {
		emit = func(Event) {}
	}
	if loader == nil {
		loader = LoaderFunc(func(context.Context, string) error { return nil })
	}
	if cfg.ModelDir == "" {
		cfg.ModelDir = "Model"
	}
	return &Setup{
		manifest: m,
		cfg:      cfg,
		loader:   loader,
		dl:       NewDownloader(m, cfg, emit),
		emit:     stamped(emit),
	}
}

// Start runs the pipeline to completion, blocking until the model is ready,
// the run fails, or the download is cancelled. Re-entry on a completed
// setup is a no-op.
func (s *Setup) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.step == StepComplete {
		s.mu.Unlock()
		return nil
	}
	if s.running {
		s.mu.Unlock()
		return ErrSetupActive
	}
	s.running = true
	s.err = nil
	s.step = StepCheckingModel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	s.announceStep(StepCheckingModel)

	complete := s.manifest.IsComplete(s.cfg.ModelDir)
	s.emit(Event{Event: "check_done", Message: checkMessage(complete)})

	if !complete {
		if s.cfg.OfflineMode {
			return s.fail(&SetupError{
				Kind:   KindModelNotFound,
				Reason: "model files are missing and offline mode prevents downloading",
				Err:    ErrModelMissing,
			})
		}
		s.announceStep(StepDownloadingModel)
		if err := s.dl.Run(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				// Stay at the downloading step; the UI offers resume.
				s.publish()
				return err
			}
			return s.fail(classifySetupError(err))
		}
	}

	s.announceStep(StepLoadingModel)
	if err := s.loader.Load(ctx, s.cfg.ModelDir); err != nil {
		return s.fail(&SetupError{Kind: KindLoadFailed, Reason: err.Error(), Err: err})
	}

	s.announceStep(StepComplete)
	return nil
}

// CancelDownload cooperatively stops the active download. Partial files
// stay on disk for a later resume.
func (s *Setup) CancelDownload() {
	s.dl.Cancel()
}

// ResumeDownload re-enters the pipeline after a cancellation. The local
// check skips every complete file and the first non-complete file resumes
// from its partial size.
func (s *Setup) ResumeDownload(ctx context.Context) error {
	return s.Start(ctx)
}

// Snapshot returns the current observable state.
func (s *Setup) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Step:      s.step,
		StepName:  s.step.String(),
		Complete:  s.step == StepComplete,
		Err:       s.err,
		Download:  s.dl.State(),
		ModelName: s.manifest.Model,
	}
}

// Downloader exposes the underlying download orchestrator, e.g. for
// subscribing to fine-grained download state.
func (s *Setup) Downloader() *Downloader {
	return s.dl
}

// Files returns per-file transfer snapshots.
func (s *Setup) Files() []TransferStatus {
	return s.dl.Files()
}

// Subscribe registers a listener for setup snapshots. Snapshots are only
// published on step and error transitions; fine-grained download progress
// comes from Downloader().Subscribe().
func (s *Setup) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 16)
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, ch)
	s.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (s *Setup) Unsubscribe(ch chan Snapshot) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for i, l := range s.listeners {
		if l == ch {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (s *Setup) announceStep(step Step) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
	s.publish()
	s.emit(Event{Event: "step", Step: step.String()})
}

func (s *Setup) fail(serr *SetupError) error {
	s.mu.Lock()
	s.err = serr
	s.mu.Unlock()
	s.publish()
	s.emit(Event{Level: "error", Event: "error", Message: serr.Error()})
	return serr
}

func (s *Setup) publish() {
	snapshot := s.Snapshot()
	s.listenerMu.RLock()
	for _, ch := range s.listeners {
		select {
		case ch <- snapshot:
		default:
		}
	}
	s.listenerMu.RUnlock()
}

func checkMessage(complete bool) string {
	if complete {
		return "model already complete on disk"
	}
	return "model incomplete; download required"
}
