// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// publishInterval throttles state publication during transfers.
const publishInterval = 200 * time.Millisecond

// Downloader sequences the manifest's file transfers and aggregates their
// state into one observable DownloadState.
//
// Files are transferred one at a time in manifest order: the active
// transfer is the sole writer of its partial file, and file i+1 never
// starts until file i reaches a terminal per-file state.
type Downloader struct {
	manifest Manifest
	cfg      Settings
	httpc    *http.Client
	emit     EventFunc

	mu      sync.RWMutex
	state   DownloadState
	files   []TransferStatus
	tracker *Tracker
	cancel  context.CancelFunc
	running bool

	listenerMu sync.RWMutex
	listeners  []chan DownloadState
}

// NewDownloader creates a downloader for the manifest. emit may be nil.
func NewDownloader(m Manifest, cfg Settings, emit EventFunc) *Downloader {
	if cfg.ModelDir == "" {
		cfg.ModelDir = "Model"
	}
	if emit == nil {
		emit = func(Event) {}
	}
	d := &Downloader{
		manifest: m,
		cfg:      cfg,
		httpc:    NewHTTPClient(),
		emit:     stamped(emit),
		files:    make([]TransferStatus, len(m.Files)),
		state: DownloadState{
			Phase:      PhasePreparing,
			TotalBytes: m.TotalBytes(),
		},
	}
	for i, f := range m.Files {
		d.files[i] = TransferStatus{Name: f.Name, Phase: TransferPending, BytesTotal: f.Size}
	}
	return d
}

// stamped fills in event timestamps before handing off to the consumer.
func stamped(emit EventFunc) EventFunc {
	return func(ev Event) {
		if ev.Time.IsZero() {
			ev.Time = time.Now().UTC()
		}
		emit(ev)
	}
}

// Run executes one download run, blocking until it completes, fails, or is
// cancelled. Partial files on disk are resumed, complete files are skipped.
// Returns nil on completion, context.Canceled after Cancel, or a typed
// error on failure.
func (d *Downloader) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrDownloadActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.tracker = NewTracker(d.manifest)
	d.state = DownloadState{
		RunID:      uuid.NewString(),
		Phase:      PhasePreparing,
		TotalBytes: d.tracker.TotalBytes(),
		StartedAt:  d.tracker.StartedAt(),
	}
	for i, f := range d.manifest.Files {
		d.files[i] = TransferStatus{Name: f.Name, Phase: TransferPending, BytesTotal: f.Size}
	}
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	// Seed resume baselines from the filesystem.
	for i, spec := range d.manifest.Files {
		switch st := spec.LocalStatus(d.cfg.ModelDir); st.State {
		case LocalComplete:
			d.tracker.SetFileBytes(i, spec.Size)
			d.setFile(i, TransferComplete, spec.Size, "")
		case LocalPartial:
			d.tracker.SetFileBytes(i, st.Bytes)
			d.setFile(i, TransferPending, st.Bytes, "")
		}
	}
	d.publish()

	for i, spec := range d.manifest.Files {
		if d.fileDone(i) {
			d.emit(Event{Event: "file_done", File: spec.Name, Index: i, Total: spec.Size, Message: "skip (already complete)"})
			continue
		}
		select {
		case <-runCtx.Done():
			return d.finishCancelled(i)
		default:
		}

		d.mu.RLock()
		done := d.files[i].BytesDone
		d.mu.RUnlock()
		d.setFile(i, TransferActive, done, "")
		d.setActive(i, spec.Name)
		d.emit(Event{Event: "file_start", File: spec.Name, Index: i, Downloaded: done, Total: spec.Size})

		url := d.manifest.FileURL(d.cfg.Endpoint, spec)
		dst := spec.TargetPath(d.cfg.ModelDir)
		sink := d.progressSink(i, spec)

		if err := transferFile(runCtx, d.httpc, d.cfg, spec, url, dst, sink, d.emit); err != nil {
			if runCtx.Err() != nil {
				return d.finishCancelled(i)
			}
			return d.finishFailed(i, err)
		}

		d.setFile(i, TransferComplete, spec.Size, "")
		d.publish()
		d.emit(Event{Event: "file_done", File: spec.Name, Index: i, Total: spec.Size})
	}

	d.setPhase(PhaseCompleted)
	d.emit(Event{Event: "done", Overall: 1, Message: "model download complete"})
	return nil
}

// Cancel requests a cooperative stop of the active run. The transfer's read
// loop observes it between chunks, so the partial file is left at a whole
// chunk boundary and the aggregate state becomes Cancelled shortly after.
func (d *Downloader) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running && d.cancel != nil {
		d.cancel()
	}
}

// Resume re-runs the download from the first non-complete file, reusing the
// bytes already on disk. It is equivalent to Run.
func (d *Downloader) Resume(ctx context.Context) error {
	return d.Run(ctx)
}

// State returns a snapshot of the aggregate download state.
func (d *Downloader) State() DownloadState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Files returns snapshots of the per-file transfer states.
func (d *Downloader) Files() []TransferStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]TransferStatus, len(d.files))
	copy(out, d.files)
	return out
}

// Subscribe registers a listener for state snapshots. Slow listeners drop
// snapshots rather than blocking the run.
func (d *Downloader) Subscribe() chan DownloadState {
	ch := make(chan DownloadState, 64)
	d.listenerMu.Lock()
	d.listeners = append(d.listeners, ch)
	d.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (d *Downloader) Unsubscribe(ch chan DownloadState) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	for i, l := range d.listeners {
		if l == ch {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// --- internal state transitions ---

// progressSink feeds transfer deltas into the tracker and throttles state
// publication and file_progress events.
func (d *Downloader) progressSink(index int, spec FileSpec) func(int64) {
	var lastPublish time.Time
	return func(delta int64) {
		d.tracker.Record(index, delta)
		d.mu.Lock()
		d.files[index].BytesDone += delta
		d.mu.Unlock()
		if time.Since(lastPublish) < publishInterval {
			return
		}
		lastPublish = time.Now()
		d.publish()
		d.mu.RLock()
		done := d.files[index].BytesDone
		d.mu.RUnlock()
		d.emit(Event{
			Event:      "file_progress",
			File:       spec.Name,
			Index:      index,
			Downloaded: done,
			Total:      spec.Size,
			Overall:    d.tracker.OverallProgress(),
			Speed:      d.tracker.Speed(),
		})
	}
}

func (d *Downloader) fileDone(index int) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.files[index].Phase == TransferComplete
}

func (d *Downloader) setFile(index int, phase TransferPhase, bytesDone int64, errMsg string) {
	d.mu.Lock()
	d.files[index].Phase = phase
	d.files[index].BytesDone = bytesDone
	d.files[index].Error = errMsg
	d.mu.Unlock()
}

func (d *Downloader) setActive(index int, name string) {
	d.mu.Lock()
	d.state.Phase = PhaseDownloading
	d.state.FileIndex = index
	d.state.CurrentFile = name
	d.mu.Unlock()
	d.publish()
}

func (d *Downloader) setPhase(phase DownloadPhase) {
	d.mu.Lock()
	d.state.Phase = phase
	if phase == PhaseCompleted {
		d.state.CurrentFile = ""
	}
	d.mu.Unlock()
	d.publish()
}

func (d *Downloader) finishCancelled(index int) error {
	d.mu.Lock()
	if d.files[index].Phase == TransferActive {
		d.files[index].Phase = TransferPaused
	}
	d.state.Phase = PhaseCancelled
	d.mu.Unlock()
	d.publish()
	d.emit(Event{Event: "cancelled", Message: "download cancelled; partial files kept for resume"})
	return context.Canceled
}

func (d *Downloader) finishFailed(index int, err error) error {
	serr := classifySetupError(err)
	d.mu.Lock()
	d.files[index].Phase = TransferFailed
	d.files[index].Error = err.Error()
	d.state.Phase = PhaseFailed
	d.state.Err = serr
	d.mu.Unlock()
	d.publish()
	d.emit(Event{Level: "error", Event: "error", File: d.files[index].Name, Message: serr.Error()})
	return serr
}

// publish refreshes the derived progress fields and notifies listeners.
func (d *Downloader) publish() {
	d.mu.Lock()
	if d.tracker != nil {
		d.state.Overall = d.tracker.OverallProgress()
		d.state.DownloadedBytes = d.tracker.DownloadedBytes()
		d.state.Speed = d.tracker.Speed()
	}
	snapshot := d.state
	d.mu.Unlock()

	d.listenerMu.RLock()
	for _, ch := range d.listeners {
		select {
		case ch <- snapshot:
		default:
			// Listener is slow, skip.
		}
	}
	d.listenerMu.RUnlock()
}
