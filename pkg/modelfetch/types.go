// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import "time"

// Settings configures the acquisition engine.
//
// All fields have sensible defaults. At minimum, set ModelDir for where the
// model files should live.
type Settings struct {
	// ModelDir is the directory the model files are written to.
	// If empty, defaults to "Model".
	ModelDir string

	// Endpoint overrides the manifest's download endpoint. Useful for
	// mirrors and for tests. If empty, the manifest endpoint is used.
	Endpoint string

	// Token is a bearer token for gated model hosts.
	// Can also be set via the MODELFETCH_TOKEN environment variable.
	Token string

	// Retries is the maximum number of retry attempts per file transfer.
	// Each retry uses exponential backoff with jitter.
	// If <= 0, defaults to 4.
	Retries int

	// BackoffInitial is the initial delay before the first retry.
	// Accepts duration strings: "400ms", "1s", "2s", etc.
	// If empty, defaults to "400ms".
	BackoffInitial string

	// BackoffMax is the maximum delay between retries.
	// If empty, defaults to "10s".
	BackoffMax string

	// StallTimeout aborts a transfer attempt when the response headers or
	// body bytes stop arriving for this long. The aborted attempt counts
	// against the retry budget and resumes from the bytes already on disk.
	// If empty, defaults to "60s".
	// There is deliberately no overall transfer deadline: a 16 GB download
	// may legitimately take hours on a slow link.
	StallTimeout string

	// OfflineMode disables all network access. Setup fails with a
	// model-not-found error when the model is not already complete on disk.
	OfflineMode bool
}

// DefaultSettings returns Settings with defaults filled in.
func DefaultSettings() Settings {
	return Settings{
		ModelDir:       "Model",
		Retries:        4,
		BackoffInitial: "400ms",
		BackoffMax:     "10s",
		StallTimeout:   "60s",
	}
}

// Step is one stage of the setup pipeline. Ordinals are strictly increasing
// so consumers can render completed/active/pending purely by comparison.
type Step int

const (
	StepCheckingModel Step = iota
	StepDownloadingModel
	StepLoadingModel
	StepComplete
)

func (s Step) String() string {
	switch s {
	case StepCheckingModel:
		return "checking_model"
	case StepDownloadingModel:
		return "downloading_model"
	case StepLoadingModel:
		return "loading_model"
	case StepComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// DownloadPhase is the aggregate phase of a download run.
type DownloadPhase string

const (
	PhasePreparing   DownloadPhase = "preparing"
	PhaseDownloading DownloadPhase = "downloading"
	PhaseCancelled   DownloadPhase = "cancelled"
	PhaseCompleted   DownloadPhase = "completed"
	PhaseFailed      DownloadPhase = "failed"
)

// DownloadState is the aggregate download state observed by consumers.
// It is published as a value snapshot; consumers never mutate it.
//
// Overall is monotonically non-decreasing for a given RunID: it never
// regresses even when a server ignores a range request and the transfer has
// to restart the file from zero.
type DownloadState struct {
	RunID           string        `json:"runId"`
	Phase           DownloadPhase `json:"phase"`
	CurrentFile     string        `json:"currentFile,omitempty"`
	FileIndex       int           `json:"fileIndex"`
	Overall         float64       `json:"overall"`
	DownloadedBytes int64         `json:"downloadedBytes"`
	TotalBytes      int64         `json:"totalBytes"`
	Speed           int64         `json:"speed"` // bytes/sec, sliding-window
	StartedAt       time.Time     `json:"startedAt,omitempty"`
	Err             *SetupError   `json:"error,omitempty"`
}

// TransferPhase is the per-file transfer phase.
type TransferPhase string

const (
	TransferPending  TransferPhase = "pending"
	TransferActive   TransferPhase = "active"
	TransferPaused   TransferPhase = "paused"
	TransferComplete TransferPhase = "complete"
	TransferFailed   TransferPhase = "failed"
)

// TransferStatus is a read-only snapshot of one file's transfer.
// The active transfer is the only writer of the underlying state.
type TransferStatus struct {
	Name       string        `json:"name"`
	Phase      TransferPhase `json:"phase"`
	BytesDone  int64         `json:"bytesDone"`
	BytesTotal int64         `json:"bytesTotal"`
	Error      string        `json:"error,omitempty"`
}

// Event is a telemetry event emitted by the engine.
//
// The Event field identifies the type:
//   - "step": the setup pipeline advanced to a new step
//   - "check_done": the local model check finished
//   - "file_start": a file transfer started (or resumed)
//   - "file_progress": periodic progress during a transfer
//   - "file_done": a file transfer finished (Message may say "skip")
//   - "retry": a transfer attempt is being retried
//   - "cancelled": the run was cancelled
//   - "error": the run failed
//   - "done": all files are on disk and verified
type Event struct {
	Time       time.Time `json:"time"`
	Level      string    `json:"level,omitempty"`
	Event      string    `json:"event"`
	Step       string    `json:"step,omitempty"`
	File       string    `json:"file,omitempty"`
	Index      int       `json:"index,omitempty"`
	Downloaded int64     `json:"downloaded,omitempty"`
	Total      int64     `json:"total,omitempty"`
	Overall    float64   `json:"overall,omitempty"`
	Speed      int64     `json:"speed,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// EventFunc receives telemetry events. It may be invoked from the download
// goroutine and must be safe for concurrent use.
type EventFunc func(Event)
