// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"errors"
	"fmt"
)

// Common errors returned by the engine.
var (
	// ErrAuthRequired is returned when the model host demands credentials
	// the client does not have. It is never retried.
	ErrAuthRequired = errors.New("authentication required by model host")

	// ErrModelMissing is returned when setup runs in offline mode and the
	// model is not complete on disk.
	ErrModelMissing = errors.New("model not found locally")

	// ErrDownloadActive is returned when a download run is started while
	// another run is still active.
	ErrDownloadActive = errors.New("a download run is already active")

	// ErrSetupActive is returned when setup is started while a previous
	// invocation is still running.
	ErrSetupActive = errors.New("setup is already running")
)

// ErrorKind classifies a SetupError so consumers can pick a recovery action
// without string-matching on error text.
type ErrorKind string

const (
	KindDownloadFailed ErrorKind = "download_failed"
	KindLoadFailed     ErrorKind = "load_failed"
	KindModelNotFound  ErrorKind = "model_not_found"
	KindAuthRequired   ErrorKind = "authentication_required"
)

// SetupError is the single error type that crosses the engine boundary.
type SetupError struct {
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason,omitempty"`
	Err    error     `json:"-"`
}

func (e *SetupError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return string(e.Kind)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying setup could plausibly succeed without
// user intervention.
func (e *SetupError) Retryable() bool {
	return e.Kind == KindDownloadFailed
}

// classifySetupError folds an arbitrary engine error into a SetupError.
func classifySetupError(err error) *SetupError {
	var se *SetupError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, ErrAuthRequired):
		return &SetupError{Kind: KindAuthRequired, Reason: err.Error(), Err: err}
	case errors.Is(err, ErrModelMissing):
		return &SetupError{Kind: KindModelNotFound, Reason: err.Error(), Err: err}
	default:
		return &SetupError{Kind: KindDownloadFailed, Reason: err.Error(), Err: err}
	}
}

// HTTPError represents an unexpected HTTP response from the model host.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %s for %s", e.Status, e.URL)
}

// IsRetryable reports whether the response might succeed on retry.
// Authentication responses are terminal; everything else is treated as
// transient, matching the host's behavior for overloaded mirrors.
func (e *HTTPError) IsRetryable() bool {
	switch e.StatusCode {
	case 401, 403:
		return false
	default:
		return true
	}
}

// Is implements errors.Is for sentinel comparisons.
func (e *HTTPError) Is(target error) bool {
	switch e.StatusCode {
	case 401, 403:
		return errors.Is(target, ErrAuthRequired)
	default:
		return false
	}
}

// VerificationError is returned when a downloaded file fails verification.
type VerificationError struct {
	Name     string
	Method   string // "size" or "sha256"
	Expected string
	Actual   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s: %s mismatch (expected %s, got %s)",
		e.Name, e.Method, e.Expected, e.Actual)
}
