// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/halcyon-journal/modelfetch/pkg/diagnose"
	"github.com/halcyon-journal/modelfetch/pkg/modelfetch"
)

// serverVersion is reported by the health endpoint.
const serverVersion = "1.2.0"

// ManifestFile is one manifest entry annotated with its local status.
type ManifestFile struct {
	Name  string                 `json:"name"`
	Size  int64                  `json:"size"`
	Local modelfetch.LocalStatus `json:"local"`
}

// ManifestResponse is the manifest endpoint's payload.
type ManifestResponse struct {
	Model      string         `json:"model"`
	TotalBytes int64          `json:"totalBytes"`
	Complete   bool           `json:"complete"`
	Files      []ManifestFile `json:"files"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": serverVersion,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleState returns the engine's current observable state, including
// per-file transfer snapshots.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"setup": s.setup.Snapshot(),
		"files": s.setup.Files(),
	})
}

// handleManifest returns the manifest annotated with local file status.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	files := make([]ManifestFile, 0, len(s.manifest.Files))
	for _, f := range s.manifest.Files {
		files = append(files, ManifestFile{
			Name:  f.Name,
			Size:  f.Size,
			Local: f.LocalStatus(s.settings.ModelDir),
		})
	}
	writeJSON(w, http.StatusOK, ManifestResponse{
		Model:      s.manifest.Model,
		TotalBytes: s.manifest.TotalBytes(),
		Complete:   s.manifest.IsComplete(s.settings.ModelDir),
		Files:      files,
	})
}

// handleStart kicks off the setup pipeline in the background.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := s.setup.Start(context.Background()); err != nil &&
			!errors.Is(err, modelfetch.ErrSetupActive) && !errors.Is(err, context.Canceled) {
			// Already reflected in the snapshot; nothing else to do here.
			_ = err
		}
	}()
	writeJSON(w, http.StatusAccepted, SuccessResponse{Success: true, Message: "setup started"})
}

// handleCancel cooperatively stops the active download.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.setup.CancelDownload()
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "download cancelled; partial files kept"})
}

// handleResume resumes a cancelled download.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	go func() {
		_ = s.setup.ResumeDownload(context.Background())
	}()
	writeJSON(w, http.StatusAccepted, SuccessResponse{Success: true, Message: "resume started"})
}

// diagMu serializes diagnostics runs; the battery is read-only but there is
// no point running two at once.
var diagMu sync.Mutex

// handleDiagnostics runs the probe battery. Findings stream to WebSocket
// clients as they land; the full report is the response body.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !diagMu.TryLock() {
		writeError(w, http.StatusConflict, "diagnostics already running", "")
		return
	}
	defer diagMu.Unlock()

	var modelURL string
	if len(s.manifest.Files) > 0 {
		modelURL = s.manifest.FileURL(s.settings.Endpoint, s.manifest.Files[0])
	}
	endpoint := s.settings.Endpoint
	if endpoint == "" {
		endpoint = s.manifest.Endpoint
	}

	runner := diagnose.NewRunner(diagnose.Config{
		Endpoint: endpoint,
		ModelURL: modelURL,
		Token:    s.settings.Token,
		ModelDir: s.settings.ModelDir,
	})

	report := runner.Run(r.Context(), func(res diagnose.Result) {
		s.wsHub.Broadcast("diagnostic", res)
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"overall": report.Overall(),
		"report":  report,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
