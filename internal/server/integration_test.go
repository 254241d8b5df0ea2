// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/halcyon-journal/modelfetch/pkg/modelfetch"
)

// TestSetupRoundTrip drives the whole control surface against a local model
// host: start setup over REST, poll state until the engine reports complete.
func TestSetupRoundTrip(t *testing.T) {
	files := map[string][]byte{
		"config.json": bytes.Repeat([]byte("c"), 64),
		"shard-1.bin": bytes.Repeat([]byte("s"), 256),
	}
	host := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, ok := files[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(content))
	}))
	defer host.Close()

	_, mux := newTestServer(t, host.URL)

	// Kick off setup.
	req := httptest.NewRequest("POST", "/api/setup/start", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}

	// Poll state until the pipeline completes.
	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("Setup did not complete in time")
		}

		req := httptest.NewRequest("GET", "/api/state", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		var body struct {
			Setup modelfetch.Snapshot `json:"setup"`
		}
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("Invalid JSON: %v", err)
		}
		if body.Setup.Err != nil {
			t.Fatalf("Setup failed: %v", body.Setup.Err)
		}
		if body.Setup.Complete {
			if body.Setup.Download.Phase != modelfetch.PhaseCompleted {
				t.Errorf("Expected completed download, got %s", body.Setup.Download.Phase)
			}
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The manifest endpoint now reports every file complete.
	req = httptest.NewRequest("GET", "/api/manifest", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	var mresp ManifestResponse
	if err := json.NewDecoder(w.Body).Decode(&mresp); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if !mresp.Complete {
		t.Error("Expected the manifest to report complete after setup")
	}
}
