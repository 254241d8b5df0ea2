// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package modelfetch acquires the app's bundled multi-file ML model: it
discovers whether the model is already complete on disk, drives a resumable
multi-file download with progress and speed telemetry, and signals
readiness to load the model into memory.

# Features

  - Resumable downloads: interrupted transfers continue from the bytes
    already on disk using HTTP range requests
  - Manifest driven: the file set is configuration data, embedded by
    default and overridable per deployment
  - Typed failures: authentication, not-found, download and load errors are
    structured values, never matched by message text
  - Byte-weighted progress: a 4 GB shard moves the overall bar
    proportionally more than a 4 KB config file
  - Cooperative cancellation: cancel at any time, resume later; partial
    files are never deleted

# Quick Start

Fetch and verify the model, then hand it to a loader:

	manifest := modelfetch.Default()
	cfg := modelfetch.DefaultSettings()
	cfg.ModelDir = "/var/lib/halcyon/model"

	setup := modelfetch.NewSetup(manifest, cfg, loader, func(e modelfetch.Event) {
		fmt.Printf("[%s] %s %s\n", e.Event, e.File, e.Message)
	})

	if err := setup.Start(ctx); err != nil {
		var serr *modelfetch.SetupError
		if errors.As(err, &serr) && serr.Kind == modelfetch.KindAuthRequired {
			// prompt for a token
		}
	}

# Observing state

The engine owns the single writer of state; consumers poll Snapshot or
subscribe to a channel:

	sub := setup.Downloader().Subscribe()
	defer setup.Downloader().Unsubscribe(sub)
	for st := range sub {
		fmt.Printf("%.1f%% at %d B/s\n", st.Overall*100, st.Speed)
	}

# Resume Behavior

Resume decisions rely only on the filesystem: a file whose on-disk size
equals its manifest size is complete, a smaller file resumes from its size,
anything else restarts from zero. No sidecar metadata files are kept.

# Error Handling

Per-chunk I/O errors are retried inside the transfer with exponential
backoff and are never surfaced individually. A 401 or 403 from the host is
surfaced immediately as an authentication condition, with no retry. All
failures cross the engine boundary as a *SetupError value.
*/
package modelfetch
