// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/halcyon-journal/modelfetch/internal/assets"
)

// FileSpec describes one required model file.
type FileSpec struct {
	// Name is the file's path relative to the model directory and to the
	// download endpoint.
	Name string `yaml:"name" json:"name"`

	// Size is the exact expected byte count. A file is complete iff its
	// on-disk size equals Size.
	Size int64 `yaml:"size" json:"size"`

	// SHA256 is an optional hex digest. When present the transfer verifies
	// the finished file against it.
	SHA256 string `yaml:"sha256,omitempty" json:"sha256,omitempty"`
}

// TargetPath returns the file's destination under dir.
func (f FileSpec) TargetPath(dir string) string {
	return filepath.Join(dir, filepath.FromSlash(f.Name))
}

// LocalState classifies a file's presence on disk.
type LocalState string

const (
	LocalMissing  LocalState = "missing"
	LocalPartial  LocalState = "partial"
	LocalComplete LocalState = "complete"
)

// LocalStatus is the result of checking one file against the filesystem.
type LocalStatus struct {
	State LocalState `json:"state"`
	Bytes int64      `json:"bytes"`
}

// LocalStatus stats the target path and compares sizes. Any I/O error is
// reported as missing: the check fails open toward "needs download" and
// never silently declares completeness. An oversized file is also reported
// as missing since its contents cannot be trusted.
func (f FileSpec) LocalStatus(dir string) LocalStatus {
	fi, err := os.Stat(f.TargetPath(dir))
	if err != nil || fi.IsDir() {
		return LocalStatus{State: LocalMissing}
	}
	switch {
	case fi.Size() == f.Size:
		return LocalStatus{State: LocalComplete, Bytes: fi.Size()}
	case fi.Size() > 0 && fi.Size() < f.Size:
		return LocalStatus{State: LocalPartial, Bytes: fi.Size()}
	default:
		return LocalStatus{State: LocalMissing}
	}
}

// Manifest is the ordered list of files that together constitute one
// complete model. It is configuration data, not code: the built-in default
// can be replaced per deployment via Load.
type Manifest struct {
	// Model is a human-readable model identifier.
	Model string `yaml:"model" json:"model"`

	// Endpoint is the base URL files are fetched from. The per-file URL is
	// Endpoint + "/" + Name. Settings.Endpoint overrides it.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// Files is the ordered file list. Ordering defines both transfer order
	// and cumulative-progress weighting.
	Files []FileSpec `yaml:"files" json:"files"`
}

// TotalBytes returns the summed expected size of all files.
func (m Manifest) TotalBytes() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// IsComplete reports whether every manifest file is complete under dir.
func (m Manifest) IsComplete(dir string) bool {
	if len(m.Files) == 0 {
		return false
	}
	for _, f := range m.Files {
		if f.LocalStatus(dir).State != LocalComplete {
			return false
		}
	}
	return true
}

// FileURL builds the download URL for a file. endpoint overrides the
// manifest endpoint when non-empty.
func (m Manifest) FileURL(endpoint string, f FileSpec) string {
	base := m.Endpoint
	if endpoint != "" {
		base = endpoint
	}
	return strings.TrimSuffix(base, "/") + "/" + pathEscapeAll(f.Name)
}

// Validate checks structural invariants of the manifest.
func (m Manifest) Validate() error {
	if len(m.Files) == 0 {
		return fmt.Errorf("manifest %q has no files", m.Model)
	}
	seen := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		if f.Name == "" {
			return fmt.Errorf("manifest %q has a file with no name", m.Model)
		}
		if strings.HasPrefix(f.Name, "/") || strings.Contains(f.Name, "..") {
			return fmt.Errorf("manifest file name %q escapes the model directory", f.Name)
		}
		if f.Size <= 0 {
			return fmt.Errorf("manifest file %q has invalid size %d", f.Name, f.Size)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("manifest file %q listed twice", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// Load reads a manifest from a YAML or JSON file, selected by extension.
func Load(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(b, &m); err != nil {
			return Manifest{}, fmt.Errorf("invalid JSON manifest %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(b, &m); err != nil {
			return Manifest{}, fmt.Errorf("invalid YAML manifest %s: %w", path, err)
		}
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Default returns the manifest embedded in the binary.
func Default() Manifest {
	var m Manifest
	if err := yaml.Unmarshal(assets.DefaultManifest(), &m); err != nil {
		panic("modelfetch: embedded manifest is invalid: " + err.Error())
	}
	return m
}

func pathEscapeAll(p string) string {
	segs := strings.Split(p, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}
