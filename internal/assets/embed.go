// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package assets provides embedded data files shipped with the binary.
package assets

import _ "embed"

// defaultManifest is the built-in model manifest. It describes the file set
// the app ships against; deployments can override it with --manifest.
//
//go:embed manifest.yaml
var defaultManifest []byte

// DefaultManifest returns the raw YAML of the built-in model manifest.
func DefaultManifest() []byte {
	return defaultManifest
}
