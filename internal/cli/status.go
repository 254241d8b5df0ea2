// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/halcyon-journal/modelfetch/pkg/modelfetch"
)

func newStatusCmd(ro *RootOpts) *cobra.Command {
	var manifestPath string
	var modelDir string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which model files are on disk, partial, or missing",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}

			type fileStatus struct {
				Name  string                `json:"name"`
				State modelfetch.LocalState `json:"state"`
				Bytes int64                 `json:"bytes"`
				Size  int64                 `json:"size"`
			}
			var files []fileStatus
			var haveBytes int64
			for _, f := range manifest.Files {
				st := f.LocalStatus(modelDir)
				files = append(files, fileStatus{Name: f.Name, State: st.State, Bytes: st.Bytes, Size: f.Size})
				haveBytes += st.Bytes
			}
			complete := manifest.IsComplete(modelDir)

			if ro.JSONOut {
				sink := jsonEvents(os.Stdout)
				sink(map[string]any{
					"model":      manifest.Model,
					"modelDir":   modelDir,
					"complete":   complete,
					"haveBytes":  haveBytes,
					"totalBytes": manifest.TotalBytes(),
					"files":      files,
				})
				return nil
			}

			fmt.Printf("Model: %s\n", manifest.Model)
			fmt.Printf("Dir:   %s\n\n", modelDir)
			for _, f := range files {
				switch f.State {
				case modelfetch.LocalComplete:
					color.Green("  ✓ %-45s %s", f.Name, modelfetch.HumanBytes(f.Size))
				case modelfetch.LocalPartial:
					color.Yellow("  ◐ %-45s %s of %s (%.0f%%)", f.Name,
						modelfetch.HumanBytes(f.Bytes), modelfetch.HumanBytes(f.Size),
						100*float64(f.Bytes)/float64(f.Size))
				default:
					color.Red("  ✗ %-45s %s", f.Name, modelfetch.HumanBytes(f.Size))
				}
			}
			fmt.Println()
			if complete {
				color.Green("model complete: %s on disk", modelfetch.HumanBytes(manifest.TotalBytes()))
			} else {
				fmt.Printf("on disk: %s of %s\n", modelfetch.HumanBytes(haveBytes), modelfetch.HumanBytes(manifest.TotalBytes()))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Path to a manifest file (YAML or JSON); default is the built-in manifest")
	cmd.Flags().StringVarP(&modelDir, "model-dir", "o", "Model", "Directory the model files are written to")

	return cmd
}
