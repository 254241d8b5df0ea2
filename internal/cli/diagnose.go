// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/halcyon-journal/modelfetch/pkg/diagnose"
)

func newDiagnoseCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var manifestPath string
	var modelDir string

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Run connectivity and environment checks for the model download",
		Long: `Run a battery of probes that explain why a download is failing:
internet reachability, model host reachability, model file availability,
disk space, transfer throughput, and proxy configuration.

Findings print as they land; the command exits non-zero when any probe fails.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}

			var modelURL string
			if len(manifest.Files) > 0 {
				modelURL = manifest.FileURL("", manifest.Files[0])
			}
			runner := diagnose.NewRunner(diagnose.Config{
				Endpoint: manifest.Endpoint,
				ModelURL: modelURL,
				Token:    resolveToken(ro),
				ModelDir: modelDir,
			})

			var onResult func(diagnose.Result)
			if ro.JSONOut {
				sink := jsonEvents(os.Stdout)
				onResult = func(res diagnose.Result) { sink(res) }
			} else {
				onResult = printResult
			}

			report := runner.Run(ctx, onResult)

			if ro.JSONOut {
				sink := jsonEvents(os.Stdout)
				sink(map[string]any{"overall": report.Overall(), "elapsed": report.Finished.Sub(report.Started).String()})
			} else {
				fmt.Println()
				switch report.Overall() {
				case diagnose.StatusPassed:
					color.Green("all checks passed")
				case diagnose.StatusWarning:
					color.Yellow("checks passed with warnings")
				default:
					color.Red("some checks failed")
				}
			}

			if report.Overall() == diagnose.StatusFailed {
				return fmt.Errorf("diagnostics failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Path to a manifest file (YAML or JSON); default is the built-in manifest")
	cmd.Flags().StringVarP(&modelDir, "model-dir", "o", "Model", "Directory the model files are written to")

	return cmd
}

func printResult(res diagnose.Result) {
	switch res.Status {
	case diagnose.StatusPassed:
		color.Green("  ✓ %-22s %s", res.Name, res.Message)
	case diagnose.StatusWarning:
		color.Yellow("  ! %-22s %s", res.Name, res.Message)
	default:
		color.Red("  ✗ %-22s %s", res.Name, res.Message)
	}
	if res.Solution != "" {
		fmt.Printf("    %s\n", res.Solution)
	}
}
