// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/halcyon-journal/modelfetch/internal/tui"
	"github.com/halcyon-journal/modelfetch/pkg/modelfetch"
)

func newFetchCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	cfg := modelfetch.DefaultSettings()
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the model files, resuming any partial files on disk",
		Long: `Download every file the model manifest lists, in manifest order.

Files already complete on disk are skipped. Partial files resume from the
byte where the previous run stopped. Interrupting with Ctrl+C keeps the
partial files so a later run picks up where this one left off.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}
			cfg.Token = resolveToken(ro)

			emit, closeUI := selectProgress(ro, manifest, cfg)
			defer closeUI()

			setup := modelfetch.NewSetup(manifest, cfg, nil, emit)

			// The bar mode renders from aggregate state, not events.
			stopBar := startBarFeed(ro, setup)
			defer stopBar()

			err = setup.Start(ctx)
			if errors.Is(err, context.Canceled) {
				return fmt.Errorf("cancelled; partial files kept, run again to resume")
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Path to a manifest file (YAML or JSON); default is the built-in manifest")
	cmd.Flags().StringVarP(&cfg.ModelDir, "model-dir", "o", cfg.ModelDir, "Directory the model files are written to")
	cmd.Flags().StringVar(&cfg.Endpoint, "endpoint", "", "Override the manifest's download endpoint (mirrors)")
	cmd.Flags().IntVar(&cfg.Retries, "retries", cfg.Retries, "Max retry attempts per file transfer")
	cmd.Flags().StringVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "Initial retry backoff duration")
	cmd.Flags().StringVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum retry backoff duration")
	cmd.Flags().StringVar(&cfg.StallTimeout, "stall-timeout", cfg.StallTimeout, "Abort a transfer attempt after this long without receiving bytes")
	cmd.Flags().BoolVar(&cfg.OfflineMode, "offline", false, "Fail instead of downloading when the model is not already on disk")

	return cmd
}

func loadManifest(path string) (modelfetch.Manifest, error) {
	if path == "" {
		return modelfetch.Default(), nil
	}
	return modelfetch.Load(path)
}

// selectProgress picks an event handler for the chosen progress mode and
// returns it with a cleanup func.
func selectProgress(ro *RootOpts, manifest modelfetch.Manifest, cfg modelfetch.Settings) (modelfetch.EventFunc, func()) {
	noop := func() {}
	switch progressMode(ro) {
	case "json":
		sink := jsonEvents(os.Stdout)
		return func(ev modelfetch.Event) { sink(ev) }, noop
	case "tui":
		ui := tui.NewLiveRenderer(manifest, cfg)
		return ui.Handler(), ui.Close
	case "bar":
		// Step and error lines only; byte progress is the bar's job.
		return barEvents(os.Stderr), noop
	default:
		return plainEvents(os.Stdout), noop
	}
}

// progressMode resolves the effective mode from flags and the terminal.
func progressMode(ro *RootOpts) string {
	mode := strings.ToLower(ro.Progress)
	if ro.JSONOut {
		mode = "json"
	}
	if ro.Quiet && mode == "auto" {
		mode = "plain"
	}
	if mode != "auto" {
		return mode
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return "tui"
	}
	return "bar"
}

// plainEvents returns a simple line-per-event text handler.
func plainEvents(w *os.File) modelfetch.EventFunc {
	return func(ev modelfetch.Event) {
		switch ev.Event {
		case "step":
			fmt.Fprintf(w, "step: %s\n", ev.Step)
		case "check_done":
			fmt.Fprintln(w, ev.Message)
		case "file_start":
			if ev.Downloaded > 0 {
				fmt.Fprintf(w, "resuming: %s at %d/%d bytes\n", ev.File, ev.Downloaded, ev.Total)
			} else {
				fmt.Fprintf(w, "downloading: %s (%d bytes)\n", ev.File, ev.Total)
			}
		case "retry":
			fmt.Fprintf(w, "retry %s (attempt %d): %s\n", ev.File, ev.Attempt, ev.Message)
		case "file_done":
			if strings.HasPrefix(ev.Message, "skip") {
				fmt.Fprintf(w, "skip: %s\n", ev.File)
			} else {
				fmt.Fprintf(w, "done: %s\n", ev.File)
			}
		case "cancelled":
			fmt.Fprintln(w, ev.Message)
		case "error":
			fmt.Fprintf(os.Stderr, "error: %s\n", ev.Message)
		case "done":
			fmt.Fprintln(w, ev.Message)
		}
	}
}

// barEvents is plainEvents minus the byte noise the bar already shows.
func barEvents(w *os.File) modelfetch.EventFunc {
	inner := plainEvents(w)
	return func(ev modelfetch.Event) {
		if ev.Event == "file_progress" {
			return
		}
		inner(ev)
	}
}
