// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Token    string
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	Progress string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := newRootCmd(ctx, &RootOpts{}, version)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newRootCmd(ctx context.Context, ro *RootOpts, version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "modelfetch",
		Short:         "Resumable acquisition engine for the on-device journaling model",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	// Global flags
	root.PersistentFlags().StringVarP(&ro.Token, "token", "t", "", "Bearer token for gated model hosts (also reads MODELFETCH_TOKEN env)")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events (progress, status, diagnostics)")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (minimal logs)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.Progress, "progress", "auto", "Progress rendering: auto|tui|bar|plain|json")

	// Add commands
	fetchCmd := newFetchCmd(ctx, ro)
	root.AddCommand(fetchCmd)
	root.AddCommand(newStatusCmd(ro))
	root.AddCommand(newDiagnoseCmd(ctx, ro))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd(version))

	// Make fetch the default command when no subcommand is given
	root.RunE = fetchCmd.RunE
	root.PreRunE = fetchCmd.PreRunE
	root.Flags().AddFlagSet(fetchCmd.Flags())
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	return root
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// resolveToken layers flag > environment > config file.
func resolveToken(ro *RootOpts) string {
	tok := strings.TrimSpace(ro.Token)
	if tok == "" {
		tok = strings.TrimSpace(os.Getenv("MODELFETCH_TOKEN"))
	}
	return tok
}

// configFilePath returns the explicit --config path or the first existing
// default location.
func configFilePath(ro *RootOpts) string {
	if ro.Config != "" {
		return ro.Config
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"modelfetch.json", "modelfetch.yaml", "modelfetch.yml"} {
		p := filepath.Join(home, ".config", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// applyConfigDefaults fills unset flags from the config file. CLI flags
// always win over file values.
func applyConfigDefaults(cmd *cobra.Command, ro *RootOpts) error {
	path := configFilePath(ro)
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid YAML config file: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid JSON config file: %w", err)
		}
	}

	for key, v := range cfg {
		if v == nil {
			continue
		}
		f := cmd.Flags().Lookup(key)
		if f == nil || f.Changed {
			continue
		}
		if err := f.Value.Set(fmt.Sprint(v)); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}

	if !cmd.Flags().Changed("token") && os.Getenv("MODELFETCH_TOKEN") == "" {
		if v, ok := cfg["token"]; ok && v != nil {
			ro.Token = fmt.Sprint(v)
		}
	}

	return nil
}

// jsonEvents returns a JSON-lines event handler.
func jsonEvents(w io.Writer) func(any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(ev any) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
	}
}
