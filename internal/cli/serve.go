// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/halcyon-journal/modelfetch/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	cfg := server.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a local HTTP server for UI-driven model setup",
		Long: `Start a local HTTP server that provides:
  - REST API for setup control (start, cancel, resume, diagnostics)
  - WebSocket feed of live setup state and transfer progress

The server binds to loopback by default; it is a control surface for a
local UI, not a public service.

Example:
  modelfetch serve
  modelfetch serve --port 3000 --model-dir ./Model`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Token = resolveToken(ro)

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to bind to")
	cmd.Flags().IntVarP(&cfg.Port, "port", "p", cfg.Port, "Port to listen on")
	cmd.Flags().StringVarP(&cfg.ModelDir, "model-dir", "o", cfg.ModelDir, "Directory the model files are written to")
	cmd.Flags().StringVarP(&cfg.ManifestPath, "manifest", "m", "", "Path to a manifest file (YAML or JSON); default is the built-in manifest")
	cmd.Flags().StringVar(&cfg.Endpoint, "endpoint", "", "Override the manifest's download endpoint (mirrors)")
	cmd.Flags().IntVar(&cfg.Retries, "retries", 0, "Max retry attempts per file transfer (0 uses the default)")
	cmd.Flags().BoolVar(&cfg.OfflineMode, "offline", false, "Fail instead of downloading when the model is not already on disk")
	cmd.Flags().StringSliceVar(&cfg.AllowedOrigins, "cors-origins", nil, "Allowed CORS origins (default: any)")

	return cmd
}
