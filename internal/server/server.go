// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server provides the local HTTP control surface the journaling UI
// talks to: REST commands plus a WebSocket feed of live setup state.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/halcyon-journal/modelfetch/pkg/modelfetch"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	Port           int
	ModelDir       string
	ManifestPath   string // empty means the embedded default manifest
	Endpoint       string // overrides the manifest endpoint
	Token          string
	Retries        int
	OfflineMode    bool
	AllowedOrigins []string // CORS origins
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:     "127.0.0.1",
		Port:     8217,
		ModelDir: "./Model",
	}
}

// Server hosts the acquisition engine for a local UI.
type Server struct {
	config     Config
	httpServer *http.Server
	manifest   modelfetch.Manifest
	settings   modelfetch.Settings
	setup      *modelfetch.Setup
	wsHub      *WSHub
}

// New creates a server with the given configuration.
func New(cfg Config) (*Server, error) {
	manifest := modelfetch.Default()
	if cfg.ManifestPath != "" {
		m, err := modelfetch.Load(cfg.ManifestPath)
		if err != nil {
			return nil, err
		}
		manifest = m
	}

	settings := modelfetch.DefaultSettings()
	if cfg.ModelDir != "" {
		settings.ModelDir = cfg.ModelDir
	}
	settings.Endpoint = cfg.Endpoint
	settings.Token = cfg.Token
	settings.OfflineMode = cfg.OfflineMode
	if cfg.Retries > 0 {
		settings.Retries = cfg.Retries
	}

	wsHub := NewWSHub()
	s := &Server{
		config:   cfg,
		manifest: manifest,
		settings: settings,
		wsHub:    wsHub,
	}
	s.setup = modelfetch.NewSetup(manifest, settings, nil, func(ev modelfetch.Event) {
		wsHub.BroadcastEvent(ev)
	})
	return s, nil
}

// ListenAndServe starts the HTTP server and blocks until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.wsHub.Run()
	go s.forwardState(ctx)

	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)

	addr := fmt.Sprintf("%s:%d", s.config.Addr, s.config.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.corsMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("model setup server listening on http://%s", addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// forwardState relays engine snapshots to connected WebSocket clients.
func (s *Server) forwardState(ctx context.Context) {
	snapSub := s.setup.Subscribe()
	defer s.setup.Unsubscribe(snapSub)
	dlSub := s.setup.Downloader().Subscribe()
	defer s.setup.Downloader().Unsubscribe(dlSub)

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snapSub:
			s.wsHub.Broadcast("state", snap)
		case st := <-dlSub:
			s.wsHub.Broadcast("download", st)
		}
	}
}

// registerAPIRoutes sets up all API endpoints.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/manifest", s.handleManifest)

	mux.HandleFunc("POST /api/setup/start", s.handleStart)
	mux.HandleFunc("POST /api/setup/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/setup/resume", s.handleResume)

	mux.HandleFunc("POST /api/diagnostics", s.handleDiagnostics)

	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			allowed := false
			if len(s.config.AllowedOrigins) == 0 {
				// Default: allow same host
				allowed = true
			} else {
				for _, o := range s.config.AllowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
