// Package server provides HTTP server construction for chatsync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/status"
)

// MuxConfig holds dependencies for building the HTTP mux. Nil handlers
// leave their route unregistered.
type MuxConfig struct {
	MCPHandler     http.Handler
	MetricsHandler http.Handler
	Health         func() (status.Snapshot, error)
	Token          string
	Logger         *slog.Logger
}

// NewMux builds the HTTP mux with the MCP, metrics and health endpoints.
// The MCP endpoint is protected by Bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	if cfg.MCPHandler != nil {
		authMiddleware := auth.Middleware(cfg.Token, cfg.Logger)
		mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))
	}

	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	if cfg.Health != nil {
		mux.HandleFunc("GET /healthz", handleHealth(cfg.Health, cfg.Logger))
	}

	return mux
}

// handleHealth reports the engine snapshot. Being offline is a normal
// state for this engine, so only an unreadable store fails the check.
func handleHealth(health func() (status.Snapshot, error), logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := health()
		if err != nil {
			logger.Warn("health check failed", slog.String("error", err.Error()))
			http.Error(w, "state unavailable", http.StatusServiceUnavailable)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		if err := json.NewEncoder(w).Encode(snap); err != nil {
			logger.Debug("writing health response", slog.String("error", err.Error()))
		}
	}
}
