// Package server provides HTTP server construction for bep-sync.
package server

import (
	"log/slog"
	"net/http"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	// Users maps usernames to bcrypt password hashes.
	Users      map[string]string
	MCPHandler http.Handler
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with a health endpoint and the MCP endpoint.
// The MCP endpoint is protected by basic auth.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.Handle("/mcp", BasicAuth(cfg.Users, cfg.Logger)(cfg.MCPHandler))

	return mux
}
