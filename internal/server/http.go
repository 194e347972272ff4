// Package server exposes health and management endpoints over HTTP. It is
// optional; the MCP transport works without it.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/yourorg/acetool-go/internal/config"
	"github.com/yourorg/acetool-go/internal/indexer"
	"github.com/yourorg/acetool-go/internal/logging"
	"github.com/yourorg/acetool-go/internal/state"
	"github.com/yourorg/acetool-go/internal/version"
)

// HTTPServer provides health/management endpoints.
type HTTPServer struct {
	addr   string
	logger *logging.Logger
	srv    *http.Server
}

func withOptionalAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Acetool-Token") != token {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized"))
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func NewHTTPServer(cfg *config.Config, st *state.State, idx *indexer.Service, logger *logging.Logger) *HTTPServer {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status": string(st.Status()),
			"data": map[string]any{
				"http":     cfg.HTTPAddr,
				"data":     cfg.DataDir,
				"base":     cfg.BaseURL,
				"maxln":    cfg.MaxLinesPerBlob,
				"ver":      version.Version,
				"commit":   version.Commit,
				"built":    version.BuildTime,
				"watching": idx.WatchedProjects(),
			},
		})
	})

	mux.HandleFunc("/projects", withOptionalAuth(cfg.HTTPToken, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, idx.ListProjects())
	}))

	mux.HandleFunc("/failed", withOptionalAuth(cfg.HTTPToken, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, idx.ListFailed())
	}))

	mux.HandleFunc("/metrics", withOptionalAuth(cfg.HTTPToken, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, idx.Metrics())
	}))

	mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
		// ?after=ID fetches incrementally; default is the recent 50.
		if afterStr := r.URL.Query().Get("after"); afterStr != "" {
			afterID, err := strconv.ParseInt(afterStr, 10, 64)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				writeJSON(w, map[string]string{"error": "after must be an integer"})
				return
			}
			writeJSON(w, idx.OpLogsSince(afterID))
			return
		}
		writeJSON(w, idx.OpLogs(50))
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return &HTTPServer{addr: cfg.HTTPAddr, logger: logger, srv: srv}
}

func (s *HTTPServer) Start() error {
	s.logger.Info("http server starting", logging.String("addr", s.addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.srv.Shutdown(ctx)
}
