// Package web provides the HTTP read surfaces of the daemons: the bus's
// event feed and SSE stream, the fusion engine's incident and risk API,
// and the shared health and metrics endpoints.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amoskys/amoskys/internal/logging"
)

// Server is a thin wrapper around an http.Server with the routes the
// daemon registered. Construct with NewBusServer or NewFusionServer.
type Server struct {
	mux    *http.ServeMux
	server *http.Server
	log    *logging.Logger
}

func newServer(log *logging.Logger) *Server {
	return &Server{
		mux: http.NewServeMux(),
		log: log,
	}
}

// registerHealth wires liveness, readiness, and Prometheus metrics.
// ready is nil for daemons that are ready as soon as they serve.
func (s *Server) registerHealth(ready func() error) {
	s.mux.HandleFunc("GET /healthz/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.HandleFunc("GET /healthz/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 30 * time.Second,
		// SSE connections are long-lived, so no global write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Info("http server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Handler returns the route mux, for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
