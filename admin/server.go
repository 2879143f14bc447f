// Package admin serves the operational HTTP surface: pipeline status,
// cursors and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/trailguard/trailguard/capture"
	"github.com/trailguard/trailguard/changelog"
	"github.com/trailguard/trailguard/dispatch"
	"github.com/trailguard/trailguard/publish"
	"github.com/trailguard/trailguard/telemetry"
)

// Server exposes pipeline state over HTTP. All endpoints are read-only.
type Server struct {
	store      *changelog.Store
	poller     *publish.Poller
	dispatcher *dispatch.Dispatcher // nil when the consumer side is disabled
	mode       capture.Mode
	degraded   bool

	httpServer *http.Server
}

// NewServer wires the status surface.
func NewServer(addr string, store *changelog.Store, poller *publish.Poller,
	dispatcher *dispatch.Dispatcher, mode capture.Mode, degraded bool) *Server {

	s := &Server{
		store:      store,
		poller:     poller,
		dispatcher: dispatcher,
		mode:       mode,
		degraded:   degraded,
	}

	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Get("/cursors", s.handleCursors)
	if handler := telemetry.GetMetricsHandler(); handler != nil {
		r.Handle("/metrics", handler)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start listens in the background; listen errors other than a clean shutdown
// are logged, not fatal — losing the status surface does not stop capture.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.httpServer.Addr).Msg("Status server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Status server failed")
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Status server shutdown failed")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	response := map[string]any{
		"capture_mode":     string(s.mode),
		"capture_degraded": s.degraded,
		"change_log":       stats,
		"poller":           s.poller.Status(),
	}
	if s.dispatcher != nil {
		response["dispatcher"] = s.dispatcher.Status()
	}
	writeJSON(w, response)
}

func (s *Server) handleCursors(w http.ResponseWriter, r *http.Request) {
	status := s.poller.Status()
	writeJSON(w, map[string]any{
		"cursor": status.Cursor,
		"state":  status.State,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write status response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":%q}`, err.Error())
}
