// Package gateway is the local HTTP surface: event ingest, task-context
// routing, similarity search, and a status endpoint. External agent
// tooling (get_task_context, search_memory) is a thin adapter over
// these endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mnemod/mnemod/internal/config"
	"github.com/mnemod/mnemod/internal/eventlog"
	"github.com/mnemod/mnemod/internal/route"
	"github.com/mnemod/mnemod/internal/store"
)

// Batcher is the episode batcher's ingest-facing surface.
type Batcher interface {
	Append(e eventlog.Event)
	BufferedCounts() map[string]int
}

// DropCounter exposes the policy engine's violation counter.
type DropCounter interface {
	PolicyDrops() int64
}

// Server serves the HTTP API.
type Server struct {
	cfg     config.GatewayConfig
	log     *eventlog.Log
	batcher Batcher
	router  *route.Router
	st      store.Store
	drops   DropCounter
	version string
	started time.Time
}

// New creates the gateway server.
func New(cfg config.GatewayConfig, log *eventlog.Log, batcher Batcher, router *route.Router, st store.Store, drops DropCounter, version string) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		batcher: batcher,
		router:  router,
		st:      st,
		drops:   drops,
		version: version,
		started: time.Now(),
	}
}

// Handler builds the routed handler with auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingest", s.handleIngest)
	mux.HandleFunc("POST /v1/route", s.handleRoute)
	mux.HandleFunc("POST /v1/search", s.handleSearch)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	var handler http.Handler = mux
	if s.cfg.AuthToken != "" {
		authToken := s.cfg.AuthToken
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Status stays open as a health check.
			if r.URL.Path == "/v1/status" {
				mux.ServeHTTP(w, r)
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if token != authToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			mux.ServeHTTP(w, r)
		})
	}
	return handler
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleIngest appends one event to the durable log and the batcher.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var e eventlog.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, "invalid event body", http.StatusBadRequest)
		return
	}
	if err := s.log.Append(r.Context(), &e); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.batcher.Append(e)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": e.ID})
}

// handleRoute serves budget-constrained task context.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req route.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid route request", http.StatusBadRequest)
		return
	}
	sel, err := s.router.Route(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

// handleSearch serves raw top-k similarity search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req route.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid search request", http.StatusBadRequest)
		return
	}
	results, err := s.router.Search(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": results})
}

// Status is the health and pipeline snapshot served at /v1/status.
type Status struct {
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Memories      store.Stats    `json:"memories"`
	PendingEvents map[string]int `json:"pending_events"`
	Buffered      map[string]int `json:"buffered_events"`
	PolicyDrops   int64          `json:"policy_drops"`
	ParkedCount   int            `json:"parked_episodes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.st.Stats(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	pending, err := s.log.PendingCounts(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	parked, err := s.log.Parked(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, Status{
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Memories:      stats,
		PendingEvents: pending,
		Buffered:      s.batcher.BufferedCounts(),
		PolicyDrops:   s.drops.PolicyDrops(),
		ParkedCount:   len(parked),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Response encode failed", "error", err)
	}
}
