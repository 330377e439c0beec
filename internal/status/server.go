package status

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sorenh/fsmirror/internal/engine"
	"github.com/sorenh/fsmirror/internal/mirror"
)

// Server assembles the status HTTP surface.
type Server struct {
	state  *mirror.State
	engine *engine.Engine
	broker *Broker
	ready  atomic.Bool
}

// NewServer creates a status server over the given components.
func NewServer(state *mirror.State, eng *engine.Engine, broker *Broker) *Server {
	return &Server{state: state, engine: eng, broker: broker}
}

// SetReady marks the readiness probe healthy. Called once the initial
// reconciliation has completed.
func (s *Server) SetReady() { s.ready.Store(true) }

// Router builds the chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "reconciling"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/state", s.handleState)
	r.Get("/events", s.broker.ServeHTTP)

	return r
}

type stateResponse struct {
	Entries      int         `json:"entries"`
	Dirty        int         `json:"dirty"`
	DirtyPaths   []string    `json:"dirty_paths,omitempty"`
	Reconciled   *time.Time  `json:"last_reconcile,omitempty"`
	LastStats    *statsBlock `json:"last_reconcile_stats,omitempty"`
	SSEConnected int         `json:"sse_clients"`
}

type statsBlock struct {
	FilesCopied int64 `json:"files_copied"`
	DirsCreated int64 `json:"dirs_created"`
	Deleted     int64 `json:"deleted"`
	Unchanged   int64 `json:"unchanged"`
	Failed      int64 `json:"failed"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	total, dirty, err := s.state.Count()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp := stateResponse{
		Entries:      total,
		Dirty:        dirty,
		SSEConnected: s.broker.ClientCount(),
	}
	if dirty > 0 {
		if paths, dpErr := s.state.DirtyPaths(); dpErr == nil {
			resp.DirtyPaths = paths
		}
	}
	if stats, at := s.engine.Snapshot(); !at.IsZero() {
		resp.Reconciled = &at
		resp.LastStats = &statsBlock{
			FilesCopied: stats.FilesCopied,
			DirsCreated: stats.DirsCreated,
			Deleted:     stats.Deleted,
			Unchanged:   stats.Unchanged,
			Failed:      stats.Failed,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}
