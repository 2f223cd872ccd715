// Package server exposes the reconciler's control API: trigger a run, query
// status, and reprocess individual failed transactions.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Dylzzzzz/actual-budget-system/internal/logger"
	"github.com/Dylzzzzz/actual-budget-system/internal/reconcile"
	"github.com/Dylzzzzz/actual-budget-system/internal/state"
)

// Engine is the reconciliation surface the API drives.
type Engine interface {
	Start(ctx context.Context, runID string) error
	Snapshot() reconcile.Snapshot
	Reprocess(ctx context.Context, id string) error
}

// Server wires the control endpoints onto a chi router.
type Server struct {
	engine Engine
	log    zerolog.Logger
}

// New creates a server around the given engine.
func New(engine Engine, log zerolog.Logger) *Server {
	return &Server{engine: engine, log: log}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery(s.log))
	r.Use(Logger(s.log))

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/reconcile", s.handleReconcile)
		r.Get("/status", s.handleStatus)
		r.Post("/transactions/{id}/reprocess", s.handleReprocess)
	})

	return r
}

// handleReconcile starts a run in the background. The run slot is acquired
// before the response is written, so a 202 always means a run is executing
// and a conflicting trigger is never silently dropped.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	runID := uuid.NewString()
	ctx := logger.WithContext(context.Background(), s.log)

	if err := s.engine.Start(ctx, runID); err != nil {
		if errors.Is(err, reconcile.ErrRunInProgress) {
			WriteJSON(w, http.StatusConflict, map[string]interface{}{
				"started": false,
				"error":   "a reconciliation run is already in progress",
			})
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"started": true,
		"run_id":  runID,
	})
}

// handleStatus reports the engine's run state, counters and statistics.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.engine.Snapshot())
}

// handleReprocess resets one failed transaction back to pending.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "transaction id is required")
		return
	}

	if err := s.engine.Reprocess(r.Context(), id); err != nil {
		s.log.Warn().Err(err).Str("transaction_id", id).Msg("Reprocess rejected")
		status := http.StatusConflict
		if errors.Is(err, state.ErrNotTracked) {
			status = http.StatusNotFound
		}
		WriteError(w, status, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"reprocessed": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
