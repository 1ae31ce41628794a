package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/opspulse/opspulse/contracts"
)

// healthPingTimeout bounds the store reachability check so /health
// answers quickly even when the backend is down.
const healthPingTimeout = 3 * time.Second

// handleHealth reports process liveness plus store reachability.
// Always 200; a broken store shows up in the body, not the status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	ping := s.store.Ping(ctx)
	status := "ok"
	if !ping.OK {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: status, Supabase: ping})
}

// handleCreateRoutine validates and persists a new routine. The first
// scheduled slot is one interval from the creation minute.
func (s *Server) handleCreateRoutine(w http.ResponseWriter, r *http.Request) {
	var req createRoutineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body", contracts.ErrInvalidInput))
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %s", contracts.ErrValidation, err.Error()))
		return
	}
	if err := ValidateHeaders(req.Headers); err != nil {
		writeError(w, err)
		return
	}

	routine, err := s.store.InsertRoutine(r.Context(), req.draft(workspaceID(r.Context()), s.clock.Now()))
	if err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info("routine created",
		zap.String("routine_id", routine.ID),
		zap.String("workspace_id", routine.WorkspaceID))
	writeJSON(w, http.StatusCreated, routine)
}

func (s *Server) handleListRoutines(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	routines, err := s.store.ListRoutines(r.Context(), workspaceID(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if routines == nil {
		routines = []contracts.Routine{}
	}
	writeJSON(w, http.StatusOK, routines)
}

func (s *Server) handleGetRoutine(w http.ResponseWriter, r *http.Request) {
	routine, err := s.store.GetRoutine(r.Context(), workspaceID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routine)
}

// handleUpdateRoutine applies a partial update. An empty patch is a
// client error rather than a silent no-op.
func (s *Server) handleUpdateRoutine(w http.ResponseWriter, r *http.Request) {
	var req updateRoutineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body", contracts.ErrInvalidInput))
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %s", contracts.ErrValidation, err.Error()))
		return
	}
	if req.Headers != nil {
		if err := ValidateHeaders(*req.Headers); err != nil {
			writeError(w, err)
			return
		}
	}

	patch := req.patch()
	if patch.Empty() {
		writeError(w, fmt.Errorf("%w: no fields to update", contracts.ErrInvalidInput))
		return
	}

	routine, err := s.store.UpdateRoutine(r.Context(), workspaceID(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routine)
}

func (s *Server) handleDeleteRoutine(w http.ResponseWriter, r *http.Request) {
	wsID := workspaceID(r.Context())
	routineID := chi.URLParam(r, "id")

	// The delete itself is unconditional at the store; the lookup gives
	// the 404 for unknown or foreign routines.
	if _, err := s.store.GetRoutine(r.Context(), wsID, routineID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteRoutine(r.Context(), wsID, routineID); err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info("routine deleted",
		zap.String("routine_id", routineID),
		zap.String("workspace_id", wsID))
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: true, ID: routineID})
}

// handleManualRun executes the routine once, synchronously, outside the
// scheduling cycle.
func (s *Server) handleManualRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.manual.Run(r.Context(), workspaceID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	wsID := workspaceID(r.Context())
	routineID := chi.URLParam(r, "id")

	// Runs are keyed by routine only; the workspace-scoped lookup is the
	// tenancy check.
	if _, err := s.store.GetRoutine(r.Context(), wsID, routineID); err != nil {
		writeError(w, err)
		return
	}

	runs, err := s.store.ListRuns(r.Context(), routineID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []contracts.RoutineRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}
