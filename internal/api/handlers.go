package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/tracklog/internal/history"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 500
)

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleListRuns handles GET /runs?stage=&limit=
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}

	stage := r.URL.Query().Get("stage")
	switch stage {
	case "", "pull", "transform", "load":
	default:
		s.writeError(w, http.StatusBadRequest, "unknown stage: "+stage)
		return
	}

	runs, err := s.runs.Recent(r.Context(), stage, limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := RunListResponse{Runs: make([]RunResponse, 0, len(runs))}
	for _, run := range runs {
		// Listings omit file lists; fetch a single run for them.
		rr := toRunResponse(run)
		rr.Files = nil
		resp.Runs = append(resp.Runs, rr)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGetRun handles GET /runs/{runID}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, err := s.runs.Get(r.Context(), id)
	if errors.Is(err, history.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	s.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func toRunResponse(run *history.Run) RunResponse {
	return RunResponse{
		RunID:       run.ID,
		Stage:       run.Stage,
		Status:      string(run.Status),
		DryRun:      run.DryRun,
		FileCount:   run.FileCount,
		Files:       run.Files,
		Digest:      run.Digest,
		Command:     run.Command,
		ExitCode:    run.ExitCode,
		CreatedAt:   run.CreatedAt,
		CompletedAt: run.CompletedAt,
		LastError:   run.LastError,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
