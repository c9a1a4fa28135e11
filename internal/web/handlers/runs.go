package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-linker/internal/constants"
	"github.com/kozaktomas/face-linker/internal/database"
)

// RunsHandler handles analysis run endpoints
type RunsHandler struct {
	runs   database.RunWriter
	logger *slog.Logger
}

// NewRunsHandler creates a new runs handler
func NewRunsHandler(runs database.RunWriter, logger *slog.Logger) *RunsHandler {
	return &RunsHandler{runs: runs, logger: logger}
}

// List returns the most recent runs first.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := min(queryInt(r, "limit", constants.DefaultRunListLimit), constants.MaxRunListLimit)
	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		respondPipelineError(w, h.logger, "list runs", err)
		return
	}
	if runs == nil {
		runs = []database.AnalysisRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

// Get returns one run.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondPipelineError(w, h.logger, "get run", err)
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	respondJSON(w, http.StatusOK, run)
}
