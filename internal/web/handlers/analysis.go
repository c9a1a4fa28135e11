package handlers

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/kozaktomas/face-linker/internal/constants"
	"github.com/kozaktomas/face-linker/internal/pipeline"
)

// AnalysisHandler runs the pipeline stages over HTTP.
type AnalysisHandler struct {
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
	runMu    *sync.Mutex // serializes runs that write the store
}

// NewAnalysisHandler creates a new analysis handler
func NewAnalysisHandler(p *pipeline.Pipeline, logger *slog.Logger) *AnalysisHandler {
	return &AnalysisHandler{pipeline: p, logger: logger, runMu: &sync.Mutex{}}
}

// RunLock returns the lock held while a run writes the store.
func (h *AnalysisHandler) RunLock() *sync.Mutex {
	return h.runMu
}

type analyzeRequest struct {
	Videos   []pipeline.VideoDetections `json:"videos"`
	Scope    []string                   `json:"scope,omitempty"`
	UseIndex bool                       `json:"use_index"`
	DryRun   bool                       `json:"dry_run"`
}

type scopeRequest struct {
	Videos   []string `json:"videos,omitempty"`
	UseIndex bool     `json:"use_index"`
	DryRun   bool     `json:"dry_run"`
}

// Analyze runs the full pipeline over the detections in the request body.
func (h *AnalysisHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeJSON(w, r, constants.MaxAnalyzeBodyBytes, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	byVideo, err := pipeline.GroupByVideo(req.Videos)
	if err != nil {
		respondPipelineError(w, h.logger, "analyze", err)
		return
	}

	h.runMu.Lock()
	defer h.runMu.Unlock()

	res, err := h.pipeline.Analyze(r.Context(), byVideo, pipeline.Options{
		Videos:   req.Scope,
		UseIndex: req.UseIndex,
		DryRun:   req.DryRun,
	})
	if err != nil {
		respondPipelineError(w, h.logger, "analyze", err)
		return
	}
	respondJSON(w, http.StatusOK, resultToResponse(res))
}

// Match re-runs cross-video matching over stored faces.
func (h *AnalysisHandler) Match(w http.ResponseWriter, r *http.Request) {
	var req scopeRequest
	if err := decodeJSON(w, r, constants.MaxJSONBodyBytes, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	h.runMu.Lock()
	defer h.runMu.Unlock()

	res, err := h.pipeline.Match(r.Context(), pipeline.Options{Videos: req.Videos, UseIndex: req.UseIndex, DryRun: req.DryRun})
	if err != nil {
		respondPipelineError(w, h.logger, "match", err)
		return
	}
	respondJSON(w, http.StatusOK, resultToResponse(res))
}

// Cluster rebuilds person clusters from stored edges.
func (h *AnalysisHandler) Cluster(w http.ResponseWriter, r *http.Request) {
	var req scopeRequest
	if err := decodeJSON(w, r, constants.MaxJSONBodyBytes, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	h.runMu.Lock()
	defer h.runMu.Unlock()

	res, err := h.pipeline.Cluster(r.Context(), pipeline.Options{Videos: req.Videos, DryRun: req.DryRun})
	if err != nil {
		respondPipelineError(w, h.logger, "cluster", err)
		return
	}
	respondJSON(w, http.StatusOK, resultToResponse(res))
}
