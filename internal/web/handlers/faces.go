package handlers

import (
	"log/slog"
	"net/http"

	"github.com/kozaktomas/face-linker/internal/constants"
	"github.com/kozaktomas/face-linker/internal/pipeline"
)

// FacesHandler handles face search endpoints
type FacesHandler struct {
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

// NewFacesHandler creates a new faces handler
func NewFacesHandler(p *pipeline.Pipeline, logger *slog.Logger) *FacesHandler {
	return &FacesHandler{pipeline: p, logger: logger}
}

type searchRequest struct {
	Embedding     []float32 `json:"embedding"`
	K             int       `json:"k"`
	ExcludeVideos []string  `json:"exclude_videos,omitempty"`
}

// Search finds stored faces similar to a query embedding.
func (h *FacesHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, constants.MaxJSONBodyBytes, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if len(req.Embedding) == 0 {
		respondError(w, http.StatusBadRequest, "embedding is required")
		return
	}

	results, err := h.pipeline.SearchFaces(r.Context(), req.Embedding, req.K, req.ExcludeVideos)
	if err != nil {
		respondPipelineError(w, h.logger, "search faces", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// IndexStats reports the size and configuration of the face index.
func (h *FacesHandler) IndexStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pipeline.IndexStats(r.Context())
	if err != nil {
		respondPipelineError(w, h.logger, "index stats", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
