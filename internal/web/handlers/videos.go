package handlers

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/pipeline"
)

// VideosHandler handles analysed video endpoints
type VideosHandler struct {
	pipeline *pipeline.Pipeline
	videos   database.VideoReader
	faces    database.FaceReader
	logger   *slog.Logger
	runMu    *sync.Mutex
}

// NewVideosHandler creates a new videos handler
func NewVideosHandler(p *pipeline.Pipeline, videos database.VideoReader, faces database.FaceReader, logger *slog.Logger) *VideosHandler {
	return &VideosHandler{pipeline: p, videos: videos, faces: faces, logger: logger, runMu: &sync.Mutex{}}
}

// WithRunLock shares the lock that serialises writing runs across handlers.
func (h *VideosHandler) WithRunLock(mu *sync.Mutex) *VideosHandler {
	h.runMu = mu
	return h
}

// List returns all analysed videos.
func (h *VideosHandler) List(w http.ResponseWriter, r *http.Request) {
	videos, err := h.videos.ListVideos(r.Context())
	if err != nil {
		respondPipelineError(w, h.logger, "list videos", err)
		return
	}
	out := make([]videoResponse, len(videos))
	for i := range videos {
		out[i] = videoToResponse(videos[i])
	}
	respondJSON(w, http.StatusOK, out)
}

// Faces returns the video identities found in one video.
func (h *VideosHandler) Faces(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	video, err := h.videos.GetVideo(r.Context(), id)
	if err != nil {
		respondPipelineError(w, h.logger, "get video", err)
		return
	}
	if video == nil {
		respondError(w, http.StatusNotFound, "video not found")
		return
	}

	faces, err := h.faces.GetVideoFaces(r.Context(), id)
	if err != nil {
		respondPipelineError(w, h.logger, "get video faces", err)
		return
	}
	out := make([]faceResponse, len(faces))
	for i := range faces {
		out[i] = faceToResponse(faces[i])
	}
	respondJSON(w, http.StatusOK, out)
}

// Delete removes a video and rebuilds the persons it contributed to.
func (h *VideosHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.runMu.Lock()
	res, err := h.pipeline.RemoveVideo(r.Context(), id)
	h.runMu.Unlock()
	if err != nil {
		respondPipelineError(w, h.logger, "remove video", err)
		return
	}
	h.logger.Info("video removed via API", "video_id", sanitizeForLog(id), "run_id", res.Run.ID)
	respondJSON(w, http.StatusOK, resultToResponse(res))
}
