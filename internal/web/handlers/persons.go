package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-linker/internal/constants"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/identity"
	"github.com/kozaktomas/face-linker/internal/pipeline"
)

// PersonsHandler handles person cluster endpoints
type PersonsHandler struct {
	pipeline *pipeline.Pipeline
	persons  database.PersonReader
	logger   *slog.Logger
}

// NewPersonsHandler creates a new persons handler
func NewPersonsHandler(p *pipeline.Pipeline, persons database.PersonReader, logger *slog.Logger) *PersonsHandler {
	return &PersonsHandler{pipeline: p, persons: persons, logger: logger}
}

// List returns all persons, or those whose name matches ?name=.
func (h *PersonsHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		persons []identity.PersonIdentity
		err     error
	)
	if name := r.URL.Query().Get("name"); name != "" {
		persons, err = h.persons.FindPersonsByName(r.Context(), name)
	} else {
		persons, err = h.persons.ListPersons(r.Context())
	}
	if err != nil {
		respondPipelineError(w, h.logger, "list persons", err)
		return
	}
	respondJSON(w, http.StatusOK, personsToResponse(persons))
}

// Get returns one person with its per-video appearances.
func (h *PersonsHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	detail, err := h.pipeline.Person(r.Context(), uid)
	if err != nil {
		respondPipelineError(w, h.logger, "get person", err)
		return
	}
	respondJSON(w, http.StatusOK, personDetailResponse{
		personResponse: personToResponse(detail.PersonIdentity),
		Appearances:    detail.Appearances,
	})
}

type updatePersonRequest struct {
	Name  string `json:"name"`
	Notes string `json:"notes"`
}

// Update assigns a name and notes to a person.
func (h *PersonsHandler) Update(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	var req updatePersonRequest
	if err := decodeJSON(w, r, constants.MaxJSONBodyBytes, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	if err := h.pipeline.RenamePerson(r.Context(), uid, req.Name, req.Notes); err != nil {
		h.logger.Warn("rename failed", "person_id", sanitizeForLog(uid), "error", err)
		respondPipelineError(w, h.logger, "update person", err)
		return
	}

	person, err := h.persons.GetPerson(r.Context(), uid)
	if err != nil || person == nil {
		respondJSON(w, http.StatusOK, map[string]string{"id": uid, "name": req.Name})
		return
	}
	respondJSON(w, http.StatusOK, personToResponse(*person))
}
