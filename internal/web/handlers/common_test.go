package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/embedding"
	"github.com/kozaktomas/face-linker/internal/identity"
	"github.com/kozaktomas/face-linker/internal/pipeline"
)

func TestRespondJSON(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondJSON(recorder, http.StatusCreated, map[string]int{"count": 42})

	assertStatusCode(t, recorder, http.StatusCreated)
	assertContentType(t, recorder, "application/json")

	var result map[string]int
	parseJSONResponse(t, recorder, &result)
	if result["count"] != 42 {
		t.Errorf("expected count 42, got %d", result["count"])
	}
}

func TestRespondJSON_NilData(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondJSON(recorder, http.StatusNoContent, nil)

	if recorder.Body.Len() != 0 {
		t.Errorf("expected empty body for nil data, got '%s'", recorder.Body.String())
	}
}

func TestRespondError(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondError(recorder, http.StatusBadRequest, "something went wrong")

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "something went wrong")
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("person x: %w", database.ErrNotFound), http.StatusNotFound},
		{"invalid input", fmt.Errorf("%w: bad", pipeline.ErrInvalidInput), http.StatusBadRequest},
		{"no input", pipeline.ErrNoInput, http.StatusBadRequest},
		{"no valid videos", pipeline.ErrNoValidVideos, http.StatusUnprocessableEntity},
		{"dimension mismatch", &identity.IdentityError{ID: "a", Err: embedding.ErrDimensionMismatch}, http.StatusUnprocessableEntity},
		{"no store", pipeline.ErrNoStore, http.StatusServiceUnavailable},
		{"deadline", fmt.Errorf("matching: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"unexpected", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusForError(tt.err); got != tt.want {
				t.Errorf("statusForError() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRespondPipelineError_HidesInternalDetail(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondPipelineError(recorder, testLogger(), "list persons", errors.New("pq: password authentication failed"))

	assertStatusCode(t, recorder, http.StatusInternalServerError)
	assertJSONError(t, recorder, "list persons failed")
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		limit   int64
		wantErr bool
		want    int
	}{
		{name: "valid", body: `{"k": 5}`, limit: 1024, want: 5},
		{name: "empty body", body: ``, limit: 1024, want: 0},
		{name: "malformed", body: `{"k":`, limit: 1024, wantErr: true},
		{name: "too large", body: `{"k": 5, "exclude_videos": ["` + strings.Repeat("a", 100) + `"]}`, limit: 16, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var v searchRequest
			err := decodeJSON(httptest.NewRecorder(), req, tt.limit, &v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && v.K != tt.want {
				t.Errorf("K = %d, want %d", v.K, tt.want)
			}
		})
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=-3", 20},
		{"limit=abc", 20},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?"+tt.query, nil)
		if got := queryInt(req, "limit", 20); got != tt.want {
			t.Errorf("queryInt(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestSanitizeForLog(t *testing.T) {
	if got := sanitizeForLog("abc\r\nINFO forged"); got != "abcINFO forged" {
		t.Errorf("sanitizeForLog() = %q", got)
	}
}

func TestHealthCheck(t *testing.T) {
	recorder := httptest.NewRecorder()
	HealthCheck(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var result map[string]string
	parseJSONResponse(t, recorder, &result)
	if result["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", result["status"])
	}
}
