package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kozaktomas/face-linker/internal/config"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/database/mock"
	"github.com/kozaktomas/face-linker/internal/pipeline"
)

func newTestServer(t *testing.T, store database.Store) *Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.Matching.EmbeddingDim = 4
	cfg.Web.AllowedOrigins = []string{"https://ui.example.com"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := pipeline.New(cfg.Matching, store, logger)
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return NewServer(&cfg, p, store, logger)
}

func analyzeBody() []byte {
	det := func(video string, frame int, emb []float32) map[string]any {
		return map[string]any{
			"video_id":    video,
			"frame_index": frame,
			"bbox":        map[string]float64{"x2": 100, "y2": 100},
			"confidence":  0.9,
			"embedding":   emb,
		}
	}
	face := []float32{1, 0, 0, 0}
	body, _ := json.Marshal(map[string]any{
		"videos": []map[string]any{
			{"video_id": "a", "detections": []any{det("a", 0, face), det("a", 10, face)}},
			{"video_id": "b", "detections": []any{det("b", 0, face)}},
		},
	})
	return body
}

func TestServer_Routes(t *testing.T) {
	store := mock.NewMockStore()
	router := newTestServer(t, store).Router()

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/analyze", bytes.NewReader(analyzeBody())))
	if recorder.Code != http.StatusOK {
		t.Fatalf("POST /analyze = %d: %s", recorder.Code, recorder.Body.String())
	}

	persons, _ := store.ListPersons(context.Background())
	if len(persons) != 1 {
		t.Fatalf("expected 1 person after analyze, got %d", len(persons))
	}

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/api/v1/health", http.StatusOK},
		{http.MethodGet, "/api/v1/persons", http.StatusOK},
		{http.MethodGet, "/api/v1/persons/" + persons[0].ID, http.StatusOK},
		{http.MethodGet, "/api/v1/persons/missing", http.StatusNotFound},
		{http.MethodGet, "/api/v1/videos", http.StatusOK},
		{http.MethodGet, "/api/v1/videos/a/faces", http.StatusOK},
		{http.MethodGet, "/api/v1/index/stats", http.StatusOK},
		{http.MethodGet, "/api/v1/runs", http.StatusOK},
		{http.MethodPost, "/api/v1/match", http.StatusOK},
		{http.MethodPost, "/api/v1/cluster", http.StatusOK},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/videos/b", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, httptest.NewRequest(tt.method, tt.path, nil))
			if recorder.Code != tt.status {
				t.Errorf("expected status %d, got %d\nBody: %s", tt.status, recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestServer_MetricsExposeRequests(t *testing.T) {
	router := newTestServer(t, mock.NewMockStore()).Router()

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(recorder.Body.String(), `face_linker_http_requests_total{method="GET",path="/api/v1/health"`) {
		t.Error("expected health request in exported metrics")
	}
}

func TestServer_CORSAndSecurityHeaders(t *testing.T) {
	router := newTestServer(t, mock.NewMockStore()).Router()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/persons", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusNoContent {
		t.Errorf("expected preflight status 204, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://ui.example.com" {
		t.Errorf("expected allowed origin echoed, got %q", got)
	}
	if recorder.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestServer_WithoutStore(t *testing.T) {
	router := newTestServer(t, nil).Router()

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/cluster", nil))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without store, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/persons", nil))
	if recorder.Code != http.StatusNotFound {
		t.Errorf("expected persons route to be absent without store, got %d", recorder.Code)
	}
}
