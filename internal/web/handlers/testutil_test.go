package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-linker/internal/config"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/database/mock"
	"github.com/kozaktomas/face-linker/internal/identity"
	"github.com/kozaktomas/face-linker/internal/pipeline"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testPipeline creates a pipeline over 4-dimensional embeddings backed by store.
func testPipeline(t *testing.T, store database.Store) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(config.MatchingConfig{
		SimilarityThreshold: 0.85,
		ClusteringThreshold: 0.90,
		MergeThreshold:      0.80,
		RegisteredThreshold: 0.90,
		TrackThreshold:      0.80,
		EmbeddingDim:        4,
		KNeighbors:          10,
		Workers:             2,
	}, store, testLogger())
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p
}

func unit(i int) []float32 {
	v := make([]float32, 4)
	v[i] = 1
	return v
}

func sightings(video string, emb []float32, n int) []identity.RawDetection {
	out := make([]identity.RawDetection, n)
	for i := range out {
		out[i] = identity.RawDetection{
			VideoID:    video,
			FrameIndex: i * 10,
			Timestamp:  t0.Add(time.Duration(i) * time.Second),
			BBox:       identity.BBox{X2: 100, Y2: 100},
			Confidence: 0.9,
			Embedding:  emb,
		}
	}
	return out
}

// testCorpus returns two videos sharing one face; video a also shows a second one.
func testCorpus() []pipeline.VideoDetections {
	return []pipeline.VideoDetections{
		{VideoID: "a", Detections: append(sightings("a", unit(0), 3), sightings("a", unit(1), 2)...)},
		{VideoID: "b", Detections: sightings("b", unit(0), 2)},
	}
}

// seedStore analyses the test corpus into a fresh mock store.
func seedStore(t *testing.T) (*mock.MockStore, *pipeline.Pipeline) {
	t.Helper()
	store := mock.NewMockStore()
	p := testPipeline(t, store)
	byVideo, err := pipeline.GroupByVideo(testCorpus())
	if err != nil {
		t.Fatalf("failed to group corpus: %v", err)
	}
	if _, err := p.Analyze(context.Background(), byVideo, pipeline.Options{}); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}
	return store, p
}

// jsonRequest creates a request with a JSON-encoded body
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode request body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
