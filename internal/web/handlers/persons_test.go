package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kozaktomas/face-linker/internal/database/mock"
)

func TestPersonsHandler_List(t *testing.T) {
	store, p := seedStore(t)
	handler := NewPersonsHandler(p, store, testLogger())

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/persons", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var persons []personResponse
	parseJSONResponse(t, recorder, &persons)
	if len(persons) != 1 {
		t.Fatalf("expected 1 person, got %d", len(persons))
	}
	if persons[0].TotalVideos != 2 {
		t.Errorf("expected person in 2 videos, got %d", persons[0].TotalVideos)
	}
}

func TestPersonsHandler_UpdateAndFindByName(t *testing.T) {
	store, p := seedStore(t)
	handler := NewPersonsHandler(p, store, testLogger())
	persons, _ := store.ListPersons(context.Background())
	uid := persons[0].ID

	req := jsonRequest(t, http.MethodPut, "/api/v1/persons/"+uid, updatePersonRequest{Name: "Jiří Kára", Notes: "guest"})
	req = requestWithChiParams(req, map[string]string{"uid": uid})
	recorder := httptest.NewRecorder()
	handler.Update(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var updated personResponse
	parseJSONResponse(t, recorder, &updated)
	if updated.Name != "Jiří Kára" || updated.Notes != "guest" {
		t.Errorf("expected updated name and notes, got %q / %q", updated.Name, updated.Notes)
	}

	recorder = httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/persons?name=jiri+kara", nil))
	assertStatusCode(t, recorder, http.StatusOK)
	var found []personResponse
	parseJSONResponse(t, recorder, &found)
	if len(found) != 1 || found[0].ID != uid {
		t.Errorf("expected name search to find %s, got %+v", uid, found)
	}
}

func TestPersonsHandler_Update_Errors(t *testing.T) {
	store, p := seedStore(t)
	handler := NewPersonsHandler(p, store, testLogger())
	persons, _ := store.ListPersons(context.Background())

	tests := []struct {
		name   string
		uid    string
		body   string
		status int
	}{
		{name: "unknown person", uid: "missing", body: `{"name": "X"}`, status: http.StatusNotFound},
		{name: "malformed body", uid: persons[0].ID, body: `{"name":`, status: http.StatusBadRequest},
		{name: "name too long", uid: persons[0].ID, body: `{"name": "` + strings.Repeat("n", 201) + `"}`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/api/v1/persons/"+tt.uid, strings.NewReader(tt.body))
			req = requestWithChiParams(req, map[string]string{"uid": tt.uid})
			recorder := httptest.NewRecorder()
			handler.Update(recorder, req)
			assertStatusCode(t, recorder, tt.status)
		})
	}
}

func TestPersonsHandler_Get(t *testing.T) {
	store, p := seedStore(t)
	handler := NewPersonsHandler(p, store, testLogger())
	persons, _ := store.ListPersons(context.Background())
	uid := persons[0].ID

	req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/persons/"+uid, nil), map[string]string{"uid": uid})
	recorder := httptest.NewRecorder()
	handler.Get(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var detail personDetailResponse
	parseJSONResponse(t, recorder, &detail)
	if detail.ID != uid {
		t.Errorf("expected person %s, got %s", uid, detail.ID)
	}
	if len(detail.Appearances) != 2 {
		t.Errorf("expected 2 appearances, got %d", len(detail.Appearances))
	}

	req = requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/persons/missing", nil), map[string]string{"uid": "missing"})
	recorder = httptest.NewRecorder()
	handler.Get(recorder, req)
	assertStatusCode(t, recorder, http.StatusNotFound)
}

func TestPersonsHandler_List_StoreError(t *testing.T) {
	store := mock.NewMockStore()
	store.ListPersonsError = errors.New("db down")
	handler := NewPersonsHandler(testPipeline(t, store), store, testLogger())

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/persons", nil))

	assertStatusCode(t, recorder, http.StatusInternalServerError)
	assertJSONError(t, recorder, "list persons failed")
}
