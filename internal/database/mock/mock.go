// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/embedding"
	"github.com/kozaktomas/face-linker/internal/facematch"
	"github.com/kozaktomas/face-linker/internal/identity"
)

// MockStore is an in-memory implementation of database.Store. Every
// repository interface is served by the same value so tests can seed and
// inspect the whole state in one place.
type MockStore struct {
	mu         sync.RWMutex
	videos     map[string]database.StoredVideo
	detections map[string][]database.StoredDetection
	faces      map[string]identity.VideoIdentity
	edges      map[[2]string]identity.MatchEdge
	persons    map[string]identity.PersonIdentity
	runs       map[string]database.AnalysisRun
	runOrder   []string
	nextDetID  int64

	// Error injection
	GetVideoError       error
	SaveVideoError      error
	DeleteVideoError    error
	GetFacesError       error
	FindSimilarError    error
	GetMatchesError     error
	ReplaceMatchesError error
	GetPersonError      error
	ListPersonsError    error
	ApplyClusterError   error
	UpdatePersonError   error
	CreateRunError      error
	FinishRunError      error
	ListRunsError       error
}

// NewMockStore creates a new empty mock store
func NewMockStore() *MockStore {
	return &MockStore{
		videos:     make(map[string]database.StoredVideo),
		detections: make(map[string][]database.StoredDetection),
		faces:      make(map[string]identity.VideoIdentity),
		edges:      make(map[[2]string]identity.MatchEdge),
		persons:    make(map[string]identity.PersonIdentity),
		runs:       make(map[string]database.AnalysisRun),
	}
}

func (m *MockStore) Videos() database.VideoWriter { return m }
func (m *MockStore) Faces() database.FaceReader { return m }
func (m *MockStore) Matches() database.MatchWriter { return m }
func (m *MockStore) Persons() database.PersonWriter { return m }
func (m *MockStore) Runs() database.RunWriter { return m }

// AddFace seeds a face without a video record
func (m *MockStore) AddFace(face identity.VideoIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faces[face.ID] = face
}

// AddEdge seeds a match edge
func (m *MockStore) AddEdge(edge identity.MatchEdge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges[[2]string{edge.Source, edge.Target}] = edge
}

// AddPerson seeds a person
func (m *MockStore) AddPerson(p identity.PersonIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persons[p.ID] = p
}

// --- VideoWriter ---

// GetVideo retrieves a video by ID
func (m *MockStore) GetVideo(_ context.Context, id string) (*database.StoredVideo, error) {
	if m.GetVideoError != nil {
		return nil, m.GetVideoError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.videos[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// ListVideos returns all videos ordered by ID
func (m *MockStore) ListVideos(_ context.Context) ([]database.StoredVideo, error) {
	if m.GetVideoError != nil {
		return nil, m.GetVideoError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]database.StoredVideo, 0, len(m.videos))
	for _, v := range m.videos {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b database.StoredVideo) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// GetDetections returns the stored detections of a video
func (m *MockStore) GetDetections(_ context.Context, videoID string) ([]database.StoredDetection, error) {
	if m.GetVideoError != nil {
		return nil, m.GetVideoError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.detections[videoID]), nil
}

// SaveVideo replaces a video's detections, faces and edges
func (m *MockStore) SaveVideo(_ context.Context, video database.StoredVideo, detections []database.StoredDetection, faces []identity.VideoIdentity) error {
	if m.SaveVideoError != nil {
		return m.SaveVideoError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeVideoLocked(video.ID)
	m.videos[video.ID] = video
	dets := make([]database.StoredDetection, len(detections))
	for i, d := range detections {
		m.nextDetID++
		d.ID = m.nextDetID
		dets[i] = d
	}
	m.detections[video.ID] = dets
	for _, f := range faces {
		if f.VideoID != video.ID {
			return fmt.Errorf("face %s belongs to video %s, not %s", f.ID, f.VideoID, video.ID)
		}
		f.Members = nil
		m.faces[f.ID] = f
	}
	return nil
}

// DeleteVideo removes a video and everything derived from it
func (m *MockStore) DeleteVideo(_ context.Context, id string) error {
	if m.DeleteVideoError != nil {
		return m.DeleteVideoError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeVideoLocked(id)
	return nil
}

func (m *MockStore) removeVideoLocked(id string) {
	delete(m.videos, id)
	delete(m.detections, id)
	for fid, f := range m.faces {
		if f.VideoID == id {
			delete(m.faces, fid)
		}
	}
	for key, e := range m.edges {
		if e.SourceVideo == id || e.TargetVideo == id {
			delete(m.edges, key)
		}
	}
}

// --- FaceReader ---

// GetFace retrieves a face by ID
func (m *MockStore) GetFace(_ context.Context, id string) (*identity.VideoIdentity, error) {
	if m.GetFacesError != nil {
		return nil, m.GetFacesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.faces[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

// GetVideoFaces returns the faces of one video
func (m *MockStore) GetVideoFaces(ctx context.Context, videoID string) ([]identity.VideoIdentity, error) {
	return m.GetFacesByVideos(ctx, []string{videoID})
}

// GetFacesByVideos returns faces of the given videos, or all faces
func (m *MockStore) GetFacesByVideos(_ context.Context, videoIDs []string) ([]identity.VideoIdentity, error) {
	if m.GetFacesError != nil {
		return nil, m.GetFacesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []identity.VideoIdentity
	for _, f := range m.faces {
		if len(videoIDs) == 0 || slices.Contains(videoIDs, f.VideoID) {
			out = append(out, f)
		}
	}
	sortFaces(out)
	return out, nil
}

// GetFacesByIDs returns the faces with the given IDs
func (m *MockStore) GetFacesByIDs(_ context.Context, ids []string) ([]identity.VideoIdentity, error) {
	if m.GetFacesError != nil {
		return nil, m.GetFacesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []identity.VideoIdentity
	for _, id := range ids {
		if f, ok := m.faces[id]; ok {
			out = append(out, f)
		}
	}
	sortFaces(out)
	return out, nil
}

// CountFaces returns the number of faces
func (m *MockStore) CountFaces(_ context.Context) (int, error) {
	if m.GetFacesError != nil {
		return 0, m.GetFacesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.faces), nil
}

// FindSimilarFaces performs a brute-force cosine search
func (m *MockStore) FindSimilarFaces(_ context.Context, query []float32, limit int, maxDistance float64) ([]identity.VideoIdentity, []float64, error) {
	if m.FindSimilarError != nil {
		return nil, nil, m.FindSimilarError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	type hit struct {
		face identity.VideoIdentity
		dist float64
	}
	var hits []hit
	for _, f := range m.faces {
		if len(f.Embedding) != len(query) {
			continue
		}
		d := embedding.CosineDistance(query, f.Embedding)
		if d <= maxDistance {
			hits = append(hits, hit{face: f, dist: d})
		}
	}
	slices.SortFunc(hits, func(a, b hit) int {
		if a.dist != b.dist {
			if a.dist < b.dist {
				return -1
			}
			return 1
		}
		return strings.Compare(a.face.ID, b.face.ID)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	faces := make([]identity.VideoIdentity, len(hits))
	distances := make([]float64, len(hits))
	for i, h := range hits {
		faces[i] = h.face
		distances[i] = h.dist
	}
	return faces, distances, nil
}

// IndexState returns the face counters
func (m *MockStore) IndexState(_ context.Context) (database.FaceIndexState, error) {
	if m.GetFacesError != nil {
		return database.FaceIndexState{}, m.GetFacesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := database.FaceIndexState{FaceCount: int64(len(m.faces))}
	for _, v := range m.videos {
		if v.AnalyzedAt.After(state.LastAnalyzedAt) {
			state.LastAnalyzedAt = v.AnalyzedAt
		}
	}
	return state, nil
}

// --- MatchWriter ---

// GetMatches returns edges touching the given faces, or all edges
func (m *MockStore) GetMatches(_ context.Context, faceIDs []string) ([]identity.MatchEdge, error) {
	if m.GetMatchesError != nil {
		return nil, m.GetMatchesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []identity.MatchEdge
	for _, e := range m.edges {
		if len(faceIDs) == 0 || slices.Contains(faceIDs, e.Source) || slices.Contains(faceIDs, e.Target) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b identity.MatchEdge) int {
		if c := strings.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return strings.Compare(a.Target, b.Target)
	})
	return out, nil
}

// CountMatches returns the number of edges
func (m *MockStore) CountMatches(_ context.Context) (int, error) {
	if m.GetMatchesError != nil {
		return 0, m.GetMatchesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.edges), nil
}

// ReplaceMatches drops edges touching scope videos and stores the new edges
func (m *MockStore) ReplaceMatches(_ context.Context, scope []string, edges []identity.MatchEdge) error {
	if m.ReplaceMatchesError != nil {
		return m.ReplaceMatchesError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]identity.MatchEdge, 0, len(m.edges))
	for _, e := range m.edges {
		stored = append(stored, e)
	}
	merged := identity.SupersedeEdges(stored, edges, scope)
	m.edges = make(map[[2]string]identity.MatchEdge, len(merged))
	for _, e := range merged {
		m.edges[[2]string{e.Source, e.Target}] = e
	}
	return nil
}

// --- PersonWriter ---

// GetPerson retrieves a person by ID
func (m *MockStore) GetPerson(_ context.Context, id string) (*identity.PersonIdentity, error) {
	if m.GetPersonError != nil {
		return nil, m.GetPersonError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.persons[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// ListPersons returns all persons ordered by label
func (m *MockStore) ListPersons(_ context.Context) ([]identity.PersonIdentity, error) {
	if m.ListPersonsError != nil {
		return nil, m.ListPersonsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]identity.PersonIdentity, 0, len(m.persons))
	for _, p := range m.persons {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b identity.PersonIdentity) int { return strings.Compare(a.Label, b.Label) })
	return out, nil
}

// FindPersonsByName matches on the normalized name
func (m *MockStore) FindPersonsByName(ctx context.Context, name string) ([]identity.PersonIdentity, error) {
	all, err := m.ListPersons(ctx)
	if err != nil {
		return nil, err
	}
	var out []identity.PersonIdentity
	for _, p := range all {
		if facematch.SameName(p.Name, name) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ApplyClusterResult persists a cluster build
func (m *MockStore) ApplyClusterResult(_ context.Context, result *identity.ClusterResult) error {
	if m.ApplyClusterError != nil {
		return m.ApplyClusterError
	}
	if result == nil {
		return errors.New("nil cluster result")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range result.Discarded {
		delete(m.persons, id)
	}
	for _, p := range result.Persons() {
		m.persons[p.ID] = p
	}
	for faceID, personID := range result.Assignments() {
		if f, ok := m.faces[faceID]; ok {
			f.PersonID = personID
			m.faces[faceID] = f
		}
	}
	for _, e := range result.Edges {
		key := [2]string{e.Source, e.Target}
		if stored, ok := m.edges[key]; ok {
			stored.InSameCluster = e.InSameCluster
			m.edges[key] = stored
		}
	}
	return nil
}

// UpdatePersonName sets a person's name and notes
func (m *MockStore) UpdatePersonName(_ context.Context, id, name, notes string) error {
	if m.UpdatePersonError != nil {
		return m.UpdatePersonError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok {
		return fmt.Errorf("person %s: %w", id, database.ErrNotFound)
	}
	p.Name = name
	p.Notes = notes
	m.persons[id] = p
	return nil
}

// --- RunWriter ---

// CreateRun stores a run
func (m *MockStore) CreateRun(_ context.Context, run *database.AnalysisRun) error {
	if m.CreateRunError != nil {
		return m.CreateRunError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	m.runs[run.ID] = *run
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

// FinishRun updates a run
func (m *MockStore) FinishRun(_ context.Context, run *database.AnalysisRun) error {
	if m.FinishRunError != nil {
		return m.FinishRunError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return fmt.Errorf("run %s not found", run.ID)
	}
	m.runs[run.ID] = *run
	return nil
}

// GetRun retrieves a run by ID
func (m *MockStore) GetRun(_ context.Context, id string) (*database.AnalysisRun, error) {
	if m.ListRunsError != nil {
		return nil, m.ListRunsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// ListRuns returns the most recent runs first
func (m *MockStore) ListRuns(_ context.Context, limit int) ([]database.AnalysisRun, error) {
	if m.ListRunsError != nil {
		return nil, m.ListRunsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.AnalysisRun
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		out = append(out, m.runs[m.runOrder[i]])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func sortFaces(faces []identity.VideoIdentity) {
	slices.SortFunc(faces, func(a, b identity.VideoIdentity) int { return strings.Compare(a.ID, b.ID) })
}
