package database

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/face-linker/internal/embedding"
	"github.com/kozaktomas/face-linker/internal/identity"
)

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	FaceCount      int64     `json:"face_count"`
	LastAnalyzedAt time.Time `json:"last_analyzed_at"`
	BuildTime      time.Time `json:"build_time"`
	Version        int       `json:"version"` // For future compatibility
}

const hnswMetadataVersion = 1

// Matches reports whether the metadata describes the given database state.
func (m HNSWIndexMetadata) Matches(state FaceIndexState) bool {
	return m.Version == hnswMetadataVersion &&
		m.FaceCount == state.FaceCount &&
		m.LastAnalyzedAt.Equal(state.LastAnalyzedAt)
}

// HNSWIndex wraps the HNSW graph for video face search.
type HNSWIndex struct {
	graph      *hnsw.Graph[string]
	savedGraph *hnsw.SavedGraph[string]          // For persistence
	idToFace   map[string]*identity.VideoIdentity // Maps HNSW node key to face
	mu         sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{
		idToFace: make(map[string]*identity.VideoIdentity),
	}
}

func newFaceGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// BuildFromFaces builds the index from a slice of faces.
func (h *HNSWIndex) BuildFromFaces(faces []identity.VideoIdentity) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.savedGraph = nil
	h.idToFace = make(map[string]*identity.VideoIdentity, len(faces))

	if len(faces) == 0 {
		h.graph = nil
		return nil
	}

	g := newFaceGraph()
	dim := 0
	for i := range faces {
		face := &faces[i]
		if len(face.Embedding) == 0 {
			continue
		}
		if dim == 0 {
			dim = len(face.Embedding)
		}
		if len(face.Embedding) != dim {
			return fmt.Errorf("face %s: %w", face.ID, embedding.ErrDimensionMismatch)
		}
		g.Add(hnsw.MakeNode(face.ID, face.Embedding))
		h.idToFace[face.ID] = face
	}

	h.graph = g
	return nil
}

// Search finds the k nearest neighbors to the query embedding.
// Returns face IDs and their cosine distances.
func (h *HNSWIndex) Search(query []float32, k int) ([]string, []float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil && h.savedGraph == nil {
		return nil, nil, errors.New("index not initialized")
	}

	var neighbors []hnsw.Node[string]
	if h.savedGraph != nil {
		neighbors = h.savedGraph.Search(query, k)
	} else {
		neighbors = h.graph.Search(query, k)
	}

	ids := make([]string, 0, len(neighbors))
	distances := make([]float64, 0, len(neighbors))
	for _, n := range neighbors {
		if _, ok := h.idToFace[n.Key]; !ok {
			// Deleted faces stay in the graph until the next rebuild.
			continue
		}
		ids = append(ids, n.Key)
		distances = append(distances, embedding.CosineDistance(query, n.Value))
	}

	return ids, distances, nil
}

// GetFace returns the face for a given ID.
func (h *HNSWIndex) GetFace(id string) *identity.VideoIdentity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idToFace[id]
}

// Add adds a single face to the index.
func (h *HNSWIndex) Add(face identity.VideoIdentity) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(face.Embedding) == 0 {
		return
	}
	if h.graph == nil {
		if h.savedGraph != nil {
			h.graph = h.savedGraph.Graph
			h.savedGraph = nil
		} else {
			h.graph = newFaceGraph()
		}
	}
	if _, exists := h.idToFace[face.ID]; exists {
		h.graph.Delete(face.ID)
	}

	h.graph.Add(hnsw.MakeNode(face.ID, face.Embedding))
	h.idToFace[face.ID] = &face
}

// Delete removes a face from search results.
func (h *HNSWIndex) Delete(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.idToFace, id)
}

// SetPersonID updates the cached person link of a face.
// Returns true if the face was found and updated, false if not found.
func (h *HNSWIndex) SetPersonID(id, personID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	face, ok := h.idToFace[id]
	if !ok {
		return false
	}
	face.PersonID = personID
	return true
}

// Count returns the number of indexed faces.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.idToFace)
}

// IsEmpty returns true if the index has no graph data loaded.
func (h *HNSWIndex) IsEmpty() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph == nil && h.savedGraph == nil
}

// LoadHNSWMetadata loads metadata from a separate .meta file.
func LoadHNSWMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}

	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return metadata, nil
}

// SaveFaceMetadata saves faces to a .faces file for fast loading at startup.
func SaveFaceMetadata(path string, faces []identity.VideoIdentity) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(faces); err != nil {
		return fmt.Errorf("failed to encode faces: %w", err)
	}

	if err := os.WriteFile(path+".faces", buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write faces file: %w", err)
	}

	return nil
}

// LoadFaceMetadata loads faces from a .faces file.
func LoadFaceMetadata(path string) ([]identity.VideoIdentity, error) {
	data, err := os.ReadFile(path + ".faces") //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("failed to read faces file: %w", err)
	}

	var faces []identity.VideoIdentity
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&faces); err != nil {
		return nil, fmt.Errorf("failed to decode faces: %w", err)
	}

	return faces, nil
}

// LoadWithFaceMetadata loads both the HNSW graph and face metadata from disk.
func (h *HNSWIndex) LoadWithFaceMetadata(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("HNSW index file not found: %s", path)
	}

	saved, err := hnsw.LoadSavedGraph[string](path)
	if err != nil {
		return fmt.Errorf("failed to load HNSW index: %w", err)
	}

	faces, err := LoadFaceMetadata(path)
	if err != nil {
		return fmt.Errorf("failed to load face metadata: %w", err)
	}

	h.graph = nil
	h.savedGraph = saved
	h.idToFace = make(map[string]*identity.VideoIdentity, len(faces))
	for i := range faces {
		h.idToFace[faces[i].ID] = &faces[i]
	}

	return nil
}

// SaveWithFaceMetadata persists the graph, metadata and faces to disk.
// An empty index removes any previously saved files.
func (h *HNSWIndex) SaveWithFaceMetadata(path string, metadata HNSWIndexMetadata) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil && h.savedGraph == nil {
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		_ = os.Remove(path + ".faces")
		return nil
	}

	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	if h.savedGraph != nil {
		err = h.savedGraph.Export(f)
	} else {
		err = h.graph.Export(f)
	}
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing HNSW index file: %w", err)
	}

	metadata.Version = hnswMetadataVersion
	if metadata.BuildTime.IsZero() {
		metadata.BuildTime = time.Now().UTC()
	}
	metaData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	faces := make([]identity.VideoIdentity, 0, len(h.idToFace))
	for _, face := range h.idToFace {
		faces = append(faces, *face)
	}
	if err := SaveFaceMetadata(path, faces); err != nil {
		return fmt.Errorf("failed to save face metadata: %w", err)
	}

	return nil
}
