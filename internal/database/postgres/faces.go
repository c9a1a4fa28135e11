package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/identity"
)

const faceColumns = `id, video_id, embedding, exemplar_frame, exemplar_ts, exemplar_bbox,
	exemplar_confidence, appearance_count, first_frame, last_frame, first_seen, last_seen,
	average_confidence, best_confidence, person_id`

// FaceRepository provides PostgreSQL-backed video face storage with optional in-memory HNSW index.
type FaceRepository struct {
	pool          *Pool
	hnswIndex     *database.HNSWIndex
	hnswEnabled   bool
	hnswIndexPath string // Path to persist HNSW index (optional)
	hnswMu        sync.RWMutex
}

// NewFaceRepository creates a new PostgreSQL face repository.
func NewFaceRepository(pool *Pool) *FaceRepository {
	return &FaceRepository{pool: pool}
}

// GetFace retrieves a face by ID, returns nil if not found.
func (r *FaceRepository) GetFace(ctx context.Context, id string) (*identity.VideoIdentity, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+faceColumns+" FROM video_faces WHERE id = $1", id)
	face, err := scanFaceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &face, nil
}

// GetVideoFaces returns the faces of one video ordered by ID.
func (r *FaceRepository) GetVideoFaces(ctx context.Context, videoID string) ([]identity.VideoIdentity, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+faceColumns+" FROM video_faces WHERE video_id = $1 ORDER BY id", videoID)
	if err != nil {
		return nil, fmt.Errorf("query video faces: %w", err)
	}
	defer rows.Close()

	return scanFaces(rows)
}

// GetFacesByVideos returns faces of the given videos, or every face when videoIDs is empty.
func (r *FaceRepository) GetFacesByVideos(ctx context.Context, videoIDs []string) ([]identity.VideoIdentity, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if len(videoIDs) == 0 {
		rows, err = r.pool.Query(ctx, "SELECT "+faceColumns+" FROM video_faces ORDER BY id")
	} else {
		rows, err = r.pool.Query(ctx,
			"SELECT "+faceColumns+" FROM video_faces WHERE video_id = ANY($1) ORDER BY id", pq.Array(videoIDs))
	}
	if err != nil {
		return nil, fmt.Errorf("query faces by videos: %w", err)
	}
	defer rows.Close()

	return scanFaces(rows)
}

// GetFacesByIDs returns the faces with the given IDs.
func (r *FaceRepository) GetFacesByIDs(ctx context.Context, ids []string) ([]identity.VideoIdentity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		"SELECT "+faceColumns+" FROM video_faces WHERE id = ANY($1) ORDER BY id", pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query faces by ids: %w", err)
	}
	defer rows.Close()

	return scanFaces(rows)
}

// CountFaces returns the total number of faces stored.
func (r *FaceRepository) CountFaces(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM video_faces").Scan(&count); err != nil {
		return 0, fmt.Errorf("count faces: %w", err)
	}
	return count, nil
}

// IndexState returns the counters used to detect a stale face index.
func (r *FaceRepository) IndexState(ctx context.Context) (database.FaceIndexState, error) {
	var state database.FaceIndexState
	var last sql.NullTime
	err := r.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM video_faces), (SELECT MAX(analyzed_at) FROM videos)
	`).Scan(&state.FaceCount, &last)
	if err != nil {
		return state, fmt.Errorf("failed to get face stats: %w", err)
	}
	if last.Valid {
		state.LastAnalyzedAt = last.Time.UTC()
	}
	return state, nil
}

// FindSimilarFaces finds faces with similar embeddings and returns cosine distances.
func (r *FaceRepository) FindSimilarFaces(
	ctx context.Context, embedding []float32, limit int, maxDistance float64,
) ([]identity.VideoIdentity, []float64, error) {
	if r.IsHNSWEnabled() {
		return r.findSimilarHNSW(embedding, limit, maxDistance)
	}

	// Fallback to PostgreSQL with ef_search optimization.
	return r.findSimilarPostgres(ctx, embedding, limit, maxDistance)
}

// findSimilarHNSW uses the in-memory HNSW index for similarity search.
func (r *FaceRepository) findSimilarHNSW(
	embedding []float32, limit int, maxDistance float64,
) ([]identity.VideoIdentity, []float64, error) {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()

	if r.hnswIndex == nil {
		return nil, nil, errors.New("HNSW index not initialized")
	}

	// Request more candidates to ensure we have enough after distance filtering.
	searchK := max(limit*database.HNSWSearchMultiplier, database.HNSWEfSearch)

	ids, distances, err := r.hnswIndex.Search(embedding, searchK)
	if err != nil {
		return nil, nil, fmt.Errorf("HNSW search: %w", err)
	}

	results := make([]identity.VideoIdentity, 0, limit)
	distancesOut := make([]float64, 0, limit)
	for i, id := range ids {
		if distances[i] > maxDistance {
			continue
		}
		face := r.hnswIndex.GetFace(id)
		if face == nil {
			continue
		}
		results = append(results, *face)
		distancesOut = append(distancesOut, distances[i])
		if len(results) >= limit {
			break
		}
	}

	return results, distancesOut, nil
}

// findSimilarPostgres uses pgvector for similarity search with ef_search optimization.
func (r *FaceRepository) findSimilarPostgres(
	ctx context.Context, embedding []float32, limit int, maxDistance float64,
) ([]identity.VideoIdentity, []float64, error) {
	tx, err := r.pool.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only transaction

	// Match the in-memory HNSW configuration.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", database.HNSWEfSearch)); err != nil {
		return nil, nil, fmt.Errorf("set ef_search: %w", err)
	}

	query := "SELECT " + faceColumns + `, embedding <=> $1::vector AS distance
		FROM video_faces
		WHERE embedding <=> $1::vector <= $2
		ORDER BY distance, id
		LIMIT $3`

	rows, err := tx.QueryContext(ctx, query, pgvector.NewVector(embedding), maxDistance, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("query similar faces: %w", err)
	}
	defer rows.Close()

	var faces []identity.VideoIdentity
	var distances []float64
	for rows.Next() {
		var dist float64
		face, err := scanFaceRow(rows, &dist)
		if err != nil {
			return nil, nil, err
		}
		faces = append(faces, face)
		distances = append(distances, dist)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate faces: %w", err)
	}

	return faces, distances, nil
}

// insertFaces stores the faces of one video inside a transaction.
func insertFaces(ctx context.Context, tx *sql.Tx, faces []identity.VideoIdentity) error {
	for i := range faces {
		face := &faces[i]
		ex := face.Exemplar
		_, err := tx.ExecContext(ctx, `
			INSERT INTO video_faces (id, video_id, embedding, exemplar_frame, exemplar_ts, exemplar_bbox,
			                         exemplar_confidence, appearance_count, first_frame, last_frame,
			                         first_seen, last_seen, average_confidence, best_confidence)
			VALUES ($1, $2, $3::vector, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`,
			face.ID,
			face.VideoID,
			pgvector.NewVector(face.Embedding),
			ex.FrameIndex,
			nullTime(ex.Timestamp),
			pq.Array([]float64{ex.BBox.X1, ex.BBox.Y1, ex.BBox.X2, ex.BBox.Y2}),
			ex.Confidence,
			face.AppearanceCount,
			face.FirstFrame,
			face.LastFrame,
			nullTime(face.FirstSeen),
			nullTime(face.LastSeen),
			face.AverageConfidence,
			face.BestConfidence,
		)
		if err != nil {
			return fmt.Errorf("insert face %s: %w", face.ID, err)
		}
	}
	return nil
}

// updateHNSWFaces removes old face IDs and adds new faces to the HNSW index.
func (r *FaceRepository) updateHNSWFaces(oldIDs []string, newFaces []identity.VideoIdentity) {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()
	if !r.hnswEnabled || r.hnswIndex == nil {
		return
	}
	for _, id := range oldIDs {
		r.hnswIndex.Delete(id)
	}
	for _, face := range newFaces {
		face.Members = nil
		r.hnswIndex.Add(face)
	}
}

// updateHNSWPersons refreshes the cached person links of indexed faces.
func (r *FaceRepository) updateHNSWPersons(assignments map[string]string) {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()
	if !r.hnswEnabled || r.hnswIndex == nil {
		return
	}
	for faceID, personID := range assignments {
		r.hnswIndex.SetPersonID(faceID, personID)
	}
}

func scanFaceRow(scanner interface{ Scan(...any) error }, extraDest ...any) (identity.VideoIdentity, error) {
	var face identity.VideoIdentity
	var vec pgvector.Vector
	var bbox pq.Float64Array
	var exemplarTS, firstSeen, lastSeen sql.NullTime
	var personID sql.NullString

	dest := make([]any, 0, 15+len(extraDest))
	dest = append(dest,
		&face.ID,
		&face.VideoID,
		&vec,
		&face.Exemplar.FrameIndex,
		&exemplarTS,
		&bbox,
		&face.Exemplar.Confidence,
		&face.AppearanceCount,
		&face.FirstFrame,
		&face.LastFrame,
		&firstSeen,
		&lastSeen,
		&face.AverageConfidence,
		&face.BestConfidence,
		&personID,
	)
	dest = append(dest, extraDest...)

	if err := scanner.Scan(dest...); err != nil {
		return face, fmt.Errorf("scan face: %w", err)
	}

	face.Embedding = vec.Slice()
	if len(bbox) == 4 {
		face.Exemplar.BBox = identity.BBox{X1: bbox[0], Y1: bbox[1], X2: bbox[2], Y2: bbox[3]}
	}
	face.Exemplar.Timestamp = fromNullTime(exemplarTS)
	face.FirstSeen = fromNullTime(firstSeen)
	face.LastSeen = fromNullTime(lastSeen)
	if personID.Valid {
		face.PersonID = personID.String
	}

	return face, nil
}

func scanFaces(rows *sql.Rows) ([]identity.VideoIdentity, error) {
	var faces []identity.VideoIdentity
	for rows.Next() {
		face, err := scanFaceRow(rows)
		if err != nil {
			return nil, err
		}
		faces = append(faces, face)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faces: %w", err)
	}
	return faces, nil
}

// tryLoadFaceIndex attempts to load the face HNSW index from disk.
// Returns true if the index was loaded and matches the database state.
func (r *FaceRepository) tryLoadFaceIndex(indexPath string, state database.FaceIndexState) bool {
	metadata, err := database.LoadHNSWMetadata(indexPath)
	if err != nil {
		slog.Info("face index: metadata unavailable, rebuilding", "error", err)
		return false
	}
	if !metadata.Matches(state) {
		slog.Info("face index: stale, rebuilding",
			"db_count", state.FaceCount, "cached_count", metadata.FaceCount,
			"db_analyzed_at", state.LastAnalyzedAt, "cached_analyzed_at", metadata.LastAnalyzedAt)
		return false
	}

	idx := database.NewHNSWIndex()
	if err := idx.LoadWithFaceMetadata(indexPath); err != nil {
		slog.Info("face index: load failed, rebuilding", "error", err)
		return false
	}
	if idx.IsEmpty() {
		slog.Info("face index: loaded graph is empty, rebuilding")
		return false
	}
	r.hnswIndex = idx
	slog.Info("face index: loaded from disk", "path", indexPath, "faces", idx.Count())
	return true
}

// EnableHNSW loads or builds an in-memory HNSW index for O(log N) similarity search.
// If indexPath is provided, it will try to load from disk first and save after building.
func (r *FaceRepository) EnableHNSW(ctx context.Context, indexPath string) error {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()

	r.hnswIndexPath = indexPath

	state, err := r.IndexState(ctx)
	if err != nil {
		return err
	}

	if indexPath != "" && r.tryLoadFaceIndex(indexPath, state) {
		r.hnswEnabled = true
		return nil
	}

	faces, err := r.GetFacesByVideos(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to load faces: %w", err)
	}

	idx := database.NewHNSWIndex()
	if err := idx.BuildFromFaces(faces); err != nil {
		return fmt.Errorf("failed to build HNSW index: %w", err)
	}
	r.hnswIndex = idx

	if indexPath != "" && len(faces) > 0 {
		metadata := database.HNSWIndexMetadata{FaceCount: state.FaceCount, LastAnalyzedAt: state.LastAnalyzedAt}
		if err := idx.SaveWithFaceMetadata(indexPath, metadata); err != nil {
			slog.Warn("failed to save HNSW index to disk", "error", err)
		}
	}

	r.hnswEnabled = true
	return nil
}

// DisableHNSW disables the in-memory HNSW index, falling back to PostgreSQL queries.
func (r *FaceRepository) DisableHNSW() {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()
	r.hnswEnabled = false
	r.hnswIndex = nil
}

// IsHNSWEnabled returns whether the in-memory HNSW index is enabled.
func (r *FaceRepository) IsHNSWEnabled() bool {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	return r.hnswEnabled && r.hnswIndex != nil
}

// HNSWCount returns the number of faces in the HNSW index.
func (r *FaceRepository) HNSWCount() int {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	if r.hnswIndex == nil {
		return 0
	}
	return r.hnswIndex.Count()
}

// RebuildHNSW rebuilds the HNSW index from PostgreSQL data.
func (r *FaceRepository) RebuildHNSW(ctx context.Context) error {
	r.hnswMu.RLock()
	indexPath := r.hnswIndexPath
	r.hnswMu.RUnlock()
	return r.EnableHNSW(ctx, indexPath)
}

// SaveHNSWIndex saves the current HNSW index to disk (if path configured).
func (r *FaceRepository) SaveHNSWIndex() error {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()

	if r.hnswIndexPath == "" || r.hnswIndex == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	state, err := r.IndexState(ctx)
	if err != nil {
		return err
	}

	metadata := database.HNSWIndexMetadata{FaceCount: state.FaceCount, LastAnalyzedAt: state.LastAnalyzedAt}
	if err := r.hnswIndex.SaveWithFaceMetadata(r.hnswIndexPath, metadata); err != nil {
		return fmt.Errorf("saving HNSW face index: %w", err)
	}

	slog.Info("face index saved", "path", r.hnswIndexPath, "faces", state.FaceCount)
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
