package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/identity"
)

// VideoRepository provides PostgreSQL-backed storage for analysed videos and their detections.
type VideoRepository struct {
	pool  *Pool
	faces *FaceRepository // keeps the in-memory face index in sync
}

// NewVideoRepository creates a new PostgreSQL video repository.
func NewVideoRepository(pool *Pool, faces *FaceRepository) *VideoRepository {
	return &VideoRepository{pool: pool, faces: faces}
}

// GetVideo retrieves a video by ID, returns nil if not found.
func (r *VideoRepository) GetVideo(ctx context.Context, id string) (*database.StoredVideo, error) {
	var v database.StoredVideo
	err := r.pool.QueryRow(ctx, `
		SELECT id, detection_count, skipped_count, identity_count, analyzed_at
		FROM videos WHERE id = $1
	`, id).Scan(&v.ID, &v.DetectionCount, &v.SkippedCount, &v.IdentityCount, &v.AnalyzedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get video: %w", err)
	}
	v.AnalyzedAt = v.AnalyzedAt.UTC()
	return &v, nil
}

// ListVideos returns all analysed videos ordered by ID.
func (r *VideoRepository) ListVideos(ctx context.Context) ([]database.StoredVideo, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, detection_count, skipped_count, identity_count, analyzed_at
		FROM videos ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query videos: %w", err)
	}
	defer rows.Close()

	var videos []database.StoredVideo
	for rows.Next() {
		var v database.StoredVideo
		if err := rows.Scan(&v.ID, &v.DetectionCount, &v.SkippedCount, &v.IdentityCount, &v.AnalyzedAt); err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		v.AnalyzedAt = v.AnalyzedAt.UTC()
		videos = append(videos, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate videos: %w", err)
	}
	return videos, nil
}

// GetDetections returns the raw detections of a video ordered by frame.
func (r *VideoRepository) GetDetections(ctx context.Context, videoID string) ([]database.StoredDetection, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, video_id, frame_index, ts, bbox, confidence, embedding, face_id, skip_reason
		FROM detections WHERE video_id = $1
		ORDER BY frame_index, id
	`, videoID)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []database.StoredDetection
	for rows.Next() {
		var d database.StoredDetection
		var ts sql.NullTime
		var bbox pq.Float64Array
		var emb pq.Float32Array
		var faceID, skipReason sql.NullString
		if err := rows.Scan(&d.ID, &d.VideoID, &d.FrameIndex, &ts, &bbox, &d.Confidence, &emb, &faceID, &skipReason); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		d.Timestamp = fromNullTime(ts)
		d.BBox = []float64(bbox)
		d.Embedding = []float32(emb)
		d.FaceID = faceID.String
		d.SkipReason = skipReason.String
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return out, nil
}

// SaveVideo stores a video with its detections and faces, replacing any
// previous analysis of the same video. Match edges of replaced faces are
// removed by the foreign key cascade.
func (r *VideoRepository) SaveVideo(
	ctx context.Context, video database.StoredVideo, detections []database.StoredDetection, faces []identity.VideoIdentity,
) error {
	for _, f := range faces {
		if f.VideoID != video.ID {
			return fmt.Errorf("face %s belongs to video %s, not %s", f.ID, f.VideoID, video.ID)
		}
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	oldIDs, err := deleteVideoTx(ctx, tx, video.ID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO videos (id, detection_count, skipped_count, identity_count, analyzed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, video.ID, video.DetectionCount, video.SkippedCount, video.IdentityCount, video.AnalyzedAt)
	if err != nil {
		return fmt.Errorf("insert video: %w", err)
	}

	if err := insertFaces(ctx, tx, faces); err != nil {
		return err
	}
	if err := insertDetections(ctx, tx, detections); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.faces.updateHNSWFaces(oldIDs, faces)
	return nil
}

// DeleteVideo removes a video, its detections, faces and match edges.
func (r *VideoRepository) DeleteVideo(ctx context.Context, id string) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	oldIDs, err := deleteVideoTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.faces.updateHNSWFaces(oldIDs, nil)
	return nil
}

// deleteVideoTx removes a video and returns the IDs of its deleted faces.
func deleteVideoTx(ctx context.Context, tx *sql.Tx, videoID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, "DELETE FROM video_faces WHERE video_id = $1 RETURNING id", videoID)
	if err != nil {
		return nil, fmt.Errorf("delete video faces: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan face id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate face ids: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM videos WHERE id = $1", videoID); err != nil {
		return nil, fmt.Errorf("delete video: %w", err)
	}
	return ids, nil
}

func insertDetections(ctx context.Context, tx *sql.Tx, detections []database.StoredDetection) error {
	if len(detections) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detections (video_id, frame_index, ts, bbox, confidence, embedding, face_id, skip_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("prepare detection insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range detections {
		_, err := stmt.ExecContext(ctx,
			d.VideoID,
			d.FrameIndex,
			nullTime(d.Timestamp),
			pq.Array(d.BBox),
			d.Confidence,
			pq.Array(d.Embedding),
			sql.NullString{String: d.FaceID, Valid: d.FaceID != ""},
			sql.NullString{String: d.SkipReason, Valid: d.SkipReason != ""},
		)
		if err != nil {
			return fmt.Errorf("insert detection (frame %d): %w", d.FrameIndex, err)
		}
	}
	return nil
}
