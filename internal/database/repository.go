package database

import (
	"context"
	"errors"

	"github.com/kozaktomas/face-linker/internal/identity"
)

// ErrNotFound is returned by writers when the record to update does not exist.
var ErrNotFound = errors.New("not found")

// VideoReader provides read-only access to analysed videos
type VideoReader interface {
	// GetVideo retrieves a video by ID, returns nil if not found
	GetVideo(ctx context.Context, id string) (*StoredVideo, error)
	// ListVideos returns all analysed videos ordered by ID
	ListVideos(ctx context.Context) ([]StoredVideo, error)
	// GetDetections returns the raw detections of a video ordered by frame
	GetDetections(ctx context.Context, videoID string) ([]StoredDetection, error)
}

// VideoWriter provides write access to analysed videos
type VideoWriter interface {
	VideoReader

	// SaveVideo stores a video with its detections and faces, replacing any
	// previous analysis of the same video together with its match edges
	SaveVideo(ctx context.Context, video StoredVideo, detections []StoredDetection, faces []identity.VideoIdentity) error
	// DeleteVideo removes a video, its detections, faces and match edges
	DeleteVideo(ctx context.Context, id string) error
}

// FaceReader provides read-only access to per-video faces (video identities)
type FaceReader interface {
	// GetFace retrieves a face by ID, returns nil if not found
	GetFace(ctx context.Context, id string) (*identity.VideoIdentity, error)
	// GetVideoFaces returns the faces of one video ordered by ID
	GetVideoFaces(ctx context.Context, videoID string) ([]identity.VideoIdentity, error)
	// GetFacesByVideos returns faces of the given videos, or every face when videoIDs is empty
	GetFacesByVideos(ctx context.Context, videoIDs []string) ([]identity.VideoIdentity, error)
	// GetFacesByIDs returns the faces with the given IDs
	GetFacesByIDs(ctx context.Context, ids []string) ([]identity.VideoIdentity, error)
	// CountFaces returns the total number of faces stored
	CountFaces(ctx context.Context) (int, error)
	// FindSimilarFaces finds faces with similar embeddings and returns cosine distances
	FindSimilarFaces(ctx context.Context, embedding []float32, limit int, maxDistance float64) ([]identity.VideoIdentity, []float64, error)
	// IndexState returns the counters used to detect a stale face index
	IndexState(ctx context.Context) (FaceIndexState, error)
}

// MatchReader provides read-only access to cross-video match edges
type MatchReader interface {
	// GetMatches returns edges touching any of the given faces, or every edge when faceIDs is empty
	GetMatches(ctx context.Context, faceIDs []string) ([]identity.MatchEdge, error)
	// CountMatches returns the total number of stored edges
	CountMatches(ctx context.Context) (int, error)
}

// MatchWriter provides write access to match edges
type MatchWriter interface {
	MatchReader

	// ReplaceMatches supersedes every stored edge touching a face in scope with edges
	ReplaceMatches(ctx context.Context, scope []string, edges []identity.MatchEdge) error
}

// PersonReader provides read-only access to person clusters
type PersonReader interface {
	// GetPerson retrieves a person by ID, returns nil if not found
	GetPerson(ctx context.Context, id string) (*identity.PersonIdentity, error)
	// ListPersons returns all persons ordered by label
	ListPersons(ctx context.Context) ([]identity.PersonIdentity, error)
	// FindPersonsByName returns persons whose normalised name equals the normalised query
	FindPersonsByName(ctx context.Context, name string) ([]identity.PersonIdentity, error)
}

// PersonWriter provides write access to person clusters
type PersonWriter interface {
	PersonReader

	// ApplyClusterResult persists a person-cluster build atomically: discarded
	// persons are removed, created and extended persons upserted, face links and
	// edge cluster flags updated
	ApplyClusterResult(ctx context.Context, result *identity.ClusterResult) error
	// UpdatePersonName sets the human-assigned name and notes of a person
	UpdatePersonName(ctx context.Context, id, name, notes string) error
}

// RunWriter provides access to analysis run bookkeeping
type RunWriter interface {
	// CreateRun stores a new run
	CreateRun(ctx context.Context, run *AnalysisRun) error
	// FinishRun stores the final status, counts and timing of a run
	FinishRun(ctx context.Context, run *AnalysisRun) error
	// GetRun retrieves a run by ID, returns nil if not found
	GetRun(ctx context.Context, id string) (*AnalysisRun, error)
	// ListRuns returns the most recent runs first
	ListRuns(ctx context.Context, limit int) ([]AnalysisRun, error)
}

// Store bundles every repository the pipeline writes to
type Store interface {
	Videos() VideoWriter
	Faces() FaceReader
	Matches() MatchWriter
	Persons() PersonWriter
	Runs() RunWriter
}
