package database

import (
	"time"

	"github.com/kozaktomas/face-linker/internal/identity"
)

// StoredVideo represents an analysed video.
type StoredVideo struct {
	ID             string
	DetectionCount int
	SkippedCount   int
	IdentityCount  int
	AnalyzedAt     time.Time
}

// StoredDetection represents one raw face detection kept for audit and
// re-clustering.
type StoredDetection struct {
	ID         int64
	VideoID    string
	FrameIndex int
	Timestamp  time.Time
	BBox       []float64 // [x1, y1, x2, y2] in frame pixel coordinates
	Confidence float64
	Embedding  []float32
	FaceID     string // owning video face, empty for skipped detections
	SkipReason string
}

// NewStoredDetection converts a raw detection for storage.
func NewStoredDetection(d identity.RawDetection, faceID, skipReason string) StoredDetection {
	return StoredDetection{
		VideoID:    d.VideoID,
		FrameIndex: d.FrameIndex,
		Timestamp:  d.Timestamp,
		BBox:       []float64{d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2},
		Confidence: d.Confidence,
		Embedding:  d.Embedding,
		FaceID:     faceID,
		SkipReason: skipReason,
	}
}

// RunStatus is the lifecycle state of an analysis run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunParams records the settings a run used, for reproducibility.
type RunParams struct {
	Kind                string   `json:"kind"` // analyze, match, cluster or remove
	Videos              []string `json:"videos,omitempty"`
	SimilarityThreshold float64  `json:"similarity_threshold"`
	ClusteringThreshold float64  `json:"clustering_threshold"`
	MergeThreshold      float64  `json:"merge_threshold"`
	KNeighbors          int      `json:"k_neighbors"`
	UseIndex            bool     `json:"use_index"`
}

// RunCounts records what a run produced.
type RunCounts struct {
	Videos      int `json:"videos"`
	Detections  int `json:"detections"`
	Skipped     int `json:"skipped"`
	Identities  int `json:"identities"`
	Merged      int `json:"merged"`
	Comparisons int `json:"comparisons"`
	Edges       int `json:"edges"`
	Persons     int `json:"persons"`
	Conflicts   int `json:"conflicts"`
}

// AnalysisRun is the bookkeeping record of one pipeline execution.
type AnalysisRun struct {
	ID         string    `json:"id"`
	Status     RunStatus `json:"status"`
	Params     RunParams `json:"params"`
	Counts     RunCounts `json:"counts"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// FaceIndexState summarises stored video faces for index staleness checks.
type FaceIndexState struct {
	FaceCount      int64
	LastAnalyzedAt time.Time
}
