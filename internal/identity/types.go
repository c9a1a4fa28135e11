// Package identity resolves which face detections belong to the same individual,
// first within a single video and then across videos.
//
// The package performs no I/O. Callers supply pre-computed embeddings and persist
// the VideoIdentity, MatchEdge and PersonIdentity values it returns.
package identity

import (
	"math"
	"time"
)

// BBox is a face bounding box in frame pixel coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Area returns the box area, tolerating inverted corners.
func (b BBox) Area() float64 {
	return math.Abs(b.X2-b.X1) * math.Abs(b.Y2-b.Y1)
}

// RawDetection is one face seen in one frame.
type RawDetection struct {
	VideoID    string    `json:"video_id"`
	FrameIndex int       `json:"frame_index"`
	Timestamp  time.Time `json:"timestamp"`
	BBox       BBox      `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Embedding  []float32 `json:"embedding"`
}

// QualityScore is the exemplar ranking key: detector confidence times face area.
func (d RawDetection) QualityScore() float64 {
	return d.Confidence * d.BBox.Area()
}

// Exemplar references the best-quality detection of an identity.
type Exemplar struct {
	FrameIndex int       `json:"frame_index"`
	Timestamp  time.Time `json:"timestamp"`
	BBox       BBox      `json:"bbox"`
	Confidence float64   `json:"confidence"`
}

// VideoIdentity is one unique individual within one video.
type VideoIdentity struct {
	ID                string    `json:"id"`
	VideoID           string    `json:"video_id"`
	Embedding         []float32 `json:"embedding"`
	Exemplar          Exemplar  `json:"exemplar"`
	AppearanceCount   int       `json:"appearance_count"`
	FirstFrame        int       `json:"first_frame"`
	LastFrame         int       `json:"last_frame"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	AverageConfidence float64   `json:"average_confidence"`
	BestConfidence    float64   `json:"best_confidence"`
	PersonID          string    `json:"person_id,omitempty"`

	// Members holds the indices of the source detections in the slice passed to
	// ClusterVideo. It is empty for identities loaded from storage.
	Members []int `json:"members,omitempty"`
}

// MatchEdge links two identities from different videos.
// Source always carries the lexically smaller identity ID.
type MatchEdge struct {
	Source        string  `json:"source"`
	Target        string  `json:"target"`
	SourceVideo   string  `json:"source_video"`
	TargetVideo   string  `json:"target_video"`
	Similarity    float64 `json:"similarity"`
	InSameCluster bool    `json:"in_same_cluster"`
}

// PersonIdentity is a transitive closure of VideoIdentities across videos.
type PersonIdentity struct {
	ID               string    `json:"id"`
	Label            string    `json:"label"`
	Members          []string  `json:"members"`
	VideoIDs         []string  `json:"video_ids"`
	Embedding        []float32 `json:"embedding"`
	ExemplarID       string    `json:"exemplar_id"`
	TotalVideos      int       `json:"total_videos"`
	TotalAppearances int       `json:"total_appearances"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	Name             string    `json:"name,omitempty"`
	Notes            string    `json:"notes,omitempty"`
}

// SkippedDetection reports a detection excluded from clustering.
type SkippedDetection struct {
	Index     int          `json:"index"`
	Detection RawDetection `json:"-"`
	Err       error        `json:"-"`
	Reason    string       `json:"reason"`
}
