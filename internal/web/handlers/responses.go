package handlers

import (
	"time"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/identity"
	"github.com/kozaktomas/face-linker/internal/pipeline"
	"github.com/kozaktomas/face-linker/internal/tracker"
)

// personResponse represents a person cluster in API responses. Embeddings are
// omitted.
type personResponse struct {
	ID               string    `json:"id"`
	Label            string    `json:"label"`
	Name             string    `json:"name,omitempty"`
	Notes            string    `json:"notes,omitempty"`
	Members          []string  `json:"members"`
	VideoIDs         []string  `json:"video_ids"`
	ExemplarID       string    `json:"exemplar_id"`
	TotalVideos      int       `json:"total_videos"`
	TotalAppearances int       `json:"total_appearances"`
	FirstSeen        time.Time `json:"first_seen,omitzero"`
	LastSeen         time.Time `json:"last_seen,omitzero"`
}

func personToResponse(p identity.PersonIdentity) personResponse {
	return personResponse{
		ID:               p.ID,
		Label:            p.Label,
		Name:             p.Name,
		Notes:            p.Notes,
		Members:          p.Members,
		VideoIDs:         p.VideoIDs,
		ExemplarID:       p.ExemplarID,
		TotalVideos:      p.TotalVideos,
		TotalAppearances: p.TotalAppearances,
		FirstSeen:        p.FirstSeen,
		LastSeen:         p.LastSeen,
	}
}

func personsToResponse(persons []identity.PersonIdentity) []personResponse {
	out := make([]personResponse, len(persons))
	for i := range persons {
		out[i] = personToResponse(persons[i])
	}
	return out
}

type personDetailResponse struct {
	personResponse
	Appearances []identity.VideoAppearance `json:"appearances"`
}

// faceResponse represents a video identity in API responses.
type faceResponse struct {
	ID                string            `json:"id"`
	VideoID           string            `json:"video_id"`
	PersonID          string            `json:"person_id,omitempty"`
	Exemplar          identity.Exemplar `json:"exemplar"`
	AppearanceCount   int               `json:"appearance_count"`
	FirstFrame        int               `json:"first_frame"`
	LastFrame         int               `json:"last_frame"`
	FirstSeen         time.Time         `json:"first_seen,omitzero"`
	LastSeen          time.Time         `json:"last_seen,omitzero"`
	AverageConfidence float64           `json:"average_confidence"`
	BestConfidence    float64           `json:"best_confidence"`
}

func faceToResponse(f identity.VideoIdentity) faceResponse {
	return faceResponse{
		ID:                f.ID,
		VideoID:           f.VideoID,
		PersonID:          f.PersonID,
		Exemplar:          f.Exemplar,
		AppearanceCount:   f.AppearanceCount,
		FirstFrame:        f.FirstFrame,
		LastFrame:         f.LastFrame,
		FirstSeen:         f.FirstSeen,
		LastSeen:          f.LastSeen,
		AverageConfidence: f.AverageConfidence,
		BestConfidence:    f.BestConfidence,
	}
}

type videoResponse struct {
	ID             string    `json:"id"`
	DetectionCount int       `json:"detection_count"`
	SkippedCount   int       `json:"skipped_count"`
	IdentityCount  int       `json:"identity_count"`
	AnalyzedAt     time.Time `json:"analyzed_at"`
}

func videoToResponse(v database.StoredVideo) videoResponse {
	return videoResponse{
		ID:             v.ID,
		DetectionCount: v.DetectionCount,
		SkippedCount:   v.SkippedCount,
		IdentityCount:  v.IdentityCount,
		AnalyzedAt:     v.AnalyzedAt,
	}
}

// runResultResponse is the outcome of an analyze, match or cluster request.
type runResultResponse struct {
	Run          database.AnalysisRun    `json:"run"`
	Videos       []pipeline.VideoSummary `json:"videos,omitempty"`
	Recognitions []pipeline.Recognition  `json:"recognitions,omitempty"`
	Merges       []tracker.Merge         `json:"merges,omitempty"`
	MatchMethod  string                  `json:"match_method,omitempty"`
	Edges        []identity.MatchEdge    `json:"edges,omitempty"`
	Persons      []personResponse        `json:"persons,omitempty"`
	Discarded    []string                `json:"discarded,omitempty"`
	Released     []string                `json:"released,omitempty"`
	Conflicts    []identity.Conflict     `json:"conflicts,omitempty"`
}

func resultToResponse(res *pipeline.Result) runResultResponse {
	out := runResultResponse{
		Run:          res.Run,
		Videos:       res.Videos,
		Recognitions: res.Recognitions,
		Merges:       res.Merges,
		MatchMethod:  res.MatchMethod,
	}
	if res.Match != nil {
		out.Edges = res.Match.Edges
	}
	if c := res.Clusters; c != nil {
		if out.Edges == nil {
			out.Edges = c.Edges
		}
		out.Persons = personsToResponse(c.Persons())
		out.Discarded = c.Discarded
		out.Released = c.Released
		out.Conflicts = c.Conflicts
	}
	return out
}
