package identity

import (
	"fmt"
	"slices"

	"github.com/kozaktomas/face-linker/internal/embedding"
)

// Summarize collapses a group of detections believed to be one individual into a
// VideoIdentity. The caller assigns ID and Members.
//
// The representative embedding is the re-normalised element-wise mean; the
// exemplar is the detection with the highest confidence × face area, earliest
// frame first on ties.
func Summarize(group []RawDetection) (*VideoIdentity, error) {
	if len(group) == 0 {
		return nil, ErrEmptyGroup
	}

	vectors := make([][]float32, len(group))
	for i, d := range group {
		v, err := embedding.Normalize(d.Embedding)
		if err != nil {
			return nil, &DetectionError{VideoID: d.VideoID, FrameIndex: d.FrameIndex, Index: i, Err: err}
		}
		vectors[i] = v
	}
	rep, err := embedding.Mean(vectors)
	if err != nil {
		return nil, fmt.Errorf("representative embedding: %w", err)
	}

	first := group[0]
	vi := &VideoIdentity{
		VideoID:         first.VideoID,
		Embedding:       rep,
		AppearanceCount: len(group),
		FirstFrame:      first.FrameIndex,
		LastFrame:       first.FrameIndex,
		FirstSeen:       first.Timestamp,
		LastSeen:        first.Timestamp,
		BestConfidence:  first.Confidence,
	}

	best := 0
	var confSum float64
	for i, d := range group {
		confSum += d.Confidence
		vi.FirstFrame = min(vi.FirstFrame, d.FrameIndex)
		vi.LastFrame = max(vi.LastFrame, d.FrameIndex)
		if d.Timestamp.Before(vi.FirstSeen) {
			vi.FirstSeen = d.Timestamp
		}
		if d.Timestamp.After(vi.LastSeen) {
			vi.LastSeen = d.Timestamp
		}
		vi.BestConfidence = max(vi.BestConfidence, d.Confidence)

		if betterExemplar(d, group[best]) {
			best = i
		}
	}
	vi.AverageConfidence = confSum / float64(len(group))

	ex := group[best]
	vi.Exemplar = Exemplar{
		FrameIndex: ex.FrameIndex,
		Timestamp:  ex.Timestamp,
		BBox:       ex.BBox,
		Confidence: ex.Confidence,
	}
	return vi, nil
}

func betterExemplar(candidate, current RawDetection) bool {
	cs, bs := candidate.QualityScore(), current.QualityScore()
	if cs != bs {
		return cs > bs
	}
	return candidate.FrameIndex < current.FrameIndex
}

// MergeIdentities combines identities of one video that turned out to be the
// same individual. The first identity keeps its ID; members are concatenated,
// statistics recomputed and the exemplar taken from the best-quality input.
func MergeIdentities(group []VideoIdentity) (*VideoIdentity, error) {
	if len(group) == 0 {
		return nil, ErrEmptyGroup
	}

	first := group[0]
	out := first
	out.Members = nil
	out.AppearanceCount = 0

	vectors := make([][]float32, len(group))
	var confSum float64
	for i, vi := range group {
		if vi.VideoID != first.VideoID {
			return nil, &IdentityError{ID: vi.ID, VideoID: vi.VideoID, Err: ErrMixedVideos}
		}
		v, err := embedding.Normalize(vi.Embedding)
		if err != nil {
			return nil, &IdentityError{ID: vi.ID, VideoID: vi.VideoID, Err: fmt.Errorf("%w: %w", ErrInvalidIdentity, err)}
		}
		vectors[i] = v

		out.Members = append(out.Members, vi.Members...)
		out.AppearanceCount += vi.AppearanceCount
		confSum += vi.AverageConfidence * float64(vi.AppearanceCount)
		out.FirstFrame = min(out.FirstFrame, vi.FirstFrame)
		out.LastFrame = max(out.LastFrame, vi.LastFrame)
		if vi.FirstSeen.Before(out.FirstSeen) {
			out.FirstSeen = vi.FirstSeen
		}
		if vi.LastSeen.After(out.LastSeen) {
			out.LastSeen = vi.LastSeen
		}
		out.BestConfidence = max(out.BestConfidence, vi.BestConfidence)
		if vi.Exemplar.Confidence*vi.Exemplar.BBox.Area() > out.Exemplar.Confidence*out.Exemplar.BBox.Area() {
			out.Exemplar = vi.Exemplar
		}
	}

	rep, err := embedding.Mean(vectors)
	if err != nil {
		return nil, fmt.Errorf("merged representative embedding: %w", err)
	}
	out.Embedding = rep
	if out.AppearanceCount > 0 {
		out.AverageConfidence = confSum / float64(out.AppearanceCount)
	}
	slices.Sort(out.Members)
	return &out, nil
}
