package identity

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/face-linker/internal/embedding"
)

// minSamples of 1 lets a lone sighting seed its own cluster.
const minSamples = 1

// VideoClusterResult is the outcome of de-duplicating one video's detections.
type VideoClusterResult struct {
	VideoID    string             `json:"video_id"`
	Identities []VideoIdentity    `json:"identities"`
	Skipped    []SkippedDetection `json:"skipped,omitempty"`
	Detections int                `json:"detections"`
}

// GroupDetections partitions detections into same-individual groups by embedding
// similarity alone. Malformed detections are returned as skipped; every valid
// detection lands in exactly one group.
func (e *Engine) GroupDetections(detections []RawDetection) ([][]int, []SkippedDetection) {
	var skipped []SkippedDetection
	valid := make([]int, 0, len(detections))
	vectors := make([][]float32, 0, len(detections))

	for i, d := range detections {
		err := embedding.Validate(d.Embedding, e.cfg.Dim)
		var vec []float32
		if err == nil {
			vec, err = embedding.Normalize(d.Embedding)
		}
		if err != nil {
			skipped = append(skipped, SkippedDetection{
				Index:     i,
				Detection: d,
				Err:       &DetectionError{VideoID: d.VideoID, FrameIndex: d.FrameIndex, Index: i, Err: err},
				Reason:    err.Error(),
			})
			continue
		}
		valid = append(valid, i)
		vectors = append(vectors, vec)
	}

	if len(vectors) == 0 {
		return nil, skipped
	}

	eps := embedding.MaxDistance(e.cfg.SimilarityThreshold)
	labels := dbscan(vectors, eps, minSamples)

	groups := groupLabels(labels)
	for _, g := range groups {
		for j, local := range g {
			g[j] = valid[local]
		}
	}
	return groups, skipped
}

// ClusterVideo de-duplicates the detections of a single video into one
// VideoIdentity per unique individual. Zero detections yield zero identities.
func (e *Engine) ClusterVideo(detections []RawDetection) (*VideoClusterResult, error) {
	if len(detections) == 0 {
		return &VideoClusterResult{}, nil
	}

	videoID := detections[0].VideoID
	for i, d := range detections {
		if d.VideoID != videoID {
			return nil, &DetectionError{VideoID: d.VideoID, FrameIndex: d.FrameIndex, Index: i, Err: ErrMixedVideos}
		}
	}

	groups, skipped := e.GroupDetections(detections)

	result := &VideoClusterResult{
		VideoID:    videoID,
		Identities: make([]VideoIdentity, 0, len(groups)),
		Skipped:    skipped,
		Detections: len(detections),
	}

	for n, g := range groups {
		members := make([]RawDetection, len(g))
		for j, idx := range g {
			members[j] = detections[idx]
		}
		vi, err := Summarize(members)
		if err != nil {
			return nil, fmt.Errorf("summarizing group %d of video %s: %w", n+1, videoID, err)
		}
		vi.ID = VideoIdentityID(videoID, n+1)
		vi.Members = g
		result.Identities = append(result.Identities, *vi)
	}

	return result, nil
}

// ClusterVideos runs ClusterVideo for each video on a bounded worker pool.
// Results are ordered by video ID. The context is checked before each video.
func (e *Engine) ClusterVideos(ctx context.Context, byVideo map[string][]RawDetection) ([]*VideoClusterResult, error) {
	videoIDs := make([]string, 0, len(byVideo))
	for id := range byVideo {
		videoIDs = append(videoIDs, id)
	}
	sort.Strings(videoIDs)

	results := make([]*VideoClusterResult, len(videoIDs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for i, id := range videoIDs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := e.ClusterVideo(byVideo[id])
			if err != nil {
				return fmt.Errorf("clustering video %s: %w", id, err)
			}
			res.VideoID = id
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

var (
	unsafeIDChars = regexp.MustCompile("[#'\"<>{}|\\\\^~\\[\\]`]")
	repeatedUnder = regexp.MustCompile("_+")
)

// SanitizeName replaces characters that break URLs with underscores.
func SanitizeName(name string) string {
	name = unsafeIDChars.ReplaceAllString(name, "_")
	return repeatedUnder.ReplaceAllString(name, "_")
}

// VideoIdentityID builds the stable identifier of the n-th (1-based) identity of a video.
func VideoIdentityID(videoID string, n int) string {
	return fmt.Sprintf("%s_Person_%03d", SanitizeName(videoID), n)
}
