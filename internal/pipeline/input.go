package pipeline

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/kozaktomas/face-linker/internal/identity"
)

// VideoDetections is one video of a detection dump.
type VideoDetections struct {
	VideoID    string                  `json:"video_id"`
	Detections []identity.RawDetection `json:"detections"`
}

// GroupByVideo indexes a detection dump by video. Detections without a video ID
// inherit the one of their video; a detection naming another video is rejected.
func GroupByVideo(videos []VideoDetections) (map[string][]identity.RawDetection, error) {
	out := make(map[string][]identity.RawDetection, len(videos))
	for i, v := range videos {
		if v.VideoID == "" {
			return nil, fmt.Errorf("%w: video %d has no video_id", ErrInvalidInput, i)
		}
		if _, dup := out[v.VideoID]; dup {
			return nil, fmt.Errorf("%w: video %q listed twice", ErrInvalidInput, v.VideoID)
		}
		dets := make([]identity.RawDetection, len(v.Detections))
		for j, d := range v.Detections {
			if d.VideoID == "" {
				d.VideoID = v.VideoID
			}
			if d.VideoID != v.VideoID {
				return nil, fmt.Errorf("%w: detection %d of video %q names video %q",
					ErrInvalidInput, j, v.VideoID, d.VideoID)
			}
			dets[j] = d
		}
		out[v.VideoID] = dets
	}
	return out, nil
}

// DecodeDetections reads a JSON array of VideoDetections.
func DecodeDetections(r io.Reader) (map[string][]identity.RawDetection, error) {
	var videos []VideoDetections
	if err := json.NewDecoder(r).Decode(&videos); err != nil {
		return nil, fmt.Errorf("%w: decoding detections: %w", ErrInvalidInput, err)
	}
	return GroupByVideo(videos)
}
