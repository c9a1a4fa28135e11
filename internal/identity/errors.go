package identity

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyGroup        = errors.New("cannot summarize an empty detection group")
	ErrInvalidThreshold  = errors.New("threshold must be between 0 and 1")
	ErrInvalidDimension  = errors.New("embedding dimension must be positive")
	ErrMixedVideos       = errors.New("detections span more than one video")
	ErrDuplicateIdentity = errors.New("duplicate identity ID")
	ErrUnknownIdentity   = errors.New("edge references unknown identity")
	ErrSameVideoEdge     = errors.New("edge endpoints share a video")
	ErrInvalidIdentity   = errors.New("invalid identity")
)

// DetectionError identifies the offending detection in a failed batch.
type DetectionError struct {
	VideoID    string
	FrameIndex int
	Index      int
	Err        error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection %d (video %s, frame %d): %v", e.Index, e.VideoID, e.FrameIndex, e.Err)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// IdentityError identifies the offending identity in a failed call.
type IdentityError struct {
	ID      string
	VideoID string
	Err     error
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("identity %s (video %s): %v", e.ID, e.VideoID, e.Err)
}

func (e *IdentityError) Unwrap() error {
	return e.Err
}
