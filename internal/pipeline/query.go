package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/kozaktomas/face-linker/internal/constants"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/embedding"
	"github.com/kozaktomas/face-linker/internal/identity"
	"github.com/kozaktomas/face-linker/internal/metrics"
)

// SearchFaces returns up to k stored faces at or above the similarity
// threshold, most similar first. Faces of excluded videos are skipped.
func (p *Pipeline) SearchFaces(ctx context.Context, query []float32, k int, excludeVideos []string) ([]identity.Neighbor, error) {
	if p.store == nil {
		return nil, ErrNoStore
	}
	if err := embedding.Validate(query, p.cfg.EmbeddingDim); err != nil {
		metrics.FaceSearchTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if k <= 0 {
		k = constants.DefaultSearchLimit
	}
	k = min(k, constants.MaxSearchLimit)

	limit := k
	if len(excludeVideos) > 0 {
		limit = k * database.HNSWSearchMultiplier
	}

	faces, distances, err := p.store.Faces().FindSimilarFaces(ctx, query, limit, embedding.MaxDistance(p.cfg.SimilarityThreshold))
	if err != nil {
		metrics.FaceSearchTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("searching faces: %w", err)
	}

	out := make([]identity.Neighbor, 0, k)
	for i, f := range faces {
		if slices.Contains(excludeVideos, f.VideoID) {
			continue
		}
		out = append(out, identity.Neighbor{ID: f.ID, VideoID: f.VideoID, Similarity: 1 - distances[i]})
		if len(out) == k {
			break
		}
	}
	metrics.FaceSearchTotal.WithLabelValues("ok").Inc()
	return out, nil
}

// IndexStats builds an approximate index over the stored faces and reports
// its size and configuration.
func (p *Pipeline) IndexStats(ctx context.Context) (identity.IndexStats, error) {
	if p.store == nil {
		return identity.IndexStats{}, ErrNoStore
	}
	faces, err := p.store.Faces().GetFacesByVideos(ctx, nil)
	if err != nil {
		return identity.IndexStats{}, fmt.Errorf("loading faces: %w", err)
	}
	ix, err := p.engine.BuildIndex(faces)
	if err != nil {
		return identity.IndexStats{}, err
	}
	return ix.Stats(), nil
}

// PersonDetail is a person with its per-video breakdown.
type PersonDetail struct {
	identity.PersonIdentity
	Appearances []identity.VideoAppearance `json:"appearances"`
}

// Person returns a person and its appearances. It fails with
// database.ErrNotFound when the person does not exist.
func (p *Pipeline) Person(ctx context.Context, id string) (*PersonDetail, error) {
	if p.store == nil {
		return nil, ErrNoStore
	}
	person, err := p.store.Persons().GetPerson(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading person: %w", err)
	}
	if person == nil {
		return nil, fmt.Errorf("person %s: %w", id, database.ErrNotFound)
	}
	faces, err := p.store.Faces().GetFacesByIDs(ctx, person.Members)
	if err != nil {
		return nil, fmt.Errorf("loading person faces: %w", err)
	}
	return &PersonDetail{
		PersonIdentity: *person,
		Appearances:    identity.PersonAppearances(*person, faces),
	}, nil
}

// RenamePerson assigns a human name and notes to a person. Named persons are
// recognised as registered in later analyses.
func (p *Pipeline) RenamePerson(ctx context.Context, id, name, notes string) error {
	if p.store == nil {
		return ErrNoStore
	}
	name = strings.TrimSpace(name)
	if len(name) > constants.MaxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidInput, constants.MaxNameLength)
	}
	if len(notes) > constants.MaxNotesLength {
		return fmt.Errorf("%w: notes exceed %d characters", ErrInvalidInput, constants.MaxNotesLength)
	}
	if err := p.store.Persons().UpdatePersonName(ctx, id, name, notes); err != nil {
		return err
	}
	p.logger.Info("person renamed", "person_id", id, "name", name)
	return nil
}
