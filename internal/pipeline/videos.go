package pipeline

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/identity"
)

// RemoveVideo deletes a video with its faces and edges, then rebuilds the
// persons it contributed to. Persons seen only in that video are discarded.
func (p *Pipeline) RemoveVideo(ctx context.Context, id string) (*Result, error) {
	if p.store == nil {
		return nil, ErrNoStore
	}
	video, err := p.store.Videos().GetVideo(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading video: %w", err)
	}
	if video == nil {
		return nil, fmt.Errorf("video %s: %w", id, database.ErrNotFound)
	}

	opts := Options{Videos: []string{id}}
	run, err := p.startRun(ctx, KindRemove, opts)
	if err != nil {
		return nil, err
	}
	clusters, err := func() (*identity.ClusterResult, error) {
		persons, err := p.store.Persons().ListPersons(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading persons: %w", err)
		}
		if err := p.store.Videos().DeleteVideo(ctx, id); err != nil {
			return nil, fmt.Errorf("deleting video %s: %w", id, err)
		}
		all, err := p.store.Faces().GetFacesByVideos(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("loading faces: %w", err)
		}
		run.Counts.Identities = len(all)
		scope := []string{id}
		return p.rebuild(ctx, all, persons, scope, scope, nil)
	}()
	if err == nil {
		recordClusters(run, clusters)
	}
	p.finishRun(ctx, run, opts, err)
	if err != nil {
		return nil, err
	}
	p.logger.Info("video removed", "video_id", id, "faces", video.IdentityCount)
	return &Result{Run: *run, Clusters: clusters}, nil
}
