package pipeline

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/identity"
	"github.com/kozaktomas/face-linker/internal/metrics"
)

// Match re-runs cross-video matching over the stored faces and supersedes the
// stored edges of the scoped videos. An empty scope matches every video.
func (p *Pipeline) Match(ctx context.Context, opts Options) (*Result, error) {
	return p.runStored(ctx, KindMatch, opts, func(ctx context.Context, all []identity.VideoIdentity, scope []string, run *database.AnalysisRun) (*Result, error) {
		match, method, err := p.match(ctx, all, scope, opts.UseIndex)
		if err != nil {
			return nil, err
		}
		run.Counts.Comparisons = match.Comparisons
		run.Counts.Edges = len(match.Edges)

		if p.persists(opts) {
			if err := p.store.Matches().ReplaceMatches(ctx, facesIn(all, scope), match.Edges); err != nil {
				return nil, fmt.Errorf("storing matches: %w", err)
			}
		}
		return &Result{Match: match, MatchMethod: method}, nil
	})
}

// Cluster rebuilds the person clusters of the scoped videos from the stored
// edges. An empty scope rebuilds every person.
func (p *Pipeline) Cluster(ctx context.Context, opts Options) (*Result, error) {
	return p.runStored(ctx, KindCluster, opts, func(ctx context.Context, all []identity.VideoIdentity, scope []string, run *database.AnalysisRun) (*Result, error) {
		var clusters *identity.ClusterResult
		if p.persists(opts) {
			persons, err := p.store.Persons().ListPersons(ctx)
			if err != nil {
				return nil, fmt.Errorf("loading persons: %w", err)
			}
			clusters, err = p.rebuild(ctx, all, persons, scope, nil, nil)
			if err != nil {
				return nil, err
			}
		} else {
			edges, err := p.store.Matches().GetMatches(ctx, nil)
			if err != nil {
				return nil, fmt.Errorf("loading matches: %w", err)
			}
			clusters, err = p.engine.BuildPersonClusters(all, edges)
			if err != nil {
				return nil, err
			}
		}
		run.Counts.Edges = len(clusters.Edges)
		recordClusters(run, clusters)
		return &Result{Clusters: clusters}, nil
	})
}

type storedStage func(ctx context.Context, all []identity.VideoIdentity, scope []string, run *database.AnalysisRun) (*Result, error)

// runStored loads every stored face, resolves the scope and runs stage inside
// a recorded run. A non-empty scope must name at least one video with faces.
func (p *Pipeline) runStored(ctx context.Context, kind string, opts Options, stage storedStage) (*Result, error) {
	if p.store == nil {
		return nil, ErrNoStore
	}

	run, err := p.startRun(ctx, kind, opts)
	if err != nil {
		return nil, err
	}
	res, err := func() (*Result, error) {
		all, err := p.store.Faces().GetFacesByVideos(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("loading faces: %w", err)
		}
		perVideo := make(map[string]int)
		for _, f := range all {
			perVideo[f.VideoID]++
		}
		run.Counts.Identities = len(all)
		run.Counts.Videos = len(perVideo)

		var scope []string
		if len(opts.Videos) > 0 {
			for _, v := range opts.Videos {
				if perVideo[v] > 0 {
					scope = append(scope, v)
				}
			}
			if len(scope) == 0 {
				return nil, ErrNoValidVideos
			}
		}
		return stage(ctx, all, scope, run)
	}()
	p.finishRun(ctx, run, opts, err)
	if err != nil {
		return nil, err
	}
	res.Run = *run
	return res, nil
}

// match picks exact or approximate matching. The index is used when forced or
// once the corpus reaches the configured size.
func (p *Pipeline) match(
	ctx context.Context, all []identity.VideoIdentity, focus []string, forceIndex bool,
) (*identity.MatchResult, string, error) {
	start := time.Now()
	defer observeStage("match", start)

	method := MethodExact
	if forceIndex || (p.cfg.IndexMinIdentities > 0 && len(all) >= p.cfg.IndexMinIdentities) {
		method = MethodIndex
	}

	var (
		res *identity.MatchResult
		err error
	)
	opts := identity.MatchOptions{Focus: focus}
	if method == MethodIndex {
		res, err = p.engine.SearchMatches(ctx, all, opts)
	} else {
		res, err = p.engine.MatchCrossVideo(ctx, all, opts)
	}
	if err != nil {
		return nil, method, fmt.Errorf("matching identities: %w", err)
	}

	metrics.ComparisonsTotal.WithLabelValues(method).Add(float64(res.Comparisons))
	metrics.EdgesTotal.Add(float64(len(res.Edges)))
	p.logger.Debug("matched identities", "method", method, "identities", len(all),
		"video_pairs", res.VideoPairs, "comparisons", res.Comparisons, "edges", len(res.Edges))
	return res, method, nil
}

// selectVideos restricts the input to the requested videos. Requesting a video
// that is not part of the input is an error.
func selectVideos(byVideo map[string][]identity.RawDetection, videos []string) (map[string][]identity.RawDetection, error) {
	if len(byVideo) == 0 {
		return nil, ErrNoInput
	}
	if len(videos) == 0 {
		return byVideo, nil
	}
	out := make(map[string][]identity.RawDetection, len(videos))
	for _, v := range videos {
		dets, ok := byVideo[v]
		if !ok {
			return nil, fmt.Errorf("%w: video %q not in input", ErrInvalidInput, v)
		}
		out[v] = dets
	}
	return out, nil
}

// facesIn returns the IDs of faces belonging to scope, or every face ID when
// scope is empty.
func facesIn(all []identity.VideoIdentity, scope []string) []string {
	if len(scope) == 0 {
		return identityIDs(all)
	}
	var ids []string
	for _, f := range all {
		if slices.Contains(scope, f.VideoID) {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

func identityIDs(identities []identity.VideoIdentity) []string {
	ids := make([]string, len(identities))
	for i, vi := range identities {
		ids[i] = vi.ID
	}
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
