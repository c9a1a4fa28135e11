package identity

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/face-linker/internal/embedding"
)

// MatchOptions narrows a cross-video matching pass.
type MatchOptions struct {
	// Focus limits comparisons to video pairs where at least one side is listed.
	// Empty means every pair of distinct videos.
	Focus []string
}

// MatchResult is the outcome of a cross-video matching pass.
type MatchResult struct {
	Edges       []MatchEdge `json:"edges"`
	Comparisons int         `json:"comparisons"`
	VideoPairs  int         `json:"video_pairs"`
	Videos      int         `json:"videos"`
}

// prepared is a validated identity with its unit-length embedding.
type prepared struct {
	id      string
	videoID string
	vec     []float32
}

// prepareIdentities validates and normalizes identity embeddings and rejects
// duplicate IDs. The result is sorted by identity ID.
func prepareIdentities(identities []VideoIdentity, dim int) ([]prepared, error) {
	out := make([]prepared, 0, len(identities))
	seen := make(map[string]struct{}, len(identities))
	for _, vi := range identities {
		if _, ok := seen[vi.ID]; ok {
			return nil, &IdentityError{ID: vi.ID, VideoID: vi.VideoID, Err: ErrDuplicateIdentity}
		}
		seen[vi.ID] = struct{}{}

		if err := embedding.Validate(vi.Embedding, dim); err != nil {
			return nil, &IdentityError{ID: vi.ID, VideoID: vi.VideoID, Err: fmt.Errorf("%w: %w", ErrInvalidIdentity, err)}
		}
		vec, err := embedding.Normalize(vi.Embedding)
		if err != nil {
			return nil, &IdentityError{ID: vi.ID, VideoID: vi.VideoID, Err: fmt.Errorf("%w: %w", ErrInvalidIdentity, err)}
		}
		out = append(out, prepared{id: vi.ID, videoID: vi.VideoID, vec: vec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

// newEdge orients an edge so the lexically smaller identity is the source.
func newEdge(a, b prepared, sim float64) MatchEdge {
	if b.id < a.id {
		a, b = b, a
	}
	return MatchEdge{
		Source:      a.id,
		Target:      b.id,
		SourceVideo: a.videoID,
		TargetVideo: b.videoID,
		Similarity:  sim,
	}
}

func sortEdges(edges []MatchEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})
}

type videoPair struct {
	a, b string
}

// MatchCrossVideo compares every identity against every identity of every other
// video and returns the edges at or above the similarity threshold. Identities of
// the same video are never compared.
//
// Video pairs run on a bounded worker pool; each pair writes only its own result
// slot. The context is checked before each pair.
func (e *Engine) MatchCrossVideo(ctx context.Context, identities []VideoIdentity, opts MatchOptions) (*MatchResult, error) {
	items, err := prepareIdentities(identities, e.cfg.Dim)
	if err != nil {
		return nil, err
	}

	byVideo := make(map[string][]prepared)
	for _, it := range items {
		byVideo[it.videoID] = append(byVideo[it.videoID], it)
	}
	videos := make([]string, 0, len(byVideo))
	for v := range byVideo {
		videos = append(videos, v)
	}
	sort.Strings(videos)

	focus := make(map[string]bool, len(opts.Focus))
	for _, v := range opts.Focus {
		focus[v] = true
	}

	var pairs []videoPair
	for i := range videos {
		for j := i + 1; j < len(videos); j++ {
			if len(focus) > 0 && !focus[videos[i]] && !focus[videos[j]] {
				continue
			}
			pairs = append(pairs, videoPair{a: videos[i], b: videos[j]})
		}
	}

	type pairResult struct {
		edges       []MatchEdge
		comparisons int
	}
	results := make([]pairResult, len(pairs))
	threshold := e.cfg.SimilarityThreshold

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, p := range pairs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			left, right := byVideo[p.a], byVideo[p.b]
			var res pairResult
			for _, x := range left {
				for _, y := range right {
					res.comparisons++
					sim := embedding.Dot(x.vec, y.vec)
					if embedding.AtLeast(sim, threshold) {
						res.edges = append(res.edges, newEdge(x, y, sim))
					}
				}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("cross-video matching: %w", err)
	}

	out := &MatchResult{VideoPairs: len(pairs), Videos: len(videos)}
	for _, r := range results {
		out.Edges = append(out.Edges, r.edges...)
		out.Comparisons += r.comparisons
	}
	sortEdges(out.Edges)
	return out, nil
}

// SupersedeEdges replaces every stored edge touching an identity in scope with
// the freshly computed edges. Edges not touching scope are kept as they are.
// Re-running with the same inputs yields the same edge set.
func SupersedeEdges(stored, fresh []MatchEdge, scope []string) []MatchEdge {
	inScope := make(map[string]bool, len(scope))
	for _, id := range scope {
		inScope[id] = true
	}

	type key struct{ s, t string }
	seen := make(map[key]bool, len(stored)+len(fresh))
	out := make([]MatchEdge, 0, len(stored)+len(fresh))

	for _, ed := range fresh {
		k := key{ed.Source, ed.Target}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, ed)
	}
	for _, ed := range stored {
		if inScope[ed.Source] || inScope[ed.Target] {
			continue
		}
		k := key{ed.Source, ed.Target}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, ed)
	}
	sortEdges(out)
	return out
}
