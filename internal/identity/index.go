package identity

import (
	"context"
	"errors"
	"math/rand"
	"slices"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/face-linker/internal/embedding"
)

// HNSW parameters for 512-dim face embeddings.
const (
	indexMaxNeighbors = 16
	indexEfSearch     = 100
	// indexSearchMultiplier over-fetches candidates for queries that filter
	// results afterwards.
	indexSearchMultiplier = 3
)

// ErrIndexEmpty is returned when searching an index without identities.
var ErrIndexEmpty = errors.New("index contains no identities")

// Neighbor is one query result from the approximate index.
type Neighbor struct {
	ID         string  `json:"id"`
	VideoID    string  `json:"video_id"`
	Similarity float64 `json:"similarity"`
}

// IndexStats describes a built index.
type IndexStats struct {
	TotalIdentities int            `json:"total_identities"`
	Dimension       int            `json:"dimension"`
	Videos          int            `json:"videos"`
	PerVideo        map[string]int `json:"per_video"`
	KNeighbors      int            `json:"k_neighbors"`
	Threshold       float64        `json:"threshold"`
}

// Index is an approximate nearest-neighbour index over identity embeddings.
//
// Graph keys are positions in the ID-sorted identity list, so comparing keys
// orders identities the same way as comparing their IDs. An Index is immutable
// after BuildIndex and safe for concurrent searches.
type Index struct {
	graph     *hnsw.Graph[int]
	items     []prepared
	dim       int
	k         int
	threshold float64
}

// BuildIndex indexes the representative embeddings of identities.
func (e *Engine) BuildIndex(identities []VideoIdentity) (*Index, error) {
	items, err := prepareIdentities(identities, e.cfg.Dim)
	if err != nil {
		return nil, err
	}

	g := hnsw.NewGraph[int]()
	g.M = indexMaxNeighbors
	g.Ml = 1.0 / float64(indexMaxNeighbors)
	g.EfSearch = max(indexEfSearch, e.cfg.KNeighbors+1)
	g.Distance = hnsw.CosineDistance
	g.Rng = rand.New(rand.NewSource(int64(len(items))))

	for i, it := range items {
		g.Add(hnsw.MakeNode(i, it.vec))
	}

	return &Index{
		graph:     g,
		items:     items,
		dim:       e.cfg.Dim,
		k:         e.cfg.KNeighbors,
		threshold: e.cfg.SimilarityThreshold,
	}, nil
}

// Len returns the number of indexed identities.
func (ix *Index) Len() int {
	return len(ix.items)
}

// Stats reports the size and configuration of the index.
func (ix *Index) Stats() IndexStats {
	per := make(map[string]int)
	for _, it := range ix.items {
		per[it.videoID]++
	}
	return IndexStats{
		TotalIdentities: len(ix.items),
		Dimension:       ix.dim,
		Videos:          len(per),
		PerVideo:        per,
		KNeighbors:      ix.k,
		Threshold:       ix.threshold,
	}
}

// SearchMatches queries each identity's K nearest neighbours and returns the
// cross-video edges at or above the similarity threshold. An unordered pair is
// emitted once, with the smaller identity as source.
//
// With a focus set only identities of focused videos are queried.
func (ix *Index) SearchMatches(ctx context.Context, opts MatchOptions) (*MatchResult, error) {
	focus := make(map[string]bool, len(opts.Focus))
	for _, v := range opts.Focus {
		focus[v] = true
	}

	videos := make(map[string]struct{})
	type pair struct{ a, b int }
	seen := make(map[pair]struct{})
	res := &MatchResult{}

	if len(ix.items) == 0 || ix.k == 0 {
		return res, nil
	}

	for i, it := range ix.items {
		videos[it.videoID] = struct{}{}
		if len(focus) > 0 && !focus[it.videoID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, n := range ix.graph.Search(it.vec, ix.k+1) {
			j := n.Key
			if j == i {
				continue
			}
			other := ix.items[j]
			if other.videoID == it.videoID {
				continue
			}
			res.Comparisons++
			sim := embedding.Dot(it.vec, other.vec)
			if !embedding.AtLeast(sim, ix.threshold) {
				continue
			}
			p := pair{a: min(i, j), b: max(i, j)}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			res.Edges = append(res.Edges, newEdge(ix.items[p.a], ix.items[p.b], sim))
		}
	}

	res.Videos = len(videos)
	sortEdges(res.Edges)
	return res, nil
}

// Search returns up to k identities most similar to query whose similarity is
// at or above the threshold, skipping identities of excluded videos. Results are
// ordered by descending similarity.
func (ix *Index) Search(query []float32, k int, excludeVideos []string) ([]Neighbor, error) {
	if len(ix.items) == 0 {
		return nil, ErrIndexEmpty
	}
	if err := embedding.Validate(query, ix.dim); err != nil {
		return nil, err
	}
	q, err := embedding.Normalize(query)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = ix.k
	}

	exclude := make(map[string]bool, len(excludeVideos))
	for _, v := range excludeVideos {
		exclude[v] = true
	}

	fetch := k
	if len(exclude) > 0 {
		fetch = k * indexSearchMultiplier
	}

	var out []Neighbor
	for _, n := range ix.graph.Search(q, fetch) {
		it := ix.items[n.Key]
		if exclude[it.videoID] {
			continue
		}
		sim := embedding.Dot(q, it.vec)
		if !embedding.AtLeast(sim, ix.threshold) {
			continue
		}
		out = append(out, Neighbor{ID: it.id, VideoID: it.videoID, Similarity: sim})
	}
	slices.SortStableFunc(out, func(a, b Neighbor) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// SearchMatches builds a throwaway index over identities and returns its
// cross-video edges. It has the same output contract as MatchCrossVideo.
func (e *Engine) SearchMatches(ctx context.Context, identities []VideoIdentity, opts MatchOptions) (*MatchResult, error) {
	ix, err := e.BuildIndex(identities)
	if err != nil {
		return nil, err
	}
	return ix.SearchMatches(ctx, opts)
}
