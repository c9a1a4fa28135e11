package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

// plantedCorpus returns identities of the given number of people seen across
// videos, each sighting a slightly perturbed copy of the person's direction.
func plantedCorpus(rng *rand.Rand, dim, people, videos int) []VideoIdentity {
	bases := make([][]float32, people)
	for i := range bases {
		bases[i] = randomUnit(rng, dim)
	}
	var ids []VideoIdentity
	for v := range videos {
		video := fmt.Sprintf("video-%02d", v)
		for p := range people {
			if rng.Intn(4) == 0 {
				continue
			}
			ids = append(ids, videoIdentity(VideoIdentityID(video, p+1), video, jitter(rng, bases[p], 0.02)))
		}
	}
	return ids
}

func edgeSet(edges []MatchEdge) map[string]bool {
	out := make(map[string]bool, len(edges))
	for _, e := range edges {
		out[e.Source+"|"+e.Target] = true
	}
	return out
}

func TestSearchMatches_ParityWithBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := plantedCorpus(rng, 32, 6, 5)
	e := newTestEngine(t, 32, 0.85, 0.90)

	brute, err := e.MatchCrossVideo(context.Background(), ids, MatchOptions{})
	if err != nil {
		t.Fatalf("MatchCrossVideo() error: %v", err)
	}
	approx, err := e.SearchMatches(context.Background(), ids, MatchOptions{})
	if err != nil {
		t.Fatalf("SearchMatches() error: %v", err)
	}

	if len(brute.Edges) == 0 {
		t.Fatal("fixture produced no edges")
	}
	want, got := edgeSet(brute.Edges), edgeSet(approx.Edges)
	if len(got) != len(approx.Edges) {
		t.Errorf("index emitted duplicate pairs")
	}
	for k := range want {
		if !got[k] {
			t.Errorf("index missed edge %s", k)
		}
	}
	for k := range got {
		if !want[k] {
			t.Errorf("index produced extra edge %s", k)
		}
	}
	for _, ed := range approx.Edges {
		if ed.SourceVideo == ed.TargetVideo {
			t.Errorf("same-video edge %s -> %s", ed.Source, ed.Target)
		}
		if ed.Source >= ed.Target {
			t.Errorf("edge not canonical: %s -> %s", ed.Source, ed.Target)
		}
	}
}

func TestSearchMatches_SmallK(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	ids := plantedCorpus(rng, 32, 3, 8)

	cfg := DefaultConfig()
	cfg.Dim = 32
	cfg.KNeighbors = 1
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	brute, err := e.MatchCrossVideo(context.Background(), ids, MatchOptions{})
	if err != nil {
		t.Fatalf("MatchCrossVideo() error: %v", err)
	}
	approx, err := e.SearchMatches(context.Background(), ids, MatchOptions{})
	if err != nil {
		t.Fatalf("SearchMatches() error: %v", err)
	}
	if len(approx.Edges) > len(brute.Edges) {
		t.Errorf("index with K=1 produced %d edges, brute force %d", len(approx.Edges), len(brute.Edges))
	}
	want := edgeSet(brute.Edges)
	for k := range edgeSet(approx.Edges) {
		if !want[k] {
			t.Errorf("index produced edge %s that brute force rejects", k)
		}
	}
}

func TestSearchMatches_Empty(t *testing.T) {
	e := newTestEngine(t, 4, 0.85, 0.90)
	res, err := e.SearchMatches(context.Background(), nil, MatchOptions{})
	if err != nil {
		t.Fatalf("SearchMatches() error: %v", err)
	}
	if len(res.Edges) != 0 {
		t.Errorf("empty index produced edges")
	}
}

func TestIndex_SearchAndStats(t *testing.T) {
	e := newTestEngine(t, 4, 0.85, 0.90)
	ids := []VideoIdentity{
		videoIdentity("a1", "a", basis(4, 0)),
		videoIdentity("b1", "b", withSimilarity(basis(4, 0), basis(4, 1), 0.95)),
		videoIdentity("c1", "c", withSimilarity(basis(4, 0), basis(4, 2), 0.99)),
		videoIdentity("c2", "c", basis(4, 3)),
	}
	ix, err := e.BuildIndex(ids)
	if err != nil {
		t.Fatalf("BuildIndex() error: %v", err)
	}

	stats := ix.Stats()
	if stats.TotalIdentities != 4 || stats.Videos != 3 || stats.PerVideo["c"] != 2 || stats.Dimension != 4 {
		t.Errorf("stats = %+v", stats)
	}

	got, err := ix.Search(basis(4, 0), 10, nil)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(got) != 3 || got[0].ID != "a1" || got[1].ID != "c1" || got[2].ID != "b1" {
		t.Errorf("search = %+v, want a1, c1, b1", got)
	}

	got, err = ix.Search(basis(4, 0), 10, []string{"a", "c"})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b1" {
		t.Errorf("search excluding a and c = %+v", got)
	}

	if _, err := ix.Search([]float32{1, 0}, 10, nil); err == nil {
		t.Error("Search() accepted a query of the wrong dimension")
	}

	empty, err := e.BuildIndex(nil)
	if err != nil {
		t.Fatalf("BuildIndex(nil) error: %v", err)
	}
	if _, err := empty.Search(basis(4, 0), 1, nil); !errors.Is(err, ErrIndexEmpty) {
		t.Errorf("empty search error = %v, want ErrIndexEmpty", err)
	}
}
