package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/face-linker/internal/config"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/database/mock"
	"github.com/kozaktomas/face-linker/internal/identity"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.MatchingConfig {
	return config.MatchingConfig{
		SimilarityThreshold: 0.85,
		ClusteringThreshold: 0.90,
		MergeThreshold:      0.80,
		RegisteredThreshold: 0.90,
		TrackThreshold:      0.80,
		EmbeddingDim:        4,
		KNeighbors:          10,
		Workers:             2,
	}
}

func newTestPipeline(t *testing.T, store database.Store) *Pipeline {
	t.Helper()
	p, err := New(testConfig(), store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p
}

func unit(i int) []float32 {
	v := make([]float32, 4)
	v[i] = 1
	return v
}

// sightings returns n detections of the same face in a video.
func sightings(video string, emb []float32, firstFrame, n int) []identity.RawDetection {
	out := make([]identity.RawDetection, n)
	for i := range out {
		frame := firstFrame + i*10
		out[i] = identity.RawDetection{
			VideoID:    video,
			FrameIndex: frame,
			Timestamp:  t0.Add(time.Duration(frame) * time.Second),
			BBox:       identity.BBox{X1: 0, Y1: 0, X2: 100, Y2: 100},
			Confidence: 0.9,
			Embedding:  emb,
		}
	}
	return out
}

// corpus holds two videos sharing one face; video a also shows a second face.
func corpus() map[string][]identity.RawDetection {
	return map[string][]identity.RawDetection{
		"a": append(sightings("a", unit(0), 0, 3), sightings("a", unit(1), 100, 2)...),
		"b": sightings("b", unit(0), 0, 2),
	}
}

func TestAnalyze_PersistsAndLinks(t *testing.T) {
	store := mock.NewMockStore()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	res, err := p.Analyze(ctx, corpus(), Options{})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	if res.Run.Status != database.RunSucceeded {
		t.Errorf("run status = %s, want %s", res.Run.Status, database.RunSucceeded)
	}
	if res.Run.Counts.Videos != 2 || res.Run.Counts.Identities != 3 || res.Run.Counts.Edges != 1 {
		t.Errorf("run counts = %+v, want 2 videos, 3 identities, 1 edge", res.Run.Counts)
	}
	if res.MatchMethod != MethodExact {
		t.Errorf("MatchMethod = %q, want %q", res.MatchMethod, MethodExact)
	}
	for _, rec := range res.Recognitions {
		if rec.Status != StatusNew {
			t.Errorf("recognition of %s = %s, want %s", rec.IdentityID, rec.Status, StatusNew)
		}
	}

	persons, _ := store.ListPersons(ctx)
	if len(persons) != 1 {
		t.Fatalf("stored persons = %d, want 1", len(persons))
	}
	person := persons[0]
	if person.Label != "PERSON_0001" {
		t.Errorf("person label = %q, want PERSON_0001", person.Label)
	}
	want := []string{"a_Person_001", "b_Person_001"}
	if strings.Join(person.Members, ",") != strings.Join(want, ",") {
		t.Errorf("person members = %v, want %v", person.Members, want)
	}

	edges, _ := store.GetMatches(ctx, nil)
	if len(edges) != 1 || !edges[0].InSameCluster {
		t.Errorf("stored edges = %+v, want one edge flagged in_same_cluster", edges)
	}

	face, _ := store.GetFace(ctx, "a_Person_001")
	if face == nil || face.PersonID != person.ID {
		t.Errorf("face a_Person_001 person = %v, want %s", face, person.ID)
	}

	dets, _ := store.GetDetections(ctx, "a")
	if len(dets) != 5 {
		t.Fatalf("stored detections = %d, want 5", len(dets))
	}
	for _, d := range dets {
		if d.FaceID == "" {
			t.Errorf("detection at frame %d has no face", d.FrameIndex)
		}
	}

	runs, _ := store.ListRuns(ctx, 0)
	if len(runs) != 1 || runs[0].Status != database.RunSucceeded {
		t.Errorf("stored runs = %+v, want one succeeded run", runs)
	}
}

func TestAnalyze_TracksAndExtendsExistingPerson(t *testing.T) {
	store := mock.NewMockStore()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	if _, err := p.Analyze(ctx, corpus(), Options{}); err != nil {
		t.Fatalf("first Analyze() error: %v", err)
	}
	before, _ := store.ListPersons(ctx)

	res, err := p.Analyze(ctx, map[string][]identity.RawDetection{
		"c": sightings("c", unit(0), 0, 2),
	}, Options{})
	if err != nil {
		t.Fatalf("second Analyze() error: %v", err)
	}

	if len(res.Recognitions) != 1 || res.Recognitions[0].Status != StatusTracked {
		t.Fatalf("recognitions = %+v, want one tracked", res.Recognitions)
	}
	if res.Recognitions[0].PersonID != before[0].ID {
		t.Errorf("tracked person = %s, want %s", res.Recognitions[0].PersonID, before[0].ID)
	}
	if len(res.Clusters.Extended) != 1 {
		t.Fatalf("extended persons = %d, want 1", len(res.Clusters.Extended))
	}

	after, _ := store.ListPersons(ctx)
	if len(after) != 1 {
		t.Fatalf("stored persons = %d, want 1", len(after))
	}
	if after[0].ID != before[0].ID || after[0].TotalVideos != 3 {
		t.Errorf("person after = %s in %d videos, want %s in 3", after[0].ID, after[0].TotalVideos, before[0].ID)
	}
}

func TestAnalyze_TrackedWithoutEdgeJoinsPerson(t *testing.T) {
	store := mock.NewMockStore()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	if _, err := p.Analyze(ctx, corpus(), Options{}); err != nil {
		t.Fatalf("first Analyze() error: %v", err)
	}
	before, _ := store.ListPersons(ctx)

	// 0.82 to the person is above the track threshold but below the similarity
	// threshold, so no match edge links the new face.
	emb := []float32{0.82, 0, float32(math.Sqrt(1 - 0.82*0.82)), 0}
	res, err := p.Analyze(ctx, map[string][]identity.RawDetection{
		"c": sightings("c", emb, 0, 2),
	}, Options{})
	if err != nil {
		t.Fatalf("second Analyze() error: %v", err)
	}
	if len(res.Recognitions) != 1 || res.Recognitions[0].Status != StatusTracked {
		t.Fatalf("recognitions = %+v, want one tracked", res.Recognitions)
	}
	if res.Run.Counts.Edges != 0 {
		t.Errorf("edges = %d, want 0", res.Run.Counts.Edges)
	}

	after, err := store.GetPerson(ctx, before[0].ID)
	if err != nil || after == nil {
		t.Fatalf("GetPerson() = %v, %v", after, err)
	}
	if !slices.Contains(after.Members, "c_Person_001") {
		t.Errorf("person members = %v, want c_Person_001 included", after.Members)
	}
	if after.TotalVideos != 3 || after.TotalAppearances != 7 {
		t.Errorf("person totals = %d videos, %d appearances, want 3 and 7", after.TotalVideos, after.TotalAppearances)
	}

	face, _ := store.GetFace(ctx, "c_Person_001")
	if face == nil || face.PersonID != before[0].ID {
		t.Errorf("face c_Person_001 person = %v, want %s", face, before[0].ID)
	}

	detail, err := p.Person(ctx, before[0].ID)
	if err != nil {
		t.Fatalf("Person() error: %v", err)
	}
	if len(detail.Appearances) != 3 {
		t.Errorf("appearances = %d, want 3", len(detail.Appearances))
	}
}

func TestAnalyze_RegisteredAfterRename(t *testing.T) {
	store := mock.NewMockStore()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	if _, err := p.Analyze(ctx, corpus(), Options{}); err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	persons, _ := store.ListPersons(ctx)
	if err := p.RenamePerson(ctx, persons[0].ID, "  Jan Novák ", "host"); err != nil {
		t.Fatalf("RenamePerson() error: %v", err)
	}

	res, err := p.Analyze(ctx, map[string][]identity.RawDetection{
		"c": sightings("c", unit(0), 0, 1),
	}, Options{})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	rec := res.Recognitions[0]
	if rec.Status != StatusRegistered || rec.Name != "Jan Novák" {
		t.Errorf("recognition = %+v, want registered as Jan Novák", rec)
	}

	after, _ := store.GetPerson(ctx, persons[0].ID)
	if after.Name != "Jan Novák" || after.TotalVideos != 3 {
		t.Errorf("person after = %q in %d videos, want Jan Novák in 3", after.Name, after.TotalVideos)
	}
}

func TestAnalyze_ReanalysisIsStable(t *testing.T) {
	store := mock.NewMockStore()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	if _, err := p.Analyze(ctx, corpus(), Options{}); err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	before, _ := store.ListPersons(ctx)

	if _, err := p.Analyze(ctx, corpus(), Options{Videos: []string{"a"}}); err != nil {
		t.Fatalf("scoped Analyze() error: %v", err)
	}
	after, _ := store.ListPersons(ctx)
	if len(after) != 1 || after[0].ID != before[0].ID || after[0].Label != before[0].Label {
		t.Errorf("persons after re-analysis = %+v, want %s unchanged", after, before[0].ID)
	}
	edges, _ := store.GetMatches(ctx, nil)
	if len(edges) != 1 {
		t.Errorf("stored edges = %d, want 1", len(edges))
	}
}

func TestAnalyze_ReanalysisDropsVanishedFace(t *testing.T) {
	store := mock.NewMockStore()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	input := corpus()
	input["c"] = sightings("c", unit(0), 0, 1)
	if _, err := p.Analyze(ctx, input, Options{}); err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	// Video b now only shows the second face.
	input["b"] = sightings("b", unit(1), 0, 2)
	res, err := p.Analyze(ctx, input, Options{Videos: []string{"b"}})
	if err != nil {
		t.Fatalf("re-analysis error: %v", err)
	}
	if len(res.Clusters.Conflicts) != 0 {
		t.Errorf("conflicts = %+v, want none", res.Clusters.Conflicts)
	}

	persons, _ := store.ListPersons(ctx)
	byVideos := make(map[string]bool)
	for _, p := range persons {
		byVideos[strings.Join(p.VideoIDs, ",")] = true
		for _, m := range p.Members {
			if f, _ := store.GetFace(ctx, m); f == nil {
				t.Errorf("person %s keeps vanished member %s", p.Label, m)
			}
		}
	}
	if !byVideos["a,c"] || !byVideos["a,b"] {
		t.Errorf("person video sets = %v, want a,c and a,b", byVideos)
	}
}

func TestAnalyze_ReportsStoredVideos(t *testing.T) {
	p := newTestPipeline(t, mock.NewMockStore())

	var stored []string
	_, err := p.Analyze(context.Background(), corpus(), Options{
		OnVideoStored: func(videoID string) { stored = append(stored, videoID) },
	})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	slices.Sort(stored)
	if got := strings.Join(stored, ","); got != "a,b" {
		t.Errorf("stored videos = %s, want a,b", got)
	}
}

func TestAnalyze_DryRun(t *testing.T) {
	p := newTestPipeline(t, nil)

	res, err := p.Analyze(context.Background(), corpus(), Options{DryRun: true})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got := len(res.Clusters.Persons()); got != 1 {
		t.Errorf("persons = %d, want 1", got)
	}
	if res.Run.Counts.Persons != 1 {
		t.Errorf("run persons = %d, want 1", res.Run.Counts.Persons)
	}

	if _, err := p.Analyze(context.Background(), corpus(), Options{}); !errors.Is(err, ErrNoStore) {
		t.Errorf("Analyze() without store error = %v, want ErrNoStore", err)
	}
}

func TestAnalyze_Errors(t *testing.T) {
	store := mock.NewMockStore()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	tests := []struct {
		name  string
		input map[string][]identity.RawDetection
		opts  Options
		want  error
	}{
		{
			name:  "empty input",
			input: nil,
			want:  ErrNoInput,
		},
		{
			name:  "unknown video",
			input: corpus(),
			opts:  Options{Videos: []string{"missing"}},
			want:  ErrInvalidInput,
		},
		{
			name:  "no valid detection",
			input: map[string][]identity.RawDetection{"x": sightings("x", []float32{0, 0, 0, 0}, 0, 2)},
			want:  ErrNoValidVideos,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Analyze(ctx, tt.input, tt.opts); !errors.Is(err, tt.want) {
				t.Errorf("Analyze() error = %v, want %v", err, tt.want)
			}
		})
	}

	runs, _ := store.ListRuns(ctx, 0)
	if len(runs) != 1 || runs[0].Status != database.RunFailed || runs[0].Error == "" {
		t.Errorf("stored runs = %+v, want one failed run with error", runs)
	}
	if video, _ := store.GetVideo(ctx, "x"); video != nil {
		t.Errorf("video x stored despite failing run")
	}
}

func TestAnalyze_StoreFailureMarksRunFailed(t *testing.T) {
	store := mock.NewMockStore()
	store.ReplaceMatchesError = errors.New("disk full")
	p := newTestPipeline(t, store)
	ctx := context.Background()

	if _, err := p.Analyze(ctx, corpus(), Options{}); err == nil {
		t.Fatal("Analyze() expected error")
	}
	runs, _ := store.ListRuns(ctx, 0)
	if len(runs) != 1 || runs[0].Status != database.RunFailed || !strings.Contains(runs[0].Error, "disk full") {
		t.Errorf("stored runs = %+v, want failed run mentioning disk full", runs)
	}
}

func TestMatchAndCluster(t *testing.T) {
	store := mock.NewMockStore()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	if _, err := p.Analyze(ctx, corpus(), Options{}); err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	before, _ := store.ListPersons(ctx)

	res, err := p.Match(ctx, Options{UseIndex: true})
	if err != nil {
		t.Fatalf("Match() error: %v", err)
	}
	if res.MatchMethod != MethodIndex || len(res.Match.Edges) != 1 {
		t.Errorf("Match() = %s with %d edges, want index with 1", res.MatchMethod, len(res.Match.Edges))
	}

	res, err = p.Cluster(ctx, Options{})
	if err != nil {
		t.Fatalf("Cluster() error: %v", err)
	}
	after, _ := store.ListPersons(ctx)
	if len(after) != 1 || after[0].ID != before[0].ID {
		t.Errorf("persons after full rebuild = %+v, want %s reused", after, before[0].ID)
	}
	if len(res.Clusters.Discarded) != 0 {
		t.Errorf("Discarded = %v, want none", res.Clusters.Discarded)
	}

	if _, err := p.Match(ctx, Options{Videos: []string{"nope"}}); !errors.Is(err, ErrNoValidVideos) {
		t.Errorf("Match(unknown video) error = %v, want ErrNoValidVideos", err)
	}
	if _, err := newTestPipeline(t, nil).Cluster(ctx, Options{}); !errors.Is(err, ErrNoStore) {
		t.Errorf("Cluster() without store error = %v, want ErrNoStore", err)
	}
}

func TestSearchFaces(t *testing.T) {
	store := mock.NewMockStore()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	if _, err := p.Analyze(ctx, corpus(), Options{}); err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}

	got, err := p.SearchFaces(ctx, unit(0), 5, nil)
	if err != nil {
		t.Fatalf("SearchFaces() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("SearchFaces() = %d results, want 2", len(got))
	}
	for _, n := range got {
		if n.Similarity < 0.99 {
			t.Errorf("neighbour %s similarity = %v, want ~1", n.ID, n.Similarity)
		}
	}

	got, err = p.SearchFaces(ctx, unit(0), 5, []string{"a"})
	if err != nil {
		t.Fatalf("SearchFaces(exclude) error: %v", err)
	}
	if len(got) != 1 || got[0].VideoID != "b" {
		t.Errorf("SearchFaces(exclude a) = %+v, want only video b", got)
	}

	if _, err := p.SearchFaces(ctx, []float32{1, 0}, 5, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("SearchFaces(bad dim) error = %v, want ErrInvalidInput", err)
	}
}

func TestPersonAndIndexStats(t *testing.T) {
	store := mock.NewMockStore()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	if _, err := p.Analyze(ctx, corpus(), Options{}); err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	persons, _ := store.ListPersons(ctx)

	detail, err := p.Person(ctx, persons[0].ID)
	if err != nil {
		t.Fatalf("Person() error: %v", err)
	}
	if len(detail.Appearances) != 2 {
		t.Errorf("appearances = %d, want 2", len(detail.Appearances))
	}
	if _, err := p.Person(ctx, "missing"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Person(missing) error = %v, want ErrNotFound", err)
	}

	stats, err := p.IndexStats(ctx)
	if err != nil {
		t.Fatalf("IndexStats() error: %v", err)
	}
	if stats.TotalIdentities != 3 || stats.Videos != 2 || stats.PerVideo["a"] != 2 {
		t.Errorf("IndexStats() = %+v, want 3 identities over 2 videos", stats)
	}

	if err := p.RenamePerson(ctx, persons[0].ID, strings.Repeat("x", 201), ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("RenamePerson(long name) error = %v, want ErrInvalidInput", err)
	}
}

func TestDecodeDetections(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		videos  int
		wantErr bool
	}{
		{
			name:   "inherits video id",
			body:   `[{"video_id":"a","detections":[{"frame_index":1,"confidence":0.9,"embedding":[1,0,0,0]}]}]`,
			videos: 1,
		},
		{name: "malformed json", body: `{`, wantErr: true},
		{name: "missing video id", body: `[{"detections":[]}]`, wantErr: true},
		{name: "duplicate video", body: `[{"video_id":"a"},{"video_id":"a"}]`, wantErr: true},
		{
			name:    "foreign detection",
			body:    `[{"video_id":"a","detections":[{"video_id":"b","frame_index":1}]}]`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeDetections(strings.NewReader(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("DecodeDetections() error = %v, want ErrInvalidInput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeDetections() error: %v", err)
			}
			if len(got) != tt.videos {
				t.Errorf("videos = %d, want %d", len(got), tt.videos)
			}
			for video, dets := range got {
				for _, d := range dets {
					if d.VideoID != video {
						t.Errorf("detection video = %q, want %q", d.VideoID, video)
					}
				}
			}
		})
	}
}

func TestRemoveVideo(t *testing.T) {
	store := mock.NewMockStore()
	p := newTestPipeline(t, store)
	ctx := context.Background()

	if _, err := p.Analyze(ctx, corpus(), Options{}); err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	before, _ := store.ListPersons(ctx)

	res, err := p.RemoveVideo(ctx, "b")
	if err != nil {
		t.Fatalf("RemoveVideo() error: %v", err)
	}
	if res.Run.Params.Kind != KindRemove || res.Run.Status != database.RunSucceeded {
		t.Errorf("run = %s/%s, want remove/succeeded", res.Run.Params.Kind, res.Run.Status)
	}
	if v, _ := store.GetVideo(ctx, "b"); v != nil {
		t.Error("video b still stored")
	}

	after, _ := store.ListPersons(ctx)
	if len(after) != 1 || after[0].ID != before[0].ID {
		t.Fatalf("persons = %+v, want %s kept", after, before[0].ID)
	}
	if got := strings.Join(after[0].Members, ","); got != "a_Person_001" {
		t.Errorf("members = %s, want a_Person_001", got)
	}
	if edges, _ := store.GetMatches(ctx, nil); len(edges) != 0 {
		t.Errorf("edges = %+v, want none", edges)
	}

	if _, err := p.RemoveVideo(ctx, "b"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("RemoveVideo(missing) error = %v, want ErrNotFound", err)
	}
}
