package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/identity"
	"github.com/kozaktomas/face-linker/internal/metrics"
	"github.com/kozaktomas/face-linker/internal/tracker"
)

// Recognition statuses reported per new identity.
const (
	StatusRegistered = "registered"
	StatusTracked    = "tracked"
	StatusNew        = "new"
)

// Recognition is the tracker decision for one video identity.
type Recognition struct {
	IdentityID string  `json:"identity_id"`
	VideoID    string  `json:"video_id"`
	Status     string  `json:"status"`
	PersonID   string  `json:"person_id,omitempty"`
	Label      string  `json:"label,omitempty"`
	Name       string  `json:"name,omitempty"`
	Similarity float64 `json:"similarity"`
}

// VideoSummary describes the outcome of analysing one video.
type VideoSummary struct {
	VideoID    string                      `json:"video_id"`
	Detections int                         `json:"detections"`
	Skipped    []identity.SkippedDetection `json:"skipped,omitempty"`
	Identities int                         `json:"identities"`
	Merged     int                         `json:"merged"`
}

// Result is the outcome of one pipeline operation.
type Result struct {
	Run          database.AnalysisRun     `json:"run"`
	Videos       []VideoSummary           `json:"videos,omitempty"`
	Recognitions []Recognition            `json:"recognitions,omitempty"`
	Merges       []tracker.Merge          `json:"merges,omitempty"`
	Identities   []identity.VideoIdentity `json:"identities,omitempty"`
	MatchMethod  string                   `json:"match_method,omitempty"`
	Match        *identity.MatchResult    `json:"match,omitempty"`
	Clusters     *identity.ClusterResult  `json:"clusters,omitempty"`
}

// Analyze clusters the detections of each video into video identities,
// recognises them against persisted persons, stores them, matches them across
// videos and rebuilds the person clusters of the analysed videos.
//
// Videos without any valid detection are stored with zero identities; the
// call fails with ErrNoValidVideos only when no video yields an identity.
func (p *Pipeline) Analyze(ctx context.Context, byVideo map[string][]identity.RawDetection, opts Options) (*Result, error) {
	input, err := selectVideos(byVideo, opts.Videos)
	if err != nil {
		return nil, err
	}
	if !opts.DryRun && p.store == nil {
		return nil, ErrNoStore
	}
	if len(opts.Videos) == 0 {
		opts.Videos = sortedKeys(input)
	}

	run, err := p.startRun(ctx, KindAnalyze, opts)
	if err != nil {
		return nil, err
	}
	res, err := p.analyze(ctx, input, opts, run)
	p.finishRun(ctx, run, opts, err)
	if err != nil {
		return nil, err
	}
	res.Run = *run
	return res, nil
}

func (p *Pipeline) analyze(
	ctx context.Context, input map[string][]identity.RawDetection, opts Options, run *database.AnalysisRun,
) (*Result, error) {
	persist := p.persists(opts)
	res := &Result{}

	start := time.Now()
	clustered, err := p.engine.ClusterVideos(ctx, input)
	observeStage("cluster_videos", start)
	if err != nil {
		return nil, err
	}

	var persons []identity.PersonIdentity
	if persist {
		if persons, err = p.store.Persons().ListPersons(ctx); err != nil {
			return nil, fmt.Errorf("loading persons: %w", err)
		}
	}

	start = time.Now()
	identities, err := p.recognize(clustered, persons, res)
	observeStage("recognize", start)
	if err != nil {
		return nil, err
	}

	mergedPerVideo := make(map[string]int)
	for _, m := range res.Merges {
		mergedPerVideo[m.VideoID] += len(m.From)
	}

	valid := 0
	for _, cr := range clustered {
		summary := VideoSummary{
			VideoID:    cr.VideoID,
			Detections: len(input[cr.VideoID]),
			Skipped:    cr.Skipped,
			Identities: len(identities[cr.VideoID]),
			Merged:     mergedPerVideo[cr.VideoID],
		}
		res.Videos = append(res.Videos, summary)
		if summary.Identities > 0 {
			valid++
		}

		run.Counts.Videos++
		run.Counts.Detections += summary.Detections
		run.Counts.Skipped += len(summary.Skipped)
		run.Counts.Identities += summary.Identities
		run.Counts.Merged += summary.Merged
		metrics.DetectionsTotal.WithLabelValues("valid").Add(float64(summary.Detections - len(summary.Skipped)))
		metrics.DetectionsTotal.WithLabelValues("skipped").Add(float64(len(summary.Skipped)))
	}
	metrics.IdentitiesTotal.Add(float64(run.Counts.Identities))

	if valid == 0 {
		return nil, ErrNoValidVideos
	}
	scope := sortedKeys(input)

	var fresh []identity.VideoIdentity
	for _, cr := range clustered {
		fresh = append(fresh, identities[cr.VideoID]...)
	}
	res.Identities = fresh

	if persist {
		start = time.Now()
		for _, cr := range clustered {
			if err := p.saveVideo(ctx, cr, input[cr.VideoID], identities[cr.VideoID]); err != nil {
				return nil, err
			}
			if opts.OnVideoStored != nil {
				opts.OnVideoStored(cr.VideoID)
			}
		}
		observeStage("store_videos", start)
	}

	all := fresh
	if persist {
		if all, err = p.store.Faces().GetFacesByVideos(ctx, nil); err != nil {
			return nil, fmt.Errorf("loading faces: %w", err)
		}
	}

	match, method, err := p.match(ctx, all, scope, opts.UseIndex)
	if err != nil {
		return nil, err
	}
	res.Match, res.MatchMethod = match, method
	run.Counts.Comparisons = match.Comparisons
	run.Counts.Edges = len(match.Edges)

	if !persist {
		clusters, err := p.engine.BuildPersonClusters(all, match.Edges)
		if err != nil {
			return nil, err
		}
		res.Clusters = clusters
		recordClusters(run, clusters)
		return res, nil
	}

	if err := p.store.Matches().ReplaceMatches(ctx, identityIDs(fresh), match.Edges); err != nil {
		return nil, fmt.Errorf("storing matches: %w", err)
	}

	clusters, err := p.rebuild(ctx, all, persons, scope, scope, recognizedSeeds(res.Recognitions))
	if err != nil {
		return nil, err
	}
	res.Clusters = clusters
	recordClusters(run, clusters)
	return res, nil
}

// recognize runs every clustered identity through the tracker and returns the
// final identities per video: recognised ones as they are, open ones after
// same-video reconciliation. Recognised identities are not linked to their
// person here; the rebuild adds them as members.
func (p *Pipeline) recognize(
	clustered []*identity.VideoClusterResult, persons []identity.PersonIdentity, res *Result,
) (map[string][]identity.VideoIdentity, error) {
	tr, err := tracker.New(p.trackerConfig(), persons)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]identity.VideoIdentity)
	for _, cr := range clustered {
		for _, vi := range cr.Identities {
			decision, err := tr.Observe(vi)
			if err != nil {
				return nil, err
			}
			rec := Recognition{IdentityID: vi.ID, VideoID: vi.VideoID}
			switch d := decision.(type) {
			case tracker.Registered:
				rec.Status, rec.PersonID, rec.Label, rec.Name, rec.Similarity = StatusRegistered, d.PersonID, d.Label, d.Name, d.Similarity
			case tracker.Tracked:
				rec.Status, rec.PersonID, rec.Label, rec.Similarity = StatusTracked, d.PersonID, d.Label, d.Similarity
			case tracker.NewIdentity:
				rec.Status, rec.Similarity = StatusNew, d.Nearest
			}
			res.Recognitions = append(res.Recognitions, rec)
			if rec.PersonID != "" {
				out[vi.VideoID] = append(out[vi.VideoID], vi)
			}
		}
	}

	rc, err := tr.Reconcile()
	if err != nil {
		return nil, err
	}
	for _, vi := range rc.Identities {
		out[vi.VideoID] = append(out[vi.VideoID], vi)
	}
	for video := range out {
		slices.SortFunc(out[video], func(a, b identity.VideoIdentity) int {
			return strings.Compare(a.ID, b.ID)
		})
	}
	res.Merges = rc.Merges
	return out, nil
}

// recognizedSeeds maps each registered or tracked identity to its person.
func recognizedSeeds(recs []Recognition) map[string]string {
	seeds := make(map[string]string)
	for _, rec := range recs {
		if rec.PersonID != "" {
			seeds[rec.IdentityID] = rec.PersonID
		}
	}
	return seeds
}

// saveVideo stores one analysed video. Each detection is linked to the face
// that absorbed it; skipped detections carry their reason.
func (p *Pipeline) saveVideo(
	ctx context.Context, cr *identity.VideoClusterResult, detections []identity.RawDetection, faces []identity.VideoIdentity,
) error {
	owner := make(map[int]string, len(detections))
	for _, f := range faces {
		for _, idx := range f.Members {
			owner[idx] = f.ID
		}
	}
	reasons := make(map[int]string, len(cr.Skipped))
	for _, s := range cr.Skipped {
		reasons[s.Index] = s.Reason
	}

	stored := make([]database.StoredDetection, len(detections))
	for i, d := range detections {
		d.VideoID = cr.VideoID
		stored[i] = database.NewStoredDetection(d, owner[i], reasons[i])
	}

	video := database.StoredVideo{
		ID:             cr.VideoID,
		DetectionCount: len(detections),
		SkippedCount:   len(cr.Skipped),
		IdentityCount:  len(faces),
		AnalyzedAt:     p.now(),
	}
	if err := p.store.Videos().SaveVideo(ctx, video, stored, faces); err != nil {
		return fmt.Errorf("storing video %s: %w", cr.VideoID, err)
	}
	return nil
}

// rebuild prunes persons of stale members and rebuilds the person clusters
// touching scope from every stored edge. reanalyzed lists videos whose faces
// were just replaced; seeds carries tracker recognitions.
func (p *Pipeline) rebuild(
	ctx context.Context, all []identity.VideoIdentity, persons []identity.PersonIdentity, scope, reanalyzed []string,
	seeds map[string]string,
) (*identity.ClusterResult, error) {
	start := time.Now()
	defer observeStage("rebuild_persons", start)

	pruned, err := prunePersons(persons, all, reanalyzed)
	if err != nil {
		return nil, err
	}
	edges, err := p.store.Matches().GetMatches(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("loading matches: %w", err)
	}

	clusters, err := p.engine.RebuildPersons(all, edges, identity.RebuildOptions{Scope: scope, Existing: pruned, Seeds: seeds})
	if err != nil {
		return nil, err
	}
	if err := p.store.Persons().ApplyClusterResult(ctx, clusters); err != nil {
		return nil, fmt.Errorf("storing persons: %w", err)
	}
	metrics.PersonClusters.Set(float64(len(clusters.Persons())))
	return clusters, nil
}

// prunePersons drops members that no longer exist. Face IDs of a re-analysed
// video are reassigned, so persons that span other videos also lose every
// member of such a video; edges re-link the new faces. Persons confined to
// re-analysed videos stay whole: the rebuild discards them and reuses their
// ID when the same membership forms again.
func prunePersons(
	persons []identity.PersonIdentity, all []identity.VideoIdentity, reanalyzed []string,
) ([]identity.PersonIdentity, error) {
	if len(reanalyzed) == 0 {
		return identity.PrunePersons(persons, all)
	}

	survivors := make([]identity.VideoIdentity, 0, len(all))
	for _, vi := range all {
		if !slices.Contains(reanalyzed, vi.VideoID) {
			survivors = append(survivors, vi)
		}
	}

	var confined, spanning []identity.PersonIdentity
	for _, person := range persons {
		inside := len(person.VideoIDs) > 0
		for _, v := range person.VideoIDs {
			if !slices.Contains(reanalyzed, v) {
				inside = false
				break
			}
		}
		if inside {
			confined = append(confined, person)
		} else {
			spanning = append(spanning, person)
		}
	}

	pruned, err := identity.PrunePersons(spanning, survivors)
	if err != nil {
		return nil, err
	}
	return append(confined, pruned...), nil
}

func recordClusters(run *database.AnalysisRun, clusters *identity.ClusterResult) {
	run.Counts.Persons = len(clusters.Persons())
	run.Counts.Conflicts = len(clusters.Conflicts)
	metrics.ClusterConflictsTotal.Add(float64(run.Counts.Conflicts))
}
