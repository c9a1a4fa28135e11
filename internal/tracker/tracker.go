// Package tracker recognises the identities of a new analysis pass against the
// persons already persisted.
//
// Recognition runs in two phases. During a pass every new identity is compared
// only against the closed set of persisted persons; identities that match no
// one go to the open set and are never matched against while the pass runs.
// Reconcile then merges near-duplicate open identities of the same video.
package tracker

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kozaktomas/face-linker/internal/embedding"
	"github.com/kozaktomas/face-linker/internal/identity"
)

var ErrReconciled = errors.New("tracker already reconciled")

// Config holds the recognition thresholds.
type Config struct {
	// RegisteredThreshold is the minimum similarity to a named person.
	RegisteredThreshold float64
	// TrackThreshold is the minimum similarity to an unnamed, previously seen person.
	TrackThreshold float64
	// MergeThreshold is the minimum similarity for merging open identities of one video.
	MergeThreshold float64
}

// DefaultConfig returns the default recognition thresholds.
func DefaultConfig() Config {
	return Config{
		RegisteredThreshold: 0.90,
		TrackThreshold:      0.80,
		MergeThreshold:      0.80,
	}
}

func (c Config) validate() error {
	for name, v := range map[string]float64{
		"registered": c.RegisteredThreshold,
		"track":      c.TrackThreshold,
		"merge":      c.MergeThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s: %w", name, identity.ErrInvalidThreshold)
		}
	}
	return nil
}

// Decision is the outcome of observing one identity: Registered, Tracked or
// NewIdentity.
type Decision interface {
	isDecision()
}

// Registered means the identity matched a person with a human-assigned name.
type Registered struct {
	PersonID   string  `json:"person_id"`
	Label      string  `json:"label"`
	Name       string  `json:"name"`
	Similarity float64 `json:"similarity"`
}

// Tracked means the identity matched a previously seen, unnamed person.
type Tracked struct {
	PersonID   string  `json:"person_id"`
	Label      string  `json:"label"`
	Similarity float64 `json:"similarity"`
}

// NewIdentity means the identity matched no persisted person and joined the
// open set.
type NewIdentity struct {
	// Nearest is the similarity of the closest persisted person, zero without any.
	Nearest float64 `json:"nearest"`
}

func (Registered) isDecision()  {}
func (Tracked) isDecision()     {}
func (NewIdentity) isDecision() {}

type closedEntry struct {
	person identity.PersonIdentity
	vec    []float32
}

// Tracker holds the closed set of persisted persons and the open set of the
// current pass. It is not safe for concurrent use.
type Tracker struct {
	cfg        Config
	named      []closedEntry
	unnamed    []closedEntry
	open       []identity.VideoIdentity
	reconciled bool
}

// New creates a tracker over the persisted persons. Persons without a usable
// embedding are ignored.
func New(cfg Config, persons []identity.PersonIdentity) (*Tracker, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid tracker config: %w", err)
	}
	t := &Tracker{cfg: cfg}
	for _, p := range persons {
		vec, err := embedding.Normalize(p.Embedding)
		if err != nil {
			continue
		}
		entry := closedEntry{person: p, vec: vec}
		if p.Name != "" {
			t.named = append(t.named, entry)
		} else {
			t.unnamed = append(t.unnamed, entry)
		}
	}
	return t, nil
}

// Known returns the size of the closed set.
func (t *Tracker) Known() int {
	return len(t.named) + len(t.unnamed)
}

// Observe classifies one new identity against the closed set. Unmatched
// identities are queued in the open set.
func (t *Tracker) Observe(vi identity.VideoIdentity) (Decision, error) {
	if t.reconciled {
		return nil, ErrReconciled
	}
	vec, err := embedding.Normalize(vi.Embedding)
	if err != nil {
		return nil, &identity.IdentityError{ID: vi.ID, VideoID: vi.VideoID, Err: fmt.Errorf("%w: %w", identity.ErrInvalidIdentity, err)}
	}

	named, namedSim := nearest(t.named, vec)
	if named != nil && embedding.AtLeast(namedSim, t.cfg.RegisteredThreshold) {
		return Registered{PersonID: named.ID, Label: named.Label, Name: named.Name, Similarity: namedSim}, nil
	}
	unnamed, unnamedSim := nearest(t.unnamed, vec)
	if unnamed != nil && embedding.AtLeast(unnamedSim, t.cfg.TrackThreshold) {
		return Tracked{PersonID: unnamed.ID, Label: unnamed.Label, Similarity: unnamedSim}, nil
	}

	t.open = append(t.open, vi)
	return NewIdentity{Nearest: max(namedSim, unnamedSim)}, nil
}

// Open returns the identities queued during the pass.
func (t *Tracker) Open() []identity.VideoIdentity {
	return t.open
}

// nearest returns the most similar closed-set person. Ties keep the first entry.
func nearest(entries []closedEntry, vec []float32) (*identity.PersonIdentity, float64) {
	var best *identity.PersonIdentity
	bestSim := 0.0
	for i := range entries {
		sim := embedding.Dot(entries[i].vec, vec)
		if best == nil || sim > bestSim {
			best, bestSim = &entries[i].person, sim
		}
	}
	return best, bestSim
}

// Merge records open identities folded into another one.
type Merge struct {
	Into       string   `json:"into"`
	From       []string `json:"from"`
	VideoID    string   `json:"video_id"`
	Similarity float64  `json:"similarity"`
}

// Reconciliation is the outcome of closing the open set.
type Reconciliation struct {
	Identities []identity.VideoIdentity `json:"identities"`
	Merges     []Merge                  `json:"merges,omitempty"`
}

// Reconcile merges near-duplicate open identities of the same video with greedy
// leader clustering. Each open identity joins the most similar earlier leader of
// its video at or above the merge threshold, or becomes a leader itself. The
// tracker accepts no further observations afterwards.
func (t *Tracker) Reconcile() (*Reconciliation, error) {
	if t.reconciled {
		return nil, ErrReconciled
	}
	t.reconciled = true

	byVideo := make(map[string][]identity.VideoIdentity)
	var videos []string
	for _, vi := range t.open {
		if _, ok := byVideo[vi.VideoID]; !ok {
			videos = append(videos, vi.VideoID)
		}
		byVideo[vi.VideoID] = append(byVideo[vi.VideoID], vi)
	}
	sort.Strings(videos)

	out := &Reconciliation{}
	for _, video := range videos {
		merged, merges, err := t.reconcileVideo(byVideo[video])
		if err != nil {
			return nil, fmt.Errorf("reconciling video %s: %w", video, err)
		}
		out.Identities = append(out.Identities, merged...)
		out.Merges = append(out.Merges, merges...)
	}
	return out, nil
}

func (t *Tracker) reconcileVideo(open []identity.VideoIdentity) ([]identity.VideoIdentity, []Merge, error) {
	type group struct {
		leaderVec []float32
		members   []identity.VideoIdentity
		minSim    float64
	}
	var groups []*group

	for _, vi := range open {
		vec, err := embedding.Normalize(vi.Embedding)
		if err != nil {
			return nil, nil, &identity.IdentityError{ID: vi.ID, VideoID: vi.VideoID, Err: err}
		}
		var best *group
		bestSim := 0.0
		for _, g := range groups {
			sim := embedding.Dot(g.leaderVec, vec)
			if embedding.AtLeast(sim, t.cfg.MergeThreshold) && (best == nil || sim > bestSim) {
				best, bestSim = g, sim
			}
		}
		if best == nil {
			groups = append(groups, &group{leaderVec: vec, members: []identity.VideoIdentity{vi}, minSim: 1})
			continue
		}
		best.members = append(best.members, vi)
		best.minSim = min(best.minSim, bestSim)
	}

	var identities []identity.VideoIdentity
	var merges []Merge
	for _, g := range groups {
		if len(g.members) == 1 {
			identities = append(identities, g.members[0])
			continue
		}
		merged, err := identity.MergeIdentities(g.members)
		if err != nil {
			return nil, nil, err
		}
		identities = append(identities, *merged)

		m := Merge{Into: merged.ID, VideoID: merged.VideoID, Similarity: g.minSim}
		for _, vi := range g.members[1:] {
			m.From = append(m.From, vi.ID)
		}
		merges = append(merges, m)
	}
	return identities, merges, nil
}
