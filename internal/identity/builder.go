package identity

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kozaktomas/face-linker/internal/embedding"
)

const personLabelPrefix = "PERSON_"

// PersonLabel returns the human-readable label of the n-th person cluster.
func PersonLabel(n int) string {
	return fmt.Sprintf("%s%04d", personLabelPrefix, n)
}

// ParsePersonLabel extracts the sequence number of a PERSON_NNNN label.
func ParsePersonLabel(label string) (int, bool) {
	rest, ok := strings.CutPrefix(label, personLabelPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	n := 0
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// RebuildOptions scopes a person-cluster rebuild.
type RebuildOptions struct {
	// Scope lists the videos whose person clusters are rebuilt. Empty means a
	// full rebuild that discards every existing person.
	Scope []string
	// Existing is the currently persisted set of persons.
	Existing []PersonIdentity
	// StartSeq is the first label number for new persons. Zero continues after
	// the highest existing label.
	StartSeq int
	// Seeds maps identity IDs to the kept person they were recognised as. A
	// seeded identity joins that person even without a qualifying edge. Seeds
	// naming a discarded or unknown person are ignored.
	Seeds map[string]string
}

// Conflict reports a component that bridges more than one kept person. Kept
// persons are never merged; unowned members go to Assigned.
type Conflict struct {
	Members  []string `json:"members"`
	Persons  []string `json:"persons"`
	Assigned string   `json:"assigned"`
}

// ClusterResult is the outcome of a person-cluster build.
type ClusterResult struct {
	// Created holds persons formed in this pass. A person whose membership is
	// identical to a discarded one keeps that person's ID, label and name.
	Created []PersonIdentity `json:"created"`
	// Extended holds kept persons that gained members.
	Extended []PersonIdentity `json:"extended,omitempty"`
	// Kept holds kept persons left untouched.
	Kept []PersonIdentity `json:"kept,omitempty"`
	// Discarded lists the IDs of persons removed by this pass.
	Discarded []string `json:"discarded,omitempty"`
	// Released lists identities that belonged to a discarded person and were not
	// re-assigned.
	Released  []string    `json:"released,omitempty"`
	Conflicts []Conflict  `json:"conflicts,omitempty"`
	Edges     []MatchEdge `json:"edges"`
}

// Persons returns every person that exists after the pass, ordered by label.
func (r *ClusterResult) Persons() []PersonIdentity {
	out := make([]PersonIdentity, 0, len(r.Created)+len(r.Extended)+len(r.Kept))
	out = append(out, r.Kept...)
	out = append(out, r.Extended...)
	out = append(out, r.Created...)
	slices.SortFunc(out, func(a, b PersonIdentity) int { return strings.Compare(a.Label, b.Label) })
	return out
}

// Assignments maps every identity touched by the pass to its person ID. Released
// identities map to the empty string.
func (r *ClusterResult) Assignments() map[string]string {
	out := make(map[string]string)
	for _, id := range r.Released {
		out[id] = ""
	}
	for _, group := range [][]PersonIdentity{r.Created, r.Extended} {
		for _, p := range group {
			for _, m := range p.Members {
				out[m] = p.ID
			}
		}
	}
	return out
}

// BuildPersonClusters links identities into persons over the edges at or above
// the clustering threshold. Identities without a qualifying edge belong to no
// person.
func (e *Engine) BuildPersonClusters(identities []VideoIdentity, edges []MatchEdge) (*ClusterResult, error) {
	return e.RebuildPersons(identities, edges, RebuildOptions{})
}

// RebuildPersons rebuilds person clusters for a scope of videos.
//
// Existing persons whose members all come from scoped videos are discarded and
// rebuilt. Persons with any member outside the scope are kept; a new component
// that overlaps a kept person extends it with the component's unowned members
// instead of creating a second person for the same identities.
//
// identities must cover every endpoint of a qualifying edge and every member of
// a kept person that may be extended.
func (e *Engine) RebuildPersons(identities []VideoIdentity, edges []MatchEdge, opts RebuildOptions) (*ClusterResult, error) {
	byID := make(map[string]*VideoIdentity, len(identities))
	for i := range identities {
		vi := &identities[i]
		if _, ok := byID[vi.ID]; ok {
			return nil, &IdentityError{ID: vi.ID, VideoID: vi.VideoID, Err: ErrDuplicateIdentity}
		}
		byID[vi.ID] = vi
	}

	uf := newUnionFind()
	for _, ed := range edges {
		if !embedding.AtLeast(ed.Similarity, e.cfg.ClusteringThreshold) {
			continue
		}
		src, ok := byID[ed.Source]
		if !ok {
			return nil, &IdentityError{ID: ed.Source, VideoID: ed.SourceVideo, Err: ErrUnknownIdentity}
		}
		dst, ok := byID[ed.Target]
		if !ok {
			return nil, &IdentityError{ID: ed.Target, VideoID: ed.TargetVideo, Err: ErrUnknownIdentity}
		}
		if src.VideoID == dst.VideoID {
			return nil, &IdentityError{ID: ed.Source, VideoID: src.VideoID, Err: ErrSameVideoEdge}
		}
		uf.union(ed.Source, ed.Target)
	}

	kept, discarded := partitionPersons(opts.Existing, opts.Scope)

	result := &ClusterResult{}
	owner := make(map[string]int)
	for i, p := range kept {
		for _, m := range p.Members {
			owner[m] = i
		}
	}
	extra := make([][]string, len(kept))
	assigned := make(map[string]bool)

	keptByID := make(map[string]int, len(kept))
	for i, p := range kept {
		keptByID[p.ID] = i
	}
	for id, personID := range opts.Seeds {
		k, ok := keptByID[personID]
		if !ok {
			continue
		}
		if _, owned := owner[id]; owned {
			continue
		}
		if _, ok := byID[id]; !ok {
			return nil, &IdentityError{ID: id, Err: fmt.Errorf("seed of person %s: %w", personID, ErrUnknownIdentity)}
		}
		owner[id] = k
		extra[k] = append(extra[k], id)
		assigned[id] = true
	}

	discardedByMembers := make(map[string]PersonIdentity, len(discarded))
	for _, p := range discarded {
		discardedByMembers[memberKey(p.Members)] = p
	}
	reused := make(map[string]bool)

	seq := opts.StartSeq
	if seq <= 0 {
		seq = nextSeq(opts.Existing)
	}

	for _, comp := range uf.components() {
		overlap := make(map[int]int)
		var unowned []string
		for _, m := range comp {
			if k, ok := owner[m]; ok {
				overlap[k]++
			} else {
				unowned = append(unowned, m)
			}
		}

		switch {
		case len(overlap) == 0:
			members := make([]VideoIdentity, len(comp))
			for i, m := range comp {
				members[i] = *byID[m]
			}
			p, err := aggregatePerson(members)
			if err != nil {
				return nil, err
			}
			if prev, ok := discardedByMembers[memberKey(comp)]; ok {
				p.ID, p.Label, p.Name, p.Notes = prev.ID, prev.Label, prev.Name, prev.Notes
				reused[prev.ID] = true
			} else {
				p.ID = e.cfg.NewPersonID()
				p.Label = PersonLabel(seq)
				seq++
			}
			for _, m := range comp {
				assigned[m] = true
			}
			result.Created = append(result.Created, *p)

		default:
			target := largestOverlap(overlap, kept)
			extra[target] = append(extra[target], unowned...)
			for _, m := range unowned {
				assigned[m] = true
			}
			if len(overlap) > 1 {
				c := Conflict{Members: comp, Assigned: kept[target].ID}
				for k := range overlap {
					c.Persons = append(c.Persons, kept[k].ID)
				}
				slices.Sort(c.Persons)
				result.Conflicts = append(result.Conflicts, c)
			}
		}
	}

	for i, p := range kept {
		if len(extra[i]) == 0 {
			result.Kept = append(result.Kept, p)
			continue
		}
		ids := append(slices.Clone(p.Members), extra[i]...)
		slices.Sort(ids)
		members := make([]VideoIdentity, 0, len(ids))
		for _, id := range ids {
			vi, ok := byID[id]
			if !ok {
				return nil, &IdentityError{ID: id, Err: fmt.Errorf("member of person %s: %w", p.ID, ErrUnknownIdentity)}
			}
			members = append(members, *vi)
		}
		ext, err := aggregatePerson(members)
		if err != nil {
			return nil, err
		}
		ext.ID, ext.Label, ext.Name, ext.Notes = p.ID, p.Label, p.Name, p.Notes
		result.Extended = append(result.Extended, *ext)
	}

	for _, p := range discarded {
		if !reused[p.ID] {
			result.Discarded = append(result.Discarded, p.ID)
		}
		for _, m := range p.Members {
			if !assigned[m] {
				result.Released = append(result.Released, m)
			}
		}
	}
	slices.Sort(result.Released)
	result.Released = slices.Compact(result.Released)
	slices.Sort(result.Discarded)

	final := make(map[string]string)
	for _, p := range result.Persons() {
		for _, m := range p.Members {
			final[m] = p.ID
		}
	}
	result.Edges = make([]MatchEdge, len(edges))
	for i, ed := range edges {
		ed.InSameCluster = false
		if ps, ok := final[ed.Source]; ok && ps == final[ed.Target] {
			ed.InSameCluster = true
		}
		result.Edges[i] = ed
	}
	return result, nil
}

// partitionPersons splits existing persons into those kept by a scoped rebuild
// and those discarded. A person is discarded when every member's video is in
// scope; an empty scope discards everything.
func partitionPersons(existing []PersonIdentity, scope []string) (kept, discarded []PersonIdentity) {
	if len(scope) == 0 {
		return nil, slices.Clone(existing)
	}
	inScope := make(map[string]bool, len(scope))
	for _, v := range scope {
		inScope[v] = true
	}
	for _, p := range existing {
		confined := true
		for _, v := range p.VideoIDs {
			if !inScope[v] {
				confined = false
				break
			}
		}
		if confined {
			discarded = append(discarded, p)
		} else {
			kept = append(kept, p)
		}
	}
	return kept, discarded
}

func largestOverlap(overlap map[int]int, kept []PersonIdentity) int {
	best := -1
	for k, n := range overlap {
		switch {
		case best < 0, n > overlap[best]:
			best = k
		case n == overlap[best] && kept[k].ID < kept[best].ID:
			best = k
		}
	}
	return best
}

func nextSeq(persons []PersonIdentity) int {
	seq := 0
	for _, p := range persons {
		if n, ok := ParsePersonLabel(p.Label); ok && n > seq {
			seq = n
		}
	}
	return seq + 1
}

func memberKey(members []string) string {
	sorted := slices.Clone(members)
	slices.Sort(sorted)
	return strings.Join(sorted, "\x00")
}

// aggregatePerson computes the person-level representative and statistics from
// its member identities. Members must be sorted by ID.
func aggregatePerson(members []VideoIdentity) (*PersonIdentity, error) {
	if len(members) == 0 {
		return nil, ErrEmptyGroup
	}

	p := &PersonIdentity{Members: make([]string, len(members))}
	vectors := make([][]float32, len(members))
	videos := make(map[string]struct{})
	best := 0

	for i, m := range members {
		p.Members[i] = m.ID
		v, err := embedding.Normalize(m.Embedding)
		if err != nil {
			return nil, &IdentityError{ID: m.ID, VideoID: m.VideoID, Err: fmt.Errorf("%w: %w", ErrInvalidIdentity, err)}
		}
		vectors[i] = v
		videos[m.VideoID] = struct{}{}
		p.TotalAppearances += m.AppearanceCount

		if m.BestConfidence > members[best].BestConfidence {
			best = i
		}
		p.FirstSeen = earliest(p.FirstSeen, m.FirstSeen)
		p.LastSeen = latest(p.LastSeen, m.LastSeen)
	}

	rep, err := embedding.Mean(vectors)
	if err != nil {
		return nil, fmt.Errorf("person representative embedding: %w", err)
	}
	p.Embedding = rep
	p.ExemplarID = members[best].ID
	for v := range videos {
		p.VideoIDs = append(p.VideoIDs, v)
	}
	slices.Sort(p.VideoIDs)
	p.TotalVideos = len(p.VideoIDs)
	return p, nil
}

// PrunePersons drops members that are no longer among identities, as happens
// when a video is re-analysed, and recomputes the aggregates of persons that
// lost members. A person left without members keeps its ID and label but has
// no members or videos, so any rebuild discards it.
func PrunePersons(persons []PersonIdentity, identities []VideoIdentity) ([]PersonIdentity, error) {
	byID := make(map[string]VideoIdentity, len(identities))
	for _, vi := range identities {
		byID[vi.ID] = vi
	}

	out := make([]PersonIdentity, 0, len(persons))
	for _, p := range persons {
		members := make([]VideoIdentity, 0, len(p.Members))
		for _, id := range p.Members {
			if vi, ok := byID[id]; ok {
				members = append(members, vi)
			}
		}
		switch {
		case len(members) == len(p.Members):
			out = append(out, p)
		case len(members) == 0:
			out = append(out, PersonIdentity{ID: p.ID, Label: p.Label, Name: p.Name, Notes: p.Notes})
		default:
			slices.SortFunc(members, func(a, b VideoIdentity) int { return strings.Compare(a.ID, b.ID) })
			agg, err := aggregatePerson(members)
			if err != nil {
				return nil, fmt.Errorf("pruning person %s: %w", p.ID, err)
			}
			agg.ID, agg.Label, agg.Name, agg.Notes = p.ID, p.Label, p.Name, p.Notes
			out = append(out, *agg)
		}
	}
	return out, nil
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// VideoAppearance is one video's share of a person cluster.
type VideoAppearance struct {
	VideoID         string    `json:"video_id"`
	IdentityID      string    `json:"identity_id"`
	AppearanceCount int       `json:"appearance_count"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	BestConfidence  float64   `json:"best_confidence"`
}

// PersonAppearances breaks a person down by member identity, ordered by first
// sighting. Members missing from identities are skipped.
func PersonAppearances(p PersonIdentity, identities []VideoIdentity) []VideoAppearance {
	isMember := make(map[string]bool, len(p.Members))
	for _, m := range p.Members {
		isMember[m] = true
	}
	var out []VideoAppearance
	for _, vi := range identities {
		if !isMember[vi.ID] {
			continue
		}
		out = append(out, VideoAppearance{
			VideoID:         vi.VideoID,
			IdentityID:      vi.ID,
			AppearanceCount: vi.AppearanceCount,
			FirstSeen:       vi.FirstSeen,
			LastSeen:        vi.LastSeen,
			BestConfidence:  vi.BestConfidence,
		})
	}
	slices.SortFunc(out, func(a, b VideoAppearance) int {
		if c := a.FirstSeen.Compare(b.FirstSeen); c != 0 {
			return c
		}
		return strings.Compare(a.IdentityID, b.IdentityID)
	})
	return out
}
