package identity

import "github.com/kozaktomas/face-linker/internal/embedding"

const (
	labelUndefined = 0
	labelNoise     = -1
)

// dbscan clusters unit vectors by cosine distance.
//
// eps is the maximum cosine distance (1 - similarity) between neighbours and
// minPts the neighbourhood size required for a core point. Returned labels start
// at 1; label -1 marks noise.
func dbscan(vectors [][]float32, eps float64, minPts int) []int {
	n := len(vectors)
	if n == 0 {
		return nil
	}

	labels := make([]int, n)
	clusterID := 0

	for i := range n {
		if labels[i] != labelUndefined {
			continue
		}

		neighbors := rangeQuery(vectors, i, eps)
		if len(neighbors) < minPts {
			labels[i] = labelNoise
			continue
		}

		clusterID++
		labels[i] = clusterID

		seed := make([]int, 0, len(neighbors))
		for _, j := range neighbors {
			if j != i {
				seed = append(seed, j)
			}
		}

		for len(seed) > 0 {
			q := seed[0]
			seed = seed[1:]

			if labels[q] == labelNoise {
				// Border point: absorbed but not expanded.
				labels[q] = clusterID
				continue
			}
			if labels[q] != labelUndefined {
				continue
			}
			labels[q] = clusterID

			qNeighbors := rangeQuery(vectors, q, eps)
			if len(qNeighbors) >= minPts {
				seed = append(seed, qNeighbors...)
			}
		}
	}

	return labels
}

// rangeQuery returns indices of all vectors within eps cosine distance of vectors[idx],
// including idx itself.
func rangeQuery(vectors [][]float32, idx int, eps float64) []int {
	var result []int
	q := vectors[idx]
	for i, v := range vectors {
		if i == idx {
			result = append(result, i)
			continue
		}
		if embedding.Distance(embedding.Dot(q, v)) <= eps {
			result = append(result, i)
		}
	}
	return result
}

// groupLabels turns DBSCAN labels into index groups. Noise points become
// singleton groups so no input is ever dropped. Groups are ordered by their
// first member.
func groupLabels(labels []int) [][]int {
	byLabel := make(map[int]int)
	var groups [][]int
	for i, l := range labels {
		if l == labelNoise || l == labelUndefined {
			groups = append(groups, []int{i})
			continue
		}
		g, ok := byLabel[l]
		if !ok {
			g = len(groups)
			byLabel[l] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}
