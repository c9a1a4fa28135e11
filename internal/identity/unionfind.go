package identity

import (
	"slices"
	"strings"
)

// unionFind is a disjoint-set forest over string keys with union by size and
// iterative path compression.
type unionFind struct {
	index  map[string]int
	keys   []string
	parent []int
	size   []int
}

func newUnionFind() *unionFind {
	return &unionFind{index: make(map[string]int)}
}

func (u *unionFind) add(key string) int {
	if i, ok := u.index[key]; ok {
		return i
	}
	i := len(u.keys)
	u.index[key] = i
	u.keys = append(u.keys, key)
	u.parent = append(u.parent, i)
	u.size = append(u.size, 1)
	return i
}

func (u *unionFind) find(i int) int {
	root := i
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[i] != root {
		next := u.parent[i]
		u.parent[i] = root
		i = next
	}
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(u.add(a)), u.find(u.add(b))
	if ra == rb {
		return
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
}

func (u *unionFind) same(a, b string) bool {
	ia, ok := u.index[a]
	if !ok {
		return false
	}
	ib, ok := u.index[b]
	if !ok {
		return false
	}
	return u.find(ia) == u.find(ib)
}

// components returns every set with members sorted, ordered by smallest member.
func (u *unionFind) components() [][]string {
	byRoot := make(map[int][]string)
	for i, k := range u.keys {
		r := u.find(i)
		byRoot[r] = append(byRoot[r], k)
	}
	out := make([][]string, 0, len(byRoot))
	for _, members := range byRoot {
		slices.Sort(members)
		out = append(out, members)
	}
	slices.SortFunc(out, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	return out
}
