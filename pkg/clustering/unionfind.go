// Package clustering groups matched records into connected components
package clustering

import "sort"

// UnionFind is a disjoint-set forest over string ids with path compression and union by rank.
// It is not safe for concurrent use.
type UnionFind struct {
	parent map[string]string
	rank   map[string]int
}

func NewUnionFind() *UnionFind {
	return &UnionFind{
		parent: map[string]string{},
		rank:   map[string]int{},
	}
}

// Add registers id as a singleton set if it is not known yet.
func (u *UnionFind) Add(id string) {
	if _, ok := u.parent[id]; !ok {
		u.parent[id] = id
	}
}

// Find returns the representative of id's set, adding id if needed.
func (u *UnionFind) Find(id string) string {
	u.Add(id)

	root := id
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for id != root {
		next := u.parent[id]
		u.parent[id] = root
		id = next
	}
	return root
}

// Union joins the sets of a and b. It returns false when they were already joined.
func (u *UnionFind) Union(a, b string) bool {
	ra, rb := u.Find(a), u.Find(b)
	if ra == rb {
		return false
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
	return true
}

// Connected reports whether a and b are in the same set.
func (u *UnionFind) Connected(a, b string) bool {
	return u.Find(a) == u.Find(b)
}

// Len returns the number of known ids.
func (u *UnionFind) Len() int {
	return len(u.parent)
}

// Components returns every set with its members sorted, ordered by first member.
func (u *UnionFind) Components() [][]string {
	groups := map[string][]string{}
	for id := range u.parent {
		root := u.Find(id)
		groups[root] = append(groups[root], id)
	}

	out := make([][]string, 0, len(groups))
	for _, members := range groups {
		sort.Strings(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
