package ann

import (
	"fmt"
	"math"
)

// Snapshot is an immutable copy of an index: parameters, vectors and graph
// topology. Loading it reproduces the source index's search results exactly.
type Snapshot struct {
	generation     uint64
	model          string
	dims           int
	m              int
	mmax0          int
	efConstruction int
	efSearch       int
	entryPoint     int
	maxLevel       int
	nodes          []node
}

// Generation is the source index generation the snapshot was taken at.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Model is the embedding model tag of the source index.
func (s *Snapshot) Model() string { return s.model }

// Len is the number of vectors captured.
func (s *Snapshot) Len() int { return len(s.nodes) }

// Dims is the vector dimensionality.
func (s *Snapshot) Dims() int { return s.dims }

// Snapshot captures the current state under the read lock, so it is either
// entirely before or entirely after any concurrent insert.
func (idx *Index) Snapshot() *Snapshot {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	g := idx.g
	return &Snapshot{
		generation:     idx.gen,
		model:          idx.model,
		dims:           g.dims,
		m:              idx.M,
		mmax0:          idx.Mmax0,
		efConstruction: idx.EfConstruction,
		efSearch:       idx.EfSearch,
		entryPoint:     g.entryPoint,
		maxLevel:       g.maxLevel,
		nodes:          cloneNodes(g.nodes),
	}
}

// Load replaces the index contents with s. The graph is materialized before
// the write lock is taken; the swap itself is a pointer assignment.
func (idx *Index) Load(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("nil snapshot")
	}
	g := &graph{
		nodes:      cloneNodes(s.nodes),
		refToIdx:   make(map[int64]int, len(s.nodes)),
		entryPoint: s.entryPoint,
		maxLevel:   s.maxLevel,
		dims:       s.dims,
	}
	for i, n := range g.nodes {
		if _, dup := g.refToIdx[n.ref]; dup {
			return fmt.Errorf("snapshot has duplicate ref %d", n.ref)
		}
		g.refToIdx[n.ref] = i
	}
	if len(g.nodes) > 0 && (g.entryPoint < 0 || g.entryPoint >= len(g.nodes)) {
		return fmt.Errorf("snapshot entry point %d out of range", g.entryPoint)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.g = g
	idx.model = s.model
	idx.M = s.m
	idx.Mmax0 = s.mmax0
	idx.EfConstruction = s.efConstruction
	idx.EfSearch = s.efSearch
	if s.m >= 2 {
		idx.LevelMult = 1.0 / math.Log(float64(s.m))
	}
	idx.gen++
	return nil
}

// FromSnapshot returns a new index loaded from s.
func FromSnapshot(s *Snapshot) (*Index, error) {
	idx := New(0)
	if err := idx.Load(s); err != nil {
		return nil, err
	}
	return idx, nil
}

func cloneNodes(src []node) []node {
	out := make([]node, len(src))
	for i, n := range src {
		friends := make([][]int, len(n.friends))
		for l, fs := range n.friends {
			friends[l] = append([]int(nil), fs...)
		}
		out[i] = node{
			ref:     n.ref,
			vector:  append([]float32(nil), n.vector...),
			friends: friends,
			level:   n.level,
		}
	}
	return out
}
