// Package ann is the semantic index: approximate nearest neighbor search
// over unit-normalized embedding vectors using HNSW (Hierarchical Navigable
// Small World graphs, Malkov & Yashunin 2018).
//
// Vectors are normalized on the way in, so inner product equals cosine
// similarity. Searches share a read lock; Insert takes the write lock for a
// single append. Every mutation bumps a generation counter, and Load and
// Rebuild prepare a complete shadow graph before swapping it in under the
// lock, so a search never observes a half-built index.
package ann

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the index dimensionality.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrZeroVector is returned for vectors that cannot be normalized.
	ErrZeroVector = errors.New("zero-length vector")
)

// Index is a concurrent HNSW index keyed by int64 back-references.
type Index struct {
	mu  sync.RWMutex
	g   *graph
	gen uint64

	model string

	// Tuning parameters, fixed after the first insert.
	M              int
	Mmax0          int
	EfConstruction int
	EfSearch       int
	LevelMult      float64

	rng *rand.Rand
}

// graph is the arena of nodes plus the HNSW topology.
type graph struct {
	nodes      []node
	refToIdx   map[int64]int
	entryPoint int // -1 if empty
	maxLevel   int
	dims       int
}

type node struct {
	ref     int64
	vector  []float32 // unit length
	friends [][]int   // friends[layer] = neighbor node indices
	level   int
}

// Result is one search hit.
type Result struct {
	Ref        int64
	Similarity float32
}

// Entry is one vector for Rebuild.
type Entry struct {
	Ref    int64
	Vector []float32
}

type candidate struct {
	idx  int
	dist float32
}

const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 64
)

// New creates an empty index. dims may be 0, in which case the first insert
// fixes it.
func New(dims int) *Index {
	return NewWithParams(dims, DefaultM, DefaultEfConstruction, DefaultEfSearch)
}

// NewWithParams creates an index with custom HNSW parameters.
func NewWithParams(dims, m, efConstruction, efSearch int) *Index {
	if m < 2 {
		m = 2
	}
	return &Index{
		g:              newGraph(dims),
		M:              m,
		Mmax0:          2 * m,
		EfConstruction: efConstruction,
		EfSearch:       efSearch,
		LevelMult:      1.0 / math.Log(float64(m)),
		rng:            rand.New(rand.NewSource(42)),
	}
}

func newGraph(dims int) *graph {
	return &graph{
		refToIdx:   make(map[int64]int),
		entryPoint: -1,
		maxLevel:   -1,
		dims:       dims,
	}
}

// Len returns the number of vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.g.nodes)
}

// Dims returns the vector dimensionality (0 until known).
func (idx *Index) Dims() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.g.dims
}

// Generation returns the current generation.
func (idx *Index) Generation() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.gen
}

// SetModel tags the index with the embedding model its vectors come from.
func (idx *Index) SetModel(model string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.model = model
}

// Model returns the embedding model tag.
func (idx *Index) Model() string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.model
}

// Has reports whether ref is indexed.
func (idx *Index) Has(ref int64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.g.refToIdx[ref]
	return ok
}

// Members returns every indexed ref in ascending order.
func (idx *Index) Members() []int64 {
	idx.mu.RLock()
	refs := make([]int64, 0, len(idx.g.nodes))
	for _, n := range idx.g.nodes {
		refs = append(refs, n.ref)
	}
	idx.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

// Insert appends vector under ref. It returns false without error when ref is
// already present.
func (idx *Index) Insert(ref int64, vector []float32) (bool, error) {
	unit, err := Normalize(vector)
	if err != nil {
		return false, err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.g.checkDims(len(unit)); err != nil {
		return false, err
	}
	if _, exists := idx.g.refToIdx[ref]; exists {
		return false, nil
	}
	idx.insertLocked(idx.g, ref, unit)
	idx.gen++
	return true, nil
}

func (g *graph) checkDims(n int) error {
	if g.dims == 0 {
		g.dims = n
		return nil
	}
	if n != g.dims {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, n, g.dims)
	}
	return nil
}

// insertLocked adds a unit vector to g. The caller owns g exclusively.
func (idx *Index) insertLocked(g *graph, ref int64, vector []float32) {
	nodeIdx := len(g.nodes)
	level := idx.randomLevel()

	g.nodes = append(g.nodes, node{
		ref:     ref,
		vector:  vector,
		friends: make([][]int, level+1),
		level:   level,
	})
	g.refToIdx[ref] = nodeIdx

	if g.entryPoint == -1 {
		g.entryPoint = nodeIdx
		g.maxLevel = level
		return
	}

	ep := g.entryPoint
	for l := g.maxLevel; l > level; l-- {
		ep = g.greedyClosest(vector, ep, l)
	}

	topLayer := min(level, g.maxLevel)
	for l := topLayer; l >= 0; l-- {
		candidates := g.searchLayer(vector, ep, idx.EfConstruction, l)

		maxConn := idx.M
		if l == 0 {
			maxConn = idx.Mmax0
		}
		neighbors := selectNeighbors(candidates, maxConn)
		g.nodes[nodeIdx].friends[l] = neighbors

		for _, nb := range neighbors {
			g.nodes[nb].friends[l] = append(g.nodes[nb].friends[l], nodeIdx)
			if len(g.nodes[nb].friends[l]) > maxConn {
				g.nodes[nb].friends[l] = g.shrinkNeighbors(nb, g.nodes[nb].friends[l], maxConn)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0].idx
		}
	}

	if level > g.maxLevel {
		g.entryPoint = nodeIdx
		g.maxLevel = level
	}
}

// Search returns the k nearest refs to query, most similar first, together
// with the generation the results were read from.
func (idx *Index) Search(query []float32, k int) ([]Result, uint64, error) {
	return idx.SearchEf(query, k, 0)
}

// SearchEf is Search with a custom beam width; ef <= 0 uses EfSearch and
// ef is raised to k if lower.
func (idx *Index) SearchEf(query []float32, k, ef int) ([]Result, uint64, error) {
	unit, err := Normalize(query)
	if err != nil {
		return nil, 0, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	g := idx.g
	if len(g.nodes) == 0 || g.entryPoint == -1 || k <= 0 {
		return nil, idx.gen, nil
	}
	if len(unit) != g.dims {
		return nil, idx.gen, fmt.Errorf("%w: query %d, index %d", ErrDimensionMismatch, len(unit), g.dims)
	}
	if ef <= 0 {
		ef = idx.EfSearch
	}
	if ef < k {
		ef = k
	}

	ep := g.entryPoint
	for l := g.maxLevel; l > 0; l-- {
		ep = g.greedyClosest(unit, ep, l)
	}
	candidates := g.searchLayer(unit, ep, ef, 0)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = Result{Ref: g.nodes[c.idx].ref, Similarity: 1 - c.dist}
	}
	return results, idx.gen, nil
}

// Rebuild replaces the whole index with entries. The new graph is built
// without holding the lock and swapped in atomically.
func (idx *Index) Rebuild(entries []Entry) error {
	idx.mu.RLock()
	shadow := NewWithParams(0, idx.M, idx.EfConstruction, idx.EfSearch)
	idx.mu.RUnlock()
	for _, e := range entries {
		if _, err := shadow.Insert(e.Ref, e.Vector); err != nil {
			return fmt.Errorf("rebuilding ref %d: %w", e.Ref, err)
		}
	}

	idx.mu.Lock()
	idx.g = shadow.g
	idx.rng = shadow.rng
	idx.gen++
	idx.mu.Unlock()
	return nil
}

func (idx *Index) randomLevel() int {
	r := idx.rng.Float64()
	if r == 0 {
		r = 1e-10
	}
	return int(math.Floor(-math.Log(r) * idx.LevelMult))
}

// greedyClosest walks layer from ep toward query. Used to descend the upper
// layers.
func (g *graph) greedyClosest(query []float32, ep int, layer int) int {
	dist := distance(query, g.nodes[ep].vector)
	for {
		improved := false
		if layer < len(g.nodes[ep].friends) {
			for _, f := range g.nodes[ep].friends[layer] {
				if d := distance(query, g.nodes[f].vector); d < dist {
					ep, dist = f, d
					improved = true
				}
			}
		}
		if !improved {
			return ep
		}
	}
}

// searchLayer is a beam search over one layer returning up to ef candidates
// sorted by distance.
func (g *graph) searchLayer(query []float32, ep int, ef int, layer int) []candidate {
	visited := map[int]bool{ep: true}
	epDist := distance(query, g.nodes[ep].vector)
	candidates := []candidate{{idx: ep, dist: epDist}}
	results := []candidate{{idx: ep, dist: epDist}}

	for len(candidates) > 0 {
		closest := candidates[0]
		candidates = candidates[1:]

		if closest.dist > results[len(results)-1].dist && len(results) >= ef {
			break
		}
		if layer >= len(g.nodes[closest.idx].friends) {
			continue
		}
		for _, nb := range g.nodes[closest.idx].friends[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true

			d := distance(query, g.nodes[nb].vector)
			if d < results[len(results)-1].dist || len(results) < ef {
				candidates = insertSorted(candidates, candidate{idx: nb, dist: d})
				results = insertSorted(results, candidate{idx: nb, dist: d})
				if len(results) > ef {
					results = results[:ef]
				}
			}
		}
	}
	return results
}

func selectNeighbors(candidates []candidate, maxConn int) []int {
	n := min(len(candidates), maxConn)
	neighbors := make([]int, n)
	for i := 0; i < n; i++ {
		neighbors[i] = candidates[i].idx
	}
	return neighbors
}

// shrinkNeighbors keeps the maxConn closest neighbors of nodeIdx.
func (g *graph) shrinkNeighbors(nodeIdx int, neighbors []int, maxConn int) []int {
	vec := g.nodes[nodeIdx].vector
	scored := make([]candidate, len(neighbors))
	for i, nb := range neighbors {
		scored[i] = candidate{idx: nb, dist: distance(vec, g.nodes[nb].vector)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].dist < scored[j].dist })

	out := make([]int, maxConn)
	for i := range out {
		out[i] = scored[i].idx
	}
	return out
}

// insertSorted inserts c into s keeping ascending distance order.
func insertSorted(s []candidate, c candidate) []candidate {
	i := sort.Search(len(s), func(i int) bool { return s[i].dist >= c.dist })
	s = append(s, candidate{})
	copy(s[i+1:], s[i:])
	s[i] = c
	return s
}

// distance is 1 - a·b for unit vectors. Range [0, 2], lower is closer.
func distance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return 1 - dot
}

// Normalize returns a unit-length copy of v.
func Normalize(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, ErrZeroVector
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, ErrZeroVector
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out, nil
}
