package ann

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
)

// --- Helpers ---

func randomVector(dims int, rng *rand.Rand) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = rng.Float32()*2 - 1 // [-1, 1]
	}
	return v
}

func cosine(a, b []float32) float32 {
	ua, _ := Normalize(a)
	ub, _ := Normalize(b)
	return 1 - distance(ua, ub)
}

func bruteForceNN(query []float32, vectors [][]float32, refs []int64, k int) []Result {
	all := make([]Result, len(vectors))
	for i, v := range vectors {
		all[i] = Result{Ref: refs[i], Similarity: cosine(query, v)}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Similarity > all[j].Similarity })
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func buildIndex(t *testing.T, dims, n int, seed int64) (*Index, [][]float32, []int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	idx := New(dims)
	vectors := make([][]float32, n)
	refs := make([]int64, n)
	for i := 0; i < n; i++ {
		vectors[i] = randomVector(dims, rng)
		refs[i] = int64(i + 1)
		if _, err := idx.Insert(refs[i], vectors[i]); err != nil {
			t.Fatalf("Insert(%d): %v", refs[i], err)
		}
	}
	return idx, vectors, refs
}

func mustSearch(t *testing.T, idx *Index, q []float32, k int) []Result {
	t.Helper()
	res, _, err := idx.Search(q, k)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	return res
}

// --- Core Tests ---

func TestNew(t *testing.T) {
	idx := New(384)
	if idx.Dims() != 384 {
		t.Errorf("Dims = %d, want 384", idx.Dims())
	}
	if idx.M != DefaultM {
		t.Errorf("M = %d, want %d", idx.M, DefaultM)
	}
	if idx.Len() != 0 || idx.Generation() != 0 {
		t.Errorf("Len = %d, Generation = %d, want 0/0", idx.Len(), idx.Generation())
	}
}

func TestInsertAndSearch_Small(t *testing.T) {
	idx, vectors, refs := buildIndex(t, 32, 100, 42)
	if idx.Len() != 100 {
		t.Fatalf("Len = %d, want 100", idx.Len())
	}

	query := randomVector(32, rand.New(rand.NewSource(7)))
	results := mustSearch(t, idx, query, 5)
	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Errorf("results not sorted at %d: %f > %f", i, results[i].Similarity, results[i-1].Similarity)
		}
	}

	bf := bruteForceNN(query, vectors, refs, 5)
	if recall := computeRecall(results, bf); recall < 0.6 {
		t.Errorf("recall = %.2f, want >= 0.6 (HNSW: %v, BF: %v)", recall, resultRefs(results), resultRefs(bf))
	}
}

func TestInsertAndSearch_Medium(t *testing.T) {
	dims, k, queries := 128, 10, 10
	idx, vectors, refs := buildIndex(t, dims, 1000, 123)

	rng := rand.New(rand.NewSource(99))
	total := 0.0
	for q := 0; q < queries; q++ {
		query := randomVector(dims, rng)
		total += computeRecall(mustSearch(t, idx, query, k), bruteForceNN(query, vectors, refs, k))
	}
	avg := total / float64(queries)
	if avg < 0.7 {
		t.Errorf("avg recall = %.2f, want >= 0.7", avg)
	}
	t.Logf("recall@%d over %d queries: %.2f", k, queries, avg)
}

func TestSearchEmpty(t *testing.T) {
	idx := New(32)
	results, gen, err := idx.Search(randomVector(32, rand.New(rand.NewSource(1))), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 || gen != 0 {
		t.Errorf("expected empty results at gen 0, got %d at %d", len(results), gen)
	}
}

func TestSearchSingleNode(t *testing.T) {
	idx := New(4)
	if _, err := idx.Insert(42, []float32{2, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	results := mustSearch(t, idx, []float32{1, 0, 0, 0}, 5)
	if len(results) != 1 || results[0].Ref != 42 {
		t.Fatalf("results = %+v, want ref 42", results)
	}
	if math.Abs(float64(results[0].Similarity)-1) > 1e-4 {
		t.Errorf("similarity = %f, want ~1 for parallel vectors", results[0].Similarity)
	}
}

func TestDuplicateInsert(t *testing.T) {
	idx := New(4)
	if added, _ := idx.Insert(1, []float32{1, 0, 0, 0}); !added {
		t.Fatal("first insert not added")
	}
	gen := idx.Generation()
	added, err := idx.Insert(1, []float32{0, 1, 0, 0})
	if err != nil || added {
		t.Fatalf("duplicate insert = (%v, %v), want (false, nil)", added, err)
	}
	if idx.Len() != 1 || idx.Generation() != gen {
		t.Errorf("duplicate mutated index: len=%d gen=%d", idx.Len(), idx.Generation())
	}
}

func TestInsertRejectsBadVectors(t *testing.T) {
	idx := New(4)
	if _, err := idx.Insert(1, []float32{0, 0, 0, 0}); !errors.Is(err, ErrZeroVector) {
		t.Errorf("zero vector err = %v, want ErrZeroVector", err)
	}
	if _, err := idx.Insert(2, []float32{1, 0, 0}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("short vector err = %v, want ErrDimensionMismatch", err)
	}
	idx.Insert(3, []float32{1, 0, 0, 0})
	if _, _, err := idx.Search([]float32{1, 0}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("short query err = %v, want ErrDimensionMismatch", err)
	}
}

func TestDimsFixedByFirstInsert(t *testing.T) {
	idx := New(0)
	if _, err := idx.Insert(1, []float32{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if idx.Dims() != 3 {
		t.Fatalf("Dims = %d, want 3", idx.Dims())
	}
	if _, err := idx.Insert(2, []float32{1, 2}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestHasAndMembers(t *testing.T) {
	idx := New(2)
	for _, ref := range []int64{9, 3, 5} {
		idx.Insert(ref, []float32{float32(ref), 1})
	}
	if !idx.Has(3) || idx.Has(4) {
		t.Error("Has mismatch")
	}
	got := idx.Members()
	want := []int64{3, 5, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Members = %v, want %v", got, want)
		}
	}
}

func TestSearchEf(t *testing.T) {
	dims, k := 64, 10
	idx, vectors, refs := buildIndex(t, dims, 500, 77)
	query := randomVector(dims, rand.New(rand.NewSource(5)))

	low, _, err := idx.SearchEf(query, k, 20)
	if err != nil {
		t.Fatal(err)
	}
	high, _, err := idx.SearchEf(query, k, 200)
	if err != nil {
		t.Fatal(err)
	}
	bf := bruteForceNN(query, vectors, refs, k)
	recallLow, recallHigh := computeRecall(low, bf), computeRecall(high, bf)
	t.Logf("recall@%d: ef=20 -> %.2f, ef=200 -> %.2f", k, recallLow, recallHigh)
	if recallHigh < recallLow {
		t.Errorf("higher ef gave worse recall: %.2f < %.2f", recallHigh, recallLow)
	}
}

func TestGenerationAdvancesOnMutation(t *testing.T) {
	idx := New(2)
	idx.Insert(1, []float32{1, 0})
	_, gen1, _ := idx.Search([]float32{1, 0}, 1)
	idx.Insert(2, []float32{0, 1})
	_, gen2, _ := idx.Search([]float32{1, 0}, 1)
	if gen2 <= gen1 {
		t.Fatalf("generation did not advance: %d -> %d", gen1, gen2)
	}
	if err := idx.Rebuild([]Entry{{Ref: 7, Vector: []float32{1, 1}}}); err != nil {
		t.Fatal(err)
	}
	if idx.Generation() <= gen2 {
		t.Fatalf("Rebuild did not advance generation")
	}
	if idx.Len() != 1 || !idx.Has(7) || idx.Has(1) {
		t.Fatalf("Rebuild did not replace contents: members=%v", idx.Members())
	}
}

func TestRebuildErrorLeavesIndexUntouched(t *testing.T) {
	idx := New(2)
	idx.Insert(1, []float32{1, 0})
	gen := idx.Generation()
	err := idx.Rebuild([]Entry{{Ref: 2, Vector: []float32{1, 0}}, {Ref: 3, Vector: []float32{1, 0, 0}}})
	if err == nil {
		t.Fatal("expected rebuild error")
	}
	if idx.Generation() != gen || !idx.Has(1) || idx.Has(2) {
		t.Fatalf("failed rebuild leaked state: gen=%d members=%v", idx.Generation(), idx.Members())
	}
}

func TestConcurrentSearchAndInsert(t *testing.T) {
	dims := 16
	idx, _, _ := buildIndex(t, dims, 200, 11)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				res, _, err := idx.Search(randomVector(dims, rng), 5)
				if err != nil {
					t.Errorf("Search: %v", err)
					return
				}
				for _, r := range res {
					if !idx.Has(r.Ref) {
						t.Errorf("search returned unknown ref %d", r.Ref)
					}
				}
			}
		}(int64(w))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(1000))
		for i := 0; i < 100; i++ {
			if _, err := idx.Insert(int64(1000+i), randomVector(dims, rng)); err != nil {
				t.Errorf("Insert: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	if idx.Len() != 300 {
		t.Fatalf("Len = %d, want 300", idx.Len())
	}
}

// --- Snapshot and persistence tests ---

func TestSnapshotRoundTrip(t *testing.T) {
	dims := 32
	idx, _, _ := buildIndex(t, dims, 60, 42)
	idx.SetModel("hash-v1")

	var buf bytes.Buffer
	n, err := idx.Snapshot().WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("WriteTo reported %d bytes, buffer has %d", n, buf.Len())
	}

	snap, err := ReadSnapshot(&buf)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.Model() != "hash-v1" || snap.Len() != 60 || snap.Dims() != dims {
		t.Fatalf("snapshot header = (%q, %d, %d)", snap.Model(), snap.Len(), snap.Dims())
	}
	if snap.Generation() != idx.Generation() {
		t.Errorf("snapshot generation = %d, want %d", snap.Generation(), idx.Generation())
	}

	loaded, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	assertSameResults(t, idx, loaded, dims)
}

func TestSnapshotIsolatedFromLaterInserts(t *testing.T) {
	idx := New(2)
	idx.Insert(1, []float32{1, 0})
	snap := idx.Snapshot()
	idx.Insert(2, []float32{0, 1})
	if snap.Len() != 1 {
		t.Fatalf("snapshot saw later insert: len=%d", snap.Len())
	}
}

func TestSaveFileLoadFile(t *testing.T) {
	dims := 32
	idx, _, _ := buildIndex(t, dims, 50, 42)

	path := filepath.Join(t.TempDir(), "sub", "semantic.idx")
	ctx := context.Background()
	if err := idx.SaveFile(ctx, path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() < 1000 {
		t.Errorf("file too small: %d bytes", info.Size())
	}
	matches, _ := filepath.Glob(path + ".tmp-*")
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}

	loaded := New(0)
	if err := loaded.LoadFile(ctx, path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.Len() != idx.Len() || loaded.M != idx.M {
		t.Fatalf("loaded len/M = %d/%d, want %d/%d", loaded.Len(), loaded.M, idx.Len(), idx.M)
	}
	assertSameResults(t, idx, loaded, dims)
}

func TestReadSnapshotInvalid(t *testing.T) {
	if _, err := ReadSnapshot(bytes.NewReader([]byte("NOTVALID"))); err == nil {
		t.Fatal("expected error for invalid magic")
	}

	idx, _, _ := buildIndex(t, 8, 10, 3)
	var buf bytes.Buffer
	if _, err := idx.Snapshot().WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	truncated := buf.Bytes()[:buf.Len()/2]
	if _, err := ReadSnapshot(bytes.NewReader(truncated)); err == nil {
		t.Fatal("expected error for truncated snapshot")
	}

	path := filepath.Join(t.TempDir(), "missing.idx")
	if err := New(0).LoadFile(context.Background(), path); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// corruptIndex encodes a header followed by raw little-endian values.
func corruptIndex(t *testing.T, dims, nodes, entry, maxLevel, m, mmax0 int32, body ...any) []byte {
	t.Helper()
	var buf bytes.Buffer
	fields := []any{[]byte(magic), int32(formatVersion), uint64(1),
		dims, nodes, entry, maxLevel, m, mmax0, int32(200), int32(64), int32(0)}
	for _, v := range append(fields, body...) {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func TestReadSnapshotCorruptFields(t *testing.T) {
	vec := []float32{1, 0, 0, 0}
	tests := []struct {
		name string
		data []byte
	}{
		{"huge level", corruptIndex(t, 4, 1, 0, 0, 16, 32, int64(1), int32(1<<30), vec)},
		{"level above max", corruptIndex(t, 4, 1, 0, 2, 16, 32, int64(1), int32(3), vec)},
		{"huge node count", corruptIndex(t, 4, 1<<30, 0, 0, 16, 32)},
		{"huge dims", corruptIndex(t, 1<<30, 1, 0, 0, 16, 32)},
		{"huge max level", corruptIndex(t, 4, 1, 0, 1<<30, 16, 32)},
		{"entry out of range", corruptIndex(t, 4, 1, 5, 0, 16, 32)},
		{"zero M", corruptIndex(t, 4, 1, 0, 0, 0, 32)},
		{"friend count above Mmax0", corruptIndex(t, 4, 2, 0, 0, 16, 32, int64(1), int32(0), vec, int32(1<<30))},
		{"friend out of range", corruptIndex(t, 4, 1, 0, 0, 16, 32, int64(1), int32(0), vec, int32(1), int32(7))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadSnapshot(bytes.NewReader(tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	ok := corruptIndex(t, 4, 1, 0, 0, 16, 32, int64(9), int32(0), vec, int32(0))
	snap, err := ReadSnapshot(bytes.NewReader(ok))
	if err != nil {
		t.Fatalf("minimal valid index: %v", err)
	}
	if snap.Len() != 1 || snap.Dims() != 4 {
		t.Fatalf("snapshot = %d nodes, %d dims", snap.Len(), snap.Dims())
	}
}

func TestLoadFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "semantic.idx")
	data := corruptIndex(t, 4, 1, 0, 0, 16, 32, int64(1), int32(1<<30), []float32{1, 0, 0, 0})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := New(0).LoadFile(context.Background(), path); err == nil {
		t.Fatal("expected error for corrupt file")
	}
}

func TestLoadRejectsDuplicateRefs(t *testing.T) {
	idx := New(2)
	idx.Insert(1, []float32{1, 0})
	idx.Insert(2, []float32{0, 1})
	snap := idx.Snapshot()
	snap.nodes[1].ref = 1
	if err := New(0).Load(snap); err == nil {
		t.Fatal("expected duplicate ref error")
	}
}

func TestNormalize(t *testing.T) {
	v, err := Normalize([]float32{3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("Normalize = %v, want [0.6 0.8]", v)
	}
	if _, err := Normalize(nil); !errors.Is(err, ErrZeroVector) {
		t.Errorf("Normalize(nil) err = %v", err)
	}
	nan := float32(math.NaN())
	if _, err := Normalize([]float32{nan, 1}); !errors.Is(err, ErrZeroVector) {
		t.Errorf("Normalize(NaN) err = %v", err)
	}
}

// --- Helpers ---

func assertSameResults(t *testing.T, a, b *Index, dims int) {
	t.Helper()
	rng := rand.New(rand.NewSource(2024))
	for q := 0; q < 5; q++ {
		query := randomVector(dims, rng)
		ra := mustSearch(t, a, query, 5)
		rb := mustSearch(t, b, query, 5)
		if len(ra) != len(rb) {
			t.Fatalf("result count mismatch: %d vs %d", len(ra), len(rb))
		}
		for i := range ra {
			if ra[i].Ref != rb[i].Ref {
				t.Errorf("query %d result[%d] ref mismatch: %d vs %d", q, i, ra[i].Ref, rb[i].Ref)
			}
		}
	}
}

func computeRecall(predicted, truth []Result) float64 {
	if len(truth) == 0 {
		return 1.0
	}
	truthSet := make(map[int64]bool)
	for _, r := range truth {
		truthSet[r.Ref] = true
	}
	hits := 0
	for _, r := range predicted {
		if truthSet[r.Ref] {
			hits++
		}
	}
	return float64(hits) / float64(len(truth))
}

func resultRefs(results []Result) []int64 {
	refs := make([]int64, len(results))
	for i, r := range results {
		refs[i] = r.Ref
	}
	return refs
}
