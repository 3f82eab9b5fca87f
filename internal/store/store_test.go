package store

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/hurttlocker/chemresolve/internal/match"
	"github.com/hurttlocker/chemresolve/internal/normalize"
)

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewStore(StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedEntity(t *testing.T, s Store, id, name string) {
	t.Helper()
	if err := s.AddEntity(context.Background(), &match.Entity{ID: id, PreferredName: name}); err != nil {
		t.Fatalf("AddEntity(%s): %v", id, err)
	}
}

// --- Database Initialization ---

func TestNewStore(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)

	tables := []string{"entities", "synonyms", "embeddings", "decisions", "threshold_sets", "meta"}
	for _, table := range tables {
		var name string
		err := ss.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}

	ctx := context.Background()
	v, err := s.GetMeta(ctx, MetaNormalizationVersion)
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if v != strconv.Itoa(normalize.Version) {
		t.Errorf("normalization_version = %q, want %d", v, normalize.Version)
	}

	active, err := s.ActiveThresholdSet(ctx)
	if err != nil {
		t.Fatalf("ActiveThresholdSet: %v", err)
	}
	if active.Version != 1 || active.For(match.MethodFuzzy).Accept != match.DefaultAutoAccept {
		t.Errorf("unexpected seeded thresholds: %+v", active)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "chem.db")
	s, err := NewStore(StoreConfig{DBPath: path})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	seedEntity(t, s, "E1", "Benzene")
	s.Close()

	s2, err := NewStore(StoreConfig{DBPath: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.GetEntity(context.Background(), "E1"); err != nil {
		t.Fatalf("entity lost across reopen: %v", err)
	}
	sets, err := s2.ListThresholdSets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 1 {
		t.Fatalf("reopen seeded thresholds again: %d sets", len(sets))
	}
}

// --- Entities ---

func TestEntityCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &match.Entity{ID: "E1", PreferredName: "Benzene", RegistryNumber: "71-43-2"}
	if err := s.AddEntity(ctx, e); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	got, err := s.GetEntity(ctx, "E1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.RegistryNumber != "71-43-2" || got.StructureKey != "" {
		t.Errorf("GetEntity = %+v", got)
	}
	if _, err := s.GetEntity(ctx, "missing"); !errors.Is(err, match.ErrNotFound) {
		t.Errorf("GetEntity(missing) err = %v, want ErrNotFound", err)
	}
	seedEntity(t, s, "E0", "Acetone")
	all, err := s.ListEntities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "E0" {
		t.Errorf("ListEntities = %+v", all)
	}
}

// --- Synonyms ---

func TestAddSynonymDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "E2", "Toluene")

	first := &match.Synonym{Raw: "Toluene", Normalized: "toluene", EntityID: "E2", Confidence: 1}
	created, err := s.AddSynonym(ctx, first)
	if err != nil || !created {
		t.Fatalf("first AddSynonym = (%v, %v)", created, err)
	}
	second := &match.Synonym{Raw: "TOLUENE", Normalized: "toluene", EntityID: "E2", Confidence: 0.5}
	created, err = s.AddSynonym(ctx, second)
	if err != nil || created {
		t.Fatalf("duplicate AddSynonym = (%v, %v)", created, err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate id = %d, want existing %d", second.ID, first.ID)
	}

	got, err := s.GetSynonym(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != match.SourceBootstrap || got.FirstSeen.IsZero() {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestAddSynonymRequiresEntity(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddSynonym(context.Background(), &match.Synonym{Normalized: "orphan", EntityID: "nope"})
	if err == nil {
		t.Fatal("expected foreign key error for unknown entity")
	}
}

func TestSameTextSeveralEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "E7", "m-Xylene")
	seedEntity(t, s, "E8", "Xylenes")
	for _, id := range []string{"E8", "E7"} {
		if _, err := s.AddSynonym(ctx, &match.Synonym{Normalized: "xylene", EntityID: id, Confidence: 1}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.SynonymsByNormalized(ctx, "xylene")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].EntityID != "E7" || got[1].EntityID != "E8" {
		t.Fatalf("SynonymsByNormalized = %+v", got)
	}
}

func TestAddSynonymWithEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "E5", "Unknown")

	syn := &match.Synonym{Normalized: "xyz unknown substance", EntityID: "E5", Source: match.SourceValidation}
	created, err := s.AddSynonymWithEmbedding(ctx, syn, []float32{0.1, 0.2, 0.3}, "hash-v1")
	if err != nil || !created {
		t.Fatalf("AddSynonymWithEmbedding = (%v, %v)", created, err)
	}
	created, err = s.AddSynonymWithEmbedding(ctx, &match.Synonym{Normalized: "xyz unknown substance", EntityID: "E5"}, []float32{9, 9, 9}, "hash-v1")
	if err != nil || created {
		t.Fatalf("duplicate = (%v, %v)", created, err)
	}

	embs, err := s.ListEmbeddings(ctx, "hash-v1")
	if err != nil {
		t.Fatal(err)
	}
	if len(embs) != 1 || embs[0].SynonymID != syn.ID || embs[0].Vector[2] != 0.3 {
		t.Fatalf("ListEmbeddings = %+v", embs)
	}
	if n, _ := s.CountEmbeddings(ctx, "hash-v1"); n != 1 {
		t.Errorf("CountEmbeddings = %d, want 1", n)
	}
}

func TestAddSynonymWithEmbeddingRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "E1", "Benzene")

	_, err := s.AddSynonymWithEmbedding(ctx, &match.Synonym{Normalized: "benzol", EntityID: "E1"}, nil, "hash-v1")
	if err == nil {
		t.Fatal("expected error for empty vector")
	}
	syns, err := s.ListSynonyms(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(syns) != 0 {
		t.Fatalf("synonym committed without its embedding: %+v", syns)
	}
}

// --- Embeddings ---

func TestSynonymIDsWithoutEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedEntity(t, s, "E1", "Benzene")

	var ids []int64
	for _, text := range []string{"benzene", "benzol", "cyclohexatriene"} {
		syn := &match.Synonym{Normalized: text, EntityID: "E1"}
		if _, err := s.AddSynonym(ctx, syn); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, syn.ID)
	}
	if err := s.AddEmbedding(ctx, &match.EmbeddingRecord{SynonymID: ids[1], Vector: []float32{1, 0}, Model: "m1"}); err != nil {
		t.Fatal(err)
	}

	missing, err := s.SynonymIDsWithoutEmbeddings(ctx, "m1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 2 || missing[0] != ids[0] || missing[1] != ids[2] {
		t.Fatalf("missing = %v, want [%d %d]", missing, ids[0], ids[2])
	}
	other, _ := s.SynonymIDsWithoutEmbeddings(ctx, "m2", 0)
	if len(other) != 3 {
		t.Fatalf("other model missing = %v, want all three", other)
	}
}

func TestFloat32RoundTrip(t *testing.T) {
	in := []float32{0, -1.5, 3.25, 1e-7}
	out := bytesToFloat32(float32ToBytes(in))
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("round trip mismatch at %d: %v vs %v", i, in[i], out[i])
		}
	}
}

// --- Decisions ---

func testDecision(id string, at time.Time) *match.Decision {
	return &match.Decision{
		ID:         id,
		Query:      "Toluen",
		Normalized: "toluen",
		Status:     match.StatusResolved,
		EntityID:   "E2",
		Method:     match.MethodFuzzy,
		Confidence: 0.85,
		Candidates: []match.Candidate{
			{EntityID: "E2", Text: "toluene", Method: match.MethodFuzzy, Score: 0.923, Confidence: 0.85},
		},
		Attempted:        []match.Method{match.MethodIdentifier, match.MethodExact, match.MethodFuzzy, match.MethodSemantic},
		Failures:         []match.StrategyFailure{{Method: match.MethodSemantic, Error: "timeout"}},
		NeedsReview:      true,
		Reason:           match.ReasonLowConfidence,
		ThresholdVersion: 3,
		IndexGeneration:  42,
		Latency:          1500 * time.Microsecond,
		CreatedAt:        at,
	}
}

func TestDecisionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 123, time.UTC)

	if err := s.AddDecision(ctx, testDecision("d1", at)); err != nil {
		t.Fatalf("AddDecision: %v", err)
	}
	if err := s.AddDecision(ctx, testDecision("d1", at)); err == nil {
		t.Fatal("re-adding a decision id should fail")
	}

	got, err := s.GetDecision(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if got.Method != match.MethodFuzzy || got.IndexGeneration != 42 || got.ThresholdVersion != 3 {
		t.Errorf("scalar fields lost: %+v", got)
	}
	if !got.CreatedAt.Equal(at) || got.Latency != 1500*time.Microsecond {
		t.Errorf("time fields lost: created=%v latency=%v", got.CreatedAt, got.Latency)
	}
	if len(got.Candidates) != 1 || got.Candidates[0].Method != match.MethodFuzzy {
		t.Errorf("candidates lost: %+v", got.Candidates)
	}
	if len(got.Attempted) != 4 || len(got.Failures) != 1 || got.Failures[0].Method != match.MethodSemantic {
		t.Errorf("attempted/failures lost: %+v / %+v", got.Attempted, got.Failures)
	}
	if got.Validation != nil {
		t.Errorf("unexpected validation: %+v", got.Validation)
	}
}

func TestUnresolvedDecisionHasNoMethod(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := &match.Decision{
		ID:          "u1",
		Query:       "xyz-unknown-substance",
		Normalized:  "xyz-unknown-substance",
		Status:      match.StatusUnresolved,
		NeedsReview: true,
		Reason:      match.ReasonNoCandidate,
		CreatedAt:   time.Now(),
	}
	if err := s.AddDecision(ctx, d); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDecision(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Method != 0 || got.EntityID != "" || got.Resolved() {
		t.Fatalf("unresolved decision came back as %+v", got)
	}
}

func TestAttachValidationAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := s.AddDecision(ctx, testDecision("d"+strconv.Itoa(i), base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	v := match.Validation{EntityID: "E2", Correct: true, ValidatedAt: base.Add(10 * time.Hour)}
	for _, id := range []string{"d1", "d3"} {
		if err := s.AttachValidation(ctx, id, v); err != nil {
			t.Fatalf("AttachValidation(%s): %v", id, err)
		}
	}
	if err := s.AttachValidation(ctx, "missing", v); !errors.Is(err, match.ErrNotFound) {
		t.Fatalf("AttachValidation(missing) err = %v", err)
	}
	second := match.Validation{EntityID: "E9", Correct: false, ValidatedAt: base.Add(20 * time.Hour)}
	if err := s.AttachValidation(ctx, "d1", second); !errors.Is(err, match.ErrAlreadyValidated) {
		t.Fatalf("second AttachValidation err = %v, want ErrAlreadyValidated", err)
	}
	if got, err := s.GetDecision(ctx, "d1"); err != nil || got.Validation == nil || got.Validation.EntityID != "E2" || !got.Validation.Correct {
		t.Fatalf("first validation overwritten: %+v, %v", got, err)
	}

	validated, err := s.ListDecisions(ctx, DecisionFilter{ValidatedOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(validated) != 2 || validated[0].ID != "d1" || validated[1].Validation == nil || !validated[1].Validation.Correct {
		t.Fatalf("validated = %+v", validated)
	}

	window, err := s.ListDecisions(ctx, DecisionFilter{Since: base.Add(time.Hour), Until: base.Add(3 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 2 || window[0].ID != "d1" || window[1].ID != "d2" {
		t.Fatalf("window = %v", ids(window))
	}

	n, err := s.CountValidatedSince(ctx, base.Add(9*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("CountValidatedSince = %d, %v", n, err)
	}
	if n, _ := s.CountValidatedSince(ctx, base.Add(11*time.Hour)); n != 0 {
		t.Fatalf("CountValidatedSince later = %d, want 0", n)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.DecisionCount != 5 || stats.ValidatedCount != 2 || stats.ThresholdVersion != 1 {
		t.Fatalf("Stats = %+v", stats)
	}
}

func ids(ds []*match.Decision) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

// --- Thresholds ---

func TestSaveThresholdSetActivates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := match.DefaultThresholds()
	next.Version = 2
	next.Source = "calibration"
	next.Cutoffs[match.MethodFuzzy] = match.Cutoffs{Accept: 0.9, Reject: 0.7}
	if err := s.SaveThresholdSet(ctx, &next); err != nil {
		t.Fatalf("SaveThresholdSet: %v", err)
	}

	active, err := s.ActiveThresholdSet(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if active.Version != 2 || active.For(match.MethodFuzzy).Accept != 0.9 {
		t.Fatalf("active = %+v", active)
	}
	if err := s.SaveThresholdSet(ctx, &next); err == nil {
		t.Fatal("saving an existing version should fail")
	}

	bad := match.DefaultThresholds()
	bad.Version = 3
	bad.Cutoffs[match.MethodSemantic] = match.Cutoffs{Accept: 0.5, Reject: 0.9}
	if err := s.SaveThresholdSet(ctx, &bad); err == nil {
		t.Fatal("expected validation error")
	}

	all, err := s.ListThresholdSets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Version != 2 {
		t.Fatalf("ListThresholdSets = %+v", all)
	}
	// A failed save must not leave the store without an active set.
	if active, err := s.ActiveThresholdSet(ctx); err != nil || active.Version != 2 {
		t.Fatalf("active after failed save = %+v, %v", active, err)
	}
}

func TestMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.GetMeta(ctx, "nope"); !errors.Is(err, match.ErrNotFound) {
		t.Fatalf("GetMeta(nope) err = %v", err)
	}
	if err := s.SetMeta(ctx, MetaEmbeddingModel, "hash-v1"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetMeta(ctx, MetaEmbeddingModel); v != "hash-v1" {
		t.Fatalf("GetMeta = %q", v)
	}
}
