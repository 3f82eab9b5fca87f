package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hurttlocker/chemresolve/internal/ann"
	"github.com/hurttlocker/chemresolve/internal/match"
	"github.com/hurttlocker/chemresolve/internal/normalize"
	"github.com/hurttlocker/chemresolve/internal/snapshot"
)

// ConsistencyReport compares the semantic index with the store.
type ConsistencyReport struct {
	Model          string  `json:"model"`
	StoreVectors   int     `json:"store_vectors"`
	IndexVectors   int     `json:"index_vectors"`
	MissingFromIdx []int64 `json:"missing_from_index,omitempty"`
	UnknownToStore []int64 `json:"unknown_to_store,omitempty"`
	Generation     uint64  `json:"generation"`
	Consistent     bool    `json:"consistent"`
	PendingFailure string  `json:"pending_failure,omitempty"`
}

// RepairReport describes a rebuild from the store.
type RepairReport struct {
	Synonyms   int           `json:"synonyms"`
	Vectors    int           `json:"vectors"`
	Generation uint64        `json:"generation"`
	Cleared    bool          `json:"cleared_inconsistency"`
	Duration   time.Duration `json:"duration"`
}

// CheckConsistency verifies that the semantic index holds exactly the
// store's vectors for the current model. A mismatch marks the engine
// inconsistent and returns an error wrapping match.ErrIndexInconsistency.
func (e *Engine) CheckConsistency(ctx context.Context) (ConsistencyReport, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	records, err := e.store.ListEmbeddings(ctx, e.model)
	if err != nil {
		return ConsistencyReport{}, fmt.Errorf("listing embeddings: %w", err)
	}
	want := make([]int64, len(records))
	for i, r := range records {
		want[i] = r.SynonymID
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	have := e.corpus.sem.Members()
	diff := membershipDiff(want, have)
	rep := ConsistencyReport{
		Model:          e.model,
		StoreVectors:   len(want),
		IndexVectors:   len(have),
		MissingFromIdx: diff.missing,
		UnknownToStore: diff.extra,
		Generation:     e.generation,
		Consistent:     diff.empty() && e.inconsistent == nil,
	}
	if e.inconsistent != nil {
		rep.PendingFailure = e.inconsistent.Error()
	}
	if !diff.empty() {
		e.inconsistent = fmt.Errorf("%s: %w", diff, match.ErrIndexInconsistency)
		indexInconsistent.Set(1)
		e.logger.Error("semantic index out of step with store", "missing", len(diff.missing), "extra", len(diff.extra))
		return rep, e.inconsistent
	}
	return rep, e.inconsistent
}

// Repair rebuilds every index from the store, backfilling vectors that are
// missing for the current model, and clears a pending inconsistency. The new
// corpus is built without the lock and swapped in.
func (e *Engine) Repair(ctx context.Context) (RepairReport, error) {
	began := time.Now()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	c, err := e.buildCorpus(ctx, "")
	if err != nil {
		return RepairReport{}, fmt.Errorf("rebuilding corpus: %w", err)
	}

	e.mu.Lock()
	cleared := e.inconsistent != nil
	e.corpus = c
	e.generation++
	e.inconsistent = nil
	gen := e.generation
	e.mu.Unlock()
	indexedVectors.Set(float64(c.sem.Len()))
	indexInconsistent.Set(0)

	rep := RepairReport{
		Synonyms:   c.synonymCount(),
		Vectors:    c.sem.Len(),
		Generation: gen,
		Cleared:    cleared,
		Duration:   time.Since(began),
	}
	e.logger.Info("corpus rebuilt from store",
		"synonyms", rep.Synonyms,
		"vectors", rep.Vectors,
		"generation", rep.Generation,
		"cleared", rep.Cleared,
	)
	return rep, nil
}

// Snapshot saves the current semantic index to the catalog.
func (e *Engine) Snapshot(ctx context.Context, label string) (*snapshot.Metadata, error) {
	if e.opts.Catalog == nil {
		return nil, fmt.Errorf("no snapshot catalog configured")
	}
	e.mu.RLock()
	if err := e.inconsistent; err != nil {
		e.mu.RUnlock()
		return nil, fmt.Errorf("refusing to snapshot: %w", err)
	}
	snap := e.corpus.sem.Snapshot()
	e.mu.RUnlock()

	return e.opts.Catalog.Save(ctx, snap, snapshot.SaveOptions{
		Label:                label,
		ThresholdVersion:     e.Thresholds().Version,
		NormalizationVersion: normalize.Version,
	})
}

// Restore replaces the semantic index with a catalog snapshot; an empty id
// means the latest. The snapshot must be for the current model and hold
// exactly the store's vectors, otherwise nothing changes.
func (e *Engine) Restore(ctx context.Context, id string) (*snapshot.Metadata, error) {
	if e.opts.Catalog == nil {
		return nil, fmt.Errorf("no snapshot catalog configured")
	}
	var (
		snap *ann.Snapshot
		meta *snapshot.Metadata
		err  error
	)
	if id == "" {
		snap, meta, err = e.opts.Catalog.Latest(ctx)
	} else {
		snap, meta, err = e.opts.Catalog.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if snap.Model() != e.model {
		return nil, fmt.Errorf("snapshot %s is for model %q, engine uses %q", meta.ID, snap.Model(), e.model)
	}
	if meta.NormalizationVersion != 0 && meta.NormalizationVersion != normalize.Version {
		return nil, fmt.Errorf("snapshot %s was built with normalization version %d", meta.ID, meta.NormalizationVersion)
	}

	idx, err := ann.FromSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", meta.ID, err)
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	records, err := e.store.ListEmbeddings(ctx, e.model)
	if err != nil {
		return nil, fmt.Errorf("listing embeddings: %w", err)
	}
	want := make([]int64, len(records))
	for i, r := range records {
		want[i] = r.SynonymID
	}
	if diff := membershipDiff(want, idx.Members()); !diff.empty() {
		return nil, fmt.Errorf("snapshot %s: %s: %w", meta.ID, diff, match.ErrIndexInconsistency)
	}

	e.mu.Lock()
	next := *e.corpus
	next.sem = idx
	e.corpus = &next
	e.generation++
	e.mu.Unlock()
	indexedVectors.Set(float64(idx.Len()))

	e.logger.Info("semantic index restored", "snapshot", meta.ID, "vectors", idx.Len(), "label", meta.Label)
	return meta, nil
}
