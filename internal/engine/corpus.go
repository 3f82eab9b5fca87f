package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/hurttlocker/chemresolve/internal/ann"
	"github.com/hurttlocker/chemresolve/internal/exact"
	"github.com/hurttlocker/chemresolve/internal/fuzzy"
	"github.com/hurttlocker/chemresolve/internal/match"
)

// synRef is what a semantic hit needs to become a candidate.
type synRef struct {
	entityID string
	text     string
}

// corpus is one consistent in-memory view of the store. It is replaced
// wholesale on rebuild; between rebuilds it only grows by single appends
// made under the engine's write lock.
type corpus struct {
	exact    *exact.Index
	fuzzy    *fuzzy.Index
	sem      *ann.Index
	synonyms map[int64]synRef
	entities map[string]string // id -> preferred name
}

func newCorpus(model string) *corpus {
	sem := ann.New(0)
	sem.SetModel(model)
	return &corpus{
		exact:    exact.New(),
		fuzzy:    fuzzy.NewIndex(),
		sem:      sem,
		synonyms: make(map[int64]synRef),
		entities: make(map[string]string),
	}
}

func (c *corpus) synonymCount() int { return len(c.synonyms) }

func (c *corpus) addEntity(e *match.Entity) {
	c.exact.AddEntity(*e)
	c.entities[e.ID] = e.PreferredName
}

// addLexical registers a synonym with the exact and fuzzy tables.
func (c *corpus) addLexical(s *match.Synonym) {
	if _, ok := c.synonyms[s.ID]; ok {
		return
	}
	c.exact.AddSynonym(*s)
	c.fuzzy.Add(fuzzy.Entry{SynonymID: s.ID, EntityID: s.EntityID, Text: s.Normalized})
	c.synonyms[s.ID] = synRef{entityID: s.EntityID, text: s.Normalized}
}

// buildCorpus reads the store into a fresh corpus. Synonyms without a vector
// for the current model are embedded and stored first. When indexPath names
// a persisted index whose membership matches the store it is used instead of
// rebuilding the graph.
func (e *Engine) buildCorpus(ctx context.Context, indexPath string) (*corpus, error) {
	if _, err := e.backfill(ctx); err != nil {
		return nil, err
	}

	c := newCorpus(e.model)
	entities, err := e.store.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	for _, ent := range entities {
		c.addEntity(ent)
	}
	synonyms, err := e.store.ListSynonyms(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing synonyms: %w", err)
	}
	for _, s := range synonyms {
		c.addLexical(s)
	}

	records, err := e.store.ListEmbeddings(ctx, e.model)
	if err != nil {
		return nil, fmt.Errorf("listing embeddings: %w", err)
	}
	entries := make([]ann.Entry, 0, len(records))
	for _, r := range records {
		if _, ok := c.synonyms[r.SynonymID]; !ok {
			return nil, fmt.Errorf("embedding for unknown synonym %d: %w", r.SynonymID, match.ErrIndexInconsistency)
		}
		entries = append(entries, ann.Entry{Ref: r.SynonymID, Vector: r.Vector})
	}

	if fileExists(indexPath) {
		loaded, err := e.loadPersistedIndex(ctx, indexPath, entries)
		if err == nil {
			c.sem = loaded
			return c, nil
		}
		e.logger.Warn("persisted index unusable, rebuilding from store", "path", indexPath, "error", err)
	}

	if err := c.sem.Rebuild(entries); err != nil {
		return nil, fmt.Errorf("rebuilding semantic index: %w", err)
	}
	return c, nil
}

func (e *Engine) loadPersistedIndex(ctx context.Context, path string, entries []ann.Entry) (*ann.Index, error) {
	snap, err := ann.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if snap.Model() != e.model {
		return nil, fmt.Errorf("index model %q, engine model %q", snap.Model(), e.model)
	}
	idx, err := ann.FromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	want := make([]int64, len(entries))
	for i, en := range entries {
		want[i] = en.Ref
	}
	if diff := membershipDiff(want, idx.Members()); !diff.empty() {
		return nil, fmt.Errorf("%s: %w", diff, match.ErrIndexInconsistency)
	}
	return idx, nil
}

// backfill embeds synonyms that have no vector for the current model, in
// batches. It returns how many vectors were added.
func (e *Engine) backfill(ctx context.Context) (int, error) {
	added := 0
	for {
		ids, err := e.store.SynonymIDsWithoutEmbeddings(ctx, e.model, e.opts.BackfillBatch)
		if err != nil {
			return added, fmt.Errorf("finding synonyms without embeddings: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		texts := make([]string, len(ids))
		for i, id := range ids {
			s, err := e.store.GetSynonym(ctx, id)
			if err != nil {
				return added, fmt.Errorf("loading synonym %d: %w", id, err)
			}
			texts[i] = s.Normalized
		}
		vectors, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return added, fmt.Errorf("embedding %d synonyms: %w", len(texts), err)
		}
		if len(vectors) != len(ids) {
			return added, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vectors), len(ids))
		}
		for i, id := range ids {
			if len(vectors[i]) == 0 {
				return added, fmt.Errorf("empty embedding for synonym %d", id)
			}
			rec := &match.EmbeddingRecord{SynonymID: id, Vector: vectors[i], Model: e.model}
			if err := e.store.AddEmbedding(ctx, rec); err != nil {
				return added, fmt.Errorf("storing embedding for synonym %d: %w", id, err)
			}
			added++
		}
		e.logger.Info("backfilled embeddings", "count", len(ids), "model", e.model)

		if err := ctx.Err(); err != nil {
			return added, err
		}
	}
	return added, nil
}

// membership compares two id sets.
type membership struct {
	missing []int64 // in the store, not in the index
	extra   []int64 // in the index, not in the store
}

func (m membership) empty() bool { return len(m.missing) == 0 && len(m.extra) == 0 }

func (m membership) String() string {
	return fmt.Sprintf("%d vectors missing from index, %d unknown to store", len(m.missing), len(m.extra))
}

func membershipDiff(want, have []int64) membership {
	inHave := make(map[int64]struct{}, len(have))
	for _, id := range have {
		inHave[id] = struct{}{}
	}
	inWant := make(map[int64]struct{}, len(want))
	var out membership
	for _, id := range want {
		inWant[id] = struct{}{}
		if _, ok := inHave[id]; !ok {
			out.missing = append(out.missing, id)
		}
	}
	for _, id := range have {
		if _, ok := inWant[id]; !ok {
			out.extra = append(out.extra, id)
		}
	}
	sort.Slice(out.missing, func(i, j int) bool { return out.missing[i] < out.missing[j] })
	sort.Slice(out.extra, func(i, j int) bool { return out.extra[i] < out.extra[j] })
	return out
}
