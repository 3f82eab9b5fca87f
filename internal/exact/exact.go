// Package exact holds the in-memory lookup tables for the two deterministic
// strategies: registry/structure identifiers and normalized synonym text.
package exact

import (
	"sort"
	"sync"

	"github.com/hurttlocker/chemresolve/internal/match"
	"github.com/hurttlocker/chemresolve/internal/normalize"
)

// Hit is one exact synonym match.
type Hit struct {
	SynonymID  int64
	EntityID   string
	Confidence float64
}

// Index maps normalized text to synonyms and identifiers to entities.
type Index struct {
	mu         sync.RWMutex
	byText     map[string][]Hit
	byRegistry map[string]string
	byKey      map[string]string
}

// New returns an empty index.
func New() *Index {
	return &Index{
		byText:     make(map[string][]Hit),
		byRegistry: make(map[string]string),
		byKey:      make(map[string]string),
	}
}

// AddEntity registers the entity's identifiers.
func (ix *Index) AddEntity(e match.Entity) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e.RegistryNumber != "" {
		ix.byRegistry[e.RegistryNumber] = e.ID
	}
	if e.StructureKey != "" {
		ix.byKey[e.StructureKey] = e.ID
	}
}

// AddSynonym registers a normalized synonym. Re-adding the same synonym id is
// a no-op.
func (ix *Index) AddSynonym(s match.Synonym) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, h := range ix.byText[s.Normalized] {
		if h.SynonymID == s.ID {
			return
		}
	}
	ix.byText[s.Normalized] = append(ix.byText[s.Normalized], Hit{
		SynonymID:  s.ID,
		EntityID:   s.EntityID,
		Confidence: s.Confidence,
	})
}

// LookupIdentifier resolves a detected identifier to an entity id.
func (ix *Index) LookupIdentifier(id normalize.Identifier) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var entityID string
	var ok bool
	switch id.Kind {
	case normalize.RegistryNumber:
		entityID, ok = ix.byRegistry[id.Value]
	case normalize.StructureKey:
		entityID, ok = ix.byKey[id.Value]
	}
	return entityID, ok
}

// Lookup returns every synonym whose normalized form equals text, one per
// entity, ordered by prior confidence (highest first) then entity id.
func (ix *Index) Lookup(text string) []Hit {
	ix.mu.RLock()
	hits := ix.byText[text]
	best := make(map[string]Hit, len(hits))
	for _, h := range hits {
		if cur, ok := best[h.EntityID]; !ok || h.Confidence > cur.Confidence {
			best[h.EntityID] = h
		}
	}
	ix.mu.RUnlock()

	out := make([]Hit, 0, len(best))
	for _, h := range best {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// Len returns the number of distinct normalized texts.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byText)
}

// Stats reports table sizes.
func (ix *Index) Stats() (texts, registry, keys int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byText), len(ix.byRegistry), len(ix.byKey)
}
