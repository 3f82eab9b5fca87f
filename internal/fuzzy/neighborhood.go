package fuzzy

import (
	"sort"
	"strings"
	"sync"
)

// Entry is one indexed synonym.
type Entry struct {
	SynonymID int64
	EntityID  string
	Text      string // normalized
}

// Match is a scored entry.
type Match struct {
	Entry
	Score float64
}

// Defaults for NewIndex.
const (
	DefaultFullScanLimit = 5000
	DefaultMaxPosting    = 512
	prefixRunes          = 3
)

// Index groups entries by lexical neighborhood. Below FullScanLimit entries
// every entry is scored; above it a query only meets entries that share its
// leading prefix, a token, or a token prefix whose posting list is no longer
// than MaxPosting (a rare key).
type Index struct {
	mu       sync.RWMutex
	entries  []Entry
	postings map[string][]int32

	FullScanLimit int
	MaxPosting    int
}

// NewIndex returns an empty index with default limits.
func NewIndex() *Index {
	return &Index{
		postings:      make(map[string][]int32),
		FullScanLimit: DefaultFullScanLimit,
		MaxPosting:    DefaultMaxPosting,
	}
}

// Add indexes e. Callers dedupe; Add does not.
func (ix *Index) Add(e Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	pos := int32(len(ix.entries))
	ix.entries = append(ix.entries, e)
	for _, key := range neighborhoodKeys(e.Text) {
		ix.postings[key] = append(ix.postings[key], pos)
	}
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Search scores the neighborhood of query and returns up to k matches with
// Score >= minScore, best per entity, highest first.
func (ix *Index) Search(query string, k int, minScore float64) []Match {
	if query == "" || k <= 0 {
		return nil
	}

	ix.mu.RLock()
	candidates := ix.neighborhood(query)
	best := make(map[string]Match)
	for _, pos := range candidates {
		e := ix.entries[pos]
		s := Score(query, e.Text)
		if s < minScore {
			continue
		}
		if cur, ok := best[e.EntityID]; !ok || s > cur.Score || (s == cur.Score && e.SynonymID < cur.SynonymID) {
			best[e.EntityID] = Match{Entry: e, Score: s}
		}
	}
	ix.mu.RUnlock()

	out := make([]Match, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EntityID < out[j].EntityID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// neighborhood returns candidate positions. Caller holds the read lock.
func (ix *Index) neighborhood(query string) []int32 {
	if len(ix.entries) <= ix.FullScanLimit {
		all := make([]int32, len(ix.entries))
		for i := range all {
			all[i] = int32(i)
		}
		return all
	}

	seen := make(map[int32]struct{})
	var out []int32
	for _, key := range neighborhoodKeys(query) {
		list := ix.postings[key]
		if len(list) == 0 || (len(list) > ix.MaxPosting && !strings.HasPrefix(key, "p:")) {
			continue
		}
		for _, pos := range list {
			if _, ok := seen[pos]; ok {
				continue
			}
			seen[pos] = struct{}{}
			out = append(out, pos)
		}
	}
	return out
}

// neighborhoodKeys returns the posting keys of a normalized text: its
// leading prefix, each token and each token prefix.
func neighborhoodKeys(text string) []string {
	if text == "" {
		return nil
	}
	keys := []string{"p:" + runePrefix(text, prefixRunes)}
	for _, tok := range strings.Fields(text) {
		keys = append(keys, "t:"+tok)
		if len([]rune(tok)) > prefixRunes {
			keys = append(keys, "q:"+runePrefix(tok, prefixRunes))
		}
	}
	return keys
}

func runePrefix(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
