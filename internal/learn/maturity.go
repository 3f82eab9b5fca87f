package learn

import (
	"time"

	"github.com/hurttlocker/chemresolve/internal/match"
)

const (
	week = 7 * 24 * time.Hour

	// MaturityRecent is the window the headline rates cover.
	MaturityRecent = 30 * 24 * time.Hour
	// MaturityWeeks is how many weekly buckets the trend keeps.
	MaturityWeeks = 12
)

// MaturityWeek is one weekly bucket of the maturity trend.
type MaturityWeek struct {
	Start       time.Time `json:"start"`
	Decisions   int       `json:"decisions"`
	LexicalRate float64   `json:"lexical_rate"`
	UnknownRate float64   `json:"unknown_rate"`
	NewSynonyms int       `json:"new_synonyms"`
}

// Maturity tracks how far the corpus has grown toward answering queries
// lexically. A maturing corpus shows the lexical rate climbing, semantic
// reliance and the unknown rate falling, and synonym growth slowing.
type Maturity struct {
	Entities          int     `json:"entities"`
	Synonyms          int     `json:"synonyms"`
	SynonymsPerEntity float64 `json:"synonyms_per_entity"`

	// Rates over decisions from the last MaturityRecent. Lexical counts
	// identifier and exact hits; semantic reliance counts decisions where
	// the semantic strategy produced any candidate.
	RecentDecisions  int     `json:"recent_decisions"`
	LexicalRate      float64 `json:"lexical_rate"`
	FuzzyRate        float64 `json:"fuzzy_rate"`
	SemanticReliance float64 `json:"semantic_reliance"`
	UnknownRate      float64 `json:"unknown_rate"`

	Added7d  int `json:"synonyms_added_7d"`
	Added30d int `json:"synonyms_added_30d"`
	Added90d int `json:"synonyms_added_90d"`

	// Oldest first.
	Weeks []MaturityWeek `json:"weeks"`
}

// CorpusMaturity measures the corpus as of now. Decisions and synonyms
// outside the trend window are ignored except in the totals.
func CorpusMaturity(decisions []*match.Decision, synonyms []*match.Synonym, entities int, now time.Time) Maturity {
	m := Maturity{
		Entities: entities,
		Synonyms: len(synonyms),
		Weeks:    make([]MaturityWeek, MaturityWeeks),
	}
	if entities > 0 {
		m.SynonymsPerEntity = float64(len(synonyms)) / float64(entities)
	}
	for i := range m.Weeks {
		m.Weeks[i].Start = now.Add(-time.Duration(MaturityWeeks-i) * week)
	}

	var lexical, fz, sem, unknown int
	lexicalBy := make([]int, MaturityWeeks)
	unknownBy := make([]int, MaturityWeeks)
	for _, d := range decisions {
		if d == nil {
			continue
		}
		age := now.Sub(d.CreatedAt)
		if age < 0 {
			continue
		}
		isLexical := d.Status == match.StatusResolved && (d.Method == match.MethodIdentifier || d.Method == match.MethodExact)
		isUnknown := d.Status == match.StatusUnresolved
		if age < MaturityRecent {
			m.RecentDecisions++
			switch {
			case isLexical:
				lexical++
			case d.Status == match.StatusResolved && d.Method == match.MethodFuzzy:
				fz++
			}
			if isUnknown {
				unknown++
			}
			if hasSemanticCandidate(d) {
				sem++
			}
		}
		if b := weekBucket(age); b >= 0 {
			m.Weeks[b].Decisions++
			if isLexical {
				lexicalBy[b]++
			}
			if isUnknown {
				unknownBy[b]++
			}
		}
	}
	if n := float64(m.RecentDecisions); n > 0 {
		m.LexicalRate = float64(lexical) / n
		m.FuzzyRate = float64(fz) / n
		m.SemanticReliance = float64(sem) / n
		m.UnknownRate = float64(unknown) / n
	}
	for i := range m.Weeks {
		if n := float64(m.Weeks[i].Decisions); n > 0 {
			m.Weeks[i].LexicalRate = float64(lexicalBy[i]) / n
			m.Weeks[i].UnknownRate = float64(unknownBy[i]) / n
		}
	}

	for _, s := range synonyms {
		if s == nil || s.FirstSeen.IsZero() {
			continue
		}
		age := now.Sub(s.FirstSeen)
		if age < 0 {
			continue
		}
		if age < week {
			m.Added7d++
		}
		if age < 30*24*time.Hour {
			m.Added30d++
		}
		if age < 90*24*time.Hour {
			m.Added90d++
		}
		if b := weekBucket(age); b >= 0 {
			m.Weeks[b].NewSynonyms++
		}
	}
	return m
}

// weekBucket maps an age to a trend index, the newest week last, or -1 when
// it falls outside the trend.
func weekBucket(age time.Duration) int {
	back := int(age / week)
	if back >= MaturityWeeks {
		return -1
	}
	return MaturityWeeks - 1 - back
}

func hasSemanticCandidate(d *match.Decision) bool {
	for _, c := range d.Candidates {
		if c.Method == match.MethodSemantic {
			return true
		}
	}
	return false
}
