// Package match holds the value types shared by the resolution engine, the
// learning loop and the store: entities, synonyms, candidates, decisions and
// threshold sets.
package match

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Method identifies the strategy that produced a candidate.
type Method int

const (
	MethodIdentifier Method = iota + 1
	MethodExact
	MethodFuzzy
	MethodSemantic
)

// Methods lists every strategy in cascade order.
var Methods = []Method{MethodIdentifier, MethodExact, MethodFuzzy, MethodSemantic}

func (m Method) String() string {
	switch m {
	case MethodIdentifier:
		return "identifier"
	case MethodExact:
		return "exact"
	case MethodFuzzy:
		return "fuzzy"
	case MethodSemantic:
		return "semantic"
	default:
		return "unknown"
	}
}

// ParseMethod is the inverse of Method.String.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "identifier":
		return MethodIdentifier, nil
	case "exact":
		return MethodExact, nil
	case "fuzzy":
		return MethodFuzzy, nil
	case "semantic":
		return MethodSemantic, nil
	}
	return 0, fmt.Errorf("unknown match method %q", s)
}

// MarshalText encodes the method by name so JSON and YAML stay readable.
func (m Method) MarshalText() ([]byte, error) {
	if m < MethodIdentifier || m > MethodSemantic {
		return nil, fmt.Errorf("invalid match method %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Method) UnmarshalText(b []byte) error {
	parsed, err := ParseMethod(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Entity is a canonical chemical identity. Read-only to the resolver.
type Entity struct {
	ID             string `json:"id"`
	PreferredName  string `json:"preferred_name"`
	RegistryNumber string `json:"registry_number,omitempty"`
	StructureKey   string `json:"structure_key,omitempty"`
}

// Synonym maps one alternate text form to an entity. (Normalized, EntityID)
// is unique.
type Synonym struct {
	ID         int64     `json:"id"`
	Raw        string    `json:"raw"`
	Normalized string    `json:"normalized"`
	EntityID   string    `json:"entity_id"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	FirstSeen  time.Time `json:"first_seen"`
}

// Synonym sources.
const (
	SourcePreferred  = "preferred"
	SourceBootstrap  = "bootstrap"
	SourceValidation = "validation"
	SourceManual     = "manual"
)

// EmbeddingRecord is the stored vector for one synonym under one model.
type EmbeddingRecord struct {
	SynonymID int64
	Vector    []float32
	Model     string
}

// Candidate is one proposed entity for a query.
type Candidate struct {
	EntityID   string  `json:"entity_id"`
	Text       string  `json:"text"`
	Method     Method  `json:"method"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Penalized  bool    `json:"penalized,omitempty"`
}

// Status is the terminal state of a resolution.
type Status string

const (
	StatusResolved   Status = "resolved"
	StatusUnresolved Status = "unresolved"
)

// Decision reasons.
const (
	ReasonNoCandidate   = "no candidate above threshold"
	ReasonLowConfidence = "low confidence"
	ReasonDisagreement  = "disagreement"
	ReasonLowMargin     = "low margin"
	ReasonAmbiguous     = "ambiguous exact match"
	ReasonNormalization = "normalization failure"
)

// StrategyFailure records a strategy that could not contribute.
type StrategyFailure struct {
	Method Method `json:"method"`
	Error  string `json:"error"`
}

// Validation is the human outcome attached to a decision after review.
type Validation struct {
	EntityID    string    `json:"entity_id"`
	Correct     bool      `json:"correct"`
	ValidatedAt time.Time `json:"validated_at"`
}

// Decision is the auditable record of one resolution. Only Validation may
// change after creation.
type Decision struct {
	ID               string            `json:"id"`
	Query            string            `json:"query"`
	Normalized       string            `json:"normalized"`
	Status           Status            `json:"status"`
	EntityID         string            `json:"entity_id,omitempty"`
	Method           Method            `json:"method,omitempty"`
	Confidence       float64           `json:"confidence"`
	Candidates       []Candidate       `json:"candidates"`
	Attempted        []Method          `json:"attempted"`
	Failures         []StrategyFailure `json:"failures,omitempty"`
	Disagreement     bool              `json:"disagreement"`
	NeedsReview      bool              `json:"needs_review"`
	Reason           string            `json:"reason,omitempty"`
	ThresholdVersion int               `json:"threshold_version"`
	IndexGeneration  uint64            `json:"index_generation"`
	Latency          time.Duration     `json:"latency"`
	CreatedAt        time.Time         `json:"created_at"`
	Validation       *Validation       `json:"validation,omitempty"`
}

// Resolved reports whether the decision names an entity.
func (d *Decision) Resolved() bool {
	return d.Status == StatusResolved && d.EntityID != ""
}

// TopCandidates returns the best candidate per entity, highest confidence
// first, at most n (n <= 0 means all).
func (d *Decision) TopCandidates(n int) []Candidate {
	best := make(map[string]Candidate, len(d.Candidates))
	for _, c := range d.Candidates {
		if cur, ok := best[c.EntityID]; !ok || c.Confidence > cur.Confidence {
			best[c.EntityID] = c
		}
	}
	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	SortCandidates(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// SortCandidates orders by confidence descending; ties prefer semantic over
// fuzzy (the higher method wins) and then the lower entity id.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Confidence != cs[j].Confidence {
			return cs[i].Confidence > cs[j].Confidence
		}
		if cs[i].Method != cs[j].Method {
			return cs[i].Method > cs[j].Method
		}
		return cs[i].EntityID < cs[j].EntityID
	})
}
