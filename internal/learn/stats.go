package learn

import (
	"github.com/hurttlocker/chemresolve/internal/match"
)

// ConfidenceBin counts decisions with Lower <= confidence < Upper (the last
// bin includes 1.0).
type ConfidenceBin struct {
	Label string  `json:"label"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// Statistics summarizes a decision window for operators deciding whether to
// calibrate.
type Statistics struct {
	Total              int                `json:"total"`
	Validated          int                `json:"validated"`
	ValidationRate     float64            `json:"validation_rate"`
	Unresolved         int                `json:"unresolved"`
	UnknownRate        float64            `json:"unknown_rate"`
	NeedsReview        int                `json:"needs_review"`
	ByMethod           map[string]int     `json:"by_method"`
	DisagreementRate   map[string]float64 `json:"disagreement_rate"`
	ValidatedPrecision map[string]float64 `json:"validated_precision,omitempty"`
	Bins               []ConfidenceBin    `json:"confidence_bins"`
	Maturity           *Maturity          `json:"maturity,omitempty"`
}

var binEdges = []struct {
	label        string
	lower, upper float64
}{
	{"0.00-0.50", 0, 0.5},
	{"0.50-0.70", 0.5, 0.7},
	{"0.70-0.80", 0.7, 0.8},
	{"0.80-0.90", 0.8, 0.9},
	{"0.90-0.95", 0.9, 0.95},
	{"0.95-1.00", 0.95, 1.0},
}

// Stats computes Statistics over decisions. Decisions without a method count
// under "none".
func Stats(decisions []*match.Decision) Statistics {
	st := Statistics{
		ByMethod:           make(map[string]int),
		DisagreementRate:   make(map[string]float64),
		ValidatedPrecision: make(map[string]float64),
		Bins:               make([]ConfidenceBin, len(binEdges)),
	}
	for i, b := range binEdges {
		st.Bins[i] = ConfidenceBin{Label: b.label, Lower: b.lower, Upper: b.upper}
	}

	disagreements := make(map[string]int)
	validatedBy := make(map[string]int)
	correctBy := make(map[string]int)
	for _, d := range decisions {
		if d == nil {
			continue
		}
		st.Total++
		key := methodKey(d.Method)
		st.ByMethod[key]++
		if d.Disagreement {
			disagreements[key]++
		}
		if d.Status == match.StatusUnresolved {
			st.Unresolved++
		}
		if d.NeedsReview {
			st.NeedsReview++
		}
		if d.Validation != nil {
			st.Validated++
			validatedBy[key]++
			if predictionCorrect(d) {
				correctBy[key]++
			}
		}
		st.Bins[binFor(d.Confidence)].Count++
	}

	if st.Total > 0 {
		st.ValidationRate = float64(st.Validated) / float64(st.Total)
		st.UnknownRate = float64(st.Unresolved) / float64(st.Total)
	}
	for key, n := range st.ByMethod {
		st.DisagreementRate[key] = float64(disagreements[key]) / float64(n)
	}
	for key, n := range validatedBy {
		st.ValidatedPrecision[key] = float64(correctBy[key]) / float64(n)
	}
	return st
}

func methodKey(m match.Method) string {
	if m == 0 {
		return "none"
	}
	return m.String()
}

func binFor(conf float64) int {
	for i, b := range binEdges {
		if conf < b.upper {
			return i
		}
	}
	return len(binEdges) - 1
}
