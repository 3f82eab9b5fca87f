package match

import (
	"fmt"
	"time"
)

// Cutoffs are one strategy's operating points. Confidence >= Accept resolves
// without review; confidence < Reject leaves the query unresolved; anything
// in between resolves with the review flag set.
type Cutoffs struct {
	Accept float64 `json:"accept" yaml:"accept"`
	Reject float64 `json:"reject" yaml:"reject"`
}

// ThresholdSet is a versioned group of cutoffs. Exactly one set is active at
// a time and every decision records the version it was made under.
//
// MarginThreshold is the second gate on auto-accept: when the best entity
// leads the runner-up by less than this, the decision goes to review even
// above the accept cutoff. Zero disables it.
type ThresholdSet struct {
	Version               int                `json:"version"`
	Cutoffs               map[Method]Cutoffs `json:"cutoffs"`
	DisagreementPenalty   float64            `json:"disagreement_penalty"`
	DisagreementThreshold float64            `json:"disagreement_threshold"`
	MarginThreshold       float64            `json:"margin_threshold"`
	Source                string             `json:"source"`
	CreatedAt             time.Time          `json:"created_at"`
}

// Default operating points.
const (
	DefaultAutoAccept            = 0.93
	DefaultReject                = 0.75
	DefaultDisagreementPenalty   = 0.10
	DefaultDisagreementThreshold = 0.15
	DefaultMarginThreshold       = 0.05
)

// DefaultThresholds returns version 1 with the built-in cutoffs.
func DefaultThresholds() ThresholdSet {
	return ThresholdSet{
		Version: 1,
		Cutoffs: map[Method]Cutoffs{
			MethodIdentifier: {Accept: 1.0, Reject: 1.0},
			MethodExact:      {Accept: 1.0, Reject: 1.0},
			MethodFuzzy:      {Accept: DefaultAutoAccept, Reject: DefaultReject},
			MethodSemantic:   {Accept: DefaultAutoAccept, Reject: DefaultReject},
		},
		DisagreementPenalty:   DefaultDisagreementPenalty,
		DisagreementThreshold: DefaultDisagreementThreshold,
		MarginThreshold:       DefaultMarginThreshold,
		Source:                "default",
	}
}

// For returns the cutoffs of a strategy, falling back to the defaults.
func (t ThresholdSet) For(m Method) Cutoffs {
	if c, ok := t.Cutoffs[m]; ok {
		return c
	}
	return DefaultThresholds().Cutoffs[m]
}

// Clone returns a deep copy.
func (t ThresholdSet) Clone() ThresholdSet {
	out := t
	out.Cutoffs = make(map[Method]Cutoffs, len(t.Cutoffs))
	for m, c := range t.Cutoffs {
		out.Cutoffs[m] = c
	}
	return out
}

// Validate checks every cutoff is a probability and Reject <= Accept.
func (t ThresholdSet) Validate() error {
	for m, c := range t.Cutoffs {
		if c.Accept < 0 || c.Accept > 1 || c.Reject < 0 || c.Reject > 1 {
			return fmt.Errorf("%s cutoffs out of range: accept=%.3f reject=%.3f", m, c.Accept, c.Reject)
		}
		if c.Reject > c.Accept {
			return fmt.Errorf("%s reject %.3f above accept %.3f", m, c.Reject, c.Accept)
		}
	}
	if t.DisagreementPenalty < 0 || t.DisagreementPenalty > 1 {
		return fmt.Errorf("disagreement penalty out of range: %.3f", t.DisagreementPenalty)
	}
	if t.DisagreementThreshold < 0 || t.DisagreementThreshold > 1 {
		return fmt.Errorf("disagreement threshold out of range: %.3f", t.DisagreementThreshold)
	}
	if t.MarginThreshold < 0 || t.MarginThreshold > 1 {
		return fmt.Errorf("margin threshold out of range: %.3f", t.MarginThreshold)
	}
	return nil
}
