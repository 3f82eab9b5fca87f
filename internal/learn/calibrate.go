// Package learn holds the off-line half of the resolver: threshold
// calibration from validated decisions, the retraining advisor, and variant
// clustering of unresolved queries for review.
package learn

import (
	"fmt"
	"sort"
	"time"

	"github.com/hurttlocker/chemresolve/internal/match"
)

// Calibration defaults.
const (
	DefaultTargetPrecision = 0.98
	DefaultReviewPrecision = 0.50
	DefaultMinSamples      = 100
	DefaultMinPerStrategy  = 20
)

// CalibrationOptions tune the calibrator.
type CalibrationOptions struct {
	TargetPrecision float64 `yaml:"target_precision" json:"target_precision"`
	ReviewPrecision float64 `yaml:"review_precision" json:"review_precision"`
	MinSamples      int     `yaml:"min_samples" json:"min_samples"`
	MinPerStrategy  int     `yaml:"min_per_strategy" json:"min_per_strategy"`
}

// DefaultCalibrationOptions returns the built-in calibration settings.
func DefaultCalibrationOptions() CalibrationOptions {
	return CalibrationOptions{
		TargetPrecision: DefaultTargetPrecision,
		ReviewPrecision: DefaultReviewPrecision,
		MinSamples:      DefaultMinSamples,
		MinPerStrategy:  DefaultMinPerStrategy,
	}
}

// WithDefaults fills zero or out-of-range fields.
func (o CalibrationOptions) WithDefaults() CalibrationOptions {
	d := DefaultCalibrationOptions()
	if o.TargetPrecision <= 0 || o.TargetPrecision > 1 {
		o.TargetPrecision = d.TargetPrecision
	}
	if o.ReviewPrecision <= 0 || o.ReviewPrecision > 1 {
		o.ReviewPrecision = d.ReviewPrecision
	}
	if o.MinSamples <= 0 {
		o.MinSamples = d.MinSamples
	}
	if o.MinPerStrategy <= 0 {
		o.MinPerStrategy = d.MinPerStrategy
	}
	return o
}

// Calibrator recomputes per-strategy cutoffs from validated decisions.
type Calibrator struct {
	opts CalibrationOptions
	now  func() time.Time
}

// NewCalibrator returns a calibrator; zero option fields take defaults.
func NewCalibrator(opts CalibrationOptions) *Calibrator {
	return &Calibrator{opts: opts.WithDefaults(), now: time.Now}
}

// Options returns the effective options.
func (c *Calibrator) Options() CalibrationOptions { return c.opts }

type sample struct {
	confidence float64
	correct    bool
}

// Calibrate derives a new ThresholdSet from the validated decisions in the
// window. target <= 0 uses the configured target precision. The result is
// prev with recomputed fuzzy and semantic cutoffs and Version prev+1; a
// strategy with fewer than MinPerStrategy samples keeps its previous cutoffs.
// Fewer than MinSamples validated decisions is ErrInsufficientCalibrationData.
func (c *Calibrator) Calibrate(decisions []*match.Decision, target float64, prev match.ThresholdSet) (match.ThresholdSet, error) {
	if target <= 0 {
		target = c.opts.TargetPrecision
	}
	if target > 1 {
		return match.ThresholdSet{}, fmt.Errorf("target precision %.3f out of range", target)
	}

	byMethod := make(map[match.Method][]sample)
	validated := 0
	for _, d := range decisions {
		if d == nil || d.Validation == nil {
			continue
		}
		validated++
		if d.Method != match.MethodFuzzy && d.Method != match.MethodSemantic {
			continue
		}
		byMethod[d.Method] = append(byMethod[d.Method], sample{
			confidence: d.Confidence,
			correct:    predictionCorrect(d),
		})
	}
	if validated < c.opts.MinSamples {
		return match.ThresholdSet{}, fmt.Errorf("%d validated decisions, need %d: %w",
			validated, c.opts.MinSamples, match.ErrInsufficientCalibrationData)
	}

	out := prev.Clone()
	if out.Cutoffs == nil {
		out.Cutoffs = make(map[match.Method]match.Cutoffs)
	}
	out.Cutoffs[match.MethodIdentifier] = match.Cutoffs{Accept: 1.0, Reject: 1.0}
	out.Cutoffs[match.MethodExact] = match.Cutoffs{Accept: 1.0, Reject: 1.0}
	for _, m := range []match.Method{match.MethodFuzzy, match.MethodSemantic} {
		samples := byMethod[m]
		if len(samples) < c.opts.MinPerStrategy {
			out.Cutoffs[m] = prev.For(m)
			continue
		}
		accept := cutoffFor(samples, target)
		reject := min(cutoffFor(samples, c.opts.ReviewPrecision), accept)
		out.Cutoffs[m] = match.Cutoffs{Accept: accept, Reject: reject}
	}
	out.Version = prev.Version + 1
	out.Source = "calibration"
	out.CreatedAt = c.now().UTC()

	if err := out.Validate(); err != nil {
		return match.ThresholdSet{}, fmt.Errorf("calibrated thresholds invalid: %w", err)
	}
	return out, nil
}

// predictionCorrect compares what the decision proposed (its entity, or the
// best candidate when unresolved) with the human answer.
func predictionCorrect(d *match.Decision) bool {
	v := d.Validation
	if v.EntityID == "" {
		return v.Correct
	}
	predicted := d.EntityID
	if predicted == "" && len(d.Candidates) > 0 {
		predicted = d.TopCandidates(1)[0].EntityID
	}
	return predicted == v.EntityID
}

// cutoffFor walks samples from the most to the least confident, one tie group
// at a time, and returns the lowest confidence reached before cumulative
// precision first drops below target. If the first group already misses the
// target the cutoff is 1.0.
func cutoffFor(samples []sample, target float64) float64 {
	sorted := append([]sample(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].confidence > sorted[j].confidence })

	cutoff := 1.0
	correct, total := 0, 0
	for i := 0; i < len(sorted); {
		j := i
		conf := sorted[i].confidence
		for j < len(sorted) && sorted[j].confidence == conf {
			if sorted[j].correct {
				correct++
			}
			total++
			j++
		}
		if float64(correct)/float64(total) < target {
			break
		}
		cutoff = conf
		i = j
	}
	return cutoff
}
