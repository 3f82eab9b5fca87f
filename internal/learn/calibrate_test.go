package learn

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hurttlocker/chemresolve/internal/match"
)

func validated(i int, m match.Method, conf float64, correct bool) *match.Decision {
	truth := "E1"
	if !correct {
		truth = "E9"
	}
	return &match.Decision{
		ID:         fmt.Sprintf("d-%04d", i),
		Status:     match.StatusResolved,
		EntityID:   "E1",
		Method:     m,
		Confidence: conf,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		Validation: &match.Validation{EntityID: truth, Correct: correct},
	}
}

// fuzzyWindow builds 60 correct at 0.95, 40 at 0.85 with one miss, and 20 at
// 0.75 with half wrong.
func fuzzyWindow() []*match.Decision {
	var ds []*match.Decision
	i := 0
	add := func(n int, conf float64, wrong int) {
		for k := 0; k < n; k++ {
			ds = append(ds, validated(i, match.MethodFuzzy, conf, k >= wrong))
			i++
		}
	}
	add(60, 0.95, 0)
	add(40, 0.85, 1)
	add(20, 0.75, 10)
	return ds
}

func TestCalibrate_InsufficientData(t *testing.T) {
	var ds []*match.Decision
	for i := 0; i < 50; i++ {
		ds = append(ds, validated(i, match.MethodFuzzy, 0.9, true))
	}
	// Unvalidated decisions never count toward the minimum.
	for i := 50; i < 200; i++ {
		ds = append(ds, &match.Decision{ID: fmt.Sprintf("u-%d", i), Method: match.MethodFuzzy, Confidence: 0.9})
	}

	_, err := NewCalibrator(CalibrationOptions{}).Calibrate(ds, 0.98, match.DefaultThresholds())
	if !errors.Is(err, match.ErrInsufficientCalibrationData) {
		t.Fatalf("expected ErrInsufficientCalibrationData, got %v", err)
	}
}

func TestCalibrate_FindsPrecisionCutoff(t *testing.T) {
	prev := match.DefaultThresholds()
	got, err := NewCalibrator(CalibrationOptions{}).Calibrate(fuzzyWindow(), 0.98, prev)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	fz := got.For(match.MethodFuzzy)
	if fz.Accept != 0.85 {
		t.Errorf("fuzzy accept = %.2f, want 0.85", fz.Accept)
	}
	if fz.Reject != 0.75 {
		t.Errorf("fuzzy reject = %.2f, want 0.75", fz.Reject)
	}
	if got.Version != prev.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, prev.Version+1)
	}
	if got.Source != "calibration" {
		t.Errorf("source = %q", got.Source)
	}
	// No semantic samples: previous cutoffs carry over.
	if got.For(match.MethodSemantic) != prev.For(match.MethodSemantic) {
		t.Errorf("semantic cutoffs changed without samples: %+v", got.For(match.MethodSemantic))
	}
	for _, m := range []match.Method{match.MethodIdentifier, match.MethodExact} {
		if c := got.For(m); c.Accept != 1.0 || c.Reject != 1.0 {
			t.Errorf("%s cutoffs = %+v, want 1.0/1.0", m, c)
		}
	}
	// prev is untouched.
	if prev.For(match.MethodFuzzy).Accept != match.DefaultAutoAccept {
		t.Error("Calibrate mutated the previous threshold set")
	}
}

func TestCalibrate_TargetDefaultsFromOptions(t *testing.T) {
	c := NewCalibrator(CalibrationOptions{TargetPrecision: 0.90})
	got, err := c.Calibrate(fuzzyWindow(), 0, match.DefaultThresholds())
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	// 109/120 = 0.908 still meets 0.90, so the cutoff reaches the last group.
	if a := got.For(match.MethodFuzzy).Accept; a != 0.75 {
		t.Errorf("accept = %.2f, want 0.75", a)
	}
}

func TestCalibrate_SparseStrategyKeepsPrevious(t *testing.T) {
	var ds []*match.Decision
	for i := 0; i < 100; i++ {
		ds = append(ds, validated(i, match.MethodExact, 1.0, true))
	}
	for i := 100; i < 110; i++ {
		ds = append(ds, validated(i, match.MethodFuzzy, 0.5, false))
	}
	prev := match.DefaultThresholds()
	prev.Cutoffs[match.MethodFuzzy] = match.Cutoffs{Accept: 0.91, Reject: 0.7}

	got, err := NewCalibrator(CalibrationOptions{MinPerStrategy: 20}).Calibrate(ds, 0.98, prev)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if c := got.For(match.MethodFuzzy); c.Accept != 0.91 || c.Reject != 0.7 {
		t.Errorf("fuzzy cutoffs = %+v, want previous 0.91/0.7", c)
	}
}

func TestCutoffFor(t *testing.T) {
	tests := []struct {
		name    string
		samples []sample
		target  float64
		want    float64
	}{
		{
			name:    "first group fails",
			samples: []sample{{0.9, false}, {0.9, true}, {0.8, true}},
			target:  0.98,
			want:    1.0,
		},
		{
			name:    "all pass",
			samples: []sample{{0.9, true}, {0.8, true}, {0.7, true}},
			target:  0.98,
			want:    0.7,
		},
		{
			name:    "tie group evaluated as one",
			samples: []sample{{0.95, true}, {0.95, true}, {0.9, true}, {0.9, false}, {0.9, true}},
			target:  0.8,
			want:    0.9,
		},
		{
			name:    "drop in the middle",
			samples: []sample{{0.99, true}, {0.97, true}, {0.96, false}, {0.5, true}},
			target:  0.9,
			want:    0.97,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cutoffFor(tt.samples, tt.target); got != tt.want {
				t.Errorf("cutoffFor = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestPredictionCorrect_UnresolvedUsesTopCandidate(t *testing.T) {
	d := &match.Decision{
		Status: match.StatusUnresolved,
		Candidates: []match.Candidate{
			{EntityID: "E2", Method: match.MethodFuzzy, Confidence: 0.6},
			{EntityID: "E5", Method: match.MethodSemantic, Confidence: 0.7},
		},
		Validation: &match.Validation{EntityID: "E5"},
	}
	if !predictionCorrect(d) {
		t.Error("best candidate E5 matches the validation")
	}
	d.Validation.EntityID = "E2"
	if predictionCorrect(d) {
		t.Error("E2 was not the best candidate")
	}
}

func TestStats(t *testing.T) {
	ds := fuzzyWindow()[:10]
	ds = append(ds,
		&match.Decision{ID: "u1", Status: match.StatusUnresolved, NeedsReview: true, Confidence: 0.3},
		&match.Decision{ID: "s1", Status: match.StatusResolved, Method: match.MethodSemantic, Confidence: 0.91, Disagreement: true, NeedsReview: true},
	)

	st := Stats(ds)
	if st.Total != 12 || st.Validated != 10 || st.Unresolved != 1 || st.NeedsReview != 2 {
		t.Fatalf("unexpected counts: %+v", st)
	}
	if st.ByMethod["fuzzy"] != 10 || st.ByMethod["semantic"] != 1 || st.ByMethod["none"] != 1 {
		t.Errorf("ByMethod = %v", st.ByMethod)
	}
	if st.DisagreementRate["semantic"] != 1 || st.DisagreementRate["fuzzy"] != 0 {
		t.Errorf("DisagreementRate = %v", st.DisagreementRate)
	}
	if st.ValidatedPrecision["fuzzy"] != 1 {
		t.Errorf("ValidatedPrecision = %v", st.ValidatedPrecision)
	}
	counts := map[string]int{}
	for _, b := range st.Bins {
		counts[b.Label] = b.Count
	}
	if counts["0.95-1.00"] != 10 || counts["0.90-0.95"] != 1 || counts["0.00-0.50"] != 1 {
		t.Errorf("bins = %v", counts)
	}
}
