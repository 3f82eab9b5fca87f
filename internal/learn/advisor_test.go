package learn

import (
	"math"
	"testing"
	"time"

	"github.com/hurttlocker/chemresolve/internal/match"
)

func TestAssess_Levels(t *testing.T) {
	quiet := WindowStats{
		ValidatedSinceRetrain: 100,
		UnknownRates:          []float64{0.4, 0.3, 0.2, 0.1},
		Total:                 100,
		Resolved:              80,
		SemanticResolved:      10,
		Borderline:            5,
	}

	tests := []struct {
		name   string
		mutate func(ws *WindowStats)
		want   Level
		fired  int
	}{
		{"nothing fires", func(ws *WindowStats) {}, LevelNotNeeded, 0},
		{"volume only", func(ws *WindowStats) { ws.ValidatedSinceRetrain = 2000 }, LevelConsider, 1},
		{"plateau only", func(ws *WindowStats) { ws.UnknownRates = []float64{0.2, 0.21, 0.2, 0.2} }, LevelConsider, 1},
		{"semantic and borderline", func(ws *WindowStats) { ws.SemanticResolved = 30; ws.Borderline = 25 }, LevelRecommended, 2},
		{"all four", func(ws *WindowStats) {
			ws.ValidatedSinceRetrain = 5000
			ws.UnknownRates = []float64{0.1, 0.1, 0.1, 0.1}
			ws.SemanticResolved = 50
			ws.Borderline = 40
		}, LevelRecommended, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := quiet
			ws.UnknownRates = append([]float64(nil), quiet.UnknownRates...)
			tt.mutate(&ws)
			a := Assess(DefaultAdvisorConfig(), ws)
			if a.Level != tt.want || a.Fired != tt.fired {
				t.Errorf("Assess = %s (%d fired), want %s (%d)", a.Level, a.Fired, tt.want, tt.fired)
			}
			if len(a.Triggers) != 4 {
				t.Errorf("expected 4 triggers reported, got %d", len(a.Triggers))
			}
		})
	}
}

func TestAssess_PlateauNeedsEnoughPoints(t *testing.T) {
	a := Assess(AdvisorConfig{}, WindowStats{UnknownRates: []float64{0.3, 0.3}})
	for _, tr := range a.Triggers {
		if tr.Name == TriggerUnknownPlateau && tr.Fired {
			t.Error("plateau should not fire with two sub-windows")
		}
	}
}

func TestAssess_SemanticShareIsStrict(t *testing.T) {
	a := Assess(AdvisorConfig{}, WindowStats{Resolved: 10, SemanticResolved: 3})
	if a.Level != LevelNotNeeded {
		t.Errorf("share exactly 0.30 should not fire, got %s", a.Level)
	}
}

func TestSlope(t *testing.T) {
	if s := Slope([]float64{0.4, 0.3, 0.2, 0.1}); math.Abs(s+0.1) > 1e-9 {
		t.Errorf("Slope = %v, want -0.1", s)
	}
	if s := Slope([]float64{0.2, 0.2, 0.2}); math.Abs(s) > 1e-12 {
		t.Errorf("flat slope = %v", s)
	}
	if s := Slope([]float64{1}); s != 0 {
		t.Errorf("single point slope = %v", s)
	}
}

func TestWindowStatsFrom(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	retrained := base.Add(30 * time.Minute)
	th := match.DefaultThresholds()

	var ds []*match.Decision
	for i := 0; i < 8; i++ {
		d := &match.Decision{
			ID:         string(rune('a' + i)),
			Status:     match.StatusResolved,
			EntityID:   "E1",
			Method:     match.MethodFuzzy,
			Confidence: 0.95,
			CreatedAt:  base.Add(time.Duration(i) * 10 * time.Minute),
		}
		if i < 4 && i%2 == 0 {
			d.Status = match.StatusUnresolved
			d.EntityID = ""
		}
		if i == 5 {
			d.Method = match.MethodSemantic
			d.Confidence = 0.90 // inside [0.88, 0.93)
		}
		if i >= 2 {
			d.Validation = &match.Validation{EntityID: "E1", Correct: true, ValidatedAt: d.CreatedAt.Add(5 * time.Minute)}
		}
		ds = append(ds, d)
	}
	// Shuffle order; aggregation sorts by creation time.
	ds[0], ds[7] = ds[7], ds[0]

	ws := WindowStatsFrom(ds, retrained, th, AdvisorConfig{})
	if ws.Total != 8 {
		t.Errorf("Total = %d", ws.Total)
	}
	if ws.Resolved != 6 || ws.SemanticResolved != 1 {
		t.Errorf("Resolved=%d SemanticResolved=%d", ws.Resolved, ws.SemanticResolved)
	}
	if ws.Borderline != 1 {
		t.Errorf("Borderline = %d, want 1", ws.Borderline)
	}
	// Validations at minutes 25,35,...,75; those at or after 30 count.
	if ws.ValidatedSinceRetrain != 5 {
		t.Errorf("ValidatedSinceRetrain = %d, want 5", ws.ValidatedSinceRetrain)
	}
	want := []float64{0.5, 0.5, 0, 0}
	if len(ws.UnknownRates) != len(want) {
		t.Fatalf("UnknownRates = %v", ws.UnknownRates)
	}
	for i := range want {
		if ws.UnknownRates[i] != want[i] {
			t.Errorf("UnknownRates = %v, want %v", ws.UnknownRates, want)
			break
		}
	}
}
