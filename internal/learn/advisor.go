package learn

import (
	"fmt"
	"sort"
	"time"

	"github.com/hurttlocker/chemresolve/internal/match"
)

// Level is the advisor's recommendation.
type Level string

const (
	LevelNotNeeded   Level = "not_needed"
	LevelConsider    Level = "consider"
	LevelRecommended Level = "recommended"
)

// Trigger names.
const (
	TriggerValidatedVolume = "validated_volume"
	TriggerUnknownPlateau  = "unknown_rate_plateau"
	TriggerSemanticShare   = "semantic_share"
	TriggerBorderlineShare = "borderline_share"
)

// Advisor defaults.
const (
	DefaultValidatedVolume = 2000
	DefaultPlateauSlope    = -0.02
	DefaultPlateauPoints   = 4
	DefaultSemanticShare   = 0.30
	DefaultBorderlineShare = 0.20
	DefaultBorderlineWidth = 0.05
)

// AdvisorConfig holds the trigger thresholds.
type AdvisorConfig struct {
	ValidatedVolume int64   `yaml:"validated_volume" json:"validated_volume"`
	PlateauSlope    float64 `yaml:"plateau_slope" json:"plateau_slope"`
	PlateauPoints   int     `yaml:"plateau_points" json:"plateau_points"`
	SemanticShare   float64 `yaml:"semantic_share" json:"semantic_share"`
	BorderlineShare float64 `yaml:"borderline_share" json:"borderline_share"`
	BorderlineWidth float64 `yaml:"borderline_width" json:"borderline_width"`
}

// DefaultAdvisorConfig returns the built-in trigger thresholds.
func DefaultAdvisorConfig() AdvisorConfig {
	return AdvisorConfig{
		ValidatedVolume: DefaultValidatedVolume,
		PlateauSlope:    DefaultPlateauSlope,
		PlateauPoints:   DefaultPlateauPoints,
		SemanticShare:   DefaultSemanticShare,
		BorderlineShare: DefaultBorderlineShare,
		BorderlineWidth: DefaultBorderlineWidth,
	}
}

// WithDefaults fills zero fields. PlateauSlope is only replaced when zero, so
// a deliberately positive slope survives.
func (c AdvisorConfig) WithDefaults() AdvisorConfig {
	d := DefaultAdvisorConfig()
	if c.ValidatedVolume <= 0 {
		c.ValidatedVolume = d.ValidatedVolume
	}
	if c.PlateauSlope == 0 {
		c.PlateauSlope = d.PlateauSlope
	}
	if c.PlateauPoints < 2 {
		c.PlateauPoints = d.PlateauPoints
	}
	if c.SemanticShare <= 0 {
		c.SemanticShare = d.SemanticShare
	}
	if c.BorderlineShare <= 0 {
		c.BorderlineShare = d.BorderlineShare
	}
	if c.BorderlineWidth <= 0 {
		c.BorderlineWidth = d.BorderlineWidth
	}
	return c
}

// WindowStats are the aggregates the advisor reads.
type WindowStats struct {
	ValidatedSinceRetrain int64     `json:"validated_since_retrain"`
	UnknownRates          []float64 `json:"unknown_rates"` // one per sub-window, oldest first
	Total                 int       `json:"total"`
	Resolved              int       `json:"resolved"`
	SemanticResolved      int       `json:"semantic_resolved"`
	Borderline            int       `json:"borderline"`
}

// Trigger is one evaluated signal.
type Trigger struct {
	Name      string  `json:"name"`
	Fired     bool    `json:"fired"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Detail    string  `json:"detail"`
}

// Assessment is the advisor output.
type Assessment struct {
	Level    Level     `json:"level"`
	Fired    int       `json:"fired"`
	Triggers []Trigger `json:"triggers"`
}

// Assess combines the four triggers: zero fired is NotNeeded, one is
// Consider, two or more is Recommended. It has no side effects.
func Assess(cfg AdvisorConfig, ws WindowStats) Assessment {
	cfg = cfg.WithDefaults()

	volume := Trigger{
		Name:      TriggerValidatedVolume,
		Value:     float64(ws.ValidatedSinceRetrain),
		Threshold: float64(cfg.ValidatedVolume),
	}
	volume.Fired = ws.ValidatedSinceRetrain >= cfg.ValidatedVolume
	volume.Detail = fmt.Sprintf("%d validated since last retraining", ws.ValidatedSinceRetrain)

	plateau := Trigger{Name: TriggerUnknownPlateau, Threshold: cfg.PlateauSlope}
	if len(ws.UnknownRates) >= cfg.PlateauPoints {
		tail := ws.UnknownRates[len(ws.UnknownRates)-cfg.PlateauPoints:]
		plateau.Value = Slope(tail)
		plateau.Fired = plateau.Value > cfg.PlateauSlope
		plateau.Detail = fmt.Sprintf("unknown-rate slope %.4f over %d sub-windows", plateau.Value, len(tail))
	} else {
		plateau.Detail = fmt.Sprintf("need %d sub-windows, have %d", cfg.PlateauPoints, len(ws.UnknownRates))
	}

	semantic := Trigger{Name: TriggerSemanticShare, Threshold: cfg.SemanticShare}
	if ws.Resolved > 0 {
		semantic.Value = float64(ws.SemanticResolved) / float64(ws.Resolved)
	}
	semantic.Fired = semantic.Value > cfg.SemanticShare
	semantic.Detail = fmt.Sprintf("%d of %d resolved via semantic", ws.SemanticResolved, ws.Resolved)

	borderline := Trigger{Name: TriggerBorderlineShare, Threshold: cfg.BorderlineShare}
	if ws.Total > 0 {
		borderline.Value = float64(ws.Borderline) / float64(ws.Total)
	}
	borderline.Fired = borderline.Value > cfg.BorderlineShare
	borderline.Detail = fmt.Sprintf("%d of %d within %.2f below accept", ws.Borderline, ws.Total, cfg.BorderlineWidth)

	a := Assessment{Triggers: []Trigger{volume, plateau, semantic, borderline}}
	for _, t := range a.Triggers {
		if t.Fired {
			a.Fired++
		}
	}
	switch {
	case a.Fired == 0:
		a.Level = LevelNotNeeded
	case a.Fired == 1:
		a.Level = LevelConsider
	default:
		a.Level = LevelRecommended
	}
	return a
}

// Slope is the least-squares slope of ys against 0..n-1.
func Slope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}
	var sx, sy, sxy, sxx float64
	for i, y := range ys {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

// WindowStatsFrom aggregates a decision history into WindowStats. Decisions
// are split by creation time into cfg.PlateauPoints equal-count sub-windows
// for the unknown-rate series. Only validations at or after lastRetrain
// count toward volume. Borderline uses each decision's own strategy accept
// cutoff from thresholds.
func WindowStatsFrom(decisions []*match.Decision, lastRetrain time.Time, thresholds match.ThresholdSet, cfg AdvisorConfig) WindowStats {
	cfg = cfg.WithDefaults()

	sorted := make([]*match.Decision, 0, len(decisions))
	for _, d := range decisions {
		if d != nil {
			sorted = append(sorted, d)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	var ws WindowStats
	ws.Total = len(sorted)
	for _, d := range sorted {
		if d.Validation != nil && !d.Validation.ValidatedAt.Before(lastRetrain) {
			ws.ValidatedSinceRetrain++
		}
		if d.Status == match.StatusResolved {
			ws.Resolved++
			if d.Method == match.MethodSemantic {
				ws.SemanticResolved++
			}
		}
		if d.Method == match.MethodFuzzy || d.Method == match.MethodSemantic {
			accept := thresholds.For(d.Method).Accept
			if d.Confidence >= accept-cfg.BorderlineWidth && d.Confidence < accept {
				ws.Borderline++
			}
		}
	}

	if len(sorted) >= cfg.PlateauPoints {
		size := len(sorted) / cfg.PlateauPoints
		for w := 0; w < cfg.PlateauPoints; w++ {
			start := w * size
			end := start + size
			if w == cfg.PlateauPoints-1 {
				end = len(sorted)
			}
			unknown := 0
			for _, d := range sorted[start:end] {
				if d.Status == match.StatusUnresolved {
					unknown++
				}
			}
			ws.UnknownRates = append(ws.UnknownRates, float64(unknown)/float64(end-start))
		}
	}
	return ws
}
