package config

import (
	"fmt"
	"time"

	"github.com/hurttlocker/chemresolve/internal/learn"
	"github.com/hurttlocker/chemresolve/internal/match"
)

// Engine defaults.
const (
	DefaultLatencyBudget = 2 * time.Second
	DefaultBatchWorkers  = 8
)

// ThresholdSettings seed the first ThresholdSet. Once calibration has run,
// the store's active set wins over these.
type ThresholdSettings struct {
	AutoAccept            float64 `yaml:"auto_accept" json:"auto_accept"`
	Reject                float64 `yaml:"reject" json:"reject"`
	DisagreementPenalty   float64 `yaml:"disagreement_penalty" json:"disagreement_penalty"`
	DisagreementThreshold float64 `yaml:"disagreement_threshold" json:"disagreement_threshold"`
	MarginThreshold       float64 `yaml:"margin_threshold" json:"margin_threshold"`
}

type ClusterSettings struct {
	Similarity float64 `yaml:"similarity" json:"similarity"`
	TopK       int     `yaml:"top_k" json:"top_k"`
}

type EngineSettings struct {
	LatencyBudget time.Duration `yaml:"latency_budget" json:"latency_budget"`
	BatchWorkers  int           `yaml:"batch_workers" json:"batch_workers"`
}

// Settings are the typed tuning knobs of the resolver and learning loop.
type Settings struct {
	Thresholds  ThresholdSettings        `yaml:"thresholds" json:"thresholds"`
	Calibration learn.CalibrationOptions `yaml:"calibration" json:"calibration"`
	Retraining  learn.AdvisorConfig      `yaml:"retraining" json:"retraining"`
	Clustering  ClusterSettings          `yaml:"clustering" json:"clustering"`
	Engine      EngineSettings           `yaml:"engine" json:"engine"`
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() Settings {
	return Settings{
		Thresholds: ThresholdSettings{
			AutoAccept:            match.DefaultAutoAccept,
			Reject:                match.DefaultReject,
			DisagreementPenalty:   match.DefaultDisagreementPenalty,
			DisagreementThreshold: match.DefaultDisagreementThreshold,
			MarginThreshold:       match.DefaultMarginThreshold,
		},
		Calibration: learn.DefaultCalibrationOptions(),
		Retraining:  learn.DefaultAdvisorConfig(),
		Clustering: ClusterSettings{
			Similarity: learn.DefaultClusterSimilarity,
			TopK:       learn.DefaultSuggestionTopK,
		},
		Engine: EngineSettings{
			LatencyBudget: DefaultLatencyBudget,
			BatchWorkers:  DefaultBatchWorkers,
		},
	}
}

// withDefaults fills fields a partial config file left at zero.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Thresholds.AutoAccept == 0 {
		s.Thresholds.AutoAccept = d.Thresholds.AutoAccept
	}
	if s.Thresholds.Reject == 0 {
		s.Thresholds.Reject = d.Thresholds.Reject
	}
	if s.Thresholds.DisagreementPenalty == 0 {
		s.Thresholds.DisagreementPenalty = d.Thresholds.DisagreementPenalty
	}
	if s.Thresholds.DisagreementThreshold == 0 {
		s.Thresholds.DisagreementThreshold = d.Thresholds.DisagreementThreshold
	}
	if s.Thresholds.MarginThreshold == 0 {
		s.Thresholds.MarginThreshold = d.Thresholds.MarginThreshold
	}
	s.Retraining = s.Retraining.WithDefaults()
	s.Calibration = s.Calibration.WithDefaults()
	if s.Clustering.Similarity == 0 {
		s.Clustering.Similarity = d.Clustering.Similarity
	}
	if s.Clustering.TopK == 0 {
		s.Clustering.TopK = d.Clustering.TopK
	}
	if s.Engine.LatencyBudget == 0 {
		s.Engine.LatencyBudget = d.Engine.LatencyBudget
	}
	if s.Engine.BatchWorkers == 0 {
		s.Engine.BatchWorkers = d.Engine.BatchWorkers
	}
	return s
}

// Validate rejects settings the engine cannot run with.
func (s Settings) Validate() error {
	if err := s.ThresholdSet().Validate(); err != nil {
		return err
	}
	if s.Clustering.Similarity <= 0 || s.Clustering.Similarity > 1 {
		return fmt.Errorf("cluster similarity out of range: %.3f", s.Clustering.Similarity)
	}
	if s.Engine.LatencyBudget <= 0 {
		return fmt.Errorf("latency budget must be positive")
	}
	if s.Engine.BatchWorkers <= 0 {
		return fmt.Errorf("batch workers must be positive")
	}
	return nil
}

// ThresholdSet converts the threshold settings into the set that seeds the
// engine until the first calibration.
func (s Settings) ThresholdSet() match.ThresholdSet {
	t := match.DefaultThresholds()
	for _, m := range []match.Method{match.MethodFuzzy, match.MethodSemantic} {
		t.Cutoffs[m] = match.Cutoffs{Accept: s.Thresholds.AutoAccept, Reject: s.Thresholds.Reject}
	}
	t.DisagreementPenalty = s.Thresholds.DisagreementPenalty
	t.DisagreementThreshold = s.Thresholds.DisagreementThreshold
	t.MarginThreshold = s.Thresholds.MarginThreshold
	t.Source = "config"
	return t
}
