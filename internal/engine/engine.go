// Package engine is the resolution service: it owns the in-memory corpus
// (exact tables, fuzzy neighborhoods, semantic index), runs the matching
// cascade, folds validated corrections back in, and drives calibration,
// retraining assessment and clustering over the decision log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hurttlocker/chemresolve/internal/embed"
	"github.com/hurttlocker/chemresolve/internal/learn"
	"github.com/hurttlocker/chemresolve/internal/match"
	"github.com/hurttlocker/chemresolve/internal/normalize"
	"github.com/hurttlocker/chemresolve/internal/snapshot"
	"github.com/hurttlocker/chemresolve/internal/store"
)

const tracerName = "chemresolve.engine"

// Defaults for Options.
const (
	DefaultLatencyBudget = 2 * time.Second
	DefaultBatchWorkers  = 8
	DefaultCandidateK    = 5
	DefaultFuzzyMinScore = 0.5
	DefaultBackfillBatch = 64
)

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// IDSource supplies decision ids.
type IDSource interface {
	NewID() string
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type uuidSource struct{}

func (uuidSource) NewID() string { return uuid.NewString() }

// Options configure an Engine. Zero fields take defaults.
type Options struct {
	// Thresholds seeds the active set until the first calibration. Once a
	// calibrated set is active in the store it always wins.
	Thresholds *match.ThresholdSet

	Calibration learn.CalibrationOptions
	Advisor     learn.AdvisorConfig
	ClusterTopK int

	LatencyBudget time.Duration
	BatchWorkers  int
	CandidateK    int
	FuzzyMinScore float64
	BackfillBatch int

	// IndexPath, when set, is where the semantic index is persisted on Close
	// and loaded from on Open (verified against the store before use).
	IndexPath string
	// Catalog, when set, backs Snapshot and Restore.
	Catalog *snapshot.Catalog

	Clock  Clock
	IDs    IDSource
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.LatencyBudget <= 0 {
		o.LatencyBudget = DefaultLatencyBudget
	}
	if o.BatchWorkers <= 0 {
		o.BatchWorkers = DefaultBatchWorkers
	}
	if o.CandidateK <= 0 {
		o.CandidateK = DefaultCandidateK
	}
	if o.FuzzyMinScore <= 0 {
		o.FuzzyMinScore = DefaultFuzzyMinScore
	}
	if o.BackfillBatch <= 0 {
		o.BackfillBatch = DefaultBackfillBatch
	}
	if o.ClusterTopK <= 0 {
		o.ClusterTopK = learn.DefaultSuggestionTopK
	}
	o.Calibration = o.Calibration.WithDefaults()
	o.Advisor = o.Advisor.WithDefaults()
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.IDs == nil {
		o.IDs = uuidSource{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Engine resolves queries against a corpus loaded from the store. It is safe
// for concurrent use. Close does not close the store or the embedder.
type Engine struct {
	store    store.Store
	embedder embed.Embedder
	model    string
	opts     Options
	logger   *slog.Logger

	// mu is the corpus lock. Resolutions hold it shared while their
	// strategies run; ingestion holds it exclusively for one append; rebuilds
	// and restores hold it exclusively only for the pointer swap.
	mu           sync.RWMutex
	corpus       *corpus
	generation   uint64
	inconsistent error

	// writeMu orders store writes with the corpus changes that mirror them,
	// so membership checks never see one without the other.
	writeMu sync.Mutex

	thMu       sync.RWMutex
	thresholds match.ThresholdSet

	calibrator *learn.Calibrator
	clusterer  *learn.Clusterer

	// failAppend injects index append failures in tests.
	failAppend func(synonymID int64) error
	// beforeSearch runs inside the fuzzy and semantic strategies, under
	// their failure isolation; tests use it to make one panic or stall.
	beforeSearch func(m match.Method)

	closeOnce sync.Once
}

// Open loads thresholds and the corpus from st and returns a ready engine.
func Open(ctx context.Context, st store.Store, embedder embed.Embedder, opts Options) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	opts = opts.withDefaults()

	e := &Engine{
		store:      st,
		embedder:   embedder,
		model:      embed.ModelOf(embedder),
		opts:       opts,
		logger:     opts.Logger.With("component", "engine"),
		calibrator: learn.NewCalibrator(opts.Calibration),
	}
	e.clusterer = learn.NewClusterer(e, opts.ClusterTopK, e.logger)

	if err := e.checkNormalizationVersion(ctx); err != nil {
		return nil, err
	}
	if err := e.loadThresholds(ctx); err != nil {
		return nil, err
	}
	if err := e.checkModel(ctx); err != nil {
		return nil, err
	}

	c, err := e.buildCorpus(ctx, e.opts.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("loading corpus: %w", err)
	}
	e.mu.Lock()
	e.corpus = c
	e.generation = 1
	e.mu.Unlock()
	indexedVectors.Set(float64(c.sem.Len()))
	indexInconsistent.Set(0)

	e.logger.Info("engine ready",
		"synonyms", c.synonymCount(),
		"vectors", c.sem.Len(),
		"model", e.model,
		"threshold_version", e.Thresholds().Version,
	)
	return e, nil
}

// Close persists the semantic index when IndexPath is set.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.opts.IndexPath == "" {
			return
		}
		e.mu.RLock()
		sem := e.corpus.sem
		broken := e.inconsistent
		e.mu.RUnlock()
		if broken != nil {
			e.logger.Warn("not persisting inconsistent index", "error", broken)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err = sem.SaveFile(ctx, e.opts.IndexPath); err != nil {
			err = fmt.Errorf("persisting semantic index: %w", err)
		}
	})
	return err
}

// Model returns the embedding model tag in use.
func (e *Engine) Model() string { return e.model }

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Thresholds returns a copy of the active threshold set.
func (e *Engine) Thresholds() match.ThresholdSet {
	e.thMu.RLock()
	defer e.thMu.RUnlock()
	return e.thresholds.Clone()
}

// SetThresholds validates, persists and activates t.
func (e *Engine) SetThresholds(ctx context.Context, t match.ThresholdSet) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = e.opts.Clock.Now().UTC()
	}
	if err := e.store.SaveThresholdSet(ctx, &t); err != nil {
		return fmt.Errorf("saving threshold set v%d: %w", t.Version, err)
	}
	e.thMu.Lock()
	e.thresholds = t.Clone()
	e.thMu.Unlock()
	thresholdVersion.Set(float64(t.Version))
	e.logger.Info("threshold set activated", "version", t.Version, "source", t.Source)
	return nil
}

// Generation is the corpus generation; it grows with every append or swap.
func (e *Engine) Generation() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation
}

// Inconsistent returns the pending index inconsistency, or nil.
func (e *Engine) Inconsistent() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inconsistent
}

func (e *Engine) checkNormalizationVersion(ctx context.Context) error {
	v, err := e.store.GetMeta(ctx, store.MetaNormalizationVersion)
	if errors.Is(err, match.ErrNotFound) {
		return e.store.SetMeta(ctx, store.MetaNormalizationVersion, strconv.Itoa(normalize.Version))
	}
	if err != nil {
		return fmt.Errorf("reading normalization version: %w", err)
	}
	if v != strconv.Itoa(normalize.Version) {
		return fmt.Errorf("store synonyms were normalized with version %s, resolver uses %d", v, normalize.Version)
	}
	return nil
}

// checkModel records the embedding model on first use. A different model
// later is allowed: vectors are stored per model, and missing ones are
// backfilled when the corpus loads.
func (e *Engine) checkModel(ctx context.Context) error {
	prev, err := e.store.GetMeta(ctx, store.MetaEmbeddingModel)
	if err != nil && !errors.Is(err, match.ErrNotFound) {
		return fmt.Errorf("reading embedding model: %w", err)
	}
	if prev != "" && prev != e.model {
		e.logger.Warn("embedding model changed; vectors will be backfilled", "previous", prev, "current", e.model)
	}
	if prev != e.model {
		if err := e.store.SetMeta(ctx, store.MetaEmbeddingModel, e.model); err != nil {
			return fmt.Errorf("recording embedding model: %w", err)
		}
	}
	if dims := e.embedder.Dimensions(); dims > 0 {
		if err := e.store.SetMeta(ctx, store.MetaEmbeddingDimensions, strconv.Itoa(dims)); err != nil {
			return fmt.Errorf("recording embedding dimensions: %w", err)
		}
	}
	return nil
}

func (e *Engine) loadThresholds(ctx context.Context) error {
	active, err := e.store.ActiveThresholdSet(ctx)
	if err != nil && !errors.Is(err, match.ErrNotFound) {
		return fmt.Errorf("loading thresholds: %w", err)
	}

	if seed := e.opts.Thresholds; seed != nil && (active == nil || active.Source != "calibration") {
		next := seed.Clone()
		next.Version = 1
		if active != nil {
			next.Version = active.Version + 1
		}
		if active == nil || !sameCutoffs(*active, next) {
			return e.SetThresholds(ctx, next)
		}
	}
	if active == nil {
		return e.SetThresholds(ctx, match.DefaultThresholds())
	}

	e.thMu.Lock()
	e.thresholds = active.Clone()
	e.thMu.Unlock()
	thresholdVersion.Set(float64(active.Version))
	return nil
}

func sameCutoffs(a, b match.ThresholdSet) bool {
	if a.DisagreementPenalty != b.DisagreementPenalty || a.DisagreementThreshold != b.DisagreementThreshold ||
		a.MarginThreshold != b.MarginThreshold {
		return false
	}
	for _, m := range match.Methods {
		if a.For(m) != b.For(m) {
			return false
		}
	}
	return true
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
