package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/hurttlocker/chemresolve/internal/learn"
	"github.com/hurttlocker/chemresolve/internal/match"
	"github.com/hurttlocker/chemresolve/internal/store"
)

// Calibrate recomputes the thresholds from validated decisions made within
// window (0 means all history) and activates the result.
func (e *Engine) Calibrate(ctx context.Context, window time.Duration) (match.ThresholdSet, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine.Calibrate",
		oteltrace.WithAttributes(attribute.String("window", window.String())),
	)
	defer span.End()

	decisions, err := e.store.ListDecisions(ctx, store.DecisionFilter{
		Since:         e.windowStart(window),
		ValidatedOnly: true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing decisions")
		return match.ThresholdSet{}, fmt.Errorf("listing validated decisions: %w", err)
	}
	span.SetAttributes(attribute.Int("decisions.validated", len(decisions)))

	prev := e.Thresholds()
	next, err := e.calibrator.Calibrate(decisions, 0, prev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "calibration failed")
		return match.ThresholdSet{}, err
	}
	next.CreatedAt = e.opts.Clock.Now().UTC()
	if err := e.SetThresholds(ctx, next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activating thresholds")
		return match.ThresholdSet{}, err
	}

	for _, m := range []match.Method{match.MethodFuzzy, match.MethodSemantic} {
		before, after := prev.For(m), next.For(m)
		e.logger.Info("calibrated cutoffs",
			"method", m.String(),
			"accept", after.Accept,
			"reject", after.Reject,
			"previous_accept", before.Accept,
			"previous_reject", before.Reject,
		)
	}
	span.SetAttributes(attribute.Int("thresholds.version", next.Version))
	span.SetStatus(codes.Ok, "")
	return next, nil
}

// AssessRetraining evaluates the retraining triggers over decisions made
// within window (0 means all history).
func (e *Engine) AssessRetraining(ctx context.Context, window time.Duration) (learn.Assessment, learn.WindowStats, error) {
	decisions, err := e.store.ListDecisions(ctx, store.DecisionFilter{Since: e.windowStart(window)})
	if err != nil {
		return learn.Assessment{}, learn.WindowStats{}, fmt.Errorf("listing decisions: %w", err)
	}
	last, err := e.LastRetrained(ctx)
	if err != nil {
		return learn.Assessment{}, learn.WindowStats{}, err
	}

	ws := learn.WindowStatsFrom(decisions, last, e.Thresholds(), e.opts.Advisor)
	a := learn.Assess(e.opts.Advisor, ws)
	e.logger.Info("retraining assessed", "level", string(a.Level), "fired", a.Fired, "decisions", ws.Total)
	return a, ws, nil
}

// LastRetrained returns when MarkRetrained was last called, or the zero time.
func (e *Engine) LastRetrained(ctx context.Context) (time.Time, error) {
	v, err := e.store.GetMeta(ctx, store.MetaLastRetrainedAt)
	if errors.Is(err, match.ErrNotFound) || (err == nil && v == "") {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading last retraining time: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing last retraining time %q: %w", v, err)
	}
	return t, nil
}

// MarkRetrained records that the embedding model was retrained now, which
// resets the validated-volume trigger.
func (e *Engine) MarkRetrained(ctx context.Context) error {
	now := e.opts.Clock.Now().UTC()
	if err := e.store.SetMeta(ctx, store.MetaLastRetrainedAt, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("recording retraining time: %w", err)
	}
	return nil
}

// ClusterUnresolved groups query variants for review. With no texts it
// clusters the queries of every decision still flagged for review.
func (e *Engine) ClusterUnresolved(ctx context.Context, texts []string, threshold float64) ([]learn.Cluster, error) {
	if len(texts) == 0 {
		review := true
		decisions, err := e.store.ListDecisions(ctx, store.DecisionFilter{NeedsReview: &review})
		if err != nil {
			return nil, fmt.Errorf("listing review queue: %w", err)
		}
		for _, d := range decisions {
			if d.Validation == nil {
				texts = append(texts, d.Query)
			}
		}
	}
	return e.clusterer.Cluster(ctx, texts, threshold)
}

// Suggest proposes entities for a normalized text: every exact match, then
// the nearest semantic neighbours, best per entity.
func (e *Engine) Suggest(ctx context.Context, normalized string, k int) ([]learn.Suggestion, error) {
	if k <= 0 {
		k = e.opts.ClusterTopK
	}
	vec, embErr := runBounded(ctx, func() ([]float32, error) {
		return e.embedder.Embed(ctx, normalized)
	})

	e.mu.RLock()
	defer e.mu.RUnlock()
	c := e.corpus

	seen := make(map[string]bool)
	var out []learn.Suggestion
	for _, h := range c.exact.Lookup(normalized) {
		seen[h.EntityID] = true
		out = append(out, learn.Suggestion{
			EntityID:   h.EntityID,
			Name:       c.entities[h.EntityID],
			Similarity: 1,
			Method:     match.MethodExact,
		})
	}
	if embErr != nil {
		if len(out) > k {
			out = out[:k]
		}
		return out, fmt.Errorf("semantic suggestions: %w: %w", match.ErrStrategyUnavailable, embErr)
	}

	results, _, err := c.sem.Search(vec, k*3)
	if err != nil {
		return out, fmt.Errorf("semantic suggestions: %w", err)
	}
	for _, r := range results {
		if len(out) >= k {
			break
		}
		ref, ok := c.synonyms[r.Ref]
		if !ok || seen[ref.entityID] {
			continue
		}
		seen[ref.entityID] = true
		out = append(out, learn.Suggestion{
			EntityID:   ref.entityID,
			Name:       c.entities[ref.entityID],
			Similarity: min(max(float64(r.Similarity), 0), 1),
			Method:     match.MethodSemantic,
		})
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Statistics summarises decisions made within window (0 means all history)
// and measures corpus maturity over the fixed trend window.
func (e *Engine) Statistics(ctx context.Context, window time.Duration) (learn.Statistics, error) {
	decisions, err := e.store.ListDecisions(ctx, store.DecisionFilter{Since: e.windowStart(window)})
	if err != nil {
		return learn.Statistics{}, fmt.Errorf("listing decisions: %w", err)
	}
	st := learn.Stats(decisions)

	now := e.opts.Clock.Now().UTC()
	trendStart := now.Add(-learn.MaturityWeeks * 7 * 24 * time.Hour)
	recent := decisions
	if window > 0 && e.windowStart(window).After(trendStart) {
		if recent, err = e.store.ListDecisions(ctx, store.DecisionFilter{Since: trendStart}); err != nil {
			return st, fmt.Errorf("listing recent decisions: %w", err)
		}
	}
	synonyms, err := e.store.ListSynonyms(ctx)
	if err != nil {
		return st, fmt.Errorf("listing synonyms: %w", err)
	}
	entities, err := e.store.ListEntities(ctx)
	if err != nil {
		return st, fmt.Errorf("listing entities: %w", err)
	}
	m := learn.CorpusMaturity(recent, synonyms, len(entities), now)
	st.Maturity = &m
	return st, nil
}

func (e *Engine) windowStart(window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return e.opts.Clock.Now().UTC().Add(-window)
}
