package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hurttlocker/chemresolve/internal/ann"
	"github.com/hurttlocker/chemresolve/internal/fuzzy"
	"github.com/hurttlocker/chemresolve/internal/match"
	"github.com/hurttlocker/chemresolve/internal/normalize"
)

// embedBudgetShare is the part of the latency budget the query embedding may
// use.
const embedBudgetShare = 0.75

// Resolve maps one free-text query to an entity. It never fails: strategy
// errors are recorded on the decision and persistence errors are logged.
func (e *Engine) Resolve(ctx context.Context, query string) *match.Decision {
	began := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine.Resolve",
		oteltrace.WithAttributes(attribute.Int("query.length", len(query))),
	)
	defer span.End()

	th := e.Thresholds()
	d := &match.Decision{
		ID:               e.opts.IDs.NewID(),
		Query:            query,
		ThresholdVersion: th.Version,
		CreatedAt:        e.opts.Clock.Now().UTC(),
	}

	budget, cancel := context.WithTimeout(ctx, e.opts.LatencyBudget)
	defer cancel()
	e.cascade(budget, d, th)
	d.Latency = time.Since(began)

	if err := e.store.AddDecision(ctx, d); err != nil {
		e.logger.Error("persisting decision", "id", d.ID, "error", err)
		span.RecordError(err)
	}
	observeDecision(d)

	span.SetAttributes(
		attribute.String("decision.status", string(d.Status)),
		attribute.String("decision.method", methodName(d.Method)),
		attribute.Float64("decision.confidence", d.Confidence),
		attribute.Bool("decision.needs_review", d.NeedsReview),
		attribute.Int64("index.generation", int64(d.IndexGeneration)),
	)
	if len(d.Failures) > 0 {
		span.SetStatus(codes.Error, "strategy unavailable")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return d
}

// ResolveBatch resolves every query independently on a bounded pool of
// workers. Output order matches input order.
func (e *Engine) ResolveBatch(ctx context.Context, queries []string) []*match.Decision {
	out := make([]*match.Decision, len(queries))
	g := new(errgroup.Group)
	g.SetLimit(e.opts.BatchWorkers)
	for i, q := range queries {
		g.Go(func() error {
			out[i] = e.Resolve(ctx, q)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) cascade(ctx context.Context, d *match.Decision, th match.ThresholdSet) {
	d.Normalized = normalize.Normalize(d.Query)
	if d.Normalized == "" {
		d.Status = match.StatusUnresolved
		d.NeedsReview = true
		d.Reason = match.ReasonNormalization
		e.logger.Debug("query rejected", "id", d.ID, "error", match.ErrNormalizationFailure)
		return
	}

	e.mu.RLock()
	gen := e.generation
	done := e.lexical(e.corpus, d)
	e.mu.RUnlock()
	if done {
		d.IndexGeneration = gen
		return
	}

	// The embedding call is the slow part and runs without the corpus lock.
	// It gets part of the budget so scoring always has time left.
	embedCtx, cancel := context.WithTimeout(ctx, time.Duration(float64(e.opts.LatencyBudget)*embedBudgetShare))
	qvec, embErr := runBounded(embedCtx, func() ([]float32, error) {
		return e.embedder.Embed(embedCtx, d.Normalized)
	})
	cancel()

	e.mu.RLock()
	defer e.mu.RUnlock()
	c := e.corpus
	if e.generation != gen {
		// An ingest or swap landed while embedding; the lexical steps must see
		// the same generation as the scored ones.
		d.Attempted = d.Attempted[:0]
		if e.lexical(c, d) {
			d.IndexGeneration = e.generation
			return
		}
	}
	d.IndexGeneration = e.generation
	d.Attempted = append(d.Attempted, match.MethodFuzzy, match.MethodSemantic)

	var (
		fzMatches  []fuzzy.Match
		semResults []ann.Result
		fzErr      error
		semErr     = embErr
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		fzMatches, fzErr = runBounded(ctx, func() ([]fuzzy.Match, error) {
			if e.beforeSearch != nil {
				e.beforeSearch(match.MethodFuzzy)
			}
			return c.fuzzy.Search(d.Normalized, e.opts.CandidateK, e.opts.FuzzyMinScore), nil
		})
		return nil
	})
	if embErr == nil {
		g.Go(func() error {
			semResults, semErr = runBounded(ctx, func() ([]ann.Result, error) {
				if e.beforeSearch != nil {
					e.beforeSearch(match.MethodSemantic)
				}
				res, _, err := c.sem.Search(qvec, e.opts.CandidateK*3)
				return res, err
			})
			return nil
		})
	}
	_ = g.Wait()

	if fzErr != nil {
		e.strategyFailed(d, match.MethodFuzzy, fzErr)
	}
	if semErr != nil {
		e.strategyFailed(d, match.MethodSemantic, semErr)
	}

	fz := fuzzyCandidates(fzMatches)
	sem := semanticCandidates(c, semResults, e.opts.CandidateK)
	if disagree(fz, sem, th.DisagreementThreshold) {
		d.Disagreement = true
		for i := range fz {
			fz[i].Confidence = max(fz[i].Confidence-th.DisagreementPenalty, 0)
			fz[i].Penalized = true
		}
	}

	all := append(fz, sem...)
	match.SortCandidates(all)
	d.Candidates = all
	selectWinner(d, th)
}

// lexical runs the identifier and exact steps and reports whether either was
// terminal. Caller holds the corpus read lock.
func (e *Engine) lexical(c *corpus, d *match.Decision) bool {
	id, ok := normalize.DetectIdentifier(d.Query)
	if !ok {
		if cas, found := normalize.ExtractCAS(d.Query); found {
			id, ok = normalize.Identifier{Kind: normalize.RegistryNumber, Value: cas}, true
		}
	}
	if ok {
		d.Attempted = append(d.Attempted, match.MethodIdentifier)
		if entityID, hit := c.exact.LookupIdentifier(id); hit {
			d.Candidates = []match.Candidate{{
				EntityID:   entityID,
				Text:       id.Value,
				Method:     match.MethodIdentifier,
				Score:      1,
				Confidence: 1,
			}}
			resolveAs(d, entityID, match.MethodIdentifier, 1)
			return true
		}
	}

	d.Attempted = append(d.Attempted, match.MethodExact)
	hits := c.exact.Lookup(d.Normalized)
	if len(hits) == 0 {
		return false
	}
	d.Candidates = make([]match.Candidate, len(hits))
	for i, h := range hits {
		d.Candidates[i] = match.Candidate{
			EntityID:   h.EntityID,
			Text:       d.Normalized,
			Method:     match.MethodExact,
			Score:      1,
			Confidence: 1,
		}
	}
	resolveAs(d, hits[0].EntityID, match.MethodExact, 1)
	if len(hits) > 1 {
		d.NeedsReview = true
		d.Reason = match.ReasonAmbiguous
		e.logger.Warn("exact match names several entities",
			"query", d.Normalized,
			"entities", len(hits),
			"chosen", hits[0].EntityID,
			"error", match.ErrAmbiguousExactMatch,
		)
	}
	return true
}

func (e *Engine) strategyFailed(d *match.Decision, m match.Method, err error) {
	err = fmt.Errorf("%s: %w: %w", m, match.ErrStrategyUnavailable, err)
	d.Failures = append(d.Failures, match.StrategyFailure{Method: m, Error: err.Error()})
	e.logger.Warn("strategy unavailable", "id", d.ID, "method", m.String(), "error", err)
}

func resolveAs(d *match.Decision, entityID string, m match.Method, confidence float64) {
	d.Status = match.StatusResolved
	d.EntityID = entityID
	d.Method = m
	d.Confidence = confidence
}

func fuzzyCandidates(ms []fuzzy.Match) []match.Candidate {
	out := make([]match.Candidate, 0, len(ms))
	for _, m := range ms {
		out = append(out, match.Candidate{
			EntityID:   m.EntityID,
			Text:       m.Text,
			Method:     match.MethodFuzzy,
			Score:      m.Score,
			Confidence: fuzzy.Confidence(m.Score),
		})
	}
	match.SortCandidates(out)
	return out
}

// semanticCandidates keeps the best hit per entity, at most k. Caller holds
// the corpus read lock.
func semanticCandidates(c *corpus, rs []ann.Result, k int) []match.Candidate {
	seen := make(map[string]bool, len(rs))
	out := make([]match.Candidate, 0, k)
	for _, r := range rs {
		ref, ok := c.synonyms[r.Ref]
		if !ok || seen[ref.entityID] {
			continue
		}
		seen[ref.entityID] = true
		sim := min(max(float64(r.Similarity), 0), 1)
		out = append(out, match.Candidate{
			EntityID:   ref.entityID,
			Text:       ref.text,
			Method:     match.MethodSemantic,
			Score:      sim,
			Confidence: sim,
		})
		if len(out) == k {
			break
		}
	}
	match.SortCandidates(out)
	return out
}

// disagree reports whether fuzzy and semantic favour different entities by
// more than threshold. Both lists are sorted best first; an entity missing
// from the other list scores 0 there.
func disagree(fz, sem []match.Candidate, threshold float64) bool {
	if len(fz) == 0 || len(sem) == 0 {
		return false
	}
	fTop, sTop := fz[0], sem[0]
	if fTop.EntityID == sTop.EntityID {
		return false
	}
	gap := max(
		fTop.Confidence-confidenceFor(sem, fTop.EntityID),
		sTop.Confidence-confidenceFor(fz, sTop.EntityID),
	)
	return gap > threshold
}

func confidenceFor(cs []match.Candidate, entityID string) float64 {
	for _, c := range cs {
		if c.EntityID == entityID {
			return c.Confidence
		}
	}
	return 0
}

// selectWinner applies the winning strategy's cutoffs to the best candidate.
// Above the accept cutoff a second gate applies: the best entity must lead
// the runner-up entity by at least the margin threshold.
func selectWinner(d *match.Decision, th match.ThresholdSet) {
	if len(d.Candidates) == 0 {
		d.Status = match.StatusUnresolved
		d.NeedsReview = true
		d.Reason = match.ReasonNoCandidate
		return
	}
	best := d.Candidates[0]
	cut := th.For(best.Method)
	d.Method = best.Method
	d.Confidence = best.Confidence

	switch {
	case best.Confidence < cut.Reject:
		d.Status = match.StatusUnresolved
		d.NeedsReview = true
		d.Reason = match.ReasonNoCandidate
	case best.Confidence < cut.Accept:
		d.Status = match.StatusResolved
		d.EntityID = best.EntityID
		d.NeedsReview = true
		d.Reason = match.ReasonLowConfidence
		if d.Disagreement {
			d.Reason = match.ReasonDisagreement
		}
	default:
		d.Status = match.StatusResolved
		d.EntityID = best.EntityID
		switch {
		case d.Disagreement:
			d.NeedsReview = true
			d.Reason = match.ReasonDisagreement
		case entityMargin(d) < th.MarginThreshold:
			d.NeedsReview = true
			d.Reason = match.ReasonLowMargin
		}
	}
}

// entityMargin is the confidence lead of the best entity over the next
// distinct one, or 1 when only one entity is in play.
func entityMargin(d *match.Decision) float64 {
	top := d.TopCandidates(2)
	if len(top) < 2 {
		return 1
	}
	return top[0].Confidence - top[1].Confidence
}

// runBounded runs fn on its own goroutine and gives up when ctx is done. A
// panic in fn comes back as an error. fn keeps running after a timeout, so it
// must only touch state guarded by its own locks.
func runBounded[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("panic: %v", p)
			}
			ch <- r
		}()
		r.v, r.err = fn()
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		select {
		case r := <-ch:
			return r.v, r.err
		default:
		}
		var zero T
		return zero, ctx.Err()
	}
}

func methodName(m match.Method) string {
	if m == 0 {
		return "none"
	}
	return m.String()
}
