package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/hurttlocker/chemresolve/internal/ann"
	"github.com/hurttlocker/chemresolve/internal/match"
	"github.com/hurttlocker/chemresolve/internal/normalize"
)

// IngestStatus is the outcome of one ingestion.
type IngestStatus string

const (
	IngestInserted  IngestStatus = "inserted"
	IngestDuplicate IngestStatus = "duplicate"
	IngestRejected  IngestStatus = "rejected"
)

// IngestResult describes what Ingest did with one synonym.
type IngestResult struct {
	Status     IngestStatus `json:"status"`
	SynonymID  int64        `json:"synonym_id,omitempty"`
	Normalized string       `json:"normalized"`
	Reason     string       `json:"reason,omitempty"`
}

// IngestItem is one row of a bulk ingest.
type IngestItem struct {
	Raw        string  `json:"raw" yaml:"raw"`
	EntityID   string  `json:"entity_id" yaml:"entity_id"`
	Confidence float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Source     string  `json:"source,omitempty" yaml:"source,omitempty"`
}

// IngestSummary totals a bulk ingest.
type IngestSummary struct {
	Added      int            `json:"added"`
	Duplicates int            `json:"duplicates"`
	Rejected   int            `json:"rejected"`
	Results    []IngestResult `json:"results"`
	Errors     []string       `json:"errors,omitempty"`
}

// Ingest adds raw as a synonym of entityID. The synonym and its vector are
// written to the store in one transaction, then appended to every index in
// one exclusive step.
//
// A failed index append leaves the store ahead of the indexes: the result is
// still Inserted, the error wraps match.ErrIndexInconsistency, and every
// later Ingest is rejected until Repair.
func (e *Engine) Ingest(ctx context.Context, raw, entityID string, confidence float64, source string) (IngestResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine.Ingest",
		oteltrace.WithAttributes(
			attribute.String("entity.id", entityID),
			attribute.String("synonym.source", source),
		),
	)
	defer span.End()

	res, err := e.ingest(ctx, raw, entityID, confidence, source)
	ingestTotal.WithLabelValues(string(res.Status)).Inc()
	span.SetAttributes(attribute.String("ingest.status", string(res.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return res, err
}

func (e *Engine) ingest(ctx context.Context, raw, entityID string, confidence float64, source string) (IngestResult, error) {
	if err := e.Inconsistent(); err != nil {
		return IngestResult{Status: IngestRejected, Reason: "index inconsistent"}, fmt.Errorf("ingest halted: %w", err)
	}

	res := IngestResult{Normalized: normalize.Normalize(raw)}
	if res.Normalized == "" {
		res.Status = IngestRejected
		res.Reason = match.ReasonNormalization
		return res, nil
	}
	if confidence <= 0 || confidence > 1 {
		confidence = 1
	}
	if source == "" {
		source = match.SourceManual
	}

	if _, err := e.store.GetEntity(ctx, entityID); err != nil {
		res.Status = IngestRejected
		if errors.Is(err, match.ErrNotFound) {
			res.Reason = "unknown entity"
			return res, nil
		}
		res.Reason = "entity lookup failed"
		return res, err
	}

	existing, err := e.store.SynonymsByNormalized(ctx, res.Normalized)
	if err != nil {
		res.Status = IngestRejected
		res.Reason = "dedup check failed"
		return res, err
	}
	for _, s := range existing {
		if s.EntityID == entityID {
			res.Status = IngestDuplicate
			res.SynonymID = s.ID
			return res, nil
		}
	}

	vec, err := e.embedder.Embed(ctx, res.Normalized)
	if err != nil {
		res.Status = IngestRejected
		res.Reason = "embedding failed"
		return res, fmt.Errorf("embedding %q: %w", res.Normalized, err)
	}
	if err := e.checkDims(vec); err != nil {
		res.Status = IngestRejected
		res.Reason = "embedding dimensions"
		return res, err
	}

	syn := &match.Synonym{
		Raw:        raw,
		Normalized: res.Normalized,
		EntityID:   entityID,
		Source:     source,
		Confidence: confidence,
		FirstSeen:  e.opts.Clock.Now().UTC(),
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	created, err := e.store.AddSynonymWithEmbedding(ctx, syn, vec, e.model)
	if err != nil {
		res.Status = IngestRejected
		res.Reason = "store write failed"
		return res, err
	}
	res.SynonymID = syn.ID
	if !created {
		res.Status = IngestDuplicate
		return res, nil
	}

	res.Status = IngestInserted
	if err := e.appendSynonym(syn, vec); err != nil {
		return res, err
	}
	e.logger.Debug("synonym ingested", "id", syn.ID, "normalized", syn.Normalized, "entity", entityID, "source", source)
	return res, nil
}

// checkDims rejects vectors the semantic index would refuse, before anything
// is written.
func (e *Engine) checkDims(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("embedder returned an empty vector")
	}
	e.mu.RLock()
	dims := e.corpus.sem.Dims()
	e.mu.RUnlock()
	if dims != 0 && len(vec) != dims {
		return fmt.Errorf("%w: got %d, index has %d", ann.ErrDimensionMismatch, len(vec), dims)
	}
	return nil
}

// appendSynonym adds a stored synonym to the in-memory corpus under the
// write lock. On failure the engine is marked inconsistent.
func (e *Engine) appendSynonym(syn *match.Synonym, vec []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.inconsistent
	if err == nil && e.failAppend != nil {
		err = e.failAppend(syn.ID)
	}
	if err == nil {
		_, err = e.corpus.sem.Insert(syn.ID, vec)
	}
	if err != nil {
		e.inconsistent = fmt.Errorf("appending synonym %d: %w: %w", syn.ID, match.ErrIndexInconsistency, err)
		indexInconsistent.Set(1)
		e.logger.Error("index append failed; ingestion halted until repair", "synonym", syn.ID, "error", err)
		return e.inconsistent
	}
	e.corpus.addLexical(syn)
	e.generation++
	indexedVectors.Set(float64(e.corpus.sem.Len()))
	return nil
}

// IngestBatch ingests items one by one and totals the outcomes. Errors are
// collected per item; an index inconsistency rejects the rest.
func (e *Engine) IngestBatch(ctx context.Context, items []IngestItem) (IngestSummary, error) {
	sum := IngestSummary{Results: make([]IngestResult, 0, len(items))}
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := e.Ingest(ctx, it.Raw, it.EntityID, it.Confidence, it.Source)
		sum.Results = append(sum.Results, res)
		switch res.Status {
		case IngestInserted:
			sum.Added++
		case IngestDuplicate:
			sum.Duplicates++
		default:
			sum.Rejected++
		}
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("item %d (%q): %v", i, it.Raw, err))
		}
	}
	e.logger.Info("bulk ingest complete",
		"added", sum.Added,
		"duplicates", sum.Duplicates,
		"rejected", sum.Rejected,
	)
	return sum, nil
}

// IngestValidation folds a reviewer's answer back in: the decision's query
// becomes a validated synonym of entityID, and the validation is recorded
// on the decision. A decision is validated at most once.
func (e *Engine) IngestValidation(ctx context.Context, decisionID, entityID string) (IngestResult, error) {
	d, err := e.store.GetDecision(ctx, decisionID)
	if err != nil {
		return IngestResult{Status: IngestRejected, Reason: "unknown decision"}, err
	}
	if d.Validation != nil {
		return IngestResult{Status: IngestRejected, Reason: "already validated"},
			fmt.Errorf("decision %s: %w", decisionID, match.ErrAlreadyValidated)
	}
	res, err := e.Ingest(ctx, d.Query, entityID, 1.0, match.SourceValidation)
	if res.Status == IngestRejected {
		if err == nil {
			err = fmt.Errorf("validation for %s rejected: %s", decisionID, res.Reason)
		}
		return res, err
	}

	v := match.Validation{
		EntityID:    entityID,
		Correct:     d.EntityID == entityID,
		ValidatedAt: e.opts.Clock.Now().UTC(),
	}
	if verr := e.store.AttachValidation(ctx, decisionID, v); verr != nil {
		return res, errors.Join(err, verr)
	}
	return res, err
}

// AddEntity stores a canonical entity, registers its identifiers and ingests
// its preferred name.
func (e *Engine) AddEntity(ctx context.Context, ent *match.Entity) (IngestResult, error) {
	if ent == nil || ent.ID == "" {
		return IngestResult{Status: IngestRejected, Reason: "entity id is required"}, fmt.Errorf("entity id is required")
	}
	if err := e.storeEntity(ctx, ent); err != nil {
		return IngestResult{Status: IngestRejected, Reason: "store write failed"}, err
	}

	if ent.PreferredName == "" {
		return IngestResult{Status: IngestRejected, Reason: match.ReasonNormalization}, nil
	}
	return e.Ingest(ctx, ent.PreferredName, ent.ID, 1.0, match.SourcePreferred)
}

func (e *Engine) storeEntity(ctx context.Context, ent *match.Entity) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.store.AddEntity(ctx, ent); err != nil {
		return err
	}
	e.mu.Lock()
	e.corpus.addEntity(ent)
	e.generation++
	e.mu.Unlock()
	return nil
}
