package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hurttlocker/chemresolve/internal/match"
)

// AddDecision appends a decision to the log. Decisions are immutable apart
// from their validation; re-adding an existing id is an error.
func (s *SQLiteStore) AddDecision(ctx context.Context, d *match.Decision) error {
	if d.ID == "" {
		return fmt.Errorf("decision id is required")
	}
	candidates, err := json.Marshal(d.Candidates)
	if err != nil {
		return fmt.Errorf("encoding candidates: %w", err)
	}
	attempted, err := json.Marshal(d.Attempted)
	if err != nil {
		return fmt.Errorf("encoding attempted methods: %w", err)
	}
	var failures sql.NullString
	if len(d.Failures) > 0 {
		b, err := json.Marshal(d.Failures)
		if err != nil {
			return fmt.Errorf("encoding failures: %w", err)
		}
		failures = sql.NullString{String: string(b), Valid: true}
	}
	var method sql.NullString
	if d.Method != 0 {
		method = sql.NullString{String: d.Method.String(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, query, normalized, status, entity_id, method, confidence,
			candidates, attempted, failures, disagreement, needs_review, reason,
			threshold_version, index_generation, latency_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Query, d.Normalized, string(d.Status), nullString(d.EntityID), method, d.Confidence,
		string(candidates), string(attempted), failures, boolInt(d.Disagreement), boolInt(d.NeedsReview),
		nullString(d.Reason), d.ThresholdVersion, int64(d.IndexGeneration), int64(d.Latency),
		formatTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing decision %s: %w", d.ID, err)
	}
	return nil
}

// AttachValidation records the human outcome for a decision. Validations are
// write-once: a decision that already has one returns
// match.ErrAlreadyValidated and keeps it.
func (s *SQLiteStore) AttachValidation(ctx context.Context, id string, v match.Validation) error {
	if v.ValidatedAt.IsZero() {
		v.ValidatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET validated_entity = ?, validated_correct = ?, validated_at = ?
		 WHERE id = ? AND validated_at IS NULL`,
		nullString(v.EntityID), boolInt(v.Correct), formatTime(v.ValidatedAt), id,
	)
	if err != nil {
		return fmt.Errorf("validating decision %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("validating decision %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("validating decision %s: %w", id, err)
	}
	if exists == 0 {
		return fmt.Errorf("decision %s: %w", id, match.ErrNotFound)
	}
	return fmt.Errorf("decision %s: %w", id, match.ErrAlreadyValidated)
}

const decisionColumns = `id, query, normalized, status, entity_id, method, confidence,
	candidates, attempted, failures, disagreement, needs_review, reason,
	threshold_version, index_generation, latency_ns, created_at,
	validated_entity, validated_correct, validated_at`

// GetDecision returns one decision or match.ErrNotFound.
func (s *SQLiteStore) GetDecision(ctx context.Context, id string) (*match.Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("decision %s: %w", id, match.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting decision %s: %w", id, err)
	}
	return d, nil
}

// ListDecisions returns decisions matching f, oldest first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]*match.Decision, error) {
	var where []string
	var args []any
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(f.Until))
	}
	if f.ValidatedOnly {
		where = append(where, "validated_at IS NOT NULL")
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.NeedsReview != nil {
		where = append(where, "needs_review = ?")
		args = append(args, boolInt(*f.NeedsReview))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + decisionColumns + ` FROM decisions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing decisions: %w", err)
	}
	defer rows.Close()

	var out []*match.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountValidatedSince counts decisions validated at or after since.
func (s *SQLiteStore) CountValidatedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM decisions WHERE validated_at IS NOT NULL AND validated_at >= ?`,
		formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting validated decisions: %w", err)
	}
	return n, nil
}

func scanDecision(r rowScanner) (*match.Decision, error) {
	var (
		d                                  match.Decision
		status, candidates, attempted      string
		entityID, method, failures, reason sql.NullString
		disagreement, needsReview          int
		generation, latency                int64
		createdAt                          string
		validatedEntity, validatedAt       sql.NullString
		validatedCorrect                   sql.NullInt64
	)
	err := r.Scan(&d.ID, &d.Query, &d.Normalized, &status, &entityID, &method, &d.Confidence,
		&candidates, &attempted, &failures, &disagreement, &needsReview, &reason,
		&d.ThresholdVersion, &generation, &latency, &createdAt,
		&validatedEntity, &validatedCorrect, &validatedAt)
	if err != nil {
		return nil, err
	}

	d.Status = match.Status(status)
	d.EntityID = entityID.String
	if method.Valid {
		m, err := match.ParseMethod(method.String)
		if err != nil {
			return nil, err
		}
		d.Method = m
	}
	if err := json.Unmarshal([]byte(candidates), &d.Candidates); err != nil {
		return nil, fmt.Errorf("decoding candidates: %w", err)
	}
	if err := json.Unmarshal([]byte(attempted), &d.Attempted); err != nil {
		return nil, fmt.Errorf("decoding attempted methods: %w", err)
	}
	if failures.Valid {
		if err := json.Unmarshal([]byte(failures.String), &d.Failures); err != nil {
			return nil, fmt.Errorf("decoding failures: %w", err)
		}
	}
	d.Disagreement = disagreement != 0
	d.NeedsReview = needsReview != 0
	d.Reason = reason.String
	d.IndexGeneration = uint64(generation)
	d.Latency = time.Duration(latency)
	d.CreatedAt = parseTime(createdAt)
	if validatedAt.Valid {
		d.Validation = &match.Validation{
			EntityID:    validatedEntity.String,
			Correct:     validatedCorrect.Int64 != 0,
			ValidatedAt: parseTime(validatedAt.String),
		}
	}
	return &d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
