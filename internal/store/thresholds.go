package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hurttlocker/chemresolve/internal/match"
)

// SaveThresholdSet stores t and makes it the only active set. Versions are
// immutable: saving an existing version is an error.
func (s *SQLiteStore) SaveThresholdSet(ctx context.Context, t *match.ThresholdSet) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid threshold set: %w", err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding threshold set: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning threshold transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE threshold_sets SET active = 0 WHERE active = 1`); err != nil {
		return fmt.Errorf("deactivating threshold sets: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO threshold_sets (version, body, source, active, created_at) VALUES (?, ?, ?, 1, ?)`,
		t.Version, string(body), t.Source, formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing threshold set v%d: %w", t.Version, err)
	}
	return tx.Commit()
}

// ActiveThresholdSet returns the active set or match.ErrNotFound.
func (s *SQLiteStore) ActiveThresholdSet(ctx context.Context) (*match.ThresholdSet, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM threshold_sets WHERE active = 1 ORDER BY version DESC LIMIT 1`,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("active threshold set: %w", match.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading active threshold set: %w", err)
	}
	return decodeThresholdSet(body)
}

// ListThresholdSets returns every stored set, newest version first.
func (s *SQLiteStore) ListThresholdSets(ctx context.Context) ([]*match.ThresholdSet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM threshold_sets ORDER BY version DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing threshold sets: %w", err)
	}
	defer rows.Close()

	var out []*match.ThresholdSet
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning threshold set: %w", err)
		}
		t, err := decodeThresholdSet(body)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func decodeThresholdSet(body string) (*match.ThresholdSet, error) {
	var t match.ThresholdSet
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("decoding threshold set: %w", err)
	}
	return &t, nil
}
