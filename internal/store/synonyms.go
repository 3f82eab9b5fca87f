package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hurttlocker/chemresolve/internal/match"
)

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AddSynonym inserts a synonym unless (normalized, entity) already exists.
// On return syn.ID holds the stored id either way.
func (s *SQLiteStore) AddSynonym(ctx context.Context, syn *match.Synonym) (bool, error) {
	return addSynonym(ctx, s.db, syn)
}

// AddSynonymWithEmbedding writes a new synonym and its vector in one
// transaction, so the store never holds a synonym whose vector is missing.
// A duplicate synonym writes nothing.
func (s *SQLiteStore) AddSynonymWithEmbedding(ctx context.Context, syn *match.Synonym, vector []float32, model string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning synonym transaction: %w", err)
	}
	defer tx.Rollback()

	created, err := addSynonym(ctx, tx, syn)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}
	if err := addEmbedding(ctx, tx, &match.EmbeddingRecord{SynonymID: syn.ID, Vector: vector, Model: model}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing synonym %q: %w", syn.Normalized, err)
	}
	return true, nil
}

func addSynonym(ctx context.Context, q execQuerier, syn *match.Synonym) (bool, error) {
	if syn.Normalized == "" || syn.EntityID == "" {
		return false, fmt.Errorf("synonym requires normalized text and entity id")
	}
	if syn.Source == "" {
		syn.Source = match.SourceBootstrap
	}
	if syn.FirstSeen.IsZero() {
		syn.FirstSeen = time.Now().UTC()
	}

	res, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO synonyms (raw, normalized, entity_id, source, confidence, first_seen)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		syn.Raw, syn.Normalized, syn.EntityID, syn.Source, syn.Confidence, formatTime(syn.FirstSeen),
	)
	if err != nil {
		return false, fmt.Errorf("storing synonym %q: %w", syn.Normalized, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storing synonym %q: %w", syn.Normalized, err)
	}
	if n == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return false, fmt.Errorf("getting synonym id: %w", err)
		}
		syn.ID = id
		return true, nil
	}

	err = q.QueryRowContext(ctx,
		`SELECT id FROM synonyms WHERE normalized = ? AND entity_id = ?`,
		syn.Normalized, syn.EntityID,
	).Scan(&syn.ID)
	if err != nil {
		return false, fmt.Errorf("looking up existing synonym %q: %w", syn.Normalized, err)
	}
	return false, nil
}

const synonymColumns = `id, raw, normalized, entity_id, source, confidence, first_seen`

// GetSynonym returns one synonym or match.ErrNotFound.
func (s *SQLiteStore) GetSynonym(ctx context.Context, id int64) (*match.Synonym, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+synonymColumns+` FROM synonyms WHERE id = ?`, id)
	syn, err := scanSynonym(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("synonym %d: %w", id, match.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting synonym %d: %w", id, err)
	}
	return syn, nil
}

// SynonymsByNormalized returns every synonym with the given normalized text.
func (s *SQLiteStore) SynonymsByNormalized(ctx context.Context, normalized string) ([]*match.Synonym, error) {
	return s.querySynonyms(ctx, `SELECT `+synonymColumns+` FROM synonyms WHERE normalized = ? ORDER BY entity_id`, normalized)
}

// ListSynonyms returns the whole corpus in insertion order.
func (s *SQLiteStore) ListSynonyms(ctx context.Context) ([]*match.Synonym, error) {
	return s.querySynonyms(ctx, `SELECT `+synonymColumns+` FROM synonyms ORDER BY id`)
}

func (s *SQLiteStore) querySynonyms(ctx context.Context, query string, args ...any) ([]*match.Synonym, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying synonyms: %w", err)
	}
	defer rows.Close()

	var out []*match.Synonym
	for rows.Next() {
		syn, err := scanSynonym(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning synonym: %w", err)
		}
		out = append(out, syn)
	}
	return out, rows.Err()
}

func scanSynonym(r rowScanner) (*match.Synonym, error) {
	var syn match.Synonym
	var firstSeen string
	if err := r.Scan(&syn.ID, &syn.Raw, &syn.Normalized, &syn.EntityID, &syn.Source, &syn.Confidence, &firstSeen); err != nil {
		return nil, err
	}
	syn.FirstSeen = parseTime(firstSeen)
	return &syn, nil
}
