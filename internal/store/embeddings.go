package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hurttlocker/chemresolve/internal/match"
)

// AddEmbedding stores the vector of a synonym under a model.
// Replaces any existing vector for the same (synonym, model).
func (s *SQLiteStore) AddEmbedding(ctx context.Context, rec *match.EmbeddingRecord) error {
	return addEmbedding(ctx, s.db, rec)
}

func addEmbedding(ctx context.Context, q execQuerier, rec *match.EmbeddingRecord) error {
	if len(rec.Vector) == 0 {
		return fmt.Errorf("empty embedding for synonym %d", rec.SynonymID)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO embeddings (synonym_id, model, vector, dimensions) VALUES (?, ?, ?, ?)
		 ON CONFLICT(synonym_id, model) DO UPDATE SET vector = excluded.vector, dimensions = excluded.dimensions`,
		rec.SynonymID, rec.Model, float32ToBytes(rec.Vector), len(rec.Vector),
	)
	if err != nil {
		return fmt.Errorf("storing embedding for synonym %d: %w", rec.SynonymID, err)
	}
	return nil
}

// ListEmbeddings returns every vector stored under model, ordered by synonym
// id. This is the membership the semantic index must reproduce.
func (s *SQLiteStore) ListEmbeddings(ctx context.Context, model string) ([]*match.EmbeddingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT synonym_id, vector FROM embeddings WHERE model = ? ORDER BY synonym_id`, model)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	var out []*match.EmbeddingRecord
	for rows.Next() {
		var blob []byte
		rec := &match.EmbeddingRecord{Model: model}
		if err := rows.Scan(&rec.SynonymID, &blob); err != nil {
			return nil, fmt.Errorf("scanning embedding row: %w", err)
		}
		rec.Vector = bytesToFloat32(blob)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SynonymIDsWithoutEmbeddings lists synonyms that have no vector under model.
// Used by the backfill after a model change.
func (s *SQLiteStore) SynonymIDsWithoutEmbeddings(ctx context.Context, model string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id FROM synonyms s
		 LEFT JOIN embeddings e ON s.id = e.synonym_id AND e.model = ?
		 WHERE e.synonym_id IS NULL
		 ORDER BY s.id
		 LIMIT ?`,
		model, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing synonym IDs without embeddings: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning synonym ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountEmbeddings returns the number of vectors stored under model.
func (s *SQLiteStore) CountEmbeddings(ctx context.Context, model string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings WHERE model = ?`, model).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return n, nil
}

// float32ToBytes converts a float32 slice to a byte slice (little-endian).
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32 converts a byte slice back to float32 slice (little-endian).
func bytesToFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
