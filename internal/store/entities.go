package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hurttlocker/chemresolve/internal/match"
)

// AddEntity upserts a canonical entity. Entities are curated outside the
// resolver; this is the bootstrap and test entry point.
func (s *SQLiteStore) AddEntity(ctx context.Context, e *match.Entity) error {
	if e.ID == "" {
		return fmt.Errorf("entity id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, preferred_name, registry_number, structure_key)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			preferred_name = excluded.preferred_name,
			registry_number = excluded.registry_number,
			structure_key = excluded.structure_key`,
		e.ID, e.PreferredName, nullString(e.RegistryNumber), nullString(e.StructureKey),
	)
	if err != nil {
		return fmt.Errorf("storing entity %s: %w", e.ID, err)
	}
	return nil
}

// GetEntity returns one entity or match.ErrNotFound.
func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*match.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, preferred_name, registry_number, structure_key FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %s: %w", id, match.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting entity %s: %w", id, err)
	}
	return e, nil
}

// ListEntities returns every entity ordered by id.
func (s *SQLiteStore) ListEntities(ctx context.Context) ([]*match.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, preferred_name, registry_number, structure_key FROM entities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()

	var out []*match.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(r rowScanner) (*match.Entity, error) {
	var e match.Entity
	var reg, key sql.NullString
	if err := r.Scan(&e.ID, &e.PreferredName, &reg, &key); err != nil {
		return nil, err
	}
	e.RegistryNumber = reg.String
	e.StructureKey = key.String
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
