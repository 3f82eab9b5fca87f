package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hurttlocker/chemresolve/internal/match"
	"github.com/hurttlocker/chemresolve/internal/normalize"
)

// Meta keys.
const (
	MetaSchemaVersion        = "schema_version"
	MetaNormalizationVersion = "normalization_version"
	MetaEmbeddingModel       = "embedding_model"
	MetaEmbeddingDimensions  = "embedding_dimensions"
	MetaLastRetrainedAt      = "last_retrained_at"
	MetaCreatedAt            = "created_at"
)

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	// Seed metadata (outside bootstrap transaction, meta table now exists)
	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	// Schema evolution: review queue index for the validation workflow.
	if err := s.migrateReviewIndexes(); err != nil {
		return fmt.Errorf("migrating review indexes: %w", err)
	}

	// Every store starts with an active threshold set so decisions always
	// cite a version.
	if err := s.seedThresholds(); err != nil {
		return fmt.Errorf("seeding thresholds: %w", err)
	}
	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id              TEXT PRIMARY KEY,
			preferred_name  TEXT NOT NULL,
			registry_number TEXT,
			structure_key   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_registry ON entities(registry_number)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_structure ON entities(structure_key)`,

		`CREATE TABLE IF NOT EXISTS synonyms (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			raw         TEXT NOT NULL,
			normalized  TEXT NOT NULL,
			entity_id   TEXT NOT NULL REFERENCES entities(id),
			source      TEXT NOT NULL DEFAULT 'bootstrap',
			confidence  REAL NOT NULL DEFAULT 1.0,
			first_seen  TEXT NOT NULL,
			UNIQUE(normalized, entity_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_synonyms_normalized ON synonyms(normalized)`,

		`CREATE TABLE IF NOT EXISTS embeddings (
			synonym_id  INTEGER NOT NULL REFERENCES synonyms(id) ON DELETE CASCADE,
			model       TEXT NOT NULL,
			vector      BLOB NOT NULL,
			dimensions  INTEGER NOT NULL,
			PRIMARY KEY (synonym_id, model)
		)`,

		`CREATE TABLE IF NOT EXISTS decisions (
			id                 TEXT PRIMARY KEY,
			query              TEXT NOT NULL,
			normalized         TEXT NOT NULL,
			status             TEXT NOT NULL CHECK(status IN ('resolved','unresolved')),
			entity_id          TEXT,
			method             TEXT,
			confidence         REAL NOT NULL,
			candidates         TEXT NOT NULL,
			attempted          TEXT NOT NULL,
			failures           TEXT,
			disagreement       INTEGER NOT NULL DEFAULT 0,
			needs_review       INTEGER NOT NULL DEFAULT 0,
			reason             TEXT,
			threshold_version  INTEGER NOT NULL,
			index_generation   INTEGER NOT NULL DEFAULT 0,
			latency_ns         INTEGER NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL,
			validated_entity   TEXT,
			validated_correct  INTEGER,
			validated_at       TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at)`,

		`CREATE TABLE IF NOT EXISTS threshold_sets (
			version     INTEGER PRIMARY KEY,
			body        TEXT NOT NULL,
			source      TEXT NOT NULL,
			active      INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning bootstrap transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration: %w\nSQL: %s", err, truncate(stmt, 100))
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

// seedMeta initializes the meta table with defaults if not already set.
func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		MetaSchemaVersion:        "1",
		MetaNormalizationVersion: strconv.Itoa(normalize.Version),
		MetaCreatedAt:            formatTime(time.Now()),
	}
	for k, v := range defaults {
		_, err := s.db.Exec("INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v)
		if err != nil {
			return fmt.Errorf("seeding meta key %q: %w", k, err)
		}
	}
	return nil
}

// migrateReviewIndexes adds the indexes behind the review queue and the
// calibration window scans.
func (s *SQLiteStore) migrateReviewIndexes() error {
	done, err := s.isMetaFlagEnabled("review_indexes_v1")
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_decisions_review ON decisions(needs_review, validated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_validated ON decisions(validated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return s.setMetaFlag("review_indexes_v1")
}

func (s *SQLiteStore) seedThresholds() error {
	ctx := context.Background()
	_, err := s.ActiveThresholdSet(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, match.ErrNotFound) {
		return err
	}
	def := match.DefaultThresholds()
	def.CreatedAt = time.Now().UTC()
	return s.SaveThresholdSet(ctx, &def)
}

// GetMeta returns a meta value, or match.ErrNotFound.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("meta %q: %w", key, match.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta upserts a meta value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("writing meta %q: %w", key, err)
	}
	return nil
}

// GetDB returns the underlying connection for diagnostics and tests.
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
