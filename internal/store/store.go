// Package store provides the SQLite storage layer for chemresolve.
//
// Everything the resolver learns lives in a single SQLite database file:
// - Canonical entities (read-only to the resolver)
// - Synonyms, unique on (normalized text, entity)
// - Embedding vectors per synonym and model, the source of truth for the
//   semantic index
// - The append-only decision log with validation outcomes
// - Versioned threshold sets
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hurttlocker/chemresolve/internal/match"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.chemresolve/chemresolve.db"

// DefaultListLimit bounds unfiltered decision listings.
const DefaultListLimit = 10000

// DecisionFilter narrows ListDecisions.
type DecisionFilter struct {
	Since         time.Time // inclusive; zero means no lower bound
	Until         time.Time // exclusive; zero means no upper bound
	ValidatedOnly bool
	Status        match.Status // empty means any
	NeedsReview   *bool
	Limit         int
}

// StoreStats holds observability statistics about the store.
type StoreStats struct {
	EntityCount      int64 `json:"entities"`
	SynonymCount     int64 `json:"synonyms"`
	EmbeddingCount   int64 `json:"embeddings"`
	DecisionCount    int64 `json:"decisions"`
	ValidatedCount   int64 `json:"validated"`
	ThresholdVersion int   `json:"threshold_version"`
	DBSizeBytes      int64 `json:"db_size_bytes"`
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath string
}

// Store defines the persistence capability the resolver consumes.
type Store interface {
	// Entities
	AddEntity(ctx context.Context, e *match.Entity) error
	GetEntity(ctx context.Context, id string) (*match.Entity, error)
	ListEntities(ctx context.Context) ([]*match.Entity, error)

	// Synonyms. AddSynonym reports created=false when (normalized, entity)
	// already exists, and returns the existing id.
	AddSynonym(ctx context.Context, s *match.Synonym) (created bool, err error)
	AddSynonymWithEmbedding(ctx context.Context, s *match.Synonym, vector []float32, model string) (created bool, err error)
	GetSynonym(ctx context.Context, id int64) (*match.Synonym, error)
	SynonymsByNormalized(ctx context.Context, normalized string) ([]*match.Synonym, error)
	ListSynonyms(ctx context.Context) ([]*match.Synonym, error)

	// Embeddings
	AddEmbedding(ctx context.Context, rec *match.EmbeddingRecord) error
	ListEmbeddings(ctx context.Context, model string) ([]*match.EmbeddingRecord, error)
	SynonymIDsWithoutEmbeddings(ctx context.Context, model string, limit int) ([]int64, error)
	CountEmbeddings(ctx context.Context, model string) (int64, error)

	// Decisions
	AddDecision(ctx context.Context, d *match.Decision) error
	GetDecision(ctx context.Context, id string) (*match.Decision, error)
	AttachValidation(ctx context.Context, id string, v match.Validation) error
	ListDecisions(ctx context.Context, f DecisionFilter) ([]*match.Decision, error)
	CountValidatedSince(ctx context.Context, since time.Time) (int64, error)

	// Threshold sets
	SaveThresholdSet(ctx context.Context, t *match.ThresholdSet) error
	ActiveThresholdSet(ctx context.Context) (*match.ThresholdSet, error)
	ListThresholdSets(ctx context.Context) ([]*match.ThresholdSet, error)

	// Metadata
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	// Observability
	Stats(ctx context.Context) (*StoreStats, error)

	// Maintenance
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = ExpandPath(DefaultDBPath)
	}

	// Create parent directory for non-memory databases
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Each :memory: connection is its own database.
	if cfg.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum runs VACUUM on the database. Manual only, never auto-vacuum.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Stats returns current database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}

	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM entities", &stats.EntityCount},
		{"SELECT COUNT(*) FROM synonyms", &stats.SynonymCount},
		{"SELECT COUNT(*) FROM embeddings", &stats.EmbeddingCount},
		{"SELECT COUNT(*) FROM decisions", &stats.DecisionCount},
		{"SELECT COUNT(*) FROM decisions WHERE validated_at IS NOT NULL", &stats.ValidatedCount},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("querying stats (%s): %w", q.query, err)
		}
	}

	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM threshold_sets WHERE active = 1").Scan(&version); err != nil {
		return nil, fmt.Errorf("querying active threshold version: %w", err)
	}
	stats.ThresholdVersion = int(version.Int64)

	// Only meaningful for file-based DBs
	if s.dbPath != ":memory:" {
		var pageCount, pageSize int64
		s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
		s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		stats.DBSizeBytes = pageCount * pageSize
	}
	return stats, nil
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// Timestamps are stored as RFC 3339 text so SUBSTR/ORDER BY work on them
// and no driver-specific time parsing is involved.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
