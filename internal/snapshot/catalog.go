// Package snapshot keeps a catalog of semantic index snapshots in BadgerDB so
// an engine can restart from a known-good index without re-embedding the
// corpus.
//
// Key schema:
//
//	snap:{id}:data → gzip(binary index snapshot)
//	snap:{id}:meta → JSON(Metadata)
//	snap:latest    → id
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/hurttlocker/chemresolve/internal/ann"
	"github.com/hurttlocker/chemresolve/internal/match"
)

const (
	keyPrefix  = "snap:"
	keyLatest  = "snap:latest"
	suffixData = ":data"
	suffixMeta = ":meta"
)

// Metadata describes one saved snapshot.
type Metadata struct {
	ID                   string    `json:"id"`
	Label                string    `json:"label,omitempty"`
	Model                string    `json:"model"`
	Generation           uint64    `json:"generation"`
	Vectors              int       `json:"vectors"`
	Dims                 int       `json:"dims"`
	ThresholdVersion     int       `json:"threshold_version"`
	NormalizationVersion int       `json:"normalization_version"`
	CompressedSize       int64     `json:"compressed_size"`
	ContentHash          string    `json:"content_hash"`
	CreatedAt            time.Time `json:"created_at"`
}

// SaveOptions carries the context recorded alongside a snapshot.
type SaveOptions struct {
	Label                string
	ThresholdVersion     int
	NormalizationVersion int
}

// Catalog stores snapshots in a BadgerDB instance it owns.
type Catalog struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) a catalog at dir. An empty dir opens an in-memory
// catalog, which is what tests use.
func Open(dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot catalog: %w", err)
	}
	return &Catalog{db: db, logger: logger, now: time.Now}, nil
}

// Close releases the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Save compresses snap and records it as the latest snapshot.
func (c *Catalog) Save(ctx context.Context, snap *ann.Snapshot, opts SaveOptions) (*Metadata, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot must not be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := snap.WriteTo(gw); err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	data := buf.Bytes()
	sum := sha256.Sum256(data)

	meta := &Metadata{
		ID:                   uuid.NewString(),
		Label:                opts.Label,
		Model:                snap.Model(),
		Generation:           snap.Generation(),
		Vectors:              snap.Len(),
		Dims:                 snap.Dims(),
		ThresholdVersion:     opts.ThresholdVersion,
		NormalizationVersion: opts.NormalizationVersion,
		CompressedSize:       int64(len(data)),
		ContentHash:          hex.EncodeToString(sum[:]),
		CreatedAt:            c.now().UTC(),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(dataKey(meta.ID)), data); err != nil {
			return fmt.Errorf("storing data: %w", err)
		}
		if err := txn.Set([]byte(metaKey(meta.ID)), metaJSON); err != nil {
			return fmt.Errorf("storing metadata: %w", err)
		}
		return txn.Set([]byte(keyLatest), []byte(meta.ID))
	})
	if err != nil {
		return nil, fmt.Errorf("writing snapshot: %w", err)
	}

	c.logger.Info("snapshot saved",
		slog.String("id", meta.ID),
		slog.Int("vectors", meta.Vectors),
		slog.Uint64("generation", meta.Generation),
		slog.Int64("compressed_size", meta.CompressedSize),
	)
	return meta, nil
}

// Get loads a snapshot by id.
func (c *Catalog) Get(ctx context.Context, id string) (*ann.Snapshot, *Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var meta Metadata
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaKey(id)))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
			return fmt.Errorf("decoding metadata: %w", err)
		}
		item, err = txn.Get([]byte(dataKey(id)))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, fmt.Errorf("snapshot %s: %w", id, match.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading snapshot %s: %w", id, err)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != meta.ContentHash {
		return nil, nil, fmt.Errorf("snapshot %s: content hash mismatch", id)
	}
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("opening snapshot %s: %w", id, err)
	}
	defer gr.Close()
	snap, err := ann.ReadSnapshot(gr)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding snapshot %s: %w", id, err)
	}
	// Drain so gzip verifies its checksum.
	if _, err := io.Copy(io.Discard, gr); err != nil {
		return nil, nil, fmt.Errorf("decoding snapshot %s: %w", id, err)
	}
	return snap, &meta, nil
}

// Latest loads the most recently saved snapshot.
func (c *Catalog) Latest(ctx context.Context) (*ann.Snapshot, *Metadata, error) {
	var id string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLatest))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, fmt.Errorf("latest snapshot: %w", match.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading latest pointer: %w", err)
	}
	return c.Get(ctx, id)
}

// List returns snapshot metadata, newest first.
func (c *Catalog) List(ctx context.Context, limit int) ([]*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var out []*Metadata
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if !strings.HasSuffix(key, suffixMeta) {
				continue
			}
			var meta Metadata
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
				c.logger.Warn("skipping corrupt snapshot metadata", slog.String("key", key), slog.Any("error", err))
				continue
			}
			out = append(out, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Generation > out[j].Generation
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a snapshot. Deleting the latest snapshot clears the latest
// pointer.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(metaKey(id))); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("snapshot %s: %w", id, match.ErrNotFound)
			}
			return err
		}
		if err := txn.Delete([]byte(dataKey(id))); err != nil {
			return err
		}
		if err := txn.Delete([]byte(metaKey(id))); err != nil {
			return err
		}
		item, err := txn.Get([]byte(keyLatest))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		latest, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(latest) == id {
			return txn.Delete([]byte(keyLatest))
		}
		return nil
	})
}

func dataKey(id string) string { return keyPrefix + id + suffixData }
func metaKey(id string) string { return keyPrefix + id + suffixMeta }
