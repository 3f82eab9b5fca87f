package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hurttlocker/chemresolve/internal/ann"
	"github.com/hurttlocker/chemresolve/internal/match"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testIndex(t *testing.T, refs ...int64) *ann.Index {
	t.Helper()
	idx := ann.New(3)
	idx.SetModel("hash-v1")
	for _, r := range refs {
		if _, err := idx.Insert(r, []float32{float32(r), 1, float32(r % 3)}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	return idx
}

func TestSaveAndLatest(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if _, _, err := c.Latest(ctx); !errors.Is(err, match.ErrNotFound) {
		t.Fatalf("Latest on empty catalog err = %v, want ErrNotFound", err)
	}

	idx := testIndex(t, 1, 2, 3)
	meta, err := c.Save(ctx, idx.Snapshot(), SaveOptions{Label: "boot", ThresholdVersion: 4, NormalizationVersion: 1})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if meta.Vectors != 3 || meta.Model != "hash-v1" || meta.ThresholdVersion != 4 || meta.ContentHash == "" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	snap, got, err := c.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.ID != meta.ID || snap.Len() != 3 || snap.Model() != "hash-v1" {
		t.Fatalf("Latest returned %+v (len %d)", got, snap.Len())
	}

	restored, err := ann.FromSnapshot(snap)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	for _, r := range []int64{1, 2, 3} {
		if !restored.Has(r) {
			t.Errorf("restored index missing ref %d", r)
		}
	}
}

func TestListNewestFirstAndDelete(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first, err := c.Save(ctx, testIndex(t, 1).Snapshot(), SaveOptions{Label: "first"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Save(ctx, testIndex(t, 1, 2).Snapshot(), SaveOptions{Label: "second"})
	if err != nil {
		t.Fatal(err)
	}

	list, err := c.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("List order wrong: %+v", list)
	}

	if err := c.Delete(ctx, second.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := c.Latest(ctx); !errors.Is(err, match.ErrNotFound) {
		t.Fatalf("Latest after deleting latest err = %v, want ErrNotFound", err)
	}
	if _, _, err := c.Get(ctx, first.ID); err != nil {
		t.Fatalf("Get(first) after delete: %v", err)
	}
	if err := c.Delete(ctx, second.ID); !errors.Is(err, match.ErrNotFound) {
		t.Fatalf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestGetUnknown(t *testing.T) {
	c := newTestCatalog(t)
	if _, _, err := c.Get(context.Background(), "nope"); !errors.Is(err, match.ErrNotFound) {
		t.Fatalf("Get err = %v, want ErrNotFound", err)
	}
}
