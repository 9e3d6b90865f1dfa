package vector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/guiderec/internal/models"
)

func newTestBleveIndex(t *testing.T, dir string) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex(dir, nil)
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestBleveIndex_RoundTrip(t *testing.T) {
	idx := newTestBleveIndex(t, t.TempDir())
	ctx := context.Background()
	for _, d := range testDocs {
		if err := idx.Upsert(ctx, d); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	if idx.Size() != 3 {
		t.Fatalf("Size=%d, want 3", idx.Size())
	}
	hits, err := idx.Query(ctx, testDocs[1].Text, 1, NoFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != 2 {
		t.Fatalf("got %+v, want guide 2", hits)
	}
	if hits[0].Metadata.Title != "Bread" || len(hits[0].Metadata.Tags) != 1 || hits[0].Metadata.Tags[0] != "baking" {
		t.Errorf("metadata = %+v", hits[0].Metadata)
	}
}

func TestBleveIndex_ExcludeAndDelete(t *testing.T) {
	idx := newTestBleveIndex(t, t.TempDir())
	ctx := context.Background()
	for _, id := range []int64{12, 3, 7} {
		_ = idx.Upsert(ctx, Document{ID: id, Text: "common words"})
	}
	hits, err := idx.Query(ctx, "common", 10, Exclude(models.NewIDSet(7)))
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].ID != 3 || hits[1].ID != 12 {
		t.Errorf("got %+v, want [3 12]", hits)
	}

	if err := idx.Delete(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if err := idx.Delete(ctx, 1000); err != nil {
		t.Errorf("deleting an absent id: %v", err)
	}
	hits, _ = idx.Query(ctx, "common", 10, NoFilter{})
	for _, h := range hits {
		if h.ID == 3 {
			t.Error("deleted guide returned")
		}
	}
}

func TestBleveIndex_RebuildSwapsGeneration(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	idx, err := NewBleveIndex(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = idx.Upsert(ctx, Document{ID: 50, Text: "obsolete guide"})
	firstGen := idx.gen

	if err := idx.Rebuild(ctx, testDocs); err != nil {
		t.Fatal(err)
	}
	if idx.gen == firstGen {
		t.Error("rebuild should switch to a new generation")
	}
	if _, err := os.Stat(filepath.Join(dir, firstGen)); !os.IsNotExist(err) {
		t.Error("old generation directory should be removed")
	}
	if hits, _ := idx.Query(ctx, "obsolete", 5, NoFilter{}); len(hits) != 0 {
		t.Errorf("rebuild kept a stale guide: %+v", hits)
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := newTestBleveIndex(t, dir)
	if reopened.Size() != len(testDocs) {
		t.Errorf("reopened Size=%d, want %d", reopened.Size(), len(testDocs))
	}
}

func TestBleveIndex_NoSharedTerms(t *testing.T) {
	idx := newTestBleveIndex(t, t.TempDir())
	_ = idx.Upsert(context.Background(), testDocs[0])
	hits, err := idx.Query(context.Background(), "quantum chromodynamics", 5, NoFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no lexical matches, got %+v", hits)
	}
}

func TestBleveID(t *testing.T) {
	if bleveID(42) != "00000000000000000042" {
		t.Errorf("bleveID(42) = %s", bleveID(42))
	}
	if bleveID(9) >= bleveID(10) {
		t.Error("padded ids must sort numerically")
	}
}
