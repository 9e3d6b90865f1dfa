package vector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hyperjump/guiderec/internal/embedding"
	"github.com/hyperjump/guiderec/internal/models"
)

func newTestMemoryIndex(t *testing.T, path string) *MemoryIndex {
	t.Helper()
	idx, err := NewMemoryIndex(embedding.NewHashingEmbedder(128), path, nil)
	if err != nil {
		t.Fatalf("NewMemoryIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

var testDocs = []Document{
	{ID: 1, Text: "alpine hiking trails glacier", Metadata: Metadata{Title: "Alps", Tags: []string{"hiking"}}},
	{ID: 2, Text: "sourdough bread baking starter", Metadata: Metadata{Title: "Bread", Tags: []string{"baking"}}},
	{ID: 3, Text: "beach surfing waves sunscreen", Metadata: Metadata{Title: "Surf", Tags: []string{"beach"}}},
}

func TestMemoryIndex_RoundTrip(t *testing.T) {
	idx := newTestMemoryIndex(t, "")
	ctx := context.Background()
	for _, d := range testDocs {
		if err := idx.Upsert(ctx, d); err != nil {
			t.Fatalf("Upsert %d: %v", d.ID, err)
		}
	}
	if idx.Size() != 3 {
		t.Fatalf("Size=%d, want 3", idx.Size())
	}
	for _, d := range testDocs {
		hits, err := idx.Query(ctx, d.Text, 1, NoFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(hits) != 1 || hits[0].ID != d.ID {
			t.Errorf("query %q: got %+v, want guide %d", d.Text, hits, d.ID)
		}
		if hits[0].Metadata.Title != d.Metadata.Title {
			t.Errorf("metadata title = %q, want %q", hits[0].Metadata.Title, d.Metadata.Title)
		}
	}
}

func TestMemoryIndex_QueryNormalizesText(t *testing.T) {
	idx := newTestMemoryIndex(t, "")
	ctx := context.Background()
	_ = idx.Upsert(ctx, testDocs[0])
	hits, err := idx.Query(ctx, "  ALPINE   Hiking, trails!  glacier ", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Score < 0.999 {
		t.Errorf("expected an exact match after normalization, got %+v", hits)
	}
}

func TestMemoryIndex_ExcludeAndOrdering(t *testing.T) {
	idx := newTestMemoryIndex(t, "")
	ctx := context.Background()
	for _, id := range []int64{5, 3, 9} {
		if err := idx.Upsert(ctx, Document{ID: id, Text: "same words everywhere"}); err != nil {
			t.Fatal(err)
		}
	}
	hits, err := idx.Query(ctx, "same words everywhere", 10, NoFilter{})
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{3, 5, 9}
	if len(hits) != len(want) {
		t.Fatalf("got %d hits, want %d", len(hits), len(want))
	}
	for i, h := range hits {
		if h.ID != want[i] {
			t.Errorf("hit %d = %d, want %d (ties by ascending id)", i, h.ID, want[i])
		}
	}

	hits, _ = idx.Query(ctx, "same words everywhere", 10, Exclude(models.NewIDSet(3, 9)))
	if len(hits) != 1 || hits[0].ID != 5 {
		t.Errorf("exclusion: got %+v, want only guide 5", hits)
	}
}

func TestMemoryIndex_UpsertIdempotentAndDelete(t *testing.T) {
	idx := newTestMemoryIndex(t, "")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := idx.Upsert(ctx, testDocs[0]); err != nil {
			t.Fatal(err)
		}
	}
	if idx.Size() != 1 {
		t.Fatalf("Size=%d after repeated upserts, want 1", idx.Size())
	}
	if err := idx.Delete(ctx, testDocs[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := idx.Delete(ctx, 42); err != nil {
		t.Errorf("deleting an absent id should be a no-op, got %v", err)
	}
	hits, _ := idx.Query(ctx, testDocs[0].Text, 5, NoFilter{})
	if len(hits) != 0 {
		t.Errorf("deleted guide still returned: %+v", hits)
	}
}

func TestMemoryIndex_EmptyQuery(t *testing.T) {
	idx := newTestMemoryIndex(t, "")
	_ = idx.Upsert(context.Background(), testDocs[0])
	hits, err := idx.Query(context.Background(), "   ", 5, NoFilter{})
	if err != nil || hits != nil {
		t.Errorf("empty query: hits=%v err=%v", hits, err)
	}
}

func TestMemoryIndex_Rebuild(t *testing.T) {
	idx := newTestMemoryIndex(t, "")
	ctx := context.Background()
	_ = idx.Upsert(ctx, Document{ID: 99, Text: "stale entry"})
	if err := idx.Rebuild(ctx, testDocs); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != len(testDocs) {
		t.Fatalf("Size=%d, want %d", idx.Size(), len(testDocs))
	}
	hits, _ := idx.Query(ctx, "stale entry", 10, NoFilter{})
	for _, h := range hits {
		if h.ID == 99 {
			t.Error("rebuild should drop guides not in the new set")
		}
	}
}

func TestMemoryIndex_QueriesDuringRebuildSeeOneSnapshot(t *testing.T) {
	idx := newTestMemoryIndex(t, "")
	ctx := context.Background()
	var oldDocs, newDocs []Document
	for i := int64(1); i <= 20; i++ {
		oldDocs = append(oldDocs, Document{ID: i, Text: "shared topic"})
		newDocs = append(newDocs, Document{ID: i + 100, Text: "shared topic"})
	}
	if err := idx.Rebuild(ctx, oldDocs); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan string, 100)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				hits, err := idx.Query(ctx, "shared topic", 40, NoFilter{})
				if err != nil {
					errs <- err.Error()
					return
				}
				if len(hits) != 20 {
					errs <- "partial snapshot observed"
					return
				}
				first := hits[0].ID > 100
				for _, h := range hits {
					if (h.ID > 100) != first {
						errs <- "mixed snapshot observed"
						return
					}
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		docs := newDocs
		if i%2 == 1 {
			docs = oldDocs
		}
		if err := idx.Rebuild(ctx, docs); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestMemoryIndex_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "guides.gob")
	ctx := context.Background()

	idx, err := NewMemoryIndex(embedding.NewHashingEmbedder(128), path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range testDocs {
		if err := idx.Upsert(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if err := idx.Delete(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := newTestMemoryIndex(t, path)
	if reopened.Size() != 2 {
		t.Fatalf("reopened Size=%d, want 2", reopened.Size())
	}
	hits, err := reopened.Query(ctx, testDocs[2].Text, 1, NoFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != 3 || hits[0].Metadata.Tags[0] != "beach" {
		t.Errorf("reopened query: got %+v", hits)
	}
}

func TestMemoryIndex_SnapshotFromOtherEmbedderIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guides.gob")
	idx, _ := NewMemoryIndex(embedding.NewHashingEmbedder(64), path, nil)
	_ = idx.Upsert(context.Background(), testDocs[0])
	_ = idx.Close()

	other := newTestMemoryIndex(t, path)
	if other.Size() != 0 {
		t.Errorf("Size=%d, want 0 for a snapshot with different dimensions", other.Size())
	}
}

func TestMemoryIndex_CorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guides.gob")
	if err := os.WriteFile(path, []byte("not a gob stream"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := NewMemoryIndex(embedding.NewHashingEmbedder(64), path, nil)
	if !errors.Is(err, ErrIndexUnavailable) {
		t.Errorf("expected ErrIndexUnavailable, got %v", err)
	}
}

func TestMemoryIndex_EmbedderFailure(t *testing.T) {
	mock := embedding.NewMockEmbedder(16)
	idx, err := NewMemoryIndex(mock, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	mock.FailWith(errors.New("model crashed"))
	if err := idx.Upsert(context.Background(), testDocs[0]); err == nil {
		t.Error("expected upsert to fail when the embedder fails")
	}
	if idx.Size() != 0 {
		t.Error("failed upsert must not change the index")
	}
}

func TestNewMemoryIndex_NoEmbedder(t *testing.T) {
	if _, err := NewMemoryIndex(nil, "", nil); !errors.Is(err, ErrIndexUnavailable) {
		t.Errorf("expected ErrIndexUnavailable, got %v", err)
	}
}

// gatedEmbedder blocks EmbedBatch until release is closed so writes can land mid-rebuild.
type gatedEmbedder struct {
	embedding.Embedder
	entered chan struct{}
	release chan struct{}
}

func (g *gatedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	close(g.entered)
	<-g.release
	return g.Embedder.EmbedBatch(ctx, texts)
}

func TestMemoryIndex_WritesDuringRebuildSurviveSwap(t *testing.T) {
	gate := &gatedEmbedder{
		Embedder: embedding.NewHashingEmbedder(64),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	idx, err := NewMemoryIndex(gate, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- idx.Rebuild(ctx, testDocs) }()
	<-gate.entered

	if err := idx.Delete(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := idx.Upsert(ctx, Document{ID: 9, Text: "chess openings sicilian"}); err != nil {
		t.Fatal(err)
	}
	close(gate.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if idx.Size() != 3 {
		t.Fatalf("Size=%d, want 3", idx.Size())
	}
	hits, _ := idx.Query(ctx, "alpine hiking trails glacier", 10, NoFilter{})
	seen := map[int64]bool{}
	for _, h := range hits {
		seen[h.ID] = true
	}
	if seen[1] {
		t.Error("guide deleted during rebuild came back after the swap")
	}
	if !seen[9] {
		t.Error("guide upserted during rebuild was lost in the swap")
	}
}
