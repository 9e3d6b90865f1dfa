package indexer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/guiderec/internal/document"
	"github.com/hyperjump/guiderec/internal/embedding"
	"github.com/hyperjump/guiderec/internal/models"
	"github.com/hyperjump/guiderec/internal/storage"
	"github.com/hyperjump/guiderec/internal/vector"
)

func newTestPipeline(t *testing.T, opts ...Option) (*Pipeline, *storage.SQLiteStorage, vector.Index) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	idx, err := vector.NewMemoryIndex(embedding.NewHashingEmbedder(128), "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return NewPipeline(store, idx, nil, opts...), store, idx
}

func createGuide(t *testing.T, s storage.Storage, title, desc string, tags ...string) *models.Guide {
	t.Helper()
	g, err := s.CreateGuide(context.Background(), &models.GuideInput{Title: title, Description: desc, Tags: tags})
	require.NoError(t, err)
	return g
}

func TestPipeline_IndexAllEmptyCatalog(t *testing.T) {
	p, _, idx := newTestPipeline(t)
	n, err := p.IndexAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, idx.Size())
}

func TestPipeline_IndexAllPagesAndSkipsEmpty(t *testing.T) {
	p, store, idx := newTestPipeline(t, WithBatchSize(2))
	for _, title := range []string{"Alpine hiking", "Bread baking", "Surfing", "Chess openings", "Knots"} {
		createGuide(t, store, title, "")
	}
	createGuide(t, store, "!!!", "")

	n, err := p.IndexAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, idx.Size())
}

func TestPipeline_IndexAllReplacesStaleEntries(t *testing.T) {
	p, store, idx := newTestPipeline(t)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, vector.Document{ID: 999, Text: "deleted long ago"}))
	createGuide(t, store, "Fresh guide", "")

	n, err := p.IndexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	hits, err := idx.Query(ctx, "deleted long ago", 10, vector.NoFilter{})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, int64(999), h.ID)
	}
}

func TestPipeline_IndexOneRoundTrip(t *testing.T) {
	p, store, idx := newTestPipeline(t)
	ctx := context.Background()
	other := createGuide(t, store, "Sourdough", "Starter feeding schedule", "baking")
	g := createGuide(t, store, "Alpine hiking", "Trails above the tree line", "hiking", "alps")

	for _, guide := range []*models.Guide{other, g} {
		ok, err := p.IndexOne(ctx, guide)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	composed := document.NewComposer(document.DefaultWeights).ComposeGuide(g)
	hits, err := idx.Query(ctx, composed, 1, vector.NoFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, g.ID, hits[0].ID)
	assert.Equal(t, []string{"hiking", "alps"}, hits[0].Metadata.Tags)
}

func TestPipeline_IndexOneSkipsEmptyDocument(t *testing.T) {
	p, _, idx := newTestPipeline(t)
	ok, err := p.IndexOne(context.Background(), &models.Guide{ID: 7, Title: "   "})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, idx.Size())

	ok, err = p.IndexOne(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPipeline_RemoveThenQuery(t *testing.T) {
	p, store, idx := newTestPipeline(t)
	ctx := context.Background()
	g := createGuide(t, store, "Beach days", "Sun and sand", "beach")
	_, err := p.IndexOne(ctx, g)
	require.NoError(t, err)

	require.NoError(t, store.DeleteGuide(ctx, g.ID))
	ok, err := p.Remove(ctx, g.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	hits, err := idx.Query(ctx, "beach days sun and sand", 10, vector.NoFilter{})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, g.ID, h.ID)
	}
}

type failingIndex struct {
	vector.Index
	err error
}

func (f failingIndex) Upsert(context.Context, vector.Document) error { return f.err }
func (f failingIndex) Delete(context.Context, int64) error           { return f.err }
func (f failingIndex) Size() int                                      { return 0 }

func TestPipeline_IndexingFailuresAreReported(t *testing.T) {
	boom := errors.New("disk full")
	p := NewPipeline(nil, failingIndex{err: boom}, nil)

	ok, err := p.IndexOne(context.Background(), &models.Guide{ID: 1, Title: "Knots"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)

	ok, err = p.Remove(context.Background(), 1)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestPipeline_IndexOneDropsGuideWhoseDocumentEmptied(t *testing.T) {
	p, store, idx := newTestPipeline(t)
	ctx := context.Background()
	g := createGuide(t, store, "Alpine hiking", "")
	ok, err := p.IndexOne(ctx, g)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, idx.Size())

	emptied, err := store.UpdateGuide(ctx, g.ID, &models.GuideInput{Title: "!!!"})
	require.NoError(t, err)
	ok, err = p.IndexOne(ctx, emptied)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, idx.Size())
}

// deletingCatalog deletes a guide right after the first page is read, as a concurrent
// request would during a rebuild.
type deletingCatalog struct {
	storage.Catalog
	store  storage.Storage
	victim int64
	done   bool
}

func (c *deletingCatalog) FetchAllGuidesPaginated(ctx context.Context, offset, batchSize int) ([]*models.Guide, error) {
	page, err := c.Catalog.FetchAllGuidesPaginated(ctx, offset, batchSize)
	if err == nil && !c.done {
		c.done = true
		if derr := c.store.DeleteGuide(ctx, c.victim); derr != nil {
			return nil, derr
		}
	}
	return page, err
}

func TestPipeline_IndexAllDropsGuidesDeletedMidRebuild(t *testing.T) {
	_, store, idx := newTestPipeline(t)
	ctx := context.Background()
	keep := createGuide(t, store, "Bread baking", "Sourdough starter")
	gone := createGuide(t, store, "Surfing", "Reading the waves")

	p := NewPipeline(&deletingCatalog{Catalog: store, store: store, victim: gone.ID}, idx, nil)
	n, err := p.IndexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, idx.Size())

	hits, err := idx.Query(ctx, "surfing reading the waves", 10, vector.NoFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, keep.ID, hits[0].ID)
}
