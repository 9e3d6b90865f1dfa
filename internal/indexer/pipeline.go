// Package indexer populates the vector index from the guide catalog, in bulk and per guide.
package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/guiderec/internal/document"
	"github.com/hyperjump/guiderec/internal/metrics"
	"github.com/hyperjump/guiderec/internal/models"
	"github.com/hyperjump/guiderec/internal/storage"
	"github.com/hyperjump/guiderec/internal/vector"
)

// DefaultBatchSize is the catalog page size used by IndexAll.
const DefaultBatchSize = 100

// Pipeline composes guide documents and writes them to the vector index.
type Pipeline struct {
	catalog   storage.Catalog
	index     vector.Index
	composer  *document.Composer
	batchSize int
	logger    *zap.Logger

	rebuildMu sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for indexing failures and rebuild progress.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithBatchSize sets the catalog page size for IndexAll.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// NewPipeline creates a pipeline. A nil composer uses the default weights.
func NewPipeline(catalog storage.Catalog, index vector.Index, composer *document.Composer, opts ...Option) *Pipeline {
	if composer == nil {
		composer = document.NewComposer(document.DefaultWeights)
	}
	p := &Pipeline{
		catalog:   catalog,
		index:     index,
		composer:  composer,
		batchSize: DefaultBatchSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Document returns the indexed document for g, and false when g has nothing searchable.
func (p *Pipeline) Document(g *models.Guide) (vector.Document, bool) {
	text := p.composer.ComposeGuide(g)
	if text == "" {
		return vector.Document{}, false
	}
	return vector.Document{
		ID:   g.ID,
		Text: text,
		Metadata: vector.Metadata{
			Title: g.Title,
			Tags:  g.TagNames(),
		},
	}, true
}

// IndexAll pages through the catalog and rebuilds the index from every guide with a
// non-empty document. It returns the number of guides indexed. Concurrent calls run one at a time.
func (p *Pipeline) IndexAll(ctx context.Context) (int, error) {
	p.rebuildMu.Lock()
	defer p.rebuildMu.Unlock()

	started := time.Now()
	var docs []vector.Document
	skipped := 0
	for offset := 0; ; offset += p.batchSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		page, err := p.catalog.FetchAllGuidesPaginated(ctx, offset, p.batchSize)
		if err != nil {
			metrics.IndexOperations.WithLabelValues("rebuild", "error").Inc()
			return 0, fmt.Errorf("fetch guides at offset %d: %w", offset, err)
		}
		for _, g := range page {
			if doc, ok := p.Document(g); ok {
				docs = append(docs, doc)
			} else {
				skipped++
			}
		}
		if len(page) < p.batchSize {
			break
		}
	}

	if err := p.index.Rebuild(ctx, docs); err != nil {
		metrics.IndexOperations.WithLabelValues("rebuild", "error").Inc()
		return 0, fmt.Errorf("rebuild index: %w", err)
	}
	removed := p.dropDeleted(ctx, docs)
	metrics.IndexOperations.WithLabelValues("rebuild", "success").Inc()
	metrics.RebuildDuration.Observe(time.Since(started).Seconds())
	metrics.IndexDocuments.Set(float64(p.index.Size()))

	p.logger.Info("Index rebuilt",
		zap.Int("indexed", len(docs)-removed),
		zap.Int("skipped", skipped),
		zap.Int("deleted_during_rebuild", removed),
		zap.Duration("duration", time.Since(started)))
	return len(docs) - removed, nil
}

// dropDeleted removes rebuilt guides that left the catalog after their page was read.
func (p *Pipeline) dropDeleted(ctx context.Context, docs []vector.Document) int {
	removed := 0
	for start := 0; start < len(docs); start += p.batchSize {
		end := min(start+p.batchSize, len(docs))
		ids := make([]int64, 0, end-start)
		for _, d := range docs[start:end] {
			ids = append(ids, d.ID)
		}
		existing, err := p.catalog.FetchGuidesByIDs(ctx, ids)
		if err != nil {
			p.logger.Warn("Failed to verify rebuilt guides", zap.Error(err))
			return removed
		}
		present := make(models.IDSet, len(existing))
		for _, g := range existing {
			present.Add(g.ID)
		}
		for _, id := range ids {
			if present.Has(id) {
				continue
			}
			if ok, _ := p.Remove(ctx, id); ok {
				removed++
			}
		}
	}
	return removed
}

// IndexOne upserts g. When g has nothing searchable it is removed from the index instead and
// IndexOne returns false without error.
// Failures are logged and returned; the catalog write that triggered them stands.
func (p *Pipeline) IndexOne(ctx context.Context, g *models.Guide) (bool, error) {
	if g == nil {
		return false, nil
	}
	doc, ok := p.Document(g)
	if !ok {
		metrics.IndexOperations.WithLabelValues("upsert", "skipped").Inc()
		p.logger.Debug("Skipping guide with empty document", zap.Int64("guide_id", g.ID))
		// An edit can empty a guide that was searchable before.
		if err := p.index.Delete(ctx, g.ID); err != nil {
			p.logger.Warn("Failed to drop emptied guide from index", zap.Int64("guide_id", g.ID), zap.Error(err))
		}
		return false, nil
	}
	if err := p.index.Upsert(ctx, doc); err != nil {
		metrics.IndexOperations.WithLabelValues("upsert", "error").Inc()
		p.logger.Warn("Failed to index guide", zap.Int64("guide_id", g.ID), zap.Error(err))
		return false, fmt.Errorf("index guide %d: %w", g.ID, err)
	}
	metrics.IndexOperations.WithLabelValues("upsert", "success").Inc()
	metrics.IndexDocuments.Set(float64(p.index.Size()))
	return true, nil
}

// Remove deletes guideID from the index.
func (p *Pipeline) Remove(ctx context.Context, guideID int64) (bool, error) {
	if err := p.index.Delete(ctx, guideID); err != nil {
		metrics.IndexOperations.WithLabelValues("delete", "error").Inc()
		p.logger.Warn("Failed to remove guide from index", zap.Int64("guide_id", guideID), zap.Error(err))
		return false, fmt.Errorf("remove guide %d: %w", guideID, err)
	}
	metrics.IndexOperations.WithLabelValues("delete", "success").Inc()
	metrics.IndexDocuments.Set(float64(p.index.Size()))
	return true, nil
}
