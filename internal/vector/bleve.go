package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/guiderec/internal/document"
)

const (
	bleveCurrentFile = "CURRENT"
	bleveGenPrefix   = "gen-"
)

// BleveIndex is a term-weighted backend: similarity is Bleve's TF-IDF score over the composed
// guide text rather than an embedding distance. A query only returns guides sharing at least
// one term with it, so it can return fewer than k hits even when more guides are indexed.
type BleveIndex struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	index bleve.Index
	gen   string
}

type bleveDoc struct {
	Text  string `json:"text"`
	Title string `json:"title"`
	Tags  string `json:"tags"`
}

// NewBleveIndex opens the index generation recorded in dir/CURRENT, or creates a first one.
func NewBleveIndex(dir string, logger *zap.Logger) (*BleveIndex, error) {
	if dir == "" {
		return nil, unavailable("bleve index requires a path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, unavailable("create bleve dir: %v", err)
	}
	b := &BleveIndex{dir: dir, logger: logger}

	gen, err := b.readCurrent()
	if err != nil {
		return nil, unavailable("read %s: %v", bleveCurrentFile, err)
	}
	if gen != "" {
		idx, err := bleve.Open(filepath.Join(dir, gen))
		if err == nil {
			b.index, b.gen = idx, gen
			return b, nil
		}
		logger.Warn("Discarding unreadable bleve generation", zap.String("generation", gen), zap.Error(err))
	}

	gen, idx, err := b.createGeneration()
	if err != nil {
		return nil, unavailable("create bleve index: %v", err)
	}
	if err := b.writeCurrent(gen); err != nil {
		_ = idx.Close()
		return nil, unavailable("write %s: %v", bleveCurrentFile, err)
	}
	b.index, b.gen = idx, gen
	return b, nil
}

func newBleveMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = false
	docMapping.AddFieldMappingsAt("text", textField)

	storedOnly := bleve.NewTextFieldMapping()
	storedOnly.Index = false
	storedOnly.Store = true
	storedOnly.IncludeInAll = false
	docMapping.AddFieldMappingsAt("title", storedOnly)
	docMapping.AddFieldMappingsAt("tags", storedOnly)

	im.DefaultMapping = docMapping
	return im
}

func (b *BleveIndex) createGeneration() (string, bleve.Index, error) {
	gen := bleveGenPrefix + uuid.NewString()
	idx, err := bleve.New(filepath.Join(b.dir, gen), newBleveMapping())
	if err != nil {
		return "", nil, err
	}
	return gen, idx, nil
}

func (b *BleveIndex) readCurrent() (string, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, bleveCurrentFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (b *BleveIndex) writeCurrent(gen string) error {
	tmp := filepath.Join(b.dir, bleveCurrentFile+".tmp")
	if err := os.WriteFile(tmp, []byte(gen+"\n"), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(b.dir, bleveCurrentFile))
}

// Type returns the index type identifier.
func (b *BleveIndex) Type() string {
	return string(IndexTypeBleve)
}

// bleveID zero-pads id so lexical _id order equals numeric order.
func bleveID(id int64) string {
	return fmt.Sprintf("%020d", id)
}

func toBleveDoc(doc Document) (bleveDoc, error) {
	tags, err := json.Marshal(doc.Metadata.Tags)
	if err != nil {
		return bleveDoc{}, err
	}
	return bleveDoc{Text: document.Normalize(doc.Text), Title: doc.Metadata.Title, Tags: string(tags)}, nil
}

// Upsert indexes doc under its zero-padded id, replacing the previous version.
func (b *BleveIndex) Upsert(ctx context.Context, doc Document) error {
	bd, err := toBleveDoc(doc)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.index.Index(bleveID(doc.ID), bd); err != nil {
		return fmt.Errorf("bleve index: %w", err)
	}
	return nil
}

// Delete removes id; Bleve treats unknown ids as a no-op.
func (b *BleveIndex) Delete(ctx context.Context, id int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.index.Delete(bleveID(id)); err != nil {
		return fmt.Errorf("bleve delete: %w", err)
	}
	return nil
}

// Query runs a match query over the composed text, excluding filtered ids with a must-not doc-id clause.
func (b *BleveIndex) Query(ctx context.Context, text string, k int, filter Filter) ([]Hit, error) {
	text = document.Normalize(text)
	if k <= 0 || text == "" {
		return nil, nil
	}
	match := bleve.NewMatchQuery(text)
	match.SetField("text")

	var q blevequery.Query = match
	if excluded := excludedIDs(filter); len(excluded) > 0 {
		ids := make([]string, len(excluded))
		for i, id := range excluded {
			ids[i] = bleveID(id)
		}
		bq := bleve.NewBooleanQuery()
		bq.AddMust(match)
		bq.AddMustNot(bleve.NewDocIDQuery(ids))
		q = bq
	}

	req := bleve.NewSearchRequestOptions(q, k, 0, false)
	req.SortBy([]string{"-_score", "_id"})
	req.Fields = []string{"title", "tags"}

	b.mu.RLock()
	res, err := b.index.SearchInContext(ctx, req)
	b.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		id, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			b.logger.Warn("Skipping malformed bleve document id", zap.String("id", h.ID))
			continue
		}
		if !allows(filter, id) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: h.Score, Metadata: hitMetadata(h.Fields)})
	}
	sortHits(hits)
	return hits, nil
}

func hitMetadata(fields map[string]interface{}) Metadata {
	var md Metadata
	if title, ok := fields["title"].(string); ok {
		md.Title = title
	}
	if raw, ok := fields["tags"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &md.Tags)
	}
	return md
}

// Rebuild writes docs into a new generation directory with one batch, then swaps it in and
// removes the old generation.
func (b *BleveIndex) Rebuild(ctx context.Context, docs []Document) error {
	gen, idx, err := b.createGeneration()
	if err != nil {
		return fmt.Errorf("create generation: %w", err)
	}
	discard := func() {
		_ = idx.Close()
		_ = os.RemoveAll(filepath.Join(b.dir, gen))
	}

	batch := idx.NewBatch()
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			discard()
			return err
		}
		bd, err := toBleveDoc(d)
		if err != nil {
			discard()
			return fmt.Errorf("encode tags for guide %d: %w", d.ID, err)
		}
		if err := batch.Index(bleveID(d.ID), bd); err != nil {
			discard()
			return fmt.Errorf("batch guide %d: %w", d.ID, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		discard()
		return fmt.Errorf("apply batch: %w", err)
	}
	if err := b.writeCurrent(gen); err != nil {
		discard()
		return fmt.Errorf("write %s: %w", bleveCurrentFile, err)
	}

	b.mu.Lock()
	old, oldGen := b.index, b.gen
	b.index, b.gen = idx, gen
	b.mu.Unlock()

	if err := old.Close(); err != nil {
		b.logger.Warn("Failed to close previous bleve generation", zap.String("generation", oldGen), zap.Error(err))
	}
	if err := os.RemoveAll(filepath.Join(b.dir, oldGen)); err != nil {
		b.logger.Warn("Failed to remove previous bleve generation", zap.String("generation", oldGen), zap.Error(err))
	}
	return nil
}

// Size returns the document count, or 0 if Bleve cannot report it.
func (b *BleveIndex) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, err := b.index.DocCount()
	if err != nil {
		return 0
	}
	return int(n)
}

// Close closes the current generation.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index.Close()
}
