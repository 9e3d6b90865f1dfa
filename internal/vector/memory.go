package vector

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/guiderec/internal/document"
	"github.com/hyperjump/guiderec/internal/embedding"
	"github.com/hyperjump/guiderec/pkg/utils"
)

const snapshotVersion = 1

// MemoryIndex keeps guide embeddings in memory and answers queries by brute-force inner product.
// When created with a path, every mutation is written to a gob snapshot so the index survives restart.
type MemoryIndex struct {
	embedder embedding.Embedder
	path     string
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[int64]*memoryEntry
	// pending records writes made while a rebuild is embedding; a nil entry is a delete.
	pending map[int64]*memoryEntry

	rebuildMu sync.Mutex
	saveMu    sync.Mutex
}

type memoryEntry struct {
	Vector   []float32
	Text     string
	Metadata Metadata
}

type memorySnapshot struct {
	Version    int
	Dimensions int
	Embedder   string
	Entries    map[int64]*memoryEntry
}

// NewMemoryIndex creates a memory index over embedder. A non-empty path is used as the snapshot
// file; an existing snapshot is loaded unless it was produced by a different embedder.
func NewMemoryIndex(embedder embedding.Embedder, path string, logger *zap.Logger) (*MemoryIndex, error) {
	if embedder == nil {
		return nil, unavailable("no embedder configured")
	}
	if embedder.Dimensions() <= 0 {
		return nil, unavailable("embedder %s reports %d dimensions", embedder.Name(), embedder.Dimensions())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MemoryIndex{
		embedder: embedder,
		path:     path,
		logger:   logger,
		entries:  make(map[int64]*memoryEntry),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

func (m *MemoryIndex) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vec) != m.embedder.Dimensions() {
		return nil, fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vec), m.embedder.Dimensions())
	}
	return vec, nil
}

// Upsert embeds doc.Text and stores it under doc.ID, replacing any previous entry.
func (m *MemoryIndex) Upsert(ctx context.Context, doc Document) error {
	text := document.Normalize(doc.Text)
	vec, err := m.embed(ctx, text)
	if err != nil {
		return err
	}
	e := &memoryEntry{Vector: vec, Text: text, Metadata: copyMetadata(doc.Metadata)}
	m.mu.Lock()
	m.entries[doc.ID] = e
	if m.pending != nil {
		m.pending[doc.ID] = e
	}
	m.mu.Unlock()
	return m.save()
}

// Delete removes id from the index.
func (m *MemoryIndex) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	_, ok := m.entries[id]
	delete(m.entries, id)
	if m.pending != nil {
		m.pending[id] = nil
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.save()
}

// Query returns the top-k entries by inner product with the embedding of text.
func (m *MemoryIndex) Query(ctx context.Context, text string, k int, filter Filter) ([]Hit, error) {
	text = document.Normalize(text)
	if k <= 0 || text == "" {
		return nil, nil
	}
	query, err := m.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	hits := make([]Hit, 0, len(m.entries))
	for id, e := range m.entries {
		if !allows(filter, id) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: utils.Dot(query, e.Vector), Metadata: e.Metadata})
	}
	m.mu.RUnlock()

	sortHits(hits)
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// Rebuild embeds docs into a fresh entry set and swaps it in. Queries running during the
// embedding phase see the previous contents. Upserts and deletes that land while it runs are
// replayed onto the fresh set before the swap.
func (m *MemoryIndex) Rebuild(ctx context.Context, docs []Document) error {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	m.mu.Lock()
	m.pending = make(map[int64]*memoryEntry)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.pending = nil
		m.mu.Unlock()
	}()

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = document.Normalize(d.Text)
	}
	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if len(vecs) != len(docs) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(vecs), len(docs))
	}
	fresh := make(map[int64]*memoryEntry, len(docs))
	for i, d := range docs {
		if len(vecs[i]) != m.embedder.Dimensions() {
			return fmt.Errorf("vector dimension mismatch for guide %d: got %d", d.ID, len(vecs[i]))
		}
		fresh[d.ID] = &memoryEntry{Vector: vecs[i], Text: texts[i], Metadata: copyMetadata(d.Metadata)}
	}
	m.mu.Lock()
	for id, e := range m.pending {
		if e == nil {
			delete(fresh, id)
		} else {
			fresh[id] = e
		}
	}
	m.entries = fresh
	m.pending = nil
	m.mu.Unlock()
	return m.save()
}

// Size returns the number of indexed guides.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close flushes the snapshot.
func (m *MemoryIndex) Close() error {
	return m.save()
}

// save writes the current entries to a temp file and renames it over the snapshot.
func (m *MemoryIndex) save() error {
	if m.path == "" {
		return nil
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	snap := memorySnapshot{
		Version:    snapshotVersion,
		Dimensions: m.embedder.Dimensions(),
		Embedder:   m.embedder.Name(),
		Entries:    make(map[int64]*memoryEntry, len(m.entries)),
	}
	for id, e := range m.entries {
		snap.Entries[id] = e
	}
	m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := m.path + "." + uuid.NewString() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(&snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (m *MemoryIndex) load() error {
	if m.path == "" {
		return nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return unavailable("open snapshot %s: %v", m.path, err)
	}
	defer f.Close()

	var snap memorySnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return unavailable("decode snapshot %s: %v", m.path, err)
	}
	if snap.Version != snapshotVersion || snap.Dimensions != m.embedder.Dimensions() || snap.Embedder != m.embedder.Name() {
		m.logger.Warn("Discarding incompatible index snapshot",
			zap.String("path", m.path),
			zap.Int("version", snap.Version),
			zap.String("embedder", snap.Embedder),
			zap.Int("dimensions", snap.Dimensions))
		return nil
	}
	if snap.Entries != nil {
		m.entries = snap.Entries
	}
	m.logger.Info("Loaded index snapshot", zap.String("path", m.path), zap.Int("documents", len(m.entries)))
	return nil
}

func copyMetadata(md Metadata) Metadata {
	out := Metadata{Title: md.Title}
	if len(md.Tags) > 0 {
		out.Tags = append([]string(nil), md.Tags...)
	}
	return out
}
