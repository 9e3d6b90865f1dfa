package vector

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/guiderec/internal/embedding"
)

// IndexType represents the vector index backend.
type IndexType string

const (
	// IndexTypeMemory embeds guides and searches them in memory, persisting a gob snapshot.
	IndexTypeMemory IndexType = "memory"
	// IndexTypeBleve ranks guides by Bleve's term-weighted score over the composed text.
	IndexTypeBleve IndexType = "bleve"
	// IndexTypePGVector stores embeddings in PostgreSQL with the pgvector extension.
	IndexTypePGVector IndexType = "pgvector"
)

const memorySnapshotFile = "guides.gob"

// Options configures NewIndex.
type Options struct {
	Backend     string
	Path        string // directory for memory and bleve backends
	PostgresDSN string
	Logger      *zap.Logger
}

// NewIndex creates the backend named by opts.Backend. Supported: "memory" (default), "bleve", "pgvector".
// Construction errors wrap ErrIndexUnavailable.
func NewIndex(opts Options, embedder embedding.Embedder) (Index, error) {
	switch IndexType(opts.Backend) {
	case IndexTypeMemory, "":
		path := ""
		if opts.Path != "" {
			path = filepath.Join(opts.Path, memorySnapshotFile)
		}
		return NewMemoryIndex(embedder, path, opts.Logger)
	case IndexTypeBleve:
		if opts.Path == "" {
			return nil, unavailable("bleve index requires storage.index_path")
		}
		return NewBleveIndex(filepath.Join(opts.Path, "bleve"), opts.Logger)
	case IndexTypePGVector:
		return NewPGVectorIndex(opts.PostgresDSN, embedder, opts.Logger)
	default:
		return nil, unavailable("unknown index backend: %s (supported: memory, bleve, pgvector)", opts.Backend)
	}
}

// Describe returns a short human-readable description of idx for status output.
func Describe(idx Index) string {
	return fmt.Sprintf("%s (%d documents)", idx.Type(), idx.Size())
}
