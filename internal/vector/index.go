// Package vector provides the guide similarity index and its backends.
package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hyperjump/guiderec/internal/models"
)

// ErrIndexUnavailable reports that the embedding model or index storage could not be initialized.
var ErrIndexUnavailable = errors.New("vector index unavailable")

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIndexUnavailable, fmt.Sprintf(format, args...))
}

// Index stores one document per guide and answers nearest-neighbour queries over them.
// Implementations are safe for concurrent use; queries never observe a partial Rebuild.
type Index interface {
	// Upsert inserts or replaces the document for doc.ID.
	Upsert(ctx context.Context, doc Document) error
	// Delete removes the document for id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id int64) error
	// Query returns up to k documents most similar to text, best first, ties by ascending id.
	Query(ctx context.Context, text string, k int, filter Filter) ([]Hit, error)
	// Rebuild replaces the whole index contents with docs.
	Rebuild(ctx context.Context, docs []Document) error
	Size() int
	Type() string
	Close() error
}

// Metadata is the guide information kept alongside each indexed document.
type Metadata struct {
	Title string
	Tags  []string
}

// Document is the indexed representation of one guide.
type Document struct {
	ID       int64
	Text     string
	Metadata Metadata
}

// Hit is a single query result.
type Hit struct {
	ID       int64
	Score    float64
	Metadata Metadata
}

// Filter restricts which documents a query may return.
type Filter interface {
	Allows(id int64) bool
}

// NoFilter admits every document.
type NoFilter struct{}

// Allows always returns true.
func (NoFilter) Allows(int64) bool { return true }

// ExcludeIDs rejects the listed guide ids.
type ExcludeIDs struct {
	IDs models.IDSet
}

// Allows reports whether id is outside the excluded set.
func (f ExcludeIDs) Allows(id int64) bool { return !f.IDs.Has(id) }

// Exclude returns ExcludeIDs for a non-empty set and NoFilter otherwise.
func Exclude(ids models.IDSet) Filter {
	if len(ids) == 0 {
		return NoFilter{}
	}
	return ExcludeIDs{IDs: ids}
}

// excludedIDs returns the ids a filter rejects by construction, or nil for NoFilter.
func excludedIDs(f Filter) []int64 {
	switch v := f.(type) {
	case ExcludeIDs:
		return v.IDs.Sorted()
	case *ExcludeIDs:
		if v != nil {
			return v.IDs.Sorted()
		}
	}
	return nil
}

func allows(f Filter, id int64) bool {
	if f == nil {
		return true
	}
	return f.Allows(id)
}

// sortHits orders hits by descending score, then ascending id.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
