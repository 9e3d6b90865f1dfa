// Package recommend produces ranked guide recommendations from content similarity,
// tag affinity and popularity, with staged fallback between them.
package recommend

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hyperjump/guiderec/internal/document"
	"github.com/hyperjump/guiderec/internal/models"
	"github.com/hyperjump/guiderec/internal/storage"
	"github.com/hyperjump/guiderec/internal/vector"
)

// Generator names, also used as metric and breaker labels.
const (
	GeneratorContent    = "content"
	GeneratorTags       = "tags"
	GeneratorPopularity = "popularity"
)

// DefaultTopTags is how many of a user's most frequent liked tags the tag generator uses.
const DefaultTopTags = 3

// Generator produces up to limit guide ids for userID, best first, without duplicates
// and without any id in exclude.
type Generator interface {
	Name() string
	Generate(ctx context.Context, userID int64, limit int, exclude models.IDSet) ([]int64, error)
}

// GeneratorError records which generator failed.
type GeneratorError struct {
	Generator string
	Err       error
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("%s generator: %v", e.Generator, e.Err)
}

func (e *GeneratorError) Unwrap() error {
	return e.Err
}

// keep returns ids not in exclude, first occurrence only, truncated to limit.
func keep(ids []int64, exclude models.IDSet, limit int) []int64 {
	out := make([]int64, 0, min(len(ids), limit))
	seen := make(models.IDSet, len(ids))
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		if exclude.Has(id) || seen.Has(id) {
			continue
		}
		seen.Add(id)
		out = append(out, id)
	}
	return out
}

// ContentGenerator queries the vector index with the composed documents of the user's liked guides.
type ContentGenerator struct {
	catalog  storage.Catalog
	index    vector.Index
	composer *document.Composer
}

// NewContentGenerator creates a content-similarity generator.
func NewContentGenerator(catalog storage.Catalog, index vector.Index, composer *document.Composer) *ContentGenerator {
	if composer == nil {
		composer = document.NewComposer(document.DefaultWeights)
	}
	return &ContentGenerator{catalog: catalog, index: index, composer: composer}
}

// Name returns "content".
func (g *ContentGenerator) Name() string { return GeneratorContent }

// Generate returns the nearest indexed guides to the user's liked guides. It over-fetches by
// |exclude| so the excluded ids do not eat into limit.
func (g *ContentGenerator) Generate(ctx context.Context, userID int64, limit int, exclude models.IDSet) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	liked, err := g.catalog.FetchLikedGuides(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch liked guides: %w", err)
	}
	parts := make([]string, 0, len(liked))
	for _, guide := range liked {
		if text := g.composer.ComposeGuide(guide); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}
	hits, err := g.index.Query(ctx, strings.Join(parts, " "), limit+len(exclude), vector.Exclude(exclude))
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return keep(ids, exclude, limit), nil
}

// TagGenerator ranks guides by how many of the user's most frequent liked tags they carry.
type TagGenerator struct {
	catalog storage.Catalog
	topN    int
}

// NewTagGenerator creates a tag-affinity generator using the topN most frequent tags.
func NewTagGenerator(catalog storage.Catalog, topN int) *TagGenerator {
	if topN <= 0 {
		topN = DefaultTopTags
	}
	return &TagGenerator{catalog: catalog, topN: topN}
}

// Name returns "tags".
func (g *TagGenerator) Name() string { return GeneratorTags }

// TopTags counts tag occurrences across guides and returns the ids of the n most frequent,
// ties broken by ascending tag id.
func TopTags(guides []*models.Guide, n int) []int64 {
	counts := make(map[int64]int)
	for _, guide := range guides {
		for _, t := range guide.Tags {
			counts[t.ID]++
		}
	}
	ids := make([]int64, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// Generate returns guides sharing the user's top liked tags.
func (g *TagGenerator) Generate(ctx context.Context, userID int64, limit int, exclude models.IDSet) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	liked, err := g.catalog.FetchLikedGuides(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch liked guides: %w", err)
	}
	tagIDs := TopTags(liked, g.topN)
	if len(tagIDs) == 0 {
		return nil, nil
	}
	ids, err := g.catalog.FetchGuidesByTags(ctx, tagIDs, exclude, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch guides by tags: %w", err)
	}
	return keep(ids, exclude, limit), nil
}

// PopularityGenerator returns the most-liked guides. It ignores the user.
type PopularityGenerator struct {
	catalog storage.Catalog
}

// NewPopularityGenerator creates the popularity generator.
func NewPopularityGenerator(catalog storage.Catalog) *PopularityGenerator {
	return &PopularityGenerator{catalog: catalog}
}

// Name returns "popularity".
func (g *PopularityGenerator) Name() string { return GeneratorPopularity }

// Generate returns guides by like_count descending, then id ascending.
func (g *PopularityGenerator) Generate(ctx context.Context, _ int64, limit int, exclude models.IDSet) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := g.catalog.FetchPopularGuides(ctx, limit, exclude)
	if err != nil {
		return nil, fmt.Errorf("fetch popular guides: %w", err)
	}
	return keep(ids, exclude, limit), nil
}
