package recommend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/guiderec/internal/document"
	"github.com/hyperjump/guiderec/internal/indexer"
	"github.com/hyperjump/guiderec/internal/metrics"
	"github.com/hyperjump/guiderec/internal/models"
	"github.com/hyperjump/guiderec/internal/storage"
	"github.com/hyperjump/guiderec/internal/vector"
)

// Recommendation kinds used as metric labels.
const (
	kindUser    = "user"
	kindSimilar = "similar"
	kindTags    = "tags"
)

// Engine is the recommendation service. It is constructed once and shared by all requests.
type Engine struct {
	catalog  storage.Catalog
	index    vector.Index
	pipeline *indexer.Pipeline
	composer *document.Composer
	logger   *zap.Logger
	topTags  int
	breaker  BreakerSettings

	custom []Generator
	stages []*guardedGenerator
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for generator failures and fallbacks.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithComposer sets the document composer used for queries.
func WithComposer(c *document.Composer) Option {
	return func(e *Engine) { e.composer = c }
}

// WithTopTags sets how many liked tags the tag generator considers.
func WithTopTags(n int) Option {
	return func(e *Engine) { e.topTags = n }
}

// WithBreakerSettings configures the per-generator circuit breakers.
func WithBreakerSettings(s BreakerSettings) Option {
	return func(e *Engine) { e.breaker = s }
}

// WithGenerators replaces the content, tag and popularity stages, in priority order.
func WithGenerators(gens ...Generator) Option {
	return func(e *Engine) { e.custom = gens }
}

// NewEngine wires the generators over catalog and index. pipeline serves the indexing operations.
func NewEngine(catalog storage.Catalog, index vector.Index, pipeline *indexer.Pipeline, opts ...Option) *Engine {
	e := &Engine{
		catalog:  catalog,
		index:    index,
		pipeline: pipeline,
		logger:   zap.NewNop(),
		topTags:  DefaultTopTags,
		breaker:  DefaultBreakerSettings(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.composer == nil {
		e.composer = document.NewComposer(document.DefaultWeights)
	}
	gens := e.custom
	if gens == nil {
		gens = []Generator{
			NewContentGenerator(catalog, index, e.composer),
			NewTagGenerator(catalog, e.topTags),
			NewPopularityGenerator(catalog),
		}
	}
	for _, g := range gens {
		e.stages = append(e.stages, newGuardedGenerator(g, e.breaker, e.logger))
	}
	return e
}

// exclusions returns the user's authored guide ids and, when excludeLiked, liked guide ids.
func (e *Engine) exclusions(ctx context.Context, userID int64, excludeLiked bool) (models.IDSet, error) {
	var (
		wg                sync.WaitGroup
		authored, liked   models.IDSet
		authErr, likedErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		authored, authErr = e.catalog.FetchAuthoredGuideIDs(ctx, userID)
	}()
	if excludeLiked {
		wg.Add(1)
		go func() {
			defer wg.Done()
			liked, likedErr = e.catalog.FetchLikedGuideIDs(ctx, userID)
		}()
	}
	wg.Wait()
	if err := errors.Join(authErr, likedErr); err != nil {
		return nil, err
	}
	return authored.Union(liked), nil
}

// Recommend returns up to limit guide ids for userID that the user neither authored nor
// (when excludeLiked) liked. Stages run in order, each filling the remaining shortfall.
// A failing stage counts as empty; if every stage fails an unfiltered popularity query is
// tried. Recommend never returns an error: the worst case is an empty list.
func (e *Engine) Recommend(ctx context.Context, userID int64, limit int, excludeLiked bool) []int64 {
	started := time.Now()
	if limit <= 0 {
		return []int64{}
	}
	log := e.logger.With(zap.Int64("user_id", userID))

	exclude, err := e.exclusions(ctx, userID, excludeLiked)
	if err != nil {
		log.Warn("Failed to load exclusions", zap.Error(err))
		ids := e.popularFallback(ctx, limit, nil, log)
		metrics.ObserveRecommendation(kindUser, "fallback", started)
		return ids
	}

	chosen := make([]int64, 0, limit)
	seen := exclude.Union()
	failed := 0
	for _, stage := range e.stages {
		need := limit - len(chosen)
		if need <= 0 {
			break
		}
		ids, err := stage.Generate(ctx, userID, need, seen)
		if err != nil {
			failed++
			metrics.GeneratorFailures.WithLabelValues(stage.Name()).Inc()
			log.Warn("Candidate generator failed", zap.String("generator", stage.Name()), zap.Error(err))
			continue
		}
		added := 0
		for _, id := range ids {
			if len(chosen) >= limit {
				break
			}
			if seen.Has(id) {
				continue
			}
			seen.Add(id)
			chosen = append(chosen, id)
			added++
		}
		metrics.GeneratorResults.WithLabelValues(stage.Name()).Add(float64(added))
	}

	if len(chosen) == 0 && failed > 0 && failed == len(e.stages) {
		log.Warn("All candidate generators failed, using unfiltered popularity")
		ids := e.popularFallback(ctx, limit, exclude, log)
		metrics.ObserveRecommendation(kindUser, "fallback", started)
		return ids
	}
	metrics.ObserveRecommendation(kindUser, outcome(len(chosen), limit), started)
	return chosen
}

// popularFallback queries popularity without pushing exclusions into the catalog and filters
// them afterwards. On error it returns an empty list.
func (e *Engine) popularFallback(ctx context.Context, limit int, exclude models.IDSet, log *zap.Logger) []int64 {
	ids, err := e.catalog.FetchPopularGuides(ctx, limit+len(exclude), nil)
	if err != nil {
		log.Warn("Popularity fallback failed", zap.Error(err))
		return []int64{}
	}
	return keep(ids, exclude, limit)
}

func outcome(n, limit int) string {
	switch {
	case n == 0:
		return "empty"
	case n >= limit:
		return "filled"
	default:
		return "partial"
	}
}

// queryOrPopular runs text against the index excluding exclude, then tops the list up with
// popular guides. Index failures are logged and leave the list to popularity.
func (e *Engine) queryOrPopular(ctx context.Context, text string, limit int, exclude models.IDSet, log *zap.Logger) []int64 {
	var ids []int64
	if text != "" {
		hits, err := e.index.Query(ctx, text, limit+len(exclude), vector.Exclude(exclude))
		if err != nil {
			log.Warn("Index query failed", zap.Error(err))
		}
		for _, h := range hits {
			ids = append(ids, h.ID)
		}
		ids = keep(ids, exclude, limit)
	}
	if len(ids) >= limit {
		return ids
	}
	seen := exclude.Union(models.NewIDSet(ids...))
	popular, err := e.catalog.FetchPopularGuides(ctx, limit-len(ids), seen)
	if err != nil {
		log.Warn("Popularity fallback failed", zap.Error(err))
		return append([]int64{}, ids...)
	}
	return append(append([]int64{}, ids...), keep(popular, seen, limit-len(ids))...)
}

// Similar returns up to limit guides most similar to guideID, excluding the guide itself.
// It returns storage.ErrNotFound for an unknown guide.
func (e *Engine) Similar(ctx context.Context, guideID int64, limit int) ([]int64, error) {
	started := time.Now()
	g, err := e.catalog.GetGuide(ctx, guideID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []int64{}, nil
	}
	log := e.logger.With(zap.Int64("guide_id", guideID))
	ids := e.queryOrPopular(ctx, e.composer.ComposeGuide(g), limit, models.NewIDSet(guideID), log)
	metrics.ObserveRecommendation(kindSimilar, outcome(len(ids), limit), started)
	return ids, nil
}

// ByTags returns up to limit guides matching the names of tagIDs. Unknown tags are ignored;
// with no usable tags the result is the popularity ranking.
func (e *Engine) ByTags(ctx context.Context, tagIDs []int64, limit int) []int64 {
	started := time.Now()
	if limit <= 0 {
		return []int64{}
	}
	log := e.logger.With(zap.Int64s("tag_ids", tagIDs))
	var text string
	if len(tagIDs) > 0 {
		tags, err := e.catalog.FetchTagsByIDs(ctx, tagIDs)
		if err != nil {
			log.Warn("Failed to load tags", zap.Error(err))
		}
		names := make([]string, len(tags))
		for i, t := range tags {
			names[i] = t.Name
		}
		text = document.Normalize(strings.Join(names, " "))
	}
	ids := e.queryOrPopular(ctx, text, limit, nil, log)
	metrics.ObserveRecommendation(kindTags, outcome(len(ids), limit), started)
	return ids
}

// IndexGuide indexes g and reports whether it was indexed. Failures are logged, not returned.
func (e *Engine) IndexGuide(ctx context.Context, g *models.Guide) bool {
	ok, _ := e.pipeline.IndexOne(ctx, g)
	return ok
}

// IndexAllGuides rebuilds the index from the whole catalog.
func (e *Engine) IndexAllGuides(ctx context.Context) (int, error) {
	return e.pipeline.IndexAll(ctx)
}

// RemoveGuideFromIndex removes guideID from the index and reports success.
func (e *Engine) RemoveGuideFromIndex(ctx context.Context, guideID int64) bool {
	ok, _ := e.pipeline.Remove(ctx, guideID)
	return ok
}

// Status summarizes the index and breaker states.
type Status struct {
	IndexType      string            `json:"index_type"`
	IndexDocuments int               `json:"index_documents"`
	Breakers       map[string]string `json:"breakers"`
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	s := Status{IndexType: e.index.Type(), IndexDocuments: e.index.Size(), Breakers: make(map[string]string, len(e.stages))}
	for _, st := range e.stages {
		s.Breakers[st.Name()] = st.State().String()
	}
	return s
}

// Hydrate loads guide summaries for ids in order, dropping ids that no longer exist.
func Hydrate(ctx context.Context, catalog storage.Catalog, ids []int64) ([]*models.GuideSummary, error) {
	guides, err := catalog.FetchGuidesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch guides: %w", err)
	}
	out := make([]*models.GuideSummary, 0, len(guides))
	for _, g := range guides {
		out = append(out, &models.GuideSummary{
			ID:          g.ID,
			Title:       g.Title,
			Description: g.Description,
			Tags:        g.TagNames(),
			CreatedAt:   g.CreatedAt.UTC().Format(time.RFC3339),
			LikeCount:   g.LikeCount,
		})
	}
	return out, nil
}
