package vector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hyperjump/guiderec/internal/document"
	"github.com/hyperjump/guiderec/internal/embedding"
)

const pgInsertBatch = 100

// PGVectorIndex stores guide embeddings in PostgreSQL with the pgvector extension and ranks by
// cosine distance in SQL. Rebuild runs in one transaction, so readers see the old or the new rows.
type PGVectorIndex struct {
	db       *gorm.DB
	embedder embedding.Embedder
	logger   *zap.Logger
}

type guideEmbedding struct {
	GuideID   int64           `gorm:"column:guide_id;primaryKey;autoIncrement:false"`
	Text      string          `gorm:"column:text"`
	Title     string          `gorm:"column:title"`
	Tags      string          `gorm:"column:tags"`
	Embedding pgvector.Vector `gorm:"column:embedding"`
}

func (guideEmbedding) TableName() string {
	return "guide_embeddings"
}

type scoredGuideEmbedding struct {
	GuideID int64
	Title   string
	Tags    string
	Score   float64
}

// NewPGVectorIndex connects to dsn, ensures the vector extension and the guide_embeddings table exist.
func NewPGVectorIndex(dsn string, embedder embedding.Embedder, logger *zap.Logger) (*PGVectorIndex, error) {
	if dsn == "" {
		return nil, unavailable("pgvector index requires index.postgres_dsn")
	}
	if embedder == nil || embedder.Dimensions() <= 0 {
		return nil, unavailable("pgvector index requires an embedder with positive dimensions")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, unavailable("connect postgres: %v", err)
	}
	p := &PGVectorIndex{db: db, embedder: embedder, logger: logger}
	if err := p.initSchema(); err != nil {
		p.Close()
		return nil, unavailable("init pgvector schema: %v", err)
	}
	return p, nil
}

func (p *PGVectorIndex) initSchema() error {
	if err := p.db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return err
	}
	return p.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS guide_embeddings (
	guide_id BIGINT PRIMARY KEY,
	text TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	embedding vector(%d) NOT NULL
)`, p.embedder.Dimensions())).Error
}

// Type returns the index type identifier.
func (p *PGVectorIndex) Type() string {
	return string(IndexTypePGVector)
}

func (p *PGVectorIndex) row(doc Document, vec []float32) (guideEmbedding, error) {
	tags, err := json.Marshal(doc.Metadata.Tags)
	if err != nil {
		return guideEmbedding{}, fmt.Errorf("encode tags: %w", err)
	}
	return guideEmbedding{
		GuideID:   doc.ID,
		Text:      document.Normalize(doc.Text),
		Title:     doc.Metadata.Title,
		Tags:      string(tags),
		Embedding: pgvector.NewVector(vec),
	}, nil
}

// Upsert embeds doc and writes it with INSERT ... ON CONFLICT (guide_id) DO UPDATE.
func (p *PGVectorIndex) Upsert(ctx context.Context, doc Document) error {
	vec, err := p.embedder.Embed(ctx, document.Normalize(doc.Text))
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	row, err := p.row(doc, vec)
	if err != nil {
		return err
	}
	err = p.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "guide_id"}}, UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert guide %d: %w", doc.ID, err)
	}
	return nil
}

// Delete removes the row for id.
func (p *PGVectorIndex) Delete(ctx context.Context, id int64) error {
	if err := p.db.WithContext(ctx).Where("guide_id = ?", id).Delete(&guideEmbedding{}).Error; err != nil {
		return fmt.Errorf("delete guide %d: %w", id, err)
	}
	return nil
}

// Query orders rows by cosine distance to the embedding of text, then guide_id.
func (p *PGVectorIndex) Query(ctx context.Context, text string, k int, filter Filter) ([]Hit, error) {
	text = document.Normalize(text)
	if k <= 0 || text == "" {
		return nil, nil
	}
	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	qv := pgvector.NewVector(vec)

	q := p.db.WithContext(ctx).
		Model(&guideEmbedding{}).
		Select("guide_id, title, tags, 1 - (embedding <=> ?) AS score", qv)
	if excluded := excludedIDs(filter); len(excluded) > 0 {
		q = q.Where("guide_id NOT IN ?", excluded)
	}
	var rows []scoredGuideEmbedding
	err = q.Order(gorm.Expr("embedding <=> ? ASC, guide_id ASC", qv)).
		Limit(k).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("pgvector query: %w", err)
	}

	hits := make([]Hit, 0, len(rows))
	for _, r := range rows {
		if !allows(filter, r.GuideID) {
			continue
		}
		md := Metadata{Title: r.Title}
		if r.Tags != "" {
			_ = json.Unmarshal([]byte(r.Tags), &md.Tags)
		}
		hits = append(hits, Hit{ID: r.GuideID, Score: r.Score, Metadata: md})
	}
	sortHits(hits)
	return hits, nil
}

// Rebuild replaces every row inside one transaction.
func (p *PGVectorIndex) Rebuild(ctx context.Context, docs []Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = document.Normalize(d.Text)
	}
	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if len(vecs) != len(docs) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(vecs), len(docs))
	}
	rows := make([]guideEmbedding, len(docs))
	for i, d := range docs {
		if rows[i], err = p.row(d, vecs[i]); err != nil {
			return err
		}
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM guide_embeddings").Error; err != nil {
			return fmt.Errorf("clear guide_embeddings: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, pgInsertBatch).Error; err != nil {
			return fmt.Errorf("insert guide_embeddings: %w", err)
		}
		return nil
	})
}

// Size returns the row count, or 0 when the count fails.
func (p *PGVectorIndex) Size() int {
	var n int64
	if err := p.db.Model(&guideEmbedding{}).Count(&n).Error; err != nil {
		p.logger.Warn("Failed to count guide embeddings", zap.Error(err))
		return 0
	}
	return int(n)
}

// Close closes the underlying connection pool.
func (p *PGVectorIndex) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
