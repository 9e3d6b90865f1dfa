package main

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/hyperjump/guiderec/internal/config"
	"github.com/hyperjump/guiderec/internal/document"
	"github.com/hyperjump/guiderec/internal/embedding"
	"github.com/hyperjump/guiderec/internal/indexer"
	"github.com/hyperjump/guiderec/internal/recommend"
	"github.com/hyperjump/guiderec/internal/storage"
	"github.com/hyperjump/guiderec/internal/vector"
)

// Components holds the process-wide services shared by every command.
type Components struct {
	Storage  storage.Storage
	Embedder embedding.Embedder
	Index    vector.Index
	Pipeline *indexer.Pipeline
	Engine   *recommend.Engine
	Notifier indexer.Notifier

	logger   *zap.Logger
	pubSub   *gochannel.GoChannel
	consumer *indexer.Consumer
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	embedder, err := embedding.New(embedding.Options{
		Provider:   cfg.Embedding.Provider,
		ModelPath:  cfg.Embedding.ModelPath,
		Dimensions: cfg.Embedding.Dimensions,
		MaxTokens:  cfg.Embedding.MaxTokens,
		CacheSize:  cfg.Embedding.CacheSize,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	index, err := vector.NewIndex(vector.Options{
		Backend:     cfg.Index.Backend,
		Path:        cfg.Storage.IndexPath,
		PostgresDSN: cfg.Index.PostgresDSN,
		Logger:      logger,
	}, embedder)
	if err != nil {
		embedder.Close()
		store.Close()
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	logger.Info("vector index initialized",
		zap.String("index", vector.Describe(index)),
		zap.String("embedder", embedder.Name()))

	composer := document.NewComposer(document.Weights{
		Title:       cfg.Recommend.TitleWeight,
		Description: cfg.Recommend.DescriptionWeight,
		Tags:        cfg.Recommend.TagsWeight,
	})
	pipeline := indexer.NewPipeline(store, index, composer,
		indexer.WithLogger(logger),
		indexer.WithBatchSize(cfg.Recommend.BatchSize))
	engine := recommend.NewEngine(store, index, pipeline,
		recommend.WithLogger(logger),
		recommend.WithComposer(composer),
		recommend.WithTopTags(cfg.Recommend.TopTags),
		recommend.WithBreakerSettings(recommend.BreakerSettings{
			MaxRequests:      cfg.Recommend.Breaker.MaxRequests,
			Interval:         cfg.Recommend.Breaker.Interval,
			Timeout:          cfg.Recommend.Breaker.Timeout,
			FailureThreshold: cfg.Recommend.Breaker.FailureThreshold,
		}))

	c := &Components{
		Storage:  store,
		Embedder: embedder,
		Index:    index,
		Pipeline: pipeline,
		Engine:   engine,
		Notifier: indexer.DirectNotifier{Pipeline: pipeline},
		logger:   logger,
	}
	if cfg.Index.AsyncUpdatesOrDefault() {
		c.pubSub = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, indexer.NewWatermillLogger(logger))
		c.Notifier = indexer.NewPublisher(c.pubSub, logger)
		c.consumer = indexer.NewConsumer(c.pubSub, store, pipeline, logger)
	}
	return c, nil
}

// StartConsumer begins applying published guide events to the index. It is a no-op when
// updates are synchronous.
func (c *Components) StartConsumer(ctx context.Context) error {
	if c.consumer == nil {
		return nil
	}
	return c.consumer.Start(ctx)
}

// Close drains pending guide events and releases every component in reverse order.
func (c *Components) Close() {
	if c.pubSub != nil {
		if err := c.pubSub.Close(); err != nil {
			c.logger.Warn("event bus close failed", zap.Error(err))
		}
		c.consumer.Wait()
	}
	if err := c.Index.Close(); err != nil {
		c.logger.Warn("vector index close failed", zap.Error(err))
	}
	if err := c.Embedder.Close(); err != nil {
		c.logger.Warn("embedder close failed", zap.Error(err))
	}
	if err := c.Storage.Close(); err != nil {
		c.logger.Warn("storage close failed", zap.Error(err))
	}
}
