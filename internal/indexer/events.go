package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/guiderec/internal/models"
	"github.com/hyperjump/guiderec/internal/storage"
)

// TopicGuideEvents carries GuideEvent for every catalog mutation. Upserts and deletes share
// the topic so one subscriber applies them sequentially.
const TopicGuideEvents = "guides.events"

// GuideEvent is the payload of catalog mutation messages.
type GuideEvent struct {
	GuideID int64 `json:"guide_id"`
	Deleted bool  `json:"deleted,omitempty"`
}

// Notifier is told about catalog mutations so the index can follow them.
type Notifier interface {
	GuideChanged(ctx context.Context, g *models.Guide)
	GuideDeleted(ctx context.Context, guideID int64)
}

// DirectNotifier indexes synchronously on the caller's goroutine. Errors are logged by the pipeline.
type DirectNotifier struct {
	Pipeline *Pipeline
}

// GuideChanged upserts g.
func (n DirectNotifier) GuideChanged(ctx context.Context, g *models.Guide) {
	_, _ = n.Pipeline.IndexOne(ctx, g)
}

// GuideDeleted removes guideID.
func (n DirectNotifier) GuideDeleted(ctx context.Context, guideID int64) {
	_, _ = n.Pipeline.Remove(ctx, guideID)
}

// Publisher publishes catalog mutations as watermill messages for a Consumer.
type Publisher struct {
	pub    message.Publisher
	logger *zap.Logger
}

// NewPublisher wraps pub.
func NewPublisher(pub message.Publisher, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{pub: pub, logger: logger}
}

func (p *Publisher) publish(ev GuideEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to encode guide event", zap.Int64("guide_id", ev.GuideID), zap.Error(err))
		return
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if err := p.pub.Publish(TopicGuideEvents, msg); err != nil {
		p.logger.Warn("Failed to publish guide event",
			zap.Int64("guide_id", ev.GuideID), zap.Bool("deleted", ev.Deleted), zap.Error(err))
	}
}

// GuideChanged publishes an upsert event for g.
func (p *Publisher) GuideChanged(_ context.Context, g *models.Guide) {
	if g != nil {
		p.publish(GuideEvent{GuideID: g.ID})
	}
}

// GuideDeleted publishes a delete event.
func (p *Publisher) GuideDeleted(_ context.Context, guideID int64) {
	p.publish(GuideEvent{GuideID: guideID, Deleted: true})
}

// Consumer applies guide events to the pipeline one at a time. Upsert events re-read the guide
// from the catalog when they are handled, so the index converges on the catalog even when the
// transport reorders deliveries.
type Consumer struct {
	sub      message.Subscriber
	catalog  storage.Catalog
	pipeline *Pipeline
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer reading from sub.
func NewConsumer(sub message.Subscriber, catalog storage.Catalog, pipeline *Pipeline, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{sub: sub, catalog: catalog, pipeline: pipeline, logger: logger}
}

// Start subscribes to TopicGuideEvents and processes messages one at a time until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	messages, err := c.sub.Subscribe(ctx, TopicGuideEvents)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicGuideEvents, err)
	}
	c.wg.Add(1)
	go c.consume(ctx, messages)
	return nil
}

// Wait blocks until the subscription loop has exited.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) consume(ctx context.Context, messages <-chan *message.Message) {
	defer c.wg.Done()
	for msg := range messages {
		var ev GuideEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			c.logger.Warn("Dropping malformed guide event", zap.String("message_id", msg.UUID), zap.Error(err))
			msg.Ack()
			continue
		}
		if ev.Deleted {
			_, _ = c.pipeline.Remove(ctx, ev.GuideID)
		} else {
			c.handleUpsert(ctx, ev.GuideID)
		}
		// Indexing failures are logged by the pipeline; redelivery would not fix them.
		msg.Ack()
	}
}

func (c *Consumer) handleUpsert(ctx context.Context, guideID int64) {
	g, err := c.catalog.GetGuide(ctx, guideID)
	if errors.Is(err, storage.ErrNotFound) {
		_, _ = c.pipeline.Remove(ctx, guideID)
		return
	}
	if err != nil {
		c.logger.Warn("Failed to load guide for indexing", zap.Int64("guide_id", guideID), zap.Error(err))
		return
	}
	if ok, _ := c.pipeline.IndexOne(ctx, g); !ok {
		return
	}
	// The guide may have been deleted while it was being embedded.
	if _, err := c.catalog.GetGuide(ctx, guideID); errors.Is(err, storage.ErrNotFound) {
		_, _ = c.pipeline.Remove(ctx, guideID)
	}
}
