package indexer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/guiderec/internal/models"
	"github.com/hyperjump/guiderec/internal/storage"
	"github.com/hyperjump/guiderec/internal/vector"
)

func TestConsumer_AppliesGuideEvents(t *testing.T) {
	p, store, idx := newTestPipeline(t)
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer := NewConsumer(pubSub, store, p, nil)
	require.NoError(t, consumer.Start(ctx))

	publisher := NewPublisher(pubSub, nil)
	g := createGuide(t, store, "Alpine hiking", "Glacier routes", "hiking")
	publisher.GuideChanged(ctx, g)

	require.Eventually(t, func() bool { return idx.Size() == 1 }, 2*time.Second, 10*time.Millisecond)

	publisher.GuideDeleted(ctx, g.ID)
	require.Eventually(t, func() bool { return idx.Size() == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	consumer.Wait()
}

func TestConsumer_UpsertOfMissingGuideRemovesIt(t *testing.T) {
	p, store, idx := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, idx.Upsert(ctx, vector.Document{ID: 42, Text: "orphan"}))

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })
	consumer := NewConsumer(pubSub, store, p, nil)
	require.NoError(t, consumer.Start(ctx))

	require.NoError(t, pubSub.Publish(TopicGuideEvents, message.NewMessage(watermill.NewUUID(), []byte(`not json`))))
	require.NoError(t, pubSub.Publish(TopicGuideEvents, message.NewMessage(watermill.NewUUID(), []byte(`{"guide_id":42}`))))

	require.Eventually(t, func() bool { return idx.Size() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// gatedCatalog holds the first GetGuide call after it has read the guide, so the catalog can
// change underneath an in-flight upsert.
type gatedCatalog struct {
	storage.Catalog
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedCatalog(c storage.Catalog) *gatedCatalog {
	return &gatedCatalog{Catalog: c, entered: make(chan struct{}), release: make(chan struct{})}
}

func (c *gatedCatalog) GetGuide(ctx context.Context, id int64) (*models.Guide, error) {
	g, err := c.Catalog.GetGuide(ctx, id)
	first := false
	c.once.Do(func() { first = true })
	if first {
		close(c.entered)
		<-c.release
	}
	return g, err
}

func indexedIDs(t *testing.T, idx vector.Index) map[int64]bool {
	t.Helper()
	hits, err := idx.Query(context.Background(), "guide", 100, vector.NoFilter{})
	require.NoError(t, err)
	ids := make(map[int64]bool, len(hits))
	for _, h := range hits {
		ids[h.ID] = true
	}
	return ids
}

func startGatedConsumer(t *testing.T) (*Publisher, *gatedCatalog, *storage.SQLiteStorage, vector.Index) {
	t.Helper()
	p, store, idx := newTestPipeline(t)
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	gate := newGatedCatalog(store)
	consumer := NewConsumer(pubSub, gate, p, nil)
	require.NoError(t, consumer.Start(ctx))
	t.Cleanup(func() {
		cancel()
		consumer.Wait()
	})
	return NewPublisher(pubSub, nil), gate, store, idx
}

func TestConsumer_DeleteDuringUpsertIsNotResurrected(t *testing.T) {
	publisher, gate, store, idx := startGatedConsumer(t)
	ctx := context.Background()
	g := createGuide(t, store, "Alpine hiking", "Glacier routes", "hiking")
	later := createGuide(t, store, "Bread baking", "Sourdough starter", "baking")

	publisher.GuideChanged(ctx, g)
	<-gate.entered
	require.NoError(t, store.DeleteGuide(ctx, g.ID))
	publisher.GuideDeleted(ctx, g.ID)
	publisher.GuideChanged(ctx, later)
	close(gate.release)

	require.Eventually(t, func() bool {
		ids := indexedIDs(t, idx)
		return ids[later.ID] && !ids[g.ID]
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, idx.Size())
}

func TestConsumer_UpsertRechecksCatalogAfterIndexing(t *testing.T) {
	publisher, gate, store, idx := startGatedConsumer(t)
	ctx := context.Background()
	g := createGuide(t, store, "Chess openings", "Sicilian defence")
	later := createGuide(t, store, "Knots", "Bowline and hitches")

	publisher.GuideChanged(ctx, g)
	<-gate.entered
	// No delete event follows; only the second catalog read catches the removal.
	require.NoError(t, store.DeleteGuide(ctx, g.ID))
	publisher.GuideChanged(ctx, later)
	close(gate.release)

	require.Eventually(t, func() bool {
		ids := indexedIDs(t, idx)
		return ids[later.ID] && !ids[g.ID]
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublisher_EncodesEventKind(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, TopicGuideEvents)
	require.NoError(t, err)

	publisher := NewPublisher(pubSub, nil)
	publisher.GuideChanged(ctx, &models.Guide{ID: 3})
	publisher.GuideDeleted(ctx, 3)

	var payloads []string
	for len(payloads) < 2 {
		select {
		case msg := <-messages:
			payloads = append(payloads, string(msg.Payload))
			msg.Ack()
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for guide events")
		}
	}
	assert.ElementsMatch(t, []string{`{"guide_id":3}`, `{"guide_id":3,"deleted":true}`}, payloads)
}

func TestDirectNotifier(t *testing.T) {
	p, store, idx := newTestPipeline(t)
	ctx := context.Background()
	n := DirectNotifier{Pipeline: p}
	g := createGuide(t, store, "Chess openings", "Sicilian defence")

	n.GuideChanged(ctx, g)
	assert.Equal(t, 1, idx.Size())
	n.GuideDeleted(ctx, g.ID)
	assert.Equal(t, 0, idx.Size())
}
