package indexer

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWatermillLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	adapter := NewWatermillLogger(zap.New(core)).With(watermill.LogFields{"topic": TopicGuideEvents})

	adapter.Info("subscribed", nil)
	adapter.Trace("message received", watermill.LogFields{"uuid": "m1"})
	adapter.Error("publish failed", errors.New("closed"), nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, TopicGuideEvents, entries[0].ContextMap()["topic"])
	assert.Equal(t, zap.DebugLevel, entries[1].Level)
	assert.Equal(t, "m1", entries[1].ContextMap()["uuid"])
	assert.Equal(t, zap.ErrorLevel, entries[2].Level)
	assert.Equal(t, "closed", entries[2].ContextMap()["error"])
}
