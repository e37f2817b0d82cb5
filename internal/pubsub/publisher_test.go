package pubsub_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/pubsub"
)

func TestTopicName(t *testing.T) {
	require.Equal(t, "marketdata-trade-binance", pubsub.TopicName("marketdata", "trade", "Binance"))
	require.Equal(t, "marketdata-kline-binance", pubsub.TopicName("marketdata", "kline_1m", "binance"))
	require.Equal(t, "md-depth-kraken", pubsub.TopicName("md", "depth", "kraken"))
}

func TestGateTogglesPublication(t *testing.T) {
	mem := pubsub.NewMemoryPublisher()
	gate := pubsub.NewGate(mem)

	enabled, _ := gate.Enabled()
	require.True(t, enabled)

	require.NoError(t, gate.Publish(context.Background(), "t", []byte("a"), nil))
	require.Len(t, mem.Messages(), 1)

	require.True(t, gate.SetEnabled(false, "maintenance"))
	require.False(t, gate.SetEnabled(false, "again"), "repeat toggle is a no-op")

	require.NoError(t, gate.Publish(context.Background(), "t", []byte("b"), nil))
	require.Len(t, mem.Messages(), 1, "disabled gate drops instead of publishing")

	require.True(t, gate.SetEnabled(true, "resume"))
	require.NoError(t, gate.Publish(context.Background(), "t", []byte("c"), nil))
	require.Len(t, mem.Messages(), 2)

	stats := gate.Stats()
	require.Equal(t, uint64(2), stats.Published)
	require.Equal(t, uint64(1), stats.Dropped)
	require.True(t, stats.Enabled)
	require.Equal(t, "resume", stats.Reason)
}

func TestGateCountsFailures(t *testing.T) {
	mem := pubsub.NewMemoryPublisher()
	gate := pubsub.NewGate(mem)

	mem.FailNext(1)
	err := gate.Publish(context.Background(), "t", []byte("x"), nil)
	require.Error(t, err)
	require.Equal(t, errs.CodeSink, errs.CodeOf(err))
	require.Equal(t, uint64(1), gate.Stats().Failures)
}

func TestMemoryPublisherRetainsByTopic(t *testing.T) {
	mem := pubsub.NewMemoryPublisher()
	require.NoError(t, mem.Publish(context.Background(), "a", []byte("1"), map[string]string{"k": "v"}))
	require.NoError(t, mem.Publish(context.Background(), "b", []byte("2"), nil))

	msgs := mem.TopicMessages("a")
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("1"), msgs[0].Payload)
	require.Equal(t, "v", msgs[0].Attrs["k"])

	require.NoError(t, mem.Close())
	err := mem.Publish(context.Background(), "a", []byte("3"), nil)
	require.Equal(t, errs.CodeSink, errs.CodeOf(err))
}
