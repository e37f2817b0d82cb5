package router

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/broadcast"
	"github.com/coachpo/tickgate/internal/cache"
	"github.com/coachpo/tickgate/internal/pubsub"
	"github.com/coachpo/tickgate/internal/schema"
)

// PublisherSink serializes records and publishes them to per-type topics
// through a gated publisher.
type PublisherSink struct {
	gate        *pubsub.Gate
	topicPrefix string
}

// NewPublisherSink constructs a sink over the publication gate.
func NewPublisherSink(gate *pubsub.Gate, topicPrefix string) *PublisherSink {
	return &PublisherSink{gate: gate, topicPrefix: topicPrefix}
}

// Consume serializes rec and publishes it.
func (s *PublisherSink) Consume(ctx context.Context, rec *schema.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errs.New(rec.Exchange, errs.CodeSink,
			errs.WithMessage("serialize record"),
			errs.WithField("key", rec.Key()),
			errs.WithCause(err))
	}
	topic := pubsub.TopicName(s.topicPrefix, string(rec.Type), rec.Exchange)
	attrs := map[string]string{
		"exchange": rec.Exchange,
		"symbol":   rec.Symbol,
		"type":     string(rec.Type),
	}
	return s.gate.Publish(ctx, topic, payload, attrs)
}

// CacheSink stores each record in the stream cache.
type CacheSink struct {
	cache *cache.Cache
}

// NewCacheSink constructs a sink over the stream cache.
func NewCacheSink(c *cache.Cache) *CacheSink {
	return &CacheSink{cache: c}
}

// Consume inserts rec into the cache.
func (s *CacheSink) Consume(_ context.Context, rec *schema.Record) error {
	s.cache.Put(rec)
	return nil
}

// BroadcastSink forwards records to the in-process fan-out hub.
type BroadcastSink struct {
	hub *broadcast.Hub
}

// NewBroadcastSink constructs a sink over the broadcast hub.
func NewBroadcastSink(hub *broadcast.Hub) *BroadcastSink {
	return &BroadcastSink{hub: hub}
}

// Consume broadcasts rec to every subscriber.
func (s *BroadcastSink) Consume(_ context.Context, rec *schema.Record) error {
	s.hub.Broadcast(rec)
	return nil
}
