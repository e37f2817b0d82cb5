package router_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/router"
	"github.com/coachpo/tickgate/internal/schema"
	"github.com/coachpo/tickgate/internal/transport/transporttest"
)

type collectSink struct {
	mu   sync.Mutex
	recs []*schema.Record
}

func (s *collectSink) Consume(_ context.Context, rec *schema.Record) error {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
	return nil
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Consume(ctx context.Context, _ *schema.Record) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gatedSink blocks every Consume until released, signals when the first
// record is held, and collects what it delivers.
type gatedSink struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}

	mu   sync.Mutex
	recs []*schema.Record
}

func newGatedSink() *gatedSink {
	return &gatedSink{started: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedSink) Consume(ctx context.Context, rec *schema.Record) error {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
	return nil
}

func (s *gatedSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func (s *gatedSink) eventTimes() map[int64]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]bool, len(s.recs))
	for _, rec := range s.recs {
		out[rec.EventTime] = true
	}
	return out
}

func record(ts int64) *schema.Record {
	return &schema.Record{
		Exchange:     "binance",
		Symbol:       "BTC/USDT",
		Type:         schema.TypeTrade,
		EventTime:    ts,
		ReceivedTime: ts,
		Payload:      schema.TradePayload{ID: "1", Price: "1", Quantity: "1", Side: schema.SideBuy, TradeTime: ts},
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := router.New(nil)
	defer r.Close()

	sink := &collectSink{}
	require.NoError(t, r.Register(router.ChannelConfig{Name: "cache"}, sink))
	err := r.Register(router.ChannelConfig{Name: "cache"}, sink)
	require.Equal(t, errs.CodeDuplicate, errs.CodeOf(err))

	require.Equal(t, []string{"cache"}, r.ChannelNames())
}

func TestRouteDeliversToAllChannels(t *testing.T) {
	r := router.New(nil)
	defer r.Close()

	a := &collectSink{}
	b := &collectSink{}
	require.NoError(t, r.Register(router.ChannelConfig{Name: "a"}, a))
	require.NoError(t, r.Register(router.ChannelConfig{Name: "b"}, b))

	require.NoError(t, r.Route(record(1)))
	require.NoError(t, r.Route(record(2)))

	require.Eventually(t, func() bool {
		return a.count() == 2 && b.count() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestFilterRestrictsChannel(t *testing.T) {
	r := router.New(nil)
	defer r.Close()

	trades := &collectSink{}
	require.NoError(t, r.Register(router.ChannelConfig{
		Name:   "trades-only",
		Filter: func(rec *schema.Record) bool { return rec.Type == schema.TypeTrade },
	}, trades))

	require.NoError(t, r.Route(record(1)))
	ticker := record(2)
	ticker.Type = schema.TypeTicker
	require.NoError(t, r.Route(ticker))

	require.Eventually(t, func() bool { return trades.count() == 1 }, time.Second, 5*time.Millisecond)
	stats := r.Stats()
	require.Equal(t, uint64(1), stats[0].Routed)
}

func TestFailFastSurfacesCapacity(t *testing.T) {
	r := router.New(nil)
	defer r.Close()

	blocking := &blockingSink{release: make(chan struct{})}
	require.NoError(t, r.Register(router.ChannelConfig{
		Name:      "strict",
		QueueSize: 1,
		Policy:    router.PolicyFailFast,
	}, blocking))

	// First record may be in the queue or held by the drainer; fill until the
	// queue rejects.
	var err error
	for i := 0; i < 4 && err == nil; i++ {
		err = r.Route(record(int64(i)))
	}
	require.Error(t, err)
	close(blocking.release)
}

func TestDropNewestCountsDrops(t *testing.T) {
	r := router.New(nil)
	defer r.Close()

	blocking := &blockingSink{release: make(chan struct{})}
	require.NoError(t, r.Register(router.ChannelConfig{
		Name:      "lossy",
		QueueSize: 1,
		Policy:    router.PolicyDropNewest,
	}, blocking))

	for i := int64(0); i < 5; i++ {
		require.NoError(t, r.Route(record(i)))
	}
	stats := r.Stats()
	require.Equal(t, uint64(5), stats[0].Routed)
	require.GreaterOrEqual(t, stats[0].Dropped, uint64(3))
	close(blocking.release)
}

func TestDropOldestKeepsNewestUnderOverflow(t *testing.T) {
	r := router.New(nil)
	defer r.Close()

	sink := newGatedSink()
	require.NoError(t, r.Register(router.ChannelConfig{
		Name:      "firehose",
		QueueSize: 100,
		Policy:    router.PolicyDropOldest,
	}, sink))

	// Park the drainer on the first record so the queue fills deterministically.
	require.NoError(t, r.Route(record(0)))
	<-sink.started

	for i := int64(1); i < 200; i++ {
		require.NoError(t, r.Route(record(i)), "ingress never errors under drop_oldest")
	}

	stats := r.Stats()
	require.Equal(t, uint64(200), stats[0].Routed)
	require.Equal(t, uint64(99), stats[0].Dropped)
	require.Equal(t, 100, stats[0].Queued)

	close(sink.release)
	require.Eventually(t, func() bool { return sink.count() == 101 }, time.Second, 5*time.Millisecond)

	// The held record plus the newest 100 survive; 1..99 were evicted.
	seen := sink.eventTimes()
	require.True(t, seen[0])
	require.True(t, seen[199])
	for i := int64(1); i < 100; i++ {
		require.False(t, seen[i], "evicted record delivered")
	}
}

func TestDefaultPolicyIsDropOldest(t *testing.T) {
	r := router.New(nil)
	defer r.Close()

	sink := newGatedSink()
	require.NoError(t, r.Register(router.ChannelConfig{Name: "plain", QueueSize: 1}, sink))

	require.NoError(t, r.Route(record(0)))
	<-sink.started
	require.NoError(t, r.Route(record(1)))
	require.NoError(t, r.Route(record(2)))

	close(sink.release)
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)

	seen := sink.eventTimes()
	require.True(t, seen[2], "newest record survives a full queue")
	require.False(t, seen[1], "oldest queued record is evicted")
	require.Equal(t, uint64(1), r.Stats()[0].Dropped)
}

func TestBlockBoundedDeliversWhenSpaceFrees(t *testing.T) {
	r := router.New(nil)
	defer r.Close()

	sink := newGatedSink()
	require.NoError(t, r.Register(router.ChannelConfig{
		Name:         "patient",
		QueueSize:    1,
		Policy:       router.PolicyBlockBounded,
		BlockTimeout: time.Minute,
	}, sink))

	require.NoError(t, r.Route(record(0)))
	<-sink.started
	require.NoError(t, r.Route(record(1)))

	routed := make(chan error, 1)
	go func() { routed <- r.Route(record(2)) }()

	// The offer is parked on a full queue; releasing the sink frees a slot.
	close(sink.release)
	require.NoError(t, <-routed)
	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)
	require.Zero(t, r.Stats()[0].Dropped)
}

func TestBlockBoundedDropsAfterTimeout(t *testing.T) {
	clock := transporttest.NewFakeClock(time.UnixMilli(1_699_123_456_789))
	r := router.New(clock)
	defer r.Close()

	sink := newGatedSink()
	require.NoError(t, r.Register(router.ChannelConfig{
		Name:         "bounded",
		QueueSize:    1,
		Policy:       router.PolicyBlockBounded,
		BlockTimeout: 50 * time.Millisecond,
	}, sink))

	require.NoError(t, r.Route(record(0)))
	<-sink.started
	require.NoError(t, r.Route(record(1)))

	routed := make(chan error, 1)
	go func() { routed <- r.Route(record(2)) }()

	require.Eventually(t, func() bool {
		clock.Advance(50 * time.Millisecond)
		select {
		case err := <-routed:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	require.Equal(t, uint64(1), r.Stats()[0].Dropped)
	close(sink.release)
}

func TestCloseFlushesQueuedRecords(t *testing.T) {
	r := router.New(nil)

	sink := newGatedSink()
	require.NoError(t, r.Register(router.ChannelConfig{Name: "flush", QueueSize: 10}, sink))

	require.NoError(t, r.Route(record(0)))
	<-sink.started
	for i := int64(1); i < 5; i++ {
		require.NoError(t, r.Route(record(i)))
	}

	closed := make(chan struct{})
	go func() {
		r.Close()
		close(closed)
	}()

	close(sink.release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close did not return after the queue drained")
	}
	require.Equal(t, 5, sink.count(), "queued records flushed before shutdown")
}

func TestCloseGraceBoundsStuckSink(t *testing.T) {
	clock := transporttest.NewFakeClock(time.UnixMilli(1_699_123_456_789))
	r := router.New(clock)

	sink := newGatedSink()
	require.NoError(t, r.Register(router.ChannelConfig{Name: "stuck", QueueSize: 10}, sink))

	require.NoError(t, r.Route(record(0)))
	<-sink.started
	require.NoError(t, r.Route(record(1)))
	require.NoError(t, r.Route(record(2)))

	closed := make(chan struct{})
	go func() {
		r.Close()
		close(closed)
	}()

	// The sink never releases; the flush grace expires and drops the rest.
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		select {
		case <-closed:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	require.Zero(t, sink.count())
	require.NotZero(t, r.Stats()[0].Dropped)
}

func TestErrorStreakAutoDisablesChannel(t *testing.T) {
	r := router.New(nil)
	defer r.Close()

	failing := router.SinkFunc(func(context.Context, *schema.Record) error {
		return errs.New("binance", errs.CodeSink, errs.WithMessage("boom"))
	})
	healthy := &collectSink{}
	require.NoError(t, r.Register(router.ChannelConfig{Name: "flaky", ErrorStreak: 3}, failing))
	require.NoError(t, r.Register(router.ChannelConfig{Name: "healthy"}, healthy))

	for i := int64(0); i < 5; i++ {
		require.NoError(t, r.Route(record(i)))
	}

	require.Eventually(t, func() bool {
		stats := r.Stats()
		return !stats[0].Enabled && stats[0].Errors == 5 && healthy.count() == 5
	}, time.Second, 5*time.Millisecond)

	// A disabled channel stops accepting records.
	before := r.Stats()[0].Routed
	require.NoError(t, r.Route(record(99)))
	require.Equal(t, before, r.Stats()[0].Routed)

	// Re-enabling resets the streak and resumes delivery.
	require.NoError(t, r.SetEnabled("flaky", true))
	stats := r.Stats()
	require.True(t, stats[0].Enabled)
	require.Zero(t, stats[0].ErrorStreak)
}

func TestSetEnabledUnknownChannel(t *testing.T) {
	r := router.New(nil)
	defer r.Close()
	err := r.SetEnabled("nope", false)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}
