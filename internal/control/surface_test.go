package control_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/adapter"
	"github.com/coachpo/tickgate/internal/broadcast"
	"github.com/coachpo/tickgate/internal/cache"
	"github.com/coachpo/tickgate/internal/control"
	"github.com/coachpo/tickgate/internal/pubsub"
	"github.com/coachpo/tickgate/internal/router"
	"github.com/coachpo/tickgate/internal/schema"
	"github.com/coachpo/tickgate/internal/subscription"
	"github.com/coachpo/tickgate/internal/transport/transporttest"
)

type fakeAdapter struct {
	name string
	subs map[string]subscription.Subscription

	migrated []string
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, subs: make(map[string]subscription.Subscription)}
}

func (f *fakeAdapter) Name() string                     { return f.name }
func (f *fakeAdapter) Connect(context.Context) error    { return nil }
func (f *fakeAdapter) Disconnect(context.Context) error { return nil }

func (f *fakeAdapter) Subscribe(_ context.Context, reqs []subscription.Request) subscription.Result {
	var res subscription.Result
	for _, req := range reqs {
		if !req.Type.Valid() {
			res.Failed = append(res.Failed, subscription.Failure{
				Request: req,
				Err:     errs.New(f.name, errs.CodeValidation, errs.WithMessage("unsupported data type")),
			})
			continue
		}
		sub := subscription.Subscription{
			ID:     f.name + "-" + req.Symbol + "-" + string(req.Type),
			Symbol: req.Symbol,
			Type:   req.Type,
			Status: subscription.StatusPending,
		}
		f.subs[sub.ID] = sub
		res.Succeeded = append(res.Succeeded, sub)
	}
	return res
}

func (f *fakeAdapter) Unsubscribe(_ context.Context, _ []subscription.Request, ids []string) subscription.Result {
	var res subscription.Result
	for _, id := range ids {
		sub, ok := f.subs[id]
		if !ok {
			res.Failed = append(res.Failed, subscription.Failure{
				Err: errs.New(f.name, errs.CodeNotFound, errs.WithMessage("unknown subscription")),
			})
			continue
		}
		delete(f.subs, id)
		res.Succeeded = append(res.Succeeded, sub)
	}
	return res
}

func (f *fakeAdapter) UnsubscribeAll(ctx context.Context) subscription.Result {
	ids := make([]string, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	return f.Unsubscribe(ctx, nil, ids)
}

func (f *fakeAdapter) Subscriptions(filter subscription.Filter) []subscription.Subscription {
	var out []subscription.Subscription
	for _, sub := range f.subs {
		if filter.Symbol != "" && sub.Symbol != filter.Symbol {
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeAdapter) Migrate(_ context.Context, from, to string) ([]string, error) {
	if from == "missing" {
		return nil, errs.New(f.name, errs.CodeNotFound, errs.WithMessage("unknown connection"))
	}
	f.migrated = []string{from, to}
	return []string{"sub-1"}, nil
}

func (f *fakeAdapter) Status() adapter.Status {
	return adapter.Status{Name: f.name, Healthy: true}
}

func (f *fakeAdapter) Metrics() adapter.Metrics {
	return adapter.Metrics{RawMessages: 7, ParsedRecords: 6, RoutedRecords: 5}
}

func (f *fakeAdapter) SubscriptionStats() subscription.Stats {
	return subscription.Stats{Total: len(f.subs)}
}

type testFixture struct {
	surface *control.Surface
	binance *fakeAdapter
	gate    *pubsub.Gate
	pub     *pubsub.MemoryPublisher
	cache   *cache.Cache
	router  *router.Router
	hub     *broadcast.Hub
	clock   *transporttest.FakeClock
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	clock := transporttest.NewFakeClock(time.UnixMilli(1_699_123_456_789))
	pub := pubsub.NewMemoryPublisher()
	gate := pubsub.NewGate(pub)
	c := cache.New(cache.Config{}, clock)
	t.Cleanup(c.Close)
	r := router.New(clock)
	t.Cleanup(r.Close)
	require.NoError(t, r.Register(router.ChannelConfig{Name: "cache"}, router.NewCacheSink(c)))
	hub := broadcast.NewHub(0)
	t.Cleanup(hub.Close)

	binance := newFakeAdapter("binance")
	surface := control.New([]adapter.Adapter{binance}, gate, c, r, hub, clock, time.Second)
	return &testFixture{
		surface: surface,
		binance: binance,
		gate:    gate,
		pub:     pub,
		cache:   c,
		router:  r,
		hub:     hub,
		clock:   clock,
	}
}

func TestAdapterListing(t *testing.T) {
	fx := newFixture(t)

	rows := fx.surface.Adapters()
	require.Len(t, rows, 1)
	require.Equal(t, "binance", rows[0].Name)
	require.True(t, rows[0].Healthy)
	require.Equal(t, uint64(7), rows[0].Metrics.RawMessages)
}

func TestAddSubscription(t *testing.T) {
	fx := newFixture(t)

	resp := fx.surface.AddSubscription(context.Background(), "binance", "BTC/USDT", []string{"trade", "ticker"})
	require.True(t, resp.Success)
	require.Len(t, resp.IDs, 2)
	require.Empty(t, resp.Errors)
	require.Len(t, fx.binance.subs, 2)
}

func TestAddSubscriptionPartialFailure(t *testing.T) {
	fx := newFixture(t)

	resp := fx.surface.AddSubscription(context.Background(), "binance", "BTC/USDT", []string{"trade", "funding"})
	require.False(t, resp.Success)
	require.Len(t, resp.IDs, 1)
	require.Len(t, resp.Errors, 1)
	require.Contains(t, resp.Errors[0], "validation_error")
}

func TestAddSubscriptionUnknownExchange(t *testing.T) {
	fx := newFixture(t)

	resp := fx.surface.AddSubscription(context.Background(), "kraken", "BTC/USDT", []string{"trade"})
	require.False(t, resp.Success)
	require.Len(t, resp.Errors, 1)
	require.Contains(t, resp.Errors[0], "not_found")
}

func TestRemoveSubscriptionBySymbol(t *testing.T) {
	fx := newFixture(t)
	fx.surface.AddSubscription(context.Background(), "binance", "BTC/USDT", []string{"trade", "ticker"})
	fx.surface.AddSubscription(context.Background(), "binance", "ETH/USDT", []string{"trade"})

	resp := fx.surface.RemoveSubscription(context.Background(), "binance", "BTC/USDT")
	require.True(t, resp.Success)
	require.Len(t, resp.IDs, 2)

	remaining, err := fx.surface.Subscriptions("binance", subscription.Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "ETH/USDT", remaining[0].Symbol)
}

func TestRemoveSubscriptionUnknownSymbol(t *testing.T) {
	fx := newFixture(t)

	resp := fx.surface.RemoveSubscription(context.Background(), "binance", "DOGE/USDT")
	require.False(t, resp.Success)
	require.Contains(t, resp.Errors[0], "no subscriptions for symbol")
}

func TestMigrateDelegates(t *testing.T) {
	fx := newFixture(t)

	resp := fx.surface.Migrate(context.Background(), "binance", "c1", "c2")
	require.True(t, resp.Success)
	require.Equal(t, []string{"sub-1"}, resp.IDs)
	require.Equal(t, []string{"c1", "c2"}, fx.binance.migrated)

	resp = fx.surface.Migrate(context.Background(), "binance", "missing", "c2")
	require.False(t, resp.Success)
	require.Contains(t, resp.Errors[0], "not_found")
}

func TestTogglePublication(t *testing.T) {
	fx := newFixture(t)

	res := fx.surface.TogglePublication(false, "maintenance window")
	require.True(t, res.Previous)
	require.False(t, res.Current)
	require.Equal(t, map[string]bool{"binance": false}, res.Adapters)

	state := fx.surface.PublicationStatus()
	require.False(t, state.Enabled)
	require.Equal(t, "maintenance window", state.Reason)

	// Publishes are counted as dropped while the gate is closed.
	err := fx.gate.Publish(context.Background(), "marketdata-trade-binance", []byte(`{}`), nil)
	require.NoError(t, err)
	require.Zero(t, len(fx.pub.Messages()))
	require.Equal(t, uint64(1), fx.surface.PublicationStatus().Stats.Dropped)

	res = fx.surface.TogglePublication(true, "maintenance done")
	require.False(t, res.Previous)
	require.True(t, res.Current)
	require.Equal(t, map[string]bool{"binance": true}, res.Adapters)
}

func TestSetChannelEnabled(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.surface.SetChannelEnabled("cache", false))
	stats := fx.router.Stats()
	require.False(t, stats[0].Enabled)

	err := fx.surface.SetChannelEnabled("ghost", true)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestStatsSnapshot(t *testing.T) {
	fx := newFixture(t)
	fx.surface.AddSubscription(context.Background(), "binance", "BTC/USDT", []string{"trade"})
	fx.cache.Put(&schema.Record{
		Exchange:  "binance",
		Symbol:    "BTC/USDT",
		Type:      schema.TypeTrade,
		EventTime: fx.clock.Now().UnixMilli(),
	})

	snap := fx.surface.Stats()
	require.Equal(t, fx.clock.Now().UnixMilli(), snap.TakenTS)
	require.Len(t, snap.Adapters, 1)
	require.Equal(t, 1, snap.Subscriptions["binance"].Total)
	require.Equal(t, 1, snap.Cache.Keys)
	require.True(t, snap.CacheHealthy)
	require.Len(t, snap.Channels, 1)
	require.True(t, snap.Publication.Enabled)
}

func TestWatchEmitsAtCadence(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := fx.surface.Watch(ctx)

	var snap control.Snapshot
	require.Eventually(t, func() bool {
		fx.clock.Advance(time.Second)
		select {
		case snap = <-feed:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	require.Len(t, snap.Adapters, 1)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-feed
		return !open
	}, time.Second, time.Millisecond)
}

func TestCacheQueryThroughSurface(t *testing.T) {
	fx := newFixture(t)
	rec := &schema.Record{
		Exchange:  "binance",
		Symbol:    "BTC/USDT",
		Type:      schema.TypeTrade,
		EventTime: fx.clock.Now().UnixMilli(),
	}
	fx.cache.Put(rec)

	rows := fx.surface.CacheQuery(rec.Key(), cache.Query{Limit: 1})
	require.Len(t, rows, 1)
	require.Equal(t, "BTC/USDT", rows[0].Symbol)
}
