package subscription_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/schema"
	"github.com/coachpo/tickgate/internal/subscription"
	"github.com/coachpo/tickgate/internal/transport/transporttest"
)

type fakeHost struct {
	id string

	mu      sync.Mutex
	streams map[string]struct{}
	addErr  error
	remErr  error
}

func newFakeHost(id string) *fakeHost {
	return &fakeHost{id: id, streams: make(map[string]struct{})}
}

func (h *fakeHost) ID() string { return h.id }

func (h *fakeHost) AddStream(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.addErr != nil {
		return h.addErr
	}
	h.streams[name] = struct{}{}
	return nil
}

func (h *fakeHost) RemoveStream(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.remErr != nil {
		return h.remErr
	}
	delete(h.streams, name)
	return nil
}

func (h *fakeHost) ActiveStreams() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.streams))
	for name := range h.streams {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (h *fakeHost) StreamCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

type fakePool struct {
	mu      sync.Mutex
	hosts   []*fakeHost
	growErr error
}

func (p *fakePool) Hosts() []subscription.Host {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]subscription.Host, len(p.hosts))
	for i, h := range p.hosts {
		out[i] = h
	}
	return out
}

func (p *fakePool) Grow() (subscription.Host, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.growErr != nil {
		return nil, p.growErr
	}
	h := newFakeHost("conn-" + string(rune('a'+len(p.hosts))))
	p.hosts = append(p.hosts, h)
	return h, nil
}

func newManager(t *testing.T, cfg subscription.Config, pool *fakePool) *subscription.Manager {
	t.Helper()
	if cfg.Exchange == "" {
		cfg.Exchange = "binance"
	}
	clock := transporttest.NewFakeClock(time.UnixMilli(1_699_123_456_789))
	m, err := subscription.New(cfg, pool, clock)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func requests(symbols ...string) []subscription.Request {
	reqs := make([]subscription.Request, 0, len(symbols))
	for _, s := range symbols {
		reqs = append(reqs, subscription.Request{Symbol: s, Type: schema.TypeTrade})
	}
	return reqs
}

func TestSubscribeAssignsHostAndStream(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{}, pool)

	res := m.Subscribe(context.Background(), requests("BTCUSDT", "ethusdt"))
	require.Len(t, res.Succeeded, 2)
	require.Empty(t, res.Failed)

	require.Equal(t, []string{"btcusdt@trade", "ethusdt@trade"}, pool.hosts[0].ActiveStreams())
	sub := res.Succeeded[0]
	require.Equal(t, "BTC/USDT", sub.Symbol)
	require.Equal(t, "c1", sub.ConnectionID)
	require.Equal(t, subscription.StatusPending, sub.Status)
}

func TestSubscribeIdempotent(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{}, pool)

	first := m.Subscribe(context.Background(), requests("BTCUSDT"))
	require.Len(t, first.Succeeded, 1)

	second := m.Subscribe(context.Background(), requests("BTCUSDT"))
	require.Empty(t, second.Succeeded)
	require.Len(t, second.Existing, 1)
	require.Equal(t, first.Succeeded[0].ID, second.Existing[0].ID)

	require.Len(t, m.Get(subscription.Filter{}), 1)
	require.Len(t, pool.hosts[0].ActiveStreams(), 1)
}

func TestSubscribeValidation(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{}, pool)

	res := m.Subscribe(context.Background(), []subscription.Request{
		{Symbol: "NOQUOTE", Type: schema.TypeTrade},
		{Symbol: "BTCUSDT", Type: schema.DataType("funding")},
	})
	require.Empty(t, res.Succeeded)
	require.Len(t, res.Failed, 2)
	require.Equal(t, errs.CodeValidation, errs.CodeOf(res.Failed[0].Err))
	require.Equal(t, errs.CodeValidation, errs.CodeOf(res.Failed[1].Err))
	require.Empty(t, m.Get(subscription.Filter{}))
}

func TestSubscribeCapacityLimit(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{MaxSubscriptions: 1}, pool)

	res := m.Subscribe(context.Background(), requests("BTCUSDT", "ETHUSDT"))
	require.Len(t, res.Succeeded, 1)
	require.Len(t, res.Failed, 1)
	require.Equal(t, errs.CodeCapacity, errs.CodeOf(res.Failed[0].Err))
}

func TestSubscribeGrowsPoolWhenHostsFull(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{MaxStreamsPerConn: 1}, pool)

	res := m.Subscribe(context.Background(), requests("BTCUSDT", "ETHUSDT"))
	require.Len(t, res.Succeeded, 2)
	require.Len(t, pool.hosts, 2)
	require.Equal(t, 1, pool.hosts[0].StreamCount())
	require.Equal(t, 1, pool.hosts[1].StreamCount())
}

func TestUnsubscribeRestoresPreCallState(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{}, pool)

	res := m.Subscribe(context.Background(), requests("BTCUSDT", "ETHUSDT"))
	require.Len(t, res.Succeeded, 2)

	gone := m.Unsubscribe(context.Background(), requests("BTCUSDT", "ETHUSDT"), nil)
	require.Len(t, gone.Succeeded, 2)
	require.Empty(t, m.Get(subscription.Filter{}))
	require.Empty(t, pool.hosts[0].ActiveStreams())
}

func TestUnsubscribeUnknownID(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{}, pool)

	res := m.Unsubscribe(context.Background(), nil, []string{"binance:NOPEUSDT:trade"})
	require.Len(t, res.Failed, 1)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(res.Failed[0].Err))
}

func TestGetFilters(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{}, pool)

	m.Subscribe(context.Background(), []subscription.Request{
		{Symbol: "BTCUSDT", Type: schema.TypeTrade},
		{Symbol: "BTCUSDT", Type: schema.TypeTicker},
		{Symbol: "ETHUSDT", Type: schema.TypeTrade},
	})

	require.Len(t, m.Get(subscription.Filter{Symbol: "BTC/USDT"}), 2)
	require.Len(t, m.Get(subscription.Filter{ConnectionID: "c1"}), 3)
	require.Len(t, m.Get(subscription.Filter{Status: subscription.StatusPending}), 3)
	require.Empty(t, m.Get(subscription.Filter{Status: subscription.StatusActive}))
}

func TestStreamDataActivatesAndCounts(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{}, pool)

	m.Subscribe(context.Background(), requests("BTCUSDT"))
	m.HandleStreamData("btcusdt@trade", "c1")
	m.HandleStreamData("btcusdt@trade", "c1")

	rows := m.Get(subscription.Filter{Symbol: "BTC/USDT"})
	require.Len(t, rows, 1)
	require.Equal(t, subscription.StatusActive, rows[0].Status)
	require.Equal(t, uint64(2), rows[0].MessageCount)
	require.NotZero(t, rows[0].LastActiveTS)
}

func TestStreamErrorCountsWithoutStateChange(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{}, pool)

	m.Subscribe(context.Background(), requests("BTCUSDT"))
	m.HandleStreamData("btcusdt@trade", "c1")
	m.HandleStreamError("btcusdt@trade", errs.New("binance", errs.CodeParse, errs.WithMessage("bad frame")), "c1")

	rows := m.Get(subscription.Filter{Symbol: "BTC/USDT"})
	require.Equal(t, subscription.StatusActive, rows[0].Status)
	require.Equal(t, uint64(1), rows[0].ErrorCount)
	require.Contains(t, rows[0].LastError, "parse_error")
}

func TestReconnectCycleRestoresActive(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{}, pool)

	m.Subscribe(context.Background(), requests("BTCUSDT", "ETHUSDT"))
	m.HandleStreamData("btcusdt@trade", "c1")
	m.HandleStreamData("ethusdt@trade", "c1")

	m.HandleReconnecting("c1")
	require.Len(t, m.Get(subscription.Filter{Status: subscription.StatusPending}), 2)

	m.HandleReconnected("c1", []string{"btcusdt@trade", "ethusdt@trade"})
	require.Len(t, m.Get(subscription.Filter{Status: subscription.StatusActive}), 2)
}

func TestReconnectedReplaysMissingStreams(t *testing.T) {
	host := newFakeHost("c1")
	pool := &fakePool{hosts: []*fakeHost{host}}
	m := newManager(t, subscription.Config{}, pool)

	m.Subscribe(context.Background(), requests("BTCUSDT", "ETHUSDT"))

	// The session came back without one of the streams; the manager re-adds it.
	host.mu.Lock()
	delete(host.streams, "ethusdt@trade")
	host.mu.Unlock()
	m.HandleReconnected("c1", []string{"btcusdt@trade"})

	require.Contains(t, host.ActiveStreams(), "ethusdt@trade")
}

func TestMigrateMovesAllStreams(t *testing.T) {
	c1 := newFakeHost("c1")
	c2 := newFakeHost("c2")
	pool := &fakePool{hosts: []*fakeHost{c1, c2}}
	m := newManager(t, subscription.Config{}, pool)

	m.Subscribe(context.Background(), requests("BTCUSDT", "ETHUSDT"))
	m.HandleStreamData("btcusdt@trade", "c1")
	m.HandleStreamData("ethusdt@trade", "c1")

	ids, err := m.Migrate(context.Background(), "c1", "c2")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Empty(t, c1.ActiveStreams())
	require.Equal(t, []string{"btcusdt@trade", "ethusdt@trade"}, c2.ActiveStreams())

	for _, row := range m.Get(subscription.Filter{}) {
		require.Equal(t, "c2", row.ConnectionID)
		require.Equal(t, subscription.StatusActive, row.Status)
	}
}

func TestMigrateRoundTripIsIdentity(t *testing.T) {
	c1 := newFakeHost("c1")
	c2 := newFakeHost("c2")
	pool := &fakePool{hosts: []*fakeHost{c1, c2}}
	m := newManager(t, subscription.Config{}, pool)

	m.Subscribe(context.Background(), requests("BTCUSDT", "ETHUSDT"))
	m.HandleStreamData("btcusdt@trade", "c1")
	m.HandleStreamData("ethusdt@trade", "c1")
	before := c1.ActiveStreams()

	_, err := m.Migrate(context.Background(), "c1", "c2")
	require.NoError(t, err)
	_, err = m.Migrate(context.Background(), "c2", "c1")
	require.NoError(t, err)

	require.Equal(t, before, c1.ActiveStreams())
	require.Empty(t, c2.ActiveStreams())
	for _, row := range m.Get(subscription.Filter{}) {
		require.Equal(t, "c1", row.ConnectionID)
	}
}

func TestMigrateCompensatesOnFailure(t *testing.T) {
	c1 := newFakeHost("c1")
	c2 := newFakeHost("c2")
	c2.addErr = errs.New("binance", errs.CodeTransport, errs.WithMessage("socket down"))
	pool := &fakePool{hosts: []*fakeHost{c1, c2}}
	m := newManager(t, subscription.Config{}, pool)

	m.Subscribe(context.Background(), requests("BTCUSDT"))
	m.HandleStreamData("btcusdt@trade", "c1")

	_, err := m.Migrate(context.Background(), "c1", "c2")
	require.Error(t, err)

	rows := m.Get(subscription.Filter{})
	require.Equal(t, "c1", rows[0].ConnectionID)
	require.Equal(t, subscription.StatusActive, rows[0].Status)
	require.Equal(t, []string{"btcusdt@trade"}, c1.ActiveStreams())
	require.Empty(t, c2.ActiveStreams())
}

func TestMigrateUnknownConnection(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{}, pool)

	_, err := m.Migrate(context.Background(), "c1", "ghost")
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestMigrationEmitsEvents(t *testing.T) {
	c1 := newFakeHost("c1")
	c2 := newFakeHost("c2")
	pool := &fakePool{hosts: []*fakeHost{c1, c2}}
	m := newManager(t, subscription.Config{}, pool)

	m.Subscribe(context.Background(), requests("BTCUSDT"))
	m.HandleStreamData("btcusdt@trade", "c1")
	_, err := m.Migrate(context.Background(), "c1", "c2")
	require.NoError(t, err)

	var kinds []subscription.EventKind
	for {
		select {
		case ev := <-m.Events():
			kinds = append(kinds, ev.Kind)
			continue
		default:
		}
		break
	}
	require.Contains(t, kinds, subscription.EventSubscribed)
	require.Contains(t, kinds, subscription.EventMigrationStarted)
	require.Contains(t, kinds, subscription.EventMigrationComplete)
}

func TestCloseLeavesEventFeedSafe(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{}, pool)

	m.Close()
	m.Close()

	// Operations racing a shutdown still emit without panicking.
	res := m.Subscribe(context.Background(), requests("BTCUSDT"))
	require.Len(t, res.Succeeded, 1)

	select {
	case ev := <-m.Events():
		require.Equal(t, subscription.EventSubscribed, ev.Kind)
	default:
		t.Fatal("expected a subscribed event after close")
	}
}

func TestStatsAggregates(t *testing.T) {
	pool := &fakePool{hosts: []*fakeHost{newFakeHost("c1")}}
	m := newManager(t, subscription.Config{}, pool)

	m.Subscribe(context.Background(), []subscription.Request{
		{Symbol: "BTCUSDT", Type: schema.TypeTrade},
		{Symbol: "BTCUSDT", Type: schema.TypeTicker},
	})
	m.HandleStreamData("btcusdt@trade", "c1")

	st := m.Stats()
	require.Equal(t, 2, st.Total)
	require.Equal(t, 1, st.ByStatus[subscription.StatusActive])
	require.Equal(t, 1, st.ByStatus[subscription.StatusPending])
	require.Equal(t, 2, st.BySymbol["BTC/USDT"])
	require.Equal(t, 2, st.ByConnection["c1"])
	require.Greater(t, st.MessageRate, 0.0)
}
