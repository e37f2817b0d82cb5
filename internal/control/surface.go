// Package control exposes the runtime operations an operator or API layer
// drives: inspection, publication toggles, subscription mutation, migration.
package control

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/adapter"
	"github.com/coachpo/tickgate/internal/broadcast"
	"github.com/coachpo/tickgate/internal/cache"
	"github.com/coachpo/tickgate/internal/observability"
	"github.com/coachpo/tickgate/internal/pubsub"
	"github.com/coachpo/tickgate/internal/router"
	"github.com/coachpo/tickgate/internal/schema"
	"github.com/coachpo/tickgate/internal/subscription"
	"github.com/coachpo/tickgate/internal/transport"
)

// Response is the structured result of a control-plane write.
type Response struct {
	Success bool
	Errors  []string
	Info    []string
	IDs     []string
}

// AdapterInfo is one row of the adapter listing.
type AdapterInfo struct {
	Name    string
	Healthy bool
	Status  adapter.Status
	Metrics adapter.Metrics
}

// PublicationState reports the publisher gate.
type PublicationState struct {
	Enabled bool
	Reason  string
	Stats   pubsub.GateStats
}

// ToggleResult echoes a publication toggle, including the state each adapter
// publishes under afterwards. The gate is global, so every adapter reports
// the same state; the per-adapter echo keeps the contract explicit.
type ToggleResult struct {
	Previous bool
	Current  bool
	Adapters map[string]bool
}

// Snapshot is the periodic system view served to UIs.
type Snapshot struct {
	TakenTS       int64
	Adapters      []AdapterInfo
	Subscriptions map[string]subscription.Stats
	Cache         cache.Stats
	CacheHealthy  bool
	Channels      []router.ChannelStats
	Broadcast     broadcast.Stats
	Publication   PublicationState
}

// Surface binds the running components behind the control operations.
type Surface struct {
	adapters []adapter.Adapter
	byName   map[string]adapter.Adapter
	gate     *pubsub.Gate
	cache    *cache.Cache
	router   *router.Router
	hub      *broadcast.Hub
	clock    transport.Clock

	snapshotInterval time.Duration
}

// New wires a surface over the running components.
func New(adapters []adapter.Adapter, gate *pubsub.Gate, c *cache.Cache, r *router.Router, hub *broadcast.Hub, clock transport.Clock, snapshotInterval time.Duration) *Surface {
	if clock == nil {
		clock = transport.SystemClock()
	}
	if snapshotInterval <= 0 {
		snapshotInterval = 5 * time.Second
	}
	byName := make(map[string]adapter.Adapter, len(adapters))
	for _, a := range adapters {
		byName[strings.ToLower(a.Name())] = a
	}
	return &Surface{
		adapters:         adapters,
		byName:           byName,
		gate:             gate,
		cache:            c,
		router:           r,
		hub:              hub,
		clock:            clock,
		snapshotInterval: snapshotInterval,
	}
}

func (s *Surface) lookup(exchange string) (adapter.Adapter, error) {
	a, ok := s.byName[strings.ToLower(strings.TrimSpace(exchange))]
	if !ok {
		return nil, errs.New(exchange, errs.CodeNotFound, errs.WithMessage("unknown exchange"))
	}
	return a, nil
}

// Adapters lists every adapter with its status and counters.
func (s *Surface) Adapters() []AdapterInfo {
	out := make([]AdapterInfo, 0, len(s.adapters))
	for _, a := range s.adapters {
		st := a.Status()
		out = append(out, AdapterInfo{
			Name:    a.Name(),
			Healthy: st.Healthy,
			Status:  st,
			Metrics: a.Metrics(),
		})
	}
	return out
}

// Subscriptions lists rows, optionally restricted to one exchange.
func (s *Surface) Subscriptions(exchange string, f subscription.Filter) ([]subscription.Subscription, error) {
	if strings.TrimSpace(exchange) != "" {
		a, err := s.lookup(exchange)
		if err != nil {
			return nil, err
		}
		return a.Subscriptions(f), nil
	}
	var out []subscription.Subscription
	for _, a := range s.adapters {
		out = append(out, a.Subscriptions(f)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddSubscription subscribes one symbol to the given data types.
func (s *Surface) AddSubscription(ctx context.Context, exchange, symbol string, types []string) Response {
	a, err := s.lookup(exchange)
	if err != nil {
		return Response{Errors: []string{err.Error()}}
	}
	reqs := make([]subscription.Request, 0, len(types))
	for _, raw := range types {
		reqs = append(reqs, subscription.Request{Symbol: symbol, Type: schema.DataType(strings.TrimSpace(raw))})
	}
	res := a.Subscribe(ctx, reqs)
	return subscriptionResponse(res, "already subscribed")
}

// RemoveSubscription removes every subscription for the symbol.
func (s *Surface) RemoveSubscription(ctx context.Context, exchange, symbol string) Response {
	a, err := s.lookup(exchange)
	if err != nil {
		return Response{Errors: []string{err.Error()}}
	}
	canonical := symbol
	if !strings.Contains(canonical, "/") {
		if c, convErr := schema.CanonicalSymbol(symbol); convErr == nil {
			canonical = c
		}
	}
	rows := a.Subscriptions(subscription.Filter{Symbol: canonical})
	if len(rows) == 0 {
		return Response{Errors: []string{
			errs.New(exchange, errs.CodeNotFound,
				errs.WithMessage("no subscriptions for symbol"),
				errs.WithField("symbol", symbol)).Error(),
		}}
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	res := a.Unsubscribe(ctx, nil, ids)
	return subscriptionResponse(res, "")
}

func subscriptionResponse(res subscription.Result, existingNote string) Response {
	resp := Response{}
	for _, sub := range res.Succeeded {
		resp.IDs = append(resp.IDs, sub.ID)
	}
	for _, sub := range res.Existing {
		resp.IDs = append(resp.IDs, sub.ID)
		if existingNote != "" {
			resp.Info = append(resp.Info, existingNote+": "+sub.ID)
		}
	}
	for _, failure := range res.Failed {
		resp.Errors = append(resp.Errors, failure.Err.Error())
	}
	resp.Success = len(resp.Errors) == 0 && len(resp.IDs) > 0
	return resp
}

// Migrate moves all streams between two connections of one exchange.
func (s *Surface) Migrate(ctx context.Context, exchange, fromConn, toConn string) Response {
	a, err := s.lookup(exchange)
	if err != nil {
		return Response{Errors: []string{err.Error()}}
	}
	ids, err := a.Migrate(ctx, fromConn, toConn)
	if err != nil {
		return Response{Errors: []string{err.Error()}}
	}
	return Response{Success: true, IDs: ids}
}

// TogglePublication flips the publisher gate, returning previous and new
// state with a per-adapter echo. Other sinks are unaffected.
func (s *Surface) TogglePublication(enabled bool, reason string) ToggleResult {
	previous, _ := s.gate.Enabled()
	s.gate.SetEnabled(enabled, reason)
	current, _ := s.gate.Enabled()

	res := ToggleResult{
		Previous: previous,
		Current:  current,
		Adapters: make(map[string]bool, len(s.adapters)),
	}
	for _, a := range s.adapters {
		res.Adapters[a.Name()] = current
	}
	observability.Log().Info("publication toggle requested",
		observability.Field{Key: "previous", Value: previous},
		observability.Field{Key: "current", Value: current},
		observability.Field{Key: "reason", Value: reason})
	return res
}

// PublicationStatus reports the gate state and counters.
func (s *Surface) PublicationStatus() PublicationState {
	enabled, reason := s.gate.Enabled()
	return PublicationState{Enabled: enabled, Reason: reason, Stats: s.gate.Stats()}
}

// SetChannelEnabled re-enables or pauses one router channel; auto-disabled
// channels come back only through this operation.
func (s *Surface) SetChannelEnabled(name string, enabled bool) error {
	return s.router.SetEnabled(name, enabled)
}

// CacheQuery reads records for one cache key.
func (s *Surface) CacheQuery(key string, q cache.Query) []*schema.Record {
	return s.cache.Get(key, q)
}

// Stats takes an on-demand snapshot of the whole system.
func (s *Surface) Stats() Snapshot {
	snap := Snapshot{
		TakenTS:       s.clock.Now().UnixMilli(),
		Adapters:      s.Adapters(),
		Subscriptions: make(map[string]subscription.Stats, len(s.adapters)),
		Cache:         s.cache.Stats(),
		CacheHealthy:  s.cache.Healthy(),
		Channels:      s.router.Stats(),
		Broadcast:     s.hub.Stats(),
		Publication:   s.PublicationStatus(),
	}
	for _, a := range s.adapters {
		snap.Subscriptions[a.Name()] = a.SubscriptionStats()
	}
	return snap
}

// Watch emits snapshots at the configured cadence until ctx ends. The
// transport serving them (SSE, WebSocket) lives outside the core.
func (s *Surface) Watch(ctx context.Context) <-chan Snapshot {
	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		ticker := s.clock.NewTicker(s.snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				select {
				case out <- s.Stats():
				default:
				}
			}
		}
	}()
	return out
}
