package binance

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coachpo/tickgate/config"
	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/adapter"
	"github.com/coachpo/tickgate/internal/observability"
	"github.com/coachpo/tickgate/internal/schema"
	"github.com/coachpo/tickgate/internal/subscription"
	"github.com/coachpo/tickgate/internal/transport"
)

// RecordSink receives every canonical record the adapter produces.
type RecordSink interface {
	Route(rec *schema.Record) error
}

// Adapter binds the parser, the subscription manager, and a pool of
// connection managers for one Binance-family endpoint.
type Adapter struct {
	cfg     config.ExchangeConfig
	dialer  transport.Dialer
	clock   transport.Clock
	metrics *Metrics
	parser  *Parser
	sink    RecordSink

	subs *subscription.Manager

	mu     sync.Mutex
	conns  []*ConnManager
	ctx    context.Context
	cancel context.CancelFunc

	raw     atomic.Uint64
	parsed  atomic.Uint64
	perrors atomic.Uint64
	dropped atomic.Uint64
	routed  atomic.Uint64
}

// NewAdapter wires an adapter; Connect opens the first connection.
func NewAdapter(cfg config.ExchangeConfig, sink RecordSink, dialer transport.Dialer, clock transport.Clock, metrics *Metrics) (*Adapter, error) {
	if clock == nil {
		clock = transport.SystemClock()
	}
	if dialer == nil {
		dialer = &transport.WebsocketDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadLimit:        cfg.ReadLimit,
		}
	}
	a := &Adapter{
		cfg:     cfg,
		dialer:  dialer,
		clock:   clock,
		metrics: metrics,
		sink:    sink,
	}
	a.parser = NewParser(cfg.Name, clock, metrics, 0)

	types := make([]schema.DataType, 0, len(cfg.DataTypes))
	for _, raw := range cfg.DataTypes {
		typ := schema.DataType(raw)
		if !typ.Valid() {
			return nil, errs.New(cfg.Name, errs.CodeFatalInit,
				errs.WithMessage("unsupported data type in configuration"),
				errs.WithField("type", raw))
		}
		types = append(types, typ)
	}
	subs, err := subscription.New(subscription.Config{
		Exchange:          cfg.Name,
		SymbolPattern:     cfg.SymbolPattern,
		MaxStreamsPerConn: cfg.MaxStreamsPerConn,
		MaxSubscriptions:  cfg.MaxSubscriptions,
		StatsInterval:     cfg.StatsInterval,
		Types:             types,
	}, a, clock)
	if err != nil {
		return nil, err
	}
	a.subs = subs
	return a, nil
}

// Name returns the exchange identifier.
func (a *Adapter) Name() string { return a.cfg.Name }

// Connect opens the first connection and starts pumping its events.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.ctx != nil {
		a.mu.Unlock()
		return errs.New(a.cfg.Name, errs.CodeDuplicate, errs.WithMessage("adapter already connected"))
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	_, err := a.Grow()
	return err
}

// Disconnect stops every connection and the subscription manager.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	conns := make([]*ConnManager, len(a.conns))
	copy(conns, a.conns)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, cm := range conns {
		cm.Stop()
	}
	a.subs.Close()
	return nil
}

// Hosts lists the connection pool for the subscription manager.
func (a *Adapter) Hosts() []subscription.Host {
	a.mu.Lock()
	defer a.mu.Unlock()
	hosts := make([]subscription.Host, len(a.conns))
	for i, cm := range a.conns {
		hosts[i] = cm
	}
	return hosts
}

// Grow opens one more connection, bounded by the configured maximum.
func (a *Adapter) Grow() (subscription.Host, error) {
	a.mu.Lock()
	if a.ctx == nil {
		a.mu.Unlock()
		return nil, errs.New(a.cfg.Name, errs.CodeTransport, errs.WithMessage("adapter not connected"))
	}
	if len(a.conns) >= a.cfg.MaxConnections {
		limit := a.cfg.MaxConnections
		a.mu.Unlock()
		return nil, errs.New(a.cfg.Name, errs.CodeCapacity,
			errs.WithMessage("connection limit reached"),
			errs.WithField("limit", strconv.Itoa(limit)))
	}
	ctx := a.ctx
	cm := NewConnManager(ConnConfig{
		Exchange:         a.cfg.Name,
		BaseURL:          a.cfg.WSURL,
		DebounceWindow:   a.cfg.DebounceWindow,
		HeartbeatTimeout: a.cfg.HeartbeatTimeout,
		PingInterval:     a.cfg.PingInterval,
		Backoff: BackoffConfig{
			InitialDelay: a.cfg.Reconnect.InitialDelay,
			MaxDelay:     a.cfg.Reconnect.MaxDelay,
			Multiplier:   a.cfg.Reconnect.Multiplier,
			MaxRetries:   a.cfg.Reconnect.MaxRetries,
			Jitter:       a.cfg.Reconnect.Jitter,
		},
	}, a.dialer, a.clock, a.metrics, a.handleRaw)
	a.conns = append(a.conns, cm)
	a.mu.Unlock()

	go a.pumpEvents(ctx, cm)
	if err := cm.Start(ctx); err != nil {
		return nil, err
	}
	return cm, nil
}

// pumpEvents translates connection events into subscription state changes.
func (a *Adapter) pumpEvents(ctx context.Context, cm *ConnManager) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-cm.Events():
			switch ev.Kind {
			case ConnEventReconnecting:
				a.subs.HandleReconnecting(ev.ConnID)
			case ConnEventReconnected:
				a.subs.HandleReconnected(ev.ConnID, ev.Streams)
			case ConnEventError:
				if ev.Err != nil {
					observability.Log().Warn("connection error",
						observability.Field{Key: "exchange", Value: a.cfg.Name},
						observability.Field{Key: "conn", Value: ev.ConnID},
						observability.Field{Key: "error", Value: ev.Err.Error()})
				}
			}
		}
	}
}

// handleRaw is the per-frame ingest path: parse, route, account.
func (a *Adapter) handleRaw(frame []byte) {
	a.raw.Add(1)
	rec, stream, err := a.parser.Parse(frame)
	if err != nil {
		a.perrors.Add(1)
		if stream != "" {
			a.subs.HandleStreamError(stream, err, "")
		}
		observability.Log().Debug("frame dropped",
			observability.Field{Key: "exchange", Value: a.cfg.Name},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	a.parsed.Add(1)
	if stream == "" {
		// Single-stream sessions omit the envelope; rebuild the name so the
		// subscription lookup still resolves.
		stream = schema.StreamName(rec.Symbol, rec.Type, schema.StreamParams{})
	}
	if err := a.sink.Route(rec); err != nil {
		a.dropped.Add(1)
		a.subs.HandleStreamError(stream, err, "")
		return
	}
	a.routed.Add(1)
	a.subs.HandleStreamData(stream, "")
}

// Subscribe delegates to the subscription manager.
func (a *Adapter) Subscribe(ctx context.Context, reqs []subscription.Request) subscription.Result {
	return a.subs.Subscribe(ctx, reqs)
}

// Unsubscribe delegates to the subscription manager.
func (a *Adapter) Unsubscribe(ctx context.Context, reqs []subscription.Request, ids []string) subscription.Result {
	return a.subs.Unsubscribe(ctx, reqs, ids)
}

// UnsubscribeAll removes every known subscription.
func (a *Adapter) UnsubscribeAll(ctx context.Context) subscription.Result {
	rows := a.subs.Get(subscription.Filter{})
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return a.subs.Unsubscribe(ctx, nil, ids)
}

// Subscriptions lists rows matching the filter.
func (a *Adapter) Subscriptions(f subscription.Filter) []subscription.Subscription {
	return a.subs.Get(f)
}

// Migrate moves streams between two pool connections.
func (a *Adapter) Migrate(ctx context.Context, fromConn, toConn string) ([]string, error) {
	return a.subs.Migrate(ctx, fromConn, toConn)
}

// SubscriptionStats exposes the subscription table summary.
func (a *Adapter) SubscriptionStats() subscription.Stats {
	return a.subs.Stats()
}

// SubscriptionEvents exposes the manager's lifecycle feed.
func (a *Adapter) SubscriptionEvents() <-chan subscription.Event {
	return a.subs.Events()
}

// ParserStats exposes decode counters.
func (a *Adapter) ParserStats() ParserStats {
	return a.parser.Stats()
}

// Status reports adapter health and per-connection state.
func (a *Adapter) Status() adapter.Status {
	a.mu.Lock()
	conns := make([]*ConnManager, len(a.conns))
	copy(conns, a.conns)
	a.mu.Unlock()

	st := adapter.Status{Name: a.cfg.Name, Healthy: len(conns) > 0}
	for _, cm := range conns {
		st.Connections = append(st.Connections, cm.Status())
		if !cm.Healthy() {
			st.Healthy = false
		}
	}
	return st
}

// Metrics reports adapter-wide ingestion counters.
func (a *Adapter) Metrics() adapter.Metrics {
	return adapter.Metrics{
		RawMessages:    a.raw.Load(),
		ParsedRecords:  a.parsed.Load(),
		ParseErrors:    a.perrors.Load(),
		DroppedRecords: a.dropped.Load(),
		RoutedRecords:  a.routed.Load(),
	}
}
