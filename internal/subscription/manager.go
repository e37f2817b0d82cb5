// Package subscription maps (symbol, data type) pairs onto connection-hosted
// streams and tracks their lifecycle.
package subscription

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/observability"
	"github.com/coachpo/tickgate/internal/schema"
	"github.com/coachpo/tickgate/internal/transport"
)

// Status is a subscription lifecycle state.
type Status string

const (
	// StatusPending means the hosting connection has not yet confirmed the stream.
	StatusPending Status = "pending"
	// StatusActive means the stream is confirmed and flowing.
	StatusActive Status = "active"
	// StatusPaused means delivery is suspended by an operator.
	StatusPaused Status = "paused"
	// StatusError means the stream failed and awaits retry.
	StatusError Status = "error"
	// StatusRemoving means an unsubscribe is in flight.
	StatusRemoving Status = "removing"
)

// live reports whether the status occupies a (symbol, type, params) slot.
func (s Status) live() bool {
	switch s {
	case StatusPending, StatusActive, StatusPaused:
		return true
	}
	return false
}

// Subscription is one (symbol, type, params) binding to a hosted stream.
type Subscription struct {
	ID           string
	Symbol       string
	Type         schema.DataType
	Params       schema.StreamParams
	StreamName   string
	ConnectionID string
	Status       Status

	MessageCount uint64
	ErrorCount   uint64
	LastActiveTS int64
	LastError    string
	CreatedTS    int64
}

// Request asks for one subscription. Symbol accepts canonical BASE/QUOTE or
// the exchange concatenated form.
type Request struct {
	Symbol string
	Type   schema.DataType
	Params schema.StreamParams
}

// Failure pairs a rejected request with its reason.
type Failure struct {
	Request Request
	Err     error
}

// Result reports the outcome of a subscribe or unsubscribe batch.
type Result struct {
	Succeeded []Subscription
	Existing  []Subscription
	Failed    []Failure
}

// Host is one connection capable of carrying streams.
type Host interface {
	ID() string
	AddStream(name string) error
	RemoveStream(name string) error
	ActiveStreams() []string
	StreamCount() int
}

// HostPool supplies hosts for new streams. Grow may refuse with
// capacity_exhausted when the pool is at its connection limit.
type HostPool interface {
	Hosts() []Host
	Grow() (Host, error)
}

// EventKind enumerates manager lifecycle events.
type EventKind string

const (
	EventSubscribed        EventKind = "subscribed"
	EventUnsubscribed      EventKind = "unsubscribed"
	EventStatusChanged     EventKind = "status_changed"
	EventMigrationStarted  EventKind = "migration_started"
	EventMigrationComplete EventKind = "migration_completed"
	EventMigrationFailed   EventKind = "migration_failed"
)

// Event is a typed lifecycle notification.
type Event struct {
	Kind    EventKind
	IDs     []string
	From    string
	To      string
	Status  Status
	Reason  string
	EmitTS  int64
}

// Config tunes the manager for one exchange.
type Config struct {
	Exchange          string
	SymbolPattern     string
	MaxStreamsPerConn int
	MaxSubscriptions  int
	StatsInterval     time.Duration
	// Types restricts the accepted data types; empty enables the full
	// supported set.
	Types []schema.DataType
}

func (c Config) normalize() Config {
	if c.SymbolPattern == "" {
		c.SymbolPattern = `^[A-Z0-9]+$`
	}
	if c.MaxStreamsPerConn <= 0 {
		c.MaxStreamsPerConn = 1000
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = 4000
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
	return c
}

const rateWindowSeconds = 60

// rateWindow tracks per-second counts over a sliding minute.
type rateWindow struct {
	buckets [rateWindowSeconds]uint64
	seconds [rateWindowSeconds]int64
}

func (w *rateWindow) record(nowSec int64) {
	idx := nowSec % rateWindowSeconds
	if w.seconds[idx] != nowSec {
		w.seconds[idx] = nowSec
		w.buckets[idx] = 0
	}
	w.buckets[idx]++
}

func (w *rateWindow) perSecond(nowSec int64) float64 {
	var total uint64
	for i := range w.buckets {
		if nowSec-w.seconds[i] < rateWindowSeconds {
			total += w.buckets[i]
		}
	}
	return float64(total) / rateWindowSeconds
}

// Stats is a point-in-time summary of the subscription table.
type Stats struct {
	Total        int
	ByStatus     map[Status]int
	ByType       map[schema.DataType]int
	BySymbol     map[string]int
	ByConnection map[string]int
	MessageRate  float64
	ErrorRate    float64
	RecomputedTS int64
}

// Manager owns the subscription table for one exchange adapter.
type Manager struct {
	cfg     Config
	pool    HostPool
	clock   transport.Clock
	pattern *regexp.Regexp
	types   map[schema.DataType]struct{}

	mu       sync.RWMutex
	subs     map[string]*Subscription
	byStream map[string]string

	msgRate *rateWindow
	errRate *rateWindow

	events   chan Event
	shutdown chan struct{}
	once     sync.Once
}

// New constructs a manager and starts its periodic stats task.
func New(cfg Config, pool HostPool, clock transport.Clock) (*Manager, error) {
	cfg = cfg.normalize()
	if clock == nil {
		clock = transport.SystemClock()
	}
	pattern, err := regexp.Compile(cfg.SymbolPattern)
	if err != nil {
		return nil, errs.New(cfg.Exchange, errs.CodeFatalInit,
			errs.WithMessage("invalid symbol pattern"),
			errs.WithField("pattern", cfg.SymbolPattern),
			errs.WithCause(err))
	}
	types := make(map[schema.DataType]struct{})
	enabled := cfg.Types
	if len(enabled) == 0 {
		enabled = schema.SupportedTypes()
	}
	for _, typ := range enabled {
		types[typ] = struct{}{}
	}
	m := &Manager{
		cfg:      cfg,
		pool:     pool,
		clock:    clock,
		pattern:  pattern,
		types:    types,
		subs:     make(map[string]*Subscription),
		byStream: make(map[string]string),
		msgRate:  &rateWindow{},
		errRate:  &rateWindow{},
		events:   make(chan Event, 128),
		shutdown: make(chan struct{}),
	}
	go m.statsLoop()
	return m, nil
}

// Events exposes the lifecycle event feed. Slow consumers lose events rather
// than blocking the manager.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	ev.EmitTS = m.clock.Now().UnixMilli()
	select {
	case m.events <- ev:
	default:
	}
}

// Subscribe creates subscriptions for each request. Duplicates of live
// subscriptions come back under Existing; validation and host failures under
// Failed without touching existing state.
func (m *Manager) Subscribe(ctx context.Context, reqs []Request) Result {
	var res Result
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			res.Failed = append(res.Failed, Failure{Request: req, Err: errs.New(m.cfg.Exchange, errs.CodeTimeout, errs.WithCause(err))})
			continue
		}
		sub, existing, err := m.subscribeOne(req)
		switch {
		case err != nil:
			res.Failed = append(res.Failed, Failure{Request: req, Err: err})
		case existing:
			res.Existing = append(res.Existing, sub)
		default:
			res.Succeeded = append(res.Succeeded, sub)
		}
	}
	if len(res.Succeeded) > 0 {
		ids := make([]string, 0, len(res.Succeeded))
		for _, sub := range res.Succeeded {
			ids = append(ids, sub.ID)
		}
		m.emit(Event{Kind: EventSubscribed, IDs: ids})
	}
	return res
}

func (m *Manager) subscribeOne(req Request) (Subscription, bool, error) {
	canonical, err := m.canonicalize(req.Symbol)
	if err != nil {
		return Subscription{}, false, err
	}
	if _, ok := m.types[req.Type]; !ok || !req.Type.Valid() {
		return Subscription{}, false, errs.New(m.cfg.Exchange, errs.CodeValidation,
			errs.WithMessage("data type not enabled"),
			errs.WithField("type", string(req.Type)))
	}
	id := schema.SubscriptionID(m.cfg.Exchange, canonical, req.Type, req.Params)
	stream := schema.StreamName(canonical, req.Type, req.Params)

	m.mu.Lock()
	if sub, ok := m.subs[id]; ok && sub.Status.live() {
		copied := *sub
		m.mu.Unlock()
		return copied, true, nil
	}
	liveCount := 0
	for _, sub := range m.subs {
		if sub.Status.live() {
			liveCount++
		}
	}
	if liveCount >= m.cfg.MaxSubscriptions {
		m.mu.Unlock()
		return Subscription{}, false, errs.New(m.cfg.Exchange, errs.CodeCapacity,
			errs.WithMessage("subscription limit reached"),
			errs.WithField("limit", strconv.Itoa(m.cfg.MaxSubscriptions)))
	}
	m.mu.Unlock()

	host, err := m.pickHost()
	if err != nil {
		return Subscription{}, false, err
	}

	now := m.clock.Now().UnixMilli()
	sub := &Subscription{
		ID:           id,
		Symbol:       canonical,
		Type:         req.Type,
		Params:       req.Params,
		StreamName:   stream,
		ConnectionID: host.ID(),
		Status:       StatusPending,
		CreatedTS:    now,
	}

	m.mu.Lock()
	m.subs[id] = sub
	m.byStream[stream] = id
	m.mu.Unlock()

	// A host failure leaves the entry pending; the next reconnected event
	// retries the stream.
	if err := host.AddStream(stream); err != nil {
		m.mu.Lock()
		sub.LastError = err.Error()
		m.mu.Unlock()
		observability.Log().Warn("stream add deferred",
			observability.Field{Key: "exchange", Value: m.cfg.Exchange},
			observability.Field{Key: "stream", Value: stream},
			observability.Field{Key: "error", Value: err.Error()})
	}
	return *sub, false, nil
}

func (m *Manager) canonicalize(symbol string) (string, error) {
	trimmed := strings.TrimSpace(symbol)
	if strings.Contains(trimmed, "/") {
		trimmed = schema.ConcatSymbol(trimmed)
	}
	canonical, err := schema.CanonicalSymbol(trimmed)
	if err != nil {
		return "", err
	}
	if !m.pattern.MatchString(schema.ConcatSymbol(canonical)) {
		return "", errs.New(m.cfg.Exchange, errs.CodeValidation,
			errs.WithMessage("symbol rejected by pattern"),
			errs.WithField("symbol", symbol))
	}
	return canonical, nil
}

// pickHost returns the first host with spare stream capacity, growing the
// pool when every host is full.
func (m *Manager) pickHost() (Host, error) {
	for _, host := range m.pool.Hosts() {
		if host.StreamCount() < m.cfg.MaxStreamsPerConn {
			return host, nil
		}
	}
	host, err := m.pool.Grow()
	if err != nil {
		return nil, err
	}
	return host, nil
}

// Unsubscribe removes subscriptions by id or by (symbol, type) request.
func (m *Manager) Unsubscribe(ctx context.Context, reqs []Request, ids []string) Result {
	var res Result
	resolved := make([]string, 0, len(ids)+len(reqs))
	resolved = append(resolved, ids...)
	for _, req := range reqs {
		canonical, err := m.canonicalize(req.Symbol)
		if err != nil {
			res.Failed = append(res.Failed, Failure{Request: req, Err: err})
			continue
		}
		resolved = append(resolved, schema.SubscriptionID(m.cfg.Exchange, canonical, req.Type, req.Params))
	}

	removed := make([]string, 0, len(resolved))
	for _, id := range resolved {
		if err := ctx.Err(); err != nil {
			res.Failed = append(res.Failed, Failure{Err: errs.New(m.cfg.Exchange, errs.CodeTimeout, errs.WithCause(err))})
			continue
		}
		sub, err := m.unsubscribeOne(id)
		if err != nil {
			res.Failed = append(res.Failed, Failure{Err: err})
			continue
		}
		res.Succeeded = append(res.Succeeded, sub)
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		m.emit(Event{Kind: EventUnsubscribed, IDs: removed})
	}
	return res
}

func (m *Manager) unsubscribeOne(id string) (Subscription, error) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return Subscription{}, errs.New(m.cfg.Exchange, errs.CodeNotFound,
			errs.WithMessage("unknown subscription"),
			errs.WithField("id", id))
	}
	sub.Status = StatusRemoving
	stream := sub.StreamName
	connID := sub.ConnectionID
	copied := *sub
	delete(m.subs, id)
	delete(m.byStream, stream)
	m.mu.Unlock()

	if host := m.hostByID(connID); host != nil {
		if err := host.RemoveStream(stream); err != nil {
			observability.Log().Warn("stream remove failed",
				observability.Field{Key: "exchange", Value: m.cfg.Exchange},
				observability.Field{Key: "stream", Value: stream},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
	return copied, nil
}

func (m *Manager) hostByID(id string) Host {
	for _, host := range m.pool.Hosts() {
		if host.ID() == id {
			return host
		}
	}
	return nil
}

// Filter selects rows from Get. Zero fields match everything.
type Filter struct {
	ID           string
	ConnectionID string
	Symbol       string
	Status       Status
}

// Get returns copies of matching subscriptions sorted by id.
func (m *Manager) Get(f Filter) []Subscription {
	m.mu.RLock()
	out := make([]Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if f.ID != "" && sub.ID != f.ID {
			continue
		}
		if f.ConnectionID != "" && sub.ConnectionID != f.ConnectionID {
			continue
		}
		if f.Symbol != "" && !strings.EqualFold(sub.Symbol, f.Symbol) {
			continue
		}
		if f.Status != "" && sub.Status != f.Status {
			continue
		}
		out = append(out, *sub)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Migrate moves every live subscription from one connection to another. On
// any host error the moved entries revert to the source connection.
func (m *Manager) Migrate(ctx context.Context, fromID, toID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New(m.cfg.Exchange, errs.CodeTimeout, errs.WithCause(err))
	}
	from := m.hostByID(fromID)
	to := m.hostByID(toID)
	if from == nil || to == nil {
		return nil, errs.New(m.cfg.Exchange, errs.CodeNotFound,
			errs.WithMessage("unknown connection"),
			errs.WithField("from", fromID),
			errs.WithField("to", toID))
	}

	m.mu.Lock()
	var moving []*Subscription
	for _, sub := range m.subs {
		if sub.ConnectionID == fromID && sub.Status.live() {
			moving = append(moving, sub)
		}
	}
	if len(moving) == 0 {
		m.mu.Unlock()
		return nil, nil
	}
	if to.StreamCount()+len(moving) > m.cfg.MaxStreamsPerConn {
		m.mu.Unlock()
		return nil, errs.New(m.cfg.Exchange, errs.CodeCapacity,
			errs.WithMessage("target connection lacks stream capacity"),
			errs.WithField("to", toID))
	}
	ids := make([]string, 0, len(moving))
	streams := make([]string, 0, len(moving))
	for _, sub := range moving {
		sub.Status = StatusPending
		sub.ConnectionID = toID
		ids = append(ids, sub.ID)
		streams = append(streams, sub.StreamName)
	}
	m.mu.Unlock()

	m.emit(Event{Kind: EventMigrationStarted, IDs: ids, From: fromID, To: toID})

	var failed error
	added := make([]string, 0, len(streams))
	for _, stream := range streams {
		if err := to.AddStream(stream); err != nil {
			failed = err
			break
		}
		added = append(added, stream)
	}
	if failed == nil {
		for _, stream := range streams {
			if err := from.RemoveStream(stream); err != nil {
				failed = err
				break
			}
		}
	}

	if failed != nil {
		// Compensate: restore the old assignment on both hosts.
		for _, stream := range added {
			_ = to.RemoveStream(stream)
		}
		for _, stream := range streams {
			_ = from.AddStream(stream)
		}
		now := m.clock.Now().UnixMilli()
		m.mu.Lock()
		for _, sub := range moving {
			sub.ConnectionID = fromID
			sub.Status = StatusActive
			sub.LastActiveTS = now
		}
		m.mu.Unlock()
		m.emit(Event{Kind: EventMigrationFailed, IDs: ids, From: fromID, To: toID, Reason: failed.Error()})
		return nil, errs.New(m.cfg.Exchange, errs.CodeTransport,
			errs.WithMessage("migration reverted"),
			errs.WithField("from", fromID),
			errs.WithField("to", toID),
			errs.WithCause(failed))
	}

	now := m.clock.Now().UnixMilli()
	m.mu.Lock()
	for _, sub := range moving {
		sub.Status = StatusActive
		sub.LastActiveTS = now
	}
	m.mu.Unlock()
	m.emit(Event{Kind: EventMigrationComplete, IDs: ids, From: fromID, To: toID})
	sort.Strings(ids)
	return ids, nil
}

// HandleStreamData credits one delivered record to the subscription carrying
// the stream. Data arriving on a pending subscription confirms it active.
func (m *Manager) HandleStreamData(stream string, connID string) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgRate.record(now.Unix())
	id, ok := m.byStream[stream]
	if !ok {
		return
	}
	sub := m.subs[id]
	sub.MessageCount++
	sub.LastActiveTS = now.UnixMilli()
	if connID != "" {
		sub.ConnectionID = connID
	}
	if sub.Status == StatusPending {
		sub.Status = StatusActive
	}
}

// HandleStreamError charges one error to the subscription carrying the stream.
func (m *Manager) HandleStreamError(stream string, streamErr error, connID string) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errRate.record(now.Unix())
	id, ok := m.byStream[stream]
	if !ok {
		return
	}
	sub := m.subs[id]
	sub.ErrorCount++
	if streamErr != nil {
		sub.LastError = streamErr.Error()
	}
	_ = connID
}

// HandleReconnecting parks every subscription on the connection back to
// pending until the reconnect confirms its streams.
func (m *Manager) HandleReconnecting(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.ConnectionID == connID && sub.Status == StatusActive {
			sub.Status = StatusPending
		}
	}
}

// HandleReconnected marks subscriptions active for every stream the
// reconnected session carries, and replays streams the session missed.
func (m *Manager) HandleReconnected(connID string, activeStreams []string) {
	carried := make(map[string]struct{}, len(activeStreams))
	for _, stream := range activeStreams {
		carried[stream] = struct{}{}
	}
	now := m.clock.Now().UnixMilli()

	var missing []string
	m.mu.Lock()
	for _, sub := range m.subs {
		if sub.ConnectionID != connID || !sub.Status.live() {
			continue
		}
		if _, ok := carried[sub.StreamName]; ok {
			sub.Status = StatusActive
			sub.LastActiveTS = now
		} else {
			missing = append(missing, sub.StreamName)
		}
	}
	m.mu.Unlock()

	if len(missing) == 0 {
		return
	}
	host := m.hostByID(connID)
	if host == nil {
		return
	}
	for _, stream := range missing {
		if err := host.AddStream(stream); err != nil {
			observability.Log().Warn("stream replay failed",
				observability.Field{Key: "exchange", Value: m.cfg.Exchange},
				observability.Field{Key: "stream", Value: stream},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

// Lookup resolves a wire stream name to its subscription, if any.
func (m *Manager) Lookup(stream string) (Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byStream[stream]
	if !ok {
		return Subscription{}, false
	}
	return *m.subs[id], true
}

// Stats recomputes the table summary on demand.
func (m *Manager) Stats() Stats {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		Total:        len(m.subs),
		ByStatus:     make(map[Status]int),
		ByType:       make(map[schema.DataType]int),
		BySymbol:     make(map[string]int),
		ByConnection: make(map[string]int),
		MessageRate:  m.msgRate.perSecond(now.Unix()),
		ErrorRate:    m.errRate.perSecond(now.Unix()),
		RecomputedTS: now.UnixMilli(),
	}
	for _, sub := range m.subs {
		st.ByStatus[sub.Status]++
		st.ByType[sub.Type]++
		st.BySymbol[sub.Symbol]++
		st.ByConnection[sub.ConnectionID]++
	}
	return st
}

func (m *Manager) statsLoop() {
	ticker := m.clock.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C():
			st := m.Stats()
			observability.Log().Debug("subscription stats",
				observability.Field{Key: "exchange", Value: m.cfg.Exchange},
				observability.Field{Key: "total", Value: st.Total},
				observability.Field{Key: "active", Value: st.ByStatus[StatusActive]},
				observability.Field{Key: "message_rate", Value: st.MessageRate},
				observability.Field{Key: "error_rate", Value: st.ErrorRate})
		}
	}
}

// Close stops the stats task. The event feed stays open so late emits from
// in-flight operations never panic; it is reclaimed with the manager.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.shutdown)
	})
}
