// Package router fans canonical records into named, bounded delivery channels.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/observability"
	"github.com/coachpo/tickgate/internal/schema"
	"github.com/coachpo/tickgate/internal/transport"
)

// closeGrace bounds the queue flush performed by Close.
const closeGrace = 5 * time.Second

// Policy selects the overflow behaviour of a full channel queue.
type Policy string

const (
	// PolicyDropOldest evicts the oldest queued record to admit the new one.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicyDropNewest discards the incoming record.
	PolicyDropNewest Policy = "drop_newest"
	// PolicyBlockBounded waits up to the block timeout, then drops.
	PolicyBlockBounded Policy = "block_bounded"
	// PolicyFailFast surfaces a capacity error to the caller.
	PolicyFailFast Policy = "fail_fast"
)

// Sink consumes records drained from one channel.
type Sink interface {
	Consume(ctx context.Context, rec *schema.Record) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec *schema.Record) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, rec *schema.Record) error { return f(ctx, rec) }

// Filter restricts which records a channel accepts. A nil filter accepts all.
type Filter func(rec *schema.Record) bool

// ChannelConfig declares one named delivery channel.
type ChannelConfig struct {
	Name         string
	QueueSize    int
	Policy       Policy
	BlockTimeout time.Duration
	// ErrorStreak auto-disables the channel after this many consecutive sink
	// failures. Zero keeps the channel enabled regardless.
	ErrorStreak int
	Filter      Filter
}

func (c ChannelConfig) normalize() ChannelConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Policy == "" {
		c.Policy = PolicyDropOldest
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 100 * time.Millisecond
	}
	return c
}

// ChannelStats snapshots one channel's counters.
type ChannelStats struct {
	Name        string
	Enabled     bool
	Queued      int
	QueueSize   int
	Routed      uint64
	Delivered   uint64
	Dropped     uint64
	Errors      uint64
	ErrorStreak int
}

type channel struct {
	cfg  ChannelConfig
	sink Sink

	mu       sync.Mutex
	queue    chan *schema.Record
	enabled  bool
	closed   bool
	streak   int
	routed   uint64
	handled  uint64
	dropped  uint64
	failures uint64
}

// Router delivers each routed record to every enabled channel whose filter
// accepts it, in registration order. Each channel drains through its own
// goroutine so one slow sink never stalls the others.
type Router struct {
	clock transport.Clock

	mu       sync.RWMutex
	channels []*channel
	byName   map[string]*channel

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     conc.WaitGroup
	once   sync.Once
}

// New constructs an empty router.
func New(clock transport.Clock) *Router {
	if clock == nil {
		clock = transport.SystemClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		clock:  clock,
		byName: make(map[string]*channel),
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}
}

// Register adds a named channel and starts its drainer. Names are unique.
func (r *Router) Register(cfg ChannelConfig, sink Sink) error {
	if cfg.Name == "" {
		return errs.New("", errs.CodeValidation, errs.WithMessage("channel name required"))
	}
	if sink == nil {
		return errs.New("", errs.CodeValidation,
			errs.WithMessage("channel sink required"),
			errs.WithField("channel", cfg.Name))
	}
	cfg = cfg.normalize()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[cfg.Name]; exists {
		return errs.New("", errs.CodeDuplicate,
			errs.WithMessage("channel already registered"),
			errs.WithField("channel", cfg.Name))
	}
	ch := &channel{
		cfg:     cfg,
		sink:    sink,
		queue:   make(chan *schema.Record, cfg.QueueSize),
		enabled: true,
	}
	r.channels = append(r.channels, ch)
	r.byName[cfg.Name] = ch
	r.wg.Go(func() { r.drain(ch) })
	return nil
}

// Route offers the record to every channel. Only fail_fast overflows surface
// as an error; every other policy absorbs pressure locally.
func (r *Router) Route(rec *schema.Record) error {
	if rec == nil {
		return nil
	}
	r.mu.RLock()
	channels := r.channels
	r.mu.RUnlock()

	var failures []error
	for _, ch := range channels {
		if err := r.offer(ch, rec); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return observability.AggregateErrors("route record", failures,
		observability.Field{Key: "key", Value: rec.Key()})
}

func (r *Router) offer(ch *channel, rec *schema.Record) error {
	ch.mu.Lock()
	if !ch.enabled || ch.closed || (ch.cfg.Filter != nil && !ch.cfg.Filter(rec)) {
		ch.mu.Unlock()
		return nil
	}
	ch.routed++

	select {
	case ch.queue <- rec:
		ch.mu.Unlock()
		return nil
	default:
	}

	switch ch.cfg.Policy {
	case PolicyDropOldest:
		select {
		case <-ch.queue:
			ch.dropped++
		default:
		}
		select {
		case ch.queue <- rec:
		default:
			ch.dropped++
		}
		ch.mu.Unlock()
		return nil
	case PolicyFailFast:
		ch.dropped++
		name := ch.cfg.Name
		ch.mu.Unlock()
		return errs.New(rec.Exchange, errs.CodeCapacity,
			errs.WithMessage("channel queue full"),
			errs.WithField("channel", name))
	case PolicyBlockBounded:
		ch.mu.Unlock()
		select {
		case ch.queue <- rec:
			return nil
		case <-r.clock.After(ch.cfg.BlockTimeout):
		case <-r.ctx.Done():
		}
		ch.mu.Lock()
		ch.dropped++
		ch.mu.Unlock()
		return nil
	default: // PolicyDropNewest
		ch.dropped++
		ch.mu.Unlock()
		return nil
	}
}

func (r *Router) drain(ch *channel) {
	for {
		// A pending stop takes priority over queued work; flush handles the
		// remainder with the shutdown grace applied.
		select {
		case <-r.stop:
			r.flush(ch)
			return
		default:
		}
		select {
		case <-r.stop:
			r.flush(ch)
			return
		case rec := <-ch.queue:
			r.consume(r.ctx, ch, rec)
		}
	}
}

// flush delivers records still queued at shutdown. Close cancels the router
// context when the grace expires; whatever remains then counts as dropped.
func (r *Router) flush(ch *channel) {
	for {
		select {
		case <-r.ctx.Done():
			ch.mu.Lock()
			for {
				select {
				case <-ch.queue:
					ch.dropped++
				default:
					ch.mu.Unlock()
					return
				}
			}
		default:
		}
		select {
		case rec := <-ch.queue:
			r.consume(r.ctx, ch, rec)
		default:
			return
		}
	}
}

func (r *Router) consume(ctx context.Context, ch *channel, rec *schema.Record) {
	err := ch.sink.Consume(ctx, rec)

	ch.mu.Lock()
	if err == nil {
		ch.handled++
		ch.streak = 0
		ch.mu.Unlock()
		return
	}
	ch.failures++
	ch.streak++
	streak := ch.streak
	threshold := ch.cfg.ErrorStreak
	autoDisable := threshold > 0 && streak >= threshold && ch.enabled
	if autoDisable {
		ch.enabled = false
	}
	name := ch.cfg.Name
	ch.mu.Unlock()

	observability.Log().Warn("sink consume failed",
		observability.Field{Key: "channel", Value: name},
		observability.Field{Key: "streak", Value: streak},
		observability.Field{Key: "error", Value: err.Error()})
	if autoDisable {
		observability.Log().Error("channel auto-disabled after error streak",
			observability.Field{Key: "channel", Value: name},
			observability.Field{Key: "streak", Value: streak})
	}
}

// SetEnabled flips one channel's delivery. Re-enabling resets the streak.
func (r *Router) SetEnabled(name string, enabled bool) error {
	r.mu.RLock()
	ch, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return errs.New("", errs.CodeNotFound,
			errs.WithMessage("unknown channel"),
			errs.WithField("channel", name))
	}
	ch.mu.Lock()
	ch.enabled = enabled
	if enabled {
		ch.streak = 0
	}
	ch.mu.Unlock()
	return nil
}

// Stats snapshots every channel in registration order.
func (r *Router) Stats() []ChannelStats {
	r.mu.RLock()
	channels := r.channels
	r.mu.RUnlock()

	out := make([]ChannelStats, 0, len(channels))
	for _, ch := range channels {
		ch.mu.Lock()
		out = append(out, ChannelStats{
			Name:        ch.cfg.Name,
			Enabled:     ch.enabled,
			Queued:      len(ch.queue),
			QueueSize:   ch.cfg.QueueSize,
			Routed:      ch.routed,
			Delivered:   ch.handled,
			Dropped:     ch.dropped,
			Errors:      ch.failures,
			ErrorStreak: ch.streak,
		})
		ch.mu.Unlock()
	}
	return out
}

// ChannelNames lists registered channels in registration order.
func (r *Router) ChannelNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for _, ch := range r.channels {
		names = append(names, ch.cfg.Name)
	}
	return names
}

// Close rejects further routing, lets the drainers flush their queues for up
// to the grace period, then cancels in-flight sink calls and waits.
func (r *Router) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		for _, ch := range r.channels {
			ch.mu.Lock()
			ch.closed = true
			ch.mu.Unlock()
		}
		r.mu.Unlock()

		close(r.stop)
		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-r.clock.After(closeGrace):
		}
		r.cancel()
		<-done
	})
}
