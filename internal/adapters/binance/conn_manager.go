package binance

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/adapter"
	"github.com/coachpo/tickgate/internal/observability"
	"github.com/coachpo/tickgate/internal/transport"
)

const (
	// controlSendInterval paces outbound messages; Binance caps control
	// traffic at 5 per second per connection.
	controlSendInterval = 250 * time.Millisecond
	sendQueueSize       = 64
	connEventQueueSize  = 64
)

// ConnEventKind enumerates connection lifecycle notifications.
type ConnEventKind string

const (
	ConnEventStateChange   ConnEventKind = "state_change"
	ConnEventStreamAdded   ConnEventKind = "stream_added"
	ConnEventStreamRemoved ConnEventKind = "stream_removed"
	ConnEventReconnecting  ConnEventKind = "reconnecting"
	ConnEventReconnected   ConnEventKind = "reconnected"
	ConnEventError         ConnEventKind = "error"
)

// ConnEvent is one typed notification from a connection manager.
type ConnEvent struct {
	Kind    ConnEventKind
	ConnID  string
	State   adapter.ConnState
	Stream  string
	Attempt int
	Streams []string
	Err     error
}

// BackoffConfig tunes the reconnect delay schedule.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	Jitter       bool
}

func (c BackoffConfig) normalize() BackoffConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	return c
}

// ConnConfig declares one managed connection.
type ConnConfig struct {
	ID               string
	Exchange         string
	BaseURL          string
	Streams          []string
	DebounceWindow   time.Duration
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	Backoff          BackoffConfig
}

func (c ConnConfig) normalize() ConnConfig {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 500 * time.Millisecond
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	c.Backoff = c.Backoff.normalize()
	return c
}

// ConnManager owns one WebSocket session on a combined-stream URL. Stream
// mutations land in an intent set; a debounce window coalesces bursts before
// the session reconnects on the rebuilt URL. The underlying transport answers
// server pings with byte-identical pongs while a read is pending, which keeps
// the session inside the exchange's heartbeat window.
type ConnManager struct {
	cfg     ConnConfig
	dialer  transport.Dialer
	clock   transport.Clock
	metrics *Metrics
	handler func(frame []byte)
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu       sync.Mutex
	state    adapter.ConnState
	conn     transport.Conn
	intent   map[string]struct{}
	active   map[string]struct{}
	debounce bool
	rebuild  bool
	attempts int

	lastActivity atomic.Int64
	lastPing     atomic.Int64
	rttMicros    atomic.Int64
	bytesSent    atomic.Uint64
	bytesRecv    atomic.Uint64
	msgsRecv     atomic.Uint64

	sendQueue chan []byte
	events    chan ConnEvent
}

// NewConnManager constructs a manager; Start opens the session.
func NewConnManager(cfg ConnConfig, dialer transport.Dialer, clock transport.Clock, metrics *Metrics, handler func([]byte)) *ConnManager {
	cfg = cfg.normalize()
	if dialer == nil {
		dialer = &transport.WebsocketDialer{}
	}
	if clock == nil {
		clock = transport.SystemClock()
	}
	cm := &ConnManager{
		cfg:       cfg,
		dialer:    dialer,
		clock:     clock,
		metrics:   metrics,
		handler:   handler,
		limiter:   rate.NewLimiter(rate.Every(controlSendInterval), 1),
		state:     adapter.StateIdle,
		intent:    make(map[string]struct{}),
		active:    make(map[string]struct{}),
		sendQueue: make(chan []byte, sendQueueSize),
		events:    make(chan ConnEvent, connEventQueueSize),
	}
	for _, stream := range cfg.Streams {
		cm.intent[strings.ToLower(stream)] = struct{}{}
	}
	return cm
}

// ID returns the connection identifier.
func (cm *ConnManager) ID() string { return cm.cfg.ID }

// Events exposes the lifecycle feed. Slow consumers lose events.
func (cm *ConnManager) Events() <-chan ConnEvent { return cm.events }

func (cm *ConnManager) emit(ev ConnEvent) {
	ev.ConnID = cm.cfg.ID
	select {
	case cm.events <- ev:
	default:
	}
}

func (cm *ConnManager) setState(state adapter.ConnState) {
	cm.mu.Lock()
	changed := cm.state != state
	cm.state = state
	cm.mu.Unlock()
	if changed {
		cm.emit(ConnEvent{Kind: ConnEventStateChange, State: state})
	}
}

// State returns the current lifecycle state.
func (cm *ConnManager) State() adapter.ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Start opens the session and spawns the connection loop.
func (cm *ConnManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.ctx != nil {
		cm.mu.Unlock()
		return errs.New(cm.cfg.Exchange, errs.CodeDuplicate, errs.WithMessage("connection already started"))
	}
	cm.ctx, cm.cancel = context.WithCancel(ctx)
	cm.mu.Unlock()

	cm.setState(adapter.StateConnecting)
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		cm.run()
	}()
	return nil
}

// Stop closes the session and stops every task.
func (cm *ConnManager) Stop() {
	cm.once.Do(func() {
		cm.setState(adapter.StateDisconnecting)
		cm.mu.Lock()
		if cm.cancel != nil {
			cm.cancel()
		}
		conn := cm.conn
		cm.mu.Unlock()
		if conn != nil {
			_ = conn.Close("shutdown")
		}
		cm.wg.Wait()
		cm.setState(adapter.StateDisconnected)
	})
}

// AddStream adds the stream to the intent set. Duplicates are no-ops. The
// session converges after the debounce window.
func (cm *ConnManager) AddStream(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return errs.New(cm.cfg.Exchange, errs.CodeValidation, errs.WithMessage("stream name required"))
	}
	cm.mu.Lock()
	if _, ok := cm.intent[name]; ok {
		cm.mu.Unlock()
		return nil
	}
	cm.intent[name] = struct{}{}
	cm.mu.Unlock()
	cm.emit(ConnEvent{Kind: ConnEventStreamAdded, Stream: name})
	cm.scheduleRebuild()
	return nil
}

// RemoveStream removes the stream from the intent set. Unknown names are
// no-ops.
func (cm *ConnManager) RemoveStream(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	cm.mu.Lock()
	if _, ok := cm.intent[name]; !ok {
		cm.mu.Unlock()
		return nil
	}
	delete(cm.intent, name)
	cm.mu.Unlock()
	cm.emit(ConnEvent{Kind: ConnEventStreamRemoved, Stream: name})
	cm.scheduleRebuild()
	return nil
}

// scheduleRebuild arms the debounce timer once; expiry reconnects when the
// intent set drifted from the session's streams.
func (cm *ConnManager) scheduleRebuild() {
	cm.mu.Lock()
	if cm.debounce || cm.ctx == nil {
		cm.mu.Unlock()
		return
	}
	cm.debounce = true
	ctx := cm.ctx
	cm.mu.Unlock()

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		select {
		case <-ctx.Done():
			cm.mu.Lock()
			cm.debounce = false
			cm.mu.Unlock()
			return
		case <-cm.clock.After(cm.cfg.DebounceWindow):
		}
		cm.mu.Lock()
		cm.debounce = false
		drifted := !streamSetsEqual(cm.intent, cm.active)
		conn := cm.conn
		if drifted {
			cm.rebuild = true
		}
		cm.mu.Unlock()
		if drifted && conn != nil {
			_ = conn.Close("stream set changed")
		}
	}()
}

func streamSetsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// URL renders the combined-stream endpoint for the current intent set.
func (cm *ConnManager) URL() string {
	cm.mu.Lock()
	streams := make([]string, 0, len(cm.intent))
	for name := range cm.intent {
		streams = append(streams, name)
	}
	cm.mu.Unlock()
	sort.Strings(streams)
	base := strings.TrimSuffix(cm.cfg.BaseURL, "/")
	if len(streams) == 0 {
		return base + "/stream"
	}
	return base + "/stream?streams=" + strings.Join(streams, "/")
}

// ActiveStreams returns the streams carried by the current session.
func (cm *ConnManager) ActiveStreams() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]string, 0, len(cm.active))
	for name := range cm.active {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StreamCount counts intended streams; capacity checks use the intent set so
// pending additions reserve their slot.
func (cm *ConnManager) StreamCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.intent)
}

// run is the session loop: dial, serve, reconnect with backoff.
func (cm *ConnManager) run() {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = cm.cfg.Backoff.InitialDelay
	schedule.MaxInterval = cm.cfg.Backoff.MaxDelay
	schedule.Multiplier = cm.cfg.Backoff.Multiplier
	if cm.cfg.Backoff.Jitter {
		schedule.RandomizationFactor = 0.5
	} else {
		schedule.RandomizationFactor = 0
	}

	for {
		if cm.ctx.Err() != nil {
			return
		}

		url := cm.URL()
		conn, err := cm.dialer.Dial(cm.ctx, url)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			cm.mu.Lock()
			cm.attempts++
			attempts := cm.attempts
			cm.mu.Unlock()
			cm.metrics.ObserveReconnect()
			cm.emit(ConnEvent{Kind: ConnEventError, Err: errs.New(cm.cfg.Exchange, errs.CodeTransport,
				errs.WithMessage("dial failed"),
				errs.WithField("url", url),
				errs.WithCause(err))})
			if attempts > cm.cfg.Backoff.MaxRetries {
				observability.Log().Error("connection gave up",
					observability.Field{Key: "exchange", Value: cm.cfg.Exchange},
					observability.Field{Key: "conn", Value: cm.cfg.ID},
					observability.Field{Key: "attempts", Value: attempts})
				cm.setState(adapter.StateError)
				return
			}
			cm.setState(adapter.StateReconnecting)
			cm.emit(ConnEvent{Kind: ConnEventReconnecting, Attempt: attempts})
			select {
			case <-cm.ctx.Done():
				return
			case <-cm.clock.After(schedule.NextBackOff()):
			}
			continue
		}

		cm.mu.Lock()
		cm.conn = conn
		cm.attempts = 0
		cm.rebuild = false
		cm.active = make(map[string]struct{}, len(cm.intent))
		for name := range cm.intent {
			cm.active[name] = struct{}{}
		}
		carried := make([]string, 0, len(cm.active))
		for name := range cm.active {
			carried = append(carried, name)
		}
		cm.mu.Unlock()
		sort.Strings(carried)
		schedule.Reset()
		cm.lastActivity.Store(cm.clock.Now().UnixNano())
		cm.setState(adapter.StateConnected)
		cm.emit(ConnEvent{Kind: ConnEventReconnected, Streams: carried})

		cm.serve(conn)

		cm.mu.Lock()
		cm.conn = nil
		deliberate := cm.rebuild
		cm.mu.Unlock()

		if cm.ctx.Err() != nil {
			return
		}
		if deliberate {
			// URL rebuild after a stream mutation; reconnect immediately.
			cm.setState(adapter.StateConnecting)
			continue
		}
		cm.setState(adapter.StateReconnecting)
		cm.mu.Lock()
		cm.attempts++
		attempts := cm.attempts
		cm.mu.Unlock()
		cm.metrics.ObserveReconnect()
		cm.emit(ConnEvent{Kind: ConnEventReconnecting, Attempt: attempts})
		if attempts > cm.cfg.Backoff.MaxRetries {
			cm.setState(adapter.StateError)
			return
		}
		select {
		case <-cm.ctx.Done():
			return
		case <-cm.clock.After(schedule.NextBackOff()):
		}
	}
}

// serve runs one session: writer and heartbeat tasks plus the inline read
// loop. It returns when the session ends from either side.
func (cm *ConnManager) serve(conn transport.Conn) {
	sessionCtx, sessionCancel := context.WithCancel(cm.ctx)
	defer sessionCancel()

	var tasks sync.WaitGroup
	tasks.Add(2)
	go func() {
		defer tasks.Done()
		cm.writeLoop(sessionCtx, conn)
	}()
	go func() {
		defer tasks.Done()
		cm.heartbeatLoop(sessionCtx, conn)
	}()

	for {
		frame, err := conn.Read(sessionCtx)
		if err != nil {
			if sessionCtx.Err() == nil {
				cm.emit(ConnEvent{Kind: ConnEventError, Err: errs.New(cm.cfg.Exchange, errs.CodeTransport,
					errs.WithMessage("read failed"),
					errs.WithCause(err))})
			}
			break
		}
		cm.lastActivity.Store(cm.clock.Now().UnixNano())
		cm.bytesRecv.Add(uint64(len(frame)))
		cm.msgsRecv.Add(1)
		cm.metrics.ObserveRaw()
		if cm.handler != nil {
			cm.handler(frame)
		}
	}

	sessionCancel()
	_ = conn.Close("session over")
	tasks.Wait()
}

func (cm *ConnManager) writeLoop(ctx context.Context, conn transport.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-cm.sendQueue:
			if err := cm.limiter.Wait(ctx); err != nil {
				return
			}
			if err := conn.Write(ctx, msg); err != nil {
				cm.emit(ConnEvent{Kind: ConnEventError, Err: errs.New(cm.cfg.Exchange, errs.CodeTransport,
					errs.WithMessage("write failed"),
					errs.WithCause(err))})
				return
			}
			cm.bytesSent.Add(uint64(len(msg)))
		}
	}
}

// heartbeatLoop pings on an interval to measure RTT and enforces the
// inactivity threshold. A silent connection is closed so the session loop
// reconnects.
func (cm *ConnManager) heartbeatLoop(ctx context.Context, conn transport.Conn) {
	ticker := cm.clock.NewTicker(cm.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		idle := cm.clock.Now().UnixNano() - cm.lastActivity.Load()
		if idle > cm.cfg.HeartbeatTimeout.Nanoseconds() {
			cm.emit(ConnEvent{Kind: ConnEventError, Err: errs.New(cm.cfg.Exchange, errs.CodeHeartbeatTimeout,
				errs.WithMessage("no activity within heartbeat window"))})
			_ = conn.Close("heartbeat timeout")
			return
		}

		if _, err := cm.pingConn(ctx, conn); err != nil && ctx.Err() == nil {
			observability.Log().Debug("ping failed",
				observability.Field{Key: "exchange", Value: cm.cfg.Exchange},
				observability.Field{Key: "conn", Value: cm.cfg.ID},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

func (cm *ConnManager) pingConn(ctx context.Context, conn transport.Conn) (time.Duration, error) {
	start := cm.clock.Now()
	if err := conn.Ping(ctx); err != nil {
		return 0, err
	}
	rtt := cm.clock.Now().Sub(start)
	cm.rttMicros.Store(rtt.Microseconds())
	cm.lastPing.Store(cm.clock.Now().UnixMilli())
	cm.metrics.ObservePingRTT(rtt)
	return rtt, nil
}

// Ping measures a round trip on the live session.
func (cm *ConnManager) Ping(ctx context.Context) (time.Duration, error) {
	cm.mu.Lock()
	conn := cm.conn
	cm.mu.Unlock()
	if conn == nil {
		return 0, errs.New(cm.cfg.Exchange, errs.CodeTransport, errs.WithMessage("not connected"))
	}
	return cm.pingConn(ctx, conn)
}

// Send queues one outbound message; the writer task paces delivery.
func (cm *ConnManager) Send(ctx context.Context, msg []byte) error {
	buf := make([]byte, len(msg))
	copy(buf, msg)
	select {
	case cm.sendQueue <- buf:
		return nil
	case <-ctx.Done():
		return errs.New(cm.cfg.Exchange, errs.CodeTimeout, errs.WithCause(ctx.Err()))
	}
}

// Reconnect forces a deliberate close and redial preserving the intent set.
func (cm *ConnManager) Reconnect() {
	cm.mu.Lock()
	cm.rebuild = true
	conn := cm.conn
	cm.mu.Unlock()
	if conn != nil {
		_ = conn.Close("reconnect requested")
	}
}

// Healthy reports a composite of state and heartbeat freshness.
func (cm *ConnManager) Healthy() bool {
	if cm.State() != adapter.StateConnected {
		return false
	}
	idle := cm.clock.Now().UnixNano() - cm.lastActivity.Load()
	return idle <= cm.cfg.HeartbeatTimeout.Nanoseconds()
}

// Status snapshots the connection for the control plane.
func (cm *ConnManager) Status() adapter.ConnectionStatus {
	cm.mu.Lock()
	state := cm.state
	attempts := cm.attempts
	cm.mu.Unlock()
	return adapter.ConnectionStatus{
		ID:            cm.cfg.ID,
		State:         state,
		URL:           cm.URL(),
		ActiveStreams: cm.ActiveStreams(),
		Metrics: adapter.ConnMetrics{
			BytesSent:         cm.bytesSent.Load(),
			BytesReceived:     cm.bytesRecv.Load(),
			MessagesReceived:  cm.msgsRecv.Load(),
			ReconnectAttempts: attempts,
			LastPingTS:        cm.lastPing.Load(),
			RTTMillis:         cm.rttMicros.Load() / 1000,
		},
	}
}
