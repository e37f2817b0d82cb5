package transporttest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coachpo/tickgate/internal/transport"
)

// ErrConnClosed is returned by reads on a fake connection after the session ends.
var ErrConnClosed = errors.New("fake connection closed")

// FakeDialer hands out scriptable connections and records every dialed URL.
type FakeDialer struct {
	mu       sync.Mutex
	conns    []*FakeConn
	urls     []string
	failNext []error
}

// NewFakeDialer constructs an empty fake dialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// FailNext queues errors returned by upcoming Dial calls before connections
// succeed again.
func (d *FakeDialer) FailNext(errs ...error) {
	d.mu.Lock()
	d.failNext = append(d.failNext, errs...)
	d.mu.Unlock()
}

// Dial records the URL and returns the next scripted outcome.
func (d *FakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.failNext) > 0 {
		err := d.failNext[0]
		d.failNext = d.failNext[1:]
		return nil, err
	}
	conn := NewFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

// URLs returns every URL dialed so far.
func (d *FakeDialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.urls))
	copy(out, d.urls)
	return out
}

// DialCount returns the number of Dial calls observed.
func (d *FakeDialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// Conn returns the i-th successfully dialed connection, or nil.
func (d *FakeDialer) Conn(i int) *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// LastConn returns the most recent successfully dialed connection, or nil.
func (d *FakeDialer) LastConn() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// FakeConn is an in-memory scriptable WebSocket session.
type FakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	writes  [][]byte
	closed  chan struct{}
	once    sync.Once

	pingErr   error
	pingDelay time.Duration
}

// NewFakeConn constructs a connection ready to deliver frames.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// Deliver queues a data frame for the reader.
func (c *FakeConn) Deliver(frame []byte) {
	select {
	case <-c.closed:
	case c.inbound <- frame:
	}
}

// Drop simulates the server closing the session; pending and future reads fail.
func (c *FakeConn) Drop() {
	c.once.Do(func() { close(c.closed) })
}

// Closed reports whether the session has ended from either side.
func (c *FakeConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Writes returns every frame written by the client.
func (c *FakeConn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// SetPing scripts the outcome of future Ping calls.
func (c *FakeConn) SetPing(delay time.Duration, err error) {
	c.mu.Lock()
	c.pingDelay = delay
	c.pingErr = err
	c.mu.Unlock()
}

func (c *FakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *FakeConn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.mu.Lock()
	c.writes = append(c.writes, buf)
	c.mu.Unlock()
	return nil
}

func (c *FakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	delay, err := c.pingDelay, c.pingErr
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	return err
}

func (c *FakeConn) Close(string) error {
	c.Drop()
	return nil
}
