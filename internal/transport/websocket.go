// Package transport abstracts the WebSocket session and clock so connection
// managers can be tested deterministically without a live exchange.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// Conn is the minimal WebSocket session surface used by connection managers.
// Control frames are handled below this interface: the underlying library
// answers server pings with a pong carrying the identical payload while a
// read is pending.
type Conn interface {
	// Read blocks until the next data frame arrives and returns its payload.
	Read(ctx context.Context) ([]byte, error)
	// Write sends a text data frame.
	Write(ctx context.Context, data []byte) error
	// Ping sends a ping control frame and blocks until the matching pong.
	Ping(ctx context.Context) error
	// Close performs the closing handshake.
	Close(reason string) error
}

// Dialer opens WebSocket sessions.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials real exchange endpoints.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// NewWebsocketDialer constructs a dialer with sensible production limits.
func NewWebsocketDialer(handshakeTimeout time.Duration, readLimit int64) *WebsocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	if readLimit <= 0 {
		readLimit = 2 * 1024 * 1024
	}
	return &WebsocketDialer{HandshakeTimeout: handshakeTimeout, ReadLimit: readLimit}
}

// Dial opens the WebSocket session and applies the configured read limit.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.HandshakeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(d.ReadLimit)
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText && msgType != websocket.MessageBinary {
			continue
		}
		return data, nil
	}
}

func (c *websocketConn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *websocketConn) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (c *websocketConn) Close(reason string) error {
	if err := c.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
