// Package adapter declares the exchange-facing operations the control plane
// consumes, keeping exchange packages decoupled from control code.
package adapter

import (
	"context"

	"github.com/coachpo/tickgate/internal/subscription"
)

// ConnState is the lifecycle state of one managed connection.
type ConnState string

const (
	StateIdle          ConnState = "idle"
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateReconnecting  ConnState = "reconnecting"
	StateDisconnecting ConnState = "disconnecting"
	StateDisconnected  ConnState = "disconnected"
	StateError         ConnState = "error"
)

// ConnMetrics aggregates transport counters for one connection.
type ConnMetrics struct {
	BytesSent         uint64
	BytesReceived     uint64
	MessagesReceived  uint64
	ReconnectAttempts int
	LastPingTS        int64
	RTTMillis         int64
}

// ConnectionStatus reports one connection's live state.
type ConnectionStatus struct {
	ID            string
	State         ConnState
	URL           string
	ActiveStreams []string
	Metrics       ConnMetrics
}

// Status summarises one adapter for the control plane.
type Status struct {
	Name        string
	Healthy     bool
	Connections []ConnectionStatus
}

// Metrics aggregates adapter-wide ingestion counters.
type Metrics struct {
	RawMessages    uint64
	ParsedRecords  uint64
	ParseErrors    uint64
	DroppedRecords uint64
	RoutedRecords  uint64
}

// Adapter is the per-exchange facade the control surface drives.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, reqs []subscription.Request) subscription.Result
	Unsubscribe(ctx context.Context, reqs []subscription.Request, ids []string) subscription.Result
	UnsubscribeAll(ctx context.Context) subscription.Result
	Subscriptions(f subscription.Filter) []subscription.Subscription
	Migrate(ctx context.Context, fromConn, toConn string) ([]string, error)
	Status() Status
	Metrics() Metrics
	SubscriptionStats() subscription.Stats
}
