// Package pubsub publishes canonical records to per-type, per-exchange topics.
package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/observability"
)

// Publisher delivers serialized records to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error
	Close() error
}

// TopicName builds the topic for one record key as <prefix>-<type>-<exchange>.
// Kline intervals share the base kline topic.
func TopicName(prefix, dataType, exchange string) string {
	base := dataType
	if idx := strings.Index(base, "_"); idx > 0 {
		base = base[:idx]
	}
	return fmt.Sprintf("%s-%s-%s", prefix, base, strings.ToLower(exchange))
}

// Gate wraps a Publisher behind a runtime on/off switch. While disabled,
// Publish drops payloads and counts them instead of forwarding.
type Gate struct {
	publisher Publisher

	mu      sync.RWMutex
	enabled bool
	reason  string

	published uint64
	dropped   uint64
	failures  uint64
}

// NewGate wraps publisher; publication starts enabled.
func NewGate(publisher Publisher) *Gate {
	return &Gate{publisher: publisher, enabled: true}
}

// SetEnabled flips publication and records the operator-supplied reason.
// It reports whether the state changed.
func (g *Gate) SetEnabled(enabled bool, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enabled == enabled {
		return false
	}
	g.enabled = enabled
	g.reason = strings.TrimSpace(reason)
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	observability.Log().Info("publication toggled",
		observability.Field{Key: "state", Value: state},
		observability.Field{Key: "reason", Value: g.reason})
	return true
}

// Enabled reports the current switch state and the reason for the last change.
func (g *Gate) Enabled() (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled, g.reason
}

// Publish forwards to the wrapped publisher when enabled; otherwise the
// payload is counted as dropped and no error is returned.
func (g *Gate) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error {
	g.mu.RLock()
	enabled := g.enabled
	g.mu.RUnlock()

	if !enabled {
		g.mu.Lock()
		g.dropped++
		g.mu.Unlock()
		return nil
	}
	if err := g.publisher.Publish(ctx, topic, payload, attrs); err != nil {
		g.mu.Lock()
		g.failures++
		g.mu.Unlock()
		return err
	}
	g.mu.Lock()
	g.published++
	g.mu.Unlock()
	return nil
}

// Close closes the wrapped publisher.
func (g *Gate) Close() error { return g.publisher.Close() }

// GateStats reports gate counters.
type GateStats struct {
	Enabled   bool
	Reason    string
	Published uint64
	Dropped   uint64
	Failures  uint64
}

// Stats returns a snapshot of the gate counters.
func (g *Gate) Stats() GateStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return GateStats{
		Enabled:   g.enabled,
		Reason:    g.reason,
		Published: g.published,
		Dropped:   g.dropped,
		Failures:  g.failures,
	}
}

// Message is one payload retained by the in-memory publisher.
type Message struct {
	Topic   string
	Payload []byte
	Attrs   map[string]string
}

// MemoryPublisher retains published messages in memory. It backs local runs
// and tests; failure injection exercises sink error paths.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
	failNext int
	closed   bool
}

// NewMemoryPublisher constructs an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// FailNext makes the next n Publish calls fail with a sink error.
func (p *MemoryPublisher) FailNext(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

// Publish appends the message, honoring scripted failures.
func (p *MemoryPublisher) Publish(ctx context.Context, topic string, payload []byte, attrs map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errs.New("", errs.CodeSink, errs.WithMessage("publisher closed"))
	}
	if p.failNext > 0 {
		p.failNext--
		return errs.New("", errs.CodeSink,
			errs.WithMessage("injected publish failure"),
			errs.WithField("topic", topic))
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	p.messages = append(p.messages, Message{Topic: topic, Payload: buf, Attrs: attrs})
	return nil
}

// Messages returns every retained message.
func (p *MemoryPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// TopicMessages returns retained messages for one topic.
func (p *MemoryPublisher) TopicMessages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Close marks the publisher closed; further publishes fail.
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
