package binance

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the adapter's OpenTelemetry instruments. A nil *Metrics is
// valid and records nothing, which keeps tests free of meter setup.
type Metrics struct {
	rawMessages   metric.Int64Counter
	parsedRecords metric.Int64Counter
	parseErrors   metric.Int64Counter
	reconnects    metric.Int64Counter
	parseDuration metric.Float64Histogram
	pingRTT       metric.Float64Histogram

	exchange attribute.KeyValue
}

// NewMetrics registers the adapter instruments on the meter.
func NewMetrics(meter metric.Meter, exchange string) (*Metrics, error) {
	m := &Metrics{exchange: attribute.String("exchange", exchange)}
	var err error
	if m.rawMessages, err = meter.Int64Counter("tickgate_raw_messages",
		metric.WithDescription("Raw frames received from the exchange")); err != nil {
		return nil, err
	}
	if m.parsedRecords, err = meter.Int64Counter("tickgate_parsed_records",
		metric.WithDescription("Canonical records produced by the parser")); err != nil {
		return nil, err
	}
	if m.parseErrors, err = meter.Int64Counter("tickgate_parse_errors",
		metric.WithDescription("Frames dropped by the parser")); err != nil {
		return nil, err
	}
	if m.reconnects, err = meter.Int64Counter("tickgate_connection_reconnects",
		metric.WithDescription("Connection reconnect attempts")); err != nil {
		return nil, err
	}
	if m.parseDuration, err = meter.Float64Histogram("tickgate_parser_duration",
		metric.WithDescription("Parse latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.pingRTT, err = meter.Float64Histogram("tickgate_connection_ping_rtt",
		metric.WithDescription("Measured ping round-trip time"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveRaw counts one inbound frame.
func (m *Metrics) ObserveRaw() {
	if m == nil {
		return
	}
	m.rawMessages.Add(context.Background(), 1, metric.WithAttributes(m.exchange))
}

// ObserveParse records one parse outcome with its latency.
func (m *Metrics) ObserveParse(elapsed time.Duration, ok bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(m.exchange)
	m.parseDuration.Record(context.Background(), float64(elapsed.Microseconds())/1000, attrs)
	if ok {
		m.parsedRecords.Add(context.Background(), 1, attrs)
	} else {
		m.parseErrors.Add(context.Background(), 1, attrs)
	}
}

// ObserveReconnect counts one reconnect attempt.
func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1, metric.WithAttributes(m.exchange))
}

// ObservePingRTT records a measured round trip.
func (m *Metrics) ObservePingRTT(rtt time.Duration) {
	if m == nil {
		return
	}
	m.pingRTT.Record(context.Background(), float64(rtt.Microseconds())/1000,
		metric.WithAttributes(m.exchange))
}
