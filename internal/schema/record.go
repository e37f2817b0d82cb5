// Package schema defines the canonical market-data record and payload types.
package schema

import (
	"strings"

	"github.com/coachpo/tickgate/errs"
)

// DataType enumerates canonical market-data categories.
type DataType string

const (
	// TypeTrade identifies individual trade executions.
	TypeTrade DataType = "trade"
	// TypeTicker identifies 24h rolling ticker statistics.
	TypeTicker DataType = "ticker"
	// TypeDepth identifies incremental depth updates.
	TypeDepth DataType = "depth"
	// TypeOrderBook identifies full order book snapshots.
	// Depth and order book share a payload shape but stay distinct types so
	// downstream consumers can filter.
	TypeOrderBook DataType = "orderbook"
	// TypeKline1m identifies one-minute candlesticks.
	TypeKline1m DataType = "kline_1m"
	// TypeKline5m identifies five-minute candlesticks.
	TypeKline5m DataType = "kline_5m"
	// TypeKline15m identifies fifteen-minute candlesticks.
	TypeKline15m DataType = "kline_15m"
	// TypeKline30m identifies thirty-minute candlesticks.
	TypeKline30m DataType = "kline_30m"
	// TypeKline1h identifies one-hour candlesticks.
	TypeKline1h DataType = "kline_1h"
	// TypeKline4h identifies four-hour candlesticks.
	TypeKline4h DataType = "kline_4h"
	// TypeKline1d identifies daily candlesticks.
	TypeKline1d DataType = "kline_1d"
)

// canonicalKlineIntervals maps interval tokens to canonical kline types.
var canonicalKlineIntervals = map[string]DataType{
	"1m":  TypeKline1m,
	"5m":  TypeKline5m,
	"15m": TypeKline15m,
	"30m": TypeKline30m,
	"1h":  TypeKline1h,
	"4h":  TypeKline4h,
	"1d":  TypeKline1d,
}

// wireKlineIntervals lists every interval accepted on the Binance wire.
var wireKlineIntervals = map[string]struct{}{
	"1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {}, "1M": {},
}

// KlineType resolves a wire interval token to its canonical data type.
func KlineType(interval string) (DataType, bool) {
	interval = strings.TrimSpace(interval)
	if typ, ok := canonicalKlineIntervals[interval]; ok {
		return typ, true
	}
	if _, ok := wireKlineIntervals[interval]; ok {
		return DataType("kline_" + interval), true
	}
	return "", false
}

// IsKline reports whether the data type is a candlestick category.
func (t DataType) IsKline() bool {
	return strings.HasPrefix(string(t), "kline_")
}

// Interval returns the candlestick interval token, or empty for non-kline types.
func (t DataType) Interval() string {
	if !t.IsKline() {
		return ""
	}
	return strings.TrimPrefix(string(t), "kline_")
}

// Valid reports whether t names a supported canonical data type.
func (t DataType) Valid() bool {
	switch t {
	case TypeTrade, TypeTicker, TypeDepth, TypeOrderBook:
		return true
	}
	if !t.IsKline() {
		return false
	}
	_, ok := wireKlineIntervals[t.Interval()]
	return ok
}

// SupportedTypes returns the canonical data types enabled by default.
func SupportedTypes() []DataType {
	return []DataType{
		TypeTrade, TypeTicker, TypeDepth, TypeOrderBook,
		TypeKline1m, TypeKline5m, TypeKline15m, TypeKline30m,
		TypeKline1h, TypeKline4h, TypeKline1d,
	}
}

// Record is the exchange-agnostic market-data value produced by the parser.
// Price and quantity fields are decimal strings end-to-end; parsing never
// rounds.
type Record struct {
	Exchange     string   `json:"exchange"`
	Symbol       string   `json:"symbol"`
	Type         DataType `json:"type"`
	EventTime    int64    `json:"event_timestamp"`
	ReceivedTime int64    `json:"received_timestamp"`
	Payload      any      `json:"payload"`
}

// Key returns the cache key for the record (exchange:symbol:type).
func (r *Record) Key() string {
	return r.Exchange + ":" + r.Symbol + ":" + string(r.Type)
}

// TradeSide captures the direction of a trade.
type TradeSide string

const (
	// SideBuy indicates buyer-initiated trades.
	SideBuy TradeSide = "buy"
	// SideSell indicates seller-initiated trades.
	SideSell TradeSide = "sell"
)

// TradePayload represents an executed trade.
type TradePayload struct {
	ID        string    `json:"id"`
	Price     string    `json:"price"`
	Quantity  string    `json:"quantity"`
	Side      TradeSide `json:"side"`
	TradeTime int64     `json:"trade_time"`
}

// TickerPayload conveys 24h rolling ticker statistics.
// Change24h is the one field the canonical schema demands as numeric.
type TickerPayload struct {
	Last      string  `json:"last"`
	Bid       string  `json:"bid"`
	Ask       string  `json:"ask"`
	Change24h float64 `json:"change_24h"`
	Volume24h string  `json:"volume_24h"`
	High24h   string  `json:"high_24h"`
	Low24h    string  `json:"low_24h"`
}

// KlinePayload represents a candlestick interval.
type KlinePayload struct {
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	OpenTime  int64  `json:"open_time"`
	CloseTime int64  `json:"close_time"`
	Interval  string `json:"interval"`
	Closed    bool   `json:"closed"`
}

// PriceLevel describes an order book level using decimal strings.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// DepthPayload conveys bid/ask levels for depth and orderbook records.
type DepthPayload struct {
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	UpdateTime int64        `json:"update_time"`
}

// ValidateRecord checks the structural invariants every canonical record must hold.
func ValidateRecord(r *Record) error {
	if r == nil {
		return errs.New("", errs.CodeValidation, errs.WithMessage("record required"))
	}
	if strings.TrimSpace(r.Exchange) == "" {
		return errs.New(r.Exchange, errs.CodeValidation, errs.WithMessage("exchange required"))
	}
	if !strings.Contains(r.Symbol, "/") {
		return errs.New(r.Exchange, errs.CodeValidation,
			errs.WithMessage("symbol must be canonical BASE/QUOTE"),
			errs.WithField("symbol", r.Symbol))
	}
	if !r.Type.Valid() {
		return errs.New(r.Exchange, errs.CodeValidation,
			errs.WithMessage("unsupported data type"),
			errs.WithField("type", string(r.Type)))
	}
	if r.EventTime <= 0 {
		return errs.New(r.Exchange, errs.CodeValidation, errs.WithMessage("event timestamp required"))
	}
	return nil
}
