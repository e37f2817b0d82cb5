package binance

import (
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/schema"
	"github.com/coachpo/tickgate/internal/transport"
)

const (
	// staleWindow rejects events older than this relative to ingress time.
	staleWindow = 24 * time.Hour
	// futureWindow tolerates exchange clocks running slightly ahead.
	futureWindow = 2 * time.Minute
	// recentErrorsKept bounds the parser's error ring.
	recentErrorsKept = 16
)

// combinedEnvelope is the multiplexed frame wrapper on combined stream URLs.
type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wireTrade struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	// Maker reports whether the buyer is the market maker; true means the
	// aggressor sold.
	Maker bool `json:"m"`
}

type wireTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Change    string `json:"p"`
	Last      string `json:"c"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
}

type wireKline struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Symbol    string `json:"s"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

type wireDepth struct {
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

// wireBookSnapshot is the partial-depth payload, which carries no event tag.
type wireBookSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// ParserStats summarises decode outcomes.
type ParserStats struct {
	Total              uint64
	Success            uint64
	Errors             uint64
	ValidationFailures uint64
	AvgParseMicros     float64
	RecentErrors       []string
}

// Parser decodes Binance wire frames into canonical records.
type Parser struct {
	exchange string
	clock    transport.Clock
	metrics  *Metrics
	maxBatch int

	mu           sync.Mutex
	total        uint64
	success      uint64
	failures     uint64
	validationNG uint64
	durationEWMA float64
	recent       []string
}

// NewParser constructs a parser for one exchange endpoint.
func NewParser(exchange string, clock transport.Clock, metrics *Metrics, maxBatch int) *Parser {
	if clock == nil {
		clock = transport.SystemClock()
	}
	if maxBatch <= 0 {
		maxBatch = 256
	}
	return &Parser{exchange: exchange, clock: clock, metrics: metrics, maxBatch: maxBatch}
}

// Parse decodes one frame. It unwraps the combined envelope when present and
// returns the originating stream name alongside the record. Failures count
// against parser stats and never tear anything down.
func (p *Parser) Parse(raw []byte) (*schema.Record, string, error) {
	start := p.clock.Now()
	rec, stream, err := p.parse(raw)
	elapsed := p.clock.Now().Sub(start)
	p.record(err, elapsed)
	if p.metrics != nil {
		p.metrics.ObserveParse(elapsed, err == nil)
	}
	return rec, stream, err
}

// ParseBatch decodes frames in order, failing with batch_too_large before any
// parsing when the batch exceeds the configured maximum. Per-frame failures
// land in the failures slice; good records keep flowing.
func (p *Parser) ParseBatch(frames [][]byte) ([]*schema.Record, []error, error) {
	if len(frames) > p.maxBatch {
		return nil, nil, errs.New(p.exchange, errs.CodeBatchTooLarge,
			errs.WithMessage("parse batch exceeds maximum"),
			errs.WithField("size", strconv.Itoa(len(frames))),
			errs.WithField("max", strconv.Itoa(p.maxBatch)))
	}
	records := make([]*schema.Record, 0, len(frames))
	var failures []error
	for _, frame := range frames {
		rec, _, err := p.Parse(frame)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		records = append(records, rec)
	}
	return records, failures, nil
}

// Validate reports whether the frame would decode cleanly as the given type.
func (p *Parser) Validate(raw []byte, typ schema.DataType) bool {
	rec, _, err := p.parse(raw)
	if err != nil {
		return false
	}
	if typ.IsKline() {
		return rec.Type.IsKline()
	}
	return rec.Type == typ
}

func (p *Parser) parse(raw []byte) (*schema.Record, string, error) {
	data := raw
	stream := ""

	var envelope combinedEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Stream != "" && len(envelope.Data) > 0 {
		stream = envelope.Stream
		data = envelope.Data
	}

	var tag struct {
		Event        string `json:"e"`
		LastUpdateID int64  `json:"lastUpdateId"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, stream, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("malformed frame"),
			errs.WithCause(err))
	}

	var (
		rec *schema.Record
		err error
	)
	switch {
	case tag.Event == "trade":
		rec, err = p.parseTrade(data)
	case tag.Event == "24hrTicker":
		rec, err = p.parseTicker(data)
	case tag.Event == "kline":
		rec, err = p.parseKline(data)
	case tag.Event == "depthUpdate":
		rec, err = p.parseDepth(data)
	case tag.Event == "" && tag.LastUpdateID > 0:
		rec, err = p.parseBookSnapshot(data, stream)
	default:
		return nil, stream, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("unknown event tag"),
			errs.WithField("event", tag.Event))
	}
	if err != nil {
		return nil, stream, err
	}

	now := p.clock.Now()
	rec.Exchange = p.exchange
	rec.ReceivedTime = now.UnixMilli()
	if err := p.checkTimestamp(rec.EventTime, now); err != nil {
		return nil, stream, err
	}
	if err := schema.ValidateRecord(rec); err != nil {
		return nil, stream, err
	}
	return rec, stream, nil
}

func (p *Parser) parseTrade(data []byte) (*schema.Record, error) {
	var w wireTrade
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errs.New(p.exchange, errs.CodeParse, errs.WithMessage("decode trade"), errs.WithCause(err))
	}
	symbol, err := schema.CanonicalSymbol(w.Symbol)
	if err != nil {
		return nil, err
	}
	if err := p.checkDecimal("price", w.Price, false); err != nil {
		return nil, err
	}
	if err := p.checkDecimal("quantity", w.Quantity, false); err != nil {
		return nil, err
	}
	side := schema.SideBuy
	if w.Maker {
		side = schema.SideSell
	}
	return &schema.Record{
		Symbol:    symbol,
		Type:      schema.TypeTrade,
		EventTime: w.EventTime,
		Payload: schema.TradePayload{
			ID:        strconv.FormatInt(w.TradeID, 10),
			Price:     w.Price,
			Quantity:  w.Quantity,
			Side:      side,
			TradeTime: w.TradeTime,
		},
	}, nil
}

func (p *Parser) parseTicker(data []byte) (*schema.Record, error) {
	var w wireTicker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errs.New(p.exchange, errs.CodeParse, errs.WithMessage("decode ticker"), errs.WithCause(err))
	}
	symbol, err := schema.CanonicalSymbol(w.Symbol)
	if err != nil {
		return nil, err
	}
	if err := p.checkDecimal("last", w.Last, false); err != nil {
		return nil, err
	}
	change, err := strconv.ParseFloat(strings.TrimSpace(w.Change), 64)
	if err != nil {
		return nil, errs.New(p.exchange, errs.CodeValidation,
			errs.WithMessage("ticker change is not numeric"),
			errs.WithField("change", w.Change))
	}
	return &schema.Record{
		Symbol:    symbol,
		Type:      schema.TypeTicker,
		EventTime: w.EventTime,
		Payload: schema.TickerPayload{
			Last:      w.Last,
			Bid:       w.Bid,
			Ask:       w.Ask,
			Change24h: change,
			Volume24h: w.Volume,
			High24h:   w.High,
			Low24h:    w.Low,
		},
	}, nil
}

func (p *Parser) parseKline(data []byte) (*schema.Record, error) {
	var w wireKline
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errs.New(p.exchange, errs.CodeParse, errs.WithMessage("decode kline"), errs.WithCause(err))
	}
	symbol, err := schema.CanonicalSymbol(w.Symbol)
	if err != nil {
		return nil, err
	}
	typ, ok := schema.KlineType(w.Kline.Interval)
	if !ok {
		return nil, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("unknown kline interval"),
			errs.WithField("interval", w.Kline.Interval))
	}
	for name, value := range map[string]string{
		"open": w.Kline.Open, "high": w.Kline.High,
		"low": w.Kline.Low, "close": w.Kline.Close,
	} {
		if err := p.checkDecimal(name, value, false); err != nil {
			return nil, err
		}
	}
	if err := p.checkDecimal("volume", w.Kline.Volume, true); err != nil {
		return nil, err
	}
	return &schema.Record{
		Symbol:    symbol,
		Type:      typ,
		EventTime: w.EventTime,
		Payload: schema.KlinePayload{
			Open:      w.Kline.Open,
			High:      w.Kline.High,
			Low:       w.Kline.Low,
			Close:     w.Kline.Close,
			Volume:    w.Kline.Volume,
			OpenTime:  w.Kline.OpenTime,
			CloseTime: w.Kline.CloseTime,
			Interval:  w.Kline.Interval,
			Closed:    w.Kline.Closed,
		},
	}, nil
}

func (p *Parser) parseDepth(data []byte) (*schema.Record, error) {
	var w wireDepth
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errs.New(p.exchange, errs.CodeParse, errs.WithMessage("decode depth"), errs.WithCause(err))
	}
	symbol, err := schema.CanonicalSymbol(w.Symbol)
	if err != nil {
		return nil, err
	}
	bids, err := p.parseLevels(w.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := p.parseLevels(w.Asks)
	if err != nil {
		return nil, err
	}
	return &schema.Record{
		Symbol:    symbol,
		Type:      schema.TypeDepth,
		EventTime: w.EventTime,
		Payload: schema.DepthPayload{
			Bids:       bids,
			Asks:       asks,
			UpdateTime: w.EventTime,
		},
	}, nil
}

// parseBookSnapshot handles partial-depth frames, which omit the event tag
// and symbol. The stream name supplies both.
func (p *Parser) parseBookSnapshot(data []byte, stream string) (*schema.Record, error) {
	if stream == "" {
		return nil, errs.New(p.exchange, errs.CodeParse,
			errs.WithMessage("book snapshot outside combined envelope"))
	}
	symbol, _, _, err := schema.ParseStreamName(stream)
	if err != nil {
		return nil, err
	}
	var w wireBookSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errs.New(p.exchange, errs.CodeParse, errs.WithMessage("decode book snapshot"), errs.WithCause(err))
	}
	bids, err := p.parseLevels(w.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := p.parseLevels(w.Asks)
	if err != nil {
		return nil, err
	}
	return &schema.Record{
		Symbol:    symbol,
		Type:      schema.TypeOrderBook,
		EventTime: p.clock.Now().UnixMilli(),
		Payload: schema.DepthPayload{
			Bids:       bids,
			Asks:       asks,
			UpdateTime: w.LastUpdateID,
		},
	}, nil
}

func (p *Parser) parseLevels(raw [][]string) ([]schema.PriceLevel, error) {
	levels := make([]schema.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, errs.New(p.exchange, errs.CodeParse, errs.WithMessage("malformed price level"))
		}
		if err := p.checkDecimal("price", pair[0], false); err != nil {
			return nil, err
		}
		if err := p.checkDecimal("quantity", pair[1], true); err != nil {
			return nil, err
		}
		levels = append(levels, schema.PriceLevel{Price: pair[0], Quantity: pair[1]})
	}
	return levels, nil
}

// checkDecimal verifies the field is an exact decimal, positive unless
// allowZero. The string value is kept untouched; nothing is rounded here.
func (p *Parser) checkDecimal(field, value string, allowZero bool) error {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return errs.New(p.exchange, errs.CodeValidation,
			errs.WithMessage("field is not decimal"),
			errs.WithField("field", field),
			errs.WithField("value", value))
	}
	if d.IsNegative() || (!allowZero && d.IsZero()) {
		return errs.New(p.exchange, errs.CodeValidation,
			errs.WithMessage("field out of range"),
			errs.WithField("field", field),
			errs.WithField("value", value))
	}
	return nil
}

func (p *Parser) checkTimestamp(eventTime int64, now time.Time) error {
	if eventTime < now.Add(-staleWindow).UnixMilli() || eventTime > now.Add(futureWindow).UnixMilli() {
		return errs.New(p.exchange, errs.CodeStaleTimestamp,
			errs.WithMessage("event timestamp outside accepted window"),
			errs.WithField("event_timestamp", strconv.FormatInt(eventTime, 10)))
	}
	return nil
}

func (p *Parser) record(err error, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	micros := float64(elapsed.Microseconds())
	if p.durationEWMA == 0 {
		p.durationEWMA = micros
	} else {
		p.durationEWMA = 0.9*p.durationEWMA + 0.1*micros
	}
	if err == nil {
		p.success++
		return
	}
	p.failures++
	code := errs.CodeOf(err)
	if code == errs.CodeValidation || code == errs.CodeStaleTimestamp {
		p.validationNG++
	}
	p.recent = append(p.recent, string(code))
	if len(p.recent) > recentErrorsKept {
		p.recent = p.recent[len(p.recent)-recentErrorsKept:]
	}
}

// Stats snapshots parser counters.
func (p *Parser) Stats() ParserStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	recent := make([]string, len(p.recent))
	copy(recent, p.recent)
	return ParserStats{
		Total:              p.total,
		Success:            p.success,
		Errors:             p.failures,
		ValidationFailures: p.validationNG,
		AvgParseMicros:     p.durationEWMA,
		RecentErrors:       recent,
	}
}
