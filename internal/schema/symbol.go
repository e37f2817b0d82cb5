package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/coachpo/tickgate/errs"
)

// quoteSuffixes is the ordered table of known quote assets. Longest suffixes
// are tried first so USDT wins over USD for symbols like BTCUSDT.
var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH", "BNB"}

// concatSymbolPattern validates the concatenated uppercase symbol form.
var concatSymbolPattern = regexp.MustCompile(`^[A-Z0-9]+$`)

// CanonicalSymbol converts an exchange concatenated symbol (btcusdt, BTCUSDT)
// into the canonical BASE/QUOTE form. Symbols without a known quote suffix
// are rejected.
func CanonicalSymbol(wire string) (string, error) {
	concat := strings.ToUpper(strings.TrimSpace(wire))
	if concat == "" {
		return "", errs.New("", errs.CodeValidation, errs.WithMessage("symbol required"))
	}
	if !concatSymbolPattern.MatchString(concat) {
		return "", errs.New("", errs.CodeValidation,
			errs.WithMessage("symbol must be alphanumeric"),
			errs.WithField("symbol", wire))
	}
	for _, quote := range quoteSuffixes {
		if strings.HasSuffix(concat, quote) && len(concat) > len(quote) {
			return concat[:len(concat)-len(quote)] + "/" + quote, nil
		}
	}
	return "", errs.New("", errs.CodeValidation,
		errs.WithMessage("no known quote suffix"),
		errs.WithField("symbol", concat))
}

// ConcatSymbol converts a canonical BASE/QUOTE symbol back to the uppercase
// concatenated wire form.
func ConcatSymbol(canonical string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(canonical), "/", ""))
}

// StreamParams carries optional per-subscription parameters.
type StreamParams struct {
	// DepthLevels selects a partial book stream (<symbol>@depth<N>); zero means
	// the plain diff stream.
	DepthLevels int
	// DepthFast requests the 100ms update cadence suffix.
	DepthFast bool
	// KlineInterval overrides the interval token for kline streams; when empty
	// the interval embedded in the data type is used.
	KlineInterval string
}

// StreamName builds the Binance wire stream identifier for a canonical symbol
// and data type. The symbol may be given in either canonical or concatenated
// form; output is always lowercase.
func StreamName(symbol string, typ DataType, params StreamParams) string {
	lower := strings.ToLower(ConcatSymbol(symbol))
	switch {
	case typ == TypeTrade:
		return lower + "@trade"
	case typ == TypeTicker:
		return lower + "@ticker"
	case typ == TypeDepth, typ == TypeOrderBook:
		name := lower + "@depth"
		if params.DepthLevels > 0 {
			name += strconv.Itoa(params.DepthLevels)
		}
		if params.DepthFast {
			name += "@100ms"
		}
		return name
	case typ.IsKline():
		interval := params.KlineInterval
		if interval == "" {
			interval = typ.Interval()
		}
		return lower + "@kline_" + interval
	default:
		return lower + "@" + string(typ)
	}
}

// ParseStreamName inverts StreamName, recovering the canonical symbol, data
// type, and parameters from a wire stream identifier.
func ParseStreamName(name string) (string, DataType, StreamParams, error) {
	var params StreamParams
	trimmed := strings.TrimSpace(name)
	parts := strings.Split(trimmed, "@")
	if len(parts) < 2 || parts[0] == "" {
		return "", "", params, errs.New("", errs.CodeValidation,
			errs.WithMessage("malformed stream name"),
			errs.WithField("stream", name))
	}
	symbol, err := CanonicalSymbol(parts[0])
	if err != nil {
		return "", "", params, err
	}
	suffix := parts[1]
	switch {
	case suffix == "trade":
		return symbol, TypeTrade, params, nil
	case suffix == "ticker":
		return symbol, TypeTicker, params, nil
	case strings.HasPrefix(suffix, "kline_"):
		interval := strings.TrimPrefix(suffix, "kline_")
		typ, ok := KlineType(interval)
		if !ok {
			return "", "", params, errs.New("", errs.CodeValidation,
				errs.WithMessage("unknown kline interval"),
				errs.WithField("stream", name))
		}
		params.KlineInterval = interval
		return symbol, typ, params, nil
	case strings.HasPrefix(suffix, "depth"):
		levels := strings.TrimPrefix(suffix, "depth")
		if levels != "" {
			n, convErr := strconv.Atoi(levels)
			if convErr != nil || n <= 0 {
				return "", "", params, errs.New("", errs.CodeValidation,
					errs.WithMessage("invalid depth levels"),
					errs.WithField("stream", name))
			}
			params.DepthLevels = n
		}
		if len(parts) > 2 && parts[2] == "100ms" {
			params.DepthFast = true
		}
		return symbol, TypeDepth, params, nil
	default:
		return "", "", params, errs.New("", errs.CodeValidation,
			errs.WithMessage("unknown stream suffix"),
			errs.WithField("stream", name))
	}
}

// SubscriptionID derives the stable identifier for a (symbol, type, params)
// subscription. The same inputs always produce the same id.
func SubscriptionID(exchange, symbol string, typ DataType, params StreamParams) string {
	var extras []string
	if params.DepthLevels > 0 {
		extras = append(extras, fmt.Sprintf("levels=%d", params.DepthLevels))
	}
	if params.DepthFast {
		extras = append(extras, "fast")
	}
	if params.KlineInterval != "" && params.KlineInterval != typ.Interval() {
		extras = append(extras, "interval="+params.KlineInterval)
	}
	id := fmt.Sprintf("%s:%s:%s", strings.ToLower(exchange), ConcatSymbol(symbol), typ)
	if len(extras) > 0 {
		sort.Strings(extras)
		id += ":" + strings.Join(extras, ",")
	}
	return id
}
