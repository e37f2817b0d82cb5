package schema_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/schema"
)

func TestCanonicalSymbolSplitsOnKnownQuotes(t *testing.T) {
	cases := map[string]string{
		"btcusdt":  "BTC/USDT",
		"ETHBTC":   "ETH/BTC",
		"adabnb":   "ADA/BNB",
		"solusdc":  "SOL/USDC",
		"dogebusd": "DOGE/BUSD",
		"xrpusd":   "XRP/USD",
		"wbtceth":  "WBTC/ETH",
	}
	for wire, want := range cases {
		got, err := schema.CanonicalSymbol(wire)
		require.NoError(t, err, wire)
		require.Equal(t, want, got)
	}
}

func TestCanonicalSymbolPrefersLongestSuffix(t *testing.T) {
	// BTCUSDT must split as BTC/USDT, not BTCUSD+T or BTCU+SDT.
	got, err := schema.CanonicalSymbol("BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, "BTC/USDT", got)
}

func TestCanonicalSymbolRejectsUnknownQuote(t *testing.T) {
	_, err := schema.CanonicalSymbol("abcdef")
	require.Error(t, err)
	require.Equal(t, errs.CodeValidation, errs.CodeOf(err))

	_, err = schema.CanonicalSymbol("usdt")
	require.Error(t, err, "bare quote has no base")

	_, err = schema.CanonicalSymbol("btc-usdt")
	require.Error(t, err, "non-alphanumeric input")
}

func TestStreamNameForms(t *testing.T) {
	cases := []struct {
		symbol string
		typ    schema.DataType
		params schema.StreamParams
		want   string
	}{
		{"BTC/USDT", schema.TypeTrade, schema.StreamParams{}, "btcusdt@trade"},
		{"ETH/USDT", schema.TypeTicker, schema.StreamParams{}, "ethusdt@ticker"},
		{"BTC/USDT", schema.TypeDepth, schema.StreamParams{}, "btcusdt@depth"},
		{"BTC/USDT", schema.TypeDepth, schema.StreamParams{DepthLevels: 20}, "btcusdt@depth20"},
		{"BTC/USDT", schema.TypeDepth, schema.StreamParams{DepthLevels: 5, DepthFast: true}, "btcusdt@depth5@100ms"},
		{"BTC/USDT", schema.TypeKline1m, schema.StreamParams{}, "btcusdt@kline_1m"},
		{"ADA/USDT", schema.TypeKline4h, schema.StreamParams{}, "adausdt@kline_4h"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, schema.StreamName(tc.symbol, tc.typ, tc.params), tc.want)
	}
}

func TestParseStreamNameRoundTrip(t *testing.T) {
	names := []string{
		"btcusdt@trade",
		"ethusdt@ticker",
		"btcusdt@depth",
		"btcusdt@depth20",
		"btcusdt@depth5@100ms",
		"adausdt@kline_1m",
		"solusdt@kline_1d",
	}
	for _, name := range names {
		symbol, typ, params, err := schema.ParseStreamName(name)
		require.NoError(t, err, name)
		require.Equal(t, name, schema.StreamName(symbol, typ, params), name)
	}
}

func TestParseStreamNameRejectsMalformed(t *testing.T) {
	for _, name := range []string{"", "btcusdt", "@trade", "btcusdt@bogus", "btcusdt@kline_9z", "btcusdt@depthx"} {
		_, _, _, err := schema.ParseStreamName(name)
		require.Error(t, err, name)
	}
}

func TestSubscriptionIDDeterministic(t *testing.T) {
	a := schema.SubscriptionID("binance", "BTC/USDT", schema.TypeDepth, schema.StreamParams{DepthLevels: 20, DepthFast: true})
	b := schema.SubscriptionID("binance", "btcusdt", schema.TypeDepth, schema.StreamParams{DepthLevels: 20, DepthFast: true})
	require.Equal(t, a, b)

	plain := schema.SubscriptionID("binance", "BTC/USDT", schema.TypeDepth, schema.StreamParams{})
	require.NotEqual(t, a, plain)
}

func TestKlineTypeAcceptsWireIntervals(t *testing.T) {
	typ, ok := schema.KlineType("1m")
	require.True(t, ok)
	require.Equal(t, schema.TypeKline1m, typ)

	typ, ok = schema.KlineType("3d")
	require.True(t, ok)
	require.Equal(t, schema.DataType("kline_3d"), typ)
	require.True(t, typ.Valid())

	_, ok = schema.KlineType("7m")
	require.False(t, ok)
}

func TestRecordKey(t *testing.T) {
	rec := &schema.Record{Exchange: "binance", Symbol: "BTC/USDT", Type: schema.TypeTrade}
	require.Equal(t, "binance:BTC/USDT:trade", rec.Key())
}
