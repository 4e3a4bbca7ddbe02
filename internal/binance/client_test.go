package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("test-key", "test-secret", true)
	c.baseURL = srv.URL
	return c, srv
}

func TestSignProducesValidHMAC(t *testing.T) {
	c := NewClient("key", "secret", false)
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }

	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	signed := c.sign(params)

	parts := strings.SplitN(signed, "&signature=", 2)
	require.Len(t, parts, 2)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(parts[0]))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), parts[1])

	vals, err := url.ParseQuery(parts[0])
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", vals.Get("timestamp"))
	assert.Equal(t, "10000", vals.Get("recvWindow"))
	assert.Equal(t, "BTCUSDT", vals.Get("symbol"))
}

func TestPlaceOrderSendsSignedForm(t *testing.T) {
	var gotKey, gotBody string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-MBX-APIKEY")
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Write([]byte(`{"orderId":42,"clientOrderId":"abc","status":"NEW","executedQty":"0","avgPrice":"0","updateTime":1}`))
	}))

	ack, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeLimit,
		Quantity:      decimal.RequireFromString("0.5"),
		Price:         decimal.RequireFromString("30000"),
		ClientOrderID: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), ack.VenueOrderID)
	assert.Equal(t, "test-key", gotKey)
	assert.Contains(t, gotBody, "symbol=BTCUSDT")
	assert.Contains(t, gotBody, "timeInForce=GTC")
	assert.Contains(t, gotBody, "signature=")
}

func TestRetryOnRateLimitThenSuccess(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":-1003,"msg":"too many requests"}`))
			return
		}
		w.Write([]byte(`{"lastUpdateId":7,"bids":[["100","1"]],"asks":[["101","2"]]}`))
	}))

	snap, err := c.GetDepthSnapshot(context.Background(), "BTCUSDT", 100)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(7), snap.LastUpdateID)
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Bids[0].Price.Equal(decimal.NewFromInt(100)))
}

func TestMutatingCallNeverRetries(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":-1001,"msg":"disconnected"}`))
	}))

	_, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket,
		Quantity: decimal.NewFromInt(1), ClientOrderID: "x",
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, errs.IsKind(err, errs.ExchangeTransient))
}

func TestMutatingTransportFailureIsUnknown(t *testing.T) {
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	srv.Close()

	_, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideSell, Type: domain.OrderTypeMarket,
		Quantity: decimal.NewFromInt(1), ClientOrderID: "y",
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.ExchangeUnknown))
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   int
		want   errs.Kind
	}{
		{"margin insufficient", 400, codeMarginInsufficient, errs.InsufficientBalance},
		{"unknown order", 400, codeNoSuchOrder, errs.NotFound},
		{"duplicate client id", 400, codeDuplicateClientID, errs.Duplicate},
		{"bad signature", 401, codeInvalidSignature, errs.ExchangeRejected},
		{"rate limited", 429, codeTooManyRequests, errs.ExchangeTransient},
		{"server error", 502, 0, errs.ExchangeTransient},
		{"generic reject", 400, codePriceOutOfRange, errs.ExchangeRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(tc.status, tc.code, "msg")
			assert.Equal(t, tc.want, errs.KindOf(err))
		})
	}
}

func TestGetSymbolsParsesFilters(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{
			"rateLimits":[{"rateLimitType":"REQUEST_WEIGHT","interval":"MINUTE","intervalNum":1,"limit":2400}],
			"symbols":[
				{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT",
				 "pricePrecision":2,"quantityPrecision":3,
				 "filters":[
					{"filterType":"PRICE_FILTER","tickSize":"0.10"},
					{"filterType":"LOT_SIZE","stepSize":"0.001"},
					{"filterType":"MIN_NOTIONAL","notional":"100"}]},
				{"symbol":"DELISTED","status":"SETTLING","baseAsset":"X","quoteAsset":"USDT","filters":[]}
			]}`))
	}))

	syms, err := c.GetSymbols(context.Background())
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "BTCUSDT", syms[0].Name)
	assert.True(t, syms[0].TickSize.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, syms[0].LotSize.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, syms[0].MinNotional.Equal(decimal.NewFromInt(100)))
}

func TestGetKlinesParsesRows(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[[1700000000000,"100","110","90","105","12.5",1700000059999,"0",1,"0","0","0"]]`))
	}))

	candles, err := c.GetKlines(context.Background(), "BTCUSDT", "1m", time.Time{}, time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), candles[0].OpenTime)
	assert.True(t, candles[0].High.Equal(decimal.NewFromInt(110)))
	assert.True(t, candles[0].Volume.Equal(decimal.RequireFromString("12.5")))
}

func TestRetryDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := retryDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(retryBaseDelay)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(retryMaxDelay)*1.2))
	}
}
