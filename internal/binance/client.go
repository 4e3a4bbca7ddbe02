// Package binance implements the exchange capability surface against the
// Binance USDⓈ-M futures API.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/logging"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	recvWindowMs = 10000

	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 8 * time.Second
	retryMaxTries  = 5
)

// Client talks to the futures REST API. Safe for concurrent use.
type Client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *http.Client
	limits    *limiter
	log       zerolog.Logger
	now       func() time.Time
}

var _ exchange.Client = (*Client)(nil)

// NewClient builds a REST client for one credential pair. Testnet and
// mainnet differ only in base URL.
func NewClient(apiKey, apiSecret string, testnet bool) *Client {
	base := mainnetBaseURL
	if testnet {
		base = testnetBaseURL
	}
	return &Client{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   base,
		http:      &http.Client{Timeout: 30 * time.Second},
		limits:    newLimiter(),
		log:       logging.Component("binance"),
		now:       time.Now,
	}
}

// sign appends timestamp, recvWindow and the HMAC-SHA256 signature over the
// encoded query string.
func (c *Client) sign(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindowMs))
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

// retryDelay grows the backoff exponentially from the base, capped, with
// ±20% jitter so concurrent clients do not stampede.
func retryDelay(attempt int) time.Duration {
	d := retryBaseDelay << uint(attempt)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * jitter)
}

type callOpts struct {
	method   string
	path     string
	params   url.Values
	signed   bool
	mutating bool // dispatched at most once; ambiguous failures surface as ExchangeUnknown
	weight   int
	order    bool // draws from the order budget as well
}

func (c *Client) call(ctx context.Context, opts callOpts, out any) error {
	if opts.order {
		if err := c.limits.waitOrder(ctx); err != nil {
			return errs.Wrap(errs.Internal, err, "rate limiter")
		}
	} else if err := c.limits.waitRequest(ctx, opts.weight); err != nil {
		return errs.Wrap(errs.Internal, err, "rate limiter")
	}

	tries := retryMaxTries
	if opts.mutating {
		tries = 1
	}
	var lastErr error
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errs.Wrap(errs.ExchangeTransient, ctx.Err(), "retry aborted")
			case <-time.After(retryDelay(attempt - 1)):
			}
		}
		err := c.dispatch(ctx, opts, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.IsKind(err, errs.ExchangeTransient) {
			return err
		}
		c.log.Warn().Err(err).Str("path", opts.path).Int("attempt", attempt+1).Msg("retrying request")
	}
	return lastErr
}

func (c *Client) dispatch(ctx context.Context, opts callOpts, out any) error {
	params := opts.params
	if params == nil {
		params = url.Values{}
	}
	var query string
	if opts.signed {
		query = c.sign(params)
	} else {
		query = params.Encode()
	}

	endpoint := c.baseURL + opts.path
	var body io.Reader
	if opts.method == http.MethodGet || opts.method == http.MethodDelete {
		if query != "" {
			endpoint += "?" + query
		}
	} else {
		body = strings.NewReader(query)
	}

	req, err := http.NewRequestWithContext(ctx, opts.method, endpoint, body)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "build request")
	}
	if opts.signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if opts.mutating {
			// The request may have reached the matching engine. The
			// caller must reconcile rather than resend.
			return errs.Wrap(errs.ExchangeUnknown, err, "request outcome unknown")
		}
		return errs.Wrap(errs.ExchangeTransient, err, "request failed")
	}
	defer resp.Body.Close()

	c.limits.observeUsedWeight(resp.Header.Get("X-MBX-USED-WEIGHT-1M"))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		if opts.mutating {
			return errs.Wrap(errs.ExchangeUnknown, err, "response read failed")
		}
		return errs.Wrap(errs.ExchangeTransient, err, "read response")
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		return classify(resp.StatusCode, apiErr.Code, apiErr.Msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.Wrap(errs.Internal, err, "decode response")
	}
	return nil
}

// ==================== ACCOUNT ====================

func (c *Client) GetAccount(ctx context.Context) (*exchange.AccountSnapshot, error) {
	var resp accountResponse
	err := c.call(ctx, callOpts{
		method: http.MethodGet, path: "/fapi/v2/account", signed: true, weight: 5,
	}, &resp)
	if err != nil {
		return nil, err
	}
	snap := &exchange.AccountSnapshot{
		Equity:  resp.TotalMarginBalance,
		TakenAt: c.now().UTC(),
	}
	for _, a := range resp.Assets {
		if a.WalletBalance.IsZero() && a.AvailableBalance.IsZero() {
			continue
		}
		snap.Balances = append(snap.Balances, exchange.Balance{
			Asset:     a.Asset,
			Wallet:    a.WalletBalance,
			Available: a.AvailableBalance,
		})
	}
	for _, p := range resp.Positions {
		if p.PositionAmt.IsZero() {
			continue
		}
		snap.Positions = append(snap.Positions, exchange.PositionState{
			Symbol:        p.Symbol,
			Side:          positionSideFromAmt(p.PositionSide, p.PositionAmt),
			Quantity:      p.PositionAmt.Abs(),
			EntryPrice:    p.EntryPrice,
			UnrealizedPnl: p.UnrealizedPnl,
			Leverage:      int(p.Leverage.IntPart()),
			MarginMode:    marginModeFromIsolated(p.Isolated),
		})
	}
	return snap, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]exchange.PositionState, error) {
	var resp []positionRisk
	err := c.call(ctx, callOpts{
		method: http.MethodGet, path: "/fapi/v2/positionRisk", signed: true, weight: 5,
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.PositionState, 0, len(resp))
	for _, p := range resp {
		if p.PositionAmt.IsZero() {
			continue
		}
		out = append(out, exchange.PositionState{
			Symbol:           p.Symbol,
			Side:             positionSideFromAmt(p.PositionSide, p.PositionAmt),
			Quantity:         p.PositionAmt.Abs(),
			EntryPrice:       p.EntryPrice,
			MarkPrice:        p.MarkPrice,
			LiquidationPrice: p.LiquidationPrice,
			UnrealizedPnl:    p.UnRealizedProfit,
			Leverage:         int(p.Leverage.IntPart()),
			MarginMode:       marginModeFromString(p.MarginType),
		})
	}
	return out, nil
}

// ==================== MARKET DATA ====================

func (c *Client) GetSymbols(ctx context.Context) ([]domain.Symbol, error) {
	var resp exchangeInfo
	err := c.call(ctx, callOpts{
		method: http.MethodGet, path: "/fapi/v1/exchangeInfo", weight: 1,
	}, &resp)
	if err != nil {
		return nil, err
	}
	c.limits.applyLimits(resp.RateLimits)

	out := make([]domain.Symbol, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		sym := domain.Symbol{
			Venue:             "binance-futures",
			Name:              s.Symbol,
			Base:              s.BaseAsset,
			Quote:             s.QuoteAsset,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
			Status:            s.Status,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				sym.TickSize = f.TickSize
			case "LOT_SIZE":
				sym.LotSize = f.StepSize
			case "MIN_NOTIONAL":
				sym.MinNotional = f.MinNotional
			}
		}
		out = append(out, sym)
	}
	return out, nil
}

func (c *Client) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]exchange.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if !start.IsZero() {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var raw [][]json.RawMessage
	err := c.call(ctx, callOpts{
		method: http.MethodGet, path: "/fapi/v1/klines", params: params, weight: 5,
	}, &raw)
	if err != nil {
		return nil, err
	}
	candles := make([]exchange.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		candle, err := parseKlineRow(row)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "parse kline")
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseKlineRow decodes one kline array: open time, OHLCV as quoted
// strings, close time.
func parseKlineRow(row []json.RawMessage) (exchange.Candle, error) {
	var openMs, closeMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return exchange.Candle{}, err
	}
	if err := json.Unmarshal(row[6], &closeMs); err != nil {
		return exchange.Candle{}, err
	}
	fields := make([]decimal.Decimal, 5)
	for i := 0; i < 5; i++ {
		if err := json.Unmarshal(row[i+1], &fields[i]); err != nil {
			return exchange.Candle{}, err
		}
	}
	return exchange.Candle{
		OpenTime:  time.UnixMilli(openMs).UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
		CloseTime: time.UnixMilli(closeMs).UTC(),
		Final:     true,
	}, nil
}

func (c *Client) GetDepthSnapshot(ctx context.Context, symbol string, limit int) (*exchange.DepthSnapshot, error) {
	if limit <= 0 {
		limit = 500
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	var resp depthResponse
	err := c.call(ctx, callOpts{
		method: http.MethodGet, path: "/fapi/v1/depth", params: params, weight: 10,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &exchange.DepthSnapshot{
		LastUpdateID: resp.LastUpdateID,
		Bids:         toPriceLevels(resp.Bids),
		Asks:         toPriceLevels(resp.Asks),
	}, nil
}

func toPriceLevels(rows [][]decimal.Decimal) []exchange.PriceLevel {
	out := make([]exchange.PriceLevel, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		out = append(out, exchange.PriceLevel{Price: r[0], Quantity: r[1]})
	}
	return out
}

// ==================== ORDERS ====================

func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	}
	switch req.Type {
	case domain.OrderTypeLimit:
		params.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = domain.TimeInForceGTC
		}
		params.Set("timeInForce", string(tif))
	case domain.OrderTypeStop, domain.OrderTypeTakeProfit:
		params.Set("price", req.Price.String())
		params.Set("stopPrice", req.StopPrice.String())
	case domain.OrderTypeStopMarket:
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var resp orderResponse
	err := c.call(ctx, callOpts{
		method: http.MethodPost, path: "/fapi/v1/order", params: params,
		signed: true, mutating: true, order: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &exchange.OrderAck{
		VenueOrderID:  resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Status:        resp.Status,
		ExecutedQty:   resp.ExecutedQty,
		AvgPrice:      resp.AvgPrice,
		UpdateTime:    resp.UpdateTime,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol string, venueOrderID int64, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	if venueOrderID > 0 {
		params.Set("orderId", strconv.FormatInt(venueOrderID, 10))
	} else {
		params.Set("origClientOrderId", clientOrderID)
	}
	return c.call(ctx, callOpts{
		method: http.MethodDelete, path: "/fapi/v1/order", params: params,
		signed: true, mutating: true, weight: 1,
	}, nil)
}

func (c *Client) GetOrder(ctx context.Context, symbol string, venueOrderID int64, clientOrderID string) (*exchange.OrderState, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if venueOrderID > 0 {
		params.Set("orderId", strconv.FormatInt(venueOrderID, 10))
	} else {
		params.Set("origClientOrderId", clientOrderID)
	}
	var resp orderResponse
	err := c.call(ctx, callOpts{
		method: http.MethodGet, path: "/fapi/v1/order", params: params, signed: true, weight: 1,
	}, &resp)
	if err != nil {
		return nil, err
	}
	state := toOrderState(resp)
	return &state, nil
}

func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderState, error) {
	params := url.Values{}
	weight := 40
	if symbol != "" {
		params.Set("symbol", symbol)
		weight = 1
	}
	var resp []orderResponse
	err := c.call(ctx, callOpts{
		method: http.MethodGet, path: "/fapi/v1/openOrders", params: params, signed: true, weight: weight,
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.OrderState, 0, len(resp))
	for _, o := range resp {
		out = append(out, toOrderState(o))
	}
	return out, nil
}

func toOrderState(o orderResponse) exchange.OrderState {
	return exchange.OrderState{
		VenueOrderID:  o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.Side(o.Side),
		Type:          domain.OrderType(o.Type),
		Status:        o.Status,
		Price:         o.Price,
		OrigQty:       o.OrigQty,
		ExecutedQty:   o.ExecutedQty,
		AvgPrice:      o.AvgPrice,
		UpdateTime:    o.UpdateTime,
	}
}

// ==================== ACCOUNT CONFIG ====================

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.call(ctx, callOpts{
		method: http.MethodPost, path: "/fapi/v1/leverage", params: params,
		signed: true, mutating: true, weight: 1,
	}, nil)
}

func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode domain.MarginMode) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", string(mode))
	err := c.call(ctx, callOpts{
		method: http.MethodPost, path: "/fapi/v1/marginType", params: params,
		signed: true, mutating: true, weight: 1,
	}, nil)
	// The venue rejects a no-op change; treat it as success.
	if err != nil && strings.Contains(err.Error(), "No need to change margin type") {
		return nil
	}
	return err
}

// ==================== LISTEN KEY ====================

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	err := c.call(ctx, callOpts{
		method: http.MethodPost, path: "/fapi/v1/listenKey", signed: true, weight: 1,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", errs.E(errs.ExchangeRejected, "empty listen key")
	}
	return resp.ListenKey, nil
}

func (c *Client) keepAliveListenKey(ctx context.Context) error {
	return c.call(ctx, callOpts{
		method: http.MethodPut, path: "/fapi/v1/listenKey", signed: true, weight: 1,
	}, nil)
}

func (c *Client) closeListenKey(ctx context.Context) error {
	return c.call(ctx, callOpts{
		method: http.MethodDelete, path: "/fapi/v1/listenKey", signed: true, weight: 1,
	}, nil)
}

// ==================== CONVERSIONS ====================

func positionSideFromAmt(ps string, amt decimal.Decimal) domain.PositionSide {
	switch ps {
	case "LONG":
		return domain.PositionSideLong
	case "SHORT":
		return domain.PositionSideShort
	}
	// One-way mode reports BOTH; the sign of the amount carries direction.
	if amt.IsNegative() {
		return domain.PositionSideShort
	}
	return domain.PositionSideLong
}

func marginModeFromIsolated(isolated bool) domain.MarginMode {
	if isolated {
		return domain.MarginModeIsolated
	}
	return domain.MarginModeCross
}

func marginModeFromString(s string) domain.MarginMode {
	if strings.EqualFold(s, "isolated") {
		return domain.MarginModeIsolated
	}
	return domain.MarginModeCross
}

// baseWSURL returns the websocket endpoint matching the REST base.
func (c *Client) baseWSURL() string {
	if c.baseURL == testnetBaseURL {
		return "wss://stream.binancefuture.com"
	}
	return "wss://fstream.binance.com"
}

func streamName(symbol string, kind string) string {
	return fmt.Sprintf("%s@%s", strings.ToLower(symbol), kind)
}
