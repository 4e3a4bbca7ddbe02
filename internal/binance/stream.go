package binance

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/logging"
)

const (
	venueName = "binance-futures"

	streamReadTimeout  = 3 * time.Minute
	streamWriteTimeout = 10 * time.Second
	streamEventBuffer  = 4096
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Stream name builders for the combined market socket.
func TickerStream(symbol, _ string) string    { return streamName(symbol, "ticker") }
func TradeStream(symbol, _ string) string     { return streamName(symbol, "aggTrade") }
func DepthStream(symbol, _ string) string     { return streamName(symbol, "depth@100ms") }
func MarkPriceStream(symbol, _ string) string { return streamName(symbol, "markPrice@1s") }
func CandleStream(symbol, interval string) string {
	return streamName(symbol, "kline_"+interval)
}

// MarketStream multiplexes public market streams over one combined
// websocket. The first Subscribe dials; the last Unsubscribe hangs up.
type MarketStream struct {
	wsURL     string
	dialer    *websocket.Dialer
	log       zerolog.Logger
	baseDelay time.Duration
	maxDelay  time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]struct{}
	cancel context.CancelFunc

	events chan exchange.MarketEvent
	seq    atomic.Int64
	msgID  atomic.Int64
	closed atomic.Bool
}

var _ exchange.MarketStream = (*MarketStream)(nil)

// NewMarketStream builds a stream against the client's websocket endpoint.
func NewMarketStream(c *Client) *MarketStream {
	return &MarketStream{
		wsURL:     c.baseWSURL() + "/stream",
		dialer:    websocket.DefaultDialer,
		log:       logging.Component("binance-stream"),
		baseDelay: reconnectBaseDelay,
		maxDelay:  reconnectMaxDelay,
		subs:      make(map[string]struct{}),
		events:    make(chan exchange.MarketEvent, streamEventBuffer),
	}
}

type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (m *MarketStream) Subscribe(ctx context.Context, name string) error {
	if m.closed.Load() {
		return errs.E(errs.InvalidState, "stream closed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[name]; ok {
		return nil
	}
	if m.conn == nil {
		if err := m.dialLocked(ctx); err != nil {
			return err
		}
	} else if err := m.sendLocked(wsCommand{Method: "SUBSCRIBE", Params: []string{name}, ID: m.msgID.Add(1)}); err != nil {
		return err
	}
	m.subs[name] = struct{}{}
	m.log.Info().Str("stream", name).Msg("subscribed")
	return nil
}

func (m *MarketStream) Unsubscribe(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[name]; !ok {
		return nil
	}
	delete(m.subs, name)
	if m.conn == nil {
		return nil
	}
	if len(m.subs) == 0 {
		m.hangupLocked()
		return nil
	}
	return m.sendLocked(wsCommand{Method: "UNSUBSCRIBE", Params: []string{name}, ID: m.msgID.Add(1)})
}

func (m *MarketStream) Events() <-chan exchange.MarketEvent { return m.events }

func (m *MarketStream) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.Lock()
	m.hangupLocked()
	m.mu.Unlock()
	// The events channel stays open; consumers exit via their own context.
	return nil
}

func (m *MarketStream) hangupLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *MarketStream) dialLocked(ctx context.Context) error {
	conn, _, err := m.dialer.DialContext(ctx, m.wsURL, nil)
	if err != nil {
		return errs.Wrap(errs.ExchangeTransient, err, "dial market stream")
	}
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(streamWriteTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	m.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if len(m.subs) > 0 {
		names := make([]string, 0, len(m.subs))
		for name := range m.subs {
			names = append(names, name)
		}
		if err := m.sendLocked(wsCommand{Method: "SUBSCRIBE", Params: names, ID: m.msgID.Add(1)}); err != nil {
			m.hangupLocked()
			return err
		}
	}

	go m.readLoop(runCtx, conn)
	return nil
}

func (m *MarketStream) sendLocked(cmd wsCommand) error {
	_ = m.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := m.conn.WriteJSON(cmd); err != nil {
		return errs.Wrap(errs.ExchangeTransient, err, "stream command")
	}
	return nil
}

// readLoop pumps frames until the connection dies, then reconnects with
// backoff as long as subscriptions remain.
func (m *MarketStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || m.closed.Load() {
				return
			}
			m.log.Warn().Err(err).Msg("market stream read failed")
			m.reconnect()
			return
		}
		m.route(data)
	}
}

// reconnect redials with exponential backoff. The read context that
// brought us here is already dead (hangup cancels it), so the loop is
// gated on Close and on whether any subscriptions remain.
func (m *MarketStream) reconnect() {
	// Every consumer must resnapshot: sequence continuity is broken.
	m.emitResets()

	delay := m.baseDelay
	for {
		time.Sleep(delay)
		if m.closed.Load() {
			return
		}
		m.mu.Lock()
		m.hangupLocked()
		if len(m.subs) == 0 {
			m.mu.Unlock()
			return
		}
		err := m.dialLocked(context.Background())
		m.mu.Unlock()
		if err == nil {
			m.log.Info().Msg("market stream reconnected")
			return
		}
		m.log.Warn().Err(err).Dur("retry_in", delay).Msg("market stream reconnect failed")
		if delay *= 2; delay > m.maxDelay {
			delay = m.maxDelay
		}
	}
}

func (m *MarketStream) emitResets() {
	m.mu.Lock()
	symbols := make(map[string]struct{})
	for name := range m.subs {
		if i := strings.IndexByte(name, '@'); i > 0 {
			symbols[strings.ToUpper(name[:i])] = struct{}{}
		}
	}
	m.mu.Unlock()
	for sym := range symbols {
		m.emit(exchange.MarketEvent{Type: exchange.EventStreamReset, Venue: venueName, Symbol: sym})
	}
}

// route decodes a combined-stream frame into a canonical event.
func (m *MarketStream) route(data []byte) {
	var env combinedStreamMessage
	if err := json.Unmarshal(data, &env); err != nil || len(env.Data) == 0 {
		return // command acks and malformed frames
	}
	var hdr streamEventHeader
	if err := json.Unmarshal(env.Data, &hdr); err != nil {
		return
	}

	switch hdr.EventType {
	case "24hrTicker":
		var t streamTicker
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return
		}
		m.emit(exchange.MarketEvent{
			Type: exchange.EventTicker, Venue: venueName, Symbol: t.Symbol,
			Ticker: &exchange.Ticker{
				Symbol:        t.Symbol,
				LastPrice:     t.LastPrice,
				PriceChange:   t.PriceChange,
				PriceChangePc: t.PriceChangePc,
				High24h:       t.High,
				Low24h:        t.Low,
				Volume24h:     t.Volume,
				QuoteVolume:   t.QuoteVolume,
				EventTime:     t.EventTime,
			},
		})
	case "aggTrade":
		var t streamAggTrade
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return
		}
		m.emit(exchange.MarketEvent{
			Type: exchange.EventTrade, Venue: venueName, Symbol: t.Symbol,
			Trade: &exchange.PublicTrade{
				Symbol:     t.Symbol,
				TradeID:    t.TradeID,
				Price:      t.Price,
				Quantity:   t.Quantity,
				BuyerMaker: t.IsMaker,
				TradeTime:  t.TradeTime,
			},
		})
	case "depthUpdate":
		var d streamDepthDiff
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return
		}
		m.emit(exchange.MarketEvent{
			Type: exchange.EventDepth, Venue: venueName, Symbol: d.Symbol, Seq: d.FinalUpdateID,
			Depth: &exchange.DepthDiff{
				Symbol:            d.Symbol,
				FirstUpdateID:     d.FirstUpdateID,
				FinalUpdateID:     d.FinalUpdateID,
				PrevFinalUpdateID: d.PrevFinalUpdateID,
				Bids:              toPriceLevels(d.Bids),
				Asks:              toPriceLevels(d.Asks),
				EventTime:         d.EventTime,
			},
		})
	case "kline":
		var k streamKline
		if err := json.Unmarshal(env.Data, &k); err != nil {
			return
		}
		m.emit(exchange.MarketEvent{
			Type: exchange.EventCandle, Venue: venueName, Symbol: k.Symbol, Interval: k.Kline.Interval,
			Candle: &exchange.Candle{
				OpenTime:  time.UnixMilli(k.Kline.OpenTime).UTC(),
				Open:      k.Kline.Open,
				High:      k.Kline.High,
				Low:       k.Kline.Low,
				Close:     k.Kline.Close,
				Volume:    k.Kline.Volume,
				CloseTime: time.UnixMilli(k.Kline.CloseTime).UTC(),
				Final:     k.Kline.Final,
			},
		})
	case "markPriceUpdate":
		var p streamMarkPrice
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		m.emit(exchange.MarketEvent{
			Type: exchange.EventMarkPrice, Venue: venueName, Symbol: p.Symbol,
			MarkPrice: &exchange.MarkPrice{
				Symbol:      p.Symbol,
				Price:       p.MarkPrice,
				FundingRate: p.FundingRate,
				NextFunding: p.NextFunding,
				EventTime:   p.EventTime,
			},
		})
	}
}

// emit never blocks the read loop; when the buffer is full the oldest
// event is dropped so fresh data wins.
func (m *MarketStream) emit(ev exchange.MarketEvent) {
	if m.closed.Load() {
		return
	}
	if ev.Seq == 0 {
		ev.Seq = m.seq.Add(1)
	}
	select {
	case m.events <- ev:
	default:
		select {
		case <-m.events:
		default:
		}
		select {
		case m.events <- ev:
		default:
		}
	}
}
