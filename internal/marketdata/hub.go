package marketdata

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-platform/internal/cache"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/logging"
)

const (
	defaultMailboxSize = 256
	// A subscriber this far behind gets evicted rather than throttled.
	evictionDropLimit = 1000
)

// Topic identifies one fan-out stream.
type Topic struct {
	Type     exchange.MarketEventType
	Venue    string
	Symbol   string
	Interval string
}

// Subscription is one consumer's bounded mailbox on a topic. On overflow
// the oldest events are dropped; persistent overflow evicts the consumer
// and closes Events.
type Subscription struct {
	Topic Topic

	hub     *Hub
	mailbox chan exchange.MarketEvent
	slow    atomic.Int64
	evicted atomic.Bool
	once    sync.Once
}

// Events delivers topic events in venue-sequence order. The channel closes
// on eviction or Cancel.
func (s *Subscription) Events() <-chan exchange.MarketEvent { return s.mailbox }

// SlowDrops reports how many events this subscriber has lost to overflow.
func (s *Subscription) SlowDrops() int64 { return s.slow.Load() }

// Evicted reports whether the hub kicked this subscriber for falling behind.
func (s *Subscription) Evicted() bool { return s.evicted.Load() }

func (s *Subscription) Cancel() {
	s.hub.unsubscribe(s)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.mailbox) })
}

// deliver is fire-and-forget: full mailbox drops the oldest event.
func (s *Subscription) deliver(ev exchange.MarketEvent) {
	if s.evicted.Load() {
		return
	}
	select {
	case s.mailbox <- ev:
		return
	default:
	}
	select {
	case <-s.mailbox:
		s.slow.Add(1)
	default:
	}
	select {
	case s.mailbox <- ev:
	default:
		s.slow.Add(1)
	}
}

// Hub owns canonical market state and the subscription graph. The first
// subscriber on a (venue, symbol, type) opens the upstream stream; the
// last closes it.
type Hub struct {
	stream exchange.MarketStream
	client exchange.Client
	cache  *cache.Cache
	names  map[exchange.MarketEventType]exchange.StreamName
	log    zerolog.Logger

	mu      sync.RWMutex
	subs    map[Topic][]*Subscription
	books   map[string]*OrderBook
	tickers map[string]exchange.Ticker
	trades  map[string]*tradeWindow
	candles map[string]*candleWindow // keyed symbol|interval

	snapshotInFlight map[string]bool

	mailboxSize int
}

// NewHub wires the hub to one venue's market stream. The client is used
// for depth resnapshots; cache writes are skipped when cache is nil.
func NewHub(stream exchange.MarketStream, client exchange.Client, c *cache.Cache, names map[exchange.MarketEventType]exchange.StreamName) *Hub {
	return &Hub{
		stream:           stream,
		client:           client,
		cache:            c,
		names:            names,
		log:              logging.Component("marketdata"),
		subs:             make(map[Topic][]*Subscription),
		books:            make(map[string]*OrderBook),
		tickers:          make(map[string]exchange.Ticker),
		trades:           make(map[string]*tradeWindow),
		candles:          make(map[string]*candleWindow),
		snapshotInFlight: make(map[string]bool),
		mailboxSize:      defaultMailboxSize,
	}
}

// Subscribe registers a consumer and, for the first consumer on the
// topic's upstream stream, subscribes on the venue.
func (h *Hub) Subscribe(ctx context.Context, topic Topic) (*Subscription, error) {
	name, ok := h.names[topic.Type]
	if !ok {
		return nil, errs.E(errs.Validation, "unsupported stream type %q", topic.Type)
	}

	h.mu.Lock()
	first := len(h.subs[topic]) == 0
	sub := &Subscription{
		Topic:   topic,
		hub:     h,
		mailbox: make(chan exchange.MarketEvent, h.mailboxSize),
	}
	h.subs[topic] = append(h.subs[topic], sub)
	h.mu.Unlock()

	if first {
		if err := h.stream.Subscribe(ctx, name(topic.Symbol, topic.Interval)); err != nil {
			h.unsubscribe(sub)
			return nil, err
		}
	}
	return sub, nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	topic := sub.Topic
	h.mu.Lock()
	subs := h.subs[topic]
	for i, s := range subs {
		if s == sub {
			h.subs[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	last := len(h.subs[topic]) == 0
	if last {
		delete(h.subs, topic)
	}
	h.mu.Unlock()

	sub.close()
	if last {
		if name, ok := h.names[topic.Type]; ok {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = h.stream.Unsubscribe(ctx, name(topic.Symbol, topic.Interval))
		}
	}
}

// Run pumps venue events until the context ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.stream.Events():
			if !ok {
				return
			}
			h.handle(ctx, ev)
		}
	}
}

func (h *Hub) handle(ctx context.Context, ev exchange.MarketEvent) {
	switch ev.Type {
	case exchange.EventTicker:
		h.applyTicker(ctx, ev)
	case exchange.EventTrade:
		h.applyTrade(ev)
	case exchange.EventDepth:
		h.applyDepth(ctx, ev)
	case exchange.EventCandle:
		h.applyCandle(ev)
	case exchange.EventStreamReset:
		h.applyReset(ev)
	}
	h.fanOut(ev)
}

func (h *Hub) fanOut(ev exchange.MarketEvent) {
	topic := Topic{Type: ev.Type, Venue: ev.Venue, Symbol: ev.Symbol, Interval: ev.Interval}
	h.mu.RLock()
	subs := append([]*Subscription(nil), h.subs[topic]...)
	if ev.Type == exchange.EventStreamReset {
		// A reset fans out to every topic on the symbol.
		for other, ss := range h.subs {
			if other.Symbol == ev.Symbol && other.Type != exchange.EventStreamReset {
				subs = append(subs, ss...)
			}
		}
	}
	h.mu.RUnlock()

	var evict []*Subscription
	for _, sub := range subs {
		sub.deliver(ev)
		if sub.slow.Load() >= evictionDropLimit && !sub.evicted.Load() {
			evict = append(evict, sub)
		}
	}
	for _, sub := range evict {
		sub.evicted.Store(true)
		h.log.Warn().Str("symbol", sub.Topic.Symbol).Str("type", string(sub.Topic.Type)).
			Int64("dropped", sub.slow.Load()).Msg("evicting slow consumer")
		h.unsubscribe(sub)
	}
}

func (h *Hub) applyTicker(ctx context.Context, ev exchange.MarketEvent) {
	if ev.Ticker == nil {
		return
	}
	h.mu.Lock()
	h.tickers[ev.Symbol] = *ev.Ticker
	h.mu.Unlock()

	if h.cache != nil {
		_ = h.cache.Set(ctx, cache.PriceKey(ev.Venue, ev.Symbol), ev.Ticker.LastPrice.String(), cache.TTLPrice)
		_ = h.cache.Set(ctx, cache.Ticker24hKey(ev.Venue, ev.Symbol), ev.Ticker, cache.TTLTicker24h)
	}
}

func (h *Hub) applyTrade(ev exchange.MarketEvent) {
	if ev.Trade == nil {
		return
	}
	h.mu.Lock()
	w, ok := h.trades[ev.Symbol]
	if !ok {
		w = newTradeWindow()
		h.trades[ev.Symbol] = w
	}
	h.mu.Unlock()
	w.push(*ev.Trade)
}

func (h *Hub) applyCandle(ev exchange.MarketEvent) {
	if ev.Candle == nil {
		return
	}
	key := ev.Symbol + "|" + ev.Interval
	h.mu.Lock()
	w, ok := h.candles[key]
	if !ok {
		w = newCandleWindow()
		h.candles[key] = w
	}
	h.mu.Unlock()
	w.push(*ev.Candle)
}

func (h *Hub) applyDepth(ctx context.Context, ev exchange.MarketEvent) {
	if ev.Depth == nil {
		return
	}
	h.mu.Lock()
	book, ok := h.books[ev.Symbol]
	if !ok {
		book = NewOrderBook(ev.Symbol)
		h.books[ev.Symbol] = book
	}
	h.mu.Unlock()

	if !book.Synced() {
		book.Buffer(ev.Depth)
		h.resnapshot(ctx, ev.Symbol, book)
		return
	}
	if !book.Apply(ev.Depth) {
		h.log.Warn().Str("symbol", ev.Symbol).Msg("depth sequence gap, resnapshotting")
		book.Buffer(ev.Depth)
		h.resnapshot(ctx, ev.Symbol, book)
		return
	}
	if h.cache != nil {
		_ = h.cache.Set(ctx, cache.OrderBookKey(ev.Venue, ev.Symbol), book.Snapshot(20), cache.TTLOrderBook)
	}
}

func (h *Hub) applyReset(ev exchange.MarketEvent) {
	h.mu.RLock()
	book := h.books[ev.Symbol]
	h.mu.RUnlock()
	if book != nil {
		book.Invalidate()
	}
}

// resnapshot fetches a fresh depth snapshot off the event loop. At most
// one request per symbol is in flight.
func (h *Hub) resnapshot(ctx context.Context, symbol string, book *OrderBook) {
	h.mu.Lock()
	if h.snapshotInFlight[symbol] || h.client == nil {
		h.mu.Unlock()
		return
	}
	h.snapshotInFlight[symbol] = true
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.snapshotInFlight, symbol)
			h.mu.Unlock()
		}()
		snapCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		snap, err := h.client.GetDepthSnapshot(snapCtx, symbol, 500)
		if err != nil {
			h.log.Warn().Err(err).Str("symbol", symbol).Msg("depth snapshot failed")
			return
		}
		book.Reset(snap)
	}()
}

// ==================== READ SURFACE ====================

func (h *Hub) Ticker(symbol string) (exchange.Ticker, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tickers[symbol]
	return t, ok
}

func (h *Hub) Book(symbol string) *OrderBook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.books[symbol]
}

func (h *Hub) RecentTrades(symbol string, n int) []exchange.PublicTrade {
	h.mu.RLock()
	w := h.trades[symbol]
	h.mu.RUnlock()
	if w == nil {
		return nil
	}
	return w.recent(n)
}

func (h *Hub) RecentCandles(symbol, interval string, n int) []exchange.Candle {
	h.mu.RLock()
	w := h.candles[symbol+"|"+interval]
	h.mu.RUnlock()
	if w == nil {
		return nil
	}
	return w.recent(n)
}
