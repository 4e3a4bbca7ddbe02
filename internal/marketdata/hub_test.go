package marketdata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-platform/internal/exchange"
)

// fakeStream records subscription traffic and lets tests inject events.
type fakeStream struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	events       chan exchange.MarketEvent
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan exchange.MarketEvent, 64)}
}

func (f *fakeStream) Subscribe(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, name)
	return nil
}

func (f *fakeStream) Unsubscribe(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, name)
	return nil
}

func (f *fakeStream) Events() <-chan exchange.MarketEvent { return f.events }
func (f *fakeStream) Close() error                        { return nil }

func (f *fakeStream) names() map[exchange.MarketEventType]exchange.StreamName {
	mk := func(kind string) exchange.StreamName {
		return func(symbol, interval string) string {
			if interval != "" {
				return symbol + "@" + kind + "_" + interval
			}
			return symbol + "@" + kind
		}
	}
	return map[exchange.MarketEventType]exchange.StreamName{
		exchange.EventTicker: mk("ticker"),
		exchange.EventTrade:  mk("trades"),
		exchange.EventDepth:  mk("depth"),
		exchange.EventCandle: mk("kline"),
	}
}

func newTestHub(t *testing.T) (*Hub, *fakeStream) {
	t.Helper()
	fs := newFakeStream()
	return NewHub(fs, nil, nil, fs.names()), fs
}

func tickerEvent(symbol string, price int64) exchange.MarketEvent {
	return exchange.MarketEvent{
		Type: exchange.EventTicker, Venue: "binance-futures", Symbol: symbol,
		Ticker: &exchange.Ticker{Symbol: symbol, LastPrice: decimal.NewFromInt(price)},
	}
}

func TestFirstSubscriberOpensUpstream(t *testing.T) {
	h, fs := newTestHub(t)
	topic := Topic{Type: exchange.EventTicker, Venue: "binance-futures", Symbol: "BTCUSDT"}

	s1, err := h.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	s2, err := h.Subscribe(context.Background(), topic)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT@ticker"}, fs.subscribed, "only the first subscriber dials upstream")

	s1.Cancel()
	assert.Empty(t, fs.unsubscribed, "upstream stays open while subscribers remain")
	s2.Cancel()
	assert.Equal(t, []string{"BTCUSDT@ticker"}, fs.unsubscribed, "last cancel hangs up")
}

func TestUnsupportedTopicType(t *testing.T) {
	h, _ := newTestHub(t)
	_, err := h.Subscribe(context.Background(), Topic{Type: "bogus", Symbol: "BTCUSDT"})
	require.Error(t, err)
}

func TestFanOutDeliversToTopicSubscribers(t *testing.T) {
	h, _ := newTestHub(t)
	topic := Topic{Type: exchange.EventTicker, Venue: "binance-futures", Symbol: "BTCUSDT"}
	sub, err := h.Subscribe(context.Background(), topic)
	require.NoError(t, err)

	other, err := h.Subscribe(context.Background(),
		Topic{Type: exchange.EventTicker, Venue: "binance-futures", Symbol: "ETHUSDT"})
	require.NoError(t, err)

	h.handle(context.Background(), tickerEvent("BTCUSDT", 30000))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "BTCUSDT", ev.Symbol)
	default:
		t.Fatal("expected delivery to matching subscriber")
	}
	assert.Empty(t, other.Events(), "other symbol must not receive the event")

	tk, ok := h.Ticker("BTCUSDT")
	require.True(t, ok)
	assert.True(t, tk.LastPrice.Equal(decimal.NewFromInt(30000)))
}

func TestSlowConsumerDropsOldest(t *testing.T) {
	h, _ := newTestHub(t)
	h.mailboxSize = 2
	topic := Topic{Type: exchange.EventTicker, Venue: "binance-futures", Symbol: "BTCUSDT"}
	sub, err := h.Subscribe(context.Background(), topic)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		h.handle(context.Background(), tickerEvent("BTCUSDT", int64(i)))
	}

	assert.Equal(t, int64(2), sub.SlowDrops())
	first := <-sub.Events()
	assert.True(t, first.Ticker.LastPrice.Equal(decimal.NewFromInt(3)), "oldest events are dropped first")
}

func TestPersistentOverflowEvicts(t *testing.T) {
	h, fs := newTestHub(t)
	h.mailboxSize = 1
	topic := Topic{Type: exchange.EventTicker, Venue: "binance-futures", Symbol: "BTCUSDT"}
	sub, err := h.Subscribe(context.Background(), topic)
	require.NoError(t, err)

	for i := 0; i < evictionDropLimit+2; i++ {
		h.handle(context.Background(), tickerEvent("BTCUSDT", int64(i)))
	}

	assert.True(t, sub.Evicted())
	// Drain: the channel must be closed after eviction.
	for range sub.Events() {
	}
	assert.Equal(t, []string{"BTCUSDT@ticker"}, fs.unsubscribed, "evicting the only subscriber closes upstream")
}

func TestStreamResetFansOutToSymbolSubscribers(t *testing.T) {
	h, _ := newTestHub(t)
	depthSub, err := h.Subscribe(context.Background(),
		Topic{Type: exchange.EventDepth, Venue: "binance-futures", Symbol: "BTCUSDT"})
	require.NoError(t, err)

	h.handle(context.Background(), exchange.MarketEvent{
		Type: exchange.EventStreamReset, Venue: "binance-futures", Symbol: "BTCUSDT",
	})

	select {
	case ev := <-depthSub.Events():
		assert.Equal(t, exchange.EventStreamReset, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("depth subscriber should observe the reset")
	}
}

func TestDepthEventBuildsBookAfterSnapshot(t *testing.T) {
	h, _ := newTestHub(t)

	// First diff arrives with no book: it is buffered, no client means no
	// snapshot fetch, so the book stays unsynced.
	h.handle(context.Background(), exchange.MarketEvent{
		Type: exchange.EventDepth, Venue: "binance-futures", Symbol: "BTCUSDT",
		Depth: diff(11, 12, 10, []exchange.PriceLevel{level("100", "1")}, nil),
	})
	book := h.Book("BTCUSDT")
	require.NotNil(t, book)
	assert.False(t, book.Synced())

	// Simulate the snapshot landing; the buffered diff replays over it.
	book.Reset(snapshot(10))
	require.True(t, book.Synced())
	price, qty := book.BestBid()
	assert.True(t, price.Equal(decimal.NewFromInt(100)))
	assert.True(t, qty.Equal(decimal.NewFromInt(1)))
}

func TestRecentCandlesPerInterval(t *testing.T) {
	h, _ := newTestHub(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	h.handle(context.Background(), exchange.MarketEvent{
		Type: exchange.EventCandle, Venue: "binance-futures", Symbol: "BTCUSDT", Interval: "1m",
		Candle: &exchange.Candle{OpenTime: base, Close: decimal.NewFromInt(1)},
	})
	h.handle(context.Background(), exchange.MarketEvent{
		Type: exchange.EventCandle, Venue: "binance-futures", Symbol: "BTCUSDT", Interval: "5m",
		Candle: &exchange.Candle{OpenTime: base, Close: decimal.NewFromInt(2)},
	})

	oneMin := h.RecentCandles("BTCUSDT", "1m", 0)
	fiveMin := h.RecentCandles("BTCUSDT", "5m", 0)
	require.Len(t, oneMin, 1)
	require.Len(t, fiveMin, 1)
	assert.True(t, oneMin[0].Close.Equal(decimal.NewFromInt(1)))
	assert.True(t, fiveMin[0].Close.Equal(decimal.NewFromInt(2)))
}
