package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-platform/internal/exchange"
)

func level(price, qty string) exchange.PriceLevel {
	return exchange.PriceLevel{
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	}
}

func snapshot(lastID int64) *exchange.DepthSnapshot {
	return &exchange.DepthSnapshot{
		LastUpdateID: lastID,
		Bids:         []exchange.PriceLevel{level("100", "2"), level("99", "1")},
		Asks:         []exchange.PriceLevel{level("101", "3"), level("102", "5")},
	}
}

func diff(first, final, prev int64, bids, asks []exchange.PriceLevel) *exchange.DepthDiff {
	return &exchange.DepthDiff{
		Symbol:            "BTCUSDT",
		FirstUpdateID:     first,
		FinalUpdateID:     final,
		PrevFinalUpdateID: prev,
		Bids:              bids,
		Asks:              asks,
	}
}

func TestBookAppliesChainedDiffs(t *testing.T) {
	b := NewOrderBook("BTCUSDT")
	b.Reset(snapshot(10))
	require.True(t, b.Synced())

	ok := b.Apply(diff(11, 12, 10, []exchange.PriceLevel{level("100", "4")}, nil))
	require.True(t, ok)
	ok = b.Apply(diff(13, 15, 12, nil, []exchange.PriceLevel{level("101", "0")}))
	require.True(t, ok)

	bidPrice, bidQty := b.BestBid()
	assert.True(t, bidPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, bidQty.Equal(decimal.NewFromInt(4)))

	// 101 was removed by the zero-quantity level.
	askPrice, _ := b.BestAsk()
	assert.True(t, askPrice.Equal(decimal.NewFromInt(102)))
}

func TestBookIgnoresDiffBeforeSnapshot(t *testing.T) {
	b := NewOrderBook("BTCUSDT")
	b.Reset(snapshot(10))

	ok := b.Apply(diff(5, 9, 4, []exchange.PriceLevel{level("100", "99")}, nil))
	require.True(t, ok)
	_, qty := b.BestBid()
	assert.True(t, qty.Equal(decimal.NewFromInt(2)), "stale diff must not mutate the book")
}

func TestBookGapInvalidates(t *testing.T) {
	b := NewOrderBook("BTCUSDT")
	b.Reset(snapshot(10))

	ok := b.Apply(diff(20, 25, 19, nil, nil))
	assert.False(t, ok)
	assert.False(t, b.Synced())

	// Once invalid, nothing applies until a new snapshot.
	assert.False(t, b.Apply(diff(26, 27, 25, nil, nil)))
}

func TestBookReplaysBufferedDiffsAfterReset(t *testing.T) {
	b := NewOrderBook("BTCUSDT")
	b.Buffer(diff(8, 11, 7, []exchange.PriceLevel{level("100.5", "1")}, nil))
	b.Buffer(diff(12, 13, 11, []exchange.PriceLevel{level("100.6", "2")}, nil))

	b.Reset(snapshot(10))
	require.True(t, b.Synced())

	// The first buffered diff straddles lastUpdateID=10, the second chains.
	price, _ := b.BestBid()
	assert.True(t, price.Equal(decimal.RequireFromString("100.6")))
}

func TestBookSnapshotOrdering(t *testing.T) {
	b := NewOrderBook("BTCUSDT")
	b.Reset(snapshot(10))

	snap := b.Snapshot(10)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	assert.True(t, snap.Bids[0].Price.GreaterThan(snap.Bids[1].Price), "bids descend")
	assert.True(t, snap.Asks[0].Price.LessThan(snap.Asks[1].Price), "asks ascend")

	top := b.Snapshot(1)
	assert.Len(t, top.Bids, 1)
	assert.Len(t, top.Asks, 1)
}

func TestTradeWindowWraps(t *testing.T) {
	w := newTradeWindow()
	for i := 0; i < windowSize+10; i++ {
		w.push(exchange.PublicTrade{TradeID: int64(i)})
	}
	all := w.recent(0)
	require.Len(t, all, windowSize)
	assert.Equal(t, int64(10), all[0].TradeID)
	assert.Equal(t, int64(windowSize+9), all[len(all)-1].TradeID)

	last3 := w.recent(3)
	require.Len(t, last3, 3)
	assert.Equal(t, int64(windowSize+7), last3[0].TradeID)
}

func TestCandleWindowReplacesSameOpenTime(t *testing.T) {
	w := newCandleWindow()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	w.push(exchange.Candle{OpenTime: base, Close: decimal.NewFromInt(100)})
	w.push(exchange.Candle{OpenTime: base, Close: decimal.NewFromInt(105), Final: true})
	w.push(exchange.Candle{OpenTime: base.Add(time.Minute), Close: decimal.NewFromInt(106)})

	out := w.recent(0)
	require.Len(t, out, 2)
	assert.True(t, out[0].Close.Equal(decimal.NewFromInt(105)))
	assert.True(t, out[0].Final)
}
