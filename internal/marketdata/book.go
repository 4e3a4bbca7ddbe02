// Package marketdata aggregates venue streams into canonical local state
// (order books, tickers, trade and candle windows) and fans events out to
// subscribers.
package marketdata

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/exchange"
)

// OrderBook is a canonical local book built from one snapshot plus a diff
// stream. Sequence rules follow the venue's documented protocol: a diff is
// applicable when its previous-final id matches the last applied final id;
// anything else is a gap and forces a resnapshot.
type OrderBook struct {
	mu sync.RWMutex

	symbol       string
	lastUpdateID int64
	synced       bool
	bids         map[string]bookLevel
	asks         map[string]bookLevel

	// Diffs that arrive while a snapshot is in flight.
	pending []exchange.DepthDiff
}

type bookLevel struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		bids:   make(map[string]bookLevel),
		asks:   make(map[string]bookLevel),
	}
}

func (b *OrderBook) Symbol() string { return b.symbol }

func (b *OrderBook) Synced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

// Reset installs a fresh snapshot and replays any buffered diffs that
// bridge it.
func (b *OrderBook) Reset(snap *exchange.DepthSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]bookLevel, len(snap.Bids))
	b.asks = make(map[string]bookLevel, len(snap.Asks))
	for _, lvl := range snap.Bids {
		b.bids[lvl.Price.String()] = bookLevel{price: lvl.Price, qty: lvl.Quantity}
	}
	for _, lvl := range snap.Asks {
		b.asks[lvl.Price.String()] = bookLevel{price: lvl.Price, qty: lvl.Quantity}
	}
	b.lastUpdateID = snap.LastUpdateID
	b.synced = true

	pending := b.pending
	b.pending = nil
	for _, d := range pending {
		if !b.applyLocked(&d) {
			break
		}
	}
}

// Invalidate marks the book stale, e.g. after a stream reset.
func (b *OrderBook) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.synced = false
	b.pending = nil
}

// Buffer holds a diff aside while the snapshot request is in flight.
func (b *OrderBook) Buffer(d *exchange.DepthDiff) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, *d)
	// Cap the buffer so a stalled snapshot cannot grow it unbounded.
	if len(b.pending) > 1024 {
		b.pending = b.pending[len(b.pending)-1024:]
	}
}

// Apply applies a diff. It returns false on a sequence gap, after which
// the book is invalid and must be resnapshotted.
func (b *OrderBook) Apply(d *exchange.DepthDiff) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.synced {
		return false
	}
	return b.applyLocked(d)
}

func (b *OrderBook) applyLocked(d *exchange.DepthDiff) bool {
	// Stale diff entirely before the snapshot: ignore.
	if d.FinalUpdateID <= b.lastUpdateID {
		return true
	}
	// The first bridging diff must straddle the snapshot id; later diffs
	// must chain exactly.
	if d.FirstUpdateID > b.lastUpdateID+1 && d.PrevFinalUpdateID != b.lastUpdateID {
		b.synced = false
		return false
	}
	for _, lvl := range d.Bids {
		b.setLevel(b.bids, lvl)
	}
	for _, lvl := range d.Asks {
		b.setLevel(b.asks, lvl)
	}
	b.lastUpdateID = d.FinalUpdateID
	return true
}

func (b *OrderBook) setLevel(side map[string]bookLevel, lvl exchange.PriceLevel) {
	key := lvl.Price.String()
	if lvl.Quantity.IsZero() {
		delete(side, key)
		return
	}
	side[key] = bookLevel{price: lvl.Price, qty: lvl.Quantity}
}

// Snapshot returns the top depth levels, bids descending and asks ascending.
func (b *OrderBook) Snapshot(depth int) *exchange.DepthSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := &exchange.DepthSnapshot{
		LastUpdateID: b.lastUpdateID,
		Bids:         topLevels(b.bids, depth, true),
		Asks:         topLevels(b.asks, depth, false),
	}
	return snap
}

// BestBid returns the highest bid, or zero values on an empty side.
func (b *OrderBook) BestBid() (decimal.Decimal, decimal.Decimal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestLevel(b.bids, true)
}

// BestAsk returns the lowest ask, or zero values on an empty side.
func (b *OrderBook) BestAsk() (decimal.Decimal, decimal.Decimal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestLevel(b.asks, false)
}

func bestLevel(side map[string]bookLevel, descending bool) (decimal.Decimal, decimal.Decimal) {
	var best bookLevel
	found := false
	for _, lvl := range side {
		if !found {
			best = lvl
			found = true
			continue
		}
		if descending == lvl.price.GreaterThan(best.price) {
			best = lvl
		}
	}
	if !found {
		return decimal.Zero, decimal.Zero
	}
	return best.price, best.qty
}

func topLevels(side map[string]bookLevel, depth int, descending bool) []exchange.PriceLevel {
	levels := make([]exchange.PriceLevel, 0, len(side))
	for _, lvl := range side {
		levels = append(levels, exchange.PriceLevel{Price: lvl.price, Quantity: lvl.qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}
