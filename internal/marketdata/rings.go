package marketdata

import (
	"sync"

	"futures-trading-platform/internal/exchange"
)

const windowSize = 1000

// tradeWindow is a bounded ring of the most recent public trades.
type tradeWindow struct {
	mu    sync.RWMutex
	buf   []exchange.PublicTrade
	start int
	count int
}

func newTradeWindow() *tradeWindow {
	return &tradeWindow{buf: make([]exchange.PublicTrade, windowSize)}
}

func (w *tradeWindow) push(t exchange.PublicTrade) {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := (w.start + w.count) % len(w.buf)
	w.buf[idx] = t
	if w.count < len(w.buf) {
		w.count++
	} else {
		w.start = (w.start + 1) % len(w.buf)
	}
}

// recent returns up to n trades, newest last.
func (w *tradeWindow) recent(n int) []exchange.PublicTrade {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if n <= 0 || n > w.count {
		n = w.count
	}
	out := make([]exchange.PublicTrade, 0, n)
	for i := w.count - n; i < w.count; i++ {
		out = append(out, w.buf[(w.start+i)%len(w.buf)])
	}
	return out
}

// candleWindow is a bounded ring of candles for one interval. A non-final
// candle for the same open time replaces in place.
type candleWindow struct {
	mu    sync.RWMutex
	buf   []exchange.Candle
	start int
	count int
}

func newCandleWindow() *candleWindow {
	return &candleWindow{buf: make([]exchange.Candle, windowSize)}
}

func (w *candleWindow) push(c exchange.Candle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count > 0 {
		lastIdx := (w.start + w.count - 1) % len(w.buf)
		if w.buf[lastIdx].OpenTime.Equal(c.OpenTime) {
			w.buf[lastIdx] = c
			return
		}
	}
	idx := (w.start + w.count) % len(w.buf)
	w.buf[idx] = c
	if w.count < len(w.buf) {
		w.count++
	} else {
		w.start = (w.start + 1) % len(w.buf)
	}
}

// recent returns up to n candles, oldest first.
func (w *candleWindow) recent(n int) []exchange.Candle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if n <= 0 || n > w.count {
		n = w.count
	}
	out := make([]exchange.Candle, 0, n)
	for i := w.count - n; i < w.count; i++ {
		out = append(out, w.buf[(w.start+i)%len(w.buf)])
	}
	return out
}
