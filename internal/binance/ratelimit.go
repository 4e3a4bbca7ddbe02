package binance

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// Default USDⓈ-M futures budgets, overwritten from /fapi/v1/exchangeInfo
// rate limit descriptors once the symbol table is first fetched.
const (
	defaultWeightPerMinute = 2400
	defaultOrdersPerMinute = 1200
	weightSoftCeiling      = 0.85 // throttle harder above this fraction of budget
)

// limiter gates REST traffic with two token buckets, one for request weight
// and one for order placements, and tightens when response headers show the
// account burning through its minute budget.
type limiter struct {
	weight *rate.Limiter
	orders *rate.Limiter

	mu          sync.Mutex
	weightLimit int
}

func newLimiter() *limiter {
	return &limiter{
		weight:      rate.NewLimiter(rate.Limit(defaultWeightPerMinute)/60, defaultWeightPerMinute/10),
		orders:      rate.NewLimiter(rate.Limit(defaultOrdersPerMinute)/60, defaultOrdersPerMinute/10),
		weightLimit: defaultWeightPerMinute,
	}
}

func (l *limiter) waitRequest(ctx context.Context, weight int) error {
	return l.weight.WaitN(ctx, weight)
}

func (l *limiter) waitOrder(ctx context.Context) error {
	if err := l.orders.Wait(ctx); err != nil {
		return err
	}
	return l.weight.Wait(ctx)
}

// applyLimits installs the budgets the venue advertises in exchangeInfo.
func (l *limiter) applyLimits(limits []rateLimitInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rl := range limits {
		if rl.Interval != "MINUTE" || rl.IntervalNum != 1 || rl.Limit <= 0 {
			continue
		}
		switch rl.RateLimitType {
		case "REQUEST_WEIGHT":
			l.weightLimit = rl.Limit
			l.weight.SetLimit(rate.Limit(rl.Limit) / 60)
			l.weight.SetBurst(rl.Limit / 10)
		case "ORDERS":
			l.orders.SetLimit(rate.Limit(rl.Limit) / 60)
			l.orders.SetBurst(rl.Limit / 10)
		}
	}
}

// observeUsedWeight reacts to the X-MBX-USED-WEIGHT-1M response header. Past
// the soft ceiling the refill rate is halved until usage falls back.
func (l *limiter) observeUsedWeight(header string) {
	if header == "" {
		return
	}
	used, err := strconv.Atoi(header)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	full := rate.Limit(l.weightLimit) / 60
	if float64(used) >= float64(l.weightLimit)*weightSoftCeiling {
		l.weight.SetLimit(full / 2)
	} else {
		l.weight.SetLimit(full)
	}
}
