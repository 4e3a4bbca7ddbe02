package bots

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/cache"
	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/strategy"
)

const (
	// defaultTickBudget is the soft wall-clock budget for one strategy
	// invocation. Overruns log a warning; maxConsecutiveOverruns in a row
	// pause the bot.
	defaultTickBudget       = 250 * time.Millisecond
	maxConsecutiveOverruns  = 3
	maxConsecutiveErrors    = 3
	defaultTickIntervalSecs = 5
	mailboxSize             = 256
)

// Checkpointer persists opaque strategy state across restarts.
type Checkpointer interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

type ctrlKind int

const (
	ctrlPause ctrlKind = iota
	ctrlResume
	ctrlStop
)

// runner is one bot's cooperative task. All strategy invocations happen
// on the loop goroutine; the manager talks to it through ctrl and the
// event mailboxes.
type runner struct {
	bot    *domain.Bot
	strat  strategy.Strategy
	broker strategy.Broker
	store  Checkpointer
	log    zerolog.Logger

	market     <-chan exchange.MarketEvent
	orderCh    chan domain.Order
	posCh      chan domain.Position
	ctrl       chan ctrlKind
	done       chan struct{}
	release    func() // market subscription teardown
	marks      *markTracker
	onStatus   func(ctx context.Context, status domain.BotStatus, reason string)
	clock      func() time.Time
	tickBudget time.Duration

	paused    bool
	overruns  int
	errKind   errs.Kind
	errStreak int
}

func (r *runner) loop(ctx context.Context) {
	defer close(r.done)
	if r.release != nil {
		defer r.release()
	}

	interval := time.Duration(r.bot.TickIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultTickIntervalSecs * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case kind := <-r.ctrl:
			switch kind {
			case ctrlPause:
				r.paused = true
			case ctrlResume:
				r.paused = false
				r.overruns = 0
				r.errStreak = 0
			case ctrlStop:
				r.checkpoint(ctx)
				return
			}
		case ev, ok := <-r.market:
			if !ok {
				// Eviction from the market hub is fatal: the bot cannot
				// trade blind.
				r.fatal(ctx, errs.E(errs.StreamReset, "market feed closed"))
				return
			}
			r.marks.set(eventPrice(&ev))
			if r.paused {
				continue
			}
			if !r.invoke(ctx, func(c context.Context) error { return r.strat.OnTick(c, &ev, r.broker) }) {
				return
			}
		case o := <-r.orderCh:
			if r.paused {
				continue
			}
			if !r.invoke(ctx, func(c context.Context) error { return r.strat.OnOrderUpdate(c, &o, r.broker) }) {
				return
			}
		case p := <-r.posCh:
			if r.paused {
				continue
			}
			if !r.invoke(ctx, func(c context.Context) error { return r.strat.OnPositionUpdate(c, &p, r.broker) }) {
				return
			}
		case <-ticker.C:
			if r.paused {
				continue
			}
			ev, ok := r.timerEvent()
			if !ok {
				continue
			}
			if !r.invoke(ctx, func(c context.Context) error { return r.strat.OnTick(c, &ev, r.broker) }) {
				return
			}
		}
	}
}

// invoke runs one strategy hook under the tick budget and the
// consecutive-error policy. Returns false when the runner must exit.
func (r *runner) invoke(ctx context.Context, fn func(context.Context) error) bool {
	start := r.clock()
	err := fn(ctx)
	elapsed := r.clock().Sub(start)

	if elapsed > r.tickBudget {
		r.overruns++
		r.log.Warn().
			Dur("elapsed", elapsed).
			Dur("budget", r.tickBudget).
			Int("consecutive", r.overruns).
			Msg("bot tick exceeded budget")
		if r.overruns >= maxConsecutiveOverruns {
			r.paused = true
			r.overruns = 0
			r.onStatus(ctx, domain.BotStatusPaused, "sustained tick budget overruns")
		}
	} else {
		r.overruns = 0
	}

	if err != nil {
		kind := errs.KindOf(err)
		if r.errStreak > 0 && kind == r.errKind {
			r.errStreak++
		} else {
			r.errKind = kind
			r.errStreak = 1
		}
		r.log.Error().Err(err).Int("consecutive", r.errStreak).Msg("strategy hook failed")
		if r.errStreak >= maxConsecutiveErrors {
			r.fatal(ctx, err)
			return false
		}
	} else {
		r.errStreak = 0
	}

	r.checkpoint(ctx)
	return true
}

func (r *runner) fatal(ctx context.Context, err error) {
	r.checkpoint(ctx)
	r.onStatus(ctx, domain.BotStatusError, err.Error())
}

func (r *runner) checkpoint(ctx context.Context) {
	state := r.strat.State()
	if len(state) == 0 {
		return
	}
	key := cache.BotStateKey(r.bot.ID.String())
	if err := r.store.Set(ctx, key, []byte(state), 0); err != nil {
		r.log.Warn().Err(err).Msg("bot checkpoint failed")
	}
}

// timerEvent synthesizes a tick from the last observed price so interval
// strategies advance even on a quiet tape.
func (r *runner) timerEvent() (exchange.MarketEvent, bool) {
	last := r.marks.markPrice()
	if !last.IsPositive() {
		return exchange.MarketEvent{}, false
	}
	return exchange.MarketEvent{
		Type:   exchange.EventTicker,
		Venue:  r.bot.Venue,
		Symbol: r.bot.Symbol,
		Ticker: &exchange.Ticker{
			Symbol:    r.bot.Symbol,
			LastPrice: last,
			EventTime: r.clock().UnixMilli(),
		},
	}, true
}

// eventPrice mirrors the price preference strategies use for ticks.
func eventPrice(ev *exchange.MarketEvent) decimal.Decimal {
	switch {
	case ev.Candle != nil:
		return ev.Candle.Close
	case ev.Ticker != nil:
		return ev.Ticker.LastPrice
	case ev.Trade != nil:
		return ev.Trade.Price
	case ev.MarkPrice != nil:
		return ev.MarkPrice.Price
	default:
		return decimal.Decimal{}
	}
}

// restoreCheckpoint loads the last checkpoint into a fresh strategy
// instance. A missing checkpoint is a clean start.
func restoreCheckpoint(ctx context.Context, store Checkpointer, botID domain.ID, strat strategy.Strategy) error {
	raw, err := store.Get(ctx, cache.BotStateKey(botID.String()))
	if err != nil {
		if err == cache.ErrMiss {
			return nil
		}
		return err
	}
	return strat.Restore(json.RawMessage(raw))
}
