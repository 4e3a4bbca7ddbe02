package backtest

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/strategy"
)

// CommissionConfig selects and parameterizes the commission model.
type CommissionConfig struct {
	Model string           `json:"model"` // none | fixed | percentage | tiered
	Fixed decimal.Decimal  `json:"fixed,omitempty"`
	Rate  decimal.Decimal  `json:"rate,omitempty"`
	Tiers []CommissionTier `json:"tiers,omitempty"`
}

// CommissionTier applies Rate to fills whose notional is at least
// MinNotional. Tiers are evaluated highest threshold first.
type CommissionTier struct {
	MinNotional decimal.Decimal `json:"min_notional"`
	Rate        decimal.Decimal `json:"rate"`
}

// SlippageConfig selects and parameterizes the slippage model. Value is
// a price offset for fixed, a fraction for percentage and random, and an
// impact coefficient for volume-based. Seed drives the random model.
type SlippageConfig struct {
	Model string          `json:"model"` // none | fixed | percentage | volume-based | random
	Value decimal.Decimal `json:"value,omitempty"`
	Seed  int64           `json:"seed,omitempty"`
}

type commissionModel func(notional decimal.Decimal) decimal.Decimal

func newCommissionModel(cfg CommissionConfig) (commissionModel, error) {
	switch cfg.Model {
	case "", "none":
		return func(decimal.Decimal) decimal.Decimal { return decimal.Zero }, nil
	case "fixed":
		fee := cfg.Fixed
		return func(decimal.Decimal) decimal.Decimal { return fee }, nil
	case "percentage":
		rate := cfg.Rate
		return func(n decimal.Decimal) decimal.Decimal { return n.Mul(rate) }, nil
	case "tiered":
		tiers := append([]CommissionTier(nil), cfg.Tiers...)
		if len(tiers) == 0 {
			return nil, errs.E(errs.Validation, "tiered commission requires tiers")
		}
		return func(n decimal.Decimal) decimal.Decimal {
			best := decimal.Zero
			bestMin := decimal.NewFromInt(-1)
			for _, t := range tiers {
				if n.GreaterThanOrEqual(t.MinNotional) && t.MinNotional.GreaterThan(bestMin) {
					best = t.Rate
					bestMin = t.MinNotional
				}
			}
			return n.Mul(best)
		}, nil
	default:
		return nil, errs.E(errs.Validation, "unknown commission model %q", cfg.Model)
	}
}

// slippageModel worsens the fill price in the taker's direction. candle
// is the bar the fill happens inside, for volume-based impact.
type slippageModel func(price decimal.Decimal, side domain.Side, qty decimal.Decimal, candle *exchange.Candle) decimal.Decimal

func newSlippageModel(cfg SlippageConfig) (slippageModel, error) {
	against := func(price, offset decimal.Decimal, side domain.Side) decimal.Decimal {
		if side == domain.SideBuy {
			return price.Add(offset)
		}
		return price.Sub(offset)
	}
	switch cfg.Model {
	case "", "none":
		return func(p decimal.Decimal, _ domain.Side, _ decimal.Decimal, _ *exchange.Candle) decimal.Decimal {
			return p
		}, nil
	case "fixed":
		off := cfg.Value
		return func(p decimal.Decimal, side domain.Side, _ decimal.Decimal, _ *exchange.Candle) decimal.Decimal {
			return against(p, off, side)
		}, nil
	case "percentage":
		frac := cfg.Value
		return func(p decimal.Decimal, side domain.Side, _ decimal.Decimal, _ *exchange.Candle) decimal.Decimal {
			return against(p, p.Mul(frac), side)
		}, nil
	case "volume-based":
		coeff := cfg.Value
		return func(p decimal.Decimal, side domain.Side, qty decimal.Decimal, c *exchange.Candle) decimal.Decimal {
			if c == nil || !c.Volume.IsPositive() {
				return p
			}
			impact := p.Mul(coeff).Mul(qty.Div(c.Volume))
			return against(p, impact, side)
		}, nil
	case "random":
		frac := cfg.Value
		rng := rand.New(rand.NewSource(cfg.Seed))
		return func(p decimal.Decimal, side domain.Side, _ decimal.Decimal, _ *exchange.Candle) decimal.Decimal {
			bound := p.Mul(frac)
			off := bound.Mul(decimal.NewFromFloat(rng.Float64()))
			return against(p, off, side)
		}, nil
	default:
		return nil, errs.E(errs.Validation, "unknown slippage model %q", cfg.Model)
	}
}

// simOrder is one resting or queued order inside the simulation.
type simOrder struct {
	id   domain.ID
	spec strategy.OrderSpec
}

// simFill is one execution the engine relays back to the strategy.
type simFill struct {
	Order    *simOrder
	Price    decimal.Decimal
	Fee      decimal.Decimal
	Realized decimal.Decimal
	At       time.Time
}

// TradeRecord is one fill in the persisted trade list.
type TradeRecord struct {
	Time     time.Time       `json:"time"`
	Side     domain.Side     `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	Pnl      decimal.Decimal `json:"pnl"`
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Equity decimal.Decimal `json:"equity"`
}

// simBroker implements the strategy broker surface against an in-memory
// account. Fills follow candle-range rules: a limit fills fully when the
// bar crosses it, a stop triggers on touch, a market order fills at the
// next bar's open.
type simBroker struct {
	cash       decimal.Decimal
	posQty     decimal.Decimal // signed, >0 long
	posEntry   decimal.Decimal // average entry of the open position
	pending    []*simOrder     // resting limit/stop orders
	marketNext []*simOrder     // market orders awaiting the next open
	commission commissionModel
	slippage   slippageModel
	trades     []TradeRecord
	seq        uint32
}

func newSimBroker(initialCapital decimal.Decimal, com commissionModel, slip slippageModel) *simBroker {
	return &simBroker{cash: initialCapital, commission: com, slippage: slip}
}

// nextID mints deterministic ids so identical runs produce identical
// order streams.
func (b *simBroker) nextID() domain.ID {
	b.seq++
	var id domain.ID
	id[12] = byte(b.seq >> 24)
	id[13] = byte(b.seq >> 16)
	id[14] = byte(b.seq >> 8)
	id[15] = byte(b.seq)
	return id
}

func (b *simBroker) Submit(_ context.Context, spec strategy.OrderSpec) (domain.ID, error) {
	if !spec.Quantity.IsPositive() {
		return domain.ID{}, errs.E(errs.Validation, "order quantity must be positive")
	}
	o := &simOrder{id: b.nextID(), spec: spec}
	switch spec.Type {
	case domain.OrderTypeMarket:
		b.marketNext = append(b.marketNext, o)
	case domain.OrderTypeLimit:
		if !spec.Price.IsPositive() {
			return domain.ID{}, errs.E(errs.Validation, "limit order requires a price")
		}
		b.pending = append(b.pending, o)
	case domain.OrderTypeStop, domain.OrderTypeStopMarket:
		if !spec.StopPrice.IsPositive() {
			return domain.ID{}, errs.E(errs.Validation, "stop order requires a stop price")
		}
		b.pending = append(b.pending, o)
	default:
		return domain.ID{}, errs.E(errs.Validation, "unsupported order type %q in simulation", spec.Type)
	}
	return o.id, nil
}

func (b *simBroker) Cancel(_ context.Context, orderID domain.ID) error {
	for i, o := range b.pending {
		if o.id == orderID {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return nil
		}
	}
	for i, o := range b.marketNext {
		if o.id == orderID {
			b.marketNext = append(b.marketNext[:i], b.marketNext[i+1:]...)
			return nil
		}
	}
	return errs.E(errs.NotFound, "order not found")
}

// openAuction fills market orders queued during the previous bar at this
// bar's open.
func (b *simBroker) openAuction(c *exchange.Candle) []simFill {
	queued := b.marketNext
	b.marketNext = nil
	fills := make([]simFill, 0, len(queued))
	for _, o := range queued {
		fills = append(fills, b.execute(o, c.Open, c))
	}
	return fills
}

// match fills resting orders against the bar's range.
func (b *simBroker) match(c *exchange.Candle) []simFill {
	var fills []simFill
	remaining := b.pending[:0]
	for _, o := range b.pending {
		price, ok := crossPrice(o.spec, c)
		if !ok {
			remaining = append(remaining, o)
			continue
		}
		fills = append(fills, b.execute(o, price, c))
	}
	b.pending = remaining
	return fills
}

// crossPrice decides whether the bar fills the order and at what price.
func crossPrice(spec strategy.OrderSpec, c *exchange.Candle) (decimal.Decimal, bool) {
	switch spec.Type {
	case domain.OrderTypeLimit:
		if spec.Side == domain.SideBuy && c.Low.LessThanOrEqual(spec.Price) {
			return spec.Price, true
		}
		if spec.Side == domain.SideSell && c.High.GreaterThanOrEqual(spec.Price) {
			return spec.Price, true
		}
	case domain.OrderTypeStop, domain.OrderTypeStopMarket:
		if spec.Side == domain.SideBuy && c.High.GreaterThanOrEqual(spec.StopPrice) {
			return spec.StopPrice, true
		}
		if spec.Side == domain.SideSell && c.Low.LessThanOrEqual(spec.StopPrice) {
			return spec.StopPrice, true
		}
	}
	return decimal.Decimal{}, false
}

// execute applies one fill to the account: slippage, commission, average
// cost basis, realized P&L on reductions.
func (b *simBroker) execute(o *simOrder, rawPrice decimal.Decimal, c *exchange.Candle) simFill {
	qty := o.spec.Quantity
	price := b.slippage(rawPrice, o.spec.Side, qty, c)
	fee := b.commission(price.Mul(qty))

	signed := qty
	if o.spec.Side == domain.SideSell {
		signed = qty.Neg()
	}
	if o.spec.ReduceOnly {
		// Clamp to the open position.
		if b.posQty.IsPositive() && o.spec.Side == domain.SideSell && qty.GreaterThan(b.posQty) {
			signed = b.posQty.Neg()
		}
		if b.posQty.IsNegative() && o.spec.Side == domain.SideBuy && qty.GreaterThan(b.posQty.Neg()) {
			signed = b.posQty.Neg()
		}
		if b.posQty.IsZero() {
			signed = decimal.Zero
		}
		if signed.IsZero() {
			// Nothing to reduce; the order evaporates.
			return simFill{Order: o, Price: price, At: c.CloseTime}
		}
	}

	realized := decimal.Zero
	newQty := b.posQty.Add(signed)
	switch {
	case b.posQty.IsZero() || b.posQty.Sign() == signed.Sign():
		// Opening or adding: new weighted-average entry.
		if !newQty.IsZero() {
			prevNotional := b.posEntry.Mul(b.posQty.Abs())
			addNotional := price.Mul(signed.Abs())
			b.posEntry = prevNotional.Add(addNotional).Div(newQty.Abs())
		}
	case newQty.IsZero() || newQty.Sign() == b.posQty.Sign():
		// Reducing (possibly to flat).
		take := signed.Abs()
		dir := decimal.NewFromInt(1)
		if b.posQty.IsNegative() {
			dir = decimal.NewFromInt(-1)
		}
		realized = price.Sub(b.posEntry).Mul(take).Mul(dir)
	default:
		// Crossing through zero: close the old side, open the new.
		closeQty := b.posQty.Abs()
		dir := decimal.NewFromInt(1)
		if b.posQty.IsNegative() {
			dir = decimal.NewFromInt(-1)
		}
		realized = price.Sub(b.posEntry).Mul(closeQty).Mul(dir)
		b.posEntry = price
	}
	b.posQty = newQty
	b.cash = b.cash.Add(realized).Sub(fee)

	executedQty := signed.Abs()
	b.trades = append(b.trades, TradeRecord{
		Time:     c.CloseTime,
		Side:     o.spec.Side,
		Quantity: executedQty,
		Price:    price,
		Fee:      fee,
		Pnl:      realized.Sub(fee),
	})
	return simFill{Order: o, Price: price, Fee: fee, Realized: realized.Sub(fee), At: c.CloseTime}
}

// equity marks the open position against the given price.
func (b *simBroker) equity(mark decimal.Decimal) decimal.Decimal {
	if b.posQty.IsZero() {
		return b.cash
	}
	unrealized := mark.Sub(b.posEntry).Mul(b.posQty)
	return b.cash.Add(unrealized)
}

func (b *simBroker) exposed() bool { return !b.posQty.IsZero() }
