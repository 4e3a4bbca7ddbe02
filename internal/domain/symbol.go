package domain

import (
	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/errs"
)

// NormalizeQuantity floors a quantity to the symbol's lot size. Fails when
// the result is zero or negative.
func (s *Symbol) NormalizeQuantity(qty decimal.Decimal) (decimal.Decimal, error) {
	if s.LotSize.IsZero() {
		return decimal.Zero, errs.E(errs.Internal, "symbol %s has zero lot size", s.Name)
	}
	steps := qty.Div(s.LotSize).Floor()
	normalized := steps.Mul(s.LotSize)
	if !normalized.IsPositive() {
		return decimal.Zero, errs.E(errs.Validation, "quantity %s below lot size %s for %s", qty, s.LotSize, s.Name)
	}
	return normalized, nil
}

// NormalizePrice rounds a price to the symbol's tick size, toward the
// passive side: buys round down, sells round up.
func (s *Symbol) NormalizePrice(price decimal.Decimal, side Side) (decimal.Decimal, error) {
	if s.TickSize.IsZero() {
		return decimal.Zero, errs.E(errs.Internal, "symbol %s has zero tick size", s.Name)
	}
	if !price.IsPositive() {
		return decimal.Zero, errs.E(errs.Validation, "price %s must be positive", price)
	}
	ticks := price.Div(s.TickSize)
	if side == SideBuy {
		ticks = ticks.Floor()
	} else {
		ticks = ticks.Ceil()
	}
	return ticks.Mul(s.TickSize), nil
}

// CheckNotional verifies quantity x price meets the venue minimum.
func (s *Symbol) CheckNotional(qty, price decimal.Decimal) error {
	notional := qty.Mul(price)
	if notional.LessThan(s.MinNotional) {
		return errs.E(errs.Validation, "notional %s below minimum %s for %s", notional, s.MinNotional, s.Name)
	}
	return nil
}
