package domain

import "github.com/shopspring/decimal"

// UnrealizedPnl computes mark-to-market P&L for an open leg. Pure function
// of entry, mark, quantity, and side.
func UnrealizedPnl(avgEntry, mark, quantity decimal.Decimal, side PositionSide) decimal.Decimal {
	if quantity.IsZero() {
		return decimal.Zero
	}
	diff := mark.Sub(avgEntry)
	if side == PositionSideShort {
		diff = diff.Neg()
	}
	return diff.Mul(quantity)
}

// Notional returns the current mark notional of the position.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.MarkPrice)
}

// RecomputeUnrealized refreshes the cached unrealized P&L from the mark.
func (p *Position) RecomputeUnrealized() {
	p.UnrealizedPnl = UnrealizedPnl(p.AvgEntryPrice, p.MarkPrice, p.Quantity, p.Side)
}

// PositionKey identifies the mutex and storage partition for a position.
type PositionKey struct {
	UserID ID
	Venue  string
	Symbol string
	Side   PositionSide
}

// Key returns the position's partition key.
func (p *Position) Key() PositionKey {
	return PositionKey{UserID: p.UserID, Venue: p.Venue, Symbol: p.Symbol, Side: p.Side}
}
