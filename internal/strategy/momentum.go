package strategy

import (
	"context"
	"encoding/json"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
)

type momentumParams struct {
	FastPeriod    int             `json:"fastPeriod"`
	SlowPeriod    int             `json:"slowPeriod"`
	Notional      decimal.Decimal `json:"notional"`
	StopLossPct   decimal.Decimal `json:"stopLossPercent"`
	TakeProfitPct decimal.Decimal `json:"takeProfitPercent"`
}

func (p momentumParams) validate() error {
	if p.FastPeriod < 1 || p.SlowPeriod <= p.FastPeriod {
		return errs.E(errs.Validation, "momentum requires 1 <= fastPeriod < slowPeriod")
	}
	if !p.Notional.IsPositive() {
		return errs.E(errs.Validation, "momentum requires positive notional")
	}
	return nil
}

type momentumState struct {
	Closes  []float64       `json:"closes"`
	Held    decimal.Decimal `json:"held"`
	Entry   decimal.Decimal `json:"entry"`
	InLong  bool            `json:"inLong"`
	Exiting bool            `json:"exiting"`
}

// Momentum goes long when the fast SMA crosses above the slow SMA and
// flattens on the opposite cross, a stop-loss, or a take-profit.
type Momentum struct {
	params momentumParams
	state  momentumState
}

func newMomentum(params json.RawMessage) (Strategy, error) {
	var p momentumParams
	if err := decodeStrict(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &Momentum{params: p}, nil
}

func (m *Momentum) OnTick(ctx context.Context, ev *exchange.MarketEvent, b Broker) error {
	if ev.Candle == nil || !ev.Candle.Final {
		return nil
	}
	close, _ := ev.Candle.Close.Float64()
	m.state.Closes = append(m.state.Closes, close)
	// Keep a bounded window; talib only needs slowPeriod+1 samples for
	// the crossover check.
	if max := m.params.SlowPeriod * 2; len(m.state.Closes) > max {
		m.state.Closes = m.state.Closes[len(m.state.Closes)-max:]
	}
	if len(m.state.Closes) < m.params.SlowPeriod+1 {
		return nil
	}

	fast := talib.Sma(m.state.Closes, m.params.FastPeriod)
	slow := talib.Sma(m.state.Closes, m.params.SlowPeriod)
	n := len(m.state.Closes)
	crossUp := fast[n-1] > slow[n-1] && fast[n-2] <= slow[n-2]
	crossDown := fast[n-1] < slow[n-1] && fast[n-2] >= slow[n-2]

	switch {
	case crossUp && !m.state.InLong:
		qty := m.params.Notional.Div(ev.Candle.Close)
		if _, err := b.Submit(ctx, OrderSpec{
			Side:     domain.SideBuy,
			Type:     domain.OrderTypeMarket,
			Quantity: qty,
		}); err != nil {
			return err
		}
		m.state.InLong = true
		m.state.Entry = ev.Candle.Close
		m.state.Exiting = false
	case crossDown && m.state.InLong:
		return m.flatten(ctx, b)
	}
	return nil
}

func (m *Momentum) flatten(ctx context.Context, b Broker) error {
	if m.state.Exiting || !m.state.Held.IsPositive() {
		m.state.InLong = false
		return nil
	}
	if _, err := b.Submit(ctx, OrderSpec{
		Side:       domain.SideSell,
		Type:       domain.OrderTypeMarket,
		Quantity:   m.state.Held,
		ReduceOnly: true,
	}); err != nil {
		return err
	}
	m.state.Exiting = true
	m.state.InLong = false
	return nil
}

func (m *Momentum) OnOrderUpdate(ctx context.Context, order *domain.Order, b Broker) error {
	return nil
}

func (m *Momentum) OnPositionUpdate(ctx context.Context, pos *domain.Position, b Broker) error {
	if pos.Status != domain.PositionStatusOpen || pos.Side != domain.PositionSideLong {
		m.state.Held = decimal.Zero
		m.state.Exiting = false
		return nil
	}
	m.state.Held = pos.Quantity
	if !m.state.InLong || m.state.Exiting || !pos.Quantity.IsPositive() {
		return nil
	}

	hundred := decimal.NewFromInt(100)
	if m.params.StopLossPct.IsPositive() {
		stop := pos.AvgEntryPrice.Mul(decimal.NewFromInt(1).Sub(m.params.StopLossPct.Div(hundred)))
		if pos.MarkPrice.LessThanOrEqual(stop) {
			return m.flatten(ctx, b)
		}
	}
	if m.params.TakeProfitPct.IsPositive() {
		target := pos.AvgEntryPrice.Mul(decimal.NewFromInt(1).Add(m.params.TakeProfitPct.Div(hundred)))
		if pos.MarkPrice.GreaterThanOrEqual(target) {
			return m.flatten(ctx, b)
		}
	}
	return nil
}

func (m *Momentum) State() json.RawMessage {
	data, _ := json.Marshal(m.state)
	return data
}

func (m *Momentum) Restore(state json.RawMessage) error {
	if len(state) == 0 {
		return nil
	}
	if err := json.Unmarshal(state, &m.state); err != nil {
		return errs.Wrap(errs.Internal, err, "restore momentum state")
	}
	return nil
}
