package strategy

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
)

type dcaParams struct {
	Symbol          string          `json:"symbol"`
	IntervalSeconds int64           `json:"intervalSeconds"`
	NotionalPerBuy  decimal.Decimal `json:"notionalPerBuy"`
	MaxPositionSize decimal.Decimal `json:"maxPositionSize"`
	TakeProfitPct   decimal.Decimal `json:"takeProfitPercent"`
}

func (p dcaParams) validate() error {
	if p.IntervalSeconds <= 0 {
		return errs.E(errs.Validation, "dca requires positive intervalSeconds")
	}
	if !p.NotionalPerBuy.IsPositive() {
		return errs.E(errs.Validation, "dca requires positive notionalPerBuy")
	}
	if !p.MaxPositionSize.IsPositive() {
		return errs.E(errs.Validation, "dca requires positive maxPositionSize")
	}
	if p.TakeProfitPct.IsNegative() {
		return errs.E(errs.Validation, "dca takeProfitPercent must not be negative")
	}
	return nil
}

type dcaState struct {
	LastBuyMs int64           `json:"lastBuyMs"`
	Held      decimal.Decimal `json:"held"`
	Exiting   bool            `json:"exiting"`
}

// DCA buys a fixed notional every interval until the position cap is
// reached, then exits the whole position once the take-profit target
// prints.
type DCA struct {
	params dcaParams
	state  dcaState
}

func newDCA(params json.RawMessage) (Strategy, error) {
	var p dcaParams
	if err := decodeStrict(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &DCA{params: p}, nil
}

func (d *DCA) OnTick(ctx context.Context, ev *exchange.MarketEvent, b Broker) error {
	price, ok := tickPrice(ev)
	if !ok || d.state.Exiting {
		return nil
	}
	now := eventTime(ev)
	if d.state.LastBuyMs != 0 && now-d.state.LastBuyMs < d.params.IntervalSeconds*1000 {
		return nil
	}
	if d.state.Held.GreaterThanOrEqual(d.params.MaxPositionSize) {
		return nil
	}

	qty := d.params.NotionalPerBuy.Div(price)
	if d.state.Held.Add(qty).GreaterThan(d.params.MaxPositionSize) {
		qty = d.params.MaxPositionSize.Sub(d.state.Held)
	}
	if !qty.IsPositive() {
		return nil
	}
	if _, err := b.Submit(ctx, OrderSpec{
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: qty,
	}); err != nil {
		return err
	}
	d.state.LastBuyMs = now
	return nil
}

func (d *DCA) OnOrderUpdate(ctx context.Context, order *domain.Order, b Broker) error {
	return nil
}

func (d *DCA) OnPositionUpdate(ctx context.Context, pos *domain.Position, b Broker) error {
	if pos.Status != domain.PositionStatusOpen || pos.Side != domain.PositionSideLong {
		d.state.Held = decimal.Zero
		d.state.Exiting = false
		return nil
	}
	d.state.Held = pos.Quantity
	if d.state.Exiting || !pos.Quantity.IsPositive() || d.params.TakeProfitPct.IsZero() {
		return nil
	}

	target := pos.AvgEntryPrice.Mul(decimal.NewFromInt(1).Add(d.params.TakeProfitPct.Div(decimal.NewFromInt(100))))
	if pos.MarkPrice.LessThan(target) {
		return nil
	}
	if _, err := b.Submit(ctx, OrderSpec{
		Side:       domain.SideSell,
		Type:       domain.OrderTypeMarket,
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	}); err != nil {
		return err
	}
	d.state.Exiting = true
	return nil
}

func (d *DCA) State() json.RawMessage {
	data, _ := json.Marshal(d.state)
	return data
}

func (d *DCA) Restore(state json.RawMessage) error {
	if len(state) == 0 {
		return nil
	}
	if err := json.Unmarshal(state, &d.state); err != nil {
		return errs.Wrap(errs.Internal, err, "restore dca state")
	}
	return nil
}
