package strategy

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
)

// gridParams spans a price band with gridCount evenly spaced levels.
type gridParams struct {
	LowerPrice      decimal.Decimal  `json:"lowerPrice"`
	UpperPrice      decimal.Decimal  `json:"upperPrice"`
	GridCount       int              `json:"gridCount"`
	QuantityPerGrid decimal.Decimal  `json:"quantityPerGrid"`
	TakeProfitPct   *decimal.Decimal `json:"takeProfitPercent,omitempty"`
	StopLossPct     *decimal.Decimal `json:"stopLossPercent,omitempty"`
}

func (p gridParams) validate() error {
	if !p.LowerPrice.IsPositive() || !p.UpperPrice.GreaterThan(p.LowerPrice) {
		return errs.E(errs.Validation, "grid requires 0 < lowerPrice < upperPrice")
	}
	if p.GridCount < 2 {
		return errs.E(errs.Validation, "grid requires gridCount >= 2")
	}
	if !p.QuantityPerGrid.IsPositive() {
		return errs.E(errs.Validation, "grid requires positive quantityPerGrid")
	}
	return nil
}

// gridState is the checkpointed ladder: which level each live order sits
// on, keyed by order id.
type gridState struct {
	Placed map[string]int `json:"placed"` // orderID -> level index
	Seeded bool           `json:"seeded"`
}

// Grid keeps a ladder of limit orders across the band: buys below the
// current price, sells above. A filled buy re-posts a sell one level up;
// a filled sell re-posts a buy one level down.
type Grid struct {
	params gridParams
	levels []decimal.Decimal
	state  gridState
}

func newGrid(params json.RawMessage) (Strategy, error) {
	var p gridParams
	if err := decodeStrict(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	g := &Grid{params: p, state: gridState{Placed: make(map[string]int)}}
	step := p.UpperPrice.Sub(p.LowerPrice).Div(decimal.NewFromInt(int64(p.GridCount - 1)))
	for i := 0; i < p.GridCount; i++ {
		g.levels = append(g.levels, p.LowerPrice.Add(step.Mul(decimal.NewFromInt(int64(i)))))
	}
	return g, nil
}

func (g *Grid) OnTick(ctx context.Context, ev *exchange.MarketEvent, b Broker) error {
	price, ok := tickPrice(ev)
	if !ok {
		return nil
	}
	if g.state.Seeded {
		return nil
	}
	// Seed the ladder around the first observed price.
	for i, level := range g.levels {
		// A level at or above the current mark sells, below it buys.
		side := domain.SideBuy
		if level.GreaterThanOrEqual(price) {
			side = domain.SideSell
		}
		id, err := b.Submit(ctx, OrderSpec{
			Side:     side,
			Type:     domain.OrderTypeLimit,
			Quantity: g.params.QuantityPerGrid,
			Price:    level,
		})
		if err != nil {
			return err
		}
		g.state.Placed[id.String()] = i
	}
	g.state.Seeded = true
	return nil
}

func (g *Grid) OnOrderUpdate(ctx context.Context, order *domain.Order, b Broker) error {
	if order.Status != domain.OrderStatusFilled {
		if order.Status.Terminal() {
			delete(g.state.Placed, order.ID.String())
		}
		return nil
	}
	level, mine := g.state.Placed[order.ID.String()]
	if !mine {
		return nil
	}
	delete(g.state.Placed, order.ID.String())

	// A filled buy posts the sell one grid above; a filled sell posts the
	// buy one grid below.
	var next int
	var side domain.Side
	if order.Side == domain.SideBuy {
		next, side = level+1, domain.SideSell
	} else {
		next, side = level-1, domain.SideBuy
	}
	if next < 0 || next >= len(g.levels) {
		return nil
	}
	id, err := b.Submit(ctx, OrderSpec{
		Side:     side,
		Type:     domain.OrderTypeLimit,
		Quantity: g.params.QuantityPerGrid,
		Price:    g.levels[next],
	})
	if err != nil {
		return err
	}
	g.state.Placed[id.String()] = next
	return nil
}

func (g *Grid) OnPositionUpdate(ctx context.Context, pos *domain.Position, b Broker) error {
	if pos.Status != domain.PositionStatusOpen || !pos.Quantity.IsPositive() {
		return nil
	}
	hundred := decimal.NewFromInt(100)
	if g.params.StopLossPct != nil && pos.Side == domain.PositionSideLong {
		stop := pos.AvgEntryPrice.Mul(decimal.NewFromInt(1).Sub(g.params.StopLossPct.Div(hundred)))
		if pos.MarkPrice.LessThanOrEqual(stop) {
			_, err := b.Submit(ctx, OrderSpec{
				Side:       domain.SideSell,
				Type:       domain.OrderTypeMarket,
				Quantity:   pos.Quantity,
				ReduceOnly: true,
			})
			return err
		}
	}
	if g.params.TakeProfitPct != nil && pos.Side == domain.PositionSideLong {
		target := pos.AvgEntryPrice.Mul(decimal.NewFromInt(1).Add(g.params.TakeProfitPct.Div(hundred)))
		if pos.MarkPrice.GreaterThanOrEqual(target) {
			_, err := b.Submit(ctx, OrderSpec{
				Side:       domain.SideSell,
				Type:       domain.OrderTypeMarket,
				Quantity:   pos.Quantity,
				ReduceOnly: true,
			})
			return err
		}
	}
	return nil
}

func (g *Grid) State() json.RawMessage {
	data, _ := json.Marshal(g.state)
	return data
}

func (g *Grid) Restore(state json.RawMessage) error {
	if len(state) == 0 {
		return nil
	}
	var s gridState
	if err := json.Unmarshal(state, &s); err != nil {
		return errs.Wrap(errs.Internal, err, "restore grid state")
	}
	if s.Placed == nil {
		s.Placed = make(map[string]int)
	}
	g.state = s
	return nil
}
