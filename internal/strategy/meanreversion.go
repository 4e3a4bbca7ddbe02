package strategy

import (
	"context"
	"encoding/json"
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
)

type meanReversionParams struct {
	Period      int             `json:"period"`
	ZScoreEntry float64         `json:"zScoreEntry"`
	ZScoreExit  float64         `json:"zScoreExit"`
	Notional    decimal.Decimal `json:"notional"`
}

func (p meanReversionParams) validate() error {
	if p.Period < 2 {
		return errs.E(errs.Validation, "mean-reversion requires period >= 2")
	}
	if p.ZScoreEntry <= 0 || p.ZScoreExit < 0 || p.ZScoreExit >= p.ZScoreEntry {
		return errs.E(errs.Validation, "mean-reversion requires 0 <= zScoreExit < zScoreEntry")
	}
	if !p.Notional.IsPositive() {
		return errs.E(errs.Validation, "mean-reversion requires positive notional")
	}
	return nil
}

type meanReversionState struct {
	Closes  []float64       `json:"closes"`
	Held    decimal.Decimal `json:"held"`
	InLong  bool            `json:"inLong"`
	Exiting bool            `json:"exiting"`
}

// MeanReversion buys when price stretches zScoreEntry standard
// deviations below its rolling mean and exits once it reverts to within
// zScoreExit.
type MeanReversion struct {
	params meanReversionParams
	state  meanReversionState
}

func newMeanReversion(params json.RawMessage) (Strategy, error) {
	var p meanReversionParams
	if err := decodeStrict(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &MeanReversion{params: p}, nil
}

func (m *MeanReversion) zScore() (float64, bool) {
	if len(m.state.Closes) < m.params.Period {
		return 0, false
	}
	window := m.state.Closes[len(m.state.Closes)-m.params.Period:]
	mean, std := stat.MeanStdDev(window, nil)
	if std == 0 || math.IsNaN(std) {
		return 0, false
	}
	return (window[len(window)-1] - mean) / std, true
}

func (m *MeanReversion) OnTick(ctx context.Context, ev *exchange.MarketEvent, b Broker) error {
	if ev.Candle == nil || !ev.Candle.Final {
		return nil
	}
	close, _ := ev.Candle.Close.Float64()
	m.state.Closes = append(m.state.Closes, close)
	if max := m.params.Period * 2; len(m.state.Closes) > max {
		m.state.Closes = m.state.Closes[len(m.state.Closes)-max:]
	}
	z, ok := m.zScore()
	if !ok {
		return nil
	}

	switch {
	case !m.state.InLong && z <= -m.params.ZScoreEntry:
		qty := m.params.Notional.Div(ev.Candle.Close)
		if _, err := b.Submit(ctx, OrderSpec{
			Side:     domain.SideBuy,
			Type:     domain.OrderTypeMarket,
			Quantity: qty,
		}); err != nil {
			return err
		}
		m.state.InLong = true
		m.state.Exiting = false
	case m.state.InLong && !m.state.Exiting && z >= -m.params.ZScoreExit && m.state.Held.IsPositive():
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
	}
	return nil
}

func (m *MeanReversion) OnOrderUpdate(ctx context.Context, order *domain.Order, b Broker) error {
	return nil
}

func (m *MeanReversion) OnPositionUpdate(ctx context.Context, pos *domain.Position, b Broker) error {
	if pos.Status != domain.PositionStatusOpen || pos.Side != domain.PositionSideLong {
		m.state.Held = decimal.Zero
		m.state.Exiting = false
		return nil
	}
	m.state.Held = pos.Quantity
	return nil
}

func (m *MeanReversion) State() json.RawMessage {
	data, _ := json.Marshal(m.state)
	return data
}

func (m *MeanReversion) Restore(state json.RawMessage) error {
	if len(state) == 0 {
		return nil
	}
	if err := json.Unmarshal(state, &m.state); err != nil {
		return errs.Wrap(errs.Internal, err, "restore mean-reversion state")
	}
	return nil
}
