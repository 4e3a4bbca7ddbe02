// Package strategy holds the built-in trading strategies and the minimal
// surface they run against. The live bot runtime and the backtest engine
// both drive strategies through this package.
package strategy

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
)

// OrderSpec is a strategy's order intent. The runtime fills in user, bot,
// venue, and symbol context before routing.
type OrderSpec struct {
	Side       domain.Side
	Type       domain.OrderType
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	StopPrice  decimal.Decimal
	ReduceOnly bool
}

// Broker executes strategy intents. Live bots route through the order
// router; backtests route through the simulated broker.
type Broker interface {
	Submit(ctx context.Context, spec OrderSpec) (domain.ID, error)
	Cancel(ctx context.Context, orderID domain.ID) error
}

// Strategy is the surface the runtime drives. State/Restore carry opaque
// checkpoint state across restarts.
type Strategy interface {
	OnTick(ctx context.Context, ev *exchange.MarketEvent, b Broker) error
	OnOrderUpdate(ctx context.Context, order *domain.Order, b Broker) error
	OnPositionUpdate(ctx context.Context, pos *domain.Position, b Broker) error
	State() json.RawMessage
	Restore(state json.RawMessage) error
}

// New builds a strategy from its type and parameter document. Unknown
// parameters are rejected.
func New(typ domain.StrategyType, params json.RawMessage) (Strategy, error) {
	switch typ {
	case domain.StrategyGrid:
		return newGrid(params)
	case domain.StrategyDCA:
		return newDCA(params)
	case domain.StrategyMomentum:
		return newMomentum(params)
	case domain.StrategyMeanReversion:
		return newMeanReversion(params)
	default:
		return nil, errs.E(errs.Validation, "unknown strategy type %q", typ)
	}
}

// ValidateParams checks a parameter document without running anything,
// for create-time validation in the API.
func ValidateParams(typ domain.StrategyType, params json.RawMessage) error {
	_, err := New(typ, params)
	return err
}

// decodeStrict unmarshals params rejecting unknown fields.
func decodeStrict(params json.RawMessage, dest any) error {
	if len(params) == 0 {
		params = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return errs.Wrap(errs.Validation, err, "bad strategy parameters")
	}
	return nil
}

// tickPrice extracts the tradable price from a market event, preferring
// candle closes.
func tickPrice(ev *exchange.MarketEvent) (decimal.Decimal, bool) {
	switch {
	case ev == nil:
		return decimal.Decimal{}, false
	case ev.Candle != nil:
		return ev.Candle.Close, true
	case ev.Ticker != nil:
		return ev.Ticker.LastPrice, true
	case ev.Trade != nil:
		return ev.Trade.Price, true
	case ev.MarkPrice != nil:
		return ev.MarkPrice.Price, true
	default:
		return decimal.Decimal{}, false
	}
}

// eventTime extracts the venue timestamp in epoch milliseconds.
func eventTime(ev *exchange.MarketEvent) int64 {
	switch {
	case ev == nil:
		return 0
	case ev.Candle != nil:
		return ev.Candle.CloseTime.UnixMilli()
	case ev.Ticker != nil:
		return ev.Ticker.EventTime
	case ev.Trade != nil:
		return ev.Trade.TradeTime
	case ev.MarkPrice != nil:
		return ev.MarkPrice.EventTime
	default:
		return 0
	}
}
