package bots

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/orders"
	"futures-trading-platform/internal/strategy"
)

// OrderRouter is the slice of the order pipeline bots need.
type OrderRouter interface {
	PlaceOrder(ctx context.Context, req orders.PlaceRequest) (domain.ID, error)
	CancelOrder(ctx context.Context, userID, orderID domain.ID) error
	CancelAllOrders(ctx context.Context, userID domain.ID) (int, error)
}

// markSource hands the broker the latest observed price so market-order
// notionals can be projected through the risk gate.
type markSource interface {
	markPrice() decimal.Decimal
}

// routerBroker binds a bot's identity onto bare strategy intents before
// handing them to the order router.
type routerBroker struct {
	router OrderRouter
	userID domain.ID
	botID  domain.ID
	venue  string
	symbol string
	marks  markSource
}

func (b *routerBroker) Submit(ctx context.Context, spec strategy.OrderSpec) (domain.ID, error) {
	req := orders.PlaceRequest{
		UserID:       b.userID,
		BotID:        &b.botID,
		Venue:        b.venue,
		Symbol:       b.symbol,
		Side:         spec.Side,
		PositionSide: domain.PositionSideBoth,
		Type:         spec.Type,
		Quantity:     spec.Quantity,
		Price:        spec.Price,
		StopPrice:    spec.StopPrice,
		ReduceOnly:   spec.ReduceOnly,
	}
	if spec.Type == domain.OrderTypeLimit {
		req.TimeInForce = domain.TimeInForceGTC
	}
	if b.marks != nil {
		req.MarkPrice = b.marks.markPrice()
	}
	return b.router.PlaceOrder(ctx, req)
}

func (b *routerBroker) Cancel(ctx context.Context, orderID domain.ID) error {
	return b.router.CancelOrder(ctx, b.userID, orderID)
}

// markTracker is the runner-side markSource fed from market events.
type markTracker struct {
	mu   sync.Mutex
	last decimal.Decimal
}

func (m *markTracker) markPrice() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *markTracker) set(p decimal.Decimal) {
	if !p.IsPositive() {
		return
	}
	m.mu.Lock()
	m.last = p
	m.mu.Unlock()
}
