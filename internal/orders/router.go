// Package orders routes order submissions through normalization, the risk
// gate, persistence, and the venue, and reconciles order state from the
// user data stream.
package orders

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/events"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/logging"
	"futures-trading-platform/internal/portfolio"
	"futures-trading-platform/internal/risk"
)

// orderLockShards partitions per-order mutexes.
const orderLockShards = 64

// ReconcileJobName is the queue handler that re-syncs an order whose
// submission outcome is unknown.
const ReconcileJobName = "order-reconcile"

// Repo is the persistence surface the router uses.
type Repo interface {
	GetSymbol(ctx context.Context, venue, name string) (*domain.Symbol, error)
	CreateOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, userID, id domain.ID) (*domain.Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error)
	MarkOrderSubmitted(ctx context.Context, id domain.ID, venueOrderID int64, status domain.OrderStatus) error
	ApplyOrderExecution(ctx context.Context, o *domain.Order) error
	ListOpenOrders(ctx context.Context, userID domain.ID) ([]*domain.Order, error)
	ListUnsettledOrders(ctx context.Context, olderThan time.Time) ([]*domain.Order, error)
}

// ClientProvider resolves the venue client for a user's connection.
type ClientProvider interface {
	ClientFor(ctx context.Context, userID domain.ID) (exchange.Client, error)
}

// RiskGate is the synchronous pre-trade check.
type RiskGate interface {
	EvaluateNewOrder(ctx context.Context, oc risk.OrderContext) risk.Result
}

// Enqueuer submits background jobs. The router only needs it for
// reconciliation after an unknown submission outcome.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, args any, priority domain.JobPriority) (string, error)
}

// PlaceRequest is a caller-facing order submission.
type PlaceRequest struct {
	UserID       domain.ID
	BotID        *domain.ID
	Venue        string
	Symbol       string
	Side         domain.Side
	PositionSide domain.PositionSide
	Type         domain.OrderType
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	StopPrice    decimal.Decimal
	TimeInForce  domain.TimeInForce
	ReduceOnly   bool
	// MarkPrice projects market-order notional through the risk gate.
	MarkPrice decimal.Decimal
}

// Router is the order pipeline.
type Router struct {
	repo      Repo
	clients   ClientProvider
	risk      RiskGate
	portfolio *portfolio.Store
	bus       *events.Bus
	jobs      Enqueuer
	log       zerolog.Logger

	locks [orderLockShards]sync.Mutex
}

func NewRouter(repo Repo, clients ClientProvider, gate RiskGate, pf *portfolio.Store, bus *events.Bus, jobs Enqueuer) *Router {
	return &Router{
		repo:      repo,
		clients:   clients,
		risk:      gate,
		portfolio: pf,
		bus:       bus,
		jobs:      jobs,
		log:       logging.Component("orders"),
	}
}

func (r *Router) lock(id domain.ID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &r.locks[h.Sum32()%orderLockShards]
}

// newClientOrderID builds the venue idempotency key: a user fingerprint, a
// millisecond timestamp, and randomness, within the venue's 36-char limit.
func newClientOrderID(userID domain.ID, now time.Time) string {
	var rnd [4]byte
	_, _ = rand.Read(rnd[:])
	return fmt.Sprintf("ftp-%s-%s-%s",
		hex.EncodeToString(userID[:4]),
		strconv.FormatInt(now.UnixMilli(), 36),
		hex.EncodeToString(rnd[:]))
}

// PlaceOrder runs the pre-trade sequence and submits to the venue. When
// the submission outcome is unknown it returns the persisted (provisional)
// order id together with an ExchangeUnknown error; the caller must treat
// the order as possibly live until reconciliation settles it.
func (r *Router) PlaceOrder(ctx context.Context, req PlaceRequest) (domain.ID, error) {
	sym, err := r.repo.GetSymbol(ctx, req.Venue, req.Symbol)
	if err != nil {
		return domain.ID{}, err
	}

	qty, err := sym.NormalizeQuantity(req.Quantity)
	if err != nil {
		return domain.ID{}, err
	}
	price := req.Price
	if !price.IsZero() {
		if price, err = sym.NormalizePrice(price, req.Side); err != nil {
			return domain.ID{}, err
		}
	}
	riskPrice := price
	if riskPrice.IsZero() {
		riskPrice = req.MarkPrice
	}
	if riskPrice.IsZero() {
		return domain.ID{}, errs.E(errs.Validation, "market order requires a mark price")
	}
	if err := sym.CheckNotional(qty, riskPrice); err != nil {
		return domain.ID{}, err
	}

	clientOrderID := newClientOrderID(req.UserID, time.Now())

	res := r.risk.EvaluateNewOrder(ctx, risk.OrderContext{
		UserID:   req.UserID,
		BotID:    req.BotID,
		Venue:    req.Venue,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: qty,
		Price:    riskPrice,
	})
	if err := res.Err(); err != nil {
		return domain.ID{}, err
	}

	order := &domain.Order{
		ID:            domain.NewID(),
		UserID:        req.UserID,
		BotID:         req.BotID,
		Venue:         req.Venue,
		Symbol:        req.Symbol,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Type:          req.Type,
		Quantity:      qty,
		Price:         price,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		ReduceOnly:    req.ReduceOnly,
		Status:        domain.OrderStatusPending,
		ClientOrderID: clientOrderID,
	}
	if err := r.repo.CreateOrder(ctx, order); err != nil {
		return domain.ID{}, err
	}

	return order.ID, r.submit(ctx, order)
}

func (r *Router) submit(ctx context.Context, order *domain.Order) error {
	client, err := r.clients.ClientFor(ctx, order.UserID)
	if err != nil {
		return err
	}

	ack, err := client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		PositionSide:  order.PositionSide,
		Type:          order.Type,
		Quantity:      order.Quantity,
		Price:         order.Price,
		StopPrice:     order.StopPrice,
		TimeInForce:   order.TimeInForce,
		ReduceOnly:    order.ReduceOnly,
		ClientOrderID: order.ClientOrderID,
	})

	switch {
	case err == nil:
		status := domain.OrderStatusNew
		if mapped, ok := ackStatus(ack.Status); ok {
			status = mapped
		}
		if uerr := r.repo.MarkOrderSubmitted(ctx, order.ID, ack.VenueOrderID, status); uerr != nil {
			r.log.Error().Err(uerr).Str("order_id", order.ID.String()).Msg("mark submitted failed")
		}
		order.VenueOrderID = ack.VenueOrderID
		order.Status = status
		r.publish(events.EventOrderPlaced, order)
		return nil

	case errs.IsKind(err, errs.Duplicate):
		// The venue already knows this clientOrderId: a previous attempt
		// landed. Adopt the venue's original result.
		r.log.Info().Str("client_order_id", order.ClientOrderID).Msg("duplicate client order id, reconciling")
		if _, rerr := r.ReconcileOrder(ctx, order.UserID, order.ID); rerr != nil {
			return rerr
		}
		r.publish(events.EventOrderPlaced, order)
		return nil

	case errs.IsKind(err, errs.ExchangeUnknown):
		// The order may or may not be live. Leave it pending and let the
		// reconciliation job settle it.
		r.enqueueReconcile(ctx, order)
		return err

	default:
		order.Status = domain.OrderStatusRejected
		if uerr := r.repo.ApplyOrderExecution(ctx, order); uerr != nil {
			r.log.Error().Err(uerr).Str("order_id", order.ID.String()).Msg("persist rejection failed")
		}
		return err
	}
}

func ackStatus(venueStatus string) (domain.OrderStatus, bool) {
	ev, ok := domain.OrderEventFromVenueStatus(venueStatus)
	if !ok {
		return "", false
	}
	return domain.NextOrderStatus(domain.OrderStatusPending, ev)
}

// reconcileArgs is the payload of a reconciliation job.
type reconcileArgs struct {
	UserID  domain.ID `json:"user_id"`
	OrderID domain.ID `json:"order_id"`
}

func (r *Router) enqueueReconcile(ctx context.Context, order *domain.Order) {
	if r.jobs == nil {
		return
	}
	args := reconcileArgs{UserID: order.UserID, OrderID: order.ID}
	if _, err := r.jobs.Enqueue(ctx, ReconcileJobName, args, domain.PriorityCritical); err != nil {
		r.log.Error().Err(err).Str("order_id", order.ID.String()).Msg("enqueue reconciliation failed")
	}
}

// CancelOrder requests cancellation at the venue. Terminal orders fail
// with NotCancellable; the authoritative CANCELLED status arrives via the
// user stream.
func (r *Router) CancelOrder(ctx context.Context, userID, orderID domain.ID) error {
	order, err := r.repo.GetOrder(ctx, userID, orderID)
	if err != nil {
		return err
	}

	mu := r.lock(order.ID)
	mu.Lock()
	terminal := order.Status.Terminal()
	mu.Unlock()
	if terminal {
		return errs.E(errs.NotCancellable, "order %s is %s", orderID.String(), order.Status)
	}

	client, err := r.clients.ClientFor(ctx, userID)
	if err != nil {
		return err
	}
	err = client.CancelOrder(ctx, order.Symbol, order.VenueOrderID, order.ClientOrderID)
	if errs.IsKind(err, errs.NotFound) {
		// Unknown to the venue: it likely filled or expired while the
		// cancel was in flight. Re-sync instead of failing the caller.
		_, rerr := r.ReconcileOrder(ctx, userID, orderID)
		return rerr
	}
	return err
}

// ApplyUpdate ingests one user-stream order event. Stale and duplicate
// events are dropped; fills propagate to the portfolio.
func (r *Router) ApplyUpdate(ctx context.Context, upd exchange.OrderUpdate) {
	order, err := r.repo.GetOrderByClientID(ctx, upd.ClientOrderID)
	if err != nil {
		if errs.IsKind(err, errs.NotFound) {
			r.log.Warn().Str("client_order_id", upd.ClientOrderID).Msg("order update for unknown order")
		} else {
			r.log.Error().Err(err).Str("client_order_id", upd.ClientOrderID).Msg("order lookup failed")
		}
		return
	}

	mu := r.lock(order.ID)
	mu.Lock()
	defer mu.Unlock()

	// Per-venue-time ordering with trade-id tie-break; equal trade ids are
	// duplicate deliveries.
	if upd.EventTime < order.VenueUpdatedAt {
		r.log.Warn().Str("order_id", order.ID.String()).
			Int64("event_time", upd.EventTime).Int64("last", order.VenueUpdatedAt).
			Msg("stale order event dropped")
		return
	}
	if upd.EventTime == order.VenueUpdatedAt && upd.VenueTradeID != 0 && upd.VenueTradeID <= order.LastTradeID {
		return
	}

	ev, ok := domain.OrderEventFromVenueStatus(upd.Status)
	if !ok {
		r.log.Warn().Str("status", upd.Status).Msg("unmapped venue order status")
		return
	}
	next, ok := domain.NextOrderStatus(order.Status, ev)
	if !ok {
		r.log.Warn().Str("order_id", order.ID.String()).
			Str("from", string(order.Status)).Str("event", string(ev)).
			Msg("illegal order transition dropped")
		return
	}

	order.Status = next
	order.FilledQty = upd.CumFilledQty
	if !upd.AvgPrice.IsZero() {
		order.AvgFillPrice = upd.AvgPrice
	}
	if upd.VenueOrderID != 0 {
		order.VenueOrderID = upd.VenueOrderID
	}
	order.VenueUpdatedAt = upd.EventTime
	if upd.VenueTradeID != 0 {
		order.LastTradeID = upd.VenueTradeID
	}
	if err := r.repo.ApplyOrderExecution(ctx, order); err != nil {
		r.log.Error().Err(err).Str("order_id", order.ID.String()).Msg("persist order update failed")
		return
	}

	r.publish(events.EventOrderUpdated, order)
	switch order.Status {
	case domain.OrderStatusFilled:
		r.publish(events.EventOrderFilled, order)
	case domain.OrderStatusCancelled:
		r.publish(events.EventOrderCancelled, order)
	}

	if upd.LastFilledQty.IsPositive() && r.portfolio != nil {
		fill := domain.Fill{
			UserID:       order.UserID,
			OrderID:      order.ID,
			Venue:        order.Venue,
			Symbol:       order.Symbol,
			Side:         order.Side,
			PositionSide: upd.PositionSide,
			Price:        upd.LastFilledPrice,
			Quantity:     upd.LastFilledQty,
			Fee:          upd.Fee,
			FeeAsset:     upd.FeeAsset,
			ReduceOnly:   upd.ReduceOnly,
			VenueTradeID: upd.VenueTradeID,
			VenueTime:    upd.EventTime,
		}
		if _, err := r.portfolio.ApplyFill(ctx, fill); err != nil {
			r.log.Error().Err(err).Str("order_id", order.ID.String()).Msg("apply fill failed")
		}
	}
}

func (r *Router) publish(t events.EventType, order *domain.Order) {
	if r.bus != nil {
		r.bus.PublishUser(t, order.UserID, *order)
	}
}
