package orders

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/events"
	"futures-trading-platform/internal/exchange"
)

// ReconcileOrder re-syncs one order from the venue. It is idempotent: a
// second call observes the already-applied state and changes nothing.
func (r *Router) ReconcileOrder(ctx context.Context, userID, orderID domain.ID) (*domain.Order, error) {
	order, err := r.repo.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}

	client, err := r.clients.ClientFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	state, err := client.GetOrder(ctx, order.Symbol, order.VenueOrderID, order.ClientOrderID)
	if errs.IsKind(err, errs.NotFound) {
		// The venue never saw it: the lost submission did not land.
		mu := r.lock(order.ID)
		mu.Lock()
		defer mu.Unlock()
		if order.Status == domain.OrderStatusPending {
			order.Status = domain.OrderStatusRejected
			if uerr := r.repo.ApplyOrderExecution(ctx, order); uerr != nil {
				return nil, uerr
			}
			r.publish(events.EventOrderUpdated, order)
		}
		return order, nil
	}
	if err != nil {
		return nil, err
	}

	r.ApplyUpdate(ctx, exchange.OrderUpdate{
		Symbol:        state.Symbol,
		ClientOrderID: order.ClientOrderID,
		VenueOrderID:  state.VenueOrderID,
		Side:          order.Side,
		Type:          order.Type,
		Status:        state.Status,
		Price:         state.Price,
		OrigQty:       state.OrigQty,
		CumFilledQty:  state.ExecutedQty,
		AvgPrice:      state.AvgPrice,
		PositionSide:  order.PositionSide,
		ReduceOnly:    order.ReduceOnly,
		EventTime:     state.UpdateTime,
	})
	return r.repo.GetOrder(ctx, userID, orderID)
}

// HandleReconcileJob is the queue handler behind ReconcileJobName.
func (r *Router) HandleReconcileJob(ctx context.Context, raw json.RawMessage) error {
	var args reconcileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errs.Wrap(errs.Validation, err, "bad reconcile args")
	}
	_, err := r.ReconcileOrder(ctx, args.UserID, args.OrderID)
	return err
}

// SweepUnsettled reconciles every non-terminal order older than the grace
// window. The periodic job behind it catches stream gaps.
func (r *Router) SweepUnsettled(ctx context.Context, grace time.Duration) (int, error) {
	rows, err := r.repo.ListUnsettledOrders(ctx, time.Now().Add(-grace))
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, o := range rows {
		if _, err := r.ReconcileOrder(ctx, o.UserID, o.ID); err != nil {
			r.log.Warn().Err(err).Str("order_id", o.ID.String()).Msg("unsettled order reconcile failed")
			continue
		}
		settled++
	}
	return settled, nil
}

// CancelAllOrders best-effort cancels every open order for the user, in
// parallel. It returns the number of cancels that succeeded.
func (r *Router) CancelAllOrders(ctx context.Context, userID domain.ID) (int, error) {
	open, err := r.repo.ListOpenOrders(ctx, userID)
	if err != nil {
		return 0, err
	}

	var cancelled atomic.Int64
	var wg sync.WaitGroup
	for _, o := range open {
		o := o
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cerr := r.CancelOrder(ctx, userID, o.ID); cerr != nil && !errs.IsKind(cerr, errs.NotCancellable) {
				r.log.Warn().Err(cerr).Str("order_id", o.ID.String()).Msg("cancel-all: order cancel failed")
				return
			}
			cancelled.Add(1)
		}()
	}
	wg.Wait()
	return int(cancelled.Load()), nil
}

// CloseAllPositions issues reduce-only market orders against every open
// leg. Emergency-path submissions go straight to the venue, bypassing the
// risk gate.
func (r *Router) CloseAllPositions(ctx context.Context, userID domain.ID) (int, error) {
	client, err := r.clients.ClientFor(ctx, userID)
	if err != nil {
		return 0, err
	}

	snap := r.portfolio.Snapshot(userID)
	closed := 0
	for _, p := range snap.Positions {
		side := domain.SideSell
		if p.Side == domain.PositionSideShort {
			side = domain.SideBuy
		}
		_, cerr := client.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:        p.Symbol,
			Side:          side,
			PositionSide:  p.Side,
			Type:          domain.OrderTypeMarket,
			Quantity:      p.Quantity,
			ReduceOnly:    true,
			ClientOrderID: newClientOrderID(userID, time.Now()),
		})
		if cerr != nil {
			r.log.Error().Err(cerr).Str("symbol", p.Symbol).Msg("close-all: market close failed")
			continue
		}
		closed++
	}
	return closed, nil
}
