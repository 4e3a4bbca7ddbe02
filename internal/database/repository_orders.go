package database

import (
	"context"
	"fmt"
	"time"

	"futures-trading-platform/internal/domain"
)

// ============================================================================
// ORDERS
// ============================================================================

const orderColumns = `
	id, user_id, bot_id, venue, symbol, side, position_side, type,
	quantity, price, stop_price, time_in_force, reduce_only, leverage,
	margin_mode, status, filled_qty, avg_fill_price, client_order_id,
	venue_order_id, venue_updated_at, last_trade_id, created_at, updated_at`

func (r *Repository) CreateOrder(ctx context.Context, o *domain.Order) error {
	if o.ID == (domain.ID{}) {
		o.ID = domain.NewID()
	}
	query := `
		INSERT INTO orders
			(id, user_id, bot_id, venue, symbol, side, position_side, type,
			 quantity, price, stop_price, time_in_force, reduce_only, leverage,
			 margin_mode, status, filled_qty, avg_fill_price, client_order_id,
			 venue_order_id, venue_updated_at, last_trade_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		o.ID, o.UserID, o.BotID, o.Venue, o.Symbol, o.Side, o.PositionSide, o.Type,
		o.Quantity, o.Price, o.StopPrice, o.TimeInForce, o.ReduceOnly, o.Leverage,
		o.MarginMode, o.Status, o.FilledQty, o.AvgFillPrice, o.ClientOrderID,
		o.VenueOrderID, o.VenueUpdatedAt, o.LastTradeID,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	return dbErr(err, "order")
}

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	o := &domain.Order{}
	err := row.Scan(
		&o.ID, &o.UserID, &o.BotID, &o.Venue, &o.Symbol, &o.Side, &o.PositionSide,
		&o.Type, &o.Quantity, &o.Price, &o.StopPrice, &o.TimeInForce, &o.ReduceOnly,
		&o.Leverage, &o.MarginMode, &o.Status, &o.FilledQty, &o.AvgFillPrice,
		&o.ClientOrderID, &o.VenueOrderID, &o.VenueUpdatedAt, &o.LastTradeID,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, dbErr(err, "order")
	}
	return o, nil
}

func (r *Repository) GetOrder(ctx context.Context, userID, id domain.ID) (*domain.Order, error) {
	query := `SELECT` + orderColumns + ` FROM orders WHERE id = $1 AND user_id = $2`
	return scanOrder(r.db.Pool.QueryRow(ctx, query, id, userID))
}

// GetOrderByClientID is keyed on the globally unique client order id and is
// the lookup path for venue events, which carry no user context.
func (r *Repository) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	query := `SELECT` + orderColumns + ` FROM orders WHERE client_order_id = $1`
	return scanOrder(r.db.Pool.QueryRow(ctx, query, clientOrderID))
}

// OrderFilter narrows ListOrders. Zero values mean no constraint.
type OrderFilter struct {
	Symbol string
	BotID  *domain.ID
	Status domain.OrderStatus
	Limit  int
}

func (r *Repository) ListOrders(ctx context.Context, userID domain.ID, f OrderFilter) ([]*domain.Order, error) {
	query := `SELECT` + orderColumns + ` FROM orders WHERE user_id = $1`
	args := []any{userID}
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if f.BotID != nil {
		args = append(args, *f.BotID)
		query += fmt.Sprintf(" AND bot_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return r.queryOrders(ctx, query, args...)
}

// ListOpenOrders returns every order still subject to venue events.
func (r *Repository) ListOpenOrders(ctx context.Context, userID domain.ID) ([]*domain.Order, error) {
	query := `SELECT` + orderColumns + `
		FROM orders
		WHERE user_id = $1 AND status IN ('PENDING', 'NEW', 'PARTIALLY_FILLED')
		ORDER BY created_at`
	return r.queryOrders(ctx, query, userID)
}

// ListUnsettledOrders spans all users; the reconcile sweep runs platform-wide.
func (r *Repository) ListUnsettledOrders(ctx context.Context, olderThan time.Time) ([]*domain.Order, error) {
	query := `SELECT` + orderColumns + `
		FROM orders
		WHERE status IN ('PENDING', 'NEW', 'PARTIALLY_FILLED')
		  AND updated_at < $1
		ORDER BY updated_at`
	return r.queryOrders(ctx, query, olderThan)
}

func (r *Repository) queryOrders(ctx context.Context, query string, args ...any) ([]*domain.Order, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, dbErr(err, "orders")
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, dbErr(rows.Err(), "orders")
}

// MarkOrderSubmitted records the venue acknowledgement of dispatch.
func (r *Repository) MarkOrderSubmitted(ctx context.Context, id domain.ID, venueOrderID int64, status domain.OrderStatus) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE orders SET venue_order_id = $2, status = $3, updated_at = $4 WHERE id = $1`,
		id, venueOrderID, status, time.Now().UTC())
	if err != nil {
		return dbErr(err, "order")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "order")
	}
	return nil
}

// ApplyOrderExecution persists a state transition plus fill accumulators.
// The venue_updated_at guard drops stale out-of-order events at the
// database as well as in memory.
func (r *Repository) ApplyOrderExecution(ctx context.Context, o *domain.Order) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE orders SET
			status = $2, filled_qty = $3, avg_fill_price = $4,
			venue_order_id = $5, venue_updated_at = $6, last_trade_id = $7,
			updated_at = $8
		WHERE id = $1 AND venue_updated_at <= $6`,
		o.ID, o.Status, o.FilledQty, o.AvgFillPrice,
		o.VenueOrderID, o.VenueUpdatedAt, o.LastTradeID, time.Now().UTC())
	if err != nil {
		return dbErr(err, "order")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "order")
	}
	return nil
}
