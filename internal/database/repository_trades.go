package database

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
)

// ============================================================================
// TRADES
// ============================================================================

// InsertTrade appends an execution record. The (order_id, venue_trade_id)
// key silently drops replayed fills.
func (r *Repository) InsertTrade(ctx context.Context, t *domain.Trade) error {
	if t.ID == (domain.ID{}) {
		t.ID = domain.NewID()
	}
	query := `
		INSERT INTO trades
			(id, user_id, position_id, order_id, venue, symbol, side, price,
			 quantity, fee, fee_asset, pnl, venue_trade_id, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (order_id, venue_trade_id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		t.ID, t.UserID, t.PositionID, t.OrderID, t.Venue, t.Symbol, t.Side,
		t.Price, t.Quantity, t.Fee, t.FeeAsset, t.Pnl, t.VenueTradeID, t.ExecutedAt)
	return dbErr(err, "trade")
}

func (r *Repository) ListTrades(ctx context.Context, userID domain.ID, symbol string, limit int) ([]*domain.Trade, error) {
	query := `
		SELECT id, user_id, position_id, order_id, venue, symbol, side, price,
		       quantity, fee, fee_asset, pnl, venue_trade_id, executed_at
		FROM trades WHERE user_id = $1`
	args := []any{userID}
	if symbol != "" {
		args = append(args, symbol)
		query += ` AND symbol = $2`
	}
	query += ` ORDER BY executed_at DESC`
	if limit > 0 {
		args = append(args, limit)
		if symbol != "" {
			query += ` LIMIT $3`
		} else {
			query += ` LIMIT $2`
		}
	}
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, dbErr(err, "trades")
	}
	defer rows.Close()

	var out []*domain.Trade
	for rows.Next() {
		t := &domain.Trade{}
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.PositionID, &t.OrderID, &t.Venue, &t.Symbol,
			&t.Side, &t.Price, &t.Quantity, &t.Fee, &t.FeeAsset, &t.Pnl,
			&t.VenueTradeID, &t.ExecutedAt,
		); err != nil {
			return nil, dbErr(err, "trades")
		}
		out = append(out, t)
	}
	return out, dbErr(rows.Err(), "trades")
}

// DailySummary is the aggregate a user's trading day rolls up to.
type DailySummary struct {
	UserID      domain.ID       `json:"user_id"`
	Day         time.Time       `json:"day"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	Fees        decimal.Decimal `json:"fees"`
	TradeCount  int             `json:"trade_count"`
	Volume      decimal.Decimal `json:"volume"`
}

// ComputeDailySummary aggregates one UTC day's trades for one user.
func (r *Repository) ComputeDailySummary(ctx context.Context, userID domain.ID, day time.Time) (*DailySummary, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)
	s := &DailySummary{UserID: userID, Day: dayStart}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(pnl), 0), COALESCE(SUM(fee), 0),
		       COUNT(*), COALESCE(SUM(price * quantity), 0)
		FROM trades
		WHERE user_id = $1 AND executed_at >= $2 AND executed_at < $3`,
		userID, dayStart, dayEnd,
	).Scan(&s.RealizedPnl, &s.Fees, &s.TradeCount, &s.Volume)
	if err != nil {
		return nil, dbErr(err, "daily summary")
	}
	return s, nil
}

func (r *Repository) UpsertDailySummary(ctx context.Context, s *DailySummary) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO daily_summaries (user_id, day, realized_pnl, fees, trade_count, volume)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, day) DO UPDATE SET
			realized_pnl = EXCLUDED.realized_pnl,
			fees = EXCLUDED.fees,
			trade_count = EXCLUDED.trade_count,
			volume = EXCLUDED.volume`,
		s.UserID, s.Day, s.RealizedPnl, s.Fees, s.TradeCount, s.Volume)
	return dbErr(err, "daily summary")
}

// ListActiveUsers feeds platform-wide scheduled jobs.
func (r *Repository) ListActiveUsers(ctx context.Context) ([]domain.ID, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id FROM users WHERE active`)
	if err != nil {
		return nil, dbErr(err, "users")
	}
	defer rows.Close()

	var out []domain.ID
	for rows.Next() {
		var id domain.ID
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr(err, "users")
		}
		out = append(out, id)
	}
	return out, dbErr(rows.Err(), "users")
}
