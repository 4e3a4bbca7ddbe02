package database

import (
	"context"
	"time"

	"futures-trading-platform/internal/domain"
)

// ============================================================================
// POSITIONS
// ============================================================================

const positionColumns = `
	id, user_id, venue, symbol, side, quantity, avg_entry_price, mark_price,
	liquidation_price, leverage, margin_mode, unrealized_pnl, realized_pnl,
	status, created_at, updated_at`

// UpsertPosition persists the in-memory position snapshot. The
// (user, venue, symbol, side) key makes it idempotent under replays.
func (r *Repository) UpsertPosition(ctx context.Context, p *domain.Position) error {
	if p.ID == (domain.ID{}) {
		p.ID = domain.NewID()
	}
	query := `
		INSERT INTO positions
			(id, user_id, venue, symbol, side, quantity, avg_entry_price,
			 mark_price, liquidation_price, leverage, margin_mode,
			 unrealized_pnl, realized_pnl, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (user_id, venue, symbol, side) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_entry_price = EXCLUDED.avg_entry_price,
			mark_price = EXCLUDED.mark_price,
			liquidation_price = EXCLUDED.liquidation_price,
			leverage = EXCLUDED.leverage,
			margin_mode = EXCLUDED.margin_mode,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			realized_pnl = EXCLUDED.realized_pnl,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		p.ID, p.UserID, p.Venue, p.Symbol, p.Side, p.Quantity, p.AvgEntryPrice,
		p.MarkPrice, p.LiquidationPrice, p.Leverage, p.MarginMode,
		p.UnrealizedPnl, p.RealizedPnl, p.Status,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return dbErr(err, "position")
}

func (r *Repository) GetPosition(ctx context.Context, userID domain.ID, venue, symbol string, side domain.PositionSide) (*domain.Position, error) {
	query := `SELECT` + positionColumns + `
		FROM positions
		WHERE user_id = $1 AND venue = $2 AND symbol = $3 AND side = $4`
	p := &domain.Position{}
	err := r.db.Pool.QueryRow(ctx, query, userID, venue, symbol, side).Scan(
		&p.ID, &p.UserID, &p.Venue, &p.Symbol, &p.Side, &p.Quantity,
		&p.AvgEntryPrice, &p.MarkPrice, &p.LiquidationPrice, &p.Leverage,
		&p.MarginMode, &p.UnrealizedPnl, &p.RealizedPnl, &p.Status,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, dbErr(err, "position")
	}
	return p, nil
}

func (r *Repository) ListPositions(ctx context.Context, userID domain.ID, onlyOpen bool) ([]*domain.Position, error) {
	query := `SELECT` + positionColumns + ` FROM positions WHERE user_id = $1`
	if onlyOpen {
		query += ` AND status = 'OPEN'`
	}
	query += ` ORDER BY symbol, side`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, dbErr(err, "positions")
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p := &domain.Position{}
		if err := rows.Scan(
			&p.ID, &p.UserID, &p.Venue, &p.Symbol, &p.Side, &p.Quantity,
			&p.AvgEntryPrice, &p.MarkPrice, &p.LiquidationPrice, &p.Leverage,
			&p.MarginMode, &p.UnrealizedPnl, &p.RealizedPnl, &p.Status,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, dbErr(err, "positions")
		}
		out = append(out, p)
	}
	return out, dbErr(rows.Err(), "positions")
}

// ListOpenPositionUsers returns the users with open exposure; the risk
// sweep walks this set.
func (r *Repository) ListOpenPositionUsers(ctx context.Context) ([]domain.ID, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT DISTINCT user_id FROM positions WHERE status = 'OPEN'`)
	if err != nil {
		return nil, dbErr(err, "positions")
	}
	defer rows.Close()

	var out []domain.ID
	for rows.Next() {
		var id domain.ID
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr(err, "positions")
		}
		out = append(out, id)
	}
	return out, dbErr(rows.Err(), "positions")
}

func (r *Repository) ClosePosition(ctx context.Context, userID, id domain.ID, status domain.PositionStatus) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE positions SET status = $3, quantity = 0, unrealized_pnl = 0, updated_at = $4
		 WHERE id = $1 AND user_id = $2`,
		id, userID, status, time.Now().UTC())
	if err != nil {
		return dbErr(err, "position")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "position")
	}
	return nil
}
