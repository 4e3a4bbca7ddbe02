package database

import (
	"context"
	"time"

	"futures-trading-platform/internal/domain"
)

// ============================================================================
// SYMBOLS
// ============================================================================

// UpsertSymbols replaces venue reference data in place. Called by the
// exchange-info refresh job.
func (r *Repository) UpsertSymbols(ctx context.Context, symbols []domain.Symbol) error {
	query := `
		INSERT INTO symbols
			(venue, symbol, base_asset, quote_asset, tick_size, lot_size,
			 min_notional, price_precision, quantity_precision, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (venue, symbol) DO UPDATE SET
			tick_size = EXCLUDED.tick_size,
			lot_size = EXCLUDED.lot_size,
			min_notional = EXCLUDED.min_notional,
			price_precision = EXCLUDED.price_precision,
			quantity_precision = EXCLUDED.quantity_precision,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`
	now := time.Now().UTC()
	for _, s := range symbols {
		_, err := r.db.Pool.Exec(ctx, query,
			s.Venue, s.Name, s.Base, s.Quote, s.TickSize, s.LotSize,
			s.MinNotional, s.PricePrecision, s.QuantityPrecision, s.Status, now)
		if err != nil {
			return dbErr(err, "symbol")
		}
	}
	return nil
}

func (r *Repository) GetSymbol(ctx context.Context, venue, name string) (*domain.Symbol, error) {
	query := `
		SELECT venue, symbol, base_asset, quote_asset, tick_size, lot_size,
		       min_notional, price_precision, quantity_precision, status
		FROM symbols WHERE venue = $1 AND symbol = $2
	`
	s := &domain.Symbol{}
	err := r.db.Pool.QueryRow(ctx, query, venue, name).Scan(
		&s.Venue, &s.Name, &s.Base, &s.Quote, &s.TickSize, &s.LotSize,
		&s.MinNotional, &s.PricePrecision, &s.QuantityPrecision, &s.Status,
	)
	if err != nil {
		return nil, dbErr(err, "symbol")
	}
	return s, nil
}

func (r *Repository) ListSymbols(ctx context.Context, venue string) ([]domain.Symbol, error) {
	query := `
		SELECT venue, symbol, base_asset, quote_asset, tick_size, lot_size,
		       min_notional, price_precision, quantity_precision, status
		FROM symbols WHERE venue = $1 ORDER BY symbol
	`
	rows, err := r.db.Pool.Query(ctx, query, venue)
	if err != nil {
		return nil, dbErr(err, "symbols")
	}
	defer rows.Close()

	var out []domain.Symbol
	for rows.Next() {
		var s domain.Symbol
		if err := rows.Scan(
			&s.Venue, &s.Name, &s.Base, &s.Quote, &s.TickSize, &s.LotSize,
			&s.MinNotional, &s.PricePrecision, &s.QuantityPrecision, &s.Status,
		); err != nil {
			return nil, dbErr(err, "symbols")
		}
		out = append(out, s)
	}
	return out, dbErr(rows.Err(), "symbols")
}
