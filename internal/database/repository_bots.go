package database

import (
	"context"
	"encoding/json"
	"time"

	"futures-trading-platform/internal/domain"
)

// ============================================================================
// STRATEGIES
// ============================================================================

func (r *Repository) CreateStrategy(ctx context.Context, s *domain.Strategy) error {
	if s.ID == (domain.ID{}) {
		s.ID = domain.NewID()
	}
	if s.Version == 0 {
		s.Version = 1
	}
	query := `
		INSERT INTO strategies (id, user_id, type, name, parameters, version)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		s.ID, s.UserID, s.Type, s.Name, s.Parameters, s.Version,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	return dbErr(err, "strategy")
}

func (r *Repository) GetStrategy(ctx context.Context, userID, id domain.ID) (*domain.Strategy, error) {
	query := `
		SELECT id, user_id, type, name, parameters, version, created_at, updated_at, deleted_at
		FROM strategies WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`
	s := &domain.Strategy{}
	err := r.db.Pool.QueryRow(ctx, query, id, userID).Scan(
		&s.ID, &s.UserID, &s.Type, &s.Name, &s.Parameters, &s.Version,
		&s.CreatedAt, &s.UpdatedAt, &s.DeletedAt,
	)
	if err != nil {
		return nil, dbErr(err, "strategy")
	}
	return s, nil
}

func (r *Repository) ListStrategies(ctx context.Context, userID domain.ID) ([]*domain.Strategy, error) {
	query := `
		SELECT id, user_id, type, name, parameters, version, created_at, updated_at, deleted_at
		FROM strategies WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at
	`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, dbErr(err, "strategies")
	}
	defer rows.Close()

	var out []*domain.Strategy
	for rows.Next() {
		s := &domain.Strategy{}
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.Type, &s.Name, &s.Parameters, &s.Version,
			&s.CreatedAt, &s.UpdatedAt, &s.DeletedAt,
		); err != nil {
			return nil, dbErr(err, "strategies")
		}
		out = append(out, s)
	}
	return out, dbErr(rows.Err(), "strategies")
}

// UpdateStrategyParameters bumps the version on every parameter change so
// running bots can detect drift.
func (r *Repository) UpdateStrategyParameters(ctx context.Context, userID, id domain.ID, params json.RawMessage) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE strategies SET parameters = $3, version = version + 1, updated_at = $4
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		id, userID, params, time.Now().UTC())
	if err != nil {
		return dbErr(err, "strategy")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "strategy")
	}
	return nil
}

func (r *Repository) SoftDeleteStrategy(ctx context.Context, userID, id domain.ID) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE strategies SET deleted_at = $3
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		id, userID, time.Now().UTC())
	if err != nil {
		return dbErr(err, "strategy")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "strategy")
	}
	return nil
}

// ============================================================================
// BOTS
// ============================================================================

const botColumns = `
	id, user_id, strategy_id, name, venue, symbol, config, status,
	status_error, cancel_orders_on_pause, tick_interval_secs, performance,
	created_at, updated_at, deleted_at`

func (r *Repository) CreateBot(ctx context.Context, b *domain.Bot) error {
	if b.ID == (domain.ID{}) {
		b.ID = domain.NewID()
	}
	if len(b.Config) == 0 {
		b.Config = json.RawMessage(`{}`)
	}
	query := `
		INSERT INTO bots
			(id, user_id, strategy_id, name, venue, symbol, config, status,
			 status_error, cancel_orders_on_pause, tick_interval_secs)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		b.ID, b.UserID, b.StrategyID, b.Name, b.Venue, b.Symbol, b.Config,
		b.Status, b.StatusError, b.CancelOrdersOnPause, b.TickIntervalSecs,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	return dbErr(err, "bot")
}

func scanBot(row interface{ Scan(...any) error }) (*domain.Bot, error) {
	b := &domain.Bot{}
	err := row.Scan(
		&b.ID, &b.UserID, &b.StrategyID, &b.Name, &b.Venue, &b.Symbol,
		&b.Config, &b.Status, &b.StatusError, &b.CancelOrdersOnPause,
		&b.TickIntervalSecs, &b.Performance, &b.CreatedAt, &b.UpdatedAt, &b.DeletedAt,
	)
	if err != nil {
		return nil, dbErr(err, "bot")
	}
	return b, nil
}

func (r *Repository) GetBot(ctx context.Context, userID, id domain.ID) (*domain.Bot, error) {
	query := `SELECT` + botColumns + `
		FROM bots WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`
	return scanBot(r.db.Pool.QueryRow(ctx, query, id, userID))
}

func (r *Repository) ListBots(ctx context.Context, userID domain.ID) ([]*domain.Bot, error) {
	query := `SELECT` + botColumns + `
		FROM bots WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at`
	return r.queryBots(ctx, query, userID)
}

// ListRunnableBots spans all users; the supervisor respawns these at boot.
func (r *Repository) ListRunnableBots(ctx context.Context) ([]*domain.Bot, error) {
	query := `SELECT` + botColumns + `
		FROM bots
		WHERE status IN ('ACTIVE', 'STARTING', 'PAUSED') AND deleted_at IS NULL
		ORDER BY created_at`
	return r.queryBots(ctx, query)
}

func (r *Repository) queryBots(ctx context.Context, query string, args ...any) ([]*domain.Bot, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, dbErr(err, "bots")
	}
	defer rows.Close()

	var out []*domain.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, dbErr(rows.Err(), "bots")
}

func (r *Repository) UpdateBotStatus(ctx context.Context, id domain.ID, status domain.BotStatus, statusErr string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE bots SET status = $2, status_error = $3, updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL`,
		id, status, statusErr, time.Now().UTC())
	if err != nil {
		return dbErr(err, "bot")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "bot")
	}
	return nil
}

func (r *Repository) UpdateBotConfig(ctx context.Context, userID, id domain.ID, config json.RawMessage) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE bots SET config = $3, updated_at = $4
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		id, userID, config, time.Now().UTC())
	if err != nil {
		return dbErr(err, "bot")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "bot")
	}
	return nil
}

func (r *Repository) UpdateBotPerformance(ctx context.Context, id domain.ID, performance json.RawMessage) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE bots SET performance = $2, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL`,
		id, performance, time.Now().UTC())
	return dbErr(err, "bot")
}

func (r *Repository) SoftDeleteBot(ctx context.Context, userID, id domain.ID) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE bots SET deleted_at = $3
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		id, userID, time.Now().UTC())
	if err != nil {
		return dbErr(err, "bot")
	}
	if tag.RowsAffected() == 0 {
		return dbErr(errNoRows, "bot")
	}
	return nil
}
