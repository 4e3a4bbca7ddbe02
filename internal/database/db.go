// Package database owns the PostgreSQL pool, schema migrations, and the
// repositories that are the single write path for durable state.
package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/logging"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// New connects the pool and applies migrations.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "parse database url")
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, poolConfig)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "create connection pool")
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.Internal, err, "ping database")
	}

	db := &DB{Pool: pool, log: logging.Component("database")}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	db.log.Info().Msg("database ready")
	return db, nil
}

func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return errs.Wrap(errs.Internal, err, "migration failed")
		}
	}
	db.log.Info().Int("statements", len(migrations)).Msg("migrations applied")
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		preferences JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS exchange_connections (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		venue TEXT NOT NULL,
		env TEXT NOT NULL,
		api_key_encrypted BYTEA NOT NULL,
		secret_key_encrypted BYTEA NOT NULL,
		can_read BOOLEAN NOT NULL DEFAULT FALSE,
		can_trade BOOLEAN NOT NULL DEFAULT FALSE,
		can_withdraw BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'INACTIVE',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, venue, env)
	)`,

	`CREATE TABLE IF NOT EXISTS symbols (
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		base_asset TEXT NOT NULL,
		quote_asset TEXT NOT NULL,
		tick_size NUMERIC NOT NULL,
		lot_size NUMERIC NOT NULL,
		min_notional NUMERIC NOT NULL,
		price_precision INT NOT NULL,
		quantity_precision INT NOT NULL,
		status TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (venue, symbol)
	)`,

	`CREATE TABLE IF NOT EXISTS strategies (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		parameters JSONB NOT NULL DEFAULT '{}',
		version INT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS bots (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		strategy_id UUID NOT NULL REFERENCES strategies(id),
		name TEXT NOT NULL,
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		config JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'PENDING',
		status_error TEXT NOT NULL DEFAULT '',
		cancel_orders_on_pause BOOLEAN NOT NULL DEFAULT TRUE,
		tick_interval_secs INT NOT NULL DEFAULT 5,
		performance JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		bot_id UUID REFERENCES bots(id),
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		position_side TEXT NOT NULL DEFAULT 'BOTH',
		type TEXT NOT NULL,
		quantity NUMERIC NOT NULL,
		price NUMERIC NOT NULL DEFAULT 0,
		stop_price NUMERIC NOT NULL DEFAULT 0,
		time_in_force TEXT NOT NULL DEFAULT 'GTC',
		reduce_only BOOLEAN NOT NULL DEFAULT FALSE,
		leverage INT NOT NULL DEFAULT 1,
		margin_mode TEXT NOT NULL DEFAULT 'CROSSED',
		status TEXT NOT NULL DEFAULT 'PENDING',
		filled_qty NUMERIC NOT NULL DEFAULT 0,
		avg_fill_price NUMERIC NOT NULL DEFAULT 0,
		client_order_id TEXT NOT NULL UNIQUE,
		venue_order_id BIGINT NOT NULL DEFAULT 0,
		venue_updated_at BIGINT NOT NULL DEFAULT 0,
		last_trade_id BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user_status ON orders (user_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_bot ON orders (bot_id) WHERE bot_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS positions (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity NUMERIC NOT NULL DEFAULT 0,
		avg_entry_price NUMERIC NOT NULL DEFAULT 0,
		mark_price NUMERIC NOT NULL DEFAULT 0,
		liquidation_price NUMERIC NOT NULL DEFAULT 0,
		leverage INT NOT NULL DEFAULT 1,
		margin_mode TEXT NOT NULL DEFAULT 'CROSSED',
		unrealized_pnl NUMERIC NOT NULL DEFAULT 0,
		realized_pnl NUMERIC NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'OPEN',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, venue, symbol, side)
	)`,

	`CREATE TABLE IF NOT EXISTS trades (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		position_id UUID NOT NULL,
		order_id UUID NOT NULL,
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		price NUMERIC NOT NULL,
		quantity NUMERIC NOT NULL,
		fee NUMERIC NOT NULL DEFAULT 0,
		fee_asset TEXT NOT NULL DEFAULT '',
		pnl NUMERIC NOT NULL DEFAULT 0,
		venue_trade_id BIGINT NOT NULL DEFAULT 0,
		executed_at TIMESTAMPTZ NOT NULL,
		UNIQUE (order_id, venue_trade_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_user_time ON trades (user_id, executed_at DESC)`,

	`CREATE TABLE IF NOT EXISTS risk_limits (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		bot_id UUID REFERENCES bots(id),
		type TEXT NOT NULL,
		threshold NUMERIC NOT NULL,
		warning_fraction NUMERIC NOT NULL DEFAULT 0.8,
		critical_fraction NUMERIC NOT NULL DEFAULT 0.95,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS risk_alerts (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		limit_id UUID NOT NULL,
		limit_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		metrics JSONB NOT NULL DEFAULT '{}',
		triggered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		acknowledged_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_alerts_user_time ON risk_alerts (user_id, triggered_at DESC)`,

	`CREATE TABLE IF NOT EXISTS backtest_runs (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id),
		strategy_id UUID NOT NULL REFERENCES strategies(id),
		symbol TEXT NOT NULL,
		timeframe TEXT NOT NULL,
		start_date TIMESTAMPTZ NOT NULL,
		end_date TIMESTAMPTZ NOT NULL,
		config JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'PENDING',
		progress INT NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		result_id UUID,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS backtest_results (
		id UUID PRIMARY KEY,
		run_id UUID NOT NULL REFERENCES backtest_runs(id),
		metrics JSONB NOT NULL,
		equity_curve JSONB NOT NULL DEFAULT '[]',
		trades JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS daily_summaries (
		user_id UUID NOT NULL REFERENCES users(id),
		day DATE NOT NULL,
		realized_pnl NUMERIC NOT NULL DEFAULT 0,
		fees NUMERIC NOT NULL DEFAULT 0,
		trade_count INT NOT NULL DEFAULT 0,
		volume NUMERIC NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, day)
	)`,
}
