package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// User is a platform account. Every core operation is scoped to a user.
type User struct {
	ID           ID              `json:"id"`
	Email        string          `json:"email"`
	PasswordHash string          `json:"-"`
	Active       bool            `json:"active"`
	Preferences  json.RawMessage `json:"preferences,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ExchangeConnection links a user to a venue with encrypted credentials.
// Credentials are decrypted only inside the exchange adapter at call time.
type ExchangeConnection struct {
	ID                 ID               `json:"id"`
	UserID             ID               `json:"user_id"`
	Venue              string           `json:"venue"`
	Env                ConnectionEnv    `json:"env"`
	APIKeyEncrypted    []byte           `json:"-"`
	SecretKeyEncrypted []byte           `json:"-"`
	CanRead            bool             `json:"can_read"`
	CanTrade           bool             `json:"can_trade"`
	CanWithdraw        bool             `json:"can_withdraw"`
	Status             ConnectionStatus `json:"status"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Symbol is static venue reference data and the numeric-precision authority
// for everything quoted in it.
type Symbol struct {
	Venue             string          `json:"venue"`
	Name              string          `json:"symbol"`
	Base              string          `json:"base"`
	Quote             string          `json:"quote"`
	TickSize          decimal.Decimal `json:"tick_size"`
	LotSize           decimal.Decimal `json:"lot_size"`
	MinNotional       decimal.Decimal `json:"min_notional"`
	PricePrecision    int32           `json:"price_precision"`
	QuantityPrecision int32           `json:"quantity_precision"`
	Status            string          `json:"status"`
}

// Bot is a long-lived execution of a strategy for a user.
type Bot struct {
	ID          ID              `json:"id"`
	UserID      ID              `json:"user_id"`
	StrategyID  ID              `json:"strategy_id"`
	Name        string          `json:"name"`
	Venue       string          `json:"venue"`
	Symbol      string          `json:"symbol"`
	Config      json.RawMessage `json:"config"`
	Status      BotStatus       `json:"status"`
	StatusError string          `json:"status_error,omitempty"`
	// CancelOrdersOnPause controls whether pause cancels outstanding
	// non-reduce-only orders.
	CancelOrdersOnPause bool            `json:"cancel_orders_on_pause"`
	TickIntervalSecs    int             `json:"tick_interval_secs"`
	Performance         json.RawMessage `json:"performance,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	DeletedAt           *time.Time      `json:"deleted_at,omitempty"`
}

// Strategy holds schema-validated parameters for a strategy type.
type Strategy struct {
	ID         ID              `json:"id"`
	UserID     ID              `json:"user_id"`
	Type       StrategyType    `json:"type"`
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
	Version    int             `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty"`
}

// Order is the canonical order record. Monetary history is immutable; only
// status, fill accumulators, and venue identifiers advance.
type Order struct {
	ID            ID              `json:"id"`
	UserID        ID              `json:"user_id"`
	BotID         *ID             `json:"bot_id,omitempty"`
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	PositionSide  PositionSide    `json:"position_side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	ReduceOnly    bool            `json:"reduce_only"`
	Leverage      int             `json:"leverage"`
	MarginMode    MarginMode      `json:"margin_mode"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	ClientOrderID string          `json:"client_order_id"`
	VenueOrderID  int64           `json:"venue_order_id"`
	// VenueUpdatedAt is the canonical venue timestamp of the last applied
	// status event, used to detect out-of-order arrivals.
	VenueUpdatedAt int64     `json:"venue_updated_at"`
	LastTradeID    int64     `json:"last_trade_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Position is one leg of exposure on a symbol. One row per
// (user, venue, symbol, side) in hedge mode.
type Position struct {
	ID               ID              `json:"id"`
	UserID           ID              `json:"user_id"`
	Venue            string          `json:"venue"`
	Symbol           string          `json:"symbol"`
	Side             PositionSide    `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	AvgEntryPrice    decimal.Decimal `json:"avg_entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Leverage         int             `json:"leverage"`
	MarginMode       MarginMode      `json:"margin_mode"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl"`
	Status           PositionStatus  `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Trade is an append-only execution record.
type Trade struct {
	ID           ID              `json:"id"`
	UserID       ID              `json:"user_id"`
	PositionID   ID              `json:"position_id"`
	OrderID      ID              `json:"order_id"`
	Venue        string          `json:"venue"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Fee          decimal.Decimal `json:"fee"`
	FeeAsset     string          `json:"fee_asset"`
	Pnl          decimal.Decimal `json:"pnl"`
	VenueTradeID int64           `json:"venue_trade_id"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// RiskLimit constrains a user's (or one bot's) exposure. A nil BotID applies
// the limit globally to the user.
type RiskLimit struct {
	ID               ID              `json:"id"`
	UserID           ID              `json:"user_id"`
	BotID            *ID             `json:"bot_id,omitempty"`
	Type             RiskLimitType   `json:"type"`
	Threshold        decimal.Decimal `json:"threshold"`
	WarningFraction  decimal.Decimal `json:"warning_fraction"`
	CriticalFraction decimal.Decimal `json:"critical_fraction"`
	Enabled          bool            `json:"enabled"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	DeletedAt        *time.Time      `json:"deleted_at,omitempty"`
}

// Validate enforces 0 < warning < critical <= 1.
func (l *RiskLimit) Validate() bool {
	zero := decimal.Zero
	one := decimal.NewFromInt(1)
	return l.WarningFraction.GreaterThan(zero) &&
		l.WarningFraction.LessThan(l.CriticalFraction) &&
		l.CriticalFraction.LessThanOrEqual(one)
}

// RiskAlert records a limit threshold crossing.
type RiskAlert struct {
	ID             ID              `json:"id"`
	UserID         ID              `json:"user_id"`
	LimitID        ID              `json:"limit_id"`
	LimitType      RiskLimitType   `json:"limit_type"`
	Severity       RiskSeverity    `json:"severity"`
	Message        string          `json:"message"`
	Metrics        json.RawMessage `json:"metrics"`
	TriggeredAt    time.Time       `json:"triggered_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
}

// Job is one unit of background work.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args,omitempty"`
	Priority    JobPriority     `json:"priority"`
	Status      JobStatus       `json:"status"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	TimeoutSecs int             `json:"timeout_secs"`
	UserID      *ID             `json:"user_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// ScheduledTask drives recurring job enqueues.
type ScheduledTask struct {
	Name            string       `json:"name"`
	JobName         string       `json:"job_name"`
	ScheduleType    ScheduleType `json:"schedule_type"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	CronExpr        string       `json:"cron_expr,omitempty"`
	RunAt           *time.Time   `json:"run_at,omitempty"`
	Priority        JobPriority  `json:"priority"`
	Enabled         bool         `json:"enabled"`
	LastRun         *time.Time   `json:"last_run,omitempty"`
	NextRun         *time.Time   `json:"next_run,omitempty"`
	RunCount        int64        `json:"run_count"`
}

// BacktestRun tracks one backtest execution.
type BacktestRun struct {
	ID          ID              `json:"id"`
	UserID      ID              `json:"user_id"`
	StrategyID  ID              `json:"strategy_id"`
	Symbol      string          `json:"symbol"`
	Timeframe   string          `json:"timeframe"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
	Config      json.RawMessage `json:"config"`
	Status      BacktestStatus  `json:"status"`
	Progress    int             `json:"progress"` // 0-100
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ResultID    *ID             `json:"result_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Fill is a single execution event applied to the portfolio.
type Fill struct {
	UserID       ID              `json:"user_id"`
	OrderID      ID              `json:"order_id"`
	Venue        string          `json:"venue"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	PositionSide PositionSide    `json:"position_side"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Fee          decimal.Decimal `json:"fee"`
	FeeAsset     string          `json:"fee_asset"`
	ReduceOnly   bool            `json:"reduce_only"`
	VenueTradeID int64           `json:"venue_trade_id"`
	VenueTime    int64           `json:"venue_time"`
}

// Notional returns quantity x price.
func (f Fill) Notional() decimal.Decimal {
	return f.Quantity.Mul(f.Price)
}
