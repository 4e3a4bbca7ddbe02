package domain

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide distinguishes hedge-mode position legs for an order.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	PositionSideBoth  PositionSide = "BOTH"
)

// OrderType is the order type.
type OrderType string

const (
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeLimit        OrderType = "LIMIT"
	OrderTypeStop         OrderType = "STOP"
	OrderTypeStopMarket   OrderType = "STOP_MARKET"
	OrderTypeTakeProfit   OrderType = "TAKE_PROFIT"
	OrderTypeTrailingStop OrderType = "TRAILING_STOP_MARKET"
)

// TimeInForce is the order lifetime policy.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	TimeInForceGTX TimeInForce = "GTX"
)

// MarginMode is the margin mode for a position.
type MarginMode string

const (
	MarginModeIsolated MarginMode = "ISOLATED"
	MarginModeCross    MarginMode = "CROSSED"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status is absorbing.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// PositionStatus is the position lifecycle state.
type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "OPEN"
	PositionStatusClosed     PositionStatus = "CLOSED"
	PositionStatusLiquidated PositionStatus = "LIQUIDATED"
)

// BotStatus is the bot lifecycle state.
type BotStatus string

const (
	BotStatusPending  BotStatus = "PENDING"
	BotStatusStarting BotStatus = "STARTING"
	BotStatusActive   BotStatus = "ACTIVE"
	BotStatusPaused   BotStatus = "PAUSED"
	BotStatusStopping BotStatus = "STOPPING"
	BotStatusStopped  BotStatus = "STOPPED"
	BotStatusError    BotStatus = "ERROR"
)

// Terminal reports whether the bot cannot transition further without an
// explicit start.
func (s BotStatus) Terminal() bool {
	return s == BotStatusStopped || s == BotStatusError
}

// StrategyType identifies a built-in strategy family.
type StrategyType string

const (
	StrategyGrid          StrategyType = "grid"
	StrategyDCA           StrategyType = "dca"
	StrategyMomentum      StrategyType = "momentum"
	StrategyMeanReversion StrategyType = "mean-reversion"
	StrategyCustom        StrategyType = "custom"
)

// RiskLimitType identifies what a limit constrains.
type RiskLimitType string

const (
	LimitMaxPositionSize  RiskLimitType = "max-position-size"
	LimitMaxLeverage      RiskLimitType = "max-leverage"
	LimitMaxDailyLoss     RiskLimitType = "max-daily-loss"
	LimitMaxDrawdown      RiskLimitType = "max-drawdown"
	LimitMaxOpenPositions RiskLimitType = "max-open-positions"
	LimitMaxOrderSize     RiskLimitType = "max-order-size"
)

// RiskSeverity orders alert severities.
type RiskSeverity string

const (
	SeverityWarning  RiskSeverity = "WARNING"
	SeverityCritical RiskSeverity = "CRITICAL"
	SeverityBreach   RiskSeverity = "BREACH"
)

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
	JobStatusRetrying  JobStatus = "RETRYING"
)

// JobPriority orders queue dispatch. Lower value dispatches first.
type JobPriority int

const (
	PriorityCritical JobPriority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p JobPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ScheduleType identifies how a scheduled task recurs.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleOnce     ScheduleType = "once"
)

// BacktestStatus is the backtest run lifecycle state.
type BacktestStatus string

const (
	BacktestStatusPending   BacktestStatus = "PENDING"
	BacktestStatusRunning   BacktestStatus = "RUNNING"
	BacktestStatusCompleted BacktestStatus = "COMPLETED"
	BacktestStatusFailed    BacktestStatus = "FAILED"
	BacktestStatusCancelled BacktestStatus = "CANCELLED"
)

// ConnectionEnv selects the venue environment.
type ConnectionEnv string

const (
	EnvMainnet ConnectionEnv = "mainnet"
	EnvTestnet ConnectionEnv = "testnet"
)

// ConnectionStatus is the exchange connection state.
type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "ACTIVE"
	ConnectionInactive ConnectionStatus = "INACTIVE"
	ConnectionError    ConnectionStatus = "ERROR"
)
