// Package exchange defines the canonical capability surface a venue adapter
// must provide. The core speaks only these types; venue-native shapes stay
// inside the adapter.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
)

// Balance is one asset balance in the futures wallet.
type Balance struct {
	Asset     string          `json:"asset"`
	Wallet    decimal.Decimal `json:"wallet"`
	Available decimal.Decimal `json:"available"`
}

// PositionState is the venue's authoritative view of one position leg.
type PositionState struct {
	Symbol           string              `json:"symbol"`
	Side             domain.PositionSide `json:"side"`
	Quantity         decimal.Decimal     `json:"quantity"`
	EntryPrice       decimal.Decimal     `json:"entry_price"`
	MarkPrice        decimal.Decimal     `json:"mark_price"`
	LiquidationPrice decimal.Decimal     `json:"liquidation_price"`
	Leverage         int                 `json:"leverage"`
	MarginMode       domain.MarginMode   `json:"margin_mode"`
	UnrealizedPnl    decimal.Decimal     `json:"unrealized_pnl"`
}

// AccountSnapshot is the venue's account state at one instant.
type AccountSnapshot struct {
	Balances  []Balance       `json:"balances"`
	Positions []PositionState `json:"positions"`
	Equity    decimal.Decimal `json:"equity"`
	TakenAt   time.Time       `json:"taken_at"`
}

// OrderRequest is a canonical order submission.
type OrderRequest struct {
	Symbol        string
	Side          domain.Side
	PositionSide  domain.PositionSide
	Type          domain.OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   domain.TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

// OrderAck is the venue's response to a submission.
type OrderAck struct {
	VenueOrderID  int64
	ClientOrderID string
	Status        string
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	UpdateTime    int64
}

// OrderState is the venue's current view of an order.
type OrderState struct {
	VenueOrderID  int64
	ClientOrderID string
	Symbol        string
	Side          domain.Side
	Type          domain.OrderType
	Status        string
	Price         decimal.Decimal
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	UpdateTime    int64
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	CloseTime time.Time       `json:"close_time"`
	Final     bool            `json:"final"`
}

// PriceLevel is one side level of the book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// DepthSnapshot is a full order book snapshot.
type DepthSnapshot struct {
	LastUpdateID int64        `json:"last_update_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// Client is the REST capability set of a venue adapter.
type Client interface {
	GetAccount(ctx context.Context) (*AccountSnapshot, error)
	GetPositions(ctx context.Context) ([]PositionState, error)
	GetSymbols(ctx context.Context) ([]domain.Symbol, error)
	GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]Candle, error)
	GetDepthSnapshot(ctx context.Context, symbol string, limit int) (*DepthSnapshot, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol string, venueOrderID int64, clientOrderID string) error
	GetOrder(ctx context.Context, symbol string, venueOrderID int64, clientOrderID string) (*OrderState, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]OrderState, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode domain.MarginMode) error
}

// MarketEventType tags market stream events.
type MarketEventType string

const (
	EventTicker      MarketEventType = "ticker"
	EventTrade       MarketEventType = "trades"
	EventDepth       MarketEventType = "depth"
	EventCandle      MarketEventType = "candle"
	EventMarkPrice   MarketEventType = "markPrice"
	EventFunding     MarketEventType = "funding"
	EventStreamReset MarketEventType = "stream-reset"
)

// Ticker is the 24h rolling statistics for a symbol.
type Ticker struct {
	Symbol        string          `json:"symbol"`
	LastPrice     decimal.Decimal `json:"last_price"`
	PriceChange   decimal.Decimal `json:"price_change"`
	PriceChangePc decimal.Decimal `json:"price_change_percent"`
	High24h       decimal.Decimal `json:"high_24h"`
	Low24h        decimal.Decimal `json:"low_24h"`
	Volume24h     decimal.Decimal `json:"volume_24h"`
	QuoteVolume   decimal.Decimal `json:"quote_volume_24h"`
	EventTime     int64           `json:"event_time"`
}

// PublicTrade is one aggregated trade print.
type PublicTrade struct {
	Symbol     string          `json:"symbol"`
	TradeID    int64           `json:"trade_id"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	BuyerMaker bool            `json:"buyer_maker"`
	TradeTime  int64           `json:"trade_time"`
}

// DepthDiff is an incremental order book update. FirstUpdateID/FinalUpdateID/
// PrevFinalUpdateID carry the venue's U/u/pu sequence fields.
type DepthDiff struct {
	Symbol            string       `json:"symbol"`
	FirstUpdateID     int64        `json:"first_update_id"`
	FinalUpdateID     int64        `json:"final_update_id"`
	PrevFinalUpdateID int64        `json:"prev_final_update_id"`
	Bids              []PriceLevel `json:"bids"`
	Asks              []PriceLevel `json:"asks"`
	EventTime         int64        `json:"event_time"`
}

// MarkPrice is a mark price / funding update.
type MarkPrice struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	FundingRate decimal.Decimal `json:"funding_rate"`
	NextFunding int64           `json:"next_funding"`
	EventTime   int64           `json:"event_time"`
}

// MarketEvent is the envelope delivered by the market stream. Exactly one
// payload field is set, matching Type.
type MarketEvent struct {
	Type     MarketEventType
	Venue    string
	Symbol   string
	Interval string
	Seq      int64 // venue sequence for per-stream ordering

	Ticker    *Ticker
	Trade     *PublicTrade
	Depth     *DepthDiff
	Candle    *Candle
	MarkPrice *MarkPrice
}

// OrderUpdate is a canonical user-stream order event.
type OrderUpdate struct {
	Symbol          string
	ClientOrderID   string
	VenueOrderID    int64
	Side            domain.Side
	Type            domain.OrderType
	Status          string
	Price           decimal.Decimal
	OrigQty         decimal.Decimal
	LastFilledQty   decimal.Decimal
	CumFilledQty    decimal.Decimal
	LastFilledPrice decimal.Decimal
	AvgPrice        decimal.Decimal
	Fee             decimal.Decimal
	FeeAsset        string
	VenueTradeID    int64
	ReduceOnly      bool
	PositionSide    domain.PositionSide
	EventTime       int64
}

// AccountUpdate is a canonical user-stream balance/position event.
type AccountUpdate struct {
	Reason    string
	Balances  []Balance
	Positions []PositionState
	EventTime int64
}

// UserEvent is the envelope delivered by the user data stream.
type UserEvent struct {
	Order   *OrderUpdate
	Account *AccountUpdate
	// Reset is true after a reconnection; consumers must re-snapshot.
	Reset bool
}

// MarketStream is the market-data streaming capability.
type MarketStream interface {
	// Subscribe starts delivery for a stream name; the first subscription
	// opens the connection.
	Subscribe(ctx context.Context, streamName string) error
	Unsubscribe(ctx context.Context, streamName string) error
	Events() <-chan MarketEvent
	Close() error
}

// UserStream is the authenticated user-data streaming capability.
type UserStream interface {
	Start(ctx context.Context) error
	Events() <-chan UserEvent
	Close() error
}

// StreamName builds a venue stream name for a subscription type.
type StreamName func(symbol, interval string) string
