package binance

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Wire types for the USDⓈ-M futures REST and stream APIs. Decimal fields
// arrive as quoted strings and unmarshal directly into decimal.Decimal.

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type accountResponse struct {
	TotalWalletBalance decimal.Decimal   `json:"totalWalletBalance"`
	TotalUnrealized    decimal.Decimal   `json:"totalUnrealizedProfit"`
	TotalMarginBalance decimal.Decimal   `json:"totalMarginBalance"`
	Assets             []accountAsset    `json:"assets"`
	Positions          []accountPosition `json:"positions"`
}

type accountAsset struct {
	Asset            string          `json:"asset"`
	WalletBalance    decimal.Decimal `json:"walletBalance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

type accountPosition struct {
	Symbol        string          `json:"symbol"`
	PositionAmt   decimal.Decimal `json:"positionAmt"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	UnrealizedPnl decimal.Decimal `json:"unrealizedProfit"`
	Leverage      decimal.Decimal `json:"leverage"`
	Isolated      bool            `json:"isolated"`
	PositionSide  string          `json:"positionSide"`
}

type positionRisk struct {
	Symbol           string          `json:"symbol"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	UnRealizedProfit decimal.Decimal `json:"unRealizedProfit"`
	Leverage         decimal.Decimal `json:"leverage"`
	MarginType       string          `json:"marginType"`
	PositionSide     string          `json:"positionSide"`
}

type exchangeInfo struct {
	RateLimits []rateLimitInfo `json:"rateLimits"`
	Symbols    []symbolInfo    `json:"symbols"`
}

type rateLimitInfo struct {
	RateLimitType string `json:"rateLimitType"` // REQUEST_WEIGHT, ORDERS
	Interval      string `json:"interval"`      // MINUTE, SECOND
	IntervalNum   int    `json:"intervalNum"`
	Limit         int    `json:"limit"`
}

type symbolInfo struct {
	Symbol            string         `json:"symbol"`
	Status            string         `json:"status"`
	BaseAsset         string         `json:"baseAsset"`
	QuoteAsset        string         `json:"quoteAsset"`
	PricePrecision    int32          `json:"pricePrecision"`
	QuantityPrecision int32          `json:"quantityPrecision"`
	Filters           []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType  string          `json:"filterType"`
	TickSize    decimal.Decimal `json:"tickSize"`
	StepSize    decimal.Decimal `json:"stepSize"`
	MinNotional decimal.Decimal `json:"notional"`
}

type orderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	UpdateTime    int64           `json:"updateTime"`
}

type depthResponse struct {
	LastUpdateID int64               `json:"lastUpdateId"`
	Bids         [][]decimal.Decimal `json:"bids"`
	Asks         [][]decimal.Decimal `json:"asks"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// ==================== STREAM PAYLOADS ====================

// combinedStreamMessage is the envelope for /stream?streams= subscriptions.
type combinedStreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type streamEventHeader struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
}

type streamTicker struct {
	EventType     string          `json:"e"`
	EventTime     int64           `json:"E"`
	Symbol        string          `json:"s"`
	PriceChange   decimal.Decimal `json:"p"`
	PriceChangePc decimal.Decimal `json:"P"`
	LastPrice     decimal.Decimal `json:"c"`
	High          decimal.Decimal `json:"h"`
	Low           decimal.Decimal `json:"l"`
	Volume        decimal.Decimal `json:"v"`
	QuoteVolume   decimal.Decimal `json:"q"`
}

type streamAggTrade struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	TradeID   int64           `json:"a"`
	Price     decimal.Decimal `json:"p"`
	Quantity  decimal.Decimal `json:"q"`
	TradeTime int64           `json:"T"`
	IsMaker   bool            `json:"m"`
}

type streamDepthDiff struct {
	EventType         string              `json:"e"`
	EventTime         int64               `json:"E"`
	Symbol            string              `json:"s"`
	FirstUpdateID     int64               `json:"U"`
	FinalUpdateID     int64               `json:"u"`
	PrevFinalUpdateID int64               `json:"pu"`
	Bids              [][]decimal.Decimal `json:"b"`
	Asks              [][]decimal.Decimal `json:"a"`
}

type streamKline struct {
	EventType string         `json:"e"`
	EventTime int64          `json:"E"`
	Symbol    string         `json:"s"`
	Kline     streamKlineBar `json:"k"`
}

type streamKlineBar struct {
	OpenTime  int64           `json:"t"`
	CloseTime int64           `json:"T"`
	Interval  string          `json:"i"`
	Open      decimal.Decimal `json:"o"`
	Close     decimal.Decimal `json:"c"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Volume    decimal.Decimal `json:"v"`
	Final     bool            `json:"x"`
}

type streamMarkPrice struct {
	EventType   string          `json:"e"`
	EventTime   int64           `json:"E"`
	Symbol      string          `json:"s"`
	MarkPrice   decimal.Decimal `json:"p"`
	FundingRate decimal.Decimal `json:"r"`
	NextFunding int64           `json:"T"`
}

// ==================== USER DATA STREAM ====================

type userOrderUpdate struct {
	EventType string              `json:"e"`
	EventTime int64               `json:"E"`
	Order     userOrderUpdateData `json:"o"`
}

type userOrderUpdateData struct {
	Symbol          string          `json:"s"`
	ClientOrderID   string          `json:"c"`
	Side            string          `json:"S"`
	OrderType       string          `json:"o"`
	TimeInForce     string          `json:"f"`
	OrigQty         decimal.Decimal `json:"q"`
	OrigPrice       decimal.Decimal `json:"p"`
	AvgPrice        decimal.Decimal `json:"ap"`
	StopPrice       decimal.Decimal `json:"sp"`
	ExecutionType   string          `json:"x"`
	Status          string          `json:"X"`
	OrderID         int64           `json:"i"`
	LastFilledQty   decimal.Decimal `json:"l"`
	CumFilledQty    decimal.Decimal `json:"z"`
	LastFilledPrice decimal.Decimal `json:"L"`
	FeeAsset        string          `json:"N"`
	Fee             decimal.Decimal `json:"n"`
	TradeTime       int64           `json:"T"`
	TradeID         int64           `json:"t"`
	ReduceOnly      bool            `json:"R"`
	PositionSide    string          `json:"ps"`
}

type userAccountUpdate struct {
	EventType string                `json:"e"`
	EventTime int64                 `json:"E"`
	Update    userAccountUpdateData `json:"a"`
}

type userAccountUpdateData struct {
	Reason    string               `json:"m"`
	Balances  []userBalanceUpdate  `json:"B"`
	Positions []userPositionUpdate `json:"P"`
}

type userBalanceUpdate struct {
	Asset         string          `json:"a"`
	WalletBalance decimal.Decimal `json:"wb"`
	CrossBalance  decimal.Decimal `json:"cw"`
}

type userPositionUpdate struct {
	Symbol        string          `json:"s"`
	PositionAmt   decimal.Decimal `json:"pa"`
	EntryPrice    decimal.Decimal `json:"ep"`
	UnrealizedPnl decimal.Decimal `json:"up"`
	MarginType    string          `json:"mt"`
	PositionSide  string          `json:"ps"`
}
