package ws

import (
	"encoding/json"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
)

// Inbound control actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Subscription channels. "trades" is the market stream when symbols are
// given and the user's own executions when they are not.
const (
	ChannelTicker     = "ticker"
	ChannelTrades     = "trades"
	ChannelDepth      = "depth"
	ChannelCandle     = "candle"
	ChannelOrders     = "orders"
	ChannelPositions  = "positions"
	ChannelAccount    = "account"
	ChannelRiskAlerts = "risk-alerts"
	ChannelBotStatus  = "bot-status"
	ChannelBacktests  = "backtest-status"
)

// Outbound frame types that are not event payloads.
const (
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FramePong         = "pong"
	FrameError        = "error"
	FrameKicked       = "kicked-slow-consumer"
)

// ControlMessage is one inbound client frame.
type ControlMessage struct {
	Action   string   `json:"action"`
	Channel  string   `json:"channel"`
	Symbols  []string `json:"symbols,omitempty"`
	Interval string   `json:"interval,omitempty"`
}

// Frame is the outbound envelope. Data carries the typed payload for
// event frames.
type Frame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Key     string `json:"key,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func encodeFrame(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}

// userChannel reports whether the channel is scoped to the session's
// user rather than a market stream.
func userChannel(channel string, symbols []string) bool {
	switch channel {
	case ChannelOrders, ChannelPositions, ChannelAccount, ChannelRiskAlerts, ChannelBotStatus, ChannelBacktests:
		return true
	case ChannelTrades:
		return len(symbols) == 0
	default:
		return false
	}
}

// userKey builds the subscription key for a user-scoped stream.
func userKey(userID domain.ID, channel string) string {
	return userID.String() + ":" + channel
}

// marketKey builds the subscription key for a market stream.
func marketKey(channel, symbol, interval string) string {
	if channel == ChannelCandle {
		return channel + ":" + symbol + ":" + interval
	}
	return channel + ":" + symbol
}

// marketEventType maps a market channel to the hub stream it rides on.
func marketEventType(channel string) (exchange.MarketEventType, error) {
	switch channel {
	case ChannelTicker:
		return exchange.EventTicker, nil
	case ChannelTrades:
		return exchange.EventTrade, nil
	case ChannelDepth:
		return exchange.EventDepth, nil
	case ChannelCandle:
		return exchange.EventCandle, nil
	default:
		return "", errs.E(errs.Validation, "unknown market channel %q", channel)
	}
}

// marketFrame converts a market event into its outbound frame.
func marketFrame(channel string, ev exchange.MarketEvent) (Frame, bool) {
	f := Frame{Type: channel, Symbol: ev.Symbol}
	switch channel {
	case ChannelTicker:
		if ev.Ticker == nil {
			return f, false
		}
		f.Data = ev.Ticker
	case ChannelTrades:
		if ev.Trade == nil {
			return f, false
		}
		f.Data = ev.Trade
	case ChannelDepth:
		if ev.Depth == nil {
			return f, false
		}
		f.Data = ev.Depth
	case ChannelCandle:
		if ev.Candle == nil {
			return f, false
		}
		f.Data = ev.Candle
	default:
		return f, false
	}
	return f, true
}
