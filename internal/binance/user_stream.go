package binance

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/logging"
)

const (
	listenKeyKeepAlive = 30 * time.Minute
	userEventBuffer    = 1024
)

// UserStream delivers private order and account events for one credential
// pair. It owns the listen key lifecycle: create, keep-alive, recreate on
// expiry, close.
type UserStream struct {
	client *Client
	log    zerolog.Logger

	events chan exchange.UserEvent
	cancel context.CancelFunc
	closed atomic.Bool
}

var _ exchange.UserStream = (*UserStream)(nil)

func NewUserStream(c *Client) *UserStream {
	return &UserStream{
		client: c,
		log:    logging.Component("binance-user-stream"),
		events: make(chan exchange.UserEvent, userEventBuffer),
	}
}

func (u *UserStream) Events() <-chan exchange.UserEvent { return u.events }

// Start opens the stream and keeps it alive until Close. The initial
// listen key must be obtainable; later failures are retried internally.
func (u *UserStream) Start(ctx context.Context) error {
	if u.closed.Load() {
		return errs.E(errs.InvalidState, "user stream closed")
	}
	key, err := u.client.createListenKey(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	go u.run(runCtx, key)
	return nil
}

func (u *UserStream) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	if u.cancel != nil {
		u.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = u.client.closeListenKey(ctx)
	return nil
}

func (u *UserStream) run(ctx context.Context, key string) {
	keepAlive := time.NewTicker(listenKeyKeepAlive)
	defer keepAlive.Stop()

	delay := reconnectBaseDelay
	for ctx.Err() == nil {
		err := u.pump(ctx, key, keepAlive)
		if ctx.Err() != nil {
			return
		}
		u.log.Warn().Err(err).Msg("user stream dropped")
		// Any reconnect loses continuity; consumers resync from REST.
		u.emit(exchange.UserEvent{Reset: true})

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}

		if fresh, err := u.client.createListenKey(ctx); err == nil {
			key = fresh
			delay = reconnectBaseDelay
		}
	}
}

// pump reads one websocket session to exhaustion.
func (u *UserStream) pump(ctx context.Context, key string, keepAlive *time.Ticker) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.client.baseWSURL()+"/ws/"+key, nil)
	if err != nil {
		return errs.Wrap(errs.ExchangeTransient, err, "dial user stream")
	}
	defer conn.Close()
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(streamWriteTimeout))
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-keepAlive.C:
				kaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				if err := u.client.keepAliveListenKey(kaCtx); err != nil {
					u.log.Warn().Err(err).Msg("listen key keep-alive failed")
				}
				cancel()
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errs.Wrap(errs.StreamReset, err, "user stream read")
		}
		u.route(data)
	}
}

func (u *UserStream) route(data []byte) {
	var hdr streamEventHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return
	}
	switch hdr.EventType {
	case "ORDER_TRADE_UPDATE":
		var ev userOrderUpdate
		if err := json.Unmarshal(data, &ev); err != nil {
			u.log.Warn().Err(err).Msg("bad order update payload")
			return
		}
		o := ev.Order
		u.emit(exchange.UserEvent{Order: &exchange.OrderUpdate{
			Symbol:          o.Symbol,
			ClientOrderID:   o.ClientOrderID,
			VenueOrderID:    o.OrderID,
			Side:            domain.Side(o.Side),
			Type:            domain.OrderType(o.OrderType),
			Status:          o.Status,
			Price:           o.OrigPrice,
			OrigQty:         o.OrigQty,
			LastFilledQty:   o.LastFilledQty,
			CumFilledQty:    o.CumFilledQty,
			LastFilledPrice: o.LastFilledPrice,
			AvgPrice:        o.AvgPrice,
			Fee:             o.Fee,
			FeeAsset:        o.FeeAsset,
			VenueTradeID:    o.TradeID,
			ReduceOnly:      o.ReduceOnly,
			PositionSide:    domain.PositionSide(o.PositionSide),
			EventTime:       o.TradeTime,
		}})
	case "ACCOUNT_UPDATE":
		var ev userAccountUpdate
		if err := json.Unmarshal(data, &ev); err != nil {
			u.log.Warn().Err(err).Msg("bad account update payload")
			return
		}
		upd := &exchange.AccountUpdate{Reason: ev.Update.Reason, EventTime: ev.EventTime}
		for _, b := range ev.Update.Balances {
			upd.Balances = append(upd.Balances, exchange.Balance{
				Asset:     b.Asset,
				Wallet:    b.WalletBalance,
				Available: b.CrossBalance,
			})
		}
		for _, p := range ev.Update.Positions {
			upd.Positions = append(upd.Positions, exchange.PositionState{
				Symbol:        p.Symbol,
				Side:          positionSideFromAmt(p.PositionSide, p.PositionAmt),
				Quantity:      p.PositionAmt.Abs(),
				EntryPrice:    p.EntryPrice,
				UnrealizedPnl: p.UnrealizedPnl,
				MarginMode:    marginModeFromString(p.MarginType),
			})
		}
		u.emit(exchange.UserEvent{Account: upd})
	case "listenKeyExpired":
		// Force a reconnect with a fresh key.
		u.emit(exchange.UserEvent{Reset: true})
	}
}

// emit drops the oldest buffered event rather than blocking the socket.
func (u *UserStream) emit(ev exchange.UserEvent) {
	if u.closed.Load() {
		return
	}
	select {
	case u.events <- ev:
	default:
		select {
		case <-u.events:
		default:
		}
		select {
		case u.events <- ev:
		default:
		}
	}
}
