// Package ws is the client distribution hub: authenticated sessions
// subscribe to market and user-scoped channels and receive events over
// a bounded mailbox per session.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/events"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/logging"
	"futures-trading-platform/internal/marketdata"
)

// Feed is one market-data subscription the hub relays to sessions.
type Feed interface {
	Events() <-chan exchange.MarketEvent
	Cancel()
}

// MarketSource hands out per-topic market feeds.
type MarketSource interface {
	Subscribe(ctx context.Context, topic marketdata.Topic) (Feed, error)
}

// HubSource adapts the market-data hub to the MarketSource surface.
type HubSource struct {
	Hub *marketdata.Hub
}

func (h HubSource) Subscribe(ctx context.Context, topic marketdata.Topic) (Feed, error) {
	sub, err := h.Hub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// relay fans one market subscription key out to its sessions.
type relay struct {
	channel string
	feed    Feed
}

// Hub is the session registry and subscription graph.
type Hub struct {
	market MarketSource
	venue  string
	log    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	subs     map[string]map[string]*Session // subscription key -> session id
	relays   map[string]*relay
}

func NewHub(market MarketSource, venue string) *Hub {
	return &Hub{
		market:   market,
		venue:    venue,
		log:      logging.Component("ws"),
		sessions: make(map[string]*Session),
		subs:     make(map[string]map[string]*Session),
		relays:   make(map[string]*relay),
	}
}

// BindBus forwards user-scoped platform events into the subscription
// graph.
func (h *Hub) BindBus(bus *events.Bus) {
	bus.Subscribe(h.userEvent(ChannelOrders, "order"),
		events.EventOrderPlaced, events.EventOrderUpdated,
		events.EventOrderFilled, events.EventOrderCancelled)
	bus.Subscribe(h.userEvent(ChannelPositions, "position"), events.EventPositionUpdate)
	bus.Subscribe(h.userEvent(ChannelAccount, "account"),
		events.EventBalanceUpdate, events.EventDailySummary)
	bus.Subscribe(h.userEvent(ChannelTrades, "trade-user"), events.EventTradeClosed)
	bus.Subscribe(h.userEvent(ChannelRiskAlerts, "risk-alert"),
		events.EventRiskAlert, events.EventEmergencyStop)
	bus.Subscribe(h.userEvent(ChannelBotStatus, "bot-status"),
		events.EventBotStatus, events.EventBotError)
	bus.Subscribe(h.userEvent(ChannelBacktests, "backtest-status"), events.EventBacktestStatus)
}

func (h *Hub) userEvent(channel, frameType string) events.Subscriber {
	return func(ev events.Event) {
		if ev.UserID == nil {
			return
		}
		data := encodeFrame(Frame{Type: frameType, Data: ev.Data})
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, sess := range h.subs[userKey(*ev.UserID, channel)] {
			sess.push(data)
		}
	}
}

// Attach registers an authenticated connection and starts its pumps.
func (h *Hub) Attach(conn Conn, userID domain.ID) *Session {
	s := newSession(h, conn, userID)
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()

	go s.writePump()
	go s.readPump()

	h.log.Debug().Str("session_id", s.ID).Stringer("user_id", userID).Msg("session attached")
	return s
}

// Detach removes a session and its subscriptions. Safe to call more
// than once.
func (h *Hub) Detach(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	for key := range s.subs {
		h.dropSubLocked(key, s)
	}
	h.mu.Unlock()

	s.close()
	h.log.Debug().Str("session_id", s.ID).Msg("session detached")
}

// DisconnectUser closes every session the user holds, for logout.
func (h *Hub) DisconnectUser(userID domain.ID) int {
	h.mu.Lock()
	var doomed []*Session
	for _, s := range h.sessions {
		if s.UserID == userID {
			doomed = append(doomed, s)
		}
	}
	h.mu.Unlock()

	for _, s := range doomed {
		h.Detach(s)
	}
	return len(doomed)
}

// Sessions reports the number of attached sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown closes all sessions.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()

	for _, s := range all {
		h.Detach(s)
	}
}

// handleControl dispatches one inbound frame.
func (h *Hub) handleControl(s *Session, data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.pushFrame(Frame{Type: FrameError, Message: "malformed control message"})
		return
	}
	switch msg.Action {
	case ActionPing:
		s.pushFrame(Frame{Type: FramePong})
	case ActionSubscribe:
		h.subscribe(s, msg)
	case ActionUnsubscribe:
		h.unsubscribe(s, msg)
	default:
		s.pushFrame(Frame{Type: FrameError, Message: "unknown action " + msg.Action})
	}
}

func (h *Hub) subscribe(s *Session, msg ControlMessage) {
	if userChannel(msg.Channel, msg.Symbols) {
		key := userKey(s.UserID, msg.Channel)
		h.mu.Lock()
		h.addSubLocked(key, s)
		h.mu.Unlock()
		s.pushFrame(Frame{Type: FrameSubscribed, Channel: msg.Channel, Key: key})
		return
	}

	evType, err := marketEventType(msg.Channel)
	if err != nil {
		s.pushFrame(Frame{Type: FrameError, Message: "unknown channel " + msg.Channel})
		return
	}
	if len(msg.Symbols) == 0 {
		s.pushFrame(Frame{Type: FrameError, Message: msg.Channel + " requires symbols"})
		return
	}
	if msg.Channel == ChannelCandle && msg.Interval == "" {
		s.pushFrame(Frame{Type: FrameError, Message: "candle requires an interval"})
		return
	}

	for _, symbol := range msg.Symbols {
		key := marketKey(msg.Channel, symbol, msg.Interval)

		h.mu.Lock()
		h.addSubLocked(key, s)
		needRelay := h.relays[key] == nil
		h.mu.Unlock()

		if needRelay {
			feed, err := h.market.Subscribe(context.Background(), marketdata.Topic{
				Type:     evType,
				Venue:    h.venue,
				Symbol:   symbol,
				Interval: msg.Interval,
			})
			if err != nil {
				h.mu.Lock()
				h.dropSubLocked(key, s)
				h.mu.Unlock()
				s.pushFrame(Frame{Type: FrameError, Message: "subscribe failed: " + err.Error()})
				continue
			}
			h.mu.Lock()
			h.relays[key] = &relay{channel: msg.Channel, feed: feed}
			h.mu.Unlock()
			go h.runRelay(key, msg.Channel, feed)
		}
		s.pushFrame(Frame{Type: FrameSubscribed, Channel: msg.Channel, Symbol: symbol, Key: key})
	}
}

func (h *Hub) unsubscribe(s *Session, msg ControlMessage) {
	if userChannel(msg.Channel, msg.Symbols) {
		key := userKey(s.UserID, msg.Channel)
		h.mu.Lock()
		h.dropSubLocked(key, s)
		h.mu.Unlock()
		s.pushFrame(Frame{Type: FrameUnsubscribed, Channel: msg.Channel, Key: key})
		return
	}
	for _, symbol := range msg.Symbols {
		key := marketKey(msg.Channel, symbol, msg.Interval)
		h.mu.Lock()
		h.dropSubLocked(key, s)
		h.mu.Unlock()
		s.pushFrame(Frame{Type: FrameUnsubscribed, Channel: msg.Channel, Symbol: symbol, Key: key})
	}
}

func (h *Hub) addSubLocked(key string, s *Session) {
	set := h.subs[key]
	if set == nil {
		set = make(map[string]*Session)
		h.subs[key] = set
	}
	set[s.ID] = s
	s.subs[key] = struct{}{}
}

// dropSubLocked removes one session from a key and tears down the relay
// when the last subscriber leaves.
func (h *Hub) dropSubLocked(key string, s *Session) {
	delete(s.subs, key)
	set := h.subs[key]
	if set == nil {
		return
	}
	delete(set, s.ID)
	if len(set) > 0 {
		return
	}
	delete(h.subs, key)
	if r := h.relays[key]; r != nil {
		r.feed.Cancel()
		delete(h.relays, key)
	}
}

// runRelay is the single reader for one market subscription, which keeps
// delivery ordered per key.
func (h *Hub) runRelay(key, channel string, feed Feed) {
	for ev := range feed.Events() {
		frame, ok := marketFrame(channel, ev)
		if !ok {
			continue
		}
		data := encodeFrame(frame)
		h.mu.Lock()
		for _, sess := range h.subs[key] {
			sess.push(data)
		}
		h.mu.Unlock()
	}

	// The upstream feed closed under us: drop the relay so the next
	// subscribe recreates it.
	h.mu.Lock()
	if r := h.relays[key]; r != nil && r.feed == feed {
		delete(h.relays, key)
	}
	h.mu.Unlock()
	h.log.Debug().Str("key", key).Msg("market relay closed")
}
