// Package events is the in-process pub/sub spine. Core components publish
// domain events; the client distribution hub and tests subscribe.
package events

import (
	"sync"
	"time"

	"futures-trading-platform/internal/domain"
)

// EventType labels a domain event.
type EventType string

const (
	EventOrderPlaced    EventType = "order-placed"
	EventOrderUpdated   EventType = "order-updated"
	EventOrderFilled    EventType = "order-filled"
	EventOrderCancelled EventType = "order-cancelled"
	EventTradeClosed    EventType = "trade-closed"
	EventPositionUpdate EventType = "position-updated"
	EventBalanceUpdate  EventType = "balance-updated"
	EventRiskAlert      EventType = "risk-alert"
	EventEmergencyStop  EventType = "emergency-stop"
	EventBotStatus      EventType = "bot-status"
	EventBotError       EventType = "bot-error"
	EventBacktestStatus EventType = "backtest-status"
	EventDailySummary   EventType = "daily-summary"
)

// Event is one published occurrence. UserID scopes delivery: the
// distribution hub only forwards user-scoped events to that user's
// sessions. A nil UserID means platform-wide.
type Event struct {
	Type      EventType  `json:"type"`
	UserID    *domain.ID `json:"user_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Data      any        `json:"data"`
}

// Subscriber handles one event. It must not block; slow consumers buffer
// on their own side.
type Subscriber func(Event)

const subscriberQueueSize = 256

// subscription serializes delivery to one registered handler. A single
// drain goroutine applies queued events, so the handler sees them in
// publish order.
type subscription struct {
	fn    Subscriber
	queue chan Event
}

func newSubscription(fn Subscriber) *subscription {
	s := &subscription{fn: fn, queue: make(chan Event, subscriberQueueSize)}
	go s.drain()
	return s
}

func (s *subscription) drain() {
	for ev := range s.queue {
		s.fn(ev)
	}
}

// Bus fans events out to type-scoped and catch-all subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[EventType][]*subscription
	allSubs []*subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]*subscription)}
}

// Subscribe registers fn for the given event types. One registration gets
// one ordered queue: a handler listening on several types observes them in
// the order they were published, so order-placed always lands before the
// fill that follows it.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) {
	sub := newSubscription(fn)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.subs[t] = append(b.subs[t], sub)
	}
}

func (b *Bus) SubscribeAll(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, newSubscription(fn))
}

// Publish enqueues the event for every matching subscription. Handlers run
// on their own drain goroutines, so a publisher only stalls if a consumer
// has fallen a full queue behind.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[ev.Type] {
		sub.queue <- ev
	}
	for _, sub := range b.allSubs {
		sub.queue <- ev
	}
}

// PublishUser is shorthand for a user-scoped event.
func (b *Bus) PublishUser(t EventType, userID domain.ID, data any) {
	b.Publish(Event{Type: t, UserID: &userID, Data: data})
}
