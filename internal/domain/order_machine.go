package domain

// OrderEvent is a status event arriving from the venue or the router itself.
type OrderEvent string

const (
	OrderEventAccepted    OrderEvent = "ACCEPTED"     // venue acknowledged NEW
	OrderEventPartialFill OrderEvent = "PARTIAL_FILL" // fill below full quantity
	OrderEventFilled      OrderEvent = "FILLED"       // fully filled
	OrderEventCancelled   OrderEvent = "CANCELLED"    // cancelled by user or venue
	OrderEventRejected    OrderEvent = "REJECTED"     // venue rejection
	OrderEventExpired     OrderEvent = "EXPIRED"      // timeInForce expiry
)

// orderTransitions is the table of legal (status, event) -> status moves.
// Terminal statuses are absorbing; anything not in the table is illegal.
var orderTransitions = map[OrderStatus]map[OrderEvent]OrderStatus{
	OrderStatusPending: {
		OrderEventAccepted:    OrderStatusNew,
		OrderEventPartialFill: OrderStatusPartiallyFilled,
		OrderEventFilled:      OrderStatusFilled,
		OrderEventCancelled:   OrderStatusCancelled,
		OrderEventRejected:    OrderStatusRejected,
		OrderEventExpired:     OrderStatusExpired,
	},
	OrderStatusNew: {
		OrderEventPartialFill: OrderStatusPartiallyFilled,
		OrderEventFilled:      OrderStatusFilled,
		OrderEventCancelled:   OrderStatusCancelled,
		OrderEventExpired:     OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderEventPartialFill: OrderStatusPartiallyFilled,
		OrderEventFilled:      OrderStatusFilled,
		OrderEventCancelled:   OrderStatusCancelled,
		OrderEventExpired:     OrderStatusExpired,
	},
}

// NextOrderStatus evaluates the transition table. ok is false for illegal
// transitions, including any event arriving after a terminal status; callers
// drop those with a warning rather than regressing state.
func NextOrderStatus(current OrderStatus, event OrderEvent) (OrderStatus, bool) {
	events, ok := orderTransitions[current]
	if !ok {
		return current, false
	}
	next, ok := events[event]
	if !ok {
		return current, false
	}
	return next, true
}

// OrderEventFromVenueStatus maps a venue order status string to the
// transition event it represents.
func OrderEventFromVenueStatus(status string) (OrderEvent, bool) {
	switch status {
	case "NEW":
		return OrderEventAccepted, true
	case "PARTIALLY_FILLED":
		return OrderEventPartialFill, true
	case "FILLED":
		return OrderEventFilled, true
	case "CANCELED", "CANCELLED":
		return OrderEventCancelled, true
	case "REJECTED":
		return OrderEventRejected, true
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return OrderEventExpired, true
	}
	return "", false
}
