package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
)

// Fake is an in-memory venue for tests. Orders acknowledge as NEW unless
// FillImmediately is set; error fields inject failures per call site.
type Fake struct {
	mu sync.Mutex

	Symbols  []domain.Symbol
	Account  AccountSnapshot
	nextID   int64
	orders   map[int64]*OrderState
	byClient map[string]int64

	FillImmediately bool
	PlaceErr        error
	CancelErr       error
	GetOrderErr     error

	Placed    []OrderRequest
	Cancelled []int64
}

var _ Client = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		orders:   make(map[int64]*OrderState),
		byClient: make(map[string]int64),
	}
}

func (f *Fake) GetAccount(context.Context) (*AccountSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.Account
	snap.TakenAt = time.Now().UTC()
	return &snap, nil
}

func (f *Fake) GetPositions(context.Context) ([]PositionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PositionState(nil), f.Account.Positions...), nil
}

func (f *Fake) GetSymbols(context.Context) ([]domain.Symbol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Symbol(nil), f.Symbols...), nil
}

func (f *Fake) GetKlines(context.Context, string, string, time.Time, time.Time, int) ([]Candle, error) {
	return nil, nil
}

func (f *Fake) GetDepthSnapshot(context.Context, string, int) (*DepthSnapshot, error) {
	return &DepthSnapshot{}, nil
}

func (f *Fake) PlaceOrder(_ context.Context, req OrderRequest) (*OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Placed = append(f.Placed, req)
	if f.PlaceErr != nil {
		return nil, f.PlaceErr
	}
	if _, ok := f.byClient[req.ClientOrderID]; ok {
		return nil, errs.E(errs.Duplicate, "duplicate client order id %s", req.ClientOrderID)
	}
	f.nextID++
	state := &OrderState{
		VenueOrderID:  f.nextID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        "NEW",
		Price:         req.Price,
		OrigQty:       req.Quantity,
		UpdateTime:    time.Now().UnixMilli(),
	}
	if f.FillImmediately {
		state.Status = "FILLED"
		state.ExecutedQty = req.Quantity
		state.AvgPrice = req.Price
		if state.AvgPrice.IsZero() {
			state.AvgPrice = decimal.NewFromInt(100)
		}
	}
	f.orders[state.VenueOrderID] = state
	f.byClient[req.ClientOrderID] = state.VenueOrderID
	return &OrderAck{
		VenueOrderID:  state.VenueOrderID,
		ClientOrderID: state.ClientOrderID,
		Status:        state.Status,
		ExecutedQty:   state.ExecutedQty,
		AvgPrice:      state.AvgPrice,
		UpdateTime:    state.UpdateTime,
	}, nil
}

func (f *Fake) CancelOrder(_ context.Context, _ string, venueOrderID int64, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		return f.CancelErr
	}
	if venueOrderID == 0 {
		venueOrderID = f.byClient[clientOrderID]
	}
	state, ok := f.orders[venueOrderID]
	if !ok {
		return errs.E(errs.NotFound, "order %d not found", venueOrderID)
	}
	if state.Status == "FILLED" || state.Status == "CANCELED" {
		return errs.E(errs.NotCancellable, "order %d is %s", venueOrderID, state.Status)
	}
	state.Status = "CANCELED"
	state.UpdateTime = time.Now().UnixMilli()
	f.Cancelled = append(f.Cancelled, venueOrderID)
	return nil
}

func (f *Fake) GetOrder(_ context.Context, _ string, venueOrderID int64, clientOrderID string) (*OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetOrderErr != nil {
		return nil, f.GetOrderErr
	}
	if venueOrderID == 0 {
		venueOrderID = f.byClient[clientOrderID]
	}
	state, ok := f.orders[venueOrderID]
	if !ok {
		return nil, errs.E(errs.NotFound, "order %d not found", venueOrderID)
	}
	cp := *state
	return &cp, nil
}

func (f *Fake) ListOpenOrders(_ context.Context, symbol string) ([]OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []OrderState
	for _, o := range f.orders {
		if o.Status != "NEW" && o.Status != "PARTIALLY_FILLED" {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (f *Fake) SetLeverage(context.Context, string, int) error { return nil }

func (f *Fake) SetMarginMode(context.Context, string, domain.MarginMode) error { return nil }

// SetOrderStatus fakes a venue-side transition, e.g. a resting limit fill.
func (f *Fake) SetOrderStatus(venueOrderID int64, status string, executed, avgPrice decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.orders[venueOrderID]; ok {
		state.Status = status
		state.ExecutedQty = executed
		state.AvgPrice = avgPrice
		state.UpdateTime = time.Now().UnixMilli()
	}
}
