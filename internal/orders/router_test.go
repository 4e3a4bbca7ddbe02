package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/portfolio"
	"futures-trading-platform/internal/risk"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var btcusdt = domain.Symbol{
	Venue:             "binance-futures",
	Name:              "BTCUSDT",
	Base:              "BTC",
	Quote:             "USDT",
	TickSize:          dec("0.1"),
	LotSize:           dec("0.001"),
	MinNotional:       dec("5"),
	PricePrecision:    1,
	QuantityPrecision: 3,
	Status:            "TRADING",
}

type memOrderRepo struct {
	mu       sync.Mutex
	symbols  map[string]domain.Symbol
	orders   map[domain.ID]*domain.Order
	byClient map[string]domain.ID
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{
		symbols:  map[string]domain.Symbol{"BTCUSDT": btcusdt},
		orders:   make(map[domain.ID]*domain.Order),
		byClient: make(map[string]domain.ID),
	}
}

func (m *memOrderRepo) GetSymbol(_ context.Context, _, name string) (*domain.Symbol, error) {
	s, ok := m.symbols[name]
	if !ok {
		return nil, errs.E(errs.NotFound, "symbol %s", name)
	}
	return &s, nil
}

func (m *memOrderRepo) CreateOrder(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	m.byClient[o.ClientOrderID] = o.ID
	return nil
}

func (m *memOrderRepo) GetOrder(_ context.Context, userID, id domain.ID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.UserID != userID {
		return nil, errs.E(errs.NotFound, "order %s", id)
	}
	cp := *o
	return &cp, nil
}

func (m *memOrderRepo) GetOrderByClientID(_ context.Context, clientOrderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byClient[clientOrderID]
	if !ok {
		return nil, errs.E(errs.NotFound, "client order id %s", clientOrderID)
	}
	cp := *m.orders[id]
	return &cp, nil
}

func (m *memOrderRepo) MarkOrderSubmitted(_ context.Context, id domain.ID, venueOrderID int64, status domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	o.VenueOrderID = venueOrderID
	o.Status = status
	return nil
}

func (m *memOrderRepo) ApplyOrderExecution(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *memOrderRepo) ListOpenOrders(_ context.Context, userID domain.ID) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.UserID == userID && !o.Status.Terminal() {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memOrderRepo) ListUnsettledOrders(_ context.Context, _ time.Time) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memOrderRepo) stored(id domain.ID) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orders[id]
}

type staticClient struct{ c exchange.Client }

func (s staticClient) ClientFor(context.Context, domain.ID) (exchange.Client, error) {
	return s.c, nil
}

type gateFunc func(context.Context, risk.OrderContext) risk.Result

func (f gateFunc) EvaluateNewOrder(ctx context.Context, oc risk.OrderContext) risk.Result {
	return f(ctx, oc)
}

var allowAll = gateFunc(func(context.Context, risk.OrderContext) risk.Result {
	return risk.Result{Decision: risk.DecisionAllowed}
})

type captureQueue struct {
	mu    sync.Mutex
	names []string
}

func (q *captureQueue) Enqueue(_ context.Context, name string, _ any, _ domain.JobPriority) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.names = append(q.names, name)
	return "job-1", nil
}

func newTestRouter(repo *memOrderRepo, client exchange.Client, gate RiskGate) (*Router, *portfolio.Store, *captureQueue) {
	pf := portfolio.NewStore(nil, nil)
	q := &captureQueue{}
	return NewRouter(repo, staticClient{client}, gate, pf, nil, q), pf, q
}

func place(userID domain.ID) PlaceRequest {
	return PlaceRequest{
		UserID:   userID,
		Venue:    "binance-futures",
		Symbol:   "BTCUSDT",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Quantity: dec("0.0105"),
		Price:    dec("50000.07"),
	}
}

func TestPlaceOrderNormalizesAndSubmits(t *testing.T) {
	repo := newMemOrderRepo()
	fake := exchange.NewFake()
	router, _, _ := newTestRouter(repo, fake, allowAll)

	id, err := router.PlaceOrder(context.Background(), place(domain.NewID()))
	require.NoError(t, err)

	require.Len(t, fake.Placed, 1)
	sent := fake.Placed[0]
	assert.True(t, sent.Quantity.Equal(dec("0.010")), "quantity %s", sent.Quantity)
	assert.True(t, sent.Price.Equal(dec("50000")), "price %s", sent.Price)
	assert.NotEmpty(t, sent.ClientOrderID)

	stored := repo.stored(id)
	assert.Equal(t, domain.OrderStatusNew, stored.Status)
	assert.NotZero(t, stored.VenueOrderID)
}

func TestPlaceOrderBelowMinNotionalRejected(t *testing.T) {
	repo := newMemOrderRepo()
	router, _, _ := newTestRouter(repo, exchange.NewFake(), allowAll)

	req := place(domain.NewID())
	req.Quantity = dec("0.001")
	req.Price = dec("100") // notional 0.1 < 5
	_, err := router.PlaceOrder(context.Background(), req)
	assert.True(t, errs.IsKind(err, errs.Validation))
	assert.Empty(t, repo.orders)
}

func TestPlaceOrderRiskViolationMakesNoVenueCall(t *testing.T) {
	repo := newMemOrderRepo()
	fake := exchange.NewFake()
	deny := gateFunc(func(context.Context, risk.OrderContext) risk.Result {
		limit := &domain.RiskLimit{Type: domain.LimitMaxPositionSize, Threshold: dec("10000")}
		return risk.Result{
			Decision: risk.DecisionViolation,
			Violated: &risk.LimitCheck{Limit: limit, Projected: dec("11500")},
		}
	})
	router, _, _ := newTestRouter(repo, fake, deny)

	_, err := router.PlaceOrder(context.Background(), place(domain.NewID()))
	assert.True(t, errs.IsKind(err, errs.RiskViolation))
	assert.Empty(t, fake.Placed, "no venue call on violation")
	assert.Empty(t, repo.orders, "nothing persisted on violation")
}

func TestPlaceOrderUnknownOutcomeEnqueuesReconcile(t *testing.T) {
	repo := newMemOrderRepo()
	fake := exchange.NewFake()
	fake.PlaceErr = errs.E(errs.ExchangeUnknown, "connection reset mid-flight")
	router, _, q := newTestRouter(repo, fake, allowAll)

	id, err := router.PlaceOrder(context.Background(), place(domain.NewID()))
	assert.True(t, errs.IsKind(err, errs.ExchangeUnknown))
	assert.NotEqual(t, domain.ID{}, id, "provisional id returned")
	assert.Equal(t, domain.OrderStatusPending, repo.stored(id).Status)
	require.Equal(t, []string{ReconcileJobName}, q.names)
}

func TestPlaceOrderVenueRejectionPersisted(t *testing.T) {
	repo := newMemOrderRepo()
	fake := exchange.NewFake()
	fake.PlaceErr = errs.E(errs.InsufficientBalance, "margin is insufficient")
	router, _, _ := newTestRouter(repo, fake, allowAll)

	id, err := router.PlaceOrder(context.Background(), place(domain.NewID()))
	assert.True(t, errs.IsKind(err, errs.InsufficientBalance))
	assert.Equal(t, domain.OrderStatusRejected, repo.stored(id).Status)
}

// dupClient simulates a clientOrderId the venue has already seen: the
// place fails with Duplicate and the venue lookup returns the original.
type dupClient struct {
	*exchange.Fake
	state exchange.OrderState
}

func (d *dupClient) PlaceOrder(context.Context, exchange.OrderRequest) (*exchange.OrderAck, error) {
	return nil, errs.E(errs.Duplicate, "duplicate client order id")
}

func (d *dupClient) GetOrder(context.Context, string, int64, string) (*exchange.OrderState, error) {
	s := d.state
	return &s, nil
}

func TestPlaceOrderDuplicateClientIDAdoptsVenueResult(t *testing.T) {
	repo := newMemOrderRepo()
	client := &dupClient{Fake: exchange.NewFake(), state: exchange.OrderState{
		VenueOrderID: 777,
		Status:       "FILLED",
		ExecutedQty:  dec("0.010"),
		AvgPrice:     dec("50000"),
		UpdateTime:   1_700_000_000_500,
	}}
	router, _, _ := newTestRouter(repo, client, allowAll)

	id, err := router.PlaceOrder(context.Background(), place(domain.NewID()))
	require.NoError(t, err, "duplicate is treated as success")
	stored := repo.stored(id)
	assert.Equal(t, domain.OrderStatusFilled, stored.Status)
	assert.Equal(t, int64(777), stored.VenueOrderID)
}

func seedOrder(t *testing.T, router *Router, repo *memOrderRepo, fake *exchange.Fake, userID domain.ID) domain.Order {
	t.Helper()
	id, err := router.PlaceOrder(context.Background(), place(userID))
	require.NoError(t, err)
	return repo.stored(id)
}

func TestApplyUpdateOrderLifecycle(t *testing.T) {
	repo := newMemOrderRepo()
	fake := exchange.NewFake()
	router, pf, _ := newTestRouter(repo, fake, allowAll)
	user := domain.NewID()
	order := seedOrder(t, router, repo, fake, user)

	router.ApplyUpdate(context.Background(), exchange.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		Status:          "PARTIALLY_FILLED",
		LastFilledQty:   dec("0.004"),
		CumFilledQty:    dec("0.004"),
		LastFilledPrice: dec("50000"),
		AvgPrice:        dec("50000"),
		VenueTradeID:    100,
		EventTime:       1_700_000_000_100,
	})
	assert.Equal(t, domain.OrderStatusPartiallyFilled, repo.stored(order.ID).Status)

	router.ApplyUpdate(context.Background(), exchange.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		Status:          "FILLED",
		LastFilledQty:   dec("0.006"),
		CumFilledQty:    dec("0.010"),
		LastFilledPrice: dec("50010"),
		AvgPrice:        dec("50006"),
		VenueTradeID:    101,
		EventTime:       1_700_000_000_200,
	})
	stored := repo.stored(order.ID)
	assert.Equal(t, domain.OrderStatusFilled, stored.Status)
	assert.True(t, stored.FilledQty.Equal(dec("0.010")))

	// Both fills reached the portfolio.
	pos, ok := pf.Position(domain.PositionKey{
		UserID: user, Venue: "binance-futures", Symbol: "BTCUSDT", Side: domain.PositionSideLong,
	})
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(dec("0.010")), "position %s", pos.Quantity)
}

func TestApplyUpdateStaleEventDropped(t *testing.T) {
	repo := newMemOrderRepo()
	fake := exchange.NewFake()
	router, _, _ := newTestRouter(repo, fake, allowAll)
	order := seedOrder(t, router, repo, fake, domain.NewID())

	router.ApplyUpdate(context.Background(), exchange.OrderUpdate{
		ClientOrderID: order.ClientOrderID,
		Status:        "FILLED",
		CumFilledQty:  dec("0.010"),
		AvgPrice:      dec("50000"),
		EventTime:     2000,
	})
	// A late NEW must not regress a filled order.
	router.ApplyUpdate(context.Background(), exchange.OrderUpdate{
		ClientOrderID: order.ClientOrderID,
		Status:        "NEW",
		EventTime:     1000,
	})
	assert.Equal(t, domain.OrderStatusFilled, repo.stored(order.ID).Status)
}

func TestApplyUpdateEqualTradeIDIsDuplicate(t *testing.T) {
	repo := newMemOrderRepo()
	fake := exchange.NewFake()
	router, pf, _ := newTestRouter(repo, fake, allowAll)
	user := domain.NewID()
	order := seedOrder(t, router, repo, fake, user)

	upd := exchange.OrderUpdate{
		ClientOrderID:   order.ClientOrderID,
		Status:          "PARTIALLY_FILLED",
		LastFilledQty:   dec("0.004"),
		CumFilledQty:    dec("0.004"),
		LastFilledPrice: dec("50000"),
		VenueTradeID:    200,
		EventTime:       3000,
	}
	router.ApplyUpdate(context.Background(), upd)
	router.ApplyUpdate(context.Background(), upd) // redelivery

	pos, ok := pf.Position(domain.PositionKey{
		UserID: user, Venue: "binance-futures", Symbol: "BTCUSDT", Side: domain.PositionSideLong,
	})
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(dec("0.004")), "duplicate fill must not double-apply: %s", pos.Quantity)
}

func TestCancelOrderTerminalNotCancellable(t *testing.T) {
	repo := newMemOrderRepo()
	fake := exchange.NewFake()
	router, _, _ := newTestRouter(repo, fake, allowAll)
	user := domain.NewID()
	order := seedOrder(t, router, repo, fake, user)

	router.ApplyUpdate(context.Background(), exchange.OrderUpdate{
		ClientOrderID: order.ClientOrderID,
		Status:        "FILLED",
		CumFilledQty:  dec("0.010"),
		EventTime:     1000,
	})

	err := router.CancelOrder(context.Background(), user, order.ID)
	assert.True(t, errs.IsKind(err, errs.NotCancellable))
}

func TestCancelOrderUnknown(t *testing.T) {
	router, _, _ := newTestRouter(newMemOrderRepo(), exchange.NewFake(), allowAll)
	err := router.CancelOrder(context.Background(), domain.NewID(), domain.NewID())
	assert.True(t, errs.IsKind(err, errs.NotFound))
}

func TestReconcileOrderNeverReachedVenue(t *testing.T) {
	repo := newMemOrderRepo()
	fake := exchange.NewFake()
	fake.PlaceErr = errs.E(errs.ExchangeUnknown, "timeout")
	router, _, _ := newTestRouter(repo, fake, allowAll)
	user := domain.NewID()

	id, err := router.PlaceOrder(context.Background(), place(user))
	require.True(t, errs.IsKind(err, errs.ExchangeUnknown))

	// The venue has no such order, so the pending row settles as rejected.
	got, err := router.ReconcileOrder(context.Background(), user, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, got.Status)

	// Idempotent: a second reconcile changes nothing.
	again, err := router.ReconcileOrder(context.Background(), user, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, again.Status)
}

func TestCancelAllOrdersCountsSuccesses(t *testing.T) {
	repo := newMemOrderRepo()
	fake := exchange.NewFake()
	router, _, _ := newTestRouter(repo, fake, allowAll)
	user := domain.NewID()

	for i := 0; i < 3; i++ {
		_, err := router.PlaceOrder(context.Background(), place(user))
		require.NoError(t, err)
	}

	n, err := router.CancelAllOrders(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, fake.Cancelled, 3)
}

func TestCloseAllPositionsIssuesReduceOnlyMarket(t *testing.T) {
	repo := newMemOrderRepo()
	fake := exchange.NewFake()
	router, pf, _ := newTestRouter(repo, fake, allowAll)
	user := domain.NewID()

	_, err := pf.ApplyFill(context.Background(), domain.Fill{
		UserID: user, OrderID: domain.NewID(), Venue: "binance-futures",
		Symbol: "BTCUSDT", Side: domain.SideBuy, PositionSide: domain.PositionSideBoth,
		Quantity: dec("0.5"), Price: dec("50000"), VenueTime: 1,
	})
	require.NoError(t, err)

	n, err := router.CloseAllPositions(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, fake.Placed, 1)
	sent := fake.Placed[0]
	assert.Equal(t, domain.OrderTypeMarket, sent.Type)
	assert.Equal(t, domain.SideSell, sent.Side)
	assert.True(t, sent.ReduceOnly)
	assert.True(t, sent.Quantity.Equal(dec("0.5")))
}
