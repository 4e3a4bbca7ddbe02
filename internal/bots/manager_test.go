package bots

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-platform/internal/cache"
	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/events"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/marketdata"
	"futures-trading-platform/internal/orders"
	"futures-trading-platform/internal/portfolio"
)

type memBotRepo struct {
	mu       sync.Mutex
	bots     map[domain.ID]*domain.Bot
	strats   map[domain.ID]*domain.Strategy
	symbols  map[string]*domain.Symbol
	conns    []*domain.ExchangeConnection
	open     []*domain.Order
	statuses []domain.BotStatus
}

func newMemBotRepo() *memBotRepo {
	return &memBotRepo{
		bots:    make(map[domain.ID]*domain.Bot),
		strats:  make(map[domain.ID]*domain.Strategy),
		symbols: make(map[string]*domain.Symbol),
	}
}

func (r *memBotRepo) GetBot(_ context.Context, userID, id domain.ID) (*domain.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok || b.UserID != userID {
		return nil, errs.E(errs.NotFound, "bot not found")
	}
	cp := *b
	return &cp, nil
}

func (r *memBotRepo) GetStrategy(_ context.Context, userID, id domain.ID) (*domain.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strats[id]
	if !ok {
		return nil, errs.E(errs.NotFound, "strategy not found")
	}
	return s, nil
}

func (r *memBotRepo) GetSymbol(_ context.Context, venue, name string) (*domain.Symbol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.symbols[venue+"/"+name]
	if !ok {
		return nil, errs.E(errs.NotFound, "symbol not found")
	}
	return s, nil
}

func (r *memBotRepo) ListConnections(_ context.Context, userID domain.ID) ([]*domain.ExchangeConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.ExchangeConnection(nil), r.conns...), nil
}

func (r *memBotRepo) UpdateBotStatus(_ context.Context, id domain.ID, status domain.BotStatus, statusErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bots[id]; ok {
		b.Status = status
		b.StatusError = statusErr
	}
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *memBotRepo) ListRunnableBots(_ context.Context) ([]*domain.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Bot
	for _, b := range r.bots {
		switch b.Status {
		case domain.BotStatusActive, domain.BotStatusStarting, domain.BotStatusPaused:
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memBotRepo) ListOpenOrders(_ context.Context, userID domain.ID) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Order(nil), r.open...), nil
}

func (r *memBotRepo) status(id domain.ID) domain.BotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bots[id].Status
}

type fakeRouter struct {
	mu        sync.Mutex
	placed    []orders.PlaceRequest
	cancelled []domain.ID
}

func (f *fakeRouter) PlaceOrder(_ context.Context, req orders.PlaceRequest) (domain.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	return domain.NewID(), nil
}

func (f *fakeRouter) CancelOrder(_ context.Context, _, orderID domain.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeRouter) CancelAllOrders(_ context.Context, _ domain.ID) (int, error) {
	return 0, nil
}

func (f *fakeRouter) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeRouter) cancelledIDs() []domain.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ID(nil), f.cancelled...)
}

type fakeFeed struct {
	ch        chan exchange.MarketEvent
	cancelled bool
}

func (f *fakeFeed) Events() <-chan exchange.MarketEvent { return f.ch }
func (f *fakeFeed) Cancel()                             { f.cancelled = true }

type fakeMarket struct {
	mu    sync.Mutex
	feeds []*fakeFeed
}

func (f *fakeMarket) Subscribe(_ context.Context, _ marketdata.Topic) (Feed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	feed := &fakeFeed{ch: make(chan exchange.MarketEvent, 64)}
	f.feeds = append(f.feeds, feed)
	return feed, nil
}

func (f *fakeMarket) last() *fakeFeed {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.feeds) == 0 {
		return nil
	}
	return f.feeds[len(f.feeds)-1]
}

type memCheckpoint struct {
	mu sync.Mutex
	kv map[string]string
}

func newMemCheckpoint() *memCheckpoint { return &memCheckpoint{kv: make(map[string]string)} }

func (m *memCheckpoint) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		m.kv[key] = string(v)
	case string:
		m.kv[key] = v
	default:
		data, _ := json.Marshal(v)
		m.kv[key] = string(data)
	}
	return nil
}

func (m *memCheckpoint) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return v, nil
}

type fakePortfolio struct {
	equity decimal.Decimal
}

func (f *fakePortfolio) Snapshot(userID domain.ID) portfolio.Snapshot {
	return portfolio.Snapshot{UserID: userID, Equity: f.equity}
}

type fixture struct {
	repo    *memBotRepo
	router  *fakeRouter
	market  *fakeMarket
	store   *memCheckpoint
	bus     *events.Bus
	manager *Manager
	userID  domain.ID
	bot     *domain.Bot
}

func newFixture(t *testing.T, params string) *fixture {
	t.Helper()
	repo := newMemBotRepo()
	router := &fakeRouter{}
	market := &fakeMarket{}
	store := newMemCheckpoint()
	bus := events.NewBus()

	userID := domain.NewID()
	stratID := domain.NewID()
	repo.strats[stratID] = &domain.Strategy{
		ID:         stratID,
		UserID:     userID,
		Type:       domain.StrategyGrid,
		Parameters: json.RawMessage(params),
	}
	repo.symbols["binance-futures/ETHUSDT"] = &domain.Symbol{
		Venue: "binance-futures", Name: "ETHUSDT", Status: "TRADING",
	}
	repo.conns = []*domain.ExchangeConnection{{
		UserID: userID, Venue: "binance-futures",
		Status: domain.ConnectionActive, CanTrade: true,
	}}

	bot := &domain.Bot{
		ID:               domain.NewID(),
		UserID:           userID,
		StrategyID:       stratID,
		Venue:            "binance-futures",
		Symbol:           "ETHUSDT",
		Status:           domain.BotStatusPending,
		TickIntervalSecs: 3600, // keep the timer out of the way
	}
	repo.bots[bot.ID] = bot

	m := NewManager(repo, router, market, store, &fakePortfolio{equity: decimal.NewFromInt(10000)}, bus)
	t.Cleanup(m.Shutdown)

	return &fixture{repo: repo, router: router, market: market, store: store, bus: bus, manager: m, userID: userID, bot: bot}
}

const gridParamsJSON = `{"lowerPrice":"1500","upperPrice":"2000","gridCount":6,"quantityPerGrid":"0.1"}`

func candle(symbol, close string) exchange.MarketEvent {
	return exchange.MarketEvent{
		Type:   exchange.EventCandle,
		Venue:  "binance-futures",
		Symbol: symbol,
		Candle: &exchange.Candle{
			Close:     decimal.RequireFromString(close),
			CloseTime: time.Now().UTC(),
			Final:     true,
		},
	}
}

func TestStartActivatesBot(t *testing.T) {
	f := newFixture(t, gridParamsJSON)

	require.NoError(t, f.manager.Start(context.Background(), f.userID, f.bot.ID))
	assert.Equal(t, domain.BotStatusActive, f.repo.status(f.bot.ID))
	assert.True(t, f.manager.Live(f.bot.ID))

	f.repo.mu.Lock()
	statuses := append([]domain.BotStatus(nil), f.repo.statuses...)
	f.repo.mu.Unlock()
	assert.Equal(t, []domain.BotStatus{domain.BotStatusStarting, domain.BotStatusActive}, statuses)
}

func TestStartPreflightFailureRevertsStatus(t *testing.T) {
	f := newFixture(t, gridParamsJSON)
	f.repo.conns = nil

	err := f.manager.Start(context.Background(), f.userID, f.bot.ID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.PreflightFailed))
	assert.Equal(t, domain.BotStatusPending, f.repo.status(f.bot.ID))
	assert.False(t, f.manager.Live(f.bot.ID))
}

func TestStartFromActiveIsInvalidState(t *testing.T) {
	f := newFixture(t, gridParamsJSON)
	require.NoError(t, f.manager.Start(context.Background(), f.userID, f.bot.ID))

	err := f.manager.Start(context.Background(), f.userID, f.bot.ID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.InvalidState))
}

func TestGridBotSeedsLadderOnFirstCandle(t *testing.T) {
	f := newFixture(t, gridParamsJSON)
	require.NoError(t, f.manager.Start(context.Background(), f.userID, f.bot.ID))

	f.market.last().ch <- candle("ETHUSDT", "1700")

	// Levels 1500..2000 step 100; at or above the 1700 mark sells.
	require.Eventually(t, func() bool { return f.router.placedCount() == 6 }, 2*time.Second, 10*time.Millisecond)

	f.router.mu.Lock()
	defer f.router.mu.Unlock()
	var buys, sells int
	for _, req := range f.router.placed {
		assert.Equal(t, f.userID, req.UserID)
		require.NotNil(t, req.BotID)
		assert.Equal(t, f.bot.ID, *req.BotID)
		assert.Equal(t, "ETHUSDT", req.Symbol)
		assert.Equal(t, domain.TimeInForceGTC, req.TimeInForce)
		assert.True(t, req.MarkPrice.Equal(decimal.NewFromInt(1700)))
		if req.Side == domain.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	assert.Equal(t, 2, buys)
	assert.Equal(t, 4, sells)
}

func TestCheckpointWrittenAfterTick(t *testing.T) {
	f := newFixture(t, gridParamsJSON)
	require.NoError(t, f.manager.Start(context.Background(), f.userID, f.bot.ID))

	f.market.last().ch <- candle("ETHUSDT", "1700")

	key := cache.BotStateKey(f.bot.ID.String())
	require.Eventually(t, func() bool {
		_, err := f.store.Get(context.Background(), key)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPauseCancelsNonReduceOnlyOrders(t *testing.T) {
	f := newFixture(t, gridParamsJSON)
	f.repo.bots[f.bot.ID].CancelOrdersOnPause = true
	require.NoError(t, f.manager.Start(context.Background(), f.userID, f.bot.ID))

	otherBot := domain.NewID()
	mine := &domain.Order{ID: domain.NewID(), UserID: f.userID, BotID: &f.bot.ID}
	exit := &domain.Order{ID: domain.NewID(), UserID: f.userID, BotID: &f.bot.ID, ReduceOnly: true}
	foreign := &domain.Order{ID: domain.NewID(), UserID: f.userID, BotID: &otherBot}
	f.repo.open = []*domain.Order{mine, exit, foreign}

	require.NoError(t, f.manager.Pause(context.Background(), f.userID, f.bot.ID))
	assert.Equal(t, domain.BotStatusPaused, f.repo.status(f.bot.ID))
	assert.Equal(t, []domain.ID{mine.ID}, f.router.cancelledIDs())

	// Paused bots ignore market events.
	f.market.last().ch <- candle("ETHUSDT", "1700")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.router.placedCount())
}

func TestResumeReturnsToActive(t *testing.T) {
	f := newFixture(t, gridParamsJSON)
	require.NoError(t, f.manager.Start(context.Background(), f.userID, f.bot.ID))
	require.NoError(t, f.manager.Pause(context.Background(), f.userID, f.bot.ID))

	require.NoError(t, f.manager.Resume(context.Background(), f.userID, f.bot.ID))
	assert.Equal(t, domain.BotStatusActive, f.repo.status(f.bot.ID))

	f.market.last().ch <- candle("ETHUSDT", "1700")
	require.Eventually(t, func() bool { return f.router.placedCount() == 6 }, 2*time.Second, 10*time.Millisecond)
}

func TestResumeFromActiveIsInvalidState(t *testing.T) {
	f := newFixture(t, gridParamsJSON)
	require.NoError(t, f.manager.Start(context.Background(), f.userID, f.bot.ID))

	err := f.manager.Resume(context.Background(), f.userID, f.bot.ID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.InvalidState))
}

func TestStopCancelsOrdersAndReleasesFeed(t *testing.T) {
	f := newFixture(t, gridParamsJSON)
	require.NoError(t, f.manager.Start(context.Background(), f.userID, f.bot.ID))

	working := &domain.Order{ID: domain.NewID(), UserID: f.userID, BotID: &f.bot.ID}
	exit := &domain.Order{ID: domain.NewID(), UserID: f.userID, BotID: &f.bot.ID, ReduceOnly: true}
	f.repo.open = []*domain.Order{working, exit}

	require.NoError(t, f.manager.Stop(context.Background(), f.userID, f.bot.ID))
	assert.Equal(t, domain.BotStatusStopped, f.repo.status(f.bot.ID))
	assert.False(t, f.manager.Live(f.bot.ID))
	// Stop cancels everything, reduce-only included.
	assert.ElementsMatch(t, []domain.ID{working.ID, exit.ID}, f.router.cancelledIDs())
	require.Eventually(t, func() bool { return f.market.last().cancelled }, 2*time.Second, 10*time.Millisecond)
}

func TestStopAlreadyStoppedIsNoop(t *testing.T) {
	f := newFixture(t, gridParamsJSON)
	f.repo.bots[f.bot.ID].Status = domain.BotStatusStopped

	require.NoError(t, f.manager.Stop(context.Background(), f.userID, f.bot.ID))
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	assert.Empty(t, f.repo.statuses)
}

func TestStopAllForUser(t *testing.T) {
	f := newFixture(t, gridParamsJSON)
	require.NoError(t, f.manager.Start(context.Background(), f.userID, f.bot.ID))

	second := &domain.Bot{
		ID:               domain.NewID(),
		UserID:           f.userID,
		StrategyID:       f.bot.StrategyID,
		Venue:            "binance-futures",
		Symbol:           "ETHUSDT",
		Status:           domain.BotStatusPending,
		TickIntervalSecs: 3600,
	}
	f.repo.mu.Lock()
	f.repo.bots[second.ID] = second
	f.repo.mu.Unlock()
	require.NoError(t, f.manager.Start(context.Background(), f.userID, second.ID))

	stopped, err := f.manager.StopAllForUser(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Equal(t, 2, stopped)
	assert.False(t, f.manager.Live(f.bot.ID))
	assert.False(t, f.manager.Live(second.ID))

	stopped, err = f.manager.StopAllForUser(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Zero(t, stopped)
}

func TestRespawnRunnableRestoresCheckpoint(t *testing.T) {
	f := newFixture(t, gridParamsJSON)

	// Simulate a previous process: bot marked active, ladder already
	// seeded per the checkpoint.
	f.repo.bots[f.bot.ID].Status = domain.BotStatusActive
	state, _ := json.Marshal(map[string]any{"placed": map[string]int{}, "seeded": true})
	require.NoError(t, f.store.Set(context.Background(), cache.BotStateKey(f.bot.ID.String()), state, 0))

	require.NoError(t, f.manager.RespawnRunnable(context.Background()))
	require.True(t, f.manager.Live(f.bot.ID))

	f.market.last().ch <- candle("ETHUSDT", "1700")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.router.placedCount(), "seeded grid does not re-post the ladder")
}

func TestOrderEventsReachOwningBot(t *testing.T) {
	f := newFixture(t, gridParamsJSON)
	require.NoError(t, f.manager.Start(context.Background(), f.userID, f.bot.ID))

	f.market.last().ch <- candle("ETHUSDT", "1700")
	require.Eventually(t, func() bool { return f.router.placedCount() == 6 }, 2*time.Second, 10*time.Millisecond)
	key := cache.BotStateKey(f.bot.ID.String())
	require.Eventually(t, func() bool {
		_, err := f.store.Get(context.Background(), key)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Fill the buy at 1600; the grid answers with a sell at 1700.
	f.router.mu.Lock()
	var fillIdx = -1
	for i, req := range f.router.placed {
		if req.Side == domain.SideBuy && req.Price.Equal(decimal.NewFromInt(1600)) {
			fillIdx = i
		}
	}
	f.router.mu.Unlock()
	require.GreaterOrEqual(t, fillIdx, 0)

	f.bus.PublishUser(events.EventOrderUpdated, f.userID, domain.Order{
		ID:     gridOrderID(t, f, fillIdx),
		UserID: f.userID,
		BotID:  &f.bot.ID,
		Side:   domain.SideBuy,
		Status: domain.OrderStatusFilled,
	})

	require.Eventually(t, func() bool { return f.router.placedCount() == 7 }, 2*time.Second, 10*time.Millisecond)
	f.router.mu.Lock()
	defer f.router.mu.Unlock()
	posted := f.router.placed[6]
	assert.Equal(t, domain.SideSell, posted.Side)
	assert.True(t, posted.Price.Equal(decimal.NewFromInt(1700)))
}

// gridOrderID digs the router-assigned id for the nth placed order out of
// the bot's checkpoint, since the fake router invents ids.
func gridOrderID(t *testing.T, f *fixture, idx int) domain.ID {
	t.Helper()
	raw, err := f.store.Get(context.Background(), cache.BotStateKey(f.bot.ID.String()))
	require.NoError(t, err)
	var st struct {
		Placed map[string]int `json:"placed"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &st))

	f.router.mu.Lock()
	target := f.router.placed[idx].Price
	f.router.mu.Unlock()
	// Level index for a price in the 1500..2000/step-100 ladder.
	level := int(target.Sub(decimal.NewFromInt(1500)).Div(decimal.NewFromInt(100)).IntPart())
	for id, lvl := range st.Placed {
		if lvl == level {
			parsed, err := domain.ParseID(id)
			require.NoError(t, err)
			return parsed
		}
	}
	t.Fatalf("no checkpointed order at level %d", level)
	return domain.ID{}
}
