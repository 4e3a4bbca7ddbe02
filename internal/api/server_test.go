package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"futures-trading-platform/config"
	"futures-trading-platform/internal/auth"
	"futures-trading-platform/internal/backtest"
	"futures-trading-platform/internal/database"
	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/orders"
	"futures-trading-platform/internal/risk"
	"futures-trading-platform/internal/secrets"
	"futures-trading-platform/internal/ws"
)

const testVenue = "binance-futures"

type memStore struct {
	mu          sync.Mutex
	users       map[string]*domain.User
	connections map[domain.ID]*domain.ExchangeConnection
	strategies  map[domain.ID]*domain.Strategy
	bots        map[domain.ID]*domain.Bot
	orders      map[domain.ID]*domain.Order
	positions   []*domain.Position
	trades      []*domain.Trade
	limits      map[domain.ID]*domain.RiskLimit
	alerts      map[domain.ID]*domain.RiskAlert
	runs        map[domain.ID]*domain.BacktestRun
	results     map[domain.ID]*database.BacktestResult
	symbols     []domain.Symbol
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[string]*domain.User),
		connections: make(map[domain.ID]*domain.ExchangeConnection),
		strategies:  make(map[domain.ID]*domain.Strategy),
		bots:        make(map[domain.ID]*domain.Bot),
		orders:      make(map[domain.ID]*domain.Order),
		limits:      make(map[domain.ID]*domain.RiskLimit),
		alerts:      make(map[domain.ID]*domain.RiskAlert),
		runs:        make(map[domain.ID]*domain.BacktestRun),
		results:     make(map[domain.ID]*database.BacktestResult),
	}
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return nil, errs.E(errs.NotFound, "user not found")
	}
	return u, nil
}

func (m *memStore) CreateConnection(_ context.Context, conn *domain.ExchangeConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn.ID == (domain.ID{}) {
		conn.ID = domain.NewID()
	}
	m.connections[conn.ID] = conn
	return nil
}

func (m *memStore) GetConnection(_ context.Context, userID, id domain.ID) (*domain.ExchangeConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok || c.UserID != userID {
		return nil, errs.E(errs.NotFound, "connection not found")
	}
	return c, nil
}

func (m *memStore) ListConnections(_ context.Context, userID domain.ID) ([]*domain.ExchangeConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ExchangeConnection
	for _, c := range m.connections {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) UpdateConnectionStatus(_ context.Context, userID, id domain.ID, status domain.ConnectionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok || c.UserID != userID {
		return errs.E(errs.NotFound, "connection not found")
	}
	c.Status = status
	return nil
}

func (m *memStore) DeleteConnection(_ context.Context, userID, id domain.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok || c.UserID != userID {
		return errs.E(errs.NotFound, "connection not found")
	}
	delete(m.connections, id)
	return nil
}

func (m *memStore) CreateStrategy(_ context.Context, s *domain.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == (domain.ID{}) {
		s.ID = domain.NewID()
	}
	m.strategies[s.ID] = s
	return nil
}

func (m *memStore) GetStrategy(_ context.Context, userID, id domain.ID) (*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok || s.UserID != userID || s.DeletedAt != nil {
		return nil, errs.E(errs.NotFound, "strategy not found")
	}
	return s, nil
}

func (m *memStore) ListStrategies(_ context.Context, userID domain.ID) ([]*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Strategy
	for _, s := range m.strategies {
		if s.UserID == userID && s.DeletedAt == nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) UpdateStrategyParameters(_ context.Context, userID, id domain.ID, params json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok || s.UserID != userID {
		return errs.E(errs.NotFound, "strategy not found")
	}
	s.Parameters = params
	s.Version++
	return nil
}

func (m *memStore) SoftDeleteStrategy(_ context.Context, userID, id domain.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok || s.UserID != userID {
		return errs.E(errs.NotFound, "strategy not found")
	}
	now := time.Now()
	s.DeletedAt = &now
	return nil
}

func (m *memStore) CreateBot(_ context.Context, b *domain.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == (domain.ID{}) {
		b.ID = domain.NewID()
	}
	m.bots[b.ID] = b
	return nil
}

func (m *memStore) GetBot(_ context.Context, userID, id domain.ID) (*domain.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok || b.UserID != userID || b.DeletedAt != nil {
		return nil, errs.E(errs.NotFound, "bot not found")
	}
	return b, nil
}

func (m *memStore) ListBots(_ context.Context, userID domain.ID) ([]*domain.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Bot
	for _, b := range m.bots {
		if b.UserID == userID && b.DeletedAt == nil {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) UpdateBotConfig(_ context.Context, userID, id domain.ID, config json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok || b.UserID != userID {
		return errs.E(errs.NotFound, "bot not found")
	}
	b.Config = config
	return nil
}

func (m *memStore) SoftDeleteBot(_ context.Context, userID, id domain.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok || b.UserID != userID {
		return errs.E(errs.NotFound, "bot not found")
	}
	now := time.Now()
	b.DeletedAt = &now
	return nil
}

func (m *memStore) GetOrder(_ context.Context, userID, id domain.ID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.UserID != userID {
		return nil, errs.E(errs.NotFound, "order not found")
	}
	return o, nil
}

func (m *memStore) ListOrders(_ context.Context, userID domain.ID, f database.OrderFilter) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.UserID != userID {
			continue
		}
		if f.Symbol != "" && o.Symbol != f.Symbol {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (m *memStore) ListPositions(_ context.Context, userID domain.ID, onlyOpen bool) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Position
	for _, p := range m.positions {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) ListTrades(_ context.Context, userID domain.ID, symbol string, limit int) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Trade
	for _, tr := range m.trades {
		if tr.UserID == userID && (symbol == "" || tr.Symbol == symbol) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (m *memStore) CreateRiskLimit(_ context.Context, l *domain.RiskLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[l.ID] = l
	return nil
}

func (m *memStore) ListRiskLimits(_ context.Context, userID domain.ID) ([]*domain.RiskLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RiskLimit
	for _, l := range m.limits {
		if l.UserID == userID && l.DeletedAt == nil {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memStore) UpdateRiskLimit(_ context.Context, l *domain.RiskLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.limits[l.ID]
	if !ok || existing.UserID != l.UserID {
		return errs.E(errs.NotFound, "risk limit not found")
	}
	m.limits[l.ID] = l
	return nil
}

func (m *memStore) SoftDeleteRiskLimit(_ context.Context, userID, id domain.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limits[id]
	if !ok || l.UserID != userID {
		return errs.E(errs.NotFound, "risk limit not found")
	}
	now := time.Now()
	l.DeletedAt = &now
	return nil
}

func (m *memStore) ListRiskAlerts(_ context.Context, userID domain.ID, unackedOnly bool, limit int) ([]*domain.RiskAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RiskAlert
	for _, a := range m.alerts {
		if a.UserID != userID {
			continue
		}
		if unackedOnly && a.AcknowledgedAt != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) AcknowledgeRiskAlert(_ context.Context, userID, id domain.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.UserID != userID {
		return errs.E(errs.NotFound, "alert not found")
	}
	now := time.Now()
	a.AcknowledgedAt = &now
	return nil
}

func (m *memStore) CreateBacktestRun(_ context.Context, run *domain.BacktestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *memStore) GetBacktestRun(_ context.Context, userID, id domain.ID) (*domain.BacktestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.UserID != userID {
		return nil, errs.E(errs.NotFound, "backtest not found")
	}
	return r, nil
}

func (m *memStore) ListBacktestRuns(_ context.Context, userID domain.ID, limit int) ([]*domain.BacktestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.BacktestRun
	for _, r := range m.runs {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) GetBacktestResult(_ context.Context, userID, resultID domain.ID) (*database.BacktestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[resultID]
	if !ok {
		return nil, errs.E(errs.NotFound, "result not found")
	}
	run, ok := m.runs[r.RunID]
	if !ok || run.UserID != userID {
		return nil, errs.E(errs.NotFound, "result not found")
	}
	return r, nil
}

func (m *memStore) ListSymbols(_ context.Context, venue string) ([]domain.Symbol, error) {
	return m.symbols, nil
}

type fakeOrderRouter struct {
	mu        sync.Mutex
	placed    []orders.PlaceRequest
	cancelled []domain.ID
	placeErr  error
	// provisional makes PlaceOrder return nextID alongside placeErr.
	provisional bool
	nextID      domain.ID
}

func (f *fakeOrderRouter) PlaceOrder(_ context.Context, req orders.PlaceRequest) (domain.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		if f.provisional {
			return f.nextID, f.placeErr
		}
		return domain.ID{}, f.placeErr
	}
	f.placed = append(f.placed, req)
	return f.nextID, nil
}

func (f *fakeOrderRouter) CancelOrder(_ context.Context, userID, orderID domain.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

type fakeBotManager struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeBotManager) op(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, name)
	return nil
}

func (f *fakeBotManager) Start(_ context.Context, _, _ domain.ID) error  { return f.op("start") }
func (f *fakeBotManager) Pause(_ context.Context, _, _ domain.ID) error  { return f.op("pause") }
func (f *fakeBotManager) Resume(_ context.Context, _, _ domain.ID) error { return f.op("resume") }
func (f *fakeBotManager) Stop(_ context.Context, _, _ domain.ID) error   { return f.op("stop") }

type fakeRiskControl struct {
	mu      sync.Mutex
	halted  map[domain.ID]bool
	reasons []string
}

func newFakeRiskControl() *fakeRiskControl {
	return &fakeRiskControl{halted: make(map[domain.ID]bool)}
}

func (f *fakeRiskControl) EmergencyStop(_ context.Context, userID domain.ID, reason string) (risk.StopCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halted[userID] = true
	f.reasons = append(f.reasons, reason)
	return risk.StopCounts{OrdersCancelled: 3, PositionsClosed: 2, BotsStopped: 1}, nil
}

func (f *fakeRiskControl) Resume(userID domain.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halted[userID] = false
}

func (f *fakeRiskControl) Halted(userID domain.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.halted[userID]
}

type enqueued struct {
	name     string
	priority domain.JobPriority
	userID   domain.ID
}

type fakeJobQueue struct {
	mu       sync.Mutex
	enqueued []enqueued
	dead     []*domain.Job
	requeued []string
}

func (f *fakeJobQueue) EnqueueForUser(_ context.Context, name string, args any, priority domain.JobPriority, userID domain.ID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, enqueued{name: name, priority: priority, userID: userID})
	return "job-1", nil
}

func (f *fakeJobQueue) GetJob(_ context.Context, id string) (*domain.Job, error) {
	return &domain.Job{ID: id, Name: "x", Status: domain.JobStatusPending}, nil
}

func (f *fakeJobQueue) ListDead(_ context.Context, limit int64) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dead, nil
}

func (f *fakeJobQueue) RequeueDead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakeJobQueue) PendingByPriority(_ context.Context) (map[string]int64, error) {
	return map[string]int64{"normal": 2}, nil
}

type fakeBacktestControl struct {
	mu        sync.Mutex
	cancelled []domain.ID
}

func (f *fakeBacktestControl) Cancel(runID domain.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

type testRig struct {
	server *Server
	store  *memStore
	router *fakeOrderRouter
	bots   *fakeBotManager
	risk   *fakeRiskControl
	jobs   *fakeJobQueue
	bt     *fakeBacktestControl
	user   *domain.User
	token  string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	store := newMemStore()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	require.NoError(t, err)
	user := &domain.User{ID: domain.NewID(), Email: "alice@example.com", PasswordHash: string(hash), Active: true}
	store.users[user.Email] = user

	tokens := auth.NewTokenService("0123456789abcdef0123456789abcdef", time.Hour)
	token, _, err := tokens.Issue(user.ID)
	require.NoError(t, err)

	box, err := secrets.NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	rig := &testRig{
		store:  store,
		router: &fakeOrderRouter{nextID: domain.NewID()},
		bots:   &fakeBotManager{},
		risk:   newFakeRiskControl(),
		jobs:   &fakeJobQueue{},
		bt:     &fakeBacktestControl{},
		user:   user,
		token:  token,
	}
	rig.server = NewServer(config.ServerConfig{AllowedOrigins: "*", ShutdownTimeout: 1}, Deps{
		Store:     store,
		Tokens:    tokens,
		Box:       box,
		Router:    rig.router,
		Bots:      rig.bots,
		Risk:      rig.risk,
		Jobs:      rig.jobs,
		Backtests: rig.bt,
		Hub:       ws.NewHub(nil, testVenue),
		Venue:     testVenue,
	})
	return rig
}

func (r *testRig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	rec := httptest.NewRecorder()
	r.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

func TestLoginIssuesToken(t *testing.T) {
	rig := newTestRig(t)
	rig.token = ""

	rec := rig.do(t, http.MethodPost, "/api/v1/auth/login", gin.H{"email": "alice@example.com", "password": "hunter22"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
	}
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.Token)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	rig := newTestRig(t)
	rig.token = ""

	rec := rig.do(t, http.MethodPost, "/api/v1/auth/login", gin.H{"email": "alice@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = rig.do(t, http.MethodPost, "/api/v1/auth/login", gin.H{"email": "nobody@example.com", "password": "hunter22"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type memSessions struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemSessions() *memSessions { return &memSessions{keys: map[string]bool{}} }

func (m *memSessions) Set(_ context.Context, key string, _ interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = true
	return nil
}

func (m *memSessions) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}

func (m *memSessions) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.keys, k)
	}
	return nil
}

func TestLogoutRevokesToken(t *testing.T) {
	rig := newTestRig(t)
	rig.server.sessions = newMemSessions()
	rig.token = ""

	rec := rig.do(t, http.MethodPost, "/api/v1/auth/login", gin.H{"email": "alice@example.com", "password": "hunter22"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Token string `json:"token"`
	}
	decodeBody(t, rec, &resp)
	rig.token = resp.Token

	rec = rig.do(t, http.MethodGet, "/api/v1/bots", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(t, http.MethodPost, "/api/v1/auth/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(t, http.MethodGet, "/api/v1/bots", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoutesRequireAuth(t *testing.T) {
	rig := newTestRig(t)
	rig.token = ""

	for _, path := range []string{"/api/v1/orders", "/api/v1/bots", "/api/v1/positions"} {
		rec := rig.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestCreateConnectionEncryptsCredentials(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/connections", gin.H{
		"venue": testVenue, "env": "testnet",
		"api_key": "k-plain", "secret_key": "s-plain",
		"can_read": true, "can_trade": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rig.store.mu.Lock()
	defer rig.store.mu.Unlock()
	require.Len(t, rig.store.connections, 1)
	for _, conn := range rig.store.connections {
		assert.Equal(t, domain.ConnectionActive, conn.Status)
		assert.NotContains(t, string(conn.APIKeyEncrypted), "k-plain")
		assert.NotContains(t, string(conn.SecretKeyEncrypted), "s-plain")
	}
}

func TestCreateConnectionRejectsBadEnv(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/connections", gin.H{
		"venue": testVenue, "env": "staging", "api_key": "k", "secret_key": "s",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateStrategyValidatesParameters(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/strategies", gin.H{
		"type": "dca", "name": "steady",
		"parameters": json.RawMessage(`{"symbol":"BTCUSDT","intervalSeconds":60,"notionalPerBuy":"100","maxPositionSize":"500","takeProfitPercent":"2"}`),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = rig.do(t, http.MethodPost, "/api/v1/strategies", gin.H{
		"type": "dca", "name": "broken",
		"parameters": json.RawMessage(`{"symbol":""}`),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaceOrderRoutesToRouter(t *testing.T) {
	rig := newTestRig(t)
	order := &domain.Order{ID: rig.router.nextID, UserID: rig.user.ID, Symbol: "BTCUSDT", Status: domain.OrderStatusNew}
	rig.store.orders[order.ID] = order

	rec := rig.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"symbol": "BTCUSDT", "side": "BUY", "type": "LIMIT",
		"quantity": "0.5", "price": "50000", "time_in_force": "GTC",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, rig.router.placed, 1)
	req := rig.router.placed[0]
	assert.Equal(t, rig.user.ID, req.UserID)
	assert.Equal(t, testVenue, req.Venue)
	assert.Equal(t, domain.SideBuy, req.Side)
	assert.Equal(t, domain.PositionSideBoth, req.PositionSide)
	assert.True(t, req.Quantity.Equal(decimal.RequireFromString("0.5")))
}

func TestPlaceOrderMapsRiskViolation(t *testing.T) {
	rig := newTestRig(t)
	rig.router.placeErr = errs.E(errs.RiskViolation, "max order size exceeded")

	rec := rig.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"symbol": "BTCUSDT", "side": "BUY", "type": "MARKET", "quantity": "1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "max order size exceeded")
}

func TestPlaceOrderUnknownOutcomeReturnsProvisionalOrder(t *testing.T) {
	rig := newTestRig(t)
	rig.router.placeErr = errs.E(errs.ExchangeUnknown, "order dispatch outcome unknown")
	rig.router.provisional = true
	order := &domain.Order{
		ID: rig.router.nextID, UserID: rig.user.ID,
		Symbol: "BTCUSDT", Status: domain.OrderStatusPending,
	}
	rig.store.orders[order.ID] = order

	rec := rig.do(t, http.MethodPost, "/api/v1/orders", gin.H{
		"symbol": "BTCUSDT", "side": "BUY", "type": "MARKET", "quantity": "0.5",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Order struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"order"`
		Error string `json:"error"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, order.ID.String(), resp.Order.ID)
	assert.Equal(t, string(domain.OrderStatusPending), resp.Order.Status)
	assert.Contains(t, resp.Error, "reconciliation")
}

func TestCancelOrderScopedToUser(t *testing.T) {
	rig := newTestRig(t)
	id := domain.NewID()

	rec := rig.do(t, http.MethodDelete, "/api/v1/orders/"+id.String(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []domain.ID{id}, rig.router.cancelled)
}

func TestGetOrderHidesOtherUsers(t *testing.T) {
	rig := newTestRig(t)
	other := &domain.Order{ID: domain.NewID(), UserID: domain.NewID(), Symbol: "ETHUSDT"}
	rig.store.orders[other.ID] = other

	rec := rig.do(t, http.MethodGet, "/api/v1/orders/"+other.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBotLifecycleEndpoints(t *testing.T) {
	rig := newTestRig(t)
	bot := &domain.Bot{ID: domain.NewID(), UserID: rig.user.ID, Status: domain.BotStatusStopped}
	rig.store.bots[bot.ID] = bot

	for _, op := range []string{"start", "pause", "resume", "stop"} {
		rec := rig.do(t, http.MethodPost, "/api/v1/bots/"+bot.ID.String()+"/"+op, nil)
		assert.Equal(t, http.StatusOK, rec.Code, op)
	}
	assert.Equal(t, []string{"start", "pause", "resume", "stop"}, rig.bots.calls)
}

func TestBotLifecycleInvalidTransition(t *testing.T) {
	rig := newTestRig(t)
	bot := &domain.Bot{ID: domain.NewID(), UserID: rig.user.ID, Status: domain.BotStatusActive}
	rig.store.bots[bot.ID] = bot
	rig.bots.err = errs.E(errs.InvalidState, "bot is already ACTIVE")

	rec := rig.do(t, http.MethodPost, "/api/v1/bots/"+bot.ID.String()+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRiskLimitValidation(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/risk/limits", gin.H{
		"type": "max-daily-loss", "threshold": "500",
		"warning_fraction": "0.7", "critical_fraction": "0.9",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = rig.do(t, http.MethodPost, "/api/v1/risk/limits", gin.H{
		"type": "max-daily-loss", "threshold": "500",
		"warning_fraction": "0.9", "critical_fraction": "0.7",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = rig.do(t, http.MethodPost, "/api/v1/risk/limits", gin.H{
		"type": "made-up", "threshold": "500",
		"warning_fraction": "0.7", "critical_fraction": "0.9",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmergencyStopReportsCounts(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/risk/emergency-stop", gin.H{"reason": "fat finger"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Halted          bool `json:"halted"`
		OrdersCancelled int  `json:"orders_cancelled"`
		PositionsClosed int  `json:"positions_closed"`
		BotsStopped     int  `json:"bots_stopped"`
	}
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Halted)
	assert.Equal(t, 3, resp.OrdersCancelled)
	assert.Equal(t, 2, resp.PositionsClosed)
	assert.Equal(t, 1, resp.BotsStopped)
	assert.Equal(t, []string{"fat finger"}, rig.risk.reasons)
	assert.True(t, rig.risk.Halted(rig.user.ID))

	rec = rig.do(t, http.MethodPost, "/api/v1/risk/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, rig.risk.Halted(rig.user.ID))
}

func TestCreateBacktestEnqueuesRunJob(t *testing.T) {
	rig := newTestRig(t)
	strat := &domain.Strategy{ID: domain.NewID(), UserID: rig.user.ID, Type: domain.StrategyDCA}
	rig.store.strategies[strat.ID] = strat

	rec := rig.do(t, http.MethodPost, "/api/v1/backtests", gin.H{
		"strategy_id": strat.ID.String(),
		"symbol":      "BTCUSDT",
		"timeframe":   "1h",
		"start_date":  "2024-01-01T00:00:00Z",
		"end_date":    "2024-02-01T00:00:00Z",
		"config":      json.RawMessage(`{"initialCapital":"10000"}`),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, rig.jobs.enqueued, 1)
	assert.Equal(t, backtest.RunJobName, rig.jobs.enqueued[0].name)
	assert.Equal(t, rig.user.ID, rig.jobs.enqueued[0].userID)
	require.Len(t, rig.store.runs, 1)
	for _, run := range rig.store.runs {
		assert.Equal(t, domain.BacktestStatusPending, run.Status)
	}
}

func TestCreateBacktestRejectsInvertedDates(t *testing.T) {
	rig := newTestRig(t)
	strat := &domain.Strategy{ID: domain.NewID(), UserID: rig.user.ID, Type: domain.StrategyDCA}
	rig.store.strategies[strat.ID] = strat

	rec := rig.do(t, http.MethodPost, "/api/v1/backtests", gin.H{
		"strategy_id": strat.ID.String(),
		"symbol":      "BTCUSDT",
		"timeframe":   "1h",
		"start_date":  "2024-02-01T00:00:00Z",
		"end_date":    "2024-01-01T00:00:00Z",
		"config":      json.RawMessage(`{"initialCapital":"10000"}`),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rig.jobs.enqueued)
}

func TestCancelBacktestOnlyWhileActive(t *testing.T) {
	rig := newTestRig(t)
	run := &domain.BacktestRun{ID: domain.NewID(), UserID: rig.user.ID, Status: domain.BacktestStatusRunning}
	rig.store.runs[run.ID] = run

	rec := rig.do(t, http.MethodPost, "/api/v1/backtests/"+run.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []domain.ID{run.ID}, rig.bt.cancelled)

	run.Status = domain.BacktestStatusCompleted
	rec = rig.do(t, http.MethodPost, "/api/v1/backtests/"+run.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEnqueueJobRejectsUnknownTask(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodPost, "/api/v1/jobs", gin.H{"name": "drop-tables"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = rig.do(t, http.MethodPost, "/api/v1/jobs", gin.H{"name": "risk-sweep", "priority": "high"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, rig.jobs.enqueued, 1)
	assert.Equal(t, domain.PriorityHigh, rig.jobs.enqueued[0].priority)
}

func TestBadPathIDIsValidationError(t *testing.T) {
	rig := newTestRig(t)

	rec := rig.do(t, http.MethodGet, "/api/v1/orders/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
