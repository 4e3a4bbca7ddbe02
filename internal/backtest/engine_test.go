package backtest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-trading-platform/internal/database"
	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/events"
	"futures-trading-platform/internal/exchange"
)

type memBTRepo struct {
	mu         sync.Mutex
	strat      *domain.Strategy
	started    []domain.ID
	progress   []int
	finished   map[domain.ID]domain.BacktestStatus
	errMsgs    map[domain.ID]string
	completed  map[domain.ID]domain.ID
	results    []*database.BacktestResult
	onProgress func(id domain.ID, progress int)
}

func newMemBTRepo(strat *domain.Strategy) *memBTRepo {
	return &memBTRepo{
		strat:     strat,
		finished:  make(map[domain.ID]domain.BacktestStatus),
		errMsgs:   make(map[domain.ID]string),
		completed: make(map[domain.ID]domain.ID),
	}
}

func (r *memBTRepo) GetStrategy(_ context.Context, _, _ domain.ID) (*domain.Strategy, error) {
	return r.strat, nil
}

func (r *memBTRepo) MarkBacktestStarted(_ context.Context, id domain.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
	return nil
}

func (r *memBTRepo) UpdateBacktestProgress(_ context.Context, id domain.ID, progress int) error {
	r.mu.Lock()
	r.progress = append(r.progress, progress)
	hook := r.onProgress
	r.mu.Unlock()
	if hook != nil {
		hook(id, progress)
	}
	return nil
}

func (r *memBTRepo) CompleteBacktestRun(_ context.Context, id, resultID domain.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[id] = domain.BacktestStatusCompleted
	r.completed[id] = resultID
	return nil
}

func (r *memBTRepo) FinishBacktestRun(_ context.Context, id domain.ID, status domain.BacktestStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[id] = status
	r.errMsgs[id] = errMsg
	return nil
}

func (r *memBTRepo) InsertBacktestResult(_ context.Context, res *database.BacktestResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.ID == (domain.ID{}) {
		res.ID = domain.NewID()
	}
	r.results = append(r.results, res)
	return nil
}

type sliceCandles struct {
	candles []exchange.Candle
}

func (s *sliceCandles) GetKlines(_ context.Context, _, _ string, start, end time.Time, limit int) ([]exchange.Candle, error) {
	var out []exchange.Candle
	for _, c := range s.candles {
		if c.OpenTime.Before(start) || !c.OpenTime.Before(end) {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// triangleCandles builds an hourly series whose close oscillates between
// 92 and 112 with a 40-bar period, so a take-profit strategy realizes
// P&L on every upswing.
func triangleCandles(n int, start time.Time) []exchange.Candle {
	closeAt := func(i int) decimal.Decimal {
		phase := i % 40
		if phase < 20 {
			return decimal.NewFromInt(int64(92 + phase))
		}
		return decimal.NewFromInt(int64(112 - (phase - 20)))
	}
	out := make([]exchange.Candle, n)
	for i := range out {
		open := closeAt(i)
		if i > 0 {
			open = closeAt(i - 1)
		}
		cl := closeAt(i)
		hi, lo := open, cl
		if cl.GreaterThan(hi) {
			hi = cl
		}
		if open.LessThan(lo) {
			lo = open
		}
		out[i] = exchange.Candle{
			OpenTime:  start.Add(time.Duration(i) * time.Hour),
			Open:      open,
			High:      hi.Add(decimal.NewFromFloat(0.5)),
			Low:       lo.Sub(decimal.NewFromFloat(0.5)),
			Close:     cl,
			Volume:    decimal.NewFromInt(1000),
			CloseTime: start.Add(time.Duration(i+1) * time.Hour),
			Final:     true,
		}
	}
	return out
}

func dcaStrategy(t *testing.T) *domain.Strategy {
	t.Helper()
	return &domain.Strategy{
		ID:     domain.NewID(),
		UserID: domain.NewID(),
		Type:   domain.StrategyDCA,
		Name:   "hourly accumulator",
		Parameters: json.RawMessage(`{
			"symbol": "BTCUSDT",
			"intervalSeconds": 60,
			"notionalPerBuy": "100",
			"maxPositionSize": "50",
			"takeProfitPercent": "1"
		}`),
	}
}

func makeRun(strat *domain.Strategy, nBars int, start time.Time, cfg string) *domain.BacktestRun {
	return &domain.BacktestRun{
		ID:         domain.NewID(),
		UserID:     strat.UserID,
		StrategyID: strat.ID,
		Symbol:     "BTCUSDT",
		Timeframe:  "1h",
		StartDate:  start,
		EndDate:    start.Add(time.Duration(nBars) * time.Hour),
		Config:     json.RawMessage(cfg),
		Status:     domain.BacktestStatusPending,
	}
}

func TestEngineRunCompletes(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	strat := dcaStrategy(t)
	repo := newMemBTRepo(strat)
	source := &sliceCandles{candles: triangleCandles(250, start)}
	eng := NewEngine(repo, source, events.NewBus())

	run := makeRun(strat, 250, start, `{"initial_capital":"10000","commission":{"model":"percentage","rate":"0.0004"}}`)
	require.NoError(t, eng.Run(context.Background(), run))

	assert.Equal(t, []domain.ID{run.ID}, repo.started)
	assert.Equal(t, domain.BacktestStatusCompleted, repo.finished[run.ID])
	require.Len(t, repo.results, 1)

	res := repo.results[0]
	assert.Equal(t, run.ID, res.RunID)
	assert.Equal(t, res.ID, repo.completed[run.ID])

	var m Metrics
	require.NoError(t, json.Unmarshal(res.Metrics, &m))
	assert.Greater(t, m.TotalTrades, 0, "take-profit cycles realize trades")
	assert.Greater(t, m.AverageExposure, 0.0)
	assert.Equal(t, 1, m.MaxOpenPositions)

	var curve []EquityPoint
	require.NoError(t, json.Unmarshal(res.EquityCurve, &curve))
	assert.Len(t, curve, 250, "one equity point per candle")

	// Progress ticks every 100 candles, monotonically.
	require.NotEmpty(t, repo.progress)
	for i := 1; i < len(repo.progress); i++ {
		assert.GreaterOrEqual(t, repo.progress[i], repo.progress[i-1])
	}
}

func TestEngineIsDeterministicWithSeededSlippage(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := `{"initial_capital":"10000","slippage":{"model":"random","value":"0.001","seed":7}}`

	runOnce := func() *database.BacktestResult {
		strat := dcaStrategy(t)
		repo := newMemBTRepo(strat)
		source := &sliceCandles{candles: triangleCandles(250, start)}
		eng := NewEngine(repo, source, events.NewBus())
		run := makeRun(strat, 250, start, cfg)
		require.NoError(t, eng.Run(context.Background(), run))
		require.Len(t, repo.results, 1)
		return repo.results[0]
	}

	a, b := runOnce(), runOnce()
	assert.Equal(t, string(a.Metrics), string(b.Metrics))
	assert.Equal(t, string(a.EquityCurve), string(b.EquityCurve))
	assert.Equal(t, string(a.Trades), string(b.Trades))

	var m Metrics
	require.NoError(t, json.Unmarshal(a.Metrics, &m))
	assert.Equal(t, int64(7), m.SlippageSeed, "seed recorded in the result")
}

func TestEngineCancellationMidRun(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	strat := dcaStrategy(t)
	repo := newMemBTRepo(strat)
	source := &sliceCandles{candles: triangleCandles(400, start)}
	eng := NewEngine(repo, source, events.NewBus())

	run := makeRun(strat, 400, start, `{"initial_capital":"10000"}`)
	repo.onProgress = func(id domain.ID, progress int) {
		if progress >= 25 {
			require.NoError(t, eng.Cancel(id))
		}
	}

	require.NoError(t, eng.Run(context.Background(), run))

	assert.Equal(t, domain.BacktestStatusCancelled, repo.finished[run.ID])
	assert.Empty(t, repo.results, "cancelled runs write no result")
	assert.Greater(t, run.Progress, 0)
	assert.Less(t, run.Progress, 100)
}

func TestEngineCancelBeforeStartAbortsOnPickup(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	strat := dcaStrategy(t)
	repo := newMemBTRepo(strat)
	src := &sliceCandles{candles: triangleCandles(120, start)}
	eng := NewEngine(repo, src, events.NewBus())

	run := makeRun(strat, 120, start, `{"initialCapital":"10000"}`)
	require.NoError(t, eng.Cancel(run.ID))
	require.NoError(t, eng.Run(context.Background(), run))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, domain.BacktestStatusCancelled, repo.finished[run.ID])
	assert.Empty(t, repo.results)
}

func TestEngineFailsWithoutCandles(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	strat := dcaStrategy(t)
	repo := newMemBTRepo(strat)
	eng := NewEngine(repo, &sliceCandles{}, events.NewBus())

	run := makeRun(strat, 10, start, `{"initial_capital":"10000"}`)
	require.Error(t, eng.Run(context.Background(), run))
	assert.Equal(t, domain.BacktestStatusFailed, repo.finished[run.ID])
	assert.NotEmpty(t, repo.errMsgs[run.ID])
}

func TestEngineRequiresInitialCapital(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	strat := dcaStrategy(t)
	repo := newMemBTRepo(strat)
	source := &sliceCandles{candles: triangleCandles(10, start)}
	eng := NewEngine(repo, source, events.NewBus())

	run := makeRun(strat, 10, start, `{}`)
	require.Error(t, eng.Run(context.Background(), run))
	assert.Equal(t, domain.BacktestStatusFailed, repo.finished[run.ID])
}

func TestEngineHandleRunJobRejectsBadArgs(t *testing.T) {
	eng := NewEngine(newMemBTRepo(nil), &sliceCandles{}, events.NewBus())
	assert.Error(t, eng.HandleRunJob(context.Background(), json.RawMessage(`{not json`)))
}

func TestComputeMetricsCurveAndTrades(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	curve := []EquityPoint{
		{Time: at, Equity: dec("100")},
		{Time: at.Add(time.Hour), Equity: dec("110")},
		{Time: at.Add(2 * time.Hour), Equity: dec("105")},
		{Time: at.Add(3 * time.Hour), Equity: dec("120")},
	}
	trades := []TradeRecord{
		{Pnl: dec("10")},
		{Pnl: dec("-5")},
		{Pnl: dec("0")}, // opening fill, not counted
		{Pnl: dec("3")},
		{Pnl: dec("2")},
		{Pnl: dec("-1")},
		{Pnl: dec("-1")},
	}

	m := computeMetrics(curve, trades, "1h", 2, 1)

	assert.InDelta(t, 0.2, m.TotalReturn, 1e-9)
	assert.InDelta(t, 5.0/110.0, m.MaxDrawdown, 1e-9)
	assert.Equal(t, 1, m.MaxDrawdownBars)
	assert.InDelta(t, 0.5, m.AverageExposure, 1e-9)

	assert.Equal(t, 6, m.TotalTrades)
	assert.Equal(t, 3, m.WinningTrades)
	assert.Equal(t, 3, m.LosingTrades)
	assert.InDelta(t, 0.5, m.WinRate, 1e-9)
	assert.InDelta(t, 15.0/7.0, m.ProfitFactor, 1e-9)
	assert.InDelta(t, 5.0, m.AverageWin, 1e-9)
	assert.InDelta(t, 7.0/3.0, m.AverageLoss, 1e-9)
	assert.InDelta(t, 10.0, m.LargestWin, 1e-9)
	assert.InDelta(t, 5.0, m.LargestLoss, 1e-9)
	assert.Equal(t, 2, m.MaxConsecWins)
	assert.Equal(t, 2, m.MaxConsecLosses)
	assert.InDelta(t, 8.0/6.0, m.ExpectedValue, 1e-9)
	// 50% win rate has no edge: ruin is certain in the limit.
	assert.InDelta(t, 1.0, m.RiskOfRuin, 1e-9)
}

func TestComputeMetricsShortCurve(t *testing.T) {
	m := computeMetrics(nil, nil, "1h", 0, 0)
	assert.Zero(t, m.TotalReturn)
	assert.Zero(t, m.TotalTrades)
}
