// Package backtest replays historical candles through the same strategy
// surface live bots run on, with a simulated broker in place of the
// order router. Runs are deterministic: identical inputs, model choices,
// and slippage seed produce identical results.
package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/database"
	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/events"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/logging"
	"futures-trading-platform/internal/strategy"
)

// RunJobName is the queue handler that executes a backtest run.
const RunJobName = "backtest-run"

// progressEvery is the candle stride between progress updates and cancel
// checks.
const progressEvery = 100

// klinePageLimit is the venue's maximum candles per history request.
const klinePageLimit = 1500

// Config is the run configuration carried in BacktestRun.Config.
type Config struct {
	InitialCapital decimal.Decimal  `json:"initial_capital"`
	Commission     CommissionConfig `json:"commission"`
	Slippage       SlippageConfig   `json:"slippage"`
}

// Repo is the persistence surface for runs and results.
type Repo interface {
	GetStrategy(ctx context.Context, userID, id domain.ID) (*domain.Strategy, error)
	MarkBacktestStarted(ctx context.Context, id domain.ID) error
	UpdateBacktestProgress(ctx context.Context, id domain.ID, progress int) error
	CompleteBacktestRun(ctx context.Context, id, resultID domain.ID) error
	FinishBacktestRun(ctx context.Context, id domain.ID, status domain.BacktestStatus, errMsg string) error
	InsertBacktestResult(ctx context.Context, res *database.BacktestResult) error
}

// CandleSource loads historical candles. The live exchange client
// satisfies it.
type CandleSource interface {
	GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]exchange.Candle, error)
}

// Progress is the backtest-status event payload.
type Progress struct {
	RunID    domain.ID             `json:"run_id"`
	Status   domain.BacktestStatus `json:"status"`
	Progress int                   `json:"progress"`
}

// Engine executes backtest runs and tracks their cancel flags.
type Engine struct {
	repo    Repo
	candles CandleSource
	bus     *events.Bus
	log     zerolog.Logger

	mu      sync.Mutex
	cancels map[domain.ID]*cancelFlag
}

type cancelFlag struct{ set bool }

func NewEngine(repo Repo, candles CandleSource, bus *events.Bus) *Engine {
	return &Engine{
		repo:    repo,
		candles: candles,
		bus:     bus,
		log:     logging.Component("backtest"),
		cancels: make(map[domain.ID]*cancelFlag),
	}
}

// Cancel flags a running backtest; the engine notices at the next
// progress tick. Unknown or finished runs return NotFound.
func (e *Engine) Cancel(runID domain.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	flag, ok := e.cancels[runID]
	if !ok {
		// Not started yet: pre-register so a queued run aborts on pickup.
		e.cancels[runID] = &cancelFlag{set: true}
		return nil
	}
	flag.set = true
	return nil
}

func (e *Engine) cancelled(runID domain.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	flag, ok := e.cancels[runID]
	return ok && flag.set
}

// HandleRunJob is the job-queue entry point: args carry the run record.
func (e *Engine) HandleRunJob(ctx context.Context, raw json.RawMessage) error {
	var run domain.BacktestRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return errs.Wrap(errs.Validation, err, "bad backtest job args")
	}
	return e.Run(ctx, &run)
}

// Run executes one backtest to completion, cancellation, or failure.
func (e *Engine) Run(ctx context.Context, run *domain.BacktestRun) error {
	e.mu.Lock()
	if _, ok := e.cancels[run.ID]; !ok {
		e.cancels[run.ID] = &cancelFlag{}
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, run.ID)
		e.mu.Unlock()
	}()

	if err := e.repo.MarkBacktestStarted(ctx, run.ID); err != nil {
		return err
	}
	e.publish(run, domain.BacktestStatusRunning, 0)

	result, runErr := e.replay(ctx, run)
	switch {
	case errors.Is(runErr, errReplayCancelled):
		// Partial progress is already persisted; no result record is
		// written for a cancelled run.
		if err := e.repo.FinishBacktestRun(ctx, run.ID, domain.BacktestStatusCancelled, ""); err != nil {
			return err
		}
		e.publish(run, domain.BacktestStatusCancelled, run.Progress)
		return nil
	case runErr != nil:
		if err := e.repo.FinishBacktestRun(ctx, run.ID, domain.BacktestStatusFailed, runErr.Error()); err != nil {
			e.log.Error().Err(err).Stringer("run_id", run.ID).Msg("backtest failure not persisted")
		}
		e.publish(run, domain.BacktestStatusFailed, run.Progress)
		return runErr
	}

	if err := e.repo.InsertBacktestResult(ctx, result); err != nil {
		return err
	}
	if err := e.repo.CompleteBacktestRun(ctx, run.ID, result.ID); err != nil {
		return err
	}
	e.publish(run, domain.BacktestStatusCompleted, 100)
	return nil
}

var errReplayCancelled = errors.New("backtest cancelled")

func (e *Engine) replay(ctx context.Context, run *domain.BacktestRun) (*database.BacktestResult, error) {
	var cfg Config
	if len(run.Config) > 0 {
		if err := json.Unmarshal(run.Config, &cfg); err != nil {
			return nil, errs.Wrap(errs.Validation, err, "bad backtest config")
		}
	}
	if !cfg.InitialCapital.IsPositive() {
		return nil, errs.E(errs.Validation, "backtest requires positive initial capital")
	}

	rec, err := e.repo.GetStrategy(ctx, run.UserID, run.StrategyID)
	if err != nil {
		return nil, err
	}
	strat, err := strategy.New(rec.Type, rec.Parameters)
	if err != nil {
		return nil, err
	}

	com, err := newCommissionModel(cfg.Commission)
	if err != nil {
		return nil, err
	}
	slip, err := newSlippageModel(cfg.Slippage)
	if err != nil {
		return nil, err
	}

	candles, err := e.loadCandles(ctx, run)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, errs.E(errs.Validation, "no candles for %s %s in range", run.Symbol, run.Timeframe)
	}

	broker := newSimBroker(cfg.InitialCapital, com, slip)
	curve := make([]EquityPoint, 0, len(candles))
	exposureBars := 0
	maxOpen := 0

	for i := range candles {
		c := &candles[i]

		if i%progressEvery == 0 {
			if e.cancelled(run.ID) {
				run.Progress = i * 100 / len(candles)
				if err := e.repo.UpdateBacktestProgress(ctx, run.ID, run.Progress); err != nil {
					e.log.Warn().Err(err).Msg("backtest progress not persisted")
				}
				return nil, errReplayCancelled
			}
			run.Progress = i * 100 / len(candles)
			if err := e.repo.UpdateBacktestProgress(ctx, run.ID, run.Progress); err != nil {
				e.log.Warn().Err(err).Msg("backtest progress not persisted")
			}
			e.publish(run, domain.BacktestStatusRunning, run.Progress)
		}

		// Market orders queued during the previous bar fill at this open.
		fills := broker.openAuction(c)

		ev := exchange.MarketEvent{
			Type:   exchange.EventCandle,
			Symbol: run.Symbol,
			Candle: c,
		}
		if err := strat.OnTick(ctx, &ev, broker); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "strategy tick failed")
		}

		// Then resting orders against this bar's range.
		fills = append(fills, broker.match(c)...)
		if err := e.deliver(ctx, run, strat, broker, c, fills); err != nil {
			return nil, err
		}

		curve = append(curve, EquityPoint{Time: c.CloseTime, Equity: broker.equity(c.Close)})
		if broker.exposed() {
			exposureBars++
			if maxOpen < 1 {
				maxOpen = 1
			}
		}
	}

	metrics := computeMetrics(curve, broker.trades, run.Timeframe, exposureBars, maxOpen)
	metrics.SlippageSeed = cfg.Slippage.Seed

	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encode metrics")
	}
	curveJSON, err := json.Marshal(curve)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encode equity curve")
	}
	tradesJSON, err := json.Marshal(broker.trades)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encode trades")
	}

	return &database.BacktestResult{
		RunID:       run.ID,
		Metrics:     metricsJSON,
		EquityCurve: curveJSON,
		Trades:      tradesJSON,
	}, nil
}

// deliver relays fills back into the strategy as order and position
// updates, mirroring what live bots see from the bus.
func (e *Engine) deliver(ctx context.Context, run *domain.BacktestRun, strat strategy.Strategy, broker *simBroker, c *exchange.Candle, fills []simFill) error {
	for _, f := range fills {
		order := &domain.Order{
			ID:           f.Order.id,
			UserID:       run.UserID,
			Symbol:       run.Symbol,
			Side:         f.Order.spec.Side,
			Type:         f.Order.spec.Type,
			Quantity:     f.Order.spec.Quantity,
			Price:        f.Order.spec.Price,
			Status:       domain.OrderStatusFilled,
			FilledQty:    f.Order.spec.Quantity,
			AvgFillPrice: f.Price,
			ReduceOnly:   f.Order.spec.ReduceOnly,
		}
		if err := strat.OnOrderUpdate(ctx, order, broker); err != nil {
			return errs.Wrap(errs.Internal, err, "strategy order update failed")
		}
	}
	if len(fills) == 0 {
		return nil
	}

	pos := &domain.Position{
		UserID:        run.UserID,
		Symbol:        run.Symbol,
		Side:          domain.PositionSideLong,
		Quantity:      broker.posQty.Abs(),
		AvgEntryPrice: broker.posEntry,
		MarkPrice:     c.Close,
		Status:        domain.PositionStatusOpen,
	}
	if broker.posQty.IsNegative() {
		pos.Side = domain.PositionSideShort
	}
	if broker.posQty.IsZero() {
		pos.Status = domain.PositionStatusClosed
	}
	if err := strat.OnPositionUpdate(ctx, pos, broker); err != nil {
		return errs.Wrap(errs.Internal, err, "strategy position update failed")
	}
	return nil
}

// loadCandles pages through history until the range is covered.
func (e *Engine) loadCandles(ctx context.Context, run *domain.BacktestRun) ([]exchange.Candle, error) {
	var out []exchange.Candle
	cursor := run.StartDate
	for cursor.Before(run.EndDate) {
		page, err := e.candles.GetKlines(ctx, run.Symbol, run.Timeframe, cursor, run.EndDate, klinePageLimit)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		next := page[len(page)-1].CloseTime
		if !next.After(cursor) {
			break
		}
		cursor = next
		if len(page) < klinePageLimit {
			break
		}
	}
	return out, nil
}

func (e *Engine) publish(run *domain.BacktestRun, status domain.BacktestStatus, progress int) {
	e.bus.PublishUser(events.EventBacktestStatus, run.UserID, Progress{
		RunID:    run.ID,
		Status:   status,
		Progress: progress,
	})
}
