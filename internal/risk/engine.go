// Package risk gates orders before they reach the venue and continuously
// monitors live portfolios against the user's limit catalog.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/database"
	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/events"
	"futures-trading-platform/internal/logging"
	"futures-trading-platform/internal/portfolio"
)

// PreTradeTimeout bounds a synchronous evaluation. An evaluation that
// cannot finish in time fails closed.
const PreTradeTimeout = 100 * time.Millisecond

// Repo is the persistence surface the engine reads limits from and writes
// alerts to.
type Repo interface {
	ListRiskLimits(ctx context.Context, userID domain.ID) ([]*domain.RiskLimit, error)
	InsertRiskAlert(ctx context.Context, a *domain.RiskAlert) error
	ComputeDailySummary(ctx context.Context, userID domain.ID, day time.Time) (*database.DailySummary, error)
	ListOpenPositionUsers(ctx context.Context) ([]domain.ID, error)
}

// Decision is the outcome of a pre-trade evaluation.
type Decision string

const (
	DecisionAllowed   Decision = "ALLOWED"
	DecisionWarning   Decision = "WARNING"
	DecisionViolation Decision = "VIOLATION"
)

// LimitCheck is one limit's evaluation: the projected metric against its
// threshold.
type LimitCheck struct {
	Limit     *domain.RiskLimit `json:"limit"`
	Projected decimal.Decimal   `json:"projected"`
	Ratio     decimal.Decimal   `json:"ratio"`
}

// Result carries the decision and the checks that shaped it.
type Result struct {
	Decision Decision     `json:"decision"`
	Violated *LimitCheck  `json:"violated,omitempty"`
	Warnings []LimitCheck `json:"warnings,omitempty"`
}

// Err converts a violation into the error the router surfaces. Allowed and
// Warning results return nil.
func (r Result) Err() error {
	if r.Decision != DecisionViolation {
		return nil
	}
	if r.Violated == nil {
		return errs.E(errs.RiskViolation, "risk evaluation failed closed")
	}
	return errs.RiskViolationError(string(r.Violated.Limit.Type),
		fmt.Sprintf("projected %s exceeds threshold %s",
			r.Violated.Projected.String(), r.Violated.Limit.Threshold.String()))
}

// OrderContext is what the engine needs to project an order's effect.
type OrderContext struct {
	UserID   domain.ID
	BotID    *domain.ID
	Venue    string
	Symbol   string
	Side     domain.Side
	Quantity decimal.Decimal
	// Price is the limit price, or the mark price for market orders.
	Price    decimal.Decimal
	Leverage int
}

func (o OrderContext) notional() decimal.Decimal {
	return o.Quantity.Mul(o.Price)
}

// Metrics is the monitor's computed view of one user.
type Metrics struct {
	Equity         decimal.Decimal            `json:"equity"`
	TotalNotional  decimal.Decimal            `json:"total_notional"`
	SymbolNotional map[string]decimal.Decimal `json:"symbol_notional"`
	Leverage       decimal.Decimal            `json:"leverage"`
	MarginLevel    decimal.Decimal            `json:"margin_level"`
	DailyPnl       decimal.Decimal            `json:"daily_pnl"`
	Drawdown       decimal.Decimal            `json:"drawdown"`
	OpenPositions  int                        `json:"open_positions"`
	Score          decimal.Decimal            `json:"score"`
}

// level orders the monitor's escalation ladder.
type level int

const (
	levelBelow level = iota
	levelWarning
	levelCritical
	levelBreach
)

func (l level) severity() domain.RiskSeverity {
	switch l {
	case levelCritical:
		return domain.SeverityCritical
	case levelBreach:
		return domain.SeverityBreach
	default:
		return domain.SeverityWarning
	}
}

// Engine evaluates limits pre-trade and in the continuous sweep.
type Engine struct {
	repo      Repo
	portfolio *portfolio.Store
	bus       *events.Bus
	log       zerolog.Logger

	mu sync.Mutex
	// peak equity per user, feeding drawdown.
	peaks map[domain.ID]decimal.Decimal
	// last observed escalation level per limit.
	levels map[domain.ID]level
	halted map[domain.ID]bool

	stop StopActions
	// StopOnBreach wires a sweep breach straight into EmergencyStop.
	StopOnBreach bool
}

func NewEngine(repo Repo, pf *portfolio.Store, bus *events.Bus) *Engine {
	return &Engine{
		repo:      repo,
		portfolio: pf,
		bus:       bus,
		log:       logging.Component("risk"),
		peaks:     make(map[domain.ID]decimal.Decimal),
		levels:    make(map[domain.ID]level),
		halted:    make(map[domain.ID]bool),
	}
}

// EvaluateNewOrder gates an order. The evaluation fails closed: a
// violation, an error, or missing the deadline all block the order.
func (e *Engine) EvaluateNewOrder(ctx context.Context, oc OrderContext) Result {
	if e.Halted(oc.UserID) {
		return Result{Decision: DecisionViolation}
	}
	ctx, cancel := context.WithTimeout(ctx, PreTradeTimeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.evaluate(ctx, oc)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			e.log.Error().Err(out.err).Str("symbol", oc.Symbol).Msg("pre-trade evaluation failed")
			return Result{Decision: DecisionViolation}
		}
		return out.res
	case <-ctx.Done():
		e.log.Warn().Str("symbol", oc.Symbol).Msg("pre-trade evaluation timed out")
		return Result{Decision: DecisionViolation}
	}
}

func (e *Engine) evaluate(ctx context.Context, oc OrderContext) (Result, error) {
	limits, err := e.applicableLimits(ctx, oc.UserID, oc.BotID)
	if err != nil {
		return Result{}, err
	}
	if len(limits) == 0 {
		return Result{Decision: DecisionAllowed}, nil
	}

	metrics := e.currentMetrics(ctx, oc.UserID)
	res := Result{Decision: DecisionAllowed}

	for _, limit := range limits {
		projected, ok := e.project(limit, oc, metrics)
		if !ok {
			continue
		}
		check := LimitCheck{Limit: limit, Projected: projected, Ratio: ratio(projected, limit.Threshold)}
		switch {
		case check.Ratio.GreaterThanOrEqual(decimal.NewFromInt(1)):
			check := check
			return Result{Decision: DecisionViolation, Violated: &check}, nil
		case check.Ratio.GreaterThanOrEqual(limit.CriticalFraction):
			res.Decision = DecisionWarning
			res.Warnings = append(res.Warnings, check)
			e.audit(ctx, limit, levelCritical, check.Projected, "pre-trade critical threshold crossed")
		case check.Ratio.GreaterThanOrEqual(limit.WarningFraction):
			if res.Decision == DecisionAllowed {
				res.Decision = DecisionWarning
			}
			res.Warnings = append(res.Warnings, check)
		}
	}
	return res, nil
}

// applicableLimits keeps global limits plus the ones scoped to this bot.
func (e *Engine) applicableLimits(ctx context.Context, userID domain.ID, botID *domain.ID) ([]*domain.RiskLimit, error) {
	all, err := e.repo.ListRiskLimits(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, l := range all {
		if l.BotID == nil || (botID != nil && *l.BotID == *botID) {
			out = append(out, l)
		}
	}
	return out, nil
}

// project returns the post-execution value of the limited metric. The
// second return is false when the limit does not apply to new orders.
func (e *Engine) project(limit *domain.RiskLimit, oc OrderContext, m Metrics) (decimal.Decimal, bool) {
	switch limit.Type {
	case domain.LimitMaxOrderSize:
		return oc.notional(), true
	case domain.LimitMaxPositionSize:
		return m.SymbolNotional[oc.Symbol].Add(oc.notional()), true
	case domain.LimitMaxLeverage:
		if m.Equity.IsZero() {
			return limit.Threshold, true
		}
		return m.TotalNotional.Add(oc.notional()).Div(m.Equity), true
	case domain.LimitMaxOpenPositions:
		count := decimal.NewFromInt(int64(m.OpenPositions))
		if m.SymbolNotional[oc.Symbol].IsZero() {
			count = count.Add(decimal.NewFromInt(1))
		}
		return count, true
	case domain.LimitMaxDailyLoss:
		// A new order does not project further loss; gate on the day so far.
		if m.DailyPnl.IsNegative() {
			return m.DailyPnl.Neg(), true
		}
		return decimal.Zero, true
	case domain.LimitMaxDrawdown:
		return m.Drawdown, true
	default:
		return decimal.Zero, false
	}
}

func ratio(value, threshold decimal.Decimal) decimal.Decimal {
	if threshold.IsZero() {
		return decimal.Zero
	}
	return value.Div(threshold)
}

// currentMetrics computes the monitor metrics from the portfolio snapshot.
func (e *Engine) currentMetrics(ctx context.Context, userID domain.ID) Metrics {
	snap := e.portfolio.Snapshot(userID)
	m := Metrics{
		Equity:         snap.Equity,
		SymbolNotional: make(map[string]decimal.Decimal),
	}

	unrealized := decimal.Zero
	for _, p := range snap.Positions {
		notional := p.Quantity.Mul(p.MarkPrice)
		m.SymbolNotional[p.Symbol] = m.SymbolNotional[p.Symbol].Add(notional)
		m.TotalNotional = m.TotalNotional.Add(notional)
		unrealized = unrealized.Add(p.UnrealizedPnl)
		m.OpenPositions++
	}

	if !snap.Equity.IsZero() {
		m.Leverage = m.TotalNotional.Div(snap.Equity)
		if !m.TotalNotional.IsZero() {
			m.MarginLevel = snap.Equity.Div(m.TotalNotional)
		}
	}

	if summary, err := e.repo.ComputeDailySummary(ctx, userID, time.Now().UTC()); err == nil && summary != nil {
		m.DailyPnl = summary.RealizedPnl.Add(unrealized)
	} else {
		m.DailyPnl = unrealized
	}

	e.mu.Lock()
	peak := e.peaks[userID]
	if snap.Equity.GreaterThan(peak) {
		peak = snap.Equity
		e.peaks[userID] = peak
	}
	e.mu.Unlock()
	if peak.IsPositive() {
		m.Drawdown = peak.Sub(snap.Equity).Div(peak)
		if m.Drawdown.IsNegative() {
			m.Drawdown = decimal.Zero
		}
	}
	return m
}

// scoreWeights: exposure .25, leverage .25, volatility proxy .20,
// drawdown .30.
var (
	weightExposure   = decimal.RequireFromString("0.25")
	weightLeverage   = decimal.RequireFromString("0.25")
	weightVolatility = decimal.RequireFromString("0.20")
	weightDrawdown   = decimal.RequireFromString("0.30")
)

// Score folds the metrics into a 0-100 dashboard figure. Each term is the
// metric's fraction of its limit (or a sensible cap when no limit is set),
// clamped to [0, 1].
func Score(m Metrics, limits []*domain.RiskLimit) decimal.Decimal {
	thresholds := make(map[domain.RiskLimitType]decimal.Decimal, len(limits))
	for _, l := range limits {
		thresholds[l.Type] = l.Threshold
	}

	exposure := clamp01(ratio(m.TotalNotional, orDefault(thresholds[domain.LimitMaxPositionSize], m.Equity.Mul(decimal.NewFromInt(10)))))
	leverage := clamp01(ratio(m.Leverage, orDefault(thresholds[domain.LimitMaxLeverage], decimal.NewFromInt(20))))
	// Volatility proxy: unrealized swing relative to equity.
	volatility := decimal.Zero
	if m.Equity.IsPositive() {
		volatility = clamp01(m.DailyPnl.Abs().Div(m.Equity))
	}
	drawdown := clamp01(ratio(m.Drawdown, orDefault(thresholds[domain.LimitMaxDrawdown], decimal.RequireFromString("0.5"))))

	score := exposure.Mul(weightExposure).
		Add(leverage.Mul(weightLeverage)).
		Add(volatility.Mul(weightVolatility)).
		Add(drawdown.Mul(weightDrawdown))
	return score.Mul(decimal.NewFromInt(100))
}

func clamp01(d decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if d.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if d.GreaterThan(one) {
		return one
	}
	return d
}

func orDefault(d, fallback decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return fallback
	}
	return d
}

func (e *Engine) audit(ctx context.Context, limit *domain.RiskLimit, lv level, value decimal.Decimal, msg string) {
	metrics, _ := json.Marshal(map[string]string{
		"value":     value.String(),
		"threshold": limit.Threshold.String(),
	})
	alert := &domain.RiskAlert{
		UserID:    limit.UserID,
		LimitID:   limit.ID,
		LimitType: limit.Type,
		Severity:  lv.severity(),
		Message:   msg,
		Metrics:   metrics,
	}
	if err := e.repo.InsertRiskAlert(ctx, alert); err != nil {
		e.log.Error().Err(err).Msg("insert risk alert failed")
		return
	}
	if e.bus != nil {
		e.bus.PublishUser(events.EventRiskAlert, limit.UserID, alert)
	}
}
