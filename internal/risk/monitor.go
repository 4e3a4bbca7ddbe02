package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/events"
)

// Sweep recomputes every open-position user against their limit catalog.
// It is invoked by the scheduled risk-sweep job.
func (e *Engine) Sweep(ctx context.Context) error {
	users, err := e.repo.ListOpenPositionUsers(ctx)
	if err != nil {
		return err
	}
	for _, userID := range users {
		if err := e.SweepUser(ctx, userID); err != nil {
			e.log.Error().Err(err).Str("user_id", userID.String()).Msg("risk sweep failed for user")
		}
	}
	return nil
}

// SweepUser evaluates one user's current metrics. Escalations across the
// Below -> Warning -> Critical -> Breach ladder emit alerts; de-escalations
// reset silently.
func (e *Engine) SweepUser(ctx context.Context, userID domain.ID) error {
	limits, err := e.repo.ListRiskLimits(ctx, userID)
	if err != nil {
		return err
	}
	if len(limits) == 0 {
		return nil
	}

	m := e.currentMetrics(ctx, userID)
	m.Score = Score(m, limits)

	for _, limit := range limits {
		value, ok := e.current(limit, m)
		if !ok {
			continue
		}
		next := levelFor(ratio(value, limit.Threshold), limit)

		e.mu.Lock()
		prev := e.levels[limit.ID]
		e.levels[limit.ID] = next
		e.mu.Unlock()

		if next > prev && next >= levelWarning {
			e.audit(ctx, limit, next,
				value, fmt.Sprintf("%s at %s of threshold %s", limit.Type, value.String(), limit.Threshold.String()))
		}
		if next == levelBreach && prev != levelBreach && e.StopOnBreach {
			if _, err := e.EmergencyStop(ctx, userID, fmt.Sprintf("limit breach: %s", limit.Type)); err != nil {
				e.log.Error().Err(err).Str("user_id", userID.String()).Msg("emergency stop after breach failed")
			}
		}
	}
	return nil
}

// current maps a limit type onto the sweep's live metric.
func (e *Engine) current(limit *domain.RiskLimit, m Metrics) (decimal.Decimal, bool) {
	switch limit.Type {
	case domain.LimitMaxPositionSize:
		max := decimal.Zero
		for _, n := range m.SymbolNotional {
			max = decimal.Max(max, n)
		}
		return max, true
	case domain.LimitMaxLeverage:
		return m.Leverage, true
	case domain.LimitMaxDailyLoss:
		if m.DailyPnl.IsNegative() {
			return m.DailyPnl.Neg(), true
		}
		return decimal.Zero, true
	case domain.LimitMaxDrawdown:
		return m.Drawdown, true
	case domain.LimitMaxOpenPositions:
		return decimal.NewFromInt(int64(m.OpenPositions)), true
	default:
		// max-order-size applies per order, not to the live book.
		return decimal.Zero, false
	}
}

func levelFor(r decimal.Decimal, limit *domain.RiskLimit) level {
	switch {
	case r.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return levelBreach
	case r.GreaterThanOrEqual(limit.CriticalFraction):
		return levelCritical
	case r.GreaterThanOrEqual(limit.WarningFraction):
		return levelWarning
	default:
		return levelBelow
	}
}

// StopActions are the side effects an emergency stop drives. They are
// wired at startup so the engine does not depend on the router or bot
// manager directly.
type StopActions struct {
	CancelAllOrders   func(ctx context.Context, userID domain.ID) (int, error)
	CloseAllPositions func(ctx context.Context, userID domain.ID) (int, error)
	StopAllBots       func(ctx context.Context, userID domain.ID) (int, error)
}

func (e *Engine) SetStopActions(actions StopActions) {
	e.stop = actions
}

// StopCounts reports what an emergency stop actually did.
type StopCounts struct {
	OrdersCancelled int `json:"orders_cancelled"`
	PositionsClosed int `json:"positions_closed"`
	BotsStopped     int `json:"bots_stopped"`
}

// EmergencyStop halts a user's trading: best-effort cancel of all open
// orders, reduce-only close of all positions, and a stop of every bot,
// run concurrently. A second call while the user is already halted is a
// no-op reporting zero counts.
func (e *Engine) EmergencyStop(ctx context.Context, userID domain.ID, reason string) (StopCounts, error) {
	e.mu.Lock()
	if e.halted[userID] {
		e.mu.Unlock()
		return StopCounts{}, nil
	}
	e.halted[userID] = true
	e.mu.Unlock()

	e.log.Warn().Str("user_id", userID.String()).Str("reason", reason).Msg("emergency stop")

	var counts StopCounts
	var wg sync.WaitGroup
	run := func(action func(context.Context, domain.ID) (int, error), dst *int, what string) {
		if action == nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := action(ctx, userID)
			*dst = n
			if err != nil {
				e.log.Error().Err(err).Str("user_id", userID.String()).Msg("emergency stop: " + what + " failed")
			}
		}()
	}
	run(e.stop.CancelAllOrders, &counts.OrdersCancelled, "cancel orders")
	run(e.stop.CloseAllPositions, &counts.PositionsClosed, "close positions")
	run(e.stop.StopAllBots, &counts.BotsStopped, "stop bots")
	wg.Wait()

	e.auditStop(ctx, userID, reason, counts)
	if e.bus != nil {
		e.bus.PublishUser(events.EventEmergencyStop, userID, map[string]any{
			"reason": reason,
			"counts": counts,
		})
	}
	return counts, nil
}

// Halted reports whether the user is under an emergency stop.
func (e *Engine) Halted(userID domain.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted[userID]
}

// Resume lifts an emergency stop.
func (e *Engine) Resume(userID domain.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.halted, userID)
}

func (e *Engine) auditStop(ctx context.Context, userID domain.ID, reason string, counts StopCounts) {
	alert := &domain.RiskAlert{
		UserID:    userID,
		LimitType: "emergency-stop",
		Severity:  domain.SeverityBreach,
		Message: fmt.Sprintf("emergency stop (%s): %d orders cancelled, %d positions closed, %d bots stopped",
			reason, counts.OrdersCancelled, counts.PositionsClosed, counts.BotsStopped),
		Metrics: []byte("{}"),
	}
	if err := e.repo.InsertRiskAlert(ctx, alert); err != nil {
		e.log.Error().Err(err).Msg("emergency stop audit failed")
	}
}
