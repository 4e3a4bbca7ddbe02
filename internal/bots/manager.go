// Package bots runs strategy instances as long-lived tasks. The manager
// owns lifecycle transitions and fan-in of order/position events; each
// bot executes on its own runner goroutine.
package bots

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/events"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/logging"
	"futures-trading-platform/internal/marketdata"
	"futures-trading-platform/internal/portfolio"
	"futures-trading-platform/internal/strategy"
)

const stopGrace = 5 * time.Second

// Repo is the persistence surface the manager needs.
type Repo interface {
	GetBot(ctx context.Context, userID, id domain.ID) (*domain.Bot, error)
	GetStrategy(ctx context.Context, userID, id domain.ID) (*domain.Strategy, error)
	GetSymbol(ctx context.Context, venue, name string) (*domain.Symbol, error)
	ListConnections(ctx context.Context, userID domain.ID) ([]*domain.ExchangeConnection, error)
	UpdateBotStatus(ctx context.Context, id domain.ID, status domain.BotStatus, statusErr string) error
	ListRunnableBots(ctx context.Context) ([]*domain.Bot, error)
	ListOpenOrders(ctx context.Context, userID domain.ID) ([]*domain.Order, error)
}

// PortfolioView exposes the equity snapshot used by pre-flight checks.
type PortfolioView interface {
	Snapshot(userID domain.ID) portfolio.Snapshot
}

// Feed is one bot's market event stream.
type Feed interface {
	Events() <-chan exchange.MarketEvent
	Cancel()
}

// MarketFeed hands out per-topic feeds.
type MarketFeed interface {
	Subscribe(ctx context.Context, topic marketdata.Topic) (Feed, error)
}

// HubFeed adapts the market-data hub to the MarketFeed surface.
type HubFeed struct {
	Hub *marketdata.Hub
}

func (h HubFeed) Subscribe(ctx context.Context, topic marketdata.Topic) (Feed, error) {
	sub, err := h.Hub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// StatusChange is the bot-status event payload.
type StatusChange struct {
	BotID  domain.ID        `json:"bot_id"`
	Status domain.BotStatus `json:"status"`
	Reason string           `json:"reason,omitempty"`
}

type managed struct {
	runner *runner
	cancel context.CancelFunc
	bot    *domain.Bot
}

// Manager owns every live bot runner and the lifecycle command surface.
type Manager struct {
	repo   Repo
	router OrderRouter
	feed   MarketFeed
	store  Checkpointer
	pf     PortfolioView
	bus    *events.Bus
	log    zerolog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	runners map[domain.ID]*managed
}

func NewManager(repo Repo, router OrderRouter, feed MarketFeed, store Checkpointer, pf PortfolioView, bus *events.Bus) *Manager {
	m := &Manager{
		repo:    repo,
		router:  router,
		feed:    feed,
		store:   store,
		pf:      pf,
		bus:     bus,
		log:     logging.Component("bots"),
		clock:   time.Now,
		runners: make(map[domain.ID]*managed),
	}
	bus.Subscribe(m.dispatchOrder, events.EventOrderUpdated)
	bus.Subscribe(m.dispatchPosition, events.EventPositionUpdate)
	return m
}

// dispatchOrder routes an order update to the runner that owns it.
func (m *Manager) dispatchOrder(ev events.Event) {
	order, ok := ev.Data.(domain.Order)
	if !ok || order.BotID == nil {
		return
	}
	m.mu.Lock()
	mg := m.runners[*order.BotID]
	m.mu.Unlock()
	if mg == nil {
		return
	}
	select {
	case mg.runner.orderCh <- order:
	default:
		m.log.Warn().Stringer("bot_id", *order.BotID).Msg("bot order mailbox full, update dropped")
	}
}

// dispatchPosition fans a position update to every runner trading that
// user's symbol.
func (m *Manager) dispatchPosition(ev events.Event) {
	pos, ok := ev.Data.(domain.Position)
	if !ok {
		return
	}
	m.mu.Lock()
	var targets []*managed
	for _, mg := range m.runners {
		if mg.bot.UserID == pos.UserID && mg.bot.Venue == pos.Venue && mg.bot.Symbol == pos.Symbol {
			targets = append(targets, mg)
		}
	}
	m.mu.Unlock()
	for _, mg := range targets {
		select {
		case mg.runner.posCh <- pos:
		default:
			m.log.Warn().Stringer("bot_id", mg.bot.ID).Msg("bot position mailbox full, update dropped")
		}
	}
}

// Start brings a bot to active. Legal from pending, paused, and stopped;
// a paused bot with a live runner resumes in place.
func (m *Manager) Start(ctx context.Context, userID, botID domain.ID) error {
	bot, err := m.repo.GetBot(ctx, userID, botID)
	if err != nil {
		return err
	}
	switch bot.Status {
	case domain.BotStatusPending, domain.BotStatusPaused, domain.BotStatusStopped:
	default:
		return errs.E(errs.InvalidState, "bot cannot start from %s", bot.Status)
	}

	m.mu.Lock()
	mg := m.runners[botID]
	m.mu.Unlock()
	if mg != nil {
		if bot.Status == domain.BotStatusPaused {
			mg.runner.ctrl <- ctrlResume
			return m.setStatus(ctx, bot, domain.BotStatusActive, "")
		}
		return errs.E(errs.InvalidState, "bot already running")
	}
	return m.launch(ctx, bot)
}

// launch runs pre-flight and spawns the runner. Callers have already
// checked transition legality.
func (m *Manager) launch(ctx context.Context, bot *domain.Bot) error {
	prior := bot.Status
	if err := m.setStatus(ctx, bot, domain.BotStatusStarting, ""); err != nil {
		return err
	}

	fail := func(checks []string) error {
		err := errs.PreflightError(checks)
		_ = m.setStatus(ctx, bot, prior, strings.Join(checks, "; "))
		return err
	}

	if checks := m.preflight(ctx, bot); len(checks) > 0 {
		return fail(checks)
	}

	strat, err := m.buildStrategy(ctx, bot)
	if err != nil {
		return fail([]string{"strategy: " + err.Error()})
	}
	if err := restoreCheckpoint(ctx, m.store, bot.ID, strat); err != nil {
		m.log.Warn().Err(err).Stringer("bot_id", bot.ID).Msg("checkpoint restore failed, starting clean")
	}

	feed, err := m.feed.Subscribe(ctx, marketdata.Topic{
		Type:     exchange.EventCandle,
		Venue:    bot.Venue,
		Symbol:   bot.Symbol,
		Interval: "1m",
	})
	if err != nil {
		return fail([]string{"market-data subscription: " + err.Error()})
	}

	marks := &markTracker{}
	r := &runner{
		bot:   bot,
		strat: strat,
		broker: &routerBroker{
			router: m.router,
			userID: bot.UserID,
			botID:  bot.ID,
			venue:  bot.Venue,
			symbol: bot.Symbol,
			marks:  marks,
		},
		store:      m.store,
		log:        m.log.With().Stringer("bot_id", bot.ID).Str("symbol", bot.Symbol).Logger(),
		market:     feed.Events(),
		orderCh:    make(chan domain.Order, mailboxSize),
		posCh:      make(chan domain.Position, mailboxSize),
		ctrl:       make(chan ctrlKind, 4),
		done:       make(chan struct{}),
		release:    feed.Cancel,
		marks:      marks,
		clock:      m.clock,
		tickBudget: defaultTickBudget,
	}
	r.onStatus = func(ctx context.Context, status domain.BotStatus, reason string) {
		_ = m.setStatus(ctx, bot, status, reason)
		if status == domain.BotStatusError {
			m.remove(bot.ID)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.runners[bot.ID] = &managed{runner: r, cancel: cancel, bot: bot}
	m.mu.Unlock()
	go r.loop(runCtx)

	return m.setStatus(ctx, bot, domain.BotStatusActive, "")
}

// preflight returns the list of failed checks, empty when the bot may
// start.
func (m *Manager) preflight(ctx context.Context, bot *domain.Bot) []string {
	var failed []string

	conns, err := m.repo.ListConnections(ctx, bot.UserID)
	if err != nil {
		failed = append(failed, "connection lookup: "+err.Error())
	} else {
		ok := false
		for _, c := range conns {
			if c.Venue == bot.Venue && c.Status == domain.ConnectionActive && c.CanTrade {
				ok = true
				break
			}
		}
		if !ok {
			failed = append(failed, "no active trading connection for "+bot.Venue)
		}
	}

	sym, err := m.repo.GetSymbol(ctx, bot.Venue, bot.Symbol)
	if err != nil {
		failed = append(failed, "symbol "+bot.Symbol+" unknown on "+bot.Venue)
	} else if sym.Status != "TRADING" {
		failed = append(failed, "symbol "+bot.Symbol+" not tradable")
	}

	if !m.pf.Snapshot(bot.UserID).Equity.IsPositive() {
		failed = append(failed, "insufficient balance")
	}

	return failed
}

// buildStrategy instantiates the bot's strategy, preferring the bot's
// tuned config over the stored strategy parameters.
func (m *Manager) buildStrategy(ctx context.Context, bot *domain.Bot) (strategy.Strategy, error) {
	rec, err := m.repo.GetStrategy(ctx, bot.UserID, bot.StrategyID)
	if err != nil {
		return nil, err
	}
	params := rec.Parameters
	if len(bot.Config) > 0 && string(bot.Config) != "null" && string(bot.Config) != "{}" {
		params = bot.Config
	}
	return strategy.New(rec.Type, params)
}

// Pause halts signal generation, optionally cancelling the bot's open
// non-reduce-only orders per its policy. Subscriptions stay alive.
func (m *Manager) Pause(ctx context.Context, userID, botID domain.ID) error {
	bot, err := m.repo.GetBot(ctx, userID, botID)
	if err != nil {
		return err
	}
	if bot.Status != domain.BotStatusActive {
		return errs.E(errs.InvalidState, "bot cannot pause from %s", bot.Status)
	}
	m.mu.Lock()
	mg := m.runners[botID]
	m.mu.Unlock()
	if mg == nil {
		return errs.E(errs.InvalidState, "bot has no live runner")
	}

	mg.runner.ctrl <- ctrlPause
	if bot.CancelOrdersOnPause {
		m.cancelBotOrders(ctx, bot, false)
	}
	return m.setStatus(ctx, bot, domain.BotStatusPaused, "")
}

// Resume returns a paused bot to active. A paused bot whose runner died
// with the process is relaunched from its checkpoint.
func (m *Manager) Resume(ctx context.Context, userID, botID domain.ID) error {
	bot, err := m.repo.GetBot(ctx, userID, botID)
	if err != nil {
		return err
	}
	if bot.Status != domain.BotStatusPaused {
		return errs.E(errs.InvalidState, "bot cannot resume from %s", bot.Status)
	}
	m.mu.Lock()
	mg := m.runners[botID]
	m.mu.Unlock()
	if mg == nil {
		return m.launch(ctx, bot)
	}
	mg.runner.ctrl <- ctrlResume
	return m.setStatus(ctx, bot, domain.BotStatusActive, "")
}

// Stop cancels the bot's open orders, releases its subscriptions, and
// flushes state. Stopping an already stopped bot is a no-op.
func (m *Manager) Stop(ctx context.Context, userID, botID domain.ID) error {
	bot, err := m.repo.GetBot(ctx, userID, botID)
	if err != nil {
		return err
	}
	if bot.Status == domain.BotStatusStopped {
		return nil
	}
	if err := m.setStatus(ctx, bot, domain.BotStatusStopping, ""); err != nil {
		return err
	}

	m.cancelBotOrders(ctx, bot, true)

	m.mu.Lock()
	mg := m.runners[botID]
	delete(m.runners, botID)
	m.mu.Unlock()

	if mg != nil {
		// Cooperative stop: the runner finishes its in-flight tick, then
		// exits. The hard cancel is the backstop.
		select {
		case mg.runner.ctrl <- ctrlStop:
		default:
			mg.cancel()
		}
		select {
		case <-mg.runner.done:
		case <-time.After(stopGrace):
			mg.cancel()
		}
	}
	return m.setStatus(ctx, bot, domain.BotStatusStopped, "")
}

// StopAllForUser stops every live bot the user owns and returns how many
// were stopped. Wired into the risk engine's emergency stop.
func (m *Manager) StopAllForUser(ctx context.Context, userID domain.ID) (int, error) {
	m.mu.Lock()
	var ids []domain.ID
	for id, mg := range m.runners {
		if mg.bot.UserID == userID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	stopped := 0
	var firstErr error
	for _, id := range ids {
		if err := m.Stop(ctx, userID, id); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stopped++
	}
	return stopped, firstErr
}

// RespawnRunnable relaunches bots left active by a previous process,
// resuming each from its checkpoint. Paused bots stay paused until
// resumed explicitly.
func (m *Manager) RespawnRunnable(ctx context.Context) error {
	bots, err := m.repo.ListRunnableBots(ctx)
	if err != nil {
		return err
	}
	for _, bot := range bots {
		if bot.Status != domain.BotStatusActive && bot.Status != domain.BotStatusStarting {
			continue
		}
		m.mu.Lock()
		_, live := m.runners[bot.ID]
		m.mu.Unlock()
		if live {
			continue
		}
		if err := m.launch(ctx, bot); err != nil {
			m.log.Error().Err(err).Stringer("bot_id", bot.ID).Msg("bot respawn failed")
		}
	}
	return nil
}

// HandleHealthCheckJob is the scheduled bot health check: any bot marked
// active in the database without a live runner is relaunched.
func (m *Manager) HandleHealthCheckJob(ctx context.Context, _ json.RawMessage) error {
	return m.RespawnRunnable(ctx)
}

// Live reports whether a runner currently exists for the bot.
func (m *Manager) Live(botID domain.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runners[botID]
	return ok
}

// Shutdown stops every runner without touching persisted status, so
// active bots respawn on the next boot.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	live := make([]*managed, 0, len(m.runners))
	for id, mg := range m.runners {
		live = append(live, mg)
		delete(m.runners, id)
	}
	m.mu.Unlock()

	for _, mg := range live {
		select {
		case mg.runner.ctrl <- ctrlStop:
		default:
			mg.cancel()
		}
	}
	for _, mg := range live {
		select {
		case <-mg.runner.done:
		case <-time.After(stopGrace):
			mg.cancel()
		}
	}
}

func (m *Manager) remove(botID domain.ID) {
	m.mu.Lock()
	delete(m.runners, botID)
	m.mu.Unlock()
}

// cancelBotOrders best-effort cancels the bot's open orders. When
// includeReduceOnly is false, reduce-only exits stay working.
func (m *Manager) cancelBotOrders(ctx context.Context, bot *domain.Bot, includeReduceOnly bool) {
	open, err := m.repo.ListOpenOrders(ctx, bot.UserID)
	if err != nil {
		m.log.Warn().Err(err).Stringer("bot_id", bot.ID).Msg("open order listing failed")
		return
	}
	for _, o := range open {
		if o.BotID == nil || *o.BotID != bot.ID {
			continue
		}
		if o.ReduceOnly && !includeReduceOnly {
			continue
		}
		if err := m.router.CancelOrder(ctx, bot.UserID, o.ID); err != nil && !errs.IsKind(err, errs.NotCancellable) {
			m.log.Warn().Err(err).Stringer("order_id", o.ID).Msg("bot order cancel failed")
		}
	}
}

func (m *Manager) setStatus(ctx context.Context, bot *domain.Bot, status domain.BotStatus, reason string) error {
	if err := m.repo.UpdateBotStatus(ctx, bot.ID, status, reason); err != nil {
		return err
	}
	bot.Status = status
	bot.StatusError = reason
	change := StatusChange{BotID: bot.ID, Status: status, Reason: reason}
	m.bus.PublishUser(events.EventBotStatus, bot.UserID, change)
	if status == domain.BotStatusError {
		m.bus.PublishUser(events.EventBotError, bot.UserID, change)
	}
	return nil
}
