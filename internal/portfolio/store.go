// Package portfolio is the authoritative in-memory record of balances and
// positions, reconciled against the venue and persisted through the
// repository layer.
package portfolio

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/events"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/logging"
)

// DefaultReconcileTolerance is the relative drift between local and venue
// state that reconciliation tolerates silently: 0.01%.
var DefaultReconcileTolerance = decimal.RequireFromString("0.0001")

// Repo is the persistence surface the store writes through.
type Repo interface {
	UpsertPosition(ctx context.Context, p *domain.Position) error
	InsertTrade(ctx context.Context, t *domain.Trade) error
	ListPositions(ctx context.Context, userID domain.ID, onlyOpen bool) ([]*domain.Position, error)
}

// lot is one FIFO entry layer; realized P&L consumes lots oldest-first.
type lot struct {
	qty   decimal.Decimal
	price decimal.Decimal
}

type positionState struct {
	mu   sync.Mutex
	pos  domain.Position
	lots []lot
	// lastRealized is the P&L realized by the most recent fill.
	lastRealized decimal.Decimal
}

// Snapshot is the read view risk evaluation and distribution work from.
type Snapshot struct {
	UserID    domain.ID          `json:"user_id"`
	Equity    decimal.Decimal    `json:"equity"`
	Balances  []exchange.Balance `json:"balances"`
	Positions []domain.Position  `json:"positions"`
	TakenAt   time.Time          `json:"taken_at"`
}

// Store holds per-user portfolio state. Position mutations serialize on a
// per-position mutex; reads copy.
type Store struct {
	repo Repo
	bus  *events.Bus
	log  zerolog.Logger

	mu        sync.RWMutex
	positions map[domain.PositionKey]*positionState
	balances  map[domain.ID][]exchange.Balance
	equity    map[domain.ID]decimal.Decimal
}

func NewStore(repo Repo, bus *events.Bus) *Store {
	return &Store{
		repo:      repo,
		bus:       bus,
		log:       logging.Component("portfolio"),
		positions: make(map[domain.PositionKey]*positionState),
		balances:  make(map[domain.ID][]exchange.Balance),
		equity:    make(map[domain.ID]decimal.Decimal),
	}
}

// LoadUser hydrates a user's open positions from the repository, e.g. at
// startup. Lots collapse to a single layer at the stored average entry.
func (s *Store) LoadUser(ctx context.Context, userID domain.ID) error {
	rows, err := s.repo.ListPositions(ctx, userID, true)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range rows {
		st := &positionState{pos: *p}
		if p.Quantity.IsPositive() {
			st.lots = []lot{{qty: p.Quantity, price: p.AvgEntryPrice}}
		}
		s.positions[p.Key()] = st
	}
	return nil
}

func (s *Store) state(key domain.PositionKey, create bool) *positionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.positions[key]
	if !ok && create {
		st = &positionState{pos: domain.Position{
			ID:     domain.NewID(),
			UserID: key.UserID,
			Venue:  key.Venue,
			Symbol: key.Symbol,
			Side:   key.Side,
			Status: domain.PositionStatusOpen,
		}}
		s.positions[key] = st
	}
	return st
}

// direction returns +1 for exposure that profits when price rises.
func direction(side domain.PositionSide) decimal.Decimal {
	if side == domain.PositionSideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// resolveKey picks the position leg a fill belongs to. Hedge-mode fills
// name their leg; one-way fills reduce the opposite leg first.
func (s *Store) resolveKey(f domain.Fill) domain.PositionKey {
	if f.PositionSide == domain.PositionSideLong || f.PositionSide == domain.PositionSideShort {
		return domain.PositionKey{UserID: f.UserID, Venue: f.Venue, Symbol: f.Symbol, Side: f.PositionSide}
	}
	opposite := domain.PositionSideShort
	if f.Side == domain.SideSell {
		opposite = domain.PositionSideLong
	}
	oppKey := domain.PositionKey{UserID: f.UserID, Venue: f.Venue, Symbol: f.Symbol, Side: opposite}
	s.mu.RLock()
	st := s.positions[oppKey]
	s.mu.RUnlock()
	if st != nil {
		st.mu.Lock()
		open := st.pos.Status == domain.PositionStatusOpen && st.pos.Quantity.IsPositive()
		st.mu.Unlock()
		if open {
			return oppKey
		}
	}
	side := domain.PositionSideLong
	if f.Side == domain.SideSell {
		side = domain.PositionSideShort
	}
	return domain.PositionKey{UserID: f.UserID, Venue: f.Venue, Symbol: f.Symbol, Side: side}
}

// increases reports whether the fill adds exposure to the leg.
func increases(legSide domain.PositionSide, fillSide domain.Side) bool {
	if legSide == domain.PositionSideShort {
		return fillSide == domain.SideSell
	}
	return fillSide == domain.SideBuy
}

// ApplyFill applies one execution to the portfolio. Same-side fills grow
// the leg at weighted-average entry; opposite-side fills realize P&L
// against the oldest lots first. A one-way fill crossing zero closes the
// leg and opens the opposite one with the remainder.
func (s *Store) ApplyFill(ctx context.Context, f domain.Fill) (*domain.Position, error) {
	key := s.resolveKey(f)
	st := s.state(key, true)

	// Never hold two position mutexes at once, and never do repository
	// I/O under one: mutate the leg, snapshot it, release, then persist.
	st.mu.Lock()
	var remainder decimal.Decimal
	if increases(key.Side, f.Side) {
		s.increaseLocked(st, f)
	} else {
		remainder = s.decreaseLocked(st, f)
	}
	st.pos.MarkPrice = f.Price
	st.pos.RecomputeUnrealized()
	pos := st.pos
	realized := st.lastRealized
	st.mu.Unlock()

	var flipPos *domain.Position
	if remainder.IsPositive() {
		// Crossed zero: the previous leg is closed; reopen opposite.
		flipped := f
		flipped.Quantity = remainder
		flipped.PositionSide = oppositeSide(key.Side)
		flipSt := s.state(s.resolveKey(flipped), true)
		flipSt.mu.Lock()
		s.increaseLocked(flipSt, flipped)
		flipSt.pos.MarkPrice = f.Price
		flipSt.pos.RecomputeUnrealized()
		snap := flipSt.pos
		flipSt.mu.Unlock()
		flipPos = &snap
	}

	s.persist(ctx, &pos)
	if flipPos != nil {
		s.persist(ctx, flipPos)
	}

	trade := &domain.Trade{
		UserID:       f.UserID,
		PositionID:   pos.ID,
		OrderID:      f.OrderID,
		Venue:        f.Venue,
		Symbol:       f.Symbol,
		Side:         f.Side,
		Price:        f.Price,
		Quantity:     f.Quantity,
		Fee:          f.Fee,
		FeeAsset:     f.FeeAsset,
		Pnl:          realized,
		VenueTradeID: f.VenueTradeID,
		ExecutedAt:   time.UnixMilli(f.VenueTime).UTC(),
	}
	if s.repo != nil {
		if err := s.repo.InsertTrade(ctx, trade); err != nil {
			return nil, err
		}
	}

	if s.bus != nil {
		s.bus.PublishUser(events.EventPositionUpdate, f.UserID, pos)
		if flipPos != nil {
			s.bus.PublishUser(events.EventPositionUpdate, f.UserID, *flipPos)
		}
		if !realized.IsZero() || pos.Status == domain.PositionStatusClosed {
			s.bus.PublishUser(events.EventTradeClosed, f.UserID, trade)
		}
	}
	return &pos, nil
}

func oppositeSide(side domain.PositionSide) domain.PositionSide {
	if side == domain.PositionSideLong {
		return domain.PositionSideShort
	}
	return domain.PositionSideLong
}

func (s *Store) increaseLocked(st *positionState, f domain.Fill) {
	st.lots = append(st.lots, lot{qty: f.Quantity, price: f.Price})
	st.pos.Quantity = st.pos.Quantity.Add(f.Quantity)
	st.pos.AvgEntryPrice = weightedEntry(st.lots)
	st.pos.Status = domain.PositionStatusOpen
	st.lastRealized = decimal.Zero
}

// decreaseLocked consumes lots FIFO and returns any unconsumed remainder.
func (s *Store) decreaseLocked(st *positionState, f domain.Fill) decimal.Decimal {
	dir := direction(st.pos.Side)
	remaining := f.Quantity
	realized := decimal.Zero

	for remaining.IsPositive() && len(st.lots) > 0 {
		head := &st.lots[0]
		take := decimal.Min(remaining, head.qty)
		realized = realized.Add(f.Price.Sub(head.price).Mul(take).Mul(dir))
		head.qty = head.qty.Sub(take)
		remaining = remaining.Sub(take)
		if head.qty.IsZero() {
			st.lots = st.lots[1:]
		}
	}

	st.pos.Quantity = decimal.Max(st.pos.Quantity.Sub(f.Quantity), decimal.Zero)
	st.pos.RealizedPnl = st.pos.RealizedPnl.Add(realized)
	st.pos.AvgEntryPrice = weightedEntry(st.lots)
	st.lastRealized = realized

	if st.pos.Quantity.IsZero() {
		st.pos.Status = domain.PositionStatusClosed
		st.pos.UnrealizedPnl = decimal.Zero
		st.lots = nil
	}

	if remaining.IsPositive() && f.ReduceOnly {
		s.log.Warn().Str("symbol", f.Symbol).Str("excess", remaining.String()).
			Msg("reduce-only fill exceeded position quantity")
		return decimal.Zero
	}
	if remaining.IsPositive() && (f.PositionSide == domain.PositionSideLong || f.PositionSide == domain.PositionSideShort) {
		// Hedge-mode legs never flip.
		s.log.Warn().Str("symbol", f.Symbol).Str("excess", remaining.String()).
			Msg("fill exceeded hedge leg quantity")
		return decimal.Zero
	}
	return remaining
}

func weightedEntry(lots []lot) decimal.Decimal {
	totalQty := decimal.Zero
	totalCost := decimal.Zero
	for _, l := range lots {
		totalQty = totalQty.Add(l.qty)
		totalCost = totalCost.Add(l.qty.Mul(l.price))
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return totalCost.Div(totalQty)
}

func (s *Store) persist(ctx context.Context, pos *domain.Position) {
	if s.repo == nil {
		return
	}
	if err := s.repo.UpsertPosition(ctx, pos); err != nil {
		s.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("persist position failed")
	}
}

// UpdateMarkPrice recomputes unrealized P&L for every open leg on the
// symbol.
func (s *Store) UpdateMarkPrice(venue, symbol string, mark decimal.Decimal) {
	s.mu.RLock()
	var states []*positionState
	for key, st := range s.positions {
		if key.Venue == venue && key.Symbol == symbol {
			states = append(states, st)
		}
	}
	s.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		if st.pos.Status == domain.PositionStatusOpen {
			st.pos.MarkPrice = mark
			st.pos.RecomputeUnrealized()
		}
		st.mu.Unlock()
	}
}

// ApplyAccountUpdate ingests a user-stream balance/position push.
func (s *Store) ApplyAccountUpdate(userID domain.ID, upd *exchange.AccountUpdate) {
	if len(upd.Balances) > 0 {
		s.mu.Lock()
		s.balances[userID] = mergeBalances(s.balances[userID], upd.Balances)
		s.mu.Unlock()
		if s.bus != nil {
			s.bus.PublishUser(events.EventBalanceUpdate, userID, upd.Balances)
		}
	}
}

func mergeBalances(existing, updates []exchange.Balance) []exchange.Balance {
	byAsset := make(map[string]exchange.Balance, len(existing))
	for _, b := range existing {
		byAsset[b.Asset] = b
	}
	for _, b := range updates {
		byAsset[b.Asset] = b
	}
	out := make([]exchange.Balance, 0, len(byAsset))
	for _, b := range byAsset {
		out = append(out, b)
	}
	return out
}

// Discrepancy is one local-vs-venue mismatch found during reconciliation.
type Discrepancy struct {
	Symbol string              `json:"symbol"`
	Side   domain.PositionSide `json:"side"`
	Field  string              `json:"field"`
	Local  decimal.Decimal     `json:"local"`
	Venue  decimal.Decimal     `json:"venue"`
}

// SyncFromExchange replaces the user's portfolio from an authoritative
// venue snapshot. Mismatches beyond the tolerance are returned for the
// caller to alert on.
func (s *Store) SyncFromExchange(ctx context.Context, userID domain.ID, venue string, snap *exchange.AccountSnapshot, tolerance decimal.Decimal) ([]Discrepancy, error) {
	if tolerance.IsZero() {
		tolerance = DefaultReconcileTolerance
	}

	var discrepancies []Discrepancy
	venueKeys := make(map[domain.PositionKey]bool, len(snap.Positions))

	for _, vp := range snap.Positions {
		key := domain.PositionKey{UserID: userID, Venue: venue, Symbol: vp.Symbol, Side: vp.Side}
		venueKeys[key] = true

		st := s.state(key, true)
		st.mu.Lock()
		if d := relativeDrift(st.pos.Quantity, vp.Quantity); d.GreaterThan(tolerance) {
			discrepancies = append(discrepancies, Discrepancy{
				Symbol: vp.Symbol, Side: vp.Side, Field: "quantity",
				Local: st.pos.Quantity, Venue: vp.Quantity,
			})
		}
		st.pos.Quantity = vp.Quantity
		st.pos.AvgEntryPrice = vp.EntryPrice
		st.pos.MarkPrice = vp.MarkPrice
		st.pos.LiquidationPrice = vp.LiquidationPrice
		st.pos.Leverage = vp.Leverage
		st.pos.MarginMode = vp.MarginMode
		st.pos.UnrealizedPnl = vp.UnrealizedPnl
		st.pos.Status = domain.PositionStatusOpen
		st.lots = []lot{{qty: vp.Quantity, price: vp.EntryPrice}}
		pos := st.pos
		st.mu.Unlock()
		s.persist(ctx, &pos)
	}

	// Local legs the venue no longer reports are closed.
	s.mu.RLock()
	var stale []*positionState
	for key, st := range s.positions {
		if key.UserID == userID && key.Venue == venue && !venueKeys[key] {
			stale = append(stale, st)
		}
	}
	s.mu.RUnlock()
	for _, st := range stale {
		st.mu.Lock()
		if st.pos.Status == domain.PositionStatusOpen && st.pos.Quantity.IsPositive() {
			discrepancies = append(discrepancies, Discrepancy{
				Symbol: st.pos.Symbol, Side: st.pos.Side, Field: "quantity",
				Local: st.pos.Quantity, Venue: decimal.Zero,
			})
		}
		st.pos.Quantity = decimal.Zero
		st.pos.UnrealizedPnl = decimal.Zero
		st.pos.Status = domain.PositionStatusClosed
		st.lots = nil
		pos := st.pos
		st.mu.Unlock()
		s.persist(ctx, &pos)
	}

	s.mu.Lock()
	s.balances[userID] = append([]exchange.Balance(nil), snap.Balances...)
	s.equity[userID] = snap.Equity
	s.mu.Unlock()

	for _, d := range discrepancies {
		s.log.Warn().Str("symbol", d.Symbol).Str("field", d.Field).
			Str("local", d.Local.String()).Str("venue", d.Venue.String()).
			Msg("reconciliation discrepancy")
	}
	return discrepancies, nil
}

// relativeDrift returns |a-b| / max(|a|,|b|), zero when both are zero.
func relativeDrift(a, b decimal.Decimal) decimal.Decimal {
	diff := a.Sub(b).Abs()
	base := decimal.Max(a.Abs(), b.Abs())
	if base.IsZero() {
		return decimal.Zero
	}
	return diff.Div(base)
}

// Snapshot copies the user's current portfolio view.
func (s *Store) Snapshot(userID domain.ID) Snapshot {
	snap := Snapshot{UserID: userID, TakenAt: time.Now().UTC()}

	s.mu.RLock()
	snap.Equity = s.equity[userID]
	snap.Balances = append([]exchange.Balance(nil), s.balances[userID]...)
	var states []*positionState
	for key, st := range s.positions {
		if key.UserID == userID {
			states = append(states, st)
		}
	}
	s.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		if st.pos.Status == domain.PositionStatusOpen && st.pos.Quantity.IsPositive() {
			snap.Positions = append(snap.Positions, st.pos)
		}
		st.mu.Unlock()
	}
	return snap
}

// Position returns a copy of one leg, if present.
func (s *Store) Position(key domain.PositionKey) (domain.Position, bool) {
	s.mu.RLock()
	st := s.positions[key]
	s.mu.RUnlock()
	if st == nil {
		return domain.Position{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pos, true
}
