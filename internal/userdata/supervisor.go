// Package userdata runs one authenticated venue stream per active user
// and routes the private events into the order pipeline and the
// portfolio. Feeds follow connection state: users gain a feed when an
// active trading connection appears and lose it when it goes away.
package userdata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/logging"
)

const refreshInterval = time.Minute

// StreamProvider opens an authenticated stream for a user. Users
// without a usable connection return an error and are skipped.
type StreamProvider interface {
	UserStreamFor(ctx context.Context, userID domain.ID) (exchange.UserStream, error)
}

// OrderSink consumes order execution events.
type OrderSink interface {
	ApplyUpdate(ctx context.Context, upd exchange.OrderUpdate)
}

// PortfolioSink consumes balance and position pushes.
type PortfolioSink interface {
	ApplyAccountUpdate(userID domain.ID, upd *exchange.AccountUpdate)
}

// UserSource lists the users that should have a live feed.
type UserSource interface {
	ListActiveUsers(ctx context.Context) ([]domain.ID, error)
}

// Resyncer requests a full re-snapshot after a stream reset.
type Resyncer interface {
	Enqueue(ctx context.Context, name string, args any, priority domain.JobPriority) (string, error)
}

type feed struct {
	stream exchange.UserStream
	cancel context.CancelFunc
}

// Supervisor owns the per-user stream lifecycle.
type Supervisor struct {
	provider StreamProvider
	users    UserSource
	orders   OrderSink
	pf       PortfolioSink
	jobs     Resyncer
	syncJob  string
	log      zerolog.Logger

	mu    sync.Mutex
	feeds map[domain.ID]*feed
}

func NewSupervisor(provider StreamProvider, users UserSource, orders OrderSink, pf PortfolioSink, jobs Resyncer, syncJob string) *Supervisor {
	return &Supervisor{
		provider: provider,
		users:    users,
		orders:   orders,
		pf:       pf,
		jobs:     jobs,
		syncJob:  syncJob,
		log:      logging.Component("userdata"),
		feeds:    make(map[domain.ID]*feed),
	}
}

// Run reconciles feeds against the active user set until ctx ends,
// then closes every stream.
func (s *Supervisor) Run(ctx context.Context) {
	s.Refresh(ctx)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh starts feeds for newly eligible users and stops feeds whose
// user is no longer active. A user whose stream cannot be opened is
// retried on the next pass.
func (s *Supervisor) Refresh(ctx context.Context) {
	users, err := s.users.ListActiveUsers(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("active user listing failed")
		return
	}
	want := make(map[domain.ID]struct{}, len(users))
	for _, id := range users {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	var stale []domain.ID
	for id := range s.feeds {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.StopUser(id)
	}

	for _, id := range users {
		s.ensureUser(ctx, id)
	}
}

func (s *Supervisor) ensureUser(ctx context.Context, userID domain.ID) {
	s.mu.Lock()
	_, exists := s.feeds[userID]
	s.mu.Unlock()
	if exists {
		return
	}

	stream, err := s.provider.UserStreamFor(ctx, userID)
	if err != nil {
		return
	}
	feedCtx, cancel := context.WithCancel(context.Background())
	if err := stream.Start(feedCtx); err != nil {
		cancel()
		s.log.Warn().Err(err).Stringer("user_id", userID).Msg("user stream start failed")
		return
	}

	f := &feed{stream: stream, cancel: cancel}
	s.mu.Lock()
	s.feeds[userID] = f
	s.mu.Unlock()
	s.log.Info().Stringer("user_id", userID).Msg("user stream up")

	go s.pump(feedCtx, userID, f)
}

// pump drains one user's stream. The goroutine exits when the stream
// closes its event channel or the feed context ends.
func (s *Supervisor) pump(ctx context.Context, userID domain.ID, f *feed) {
	defer func() {
		s.mu.Lock()
		if s.feeds[userID] == f {
			delete(s.feeds, userID)
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.stream.Events():
			if !ok {
				s.log.Warn().Stringer("user_id", userID).Msg("user stream ended")
				return
			}
			s.dispatch(ctx, userID, ev)
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, userID domain.ID, ev exchange.UserEvent) {
	switch {
	case ev.Reset:
		// Events may have been lost across the reconnect.
		if _, err := s.jobs.Enqueue(ctx, s.syncJob, nil, domain.PriorityHigh); err != nil {
			s.log.Warn().Err(err).Msg("resync enqueue failed")
		}
	case ev.Order != nil:
		s.orders.ApplyUpdate(ctx, *ev.Order)
	case ev.Account != nil:
		s.pf.ApplyAccountUpdate(userID, ev.Account)
	}
}

// StopUser tears down one user's feed, e.g. when the connection is
// deleted or the user is deactivated.
func (s *Supervisor) StopUser(userID domain.ID) {
	s.mu.Lock()
	f, ok := s.feeds[userID]
	if ok {
		delete(s.feeds, userID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	f.cancel()
	_ = f.stream.Close()
	s.log.Info().Stringer("user_id", userID).Msg("user stream down")
}

// Live reports how many feeds are running.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	feeds := make(map[domain.ID]*feed, len(s.feeds))
	for id, f := range s.feeds {
		feeds[id] = f
	}
	s.feeds = make(map[domain.ID]*feed)
	s.mu.Unlock()

	for _, f := range feeds {
		f.cancel()
		_ = f.stream.Close()
	}
}
