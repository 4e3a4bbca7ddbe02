// Package maintenance implements the recurring housekeeping jobs:
// portfolio reconciliation, retention purges, vacuum, daily summaries,
// and symbol refresh. Each handler is registered on the worker pool
// under its scheduler task name.
package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-platform/config"
	"futures-trading-platform/internal/database"
	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/events"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/jobs"
	"futures-trading-platform/internal/logging"
	"futures-trading-platform/internal/portfolio"
)

// ClientProvider resolves a trading client for a user.
type ClientProvider interface {
	ClientFor(ctx context.Context, userID domain.ID) (exchange.Client, error)
}

// Repo is the persistence slice the housekeeping handlers touch.
type Repo interface {
	ListActiveUsers(ctx context.Context) ([]domain.ID, error)
	PurgeOldBacktests(ctx context.Context, before time.Time) (int64, error)
	PurgeOldRiskAlerts(ctx context.Context, before time.Time) (int64, error)
	ComputeDailySummary(ctx context.Context, userID domain.ID, day time.Time) (*database.DailySummary, error)
	UpsertDailySummary(ctx context.Context, s *database.DailySummary) error
	UpsertSymbols(ctx context.Context, symbols []domain.Symbol) error
}

// Tasks bundles the dependencies the housekeeping handlers need.
type Tasks struct {
	repo    Repo
	db      *database.DB
	pf      *portfolio.Store
	clients ClientProvider
	public  exchange.Client
	venue   string
	cfg     config.JobsConfig
	drift   decimal.Decimal
	bus     *events.Bus
	log     zerolog.Logger
}

// New wires the housekeeping task set. public is an unauthenticated
// venue client used for reference data.
func New(repo Repo, db *database.DB, pf *portfolio.Store, clients ClientProvider, public exchange.Client, venue string, jobsCfg config.JobsConfig, riskCfg config.RiskConfig, bus *events.Bus) *Tasks {
	return &Tasks{
		repo:    repo,
		db:      db,
		pf:      pf,
		clients: clients,
		public:  public,
		venue:   venue,
		cfg:     jobsCfg,
		drift:   decimal.NewFromFloat(riskCfg.DriftTolerancePcnt),
		bus:     bus,
		log:     logging.Component("maintenance"),
	}
}

// Register installs every handler on the worker pool.
func (t *Tasks) Register(pool *jobs.Pool) {
	pool.Register(jobs.TaskPortfolioSync, func(ctx context.Context, job *domain.Job) (any, error) {
		return t.PortfolioSync(ctx)
	})
	pool.Register(jobs.TaskDataCleanup, func(ctx context.Context, job *domain.Job) (any, error) {
		return t.DataCleanup(ctx)
	})
	pool.Register(jobs.TaskDBVacuum, func(ctx context.Context, job *domain.Job) (any, error) {
		return nil, t.Vacuum(ctx)
	})
	pool.Register(jobs.TaskDailySummary, func(ctx context.Context, job *domain.Job) (any, error) {
		return t.DailySummaries(ctx)
	})
	pool.Register(jobs.TaskSymbolRefresh, func(ctx context.Context, job *domain.Job) (any, error) {
		return t.SymbolRefresh(ctx)
	})
}

// PortfolioSync reconciles every active user's local portfolio against
// the venue account. Users without a usable connection are skipped.
func (t *Tasks) PortfolioSync(ctx context.Context) (map[string]int, error) {
	users, err := t.repo.ListActiveUsers(ctx)
	if err != nil {
		return nil, err
	}

	synced, skipped, drifted := 0, 0, 0
	for _, userID := range users {
		client, err := t.clients.ClientFor(ctx, userID)
		if err != nil {
			skipped++
			continue
		}
		snap, err := client.GetAccount(ctx)
		if err != nil {
			t.log.Warn().Err(err).Stringer("user_id", userID).Msg("account fetch failed")
			skipped++
			continue
		}
		discrepancies, err := t.pf.SyncFromExchange(ctx, userID, t.venue, snap, t.drift)
		if err != nil {
			return nil, err
		}
		if len(discrepancies) > 0 {
			t.log.Warn().Stringer("user_id", userID).Int("count", len(discrepancies)).Msg("portfolio drift corrected")
			drifted++
		}
		synced++
	}
	return map[string]int{"synced": synced, "skipped": skipped, "drifted": drifted}, nil
}

// DataCleanup purges expired backtest and risk-alert rows per the
// configured retention windows.
func (t *Tasks) DataCleanup(ctx context.Context) (map[string]int64, error) {
	retention := time.Duration(t.cfg.JobDataTTLDays) * 24 * time.Hour
	cutoff := time.Now().Add(-retention)

	backtests, err := t.repo.PurgeOldBacktests(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	alerts, err := t.repo.PurgeOldRiskAlerts(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"backtests": backtests, "risk_alerts": alerts}, nil
}

// Vacuum runs VACUUM ANALYZE. Scheduled for the weekly low-traffic window.
func (t *Tasks) Vacuum(ctx context.Context) error {
	_, err := t.db.Pool.Exec(ctx, "VACUUM ANALYZE")
	return err
}

// DailySummaries materializes yesterday's per-user trading summary and
// pushes the digest to connected clients.
func (t *Tasks) DailySummaries(ctx context.Context) (map[string]int, error) {
	users, err := t.repo.ListActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	day := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)

	written := 0
	for _, userID := range users {
		summary, err := t.repo.ComputeDailySummary(ctx, userID, day)
		if err != nil {
			return nil, err
		}
		if err := t.repo.UpsertDailySummary(ctx, summary); err != nil {
			return nil, err
		}
		t.bus.PublishUser(events.EventDailySummary, userID, summary)
		written++
	}
	return map[string]int{"users": written}, nil
}

// SymbolRefresh pulls venue reference data and upserts the symbol table.
func (t *Tasks) SymbolRefresh(ctx context.Context) (map[string]int, error) {
	symbols, err := t.public.GetSymbols(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.repo.UpsertSymbols(ctx, symbols); err != nil {
		return nil, err
	}
	return map[string]int{"symbols": len(symbols)}, nil
}
