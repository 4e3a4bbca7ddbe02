package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"futures-trading-platform/config"
	"futures-trading-platform/internal/api"
	"futures-trading-platform/internal/auth"
	"futures-trading-platform/internal/backtest"
	"futures-trading-platform/internal/binance"
	"futures-trading-platform/internal/bots"
	"futures-trading-platform/internal/cache"
	"futures-trading-platform/internal/database"
	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/events"
	"futures-trading-platform/internal/exchange"
	"futures-trading-platform/internal/jobs"
	"futures-trading-platform/internal/logging"
	"futures-trading-platform/internal/maintenance"
	"futures-trading-platform/internal/marketdata"
	"futures-trading-platform/internal/orders"
	"futures-trading-platform/internal/portfolio"
	"futures-trading-platform/internal/risk"
	"futures-trading-platform/internal/secrets"
	"futures-trading-platform/internal/userdata"
	"futures-trading-platform/internal/ws"
)

const venueName = "binance-futures"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(cfg.Logging)
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Durable state and the cache come up first; everything else
	// depends on them.
	db, err := database.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	repo := database.NewRepository(db)

	store, err := cache.New(cfg.Redis)
	if err != nil {
		return err
	}
	defer store.Close()

	box, err := secrets.NewBox(cfg.Auth.CredentialEncryptionKey)
	if err != nil {
		return err
	}
	tokens := auth.NewTokenService(cfg.Auth.JWTSigningKey, cfg.Auth.AccessTokenDuration)
	bus := events.NewBus()

	// Market data runs over one shared public client; per-user trading
	// clients are resolved from encrypted connections on demand.
	public := binance.NewClient("", "", false)
	stream := binance.NewMarketStream(public)
	md := marketdata.NewHub(stream, public, store, map[exchange.MarketEventType]exchange.StreamName{
		exchange.EventTicker:    binance.TickerStream,
		exchange.EventTrade:     binance.TradeStream,
		exchange.EventDepth:     binance.DepthStream,
		exchange.EventCandle:    binance.CandleStream,
		exchange.EventMarkPrice: binance.MarkPriceStream,
	})
	go md.Run(ctx)

	clients := binance.NewProvider(repo, box, venueName)
	pf := portfolio.NewStore(repo, bus)
	riskEngine := risk.NewEngine(repo, pf, bus)
	riskEngine.StopOnBreach = cfg.Risk.EmergencyOnBreach

	queue := jobs.NewQueue(store)
	router := orders.NewRouter(repo, clients, riskEngine, pf, bus, queue)
	manager := bots.NewManager(repo, router, bots.HubFeed{Hub: md}, store, pf, bus)
	backtests := backtest.NewEngine(repo, public, bus)

	riskEngine.SetStopActions(risk.StopActions{
		CancelAllOrders:   router.CancelAllOrders,
		CloseAllPositions: router.CloseAllPositions,
		StopAllBots:       manager.StopAllForUser,
	})

	housekeeping := maintenance.New(repo, db, pf, clients, public, venueName, cfg.Jobs, cfg.Risk, bus)

	pool := jobs.NewPool(queue, cfg.Jobs.WorkerPoolSize)
	housekeeping.Register(pool)
	pool.Register(orders.ReconcileJobName, rawHandler(router.HandleReconcileJob))
	pool.Register(jobs.TaskRiskSweep, func(ctx context.Context, _ *domain.Job) (any, error) {
		return nil, riskEngine.Sweep(ctx)
	})
	pool.Register(jobs.TaskBotHealthCheck, rawHandler(manager.HandleHealthCheckJob))
	pool.Register(backtest.RunJobName, rawHandler(backtests.HandleRunJob))
	pool.Start(ctx)

	scheduler := jobs.NewScheduler(queue)
	scheduler.SetTick(time.Duration(cfg.Jobs.SchedulerTickSeconds) * time.Second)
	for _, task := range jobs.DefaultTasks() {
		if err := scheduler.AddTask(task); err != nil {
			return err
		}
	}
	scheduler.Start(ctx)

	// Private venue events (fills, balance pushes) flow into the order
	// pipeline and the portfolio through per-user streams.
	feeds := userdata.NewSupervisor(clients, repo, router, pf, queue, jobs.TaskPortfolioSync)
	go feeds.Run(ctx)

	// Bots that were ACTIVE or PAUSED before the last shutdown come back.
	if err := manager.RespawnRunnable(ctx); err != nil {
		log.Warn().Err(err).Msg("bot respawn incomplete")
	}

	hub := ws.NewHub(ws.HubSource{Hub: md}, venueName)
	hub.BindBus(bus)

	server := api.NewServer(cfg.Server, api.Deps{
		Store:     repo,
		Tokens:    tokens,
		Box:       box,
		Router:    router,
		Bots:      manager,
		Risk:      riskEngine,
		Jobs:      queue,
		Backtests: backtests,
		Sessions:  store,
		Hub:       hub,
		Venue:     venueName,
	})

	log.Info().Str("venue", venueName).Msg("platform up")
	err = server.Run(ctx)

	// Reverse startup order: stop intake, then runners, then workers.
	hub.Shutdown()
	manager.Shutdown()
	pool.Wait()
	_ = stream.Close()
	log.Info().Msg("platform stopped")
	return err
}

// rawHandler adapts a json-args handler to the worker pool signature.
func rawHandler(h func(ctx context.Context, raw json.RawMessage) error) jobs.Handler {
	return func(ctx context.Context, job *domain.Job) (any, error) {
		return nil, h(ctx, job.Args)
	}
}
