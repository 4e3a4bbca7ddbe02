// Package api exposes the REST command surface and the websocket
// endpoint. Every route below /api/v1 (except login) requires a bearer
// token, and every handler scopes its queries to the authenticated user.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"futures-trading-platform/config"
	"futures-trading-platform/internal/auth"
	"futures-trading-platform/internal/cache"
	"futures-trading-platform/internal/database"
	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/logging"
	"futures-trading-platform/internal/orders"
	"futures-trading-platform/internal/risk"
	"futures-trading-platform/internal/secrets"
	"futures-trading-platform/internal/ws"
)

const (
	ctxUserID    = "auth.userID"
	ctxSessionID = "auth.sessionID"
)

// Store is the persistence surface the handlers read and write.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	CreateConnection(ctx context.Context, conn *domain.ExchangeConnection) error
	GetConnection(ctx context.Context, userID, id domain.ID) (*domain.ExchangeConnection, error)
	ListConnections(ctx context.Context, userID domain.ID) ([]*domain.ExchangeConnection, error)
	UpdateConnectionStatus(ctx context.Context, userID, id domain.ID, status domain.ConnectionStatus) error
	DeleteConnection(ctx context.Context, userID, id domain.ID) error

	CreateStrategy(ctx context.Context, s *domain.Strategy) error
	GetStrategy(ctx context.Context, userID, id domain.ID) (*domain.Strategy, error)
	ListStrategies(ctx context.Context, userID domain.ID) ([]*domain.Strategy, error)
	UpdateStrategyParameters(ctx context.Context, userID, id domain.ID, params json.RawMessage) error
	SoftDeleteStrategy(ctx context.Context, userID, id domain.ID) error

	CreateBot(ctx context.Context, b *domain.Bot) error
	GetBot(ctx context.Context, userID, id domain.ID) (*domain.Bot, error)
	ListBots(ctx context.Context, userID domain.ID) ([]*domain.Bot, error)
	UpdateBotConfig(ctx context.Context, userID, id domain.ID, config json.RawMessage) error
	SoftDeleteBot(ctx context.Context, userID, id domain.ID) error

	GetOrder(ctx context.Context, userID, id domain.ID) (*domain.Order, error)
	ListOrders(ctx context.Context, userID domain.ID, f database.OrderFilter) ([]*domain.Order, error)
	ListPositions(ctx context.Context, userID domain.ID, onlyOpen bool) ([]*domain.Position, error)
	ListTrades(ctx context.Context, userID domain.ID, symbol string, limit int) ([]*domain.Trade, error)

	CreateRiskLimit(ctx context.Context, l *domain.RiskLimit) error
	ListRiskLimits(ctx context.Context, userID domain.ID) ([]*domain.RiskLimit, error)
	UpdateRiskLimit(ctx context.Context, l *domain.RiskLimit) error
	SoftDeleteRiskLimit(ctx context.Context, userID, id domain.ID) error
	ListRiskAlerts(ctx context.Context, userID domain.ID, unacknowledgedOnly bool, limit int) ([]*domain.RiskAlert, error)
	AcknowledgeRiskAlert(ctx context.Context, userID, id domain.ID) error

	CreateBacktestRun(ctx context.Context, run *domain.BacktestRun) error
	GetBacktestRun(ctx context.Context, userID, id domain.ID) (*domain.BacktestRun, error)
	ListBacktestRuns(ctx context.Context, userID domain.ID, limit int) ([]*domain.BacktestRun, error)
	GetBacktestResult(ctx context.Context, userID, resultID domain.ID) (*database.BacktestResult, error)

	ListSymbols(ctx context.Context, venue string) ([]domain.Symbol, error)
}

// OrderRouter is the order pipeline surface the handlers drive.
type OrderRouter interface {
	PlaceOrder(ctx context.Context, req orders.PlaceRequest) (domain.ID, error)
	CancelOrder(ctx context.Context, userID, orderID domain.ID) error
}

// BotManager drives bot lifecycle transitions.
type BotManager interface {
	Start(ctx context.Context, userID, botID domain.ID) error
	Pause(ctx context.Context, userID, botID domain.ID) error
	Resume(ctx context.Context, userID, botID domain.ID) error
	Stop(ctx context.Context, userID, botID domain.ID) error
}

// RiskControl is the emergency-stop surface.
type RiskControl interface {
	EmergencyStop(ctx context.Context, userID domain.ID, reason string) (risk.StopCounts, error)
	Resume(userID domain.ID)
	Halted(userID domain.ID) bool
}

// JobQueue is the background-work surface exposed over the admin routes.
type JobQueue interface {
	EnqueueForUser(ctx context.Context, name string, args any, priority domain.JobPriority, userID domain.ID) (string, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListDead(ctx context.Context, limit int64) ([]*domain.Job, error)
	RequeueDead(ctx context.Context, id string) error
	PendingByPriority(ctx context.Context) (map[string]int64, error)
}

// BacktestControl cancels running backtests.
type BacktestControl interface {
	Cancel(runID domain.ID) error
}

// SessionStore records live sessions so logout revokes tokens before they
// expire. *cache.Cache satisfies it.
type SessionStore interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// Server is the HTTP surface over the core runtime.
type Server struct {
	cfg       config.ServerConfig
	engine    *gin.Engine
	http      *http.Server
	log       zerolog.Logger
	store     Store
	tokens    *auth.TokenService
	box       *secrets.Box
	router    OrderRouter
	bots      BotManager
	risk      RiskControl
	jobs      JobQueue
	backtests BacktestControl
	sessions  SessionStore
	hub       *ws.Hub
	venue     string
}

// Deps carries everything the server routes commands to.
type Deps struct {
	Store     Store
	Tokens    *auth.TokenService
	Box       *secrets.Box
	Router    OrderRouter
	Bots      BotManager
	Risk      RiskControl
	Jobs      JobQueue
	Backtests BacktestControl
	Sessions  SessionStore
	Hub       *ws.Hub
	Venue     string
}

func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:       cfg,
		engine:    gin.New(),
		log:       logging.Component("api"),
		store:     deps.Store,
		tokens:    deps.Tokens,
		box:       deps.Box,
		router:    deps.Router,
		bots:      deps.Bots,
		risk:      deps.Risk,
		jobs:      deps.Jobs,
		backtests: deps.Backtests,
		sessions:  deps.Sessions,
		hub:       deps.Hub,
		venue:     deps.Venue,
	}
	s.engine.Use(gin.Recovery(), s.requestLog())
	s.engine.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Split(cfg.AllowedOrigins, ","),
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.POST("/api/v1/auth/login", s.handleLogin)

	v1 := s.engine.Group("/api/v1", s.requireAuth())

	v1.POST("/auth/logout", s.handleLogout)

	v1.GET("/symbols", s.handleListSymbols)

	v1.POST("/connections", s.handleCreateConnection)
	v1.GET("/connections", s.handleListConnections)
	v1.PATCH("/connections/:id/status", s.handleUpdateConnectionStatus)
	v1.DELETE("/connections/:id", s.handleDeleteConnection)

	v1.POST("/strategies", s.handleCreateStrategy)
	v1.GET("/strategies", s.handleListStrategies)
	v1.GET("/strategies/:id", s.handleGetStrategy)
	v1.PUT("/strategies/:id/parameters", s.handleUpdateStrategyParameters)
	v1.DELETE("/strategies/:id", s.handleDeleteStrategy)

	v1.POST("/bots", s.handleCreateBot)
	v1.GET("/bots", s.handleListBots)
	v1.GET("/bots/:id", s.handleGetBot)
	v1.PUT("/bots/:id/config", s.handleUpdateBotConfig)
	v1.DELETE("/bots/:id", s.handleDeleteBot)
	v1.POST("/bots/:id/start", s.handleBotStart)
	v1.POST("/bots/:id/stop", s.handleBotStop)
	v1.POST("/bots/:id/pause", s.handleBotPause)
	v1.POST("/bots/:id/resume", s.handleBotResume)

	v1.POST("/orders", s.handlePlaceOrder)
	v1.GET("/orders", s.handleListOrders)
	v1.GET("/orders/:id", s.handleGetOrder)
	v1.DELETE("/orders/:id", s.handleCancelOrder)
	v1.GET("/positions", s.handleListPositions)
	v1.GET("/trades", s.handleListTrades)

	v1.POST("/risk/limits", s.handleCreateRiskLimit)
	v1.GET("/risk/limits", s.handleListRiskLimits)
	v1.PUT("/risk/limits/:id", s.handleUpdateRiskLimit)
	v1.DELETE("/risk/limits/:id", s.handleDeleteRiskLimit)
	v1.GET("/risk/alerts", s.handleListRiskAlerts)
	v1.POST("/risk/alerts/:id/ack", s.handleAckRiskAlert)
	v1.POST("/risk/emergency-stop", s.handleEmergencyStop)
	v1.POST("/risk/resume", s.handleRiskResume)

	v1.POST("/backtests", s.handleCreateBacktest)
	v1.GET("/backtests", s.handleListBacktests)
	v1.GET("/backtests/:id", s.handleGetBacktest)
	v1.POST("/backtests/:id/cancel", s.handleCancelBacktest)
	v1.GET("/backtests/results/:id", s.handleGetBacktestResult)

	v1.POST("/jobs", s.handleEnqueueJob)
	v1.GET("/jobs/pending", s.handlePendingJobs)
	v1.GET("/jobs/dead", s.handleListDeadJobs)
	v1.POST("/jobs/dead/:id/requeue", s.handleRequeueDeadJob)
	v1.GET("/jobs/:id", s.handleGetJob)

	s.engine.GET("/api/v1/ws", s.handleWebsocket)
}

// Run serves until the context is cancelled, then drains with the
// configured grace window.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info().Str("addr", s.http.Addr).Msg("api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := time.Duration(s.cfg.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the routing tree, for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// requireAuth verifies the bearer token and stashes the user id.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		userID, sessionID, err := s.tokens.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if !s.sessionAlive(c.Request.Context(), sessionID) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		}
		c.Set(ctxUserID, userID)
		c.Set(ctxSessionID, sessionID)
		c.Next()
	}
}

// sessionAlive checks the session record in the cache. A cache outage fails
// open so a degraded Redis does not lock every user out; the token expiry
// still bounds the damage.
func (s *Server) sessionAlive(ctx context.Context, sessionID string) bool {
	if s.sessions == nil {
		return true
	}
	ok, err := s.sessions.Exists(ctx, cache.SessionKey(sessionID))
	if err != nil {
		return true
	}
	return ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// The websocket handshake cannot set headers from browsers.
	return r.URL.Query().Get("token")
}

func (s *Server) userID(c *gin.Context) domain.ID {
	return c.MustGet(ctxUserID).(domain.ID)
}

// fail writes the error with its mapped status code.
func (s *Server) fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// pathID parses the :id route parameter.
func pathID(c *gin.Context) (domain.ID, error) {
	id, err := domain.ParseID(c.Param("id"))
	if err != nil {
		return domain.ID{}, errs.E(errs.Validation, "bad id %q", c.Param("id"))
	}
	return id, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
