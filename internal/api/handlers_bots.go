package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/strategy"
)

type createStrategyRequest struct {
	Type       string          `json:"type" binding:"required"`
	Name       string          `json:"name" binding:"required"`
	Parameters json.RawMessage `json:"parameters" binding:"required"`
}

func (s *Server) handleCreateStrategy(c *gin.Context) {
	var req createStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.E(errs.Validation, "type, name and parameters are required"))
		return
	}
	typ := domain.StrategyType(req.Type)
	// Reject unknown types and bad parameters before they reach a bot.
	if _, err := strategy.New(typ, req.Parameters); err != nil {
		s.fail(c, err)
		return
	}

	rec := &domain.Strategy{
		UserID:     s.userID(c),
		Type:       typ,
		Name:       req.Name,
		Parameters: req.Parameters,
	}
	if err := s.store.CreateStrategy(c.Request.Context(), rec); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleListStrategies(c *gin.Context) {
	list, err := s.store.ListStrategies(c.Request.Context(), s.userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetStrategy(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	rec, err := s.store.GetStrategy(c.Request.Context(), s.userID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type updateParametersRequest struct {
	Parameters json.RawMessage `json:"parameters" binding:"required"`
}

func (s *Server) handleUpdateStrategyParameters(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	var req updateParametersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.E(errs.Validation, "parameters are required"))
		return
	}

	rec, err := s.store.GetStrategy(c.Request.Context(), s.userID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := strategy.New(rec.Type, req.Parameters); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.UpdateStrategyParameters(c.Request.Context(), s.userID(c), id, req.Parameters); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteStrategy(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.SoftDeleteStrategy(c.Request.Context(), s.userID(c), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createBotRequest struct {
	StrategyID          string          `json:"strategy_id" binding:"required"`
	Name                string          `json:"name" binding:"required"`
	Symbol              string          `json:"symbol" binding:"required"`
	Config              json.RawMessage `json:"config"`
	CancelOrdersOnPause bool            `json:"cancel_orders_on_pause"`
	TickIntervalSecs    int             `json:"tick_interval_secs"`
}

func (s *Server) handleCreateBot(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.E(errs.Validation, "strategy_id, name and symbol are required"))
		return
	}
	strategyID, err := domain.ParseID(req.StrategyID)
	if err != nil {
		s.fail(c, errs.E(errs.Validation, "bad strategy_id"))
		return
	}

	userID := s.userID(c)
	// Ownership check before the bot references the strategy.
	rec, err := s.store.GetStrategy(c.Request.Context(), userID, strategyID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(req.Config) > 0 {
		if _, err := strategy.New(rec.Type, req.Config); err != nil {
			s.fail(c, err)
			return
		}
	}

	bot := &domain.Bot{
		UserID:              userID,
		StrategyID:          strategyID,
		Name:                req.Name,
		Venue:               s.venue,
		Symbol:              req.Symbol,
		Config:              req.Config,
		Status:              domain.BotStatusPending,
		CancelOrdersOnPause: req.CancelOrdersOnPause,
		TickIntervalSecs:    req.TickIntervalSecs,
	}
	if err := s.store.CreateBot(c.Request.Context(), bot); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, bot)
}

func (s *Server) handleListBots(c *gin.Context) {
	list, err := s.store.ListBots(c.Request.Context(), s.userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetBot(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	bot, err := s.store.GetBot(c.Request.Context(), s.userID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bot)
}

type updateBotConfigRequest struct {
	Config json.RawMessage `json:"config" binding:"required"`
}

func (s *Server) handleUpdateBotConfig(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	var req updateBotConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.E(errs.Validation, "config is required"))
		return
	}

	userID := s.userID(c)
	bot, err := s.store.GetBot(c.Request.Context(), userID, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	rec, err := s.store.GetStrategy(c.Request.Context(), userID, bot.StrategyID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := strategy.New(rec.Type, req.Config); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.UpdateBotConfig(c.Request.Context(), userID, id, req.Config); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteBot(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	userID := s.userID(c)
	bot, err := s.store.GetBot(c.Request.Context(), userID, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	// A live bot is stopped before its record goes away.
	if bot.Status == domain.BotStatusActive || bot.Status == domain.BotStatusPaused {
		if err := s.bots.Stop(c.Request.Context(), userID, id); err != nil {
			s.fail(c, err)
			return
		}
	}
	if err := s.store.SoftDeleteBot(c.Request.Context(), userID, id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleBotStart(c *gin.Context) {
	s.botLifecycle(c, s.bots.Start)
}

func (s *Server) handleBotStop(c *gin.Context) {
	s.botLifecycle(c, s.bots.Stop)
}

func (s *Server) handleBotPause(c *gin.Context) {
	s.botLifecycle(c, s.bots.Pause)
}

func (s *Server) handleBotResume(c *gin.Context) {
	s.botLifecycle(c, s.bots.Resume)
}

func (s *Server) botLifecycle(c *gin.Context, op func(ctx context.Context, userID, botID domain.ID) error) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	userID := s.userID(c)
	if err := op(c.Request.Context(), userID, id); err != nil {
		s.fail(c, err)
		return
	}
	bot, err := s.store.GetBot(c.Request.Context(), userID, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bot)
}
