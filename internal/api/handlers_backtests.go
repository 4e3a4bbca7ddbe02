package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"futures-trading-platform/internal/backtest"
	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
)

type createBacktestRequest struct {
	StrategyID string          `json:"strategy_id" binding:"required"`
	Symbol     string          `json:"symbol" binding:"required"`
	Timeframe  string          `json:"timeframe" binding:"required"`
	StartDate  time.Time       `json:"start_date" binding:"required"`
	EndDate    time.Time       `json:"end_date" binding:"required"`
	Config     json.RawMessage `json:"config" binding:"required"`
}

func (s *Server) handleCreateBacktest(c *gin.Context) {
	var req createBacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.E(errs.Validation, "strategy_id, symbol, timeframe, date range and config are required"))
		return
	}
	if !req.EndDate.After(req.StartDate) {
		s.fail(c, errs.E(errs.Validation, "end_date must be after start_date"))
		return
	}
	strategyID, err := domain.ParseID(req.StrategyID)
	if err != nil {
		s.fail(c, errs.E(errs.Validation, "bad strategy_id"))
		return
	}
	if _, err := s.store.GetStrategy(c.Request.Context(), s.userID(c), strategyID); err != nil {
		s.fail(c, err)
		return
	}

	run := &domain.BacktestRun{
		ID:         domain.NewID(),
		UserID:     s.userID(c),
		StrategyID: strategyID,
		Symbol:     req.Symbol,
		Timeframe:  req.Timeframe,
		StartDate:  req.StartDate.UTC(),
		EndDate:    req.EndDate.UTC(),
		Config:     req.Config,
		Status:     domain.BacktestStatusPending,
	}
	if err := s.store.CreateBacktestRun(c.Request.Context(), run); err != nil {
		s.fail(c, err)
		return
	}

	jobID, err := s.jobs.EnqueueForUser(c.Request.Context(), backtest.RunJobName, run, domain.PriorityNormal, s.userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"run": run, "job_id": jobID})
}

func (s *Server) handleListBacktests(c *gin.Context) {
	list, err := s.store.ListBacktestRuns(c.Request.Context(), s.userID(c), queryInt(c, "limit", 50))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetBacktest(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	run, err := s.store.GetBacktestRun(c.Request.Context(), s.userID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleCancelBacktest(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	run, err := s.store.GetBacktestRun(c.Request.Context(), s.userID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	switch run.Status {
	case domain.BacktestStatusPending, domain.BacktestStatusRunning:
	default:
		s.fail(c, errs.E(errs.InvalidState, "backtest is %s", run.Status))
		return
	}
	if err := s.backtests.Cancel(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

func (s *Server) handleGetBacktestResult(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.store.GetBacktestResult(c.Request.Context(), s.userID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
