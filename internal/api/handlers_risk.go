package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
)

type riskLimitRequest struct {
	BotID            string          `json:"bot_id"`
	Type             string          `json:"type" binding:"required"`
	Threshold        decimal.Decimal `json:"threshold"`
	WarningFraction  decimal.Decimal `json:"warning_fraction"`
	CriticalFraction decimal.Decimal `json:"critical_fraction"`
	Enabled          *bool           `json:"enabled"`
}

func (r riskLimitRequest) apply(l *domain.RiskLimit) error {
	switch domain.RiskLimitType(r.Type) {
	case domain.LimitMaxPositionSize, domain.LimitMaxLeverage, domain.LimitMaxDailyLoss,
		domain.LimitMaxDrawdown, domain.LimitMaxOpenPositions, domain.LimitMaxOrderSize:
	default:
		return errs.E(errs.Validation, "unknown risk limit type %q", r.Type)
	}
	if !r.Threshold.IsPositive() {
		return errs.E(errs.Validation, "threshold must be positive")
	}
	if r.BotID != "" {
		botID, err := domain.ParseID(r.BotID)
		if err != nil {
			return errs.E(errs.Validation, "bad bot_id")
		}
		l.BotID = &botID
	}
	l.Type = domain.RiskLimitType(r.Type)
	l.Threshold = r.Threshold
	l.WarningFraction = r.WarningFraction
	l.CriticalFraction = r.CriticalFraction
	l.Enabled = r.Enabled == nil || *r.Enabled
	if !l.Validate() {
		return errs.E(errs.Validation, "fractions must satisfy 0 < warning < critical <= 1")
	}
	return nil
}

func (s *Server) handleCreateRiskLimit(c *gin.Context) {
	var req riskLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.E(errs.Validation, "type is required"))
		return
	}

	limit := &domain.RiskLimit{ID: domain.NewID(), UserID: s.userID(c)}
	if err := req.apply(limit); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.CreateRiskLimit(c.Request.Context(), limit); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, limit)
}

func (s *Server) handleListRiskLimits(c *gin.Context) {
	list, err := s.store.ListRiskLimits(c.Request.Context(), s.userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleUpdateRiskLimit(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	var req riskLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.E(errs.Validation, "type is required"))
		return
	}

	limit := &domain.RiskLimit{ID: id, UserID: s.userID(c)}
	if err := req.apply(limit); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.UpdateRiskLimit(c.Request.Context(), limit); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, limit)
}

func (s *Server) handleDeleteRiskLimit(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.SoftDeleteRiskLimit(c.Request.Context(), s.userID(c), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListRiskAlerts(c *gin.Context) {
	unackedOnly := c.Query("unacked") == "true"
	list, err := s.store.ListRiskAlerts(c.Request.Context(), s.userID(c), unackedOnly, queryInt(c, "limit", 100))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleAckRiskAlert(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.AcknowledgeRiskAlert(c.Request.Context(), s.userID(c), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual emergency stop"
	}

	counts, err := s.risk.EmergencyStop(c.Request.Context(), s.userID(c), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"halted":           true,
		"orders_cancelled": counts.OrdersCancelled,
		"positions_closed": counts.PositionsClosed,
		"bots_stopped":     counts.BotsStopped,
	})
}

func (s *Server) handleRiskResume(c *gin.Context) {
	s.risk.Resume(s.userID(c))
	c.JSON(http.StatusOK, gin.H{"halted": false})
}
