package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
)

type createConnectionRequest struct {
	Venue     string `json:"venue" binding:"required"`
	Env       string `json:"env" binding:"required"`
	APIKey    string `json:"api_key" binding:"required"`
	SecretKey string `json:"secret_key" binding:"required"`
	CanRead   bool   `json:"can_read"`
	CanTrade  bool   `json:"can_trade"`
}

func (s *Server) handleCreateConnection(c *gin.Context) {
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.E(errs.Validation, "venue, env and credentials are required"))
		return
	}
	env := domain.ConnectionEnv(req.Env)
	if env != domain.EnvMainnet && env != domain.EnvTestnet {
		s.fail(c, errs.E(errs.Validation, "env must be mainnet or testnet"))
		return
	}

	apiKey, err := s.box.Seal([]byte(req.APIKey))
	if err != nil {
		s.fail(c, errs.Wrap(errs.Internal, err, "seal api key"))
		return
	}
	secretKey, err := s.box.Seal([]byte(req.SecretKey))
	if err != nil {
		s.fail(c, errs.Wrap(errs.Internal, err, "seal secret key"))
		return
	}

	conn := &domain.ExchangeConnection{
		UserID:             s.userID(c),
		Venue:              req.Venue,
		Env:                env,
		APIKeyEncrypted:    apiKey,
		SecretKeyEncrypted: secretKey,
		CanRead:            req.CanRead,
		CanTrade:           req.CanTrade,
		Status:             domain.ConnectionActive,
	}
	if err := s.store.CreateConnection(c.Request.Context(), conn); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, conn)
}

func (s *Server) handleListConnections(c *gin.Context) {
	conns, err := s.store.ListConnections(c.Request.Context(), s.userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conns)
}

type updateConnectionStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) handleUpdateConnectionStatus(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	var req updateConnectionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.E(errs.Validation, "status is required"))
		return
	}
	status := domain.ConnectionStatus(req.Status)
	if status != domain.ConnectionActive && status != domain.ConnectionInactive {
		s.fail(c, errs.E(errs.Validation, "status must be ACTIVE or INACTIVE"))
		return
	}
	if err := s.store.UpdateConnectionStatus(c.Request.Context(), s.userID(c), id, status); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) handleDeleteConnection(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.DeleteConnection(c.Request.Context(), s.userID(c), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
