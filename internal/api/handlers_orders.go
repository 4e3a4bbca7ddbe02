package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"futures-trading-platform/internal/database"
	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/orders"
)

type placeOrderRequest struct {
	Symbol       string          `json:"symbol" binding:"required"`
	Side         string          `json:"side" binding:"required"`
	PositionSide string          `json:"position_side"`
	Type         string          `json:"type" binding:"required"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	TimeInForce  string          `json:"time_in_force"`
	ReduceOnly   bool            `json:"reduce_only"`
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errs.E(errs.Validation, "symbol, side, type and quantity are required"))
		return
	}

	positionSide := domain.PositionSideBoth
	if req.PositionSide != "" {
		positionSide = domain.PositionSide(req.PositionSide)
	}
	tif := domain.TimeInForceGTC
	if req.TimeInForce != "" {
		tif = domain.TimeInForce(req.TimeInForce)
	}

	orderID, err := s.router.PlaceOrder(c.Request.Context(), orders.PlaceRequest{
		UserID:       s.userID(c),
		Venue:        s.venue,
		Symbol:       req.Symbol,
		Side:         domain.Side(req.Side),
		PositionSide: positionSide,
		Type:         domain.OrderType(req.Type),
		Quantity:     req.Quantity,
		Price:        req.Price,
		StopPrice:    req.StopPrice,
		TimeInForce:  tif,
		ReduceOnly:   req.ReduceOnly,
	})
	if err != nil {
		// An unknown dispatch outcome still persisted a provisional
		// order awaiting reconciliation: the caller needs its id to
		// track resolution.
		if errs.KindOf(err) == errs.ExchangeUnknown && orderID != (domain.ID{}) {
			order, getErr := s.store.GetOrder(c.Request.Context(), s.userID(c), orderID)
			if getErr != nil {
				s.fail(c, getErr)
				return
			}
			c.JSON(http.StatusAccepted, gin.H{
				"order": order,
				"error": "order outcome unknown, reconciliation pending",
			})
			return
		}
		s.fail(c, err)
		return
	}

	order, err := s.store.GetOrder(c.Request.Context(), s.userID(c), orderID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleListOrders(c *gin.Context) {
	f := database.OrderFilter{
		Symbol: c.Query("symbol"),
		Status: domain.OrderStatus(c.Query("status")),
		Limit:  queryInt(c, "limit", 100),
	}
	if raw := c.Query("bot_id"); raw != "" {
		botID, err := domain.ParseID(raw)
		if err != nil {
			s.fail(c, errs.E(errs.Validation, "bad bot_id"))
			return
		}
		f.BotID = &botID
	}

	list, err := s.store.ListOrders(c.Request.Context(), s.userID(c), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	order, err := s.store.GetOrder(c.Request.Context(), s.userID(c), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.router.CancelOrder(c.Request.Context(), s.userID(c), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListPositions(c *gin.Context) {
	onlyOpen := c.DefaultQuery("open", "true") == "true"
	list, err := s.store.ListPositions(c.Request.Context(), s.userID(c), onlyOpen)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleListTrades(c *gin.Context) {
	list, err := s.store.ListTrades(c.Request.Context(), s.userID(c), c.Query("symbol"), queryInt(c, "limit", 100))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleListSymbols(c *gin.Context) {
	symbols, err := s.store.ListSymbols(c.Request.Context(), s.venue)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, symbols)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
