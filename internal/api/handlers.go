package api

import (
	"errors"
	"net/http"
	"strconv"

	"bitget-ledger-sync/internal/reconcile"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *APIServer) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *APIServer) statusHandler(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	c.JSON(http.StatusOK, s.status.Status())
}

// userID parses the :id path parameter, writing a 400 when it is invalid.
func userID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user", "message": "user id must be a positive integer"})
		return 0, false
	}
	return uint(id), true
}

func (s *APIServer) syncHandler(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	counts, err := s.engine.ReconcileUser(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *APIServer) statsHandler(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	stats, err := s.engine.GetUserStats(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *APIServer) openTradesHandler(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	trades, err := s.engine.OpenTrades(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *APIServer) closedTradesHandler(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	trades, err := s.engine.ClosedTrades(c.Request.Context(), id, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *APIServer) profitCurveHandler(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	points, err := s.engine.ProfitCurve(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"points": points})
}

func (s *APIServer) ordersHandler(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 || limit > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	orders, err := s.engine.OrderHistory(c.Request.Context(), id, c.Query("symbol"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

type closePositionRequest struct {
	Symbol string `json:"symbol" binding:"required"`
	Side   string `json:"side" binding:"required,oneof=long short LONG SHORT"`
}

func (s *APIServer) closePositionHandler(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var req closePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	outcome, err := s.engine.ClosePosition(c.Request.Context(), id, req.Symbol, req.Side)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !outcome.Accepted {
		status := http.StatusConflict
		if outcome.Code == "invalid_request" {
			status = http.StatusBadRequest
		}
		c.JSON(status, outcome)
		return
	}
	c.JSON(http.StatusAccepted, outcome)
}

// writeError maps a SyncError kind onto an HTTP status.
func (s *APIServer) writeError(c *gin.Context, err error) {
	var status int
	kind := reconcile.KindOf(err)
	switch kind {
	case reconcile.KindBusy, reconcile.KindSuspended:
		status = http.StatusConflict
	case reconcile.KindCredentials, reconcile.KindRejected:
		status = http.StatusUnprocessableEntity
	case reconcile.KindAuth:
		status = http.StatusFailedDependency
	case reconcile.KindTransient:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	body := gin.H{"error": string(kind), "message": err.Error()}
	if kind == "" {
		body["error"] = "internal"
	}
	var se *reconcile.SyncError
	if errors.As(err, &se) && se.Code != "" {
		body["code"] = se.Code
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}
