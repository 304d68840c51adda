package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bitget-ledger-sync/internal/bitget"
	"bitget-ledger-sync/internal/models"
	"bitget-ledger-sync/internal/reconcile"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Engine is the part of the reconciliation service exposed over HTTP.
type Engine interface {
	ReconcileUser(ctx context.Context, userID uint) (reconcile.Counts, error)
	GetUserStats(ctx context.Context, userID uint) (reconcile.Stats, error)
	OpenTrades(ctx context.Context, userID uint) ([]reconcile.LiveTrade, error)
	ClosedTrades(ctx context.Context, userID uint, limit int) ([]models.TradeRecord, error)
	ProfitCurve(ctx context.Context, userID uint) ([]reconcile.CurvePoint, error)
	ClosePosition(ctx context.Context, userID uint, symbol, side string) (reconcile.CloseOutcome, error)
	OrderHistory(ctx context.Context, userID uint, symbol string, limit int) ([]bitget.Order, error)
}

// StatusSource reports scheduler state for /status.
type StatusSource interface {
	Status() reconcile.Status
}

// APIServer provides an HTTP interface for the reconciliation engine. It is
// meant to be bound to an internal address; sessions are handled upstream.
type APIServer struct {
	server *http.Server
	router *gin.Engine
	engine Engine
	status StatusSource
	logger *zap.Logger
}

// NewAPIServer creates a new APIServer listening on port. status may be nil
// when no scheduler runs in this process.
func NewAPIServer(port int, engine Engine, status StatusSource, logger *zap.Logger) *APIServer {
	r := gin.New()
	s := &APIServer{
		router: r,
		engine: engine,
		status: status,
		logger: logger.Named("api-server"),
	}
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(requestLogger(s.logger))
	s.routes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *APIServer) Handler() http.Handler {
	return s.router
}

func (s *APIServer) routes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/status", s.statusHandler)

	users := s.router.Group("/api/users/:id")
	{
		users.POST("/sync", s.syncHandler)
		users.GET("/stats", s.statsHandler)
		users.GET("/trades/open", s.openTradesHandler)
		users.GET("/trades/closed", s.closedTradesHandler)
		users.GET("/profit-curve", s.profitCurveHandler)
		users.GET("/orders", s.ordersHandler)
		users.POST("/positions/close", s.closePositionHandler)
	}
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}
