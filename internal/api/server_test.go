package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"bitget-ledger-sync/internal/bitget"
	"bitget-ledger-sync/internal/models"
	"bitget-ledger-sync/internal/reconcile"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) ReconcileUser(ctx context.Context, userID uint) (reconcile.Counts, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(reconcile.Counts), args.Error(1)
}

func (m *MockEngine) GetUserStats(ctx context.Context, userID uint) (reconcile.Stats, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(reconcile.Stats), args.Error(1)
}

func (m *MockEngine) OpenTrades(ctx context.Context, userID uint) ([]reconcile.LiveTrade, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]reconcile.LiveTrade), args.Error(1)
}

func (m *MockEngine) ClosedTrades(ctx context.Context, userID uint, limit int) ([]models.TradeRecord, error) {
	args := m.Called(ctx, userID, limit)
	return args.Get(0).([]models.TradeRecord), args.Error(1)
}

func (m *MockEngine) ProfitCurve(ctx context.Context, userID uint) ([]reconcile.CurvePoint, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]reconcile.CurvePoint), args.Error(1)
}

func (m *MockEngine) ClosePosition(ctx context.Context, userID uint, symbol, side string) (reconcile.CloseOutcome, error) {
	args := m.Called(ctx, userID, symbol, side)
	return args.Get(0).(reconcile.CloseOutcome), args.Error(1)
}

func (m *MockEngine) OrderHistory(ctx context.Context, userID uint, symbol string, limit int) ([]bitget.Order, error) {
	args := m.Called(ctx, userID, symbol, limit)
	return args.Get(0).([]bitget.Order), args.Error(1)
}

type staticStatus struct{ st reconcile.Status }

func (s staticStatus) Status() reconcile.Status { return s.st }

func setupServer(t *testing.T) (*APIServer, *MockEngine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := new(MockEngine)
	srv := NewAPIServer(0, engine, staticStatus{reconcile.Status{Running: true, Sweeps: 3}}, zap.NewNop())
	t.Cleanup(func() { engine.AssertExpectations(t) })
	return srv, engine
}

func do(t *testing.T, srv *APIServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthAndStatus(t *testing.T) {
	srv, _ := setupServer(t)

	w := do(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w = do(t, srv, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, float64(3), body["sweeps"])
}

func TestRequestIDIsPropagated(t *testing.T) {
	srv, _ := setupServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(requestIDHeader))
}

func TestSync(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		srv, engine := setupServer(t)
		engine.On("ReconcileUser", mock.Anything, uint(7)).Return(reconcile.Counts{New: 1, Closed: 2}, nil).Once()

		w := do(t, srv, http.MethodPost, "/api/users/7/sync", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, float64(1), body["new"])
		assert.Equal(t, float64(2), body["closed"])
	})

	t.Run("InvalidUser", func(t *testing.T) {
		srv, _ := setupServer(t)
		w := do(t, srv, http.MethodPost, "/api/users/abc/sync", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w = do(t, srv, http.MethodPost, "/api/users/0/sync", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	errorCases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"Busy", &reconcile.SyncError{Kind: reconcile.KindBusy, UserID: 7, Err: errors.New("in progress")}, http.StatusConflict, "busy"},
		{"Credentials", &reconcile.SyncError{Kind: reconcile.KindCredentials, UserID: 7, Code: "not_configured", Err: errors.New("missing")}, http.StatusUnprocessableEntity, "credentials"},
		{"Auth", &reconcile.SyncError{Kind: reconcile.KindAuth, UserID: 7, Code: "40037", Err: errors.New("apikey does not exist")}, http.StatusFailedDependency, "auth"},
		{"Transient", &reconcile.SyncError{Kind: reconcile.KindTransient, UserID: 7, Err: errors.New("timeout")}, http.StatusServiceUnavailable, "transient"},
		{"Persistence", &reconcile.SyncError{Kind: reconcile.KindPersistence, UserID: 7, Err: errors.New("disk full")}, http.StatusInternalServerError, "persistence"},
		{"Untyped", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, engine := setupServer(t)
			engine.On("ReconcileUser", mock.Anything, uint(7)).Return(reconcile.Counts{}, tc.err).Once()

			w := do(t, srv, http.MethodPost, "/api/users/7/sync", nil)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.kind, decode(t, w)["error"])
		})
	}
}

func TestAuthErrorCarriesCode(t *testing.T) {
	srv, engine := setupServer(t)
	engine.On("GetUserStats", mock.Anything, uint(2)).
		Return(reconcile.Stats{}, &reconcile.SyncError{Kind: reconcile.KindAuth, UserID: 2, Code: "40012", Err: errors.New("passphrase")}).Once()

	w := do(t, srv, http.MethodGet, "/api/users/2/stats", nil)
	assert.Equal(t, http.StatusFailedDependency, w.Code)
	assert.Equal(t, "40012", decode(t, w)["code"])
}

func TestReadEndpoints(t *testing.T) {
	srv, engine := setupServer(t)
	engine.On("GetUserStats", mock.Anything, uint(1)).Return(reconcile.Stats{UserID: 1, TotalTrades: 4, WinRate: 50}, nil).Once()
	engine.On("OpenTrades", mock.Anything, uint(1)).Return([]reconcile.LiveTrade{{TradeRecord: models.TradeRecord{Symbol: "BTCUSDT"}}}, nil).Once()
	engine.On("ClosedTrades", mock.Anything, uint(1), 5).Return([]models.TradeRecord{{Symbol: "ETHUSDT"}}, nil).Once()
	engine.On("ProfitCurve", mock.Anything, uint(1)).Return([]reconcile.CurvePoint{}, nil).Once()
	engine.On("OrderHistory", mock.Anything, uint(1), "BTCUSDT", 20).Return([]bitget.Order{}, nil).Once()

	w := do(t, srv, http.MethodGet, "/api/users/1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), decode(t, w)["total_trades"])

	w = do(t, srv, http.MethodGet, "/api/users/1/trades/open", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["trades"], 1)

	w = do(t, srv, http.MethodGet, "/api/users/1/trades/closed?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["trades"], 1)

	w = do(t, srv, http.MethodGet, "/api/users/1/profit-curve", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/api/users/1/orders?symbol=BTCUSDT&limit=20", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInvalidLimits(t *testing.T) {
	srv, _ := setupServer(t)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/users/1/trades/closed?limit=x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/users/1/orders?limit=500", nil).Code)
}

func TestClosePosition(t *testing.T) {
	t.Run("Accepted", func(t *testing.T) {
		srv, engine := setupServer(t)
		engine.On("ClosePosition", mock.Anything, uint(1), "BTCUSDT", "long").
			Return(reconcile.CloseOutcome{Accepted: true, TradeID: 9, OrderID: "o-1"}, nil).Once()

		w := do(t, srv, http.MethodPost, "/api/users/1/positions/close", map[string]string{"symbol": "BTCUSDT", "side": "long"})
		require.Equal(t, http.StatusAccepted, w.Code)
		body := decode(t, w)
		assert.Equal(t, true, body["accepted"])
		assert.Equal(t, "o-1", body["order_id"])
	})

	t.Run("RejectedByExchange", func(t *testing.T) {
		srv, engine := setupServer(t)
		engine.On("ClosePosition", mock.Anything, uint(1), "BTCUSDT", "short").
			Return(reconcile.CloseOutcome{Reason: "no position to close", Code: "22002"}, nil).Once()

		w := do(t, srv, http.MethodPost, "/api/users/1/positions/close", map[string]string{"symbol": "BTCUSDT", "side": "short"})
		require.Equal(t, http.StatusConflict, w.Code)
		body := decode(t, w)
		assert.Equal(t, false, body["accepted"])
		assert.Equal(t, "22002", body["code"])
	})

	t.Run("InvalidBody", func(t *testing.T) {
		srv, _ := setupServer(t)
		w := do(t, srv, http.MethodPost, "/api/users/1/positions/close", map[string]string{"symbol": "BTCUSDT", "side": "flat"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w = do(t, srv, http.MethodPost, "/api/users/1/positions/close", map[string]string{"side": "long"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("TransportFailure", func(t *testing.T) {
		srv, engine := setupServer(t)
		engine.On("ClosePosition", mock.Anything, uint(1), "ETHUSDT", "long").
			Return(reconcile.CloseOutcome{}, &reconcile.SyncError{Kind: reconcile.KindTransient, UserID: 1, Err: errors.New("timeout")}).Once()

		w := do(t, srv, http.MethodPost, "/api/users/1/positions/close", map[string]string{"symbol": "ETHUSDT", "side": "long"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestStatusWithoutScheduler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewAPIServer(0, new(MockEngine), nil, zap.NewNop())
	w := do(t, srv, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["running"])
}
