package reconcile

import (
	"context"
	"testing"
	"time"

	"bitget-ledger-sync/internal/bitget"
	"bitget-ledger-sync/internal/credentials"
	"bitget-ledger-sync/internal/database"
	"bitget-ledger-sync/internal/ledger"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MockExchange is a mock implementation of the bitget RestClientInterface.
type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) GetServerTime(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockExchange) GetAccounts(ctx context.Context) ([]bitget.Account, error) {
	args := m.Called(ctx)
	accounts, _ := args.Get(0).([]bitget.Account)
	return accounts, args.Error(1)
}

func (m *MockExchange) GetAllPositions(ctx context.Context) ([]bitget.Position, error) {
	args := m.Called(ctx)
	positions, _ := args.Get(0).([]bitget.Position)
	return positions, args.Error(1)
}

func (m *MockExchange) GetPositionHistory(ctx context.Context, symbol string, start, end time.Time, limit int) ([]bitget.HistoryPosition, error) {
	args := m.Called(ctx, symbol, start, end, limit)
	history, _ := args.Get(0).([]bitget.HistoryPosition)
	return history, args.Error(1)
}

func (m *MockExchange) GetOrderHistory(ctx context.Context, symbol string, start, end time.Time, limit int) ([]bitget.Order, error) {
	args := m.Called(ctx, symbol, start, end, limit)
	orders, _ := args.Get(0).([]bitget.Order)
	return orders, args.Error(1)
}

func (m *MockExchange) GetTicker(ctx context.Context, symbol string) (*bitget.Ticker, error) {
	args := m.Called(ctx, symbol)
	ticker, _ := args.Get(0).(*bitget.Ticker)
	return ticker, args.Error(1)
}

func (m *MockExchange) ClosePosition(ctx context.Context, symbol, holdSide string) (*bitget.ClosePositionResult, error) {
	args := m.Called(ctx, symbol, holdSide)
	result, _ := args.Get(0).(*bitget.ClosePositionResult)
	return result, args.Error(1)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var testCreds = bitget.Credentials{APIKey: "bg_key", APISecret: "secret", Passphrase: "pass"}

// clock is a settable time source.
type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	svc      *Service
	exchange *MockExchange
	ledger   *ledger.Ledger
	db       *gorm.DB
	provider *credentials.Static
	clock    *clock
	guard    *LocalGuard
}

// setupTest creates a service over an in-memory ledger and a mock exchange.
func setupTest(t *testing.T) *testEnv {
	db, err := database.NewMemory()
	require.NoError(t, err)

	env := &testEnv{
		exchange: new(MockExchange),
		ledger:   ledger.New(db),
		db:       db,
		provider: credentials.NewStatic(map[uint]bitget.Credentials{1: testCreds}),
		clock:    &clock{t: t0},
		guard:    NewLocalGuard(),
	}
	opts := Options{DuplicateWindow: 2 * time.Minute, HistoryLookback: 7 * 24 * time.Hour, HistoryLimit: 50}
	env.svc = NewService(env.provider, func(bitget.Credentials) Exchange { return env.exchange }, env.ledger, env.guard, opts, zap.NewNop()).
		WithClock(env.clock.Now)
	return env
}

func fp(v float64) *bitget.Float {
	f := bitget.Float(v)
	return &f
}

func livePosition(symbol, side string, size, entry, margin, upl float64) bitget.Position {
	return bitget.Position{
		Symbol:       symbol,
		HoldSide:     side,
		Total:        bitget.Float(size),
		OpenPriceAvg: bitget.Float(entry),
		MarginSize:   bitget.Float(margin),
		UnrealizedPL: bitget.Float(upl),
		Leverage:     10,
	}
}

func closedHistory(id, symbol, side string, exit, pnl, fees float64, closedAt time.Time) bitget.HistoryPosition {
	return bitget.HistoryPosition{
		PositionID:    id,
		Symbol:        symbol,
		HoldSide:      side,
		CloseAvgPrice: bitget.Float(exit),
		Total:         fp(0),
		Pnl:           bitget.Float(pnl),
		Fees:          fp(-fees),
		UTime:         bitget.Millis(closedAt.UnixMilli()),
	}
}
