package database

import (
	"path/filepath"
	"testing"
	"time"

	"bitget-ledger-sync/internal/config"
	"bitget-ledger-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRecord(symbol, side string) *models.TradeRecord {
	return &models.TradeRecord{
		UserID: 1, Symbol: symbol, Side: side, Size: 1, EntryPrice: 100,
		Leverage: 1, Status: models.StatusOpen, OpenedAt: time.Now(),
	}
}

func TestNewDatabase(t *testing.T) {
	t.Run("OpenPositionIsUnique", func(t *testing.T) {
		db, err := NewMemory()
		require.NoError(t, err)

		require.NoError(t, db.Create(openRecord("BTCUSDT", models.SideLong)).Error)
		assert.Error(t, db.Create(openRecord("BTCUSDT", models.SideLong)).Error)

		// Other side and closed rows are not constrained.
		assert.NoError(t, db.Create(openRecord("BTCUSDT", models.SideShort)).Error)
		closed := openRecord("BTCUSDT", models.SideLong)
		closed.Status = models.StatusClosed
		assert.NoError(t, db.Create(closed).Error)
	})

	t.Run("MigrationKeepsRows", func(t *testing.T) {
		dsn := filepath.Join(t.TempDir(), "ledger.db")
		db, err := NewDatabase(config.Database{Driver: "sqlite", DSN: dsn})
		require.NoError(t, err)
		require.NoError(t, db.Create(openRecord("ETHUSDT", models.SideShort)).Error)

		require.NoError(t, AutoMigrate(db))

		var count int64
		require.NoError(t, db.Model(&models.TradeRecord{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("UnknownDriver", func(t *testing.T) {
		_, err := NewDatabase(config.Database{Driver: "mysql", DSN: "x"})
		assert.Error(t, err)
	})
}
