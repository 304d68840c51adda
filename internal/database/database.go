package database

import (
	"fmt"

	"bitget-ledger-sync/internal/config"
	"bitget-ledger-sync/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTradeIndex backs the "one open record per user, symbol and side" rule.
const openTradeIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_trade_records_open_position
ON trade_records (user_id, symbol, side) WHERE status = 'open' AND deleted_at IS NULL`

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(cfg config.Database) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver != "postgres" {
		// SQLite allows a single writer; an in-memory database also lives on one connection only.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	// Auto-migrate the schema
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the ledger tables. Existing rows are kept.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.TradeRecord{}, &models.UserCredential{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	if err := db.Exec(openTradeIndex).Error; err != nil {
		return fmt.Errorf("failed to create open position index: %w", err)
	}
	return nil
}

// NewMemory opens a migrated in-memory SQLite ledger.
func NewMemory() (*gorm.DB, error) {
	return NewDatabase(config.Database{Driver: "sqlite", DSN: "file::memory:"})
}
