package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitget-ledger-sync/internal/models"
	"gorm.io/gorm"
)

// EntryTolerance is the price distance under which two entries count as the same fill.
const EntryTolerance = 0.001

// ErrAlreadyClosed is returned when a terminal record would be modified.
var ErrAlreadyClosed = errors.New("trade record already closed")

var unresolved = []string{models.StatusOpen, models.StatusClosing}

// Ledger is the repository over trade_records. Status and PnL fields are only
// written through here.
type Ledger struct {
	db *gorm.DB
}

// New creates a ledger on db.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx runs fn inside one database transaction. If fn returns an error every
// write made through the transactional ledger is rolled back.
func (l *Ledger) WithTx(ctx context.Context, fn func(tx *Ledger) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Ledger{db: tx})
	})
}

// FindOpen returns the open record for (user, symbol, side), or nil.
func (l *Ledger) FindOpen(ctx context.Context, userID uint, symbol, side string) (*models.TradeRecord, error) {
	var recs []models.TradeRecord
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND symbol = ? AND side = ? AND status = ?", userID, symbol, side, models.StatusOpen).
		Order("opened_at DESC").Limit(1).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find open trade: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// FindRecentDuplicate returns an open or closing record for (user, symbol, side)
// with the same entry price that was written to the ledger at or after since.
func (l *Ledger) FindRecentDuplicate(ctx context.Context, userID uint, symbol, side string, entry float64, since time.Time) (*models.TradeRecord, error) {
	var recs []models.TradeRecord
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND symbol = ? AND side = ? AND status IN ?", userID, symbol, side, unresolved).
		Where("entry_price BETWEEN ? AND ?", entry-EntryTolerance, entry+EntryTolerance).
		Where("created_at >= ?", since).
		Order("created_at DESC").Limit(1).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicate trade: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// ListUnresolved returns open and closing records, most recently opened first.
func (l *Ledger) ListUnresolved(ctx context.Context, userID uint) ([]models.TradeRecord, error) {
	var recs []models.TradeRecord
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, unresolved).
		Order("opened_at DESC").Order("id DESC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved trades: %w", err)
	}
	return recs, nil
}

// ListOpen returns records whose status is exactly open, oldest first.
func (l *Ledger) ListOpen(ctx context.Context, userID uint) ([]models.TradeRecord, error) {
	var recs []models.TradeRecord
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.StatusOpen).
		Order("opened_at ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open trades: %w", err)
	}
	return recs, nil
}

// ListClosed returns closed records, most recently closed first.
// A limit of zero or less returns every closed record.
func (l *Ledger) ListClosed(ctx context.Context, userID uint, limit int) ([]models.TradeRecord, error) {
	q := l.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.StatusClosed).
		Order("closed_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []models.TradeRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list closed trades: %w", err)
	}
	return recs, nil
}

// Create inserts a new record.
func (l *Ledger) Create(ctx context.Context, rec *models.TradeRecord) error {
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create trade %s %s: %w", rec.Symbol, rec.Side, err)
	}
	return nil
}

// UpdateFields applies column updates to a non-closed record.
func (l *Ledger) UpdateFields(ctx context.Context, id uint, fields map[string]any) error {
	res := l.db.WithContext(ctx).Model(&models.TradeRecord{}).
		Where("id = ? AND status <> ?", id, models.StatusClosed).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update trade %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyClosed
	}
	return nil
}

// MarkClosing moves an open record to closing.
func (l *Ledger) MarkClosing(ctx context.Context, id uint, requestedAt time.Time) error {
	res := l.db.WithContext(ctx).Model(&models.TradeRecord{}).
		Where("id = ? AND status = ?", id, models.StatusOpen).
		Updates(map[string]any{"status": models.StatusClosing, "close_requested_at": requestedAt})
	if res.Error != nil {
		return fmt.Errorf("failed to mark trade %d closing: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("trade %d is not open", id)
	}
	return nil
}

// Closure is the exit data of a resolved position.
type Closure struct {
	ExitPrice  float64
	PnL        float64
	Fees       float64
	ROE        float64
	ClosedAt   time.Time
	PositionID string
}

// Close moves an open or closing record to closed. Closed is terminal.
func (l *Ledger) Close(ctx context.Context, id uint, c Closure) error {
	res := l.db.WithContext(ctx).Model(&models.TradeRecord{}).
		Where("id = ? AND status IN ?", id, unresolved).
		Updates(map[string]any{
			"status":               models.StatusClosed,
			"exit_price":           c.ExitPrice,
			"pnl":                  c.PnL,
			"fees":                 c.Fees,
			"roe":                  c.ROE,
			"closed_at":            c.ClosedAt,
			"exchange_position_id": c.PositionID,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to close trade %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyClosed
	}
	return nil
}

// PositionIDUsed reports whether an exchange position id is already bound to
// one of the user's closed records.
func (l *Ledger) PositionIDUsed(ctx context.Context, userID uint, positionID string) (bool, error) {
	if positionID == "" {
		return false, nil
	}
	var count int64
	err := l.db.WithContext(ctx).Model(&models.TradeRecord{}).
		Where("user_id = ? AND exchange_position_id = ? AND status = ?", userID, positionID, models.StatusClosed).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check position id: %w", err)
	}
	return count > 0, nil
}

// Summary aggregates a user's closed records.
type Summary struct {
	TotalTrades   int64   `gorm:"column:total_trades"`
	WinningTrades int64   `gorm:"column:winning_trades"`
	RealizedPnL   float64 `gorm:"column:realized_pnl"`
}

// ClosedSummary aggregates closed records in the database.
func (l *Ledger) ClosedSummary(ctx context.Context, userID uint) (Summary, error) {
	var s Summary
	err := l.db.WithContext(ctx).Model(&models.TradeRecord{}).
		Select("COUNT(*) AS total_trades, "+
			"COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0) AS winning_trades, "+
			"COALESCE(SUM(pnl), 0) AS realized_pnl").
		Where("user_id = ? AND status = ?", userID, models.StatusClosed).
		Scan(&s).Error
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize closed trades: %w", err)
	}
	return s, nil
}
