package reconcile

import (
	"context"
	"math"
	"time"

	"bitget-ledger-sync/internal/bitget"
	"bitget-ledger-sync/internal/ledger"
	"bitget-ledger-sync/internal/models"
	"go.uber.org/zap"
)

// Change thresholds below which a live value is considered unchanged.
const (
	SizeTolerance     = 0.001
	EntryTolerance    = ledger.EntryTolerance
	PnLTolerance      = 0.01
	LeverageTolerance = 0.001
	MarginTolerance   = 0.01
)

// tuple identifies a position slot on the exchange.
type tuple struct {
	Symbol string
	Side   string
}

// observedSet is the set of (symbol, side) tuples live in the current pass.
type observedSet map[tuple]bitget.Position

// holds reports whether rec is still backed by a live position. A closing
// record is only held by a position at its own entry price; a live position
// at another entry is a re-entry and leaves the closing record to history.
func (o observedSet) holds(rec models.TradeRecord) bool {
	p, ok := o[tuple{rec.Symbol, rec.Side}]
	if !ok {
		return false
	}
	if rec.Status == models.StatusClosing {
		return !differs(rec.EntryPrice, float64(p.OpenPriceAvg), EntryTolerance)
	}
	return true
}

// observe keeps the live positions with a nonzero size.
func observe(positions []bitget.Position) observedSet {
	set := make(observedSet, len(positions))
	for _, p := range positions {
		if p.Size() == 0 || p.Symbol == "" {
			continue
		}
		set[tuple{p.Symbol, p.Side()}] = p
	}
	return set
}

// Reconciler diffs live positions against the ledger.
type Reconciler struct {
	duplicateWindow time.Duration
	logger          *zap.Logger
}

// NewReconciler creates a position reconciler.
func NewReconciler(duplicateWindow time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{duplicateWindow: duplicateWindow, logger: logger}
}

// Apply creates or refreshes one record per live position. It must run inside
// the pass transaction; every write goes through tx.
func (r *Reconciler) Apply(ctx context.Context, tx *ledger.Ledger, userID uint, live observedSet, now time.Time) (created, updated int, err error) {
	var closing []models.TradeRecord
	unresolvedRecs, err := tx.ListUnresolved(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	for _, rec := range unresolvedRecs {
		if rec.Status == models.StatusClosing {
			closing = append(closing, rec)
		}
	}

	for key, p := range live {
		log := r.logger.With(zap.String("symbol", key.Symbol), zap.String("side", key.Side))

		entry := float64(p.OpenPriceAvg)
		margin := p.MarginValue()
		pnl := float64(p.UnrealizedPL)

		existing, err := tx.FindOpen(ctx, userID, key.Symbol, key.Side)
		if err != nil {
			return created, updated, err
		}

		if existing != nil {
			fields := changedFields(existing, p)
			if len(fields) == 0 {
				continue
			}
			if err := tx.UpdateFields(ctx, existing.ID, fields); err != nil {
				return created, updated, err
			}
			log.Debug("Refreshed open trade", zap.Uint("trade_id", existing.ID), zap.Int("fields", len(fields)))
			updated++
			continue
		}

		if pendingCloseFor(closing, key, entry) {
			log.Debug("Position still live behind a pending close", zap.Float64("entry", entry))
			continue
		}

		dup, err := tx.FindRecentDuplicate(ctx, userID, key.Symbol, key.Side, entry, now.Add(-r.duplicateWindow))
		if err != nil {
			return created, updated, err
		}
		if dup != nil {
			log.Info("Suppressed duplicate trade", zap.Uint("trade_id", dup.ID), zap.Float64("entry", entry))
			continue
		}

		rec := &models.TradeRecord{
			UserID:     userID,
			Symbol:     key.Symbol,
			Side:       key.Side,
			Size:       p.Size(),
			EntryPrice: entry,
			Leverage:   p.LeverageValue(),
			Margin:     margin,
			PnL:        pnl,
			ROE:        ROE(pnl, margin),
			Status:     models.StatusOpen,
			OpenedAt:   openedAt(p, now),
		}
		rec.CreatedAt = now
		if err := tx.Create(ctx, rec); err != nil {
			return created, updated, err
		}
		log.Info("Recorded new trade", zap.Uint("trade_id", rec.ID), zap.Float64("entry", entry), zap.Float64("size", rec.Size))
		created++
	}
	return created, updated, nil
}

// changedFields returns the columns of rec that moved beyond tolerance.
func changedFields(rec *models.TradeRecord, p bitget.Position) map[string]any {
	size := p.Size()
	entry := float64(p.OpenPriceAvg)
	margin := p.MarginValue()
	leverage := p.LeverageValue()
	pnl := float64(p.UnrealizedPL)

	if differs(rec.Size, size, SizeTolerance) ||
		differs(rec.EntryPrice, entry, EntryTolerance) ||
		differs(rec.PnL, pnl, PnLTolerance) ||
		differs(rec.Leverage, leverage, LeverageTolerance) ||
		differs(rec.Margin, margin, MarginTolerance) {
		return map[string]any{
			"size":        size,
			"entry_price": entry,
			"margin":      margin,
			"leverage":    leverage,
			"pnl":         pnl,
			"roe":         ROE(pnl, margin),
		}
	}
	return nil
}

func differs(a, b, tolerance float64) bool {
	return math.Abs(a-b) > tolerance
}

// pendingCloseFor reports whether a closing record still stands for the live
// position at the same entry. A different entry is a re-entry.
func pendingCloseFor(closing []models.TradeRecord, key tuple, entry float64) bool {
	for _, rec := range closing {
		if rec.Symbol == key.Symbol && rec.Side == key.Side && !differs(rec.EntryPrice, entry, EntryTolerance) {
			return true
		}
	}
	return false
}

// openedAt prefers the exchange's creation time and falls back to the pass time.
func openedAt(p bitget.Position, now time.Time) time.Time {
	if t := p.CTime.Time(); !t.IsZero() && !t.After(now) {
		return t
	}
	return now
}
