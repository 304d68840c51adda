package reconcile

import (
	"context"
	"errors"
	"time"

	"bitget-ledger-sync/internal/bitget"
	"bitget-ledger-sync/internal/ledger"
	"bitget-ledger-sync/internal/models"
	"go.uber.org/zap"
)

// closeSkew tolerates exchange timestamps slightly behind our OpenedAt.
const closeSkew = time.Minute

// remainingTolerance is the largest remaining size still treated as fully closed.
const remainingTolerance = 1e-9

// historyBook holds the position history fetched for each symbol this pass.
// A symbol missing from the book could not be fetched and stays pending.
type historyBook map[string][]bitget.HistoryPosition

// ClosureResolver confirms disappeared positions against exchange history.
type ClosureResolver struct {
	logger *zap.Logger
}

// NewClosureResolver creates a closure resolver.
func NewClosureResolver(logger *zap.Logger) *ClosureResolver {
	return &ClosureResolver{logger: logger}
}

// Resolve closes every unresolved record no longer held by a live position and
// whose closing fill is present in history. Records without a match are left
// as they are and counted as pending.
func (c *ClosureResolver) Resolve(ctx context.Context, tx *ledger.Ledger, userID uint, live observedSet, book historyBook) (closed, pending int, err error) {
	recs, err := tx.ListUnresolved(ctx, userID)
	if err != nil {
		return 0, 0, err
	}

	consumed := make(map[string]bool)
	for _, rec := range recs {
		if live.holds(rec) {
			continue
		}
		log := c.logger.With(zap.Uint("trade_id", rec.ID), zap.String("symbol", rec.Symbol), zap.String("side", rec.Side))

		history, fetched := book[rec.Symbol]
		if !fetched {
			log.Debug("History unavailable, leaving trade pending")
			pending++
			continue
		}

		match, err := c.match(ctx, tx, userID, rec, history, consumed)
		if err != nil {
			return closed, pending, err
		}
		if match == nil {
			log.Info("No closing fill found in history, leaving trade pending", zap.String("status", rec.Status))
			pending++
			continue
		}

		pnl := match.RealizedPnL()
		closure := ledger.Closure{
			ExitPrice:  float64(match.CloseAvgPrice),
			PnL:        pnl,
			Fees:       match.FeesPaid(),
			ROE:        ROE(pnl, rec.Margin),
			ClosedAt:   match.ClosedAt(),
			PositionID: match.PositionID,
		}
		if err := tx.Close(ctx, rec.ID, closure); err != nil {
			if errors.Is(err, ledger.ErrAlreadyClosed) {
				continue
			}
			return closed, pending, err
		}
		if match.PositionID != "" {
			consumed[match.PositionID] = true
		}
		log.Info("Trade closed from position history",
			zap.Float64("exit_price", closure.ExitPrice),
			zap.Float64("pnl", closure.PnL),
			zap.Float64("fees", closure.Fees),
			zap.Float64("roe", closure.ROE),
			zap.String("position_id", closure.PositionID),
		)
		closed++
	}
	return closed, pending, nil
}

// match picks the most recent fully closed history entry for rec that closed
// after rec was opened and is not bound to another record.
func (c *ClosureResolver) match(ctx context.Context, tx *ledger.Ledger, userID uint, rec models.TradeRecord, history []bitget.HistoryPosition, consumed map[string]bool) (*bitget.HistoryPosition, error) {
	var best *bitget.HistoryPosition
	for i := range history {
		h := &history[i]
		if h.Symbol != rec.Symbol || h.Side() != rec.Side {
			continue
		}
		if h.RemainingSize() > remainingTolerance || h.CloseAvgPrice <= 0 {
			continue
		}
		closedAt := h.ClosedAt()
		if closedAt.IsZero() || closedAt.Before(rec.OpenedAt.Add(-closeSkew)) {
			continue
		}
		if h.PositionID != "" {
			if consumed[h.PositionID] {
				continue
			}
			used, err := tx.PositionIDUsed(ctx, userID, h.PositionID)
			if err != nil {
				return nil, err
			}
			if used {
				continue
			}
		}
		if best == nil || closedAt.After(best.ClosedAt()) {
			best = h
		}
	}
	return best, nil
}
