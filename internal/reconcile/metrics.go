package reconcile

import (
	"math"
	"sort"
	"time"

	"bitget-ledger-sync/internal/ledger"
	"bitget-ledger-sync/internal/models"
)

// ROE is pnl as a percentage of margin. A margin that is zero or negative yields 0.
func ROE(pnl, margin float64) float64 {
	if margin <= 0 || math.IsNaN(margin) {
		return 0
	}
	return pnl / margin * 100
}

// UnrealizedPnL prices a position of size at mark.
func UnrealizedPnL(side string, entry, mark, size float64) float64 {
	if side == models.SideShort {
		return (entry - mark) * size
	}
	return (mark - entry) * size
}

// LiveTrade is an unresolved record re-priced against the market.
// When Live is false the persisted PnL and ROE are shown instead.
type LiveTrade struct {
	models.TradeRecord
	MarkPrice     float64 `json:"mark_price,omitempty"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	LiveROE       float64 `json:"live_roe"`
	Live          bool    `json:"live"`
}

// reprice fills the live fields of t from mark, or falls back to the ledger values.
func reprice(rec models.TradeRecord, mark float64, ok bool) LiveTrade {
	t := LiveTrade{TradeRecord: rec}
	if !ok || mark <= 0 {
		t.UnrealizedPnL = rec.PnL
		t.LiveROE = rec.ROE
		return t
	}
	t.Live = true
	t.MarkPrice = mark
	t.UnrealizedPnL = UnrealizedPnL(rec.Side, rec.EntryPrice, mark, rec.Size)
	t.LiveROE = ROE(t.UnrealizedPnL, rec.Margin)
	return t
}

// Stats are the aggregate figures of one user.
type Stats struct {
	UserID        uint     `json:"user_id"`
	TotalTrades   int64    `json:"total_trades"`
	WinningTrades int64    `json:"winning_trades"`
	WinRate       float64  `json:"win_rate"`
	RealizedPnL   float64  `json:"realized_pnl"`
	UnrealizedPnL float64  `json:"unrealized_pnl"`
	TotalPnL      float64  `json:"total_pnl"`
	OpenPositions int64    `json:"open_positions"`
	AccountEquity *float64 `json:"account_equity,omitempty"`
	PricesStale   bool     `json:"prices_stale"`
}

// aggregate combines the closed-trade summary with the live view of open trades.
func aggregate(userID uint, closed ledger.Summary, open []LiveTrade) Stats {
	s := Stats{
		UserID:        userID,
		TotalTrades:   closed.TotalTrades,
		WinningTrades: closed.WinningTrades,
		RealizedPnL:   closed.RealizedPnL,
		OpenPositions: int64(len(open)),
	}
	if closed.TotalTrades > 0 {
		s.WinRate = float64(closed.WinningTrades) / float64(closed.TotalTrades) * 100
	}
	for _, t := range open {
		s.UnrealizedPnL += t.UnrealizedPnL
		if !t.Live {
			s.PricesStale = true
		}
	}
	s.TotalPnL = s.RealizedPnL + s.UnrealizedPnL
	return s
}

// CurvePoint is one step of the cumulative realized PnL curve.
type CurvePoint struct {
	Time       time.Time `json:"time"`
	Symbol     string    `json:"symbol"`
	PnL        float64   `json:"pnl"`
	Cumulative float64   `json:"cumulative"`
}

// ProfitCurve orders closed records by close time and accumulates their PnL.
func ProfitCurve(closed []models.TradeRecord) []CurvePoint {
	recs := make([]models.TradeRecord, 0, len(closed))
	for _, r := range closed {
		if r.Status == models.StatusClosed && r.ClosedAt != nil {
			recs = append(recs, r)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ClosedAt.Before(*recs[j].ClosedAt) })

	points := make([]CurvePoint, 0, len(recs))
	var total float64
	for _, r := range recs {
		total += r.PnL
		points = append(points, CurvePoint{Time: *r.ClosedAt, Symbol: r.Symbol, PnL: r.PnL, Cumulative: total})
	}
	return points
}
