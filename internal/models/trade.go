package models

import (
	"time"

	"gorm.io/gorm"
)

// Trade lifecycle states. A record only moves forward: open -> closing -> closed,
// or open -> closed when the exchange closes the position on its own.
const (
	StatusOpen    = "open"
	StatusClosing = "closing"
	StatusClosed  = "closed"
)

// Position sides.
const (
	SideLong  = "long"
	SideShort = "short"
)

// TradeRecord is one position lifecycle in the local ledger.
type TradeRecord struct {
	gorm.Model
	UserID     uint     `gorm:"not null;index:idx_trade_user_status,priority:1" json:"user_id"`
	Symbol     string   `gorm:"size:32;not null" json:"symbol"`
	Side       string   `gorm:"size:8;not null" json:"side"` // "long" or "short"
	Size       float64  `gorm:"not null" json:"size"`
	EntryPrice float64  `gorm:"not null" json:"entry_price"`
	ExitPrice  *float64 `json:"exit_price,omitempty"`
	Leverage   float64  `gorm:"not null;default:1" json:"leverage"`
	Margin     float64  `json:"margin"`
	Fees       float64  `json:"fees"`
	PnL        float64  `gorm:"column:pnl" json:"pnl"`
	ROE        float64  `gorm:"column:roe" json:"roe"`
	Status     string   `gorm:"size:16;not null;index:idx_trade_user_status,priority:2" json:"status"`

	OpenedAt           time.Time  `gorm:"not null" json:"opened_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	ExchangePositionID string     `gorm:"size:64;index" json:"exchange_position_id,omitempty"`
	CloseRequestedAt   *time.Time `json:"close_requested_at,omitempty"`
}
