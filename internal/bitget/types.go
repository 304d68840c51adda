package bitget

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	SideLong  = "long"
	SideShort = "short"
)

// Float decodes Bitget's decimal strings (and plain JSON numbers) into a float64.
// Empty strings and null decode to zero.
type Float float64

func (f *Float) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Millis is an epoch-millisecond timestamp sent as a decimal string.
type Millis int64

func (m *Millis) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*m = Millis(v)
	return nil
}

// Time returns the UTC time, or the zero time when unset.
func (m Millis) Time() time.Time {
	if m <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m)).UTC()
}

// envelope is the common wrapper around every Bitget v2 response.
type envelope struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        json.RawMessage `json:"data"`
}

const successCode = "00000"

// Position is a live futures position from /api/v2/mix/position/all-position.
type Position struct {
	Symbol           string `json:"symbol"`
	MarginCoin       string `json:"marginCoin"`
	HoldSide         string `json:"holdSide"`
	Total            Float  `json:"total"`
	Available        Float  `json:"available"`
	Locked           Float  `json:"locked"`
	Leverage         Float  `json:"leverage"`
	OpenPriceAvg     Float  `json:"openPriceAvg"`
	UnrealizedPL     Float  `json:"unrealizedPL"`
	MarginSize       Float  `json:"marginSize"`
	Margin           Float  `json:"margin"`
	MarkPrice        Float  `json:"markPrice"`
	AchievedProfits  Float  `json:"achievedProfits"`
	LiquidationPrice Float  `json:"liquidationPrice"`
	MarginMode       string `json:"marginMode"`
	PosMode          string `json:"posMode"`
	CTime            Millis `json:"cTime"`
	UTime            Millis `json:"uTime"`
}

// Side maps the exchange hold side onto the ledger's long/short.
func (p Position) Side() string {
	return NormalizeSide(p.HoldSide)
}

// Size is the absolute position size.
func (p Position) Size() float64 {
	return math.Abs(float64(p.Total))
}

// MarginValue prefers marginSize and falls back to margin.
func (p Position) MarginValue() float64 {
	if p.MarginSize > 0 {
		return float64(p.MarginSize)
	}
	return float64(p.Margin)
}

// LeverageValue defaults to 1x when the exchange omits leverage.
func (p Position) LeverageValue() float64 {
	if p.Leverage <= 0 {
		return 1
	}
	return float64(p.Leverage)
}

// NormalizeSide returns SideLong for "long" (any case) and SideShort otherwise.
func NormalizeSide(holdSide string) string {
	if strings.EqualFold(holdSide, SideLong) {
		return SideLong
	}
	return SideShort
}

// HistoryPosition is one entry of /api/v2/mix/position/history-position.
// Some optional fields are pointers so absence can be told apart from zero.
type HistoryPosition struct {
	PositionID      string `json:"positionId"`
	Symbol          string `json:"symbol"`
	MarginCoin      string `json:"marginCoin"`
	HoldSide        string `json:"holdSide"`
	OpenAvgPrice    Float  `json:"openAvgPrice"`
	CloseAvgPrice   Float  `json:"closeAvgPrice"`
	OpenTotalPos    Float  `json:"openTotalPos"`
	CloseTotalPos   Float  `json:"closeTotalPos"`
	Total           *Float `json:"total"`
	Pnl             Float  `json:"pnl"`
	NetProfit       *Float `json:"netProfit"`
	AchievedProfits *Float `json:"achievedProfits"`
	Fees            *Float `json:"fees"`
	OpenFee         Float  `json:"openFee"`
	CloseFee        Float  `json:"closeFee"`
	TotalFunding    Float  `json:"totalFunding"`
	CTime           Millis `json:"cTime"`
	UTime           Millis `json:"uTime"`
}

type historyPage struct {
	List  []HistoryPosition `json:"list"`
	EndID string            `json:"endId"`
}

// Side maps the hold side onto long/short.
func (h HistoryPosition) Side() string {
	return NormalizeSide(h.HoldSide)
}

// RemainingSize is the size still open; zero means the position is fully closed.
func (h HistoryPosition) RemainingSize() float64 {
	if h.Total != nil {
		return math.Abs(float64(*h.Total))
	}
	return math.Max(float64(h.OpenTotalPos)-float64(h.CloseTotalPos), 0)
}

// FeesPaid is the absolute fee amount charged over the position's life.
func (h HistoryPosition) FeesPaid() float64 {
	if h.Fees != nil {
		return math.Abs(float64(*h.Fees))
	}
	return math.Abs(float64(h.OpenFee)) + math.Abs(float64(h.CloseFee))
}

// RealizedPnL prefers the exchange's net figure, then achievedProfits,
// and only then derives it from gross pnl minus fees.
func (h HistoryPosition) RealizedPnL() float64 {
	switch {
	case h.NetProfit != nil:
		return float64(*h.NetProfit)
	case h.AchievedProfits != nil:
		return float64(*h.AchievedProfits)
	default:
		return float64(h.Pnl) - h.FeesPaid()
	}
}

// ClosedAt is the last update time, which for a closed position is its close time.
func (h HistoryPosition) ClosedAt() time.Time {
	if h.UTime > 0 {
		return h.UTime.Time()
	}
	return h.CTime.Time()
}

// Account is a futures account balance from /api/v2/mix/account/accounts.
type Account struct {
	MarginCoin    string `json:"marginCoin"`
	Locked        Float  `json:"locked"`
	Available     Float  `json:"available"`
	AccountEquity Float  `json:"accountEquity"`
	USDTEquity    Float  `json:"usdtEquity"`
	UnrealizedPL  Float  `json:"unrealizedPL"`
}

// Order is one entry of /api/v2/mix/order/orders-history.
type Order struct {
	OrderID      string `json:"orderId"`
	ClientOid    string `json:"clientOid"`
	Symbol       string `json:"symbol"`
	Size         Float  `json:"size"`
	Price        Float  `json:"price"`
	PriceAvg     Float  `json:"priceAvg"`
	BaseVolume   Float  `json:"baseVolume"`
	Fee          Float  `json:"fee"`
	TotalProfits Float  `json:"totalProfits"`
	Side         string `json:"side"`
	PosSide      string `json:"posSide"`
	TradeSide    string `json:"tradeSide"`
	OrderType    string `json:"orderType"`
	Status       string `json:"status"`
	Leverage     Float  `json:"leverage"`
	CTime        Millis `json:"cTime"`
	UTime        Millis `json:"uTime"`
}

type orderPage struct {
	EntrustedList []Order `json:"entrustedList"`
	EndID         string  `json:"endId"`
}

// Ticker is a futures market ticker.
type Ticker struct {
	Symbol    string `json:"symbol"`
	LastPr    Float  `json:"lastPr"`
	MarkPrice Float  `json:"markPrice"`
	IndexPr   Float  `json:"indexPrice"`
	Ts        Millis `json:"ts"`
}

// Price returns the mark price, falling back to the last trade price.
func (t Ticker) Price() float64 {
	if t.MarkPrice > 0 {
		return float64(t.MarkPrice)
	}
	return float64(t.LastPr)
}

type closePositionsRequest struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	HoldSide    string `json:"holdSide,omitempty"`
}

// CloseResult is one row of a close-positions success or failure list.
type CloseResult struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
	Symbol    string `json:"symbol"`
	ErrorMsg  string `json:"errorMsg,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// ClosePositionResult is the response of /api/v2/mix/order/close-positions.
type ClosePositionResult struct {
	SuccessList []CloseResult `json:"successList"`
	FailureList []CloseResult `json:"failureList"`
}
