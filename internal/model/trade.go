package model

import (
	"fmt"
	"time"
)

// Side is the direction of an order or a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) String() string {
	return string(s)
}

// Direction returns +1 for BUY and -1 for SELL.
func (s Side) Direction() int {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SideOf maps a signal direction (+1/-1) to an order side.
func SideOf(direction int) (Side, error) {
	switch direction {
	case 1:
		return SideBuy, nil
	case -1:
		return SideSell, nil
	}
	return "", fmt.Errorf("unsupported direction %d", direction)
}

// TradeStatus is the lifecycle stage of a Trade.
type TradeStatus string

const (
	TradeNew     TradeStatus = "new"
	TradeOpened  TradeStatus = "opened"
	TradeClosing TradeStatus = "closing"
	TradeClosed  TradeStatus = "closed"
)

var statusRank = map[TradeStatus]int{
	TradeNew:     0,
	TradeOpened:  1,
	TradeClosing: 2,
	TradeClosed:  3,
}

// Terminal reports whether no further transitions are possible.
func (s TradeStatus) Terminal() bool {
	return s == TradeClosed
}

// Active reports whether the status holds the position slot.
func (s TradeStatus) Active() bool {
	return s == TradeOpened || s == TradeClosing
}

// Trade is a matched pair of opening and closing orders.
type Trade struct {
	ID                int64
	Ticker            string
	Side              Side
	OpenTime          time.Time
	OpenPrice         float64
	OpenOrderID       string
	Quantity          float64
	StopLossPrice     float64
	TakeProfitPrice   float64
	TrailingDelta     *float64
	StopLossOrderID   *string
	TakeProfitOrderID *string
	CloseTime         *time.Time
	ClosePrice        *float64
	CloseOrderID      *string
	Status            TradeStatus
}

// Direction returns +1 for BUY trades and -1 for SELL trades.
func (t *Trade) Direction() int {
	return t.Side.Direction()
}

// Transition moves the trade forward through new -> opened -> closing -> closed.
// Skipping a stage is allowed, going back is not.
func (t *Trade) Transition(to TradeStatus) error {
	from, ok := statusRank[t.Status]
	if !ok {
		return fmt.Errorf("trade %d: unknown status %q", t.ID, t.Status)
	}
	next, ok := statusRank[to]
	if !ok {
		return fmt.Errorf("trade %d: unknown status %q", t.ID, to)
	}
	if next <= from {
		return fmt.Errorf("trade %d: illegal transition %s -> %s", t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

// SetClosed fills the closing leg and moves the trade to closed.
func (t *Trade) SetClosed(at time.Time, price float64, orderID string) error {
	if err := t.Transition(TradeClosed); err != nil {
		return err
	}
	t.CloseTime = &at
	t.ClosePrice = &price
	t.CloseOrderID = &orderID
	return nil
}

// RealizedPnL is the per-unit profit of a closed trade after fees.
func (t *Trade) RealizedPnL(fee float64) (float64, bool) {
	if t.ClosePrice == nil {
		return 0, false
	}
	closePrice := *t.ClosePrice
	pnl := float64(t.Direction())*(closePrice-t.OpenPrice) - fee*(t.OpenPrice+closePrice)
	return pnl, true
}

// ValidLevels checks stop_loss < open <= take_profit for BUY and the mirror for SELL.
func ValidLevels(side Side, open, stopLoss, takeProfit float64) bool {
	if side == SideBuy {
		return stopLoss < open && open <= takeProfit
	}
	return stopLoss > open && open >= takeProfit
}

func (t *Trade) String() string {
	return fmt.Sprintf("TRADE #%d [%s %s] %s qty=%.6f open=%.6f sl=%.6f tp=%.6f",
		t.ID, t.Side, t.Ticker, t.Status, t.Quantity, t.OpenPrice, t.StopLossPrice, t.TakeProfitPrice)
}
