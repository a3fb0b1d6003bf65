package model

import (
	"fmt"
	"time"
)

// SignalKind is the categorical trading decision.
type SignalKind int

const (
	SignalSell SignalKind = -1
	SignalHold SignalKind = 0
	SignalBuy  SignalKind = 1
)

func (k SignalKind) String() string {
	switch k {
	case SignalBuy:
		return "BUY"
	case SignalSell:
		return "SELL"
	}
	return "HOLD"
}

// Signal is what the strategy layer hands to the broker.
type Signal struct {
	Time            time.Time
	Kind            SignalKind
	Price           float64
	StopLossPrice   float64
	TakeProfitPrice float64
	TrailingDelta   float64
}

func (s Signal) String() string {
	return fmt.Sprintf("SIGNAL [%s] @ %.6f | SL: %.6f | TP: %.6f | TD: %.6f",
		s.Kind, s.Price, s.StopLossPrice, s.TakeProfitPrice, s.TrailingDelta)
}
