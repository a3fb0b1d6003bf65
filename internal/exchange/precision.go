package exchange

import "github.com/shopspring/decimal"

// Precision rounds prices and amounts to the venue's decimal places.
type Precision struct {
	Price  int32
	Amount int32
}

func NewPrecision(price, amount int32) Precision {
	return Precision{Price: price, Amount: amount}
}

func (p Precision) RoundPrice(v float64) float64 {
	return decimal.NewFromFloat(v).Round(p.Price).InexactFloat64()
}

func (p Precision) FormatPrice(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(p.Price)
}

// RoundAmount truncates so an order never exceeds the requested size.
func (p Precision) RoundAmount(v float64) float64 {
	return decimal.NewFromFloat(v).Truncate(p.Amount).InexactFloat64()
}

func (p Precision) FormatAmount(v float64) string {
	return decimal.NewFromFloat(v).Truncate(p.Amount).StringFixed(p.Amount)
}
