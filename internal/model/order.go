package model

import "time"

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderMarket  OrderType = "market"
	OrderLimit   OrderType = "limit"
	OrderTrigger OrderType = "trigger"
)

// OrderStatus is the exchange-side state of an order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
)

// Final reports whether the order will not change anymore.
func (s OrderStatus) Final() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// OrderRequest describes an order to submit.
type OrderRequest struct {
	Symbol string
	Side   Side
	Type   OrderType
	Qty    float64
	Price  float64 // limit price, ignored for market orders
}

// Order is the exchange view of a submitted order.
type Order struct {
	ID        string
	Symbol    string
	Side      Side
	Type      OrderType
	Status    OrderStatus
	Qty       float64
	Price     float64 // average fill price when filled
	StopPrice float64
	CreatedAt time.Time
}

// OrderUpdate is pushed by the exchange when an order changes.
type OrderUpdate struct {
	OrderID       string
	Symbol        string
	Status        OrderStatus
	TradeAvgPrice float64
	CreatedAt     time.Time
}
