package model

import "time"

// Timed is implemented by every record kept in a time-indexed window.
type Timed interface {
	Time() time.Time
}

// Tick is a single best bid/ask update.
type Tick struct {
	Datetime time.Time
	Symbol   string
	Bid      float64
	BidVol   float64
	Ask      float64
	AskVol   float64
}

func (t Tick) Time() time.Time { return t.Datetime }

// BookSide is the side of the order book a level belongs to.
type BookSide string

const (
	BookBid BookSide = "bid"
	BookAsk BookSide = "ask"
)

// Level2Row is one price level of an order book snapshot.
// A snapshot is the set of rows sharing the same Datetime.
type Level2Row struct {
	Datetime time.Time
	Symbol   string
	Side     BookSide
	Price    float64
	Vol      float64
}

func (r Level2Row) Time() time.Time { return r.Datetime }

// Candle is an aggregated OHLCV bar.
type Candle struct {
	Symbol    string
	Interval  time.Duration
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Vol       float64
}

func (c Candle) Time() time.Time { return c.CloseTime }

// Partial reports whether the candle has not yet covered its whole interval.
func (c Candle) Partial() bool {
	return c.CloseTime.Sub(c.OpenTime) < c.Interval
}

// CandleEvent is a pushed candle update as delivered by the exchange stream.
// OpenTime is optional; when set it anchors the first candle of a series.
type CandleEvent struct {
	Symbol    string
	Interval  time.Duration
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Vol       float64
}

func (e CandleEvent) Time() time.Time { return e.CloseTime }

// Balance is one asset line of the account.
type Balance struct {
	Time      time.Time
	Asset     string
	Balance   float64
	Available float64
}
