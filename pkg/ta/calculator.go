package ta

import (
	"crypto-ml-trader/internal/model"

	"github.com/markcheno/go-talib"
)

// Periods of the indicators computed by the Calculator.
type Periods struct {
	MA         int
	RSI        int
	BBands     int
	ATR        int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
}

// DefaultPeriods are MA20, RSI14, BBands(20, 2), ATR14, MACD(12, 26, 9).
var DefaultPeriods = Periods{MA: 20, RSI: 14, BBands: 20, ATR: 14, MACDFast: 12, MACDSlow: 26, MACDSignal: 9}

// Series holds the raw candle columns and one indicator value per candle.
// Indicator values are zero while the series is shorter than the lookback.
type Series struct {
	Close  []float64
	High   []float64
	Low    []float64
	Volume []float64

	MA       []float64
	RSI      []float64
	BBandsUp []float64
	BBandsDn []float64
	ATR      []float64
	MACDHist []float64
}

// Calculator turns a candle series into indicator columns.
type Calculator struct {
	Periods Periods
}

func NewCalculator(periods Periods) *Calculator {
	return &Calculator{Periods: periods}
}

// MinHistoryLen is the number of candles every indicator needs.
func (tc *Calculator) MinHistoryLen() int {
	p := tc.Periods
	n := p.MACDSlow + p.MACDSignal
	for _, lookback := range []int{p.MA, p.RSI + 1, p.BBands, p.ATR + 1} {
		if lookback > n {
			n = lookback
		}
	}
	return n
}

// Calculate computes every indicator over candles. A short series only carries the raw columns.
func (tc *Calculator) Calculate(candles []model.Candle) Series {
	n := len(candles)
	s := Series{
		Close:    make([]float64, n),
		High:     make([]float64, n),
		Low:      make([]float64, n),
		Volume:   make([]float64, n),
		MA:       make([]float64, n),
		RSI:      make([]float64, n),
		BBandsUp: make([]float64, n),
		BBandsDn: make([]float64, n),
		ATR:      make([]float64, n),
		MACDHist: make([]float64, n),
	}
	for i, c := range candles {
		s.Close[i] = c.Close
		s.High[i] = c.High
		s.Low[i] = c.Low
		s.Volume[i] = c.Vol
	}
	if n < tc.MinHistoryLen() {
		return s
	}

	p := tc.Periods
	s.MA = talib.Sma(s.Close, p.MA)
	s.RSI = talib.Rsi(s.Close, p.RSI)
	s.BBandsUp, _, s.BBandsDn = talib.BBands(s.Close, p.BBands, 2, 2, talib.SMA)
	s.ATR = talib.Atr(s.High, s.Low, s.Close, p.ATR)
	_, _, s.MACDHist = talib.Macd(s.Close, p.MACDFast, p.MACDSlow, p.MACDSignal)
	return s
}

// Ready reports whether row i carries indicator values.
func (tc *Calculator) Ready(s Series, i int) bool {
	return len(s.Close) >= tc.MinHistoryLen() && i >= tc.MinHistoryLen()-1
}
