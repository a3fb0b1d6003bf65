package features

import (
	"fmt"
	"math"
	"sort"
	"time"

	"crypto-ml-trader/internal/feed"
	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/pkg/ta"
)

const (
	TargetSignal = "signal"
	TargetRange  = "range"
)

// Labeler derives the signal a candle should have produced given the realised future range.
type Labeler func(c model.Candle, futLow, futHigh float64) model.SignalKind

// Dataset is the learner's view of a snapshot.
// Rows with a complete predict window land in X/Y; the newest rows land in XFuture.
type Dataset struct {
	X          [][]float64
	Y          [][]float64
	XFuture    [][]float64
	Times      []time.Time
	Candles    []model.Candle // base candles aligned with X
	LastCandle model.Candle
}

// Latest returns the feature row of the newest candle.
func (d *Dataset) Latest() ([]float64, bool) {
	if len(d.XFuture) == 0 {
		return nil, false
	}
	return d.XFuture[len(d.XFuture)-1], true
}

// Builder assembles feature rows from the base (smallest) candle interval,
// the coarser candle intervals, the ticker and the level2 book.
type Builder struct {
	Target        string
	PredictWindow time.Duration
	PastWindow    time.Duration
	Intervals     []time.Duration
	Labeler       Labeler
	calc          *ta.Calculator
}

func NewBuilder(target string, predictWindow, pastWindow time.Duration, intervals []time.Duration, labeler Labeler) *Builder {
	sorted := append([]time.Duration(nil), intervals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &Builder{
		Target:        target,
		PredictWindow: predictWindow,
		PastWindow:    pastWindow,
		Intervals:     sorted,
		Labeler:       labeler,
		calc:          ta.NewCalculator(ta.DefaultPeriods),
	}
}

// Width is the number of feature columns.
func (b *Builder) Width() int {
	return 13 + 2*(len(b.Intervals)-1)
}

// Build turns a snapshot into a dataset.
func (b *Builder) Build(snap feed.Snapshot) (*Dataset, error) {
	if len(b.Intervals) == 0 {
		return nil, fmt.Errorf("no candle intervals")
	}
	base := snap.Candles[b.Intervals[0]]
	if len(base) == 0 {
		return nil, fmt.Errorf("no %v candles", b.Intervals[0])
	}
	if b.Target == TargetSignal && b.Labeler == nil {
		return nil, fmt.Errorf("signal target needs a labeler")
	}

	series := b.calc.Calculate(base)
	pastBars := int(b.PastWindow / b.Intervals[0])
	if pastBars < 1 {
		pastBars = 1
	}
	l2 := level2Imbalances(snap.Level2)
	lastClose := base[len(base)-1].CloseTime

	ds := &Dataset{LastCandle: base[len(base)-1]}
	for i, c := range base {
		row := make([]float64, 0, b.Width())
		row = append(row, b.candleFeatures(base, series, i, pastBars)...)
		for _, interval := range b.Intervals[1:] {
			row = append(row, coarseFeatures(snap.Candles[interval], c)...)
		}
		row = append(row, tickFeatures(snap.Ticks, c.CloseTime)...)
		row = append(row, level2At(l2, c.CloseTime))

		horizon := c.CloseTime.Add(b.PredictWindow)
		if horizon.After(lastClose) {
			ds.XFuture = append(ds.XFuture, row)
			continue
		}
		futLow, futHigh := futureRange(base[i+1:], horizon)
		if futLow == 0 && futHigh == 0 {
			ds.XFuture = append(ds.XFuture, row)
			continue
		}

		switch b.Target {
		case TargetSignal:
			ds.Y = append(ds.Y, []float64{float64(b.Labeler(c, futLow, futHigh))})
		default:
			ds.Y = append(ds.Y, []float64{futLow/c.Close - 1, futHigh/c.Close - 1})
		}
		ds.X = append(ds.X, row)
		ds.Times = append(ds.Times, c.CloseTime)
		ds.Candles = append(ds.Candles, c)
	}
	return ds, nil
}

// RangeFromPrediction converts a decoded range row back to absolute prices around close.
func RangeFromPrediction(price float64, y []float64) (futLow, futHigh float64) {
	return price * (1 + y[0]), price * (1 + y[1])
}

func (b *Builder) candleFeatures(base []model.Candle, s ta.Series, i, pastBars int) []float64 {
	c := base[i]
	ret := 0.0
	if i > 0 && base[i-1].Close != 0 {
		ret = c.Close/base[i-1].Close - 1
	}
	from := i - pastBars
	if from < 0 {
		from = 0
	}
	pastRet := 0.0
	if base[from].Close != 0 {
		pastRet = c.Close/base[from].Close - 1
	}

	var maRel, rsi, bbWidth, atr, macd float64
	if b.calc.Ready(s, i) && c.Close != 0 {
		maRel = c.Close/s.MA[i] - 1
		rsi = s.RSI[i] / 100
		bbWidth = (s.BBandsUp[i] - s.BBandsDn[i]) / c.Close
		atr = s.ATR[i] / c.Close
		macd = s.MACDHist[i] / c.Close
	}
	return []float64{
		ret,
		pastRet,
		relative(c.High-c.Low, c.Close),
		relative(c.Close-c.Open, c.Close),
		math.Log1p(c.Vol),
		maRel,
		rsi,
		bbWidth,
		atr,
		macd,
	}
}

// coarseFeatures relates c to the newest coarser candle closed no later than c.
func coarseFeatures(candles []model.Candle, c model.Candle) []float64 {
	idx := sort.Search(len(candles), func(i int) bool {
		return candles[i].CloseTime.After(c.CloseTime)
	}) - 1
	if idx < 0 || candles[idx].Close == 0 {
		return []float64{0, 0}
	}
	other := candles[idx]
	return []float64{c.Close/other.Close - 1, relative(other.High-other.Low, other.Close)}
}

// tickFeatures returns the relative spread and the bid volume share of the newest tick at or before t.
func tickFeatures(ticks []model.Tick, t time.Time) []float64 {
	idx := sort.Search(len(ticks), func(i int) bool {
		return ticks[i].Datetime.After(t)
	}) - 1
	if idx < 0 {
		return []float64{0, 0}
	}
	tick := ticks[idx]
	mid := (tick.Bid + tick.Ask) / 2
	share := 0.5
	if total := tick.BidVol + tick.AskVol; total > 0 {
		share = tick.BidVol / total
	}
	return []float64{relative(tick.Ask-tick.Bid, mid), share}
}

type bookImbalance struct {
	at    time.Time
	value float64
}

// level2Imbalances reduces each book snapshot to (bid vol - ask vol) / total vol.
func level2Imbalances(rows []model.Level2Row) []bookImbalance {
	var out []bookImbalance
	var bid, ask float64
	for i, r := range rows {
		if r.Side == model.BookBid {
			bid += r.Vol
		} else {
			ask += r.Vol
		}
		if i == len(rows)-1 || !rows[i+1].Datetime.Equal(r.Datetime) {
			value := 0.0
			if bid+ask > 0 {
				value = (bid - ask) / (bid + ask)
			}
			out = append(out, bookImbalance{at: r.Datetime, value: value})
			bid, ask = 0, 0
		}
	}
	return out
}

func level2At(book []bookImbalance, t time.Time) float64 {
	idx := sort.Search(len(book), func(i int) bool {
		return book[i].at.After(t)
	}) - 1
	if idx < 0 {
		return 0
	}
	return book[idx].value
}

// futureRange is the low/high of the candles closing up to horizon.
func futureRange(next []model.Candle, horizon time.Time) (low, high float64) {
	for _, c := range next {
		if c.CloseTime.After(horizon) {
			break
		}
		if low == 0 || c.Low < low {
			low = c.Low
		}
		if c.High > high {
			high = c.High
		}
	}
	return low, high
}

func relative(v, base float64) float64 {
	if base == 0 {
		return 0
	}
	return v / base
}
