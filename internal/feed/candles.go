package feed

import (
	"sort"
	"sync"
	"time"

	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"

	"go.uber.org/zap"
)

// CandleAggregator keeps one rolling candle series per configured interval.
// Pushed candle events refine the partial last candle until its interval
// boundary is crossed; after that the candle is immutable.
type CandleAggregator struct {
	symbol    string
	intervals []time.Duration
	counts    map[time.Duration]int
	retention time.Duration
	notify    *Notifier
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.RWMutex
	buf       []model.CandleEvent
	candles   map[time.Duration][]model.Candle
	lastEvent time.Time
}

// NewCandleAggregator creates an aggregator for intervals with the minimum counts at the same index.
func NewCandleAggregator(
	symbol string,
	intervals []time.Duration,
	counts []int,
	retention time.Duration,
	notify *Notifier,
	logger *zap.Logger,
) *CandleAggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	agg := &CandleAggregator{
		symbol:    symbol,
		counts:    make(map[time.Duration]int, len(intervals)),
		retention: retention,
		notify:    notify,
		logger:    logger.Named("candles"),
		now:       time.Now,
		candles:   make(map[time.Duration][]model.Candle, len(intervals)),
	}
	for i, interval := range intervals {
		agg.intervals = append(agg.intervals, interval)
		if i < len(counts) {
			agg.counts[interval] = counts[i]
		}
	}
	sort.Slice(agg.intervals, func(i, j int) bool { return agg.intervals[i] < agg.intervals[j] })
	return agg
}

// Intervals returns the configured intervals, smallest first.
func (agg *CandleAggregator) Intervals() []time.Duration {
	return append([]time.Duration(nil), agg.intervals...)
}

// OnCandle buffers an event of a configured interval.
func (agg *CandleAggregator) OnCandle(e model.CandleEvent) {
	if _, ok := agg.counts[e.Interval]; !ok {
		return
	}
	agg.mu.Lock()
	agg.buf = append(agg.buf, e)
	agg.lastEvent = agg.now()
	agg.mu.Unlock()

	agg.notify.Signal()
}

// ApplyBuf folds buffered events into the per-interval series in arrival order.
func (agg *CandleAggregator) ApplyBuf() int {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	n := len(agg.buf)
	if n == 0 {
		return 0
	}
	for _, e := range agg.buf {
		agg.ingest(e)
	}
	agg.buf = nil

	for interval, series := range agg.candles {
		agg.candles[interval] = agg.purge(interval, series)
	}
	return n
}

func (agg *CandleAggregator) ingest(e model.CandleEvent) {
	series := agg.candles[e.Interval]
	if len(series) == 0 {
		openTime := e.CloseTime
		if !e.OpenTime.IsZero() && e.OpenTime.Before(e.CloseTime) {
			openTime = e.OpenTime
		}
		agg.candles[e.Interval] = append(series, fromEvent(e, openTime))
		return
	}

	last := series[len(series)-1]
	if e.CloseTime.Before(last.CloseTime) {
		agg.logger.Debug("Dropping stale candle event",
			zap.String("Interval", service.FormatInterval(e.Interval)),
			zap.Time("CloseTime", e.CloseTime),
			zap.Time("LastCloseTime", last.CloseTime))
		return
	}

	sameBucket := bucketEnd(e.CloseTime, e.Interval).Equal(bucketEnd(last.CloseTime, e.Interval))
	if sameBucket && e.CloseTime.Sub(last.OpenTime) <= e.Interval {
		// refinement of the partial candle
		series[len(series)-1] = fromEvent(e, last.OpenTime)
		return
	}

	openTime := last.CloseTime
	if earliest := e.CloseTime.Add(-e.Interval); earliest.After(openTime) {
		openTime = earliest
	}
	agg.candles[e.Interval] = append(series, fromEvent(e, openTime))
}

// bucketEnd is the interval boundary a close time belongs to. A close time
// exactly on a boundary ends that bucket.
func bucketEnd(t time.Time, interval time.Duration) time.Time {
	end := t.Truncate(interval)
	if end.Before(t) {
		end = end.Add(interval)
	}
	return end
}

// purge drops candles that left the retention window but keeps the configured minimum count.
func (agg *CandleAggregator) purge(interval time.Duration, series []model.Candle) []model.Candle {
	if len(series) == 0 || agg.retention <= 0 {
		return series
	}
	cutoff := series[len(series)-1].CloseTime.Add(-agg.retention)
	first := sort.Search(len(series), func(i int) bool {
		return series[i].CloseTime.After(cutoff)
	})
	if keep := len(series) - agg.counts[interval]; first > keep {
		first = keep
	}
	if first <= 0 {
		return series
	}
	return append([]model.Candle(nil), series[first:]...)
}

func fromEvent(e model.CandleEvent, openTime time.Time) model.Candle {
	return model.Candle{
		Symbol:    e.Symbol,
		Interval:  e.Interval,
		OpenTime:  openTime,
		CloseTime: e.CloseTime,
		Open:      e.Open,
		High:      e.High,
		Low:       e.Low,
		Close:     e.Close,
		Vol:       e.Vol,
	}
}

// Candles returns a copy of the series for interval.
func (agg *CandleAggregator) Candles(interval time.Duration) []model.Candle {
	agg.mu.RLock()
	defer agg.mu.RUnlock()
	return append([]model.Candle(nil), agg.candles[interval]...)
}

// Snapshot copies every series.
func (agg *CandleAggregator) Snapshot() map[time.Duration][]model.Candle {
	agg.mu.RLock()
	defer agg.mu.RUnlock()

	out := make(map[time.Duration][]model.Candle, len(agg.candles))
	for interval, series := range agg.candles {
		out[interval] = append([]model.Candle(nil), series...)
	}
	return out
}

// LastCandle returns the newest candle of interval.
func (agg *CandleAggregator) LastCandle(interval time.Duration) (model.Candle, bool) {
	agg.mu.RLock()
	defer agg.mu.RUnlock()

	series := agg.candles[interval]
	if len(series) == 0 {
		return model.Candle{}, false
	}
	return series[len(series)-1], true
}

// HasAllCandles is true when every interval has at least its configured count.
func (agg *CandleAggregator) HasAllCandles() bool {
	agg.mu.RLock()
	defer agg.mu.RUnlock()

	for _, interval := range agg.intervals {
		if len(agg.candles[interval]) < agg.counts[interval] || len(agg.candles[interval]) == 0 {
			return false
		}
	}
	return true
}

func (agg *CandleAggregator) IsAlive(d time.Duration) bool {
	agg.mu.RLock()
	defer agg.mu.RUnlock()

	if agg.lastEvent.IsZero() {
		return false
	}
	return agg.now().Sub(agg.lastEvent) <= d
}
