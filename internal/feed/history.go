package feed

import (
	"time"

	"crypto-ml-trader/internal/bus"
	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"

	"go.uber.org/zap"
)

// Snapshot is an immutable copy of every feed taken at an ApplyBuf boundary.
type Snapshot struct {
	Ticks   []model.Tick
	Level2  []model.Level2Row
	Candles map[time.Duration][]model.Candle
}

// LastTick returns the newest tick of the snapshot.
func (s Snapshot) LastTick() (model.Tick, bool) {
	if len(s.Ticks) == 0 {
		return model.Tick{}, false
	}
	return s.Ticks[len(s.Ticks)-1], true
}

// HistoryStore owns the ticker, level2 and candle feeds of one symbol.
// All feeds share one Notifier so the orchestrator wakes on any of them.
type HistoryStore struct {
	symbol    string
	retention time.Duration
	notify    *Notifier
	logger    *zap.Logger

	Ticks   *Window[model.Tick]
	Level2  *Window[model.Level2Row]
	Candles *CandleAggregator
}

// NewHistoryStore keeps history_max_window + predict_window of every feed.
func NewHistoryStore(symbol string, strategy service.StrategyConfig, feed service.FeedConfig, logger *zap.Logger) *HistoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	retention := strategy.HistoryMaxWindow + strategy.PredictWindow
	notify := NewNotifier()

	return &HistoryStore{
		symbol:    symbol,
		retention: retention,
		notify:    notify,
		logger:    logger.Named("history"),
		Ticks:     NewWindow[model.Tick]("ticker", retention, notify),
		Level2:    NewWindow[model.Level2Row]("level2", retention, notify),
		Candles:   NewCandleAggregator(symbol, feed.CandleIntervals, feed.CandleCounts, retention, notify, logger),
	}
}

func (h *HistoryStore) Symbol() string { return h.symbol }

func (h *HistoryStore) Retention() time.Duration { return h.retention }

// Subscribe attaches the feeds to the bus. Events of other symbols are ignored.
func (h *HistoryStore) Subscribe(b *bus.Bus) {
	b.Ticker.Subscribe(func(t model.Tick) {
		if t.Symbol == h.symbol {
			h.Ticks.OnEvent(t)
		}
	})
	b.Level2.Subscribe(func(rows []model.Level2Row) {
		if len(rows) > 0 && rows[0].Symbol == h.symbol {
			h.Level2.OnEvent(rows...)
		}
	})
	b.Candle.Subscribe(func(e model.CandleEvent) {
		if e.Symbol == h.symbol {
			h.Candles.OnCandle(e)
		}
	})
}

// NewData is signalled whenever any feed buffered an event.
func (h *HistoryStore) NewData() <-chan struct{} {
	return h.notify.C()
}

// ApplyBuf merges every feed's buffer and returns the total number of merged events.
func (h *HistoryStore) ApplyBuf() int {
	n := h.Ticks.ApplyBuf() + h.Level2.ApplyBuf() + h.Candles.ApplyBuf()
	if n > 0 {
		h.logger.Debug("Applied buffered events",
			zap.Int("Events", n),
			zap.Int("Ticks", h.Ticks.Len()),
			zap.Int("Level2", h.Level2.Len()))
	}
	return n
}

// Ready is true once every candle interval has its minimum count and at least one tick arrived.
func (h *HistoryStore) Ready() bool {
	return h.Candles.HasAllCandles() && h.Ticks.Len() > 0
}

func (h *HistoryStore) Snapshot() Snapshot {
	return Snapshot{
		Ticks:   h.Ticks.Snapshot(),
		Level2:  h.Level2.Snapshot(),
		Candles: h.Candles.Snapshot(),
	}
}

// IsAlive reports whether the ticker and candle feeds received events within d.
// Level2 is optional on some venues and does not count.
func (h *HistoryStore) IsAlive(d time.Duration) bool {
	return h.Ticks.IsAlive(d) && h.Candles.IsAlive(d)
}
