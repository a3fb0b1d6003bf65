package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"crypto-ml-trader/internal/bus"
	"crypto-ml-trader/internal/exchange"
	"crypto-ml-trader/internal/metrics"
	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"
	"crypto-ml-trader/internal/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const symbol = "BTC-USDT"

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fixedModel struct {
	y   []float64
	err error
}

func (m fixedModel) Predict([]float64) ([]float64, error) { return m.y, m.err }

type fixture struct {
	bus     *bus.Bus
	store   storage.TradeStore
	metrics *metrics.Registry
	s       *Strategy
	o       *Orchestrator
}

func testConfig(t *testing.T, target string) *service.Config {
	return &service.Config{
		Tickers:         []string{symbol},
		Exchange:        "paper",
		DataDir:         t.TempDir(),
		StrategyName:    "test",
		PricePrecision:  2,
		AmountPrecision: 4,
		Order:           service.OrderConfig{Quantity: 1},
		Strategy: service.StrategyConfig{
			Target:           target,
			LearnInterval:    time.Hour,
			PredictWindow:    2 * time.Minute,
			PastWindow:       2 * time.Minute,
			HistoryMaxWindow: time.Hour,
			ProfitLossRatio:  2,
			WaitAfterLoss:    time.Minute,
			LearnEpochs:      1,
			LearnBatch:       8,
			LearnMinRows:     1000,
			ModelHidden:      4,
			WeightsKeep:      1,
		},
		Feed: service.FeedConfig{
			CandleIntervals: []time.Duration{time.Minute},
			CandleCounts:    []int{3},
		},
		Broker: service.BrokerConfig{OrderTimeout: time.Second, StatusRetries: 1, ReconcileInterval: time.Minute},
	}
}

func newFixture(t *testing.T, target string, m Predictor) *fixture {
	t.Helper()
	cfg := testConfig(t, target)

	store, err := storage.NewSQLiteTradeStore(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { store.Close() })

	b := bus.New(nil)
	paper := exchange.NewPaper(exchange.PaperConfig{Quote: "USDT", Balance: 10000}, exchange.NewPrecision(2, 4), b, nil)
	b.Ticker.Subscribe(paper.OnTick)

	reg := metrics.NewRegistry("test")
	s := NewStrategy(cfg, paper, store, reg, nil)
	s.Subscribe(b)
	t.Cleanup(s.Learner.Wait)

	o := NewOrchestrator(s, OptionsFrom(cfg), reg, nil)
	o.model = func() Predictor { return m }
	return &fixture{bus: b, store: store, metrics: reg, s: s, o: o}
}

// feed publishes three one minute candles around 100 and a tick at 100/100.
func (f *fixture) feed() {
	for i := 1; i <= 3; i++ {
		f.bus.Candle.Publish(model.CandleEvent{
			Symbol:    symbol,
			Interval:  time.Minute,
			CloseTime: t0.Add(time.Duration(i) * time.Minute),
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100,
			Vol:       1,
		})
	}
	f.bus.Ticker.Publish(model.Tick{Datetime: t0.Add(3 * time.Minute), Symbol: symbol, Bid: 100, BidVol: 1, Ask: 100, AskVol: 1})
}

func seriesCount(t *testing.T, reg *metrics.Registry, name string) int {
	t.Helper()
	n, err := testutil.GatherAndCount(reg.Gatherer(), "test_"+name+"_total")
	require.NoError(t, err)
	return n
}

func TestOrchestrator_HoldsUntilReady(t *testing.T) {
	f := newFixture(t, "range", fixedModel{y: []float64{-0.001, 0.05}})

	sig := f.o.Step(context.Background())
	assert.Equal(t, model.SignalHold, sig.Kind)
	assert.Nil(t, f.s.Broker.CurrentTrade())
	assert.Equal(t, 0, seriesCount(t, f.metrics, metrics.SignalHold))
}

func TestOrchestrator_HoldsWithoutModel(t *testing.T) {
	f := newFixture(t, "range", nil)
	f.o.model = func() Predictor { return nil }
	f.feed()

	sig := f.o.Step(context.Background())
	assert.Equal(t, model.SignalHold, sig.Kind)
	assert.Equal(t, 100.0, sig.Price)
	assert.Nil(t, f.s.Broker.CurrentTrade())
	assert.Equal(t, 1, seriesCount(t, f.metrics, metrics.SignalHold))
}

func TestOrchestrator_OpensOnRangeSignalAndClosesOnOpposite(t *testing.T) {
	f := newFixture(t, "range", fixedModel{y: []float64{-0.001, 0.05}})
	ctx := context.Background()
	f.feed()

	sig := f.o.Step(ctx)
	require.Equal(t, model.SignalBuy, sig.Kind)
	assert.Equal(t, 99.0, sig.StopLossPrice)
	assert.InDelta(t, 105, sig.TakeProfitPrice, 1e-9)

	trade := f.s.Broker.CurrentTrade()
	require.NotNil(t, trade)
	assert.Equal(t, model.TradeOpened, trade.Status)
	assert.Equal(t, model.SideBuy, trade.Side)
	assert.Equal(t, 100.0, trade.OpenPrice)
	require.NotNil(t, trade.StopLossOrderID)
	require.NotNil(t, trade.TakeProfitOrderID)

	// same direction again keeps the single slot
	assert.Equal(t, model.SignalBuy, f.o.Step(ctx).Kind)
	assert.Equal(t, trade.ID, f.s.Broker.CurrentTrade().ID)

	f.o.model = func() Predictor { return fixedModel{y: []float64{-0.05, 0.001}} }
	sig = f.o.Step(ctx)
	require.Equal(t, model.SignalSell, sig.Kind)
	assert.Nil(t, f.s.Broker.CurrentTrade())

	closed, err := f.store.LastClosed(ctx, symbol)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, trade.ID, closed.ID)
	require.NotNil(t, closed.ClosePrice)
	assert.Equal(t, 100.0, *closed.ClosePrice)

	assert.Equal(t, 1, seriesCount(t, f.metrics, metrics.SignalBuy))
	assert.Equal(t, 1, seriesCount(t, f.metrics, metrics.SignalSell))
	assert.Equal(t, 1, seriesCount(t, f.metrics, metrics.OrderCreateOK))
	assert.Equal(t, 1, seriesCount(t, f.metrics, metrics.OrderCloseOK))
}

func TestOrchestrator_ClassTarget(t *testing.T) {
	f := newFixture(t, "signal", fixedModel{y: []float64{1}})
	f.feed()

	sig := f.o.Step(context.Background())
	require.Equal(t, model.SignalBuy, sig.Kind)
	assert.Equal(t, 99.0, sig.StopLossPrice)
	assert.InDelta(t, 102, sig.TakeProfitPrice, 1e-9)
	require.NotNil(t, f.s.Broker.CurrentTrade())
}

func TestOrchestrator_PredictErrorHolds(t *testing.T) {
	f := newFixture(t, "range", fixedModel{err: errors.New("boom")})
	f.feed()

	sig := f.o.Step(context.Background())
	assert.Equal(t, model.SignalHold, sig.Kind)
	assert.Nil(t, f.s.Broker.CurrentTrade())
	assert.Equal(t, 1, seriesCount(t, f.metrics, metrics.PredictError))
}

func TestOrchestrator_RunWakesOnNewData(t *testing.T) {
	f := newFixture(t, "range", fixedModel{y: []float64{-0.001, 0.05}})
	f.o.opts.WaitTimeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.o.Run(ctx)
	}()

	f.feed()
	assert.Eventually(t, func() bool { return f.s.Broker.CurrentTrade() != nil }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}
