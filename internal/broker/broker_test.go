package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"crypto-ml-trader/internal/metrics"
	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/risk"
	"crypto-ml-trader/internal/service"
	"crypto-ml-trader/internal/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const symbol = "BTC-USDT"

// fakeExchange fills market orders at the queued prices and records calls.
type fakeExchange struct {
	mu         sync.Mutex
	fills      []float64
	orderErr   error
	triggerErr []error
	cancelErr  error
	pending    bool
	late       model.OrderStatus // resolves a pending order queried outside a bounded wait
	orders     map[string]*model.Order
	calls      []string
	triggers   []float64
	seq        int
}

func newFakeExchange(fills ...float64) *fakeExchange {
	return &fakeExchange{fills: fills, orders: make(map[string]*model.Order)}
}

func (f *fakeExchange) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) PlaceOrder(_ context.Context, req model.OrderRequest) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "place:"+string(req.Side))
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	o := &model.Order{ID: f.nextID("ord"), Symbol: req.Symbol, Side: req.Side, Type: req.Type, Qty: req.Qty, Status: model.OrderNew}
	if !f.pending && len(f.fills) > 0 {
		o.Status = model.OrderFilled
		o.Price = f.fills[0]
		f.fills = f.fills[1:]
	}
	f.orders[o.ID] = o
	out := *o
	return &out, nil
}

func (f *fakeExchange) PlaceTriggerOrder(_ context.Context, sym string, side model.Side, stopPrice, qty float64) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "trigger")
	if len(f.triggerErr) > 0 {
		err := f.triggerErr[0]
		f.triggerErr = f.triggerErr[1:]
		if err != nil {
			return nil, err
		}
	}
	f.triggers = append(f.triggers, stopPrice)
	o := &model.Order{ID: f.nextID("stop"), Symbol: sym, Side: side, Type: model.OrderTrigger, Qty: qty, StopPrice: stopPrice, Status: model.OrderNew}
	f.orders[o.ID] = o
	out := *o
	return &out, nil
}

func (f *fakeExchange) CancelAllTriggers(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "cancel")
	return f.cancelErr
}

func (f *fakeExchange) GetOrder(ctx context.Context, _ string, id string) (*model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown order %s", service.ErrRejected, id)
	}
	if _, bounded := ctx.Deadline(); !bounded && f.late != "" && o.Type == model.OrderMarket && !o.Status.Final() {
		o.Status = f.late
		if f.late == model.OrderFilled && len(f.fills) > 0 {
			o.Price = f.fills[0]
			f.fills = f.fills[1:]
		}
	}
	out := *o
	return &out, nil
}

func (f *fakeExchange) GetBalance(context.Context) ([]model.Balance, error) { return nil, nil }

func (f *fakeExchange) GetHistoryOrders(context.Context, string, time.Time) ([]model.Order, error) {
	return nil, nil
}

func (f *fakeExchange) setOrder(id string, status model.OrderStatus, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[id].Status = status
	f.orders[id].Price = price
}

func (f *fakeExchange) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExchange) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

type fixture struct {
	broker  *Broker
	ex      *fakeExchange
	store   storage.TradeStore
	risk    *risk.Manager
	metrics *metrics.Registry
	now     time.Time
}

func newFixture(t *testing.T, ex *fakeExchange) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteTradeStore(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		ex:      ex,
		store:   store,
		risk:    risk.NewManager(0, 60*time.Second, nil),
		metrics: metrics.NewRegistry("test"),
		now:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	f.broker = New(Config{
		Symbol:       symbol,
		OrderTimeout: 200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		RetryBase:    time.Millisecond,
	}, ex, store, f.risk, f.metrics, nil)
	f.broker.now = func() time.Time { return f.now }
	return f
}

func buySignal(price, sl, tp, delta float64) model.Signal {
	return model.Signal{Kind: model.SignalBuy, Price: price, StopLossPrice: sl, TakeProfitPrice: tp, TrailingDelta: delta}
}

func seriesCount(t *testing.T, reg *metrics.Registry, name string) int {
	t.Helper()
	n, err := testutil.GatherAndCount(reg.Gatherer(), "test_"+name+"_total")
	require.NoError(t, err)
	return n
}

func TestOpenTrade_Success(t *testing.T) {
	f := newFixture(t, newFakeExchange(100))

	trade, err := f.broker.OpenTrade(context.Background(), buySignal(100, 99, 104, 0), 0.5)
	require.NoError(t, err)
	assert.Equal(t, model.TradeOpened, trade.Status)
	assert.Equal(t, 100.0, trade.OpenPrice)
	require.NotNil(t, trade.StopLossOrderID)
	assert.Nil(t, trade.TrailingDelta)
	assert.Equal(t, []string{"place:BUY", "trigger"}, f.ex.callLog())
	assert.Equal(t, []float64{99}, f.ex.triggers)

	stored, err := f.store.LastOpen(context.Background(), symbol)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.TradeOpened, stored.Status)
	assert.Equal(t, *trade.StopLossOrderID, *stored.StopLossOrderID)
	assert.Equal(t, 1, seriesCount(t, f.metrics, metrics.OrderCreateOK))
}

func TestOpenTrade_SinglePosition(t *testing.T) {
	f := newFixture(t, newFakeExchange(100, 101))

	_, err := f.broker.OpenTrade(context.Background(), buySignal(100, 99, 104, 0), 0.5)
	require.NoError(t, err)

	_, err = f.broker.OpenTrade(context.Background(), buySignal(101, 100, 105, 0), 0.5)
	assert.ErrorIs(t, err, ErrPositionExists)
	assert.Equal(t, []string{"place:BUY", "trigger"}, f.ex.callLog())
}

func TestOpenTrade_InvalidLevels(t *testing.T) {
	f := newFixture(t, newFakeExchange(100))

	_, err := f.broker.OpenTrade(context.Background(), buySignal(100, 101, 104, 0), 0.5)
	assert.Error(t, err)
	assert.Empty(t, f.ex.callLog())
	assert.Nil(t, f.broker.CurrentTrade())
}

func TestOpenTrade_NotFilledIsAbandoned(t *testing.T) {
	ex := newFakeExchange(100)
	ex.pending = true
	ex.late = model.OrderCanceled
	f := newFixture(t, ex)

	_, err := f.broker.OpenTrade(context.Background(), buySignal(100, 99, 104, 0), 0.5)
	assert.ErrorIs(t, err, ErrNotFilled)
	assert.Nil(t, f.broker.CurrentTrade())
	assert.Equal(t, 1, seriesCount(t, f.metrics, metrics.OrderCreateNotFilled))

	trades, err := f.store.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestOpenTrade_FilledRightAfterTimeout(t *testing.T) {
	ex := newFakeExchange(100.2)
	ex.pending = true
	ex.late = model.OrderFilled
	f := newFixture(t, ex)

	trade, err := f.broker.OpenTrade(context.Background(), buySignal(100, 99, 104, 0), 0.5)
	require.NoError(t, err)
	assert.Equal(t, model.TradeOpened, trade.Status)
	assert.Equal(t, 100.2, trade.OpenPrice)
	require.NotNil(t, trade.StopLossOrderID)
	assert.Equal(t, []string{"place:BUY", "trigger"}, ex.callLog())
	assert.Equal(t, 1, seriesCount(t, f.metrics, metrics.OrderCreateOK))
	assert.Equal(t, 0, seriesCount(t, f.metrics, metrics.OrderCreateNotFilled))
}

func TestOpenTrade_UnknownFillIsClosedByReconciliation(t *testing.T) {
	ex := newFakeExchange()
	ex.pending = true
	f := newFixture(t, ex)
	ctx := context.Background()

	_, err := f.broker.OpenTrade(ctx, buySignal(100, 99, 104, 0), 0.5)
	assert.ErrorIs(t, err, ErrNotFilled)

	cur := f.broker.CurrentTrade()
	require.NotNil(t, cur)
	assert.Equal(t, model.TradeNew, cur.Status)
	stored, err := f.store.LastOpen(ctx, symbol)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, cur.ID, stored.ID)

	_, err = f.broker.OpenTrade(ctx, buySignal(100, 99, 104, 0), 0.5)
	assert.ErrorIs(t, err, ErrPositionExists)

	ex.pending = false
	ex.fills = []float64{99.8}
	ex.resetCalls()
	require.NoError(t, f.broker.UpdateTradeStatus(ctx))
	assert.Equal(t, []string{"cancel", "place:SELL"}, ex.callLog())
	assert.Nil(t, f.broker.CurrentTrade())

	closed, err := f.store.LastClosed(ctx, symbol)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, cur.ID, closed.ID)
	assert.Equal(t, model.TradeClosed, closed.Status)
}

func TestOpenTrade_RejectedPrimary(t *testing.T) {
	ex := newFakeExchange()
	ex.orderErr = fmt.Errorf("%w: insufficient balance", service.ErrRejected)
	f := newFixture(t, ex)

	_, err := f.broker.OpenTrade(context.Background(), buySignal(100, 99, 104, 0), 0.5)
	assert.ErrorIs(t, err, service.ErrRejected)
	assert.Nil(t, f.broker.CurrentTrade())
	assert.Equal(t, 1, seriesCount(t, f.metrics, metrics.OrderCreateError))
}

func TestOpenTrade_SafetyCloseWhenStopRejected(t *testing.T) {
	ex := newFakeExchange(100, 99.5)
	ex.triggerErr = []error{fmt.Errorf("%w: stop rejected", service.ErrRejected)}
	f := newFixture(t, ex)

	_, err := f.broker.OpenTrade(context.Background(), buySignal(100, 99, 104, 0), 0.5)
	assert.ErrorIs(t, err, ErrSafetyClosed)
	assert.Nil(t, f.broker.CurrentTrade())
	assert.Equal(t, []string{"place:BUY", "trigger", "cancel", "place:SELL"}, ex.callLog())

	closed, err := f.store.LastClosed(context.Background(), symbol)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, model.TradeClosed, closed.Status)
	require.NotNil(t, closed.ClosePrice)
	assert.Equal(t, 99.5, *closed.ClosePrice)
	assert.Equal(t, 0.5, closed.Quantity)
	assert.Equal(t, 1, seriesCount(t, f.metrics, metrics.SafetyClose))
}

func TestOpenTrade_FillOutsideLevelsIsSafetyClosed(t *testing.T) {
	ex := newFakeExchange(98.5, 98.4)
	f := newFixture(t, ex)

	trade, err := f.broker.OpenTrade(context.Background(), buySignal(100, 99, 104, 0), 0.5)
	assert.ErrorIs(t, err, ErrSafetyClosed)
	require.NotNil(t, trade)
	assert.Equal(t, model.TradeClosed, trade.Status)
	assert.Nil(t, f.broker.CurrentTrade())
	assert.Equal(t, []string{"place:BUY", "cancel", "place:SELL"}, ex.callLog())
	assert.Empty(t, ex.triggers)

	closed, err := f.store.LastClosed(context.Background(), symbol)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, 98.5, closed.OpenPrice)
	assert.Equal(t, 98.4, *closed.ClosePrice)
}

func TestOpenTrade_SafetyCloseReturnsCopy(t *testing.T) {
	// no fill queued for the close order, so the trade keeps the slot in closing
	ex := newFakeExchange(100)
	ex.triggerErr = []error{fmt.Errorf("%w: stop rejected", service.ErrRejected)}
	f := newFixture(t, ex)

	trade, err := f.broker.OpenTrade(context.Background(), buySignal(100, 99, 104, 0), 0.5)
	assert.ErrorIs(t, err, ErrSafetyClosed)
	require.NotNil(t, trade)
	assert.Equal(t, model.TradeClosing, trade.Status)

	trade.Status = model.TradeOpened
	trade.Quantity = 42
	cur := f.broker.CurrentTrade()
	require.NotNil(t, cur)
	assert.Equal(t, model.TradeClosing, cur.Status)
	assert.Equal(t, 0.5, cur.Quantity)
}

func TestRiskBlockAfterLoss(t *testing.T) {
	f := newFixture(t, newFakeExchange(100, 98, 100, 101))
	ctx := context.Background()

	_, err := f.broker.OpenTrade(ctx, buySignal(100, 97, 104, 0), 1)
	require.NoError(t, err)
	require.NoError(t, f.broker.CloseTrade(ctx))
	assert.Less(t, f.risk.LastPnL(), 0.0)

	f.now = f.now.Add(30 * time.Second)
	_, err = f.broker.OpenTrade(ctx, buySignal(100, 97, 104, 0), 1)
	assert.ErrorIs(t, err, ErrRiskBlocked)

	f.now = f.now.Add(31 * time.Second)
	_, err = f.broker.OpenTrade(ctx, buySignal(100, 97, 104, 0), 1)
	assert.NoError(t, err)
}

func TestCloseTrade(t *testing.T) {
	f := newFixture(t, newFakeExchange(100, 103))
	ctx := context.Background()

	assert.ErrorIs(t, f.broker.CloseTrade(ctx), ErrNoTrade)

	_, err := f.broker.OpenTrade(ctx, buySignal(100, 99, 104, 0), 0.5)
	require.NoError(t, err)
	f.ex.resetCalls()

	require.NoError(t, f.broker.CloseTrade(ctx))
	assert.Equal(t, []string{"cancel", "place:SELL"}, f.ex.callLog())
	assert.Nil(t, f.broker.CurrentTrade())

	closed, err := f.store.LastClosed(ctx, symbol)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, 103.0, *closed.ClosePrice)
	assert.InDelta(t, 3.0, f.risk.LastPnL(), 1e-9)
}

func TestCloseTrade_FailureStaysClosingUntilReconciled(t *testing.T) {
	ex := newFakeExchange(100)
	f := newFixture(t, ex)
	ctx := context.Background()

	_, err := f.broker.OpenTrade(ctx, buySignal(100, 99, 104, 0), 0.5)
	require.NoError(t, err)

	ex.orderErr = fmt.Errorf("%w: timeout", service.ErrTransient)
	assert.Error(t, f.broker.CloseTrade(ctx))
	require.NotNil(t, f.broker.CurrentTrade())
	assert.Equal(t, model.TradeClosing, f.broker.CurrentTrade().Status)

	ex.orderErr = nil
	ex.fills = []float64{102}
	require.NoError(t, f.broker.UpdateTradeStatus(ctx))
	assert.Nil(t, f.broker.CurrentTrade())

	closed, err := f.store.LastClosed(ctx, symbol)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, 102.0, *closed.ClosePrice)
}

func TestOnOrderEvent_StopFilled(t *testing.T) {
	f := newFixture(t, newFakeExchange(100))
	ctx := context.Background()

	trade, err := f.broker.OpenTrade(ctx, buySignal(100, 99, 104, 0), 0.5)
	require.NoError(t, err)

	f.broker.OnOrderEvent(model.OrderUpdate{OrderID: "unknown", Symbol: symbol, Status: model.OrderFilled, TradeAvgPrice: 1})
	require.NotNil(t, f.broker.CurrentTrade())

	f.broker.OnOrderEvent(model.OrderUpdate{OrderID: *trade.StopLossOrderID, Symbol: symbol, Status: model.OrderFilled, TradeAvgPrice: 98.9})
	assert.Nil(t, f.broker.CurrentTrade())

	closed, err := f.store.LastClosed(ctx, symbol)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, 98.9, *closed.ClosePrice)
	assert.Equal(t, *trade.StopLossOrderID, *closed.CloseOrderID)
}

func TestUpdateTradeStatus_StopFilledOnExchange(t *testing.T) {
	ex := newFakeExchange(100)
	f := newFixture(t, ex)
	ctx := context.Background()

	trade, err := f.broker.OpenTrade(ctx, buySignal(100, 99, 104, 0), 0.5)
	require.NoError(t, err)

	require.NoError(t, f.broker.UpdateTradeStatus(ctx))
	require.NotNil(t, f.broker.CurrentTrade())

	ex.setOrder(*trade.StopLossOrderID, model.OrderFilled, 98.8)
	require.NoError(t, f.broker.UpdateTradeStatus(ctx))
	assert.Nil(t, f.broker.CurrentTrade())
}

func TestRestore(t *testing.T) {
	ex := newFakeExchange(100)
	f := newFixture(t, ex)
	ctx := context.Background()

	trade, err := f.broker.OpenTrade(ctx, buySignal(100, 99, 104, 2), 0.5)
	require.NoError(t, err)

	restarted := New(f.broker.cfg, ex, f.store, risk.NewManager(0, time.Minute, nil), nil, nil)
	require.NoError(t, restarted.Restore(ctx))

	cur := restarted.CurrentTrade()
	require.NotNil(t, cur)
	assert.Equal(t, trade.ID, cur.ID)
	assert.Equal(t, model.TradeOpened, cur.Status)
	require.NotNil(t, cur.TrailingDelta)
	assert.Equal(t, 2.0, *cur.TrailingDelta)
}

func TestStopLossLost_SafetyCloses(t *testing.T) {
	cases := []struct {
		name string
		lose func(t *testing.T, f *fixture, stopID string)
	}{
		{"pushed cancel", func(t *testing.T, f *fixture, stopID string) {
			f.broker.OnOrderEvent(model.OrderUpdate{OrderID: stopID, Symbol: symbol, Status: model.OrderCanceled})
		}},
		{"pushed reject", func(t *testing.T, f *fixture, stopID string) {
			f.broker.OnOrderEvent(model.OrderUpdate{OrderID: stopID, Symbol: symbol, Status: model.OrderRejected})
		}},
		{"reconciled cancel", func(t *testing.T, f *fixture, stopID string) {
			f.ex.setOrder(stopID, model.OrderCanceled, 0)
			require.NoError(t, f.broker.UpdateTradeStatus(context.Background()))
		}},
		{"reconciled reject", func(t *testing.T, f *fixture, stopID string) {
			f.ex.setOrder(stopID, model.OrderRejected, 0)
			require.NoError(t, f.broker.UpdateTradeStatus(context.Background()))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, newFakeExchange(100, 100.5))
			ctx := context.Background()

			trade, err := f.broker.OpenTrade(ctx, buySignal(100, 99, 104, 0), 0.5)
			require.NoError(t, err)
			f.ex.resetCalls()

			tc.lose(t, f, *trade.StopLossOrderID)

			assert.Equal(t, []string{"cancel", "place:SELL"}, f.ex.callLog())
			assert.Nil(t, f.broker.CurrentTrade())
			closed, err := f.store.LastClosed(ctx, symbol)
			require.NoError(t, err)
			require.NotNil(t, closed)
			assert.Equal(t, trade.ID, closed.ID)
			assert.Equal(t, model.TradeClosed, closed.Status)
			assert.Equal(t, 100.5, *closed.ClosePrice)
			assert.Equal(t, 1, seriesCount(t, f.metrics, metrics.SafetyClose))
		})
	}
}
