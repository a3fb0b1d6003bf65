package exchange

import (
	"context"
	"testing"
	"time"

	"crypto-ml-trader/internal/bus"
	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var paperStart = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func paperTick(bid, ask float64) model.Tick {
	return model.Tick{Datetime: paperStart, Symbol: "BTC-USDT", Bid: bid, Ask: ask, BidVol: 1, AskVol: 1}
}

func newTestPaper() (*Paper, *bus.Bus) {
	b := bus.New(nil)
	p := NewPaper(PaperConfig{Quote: "USDT", Balance: 1000}, NewPrecision(2, 4), b, nil)
	b.Ticker.Subscribe(p.OnTick)
	return p, b
}

func TestPaper_MarketOrderFillsAtTouch(t *testing.T) {
	p, b := newTestPaper()
	ctx := context.Background()

	_, err := p.PlaceOrder(ctx, model.OrderRequest{Symbol: "BTC-USDT", Side: model.SideBuy, Type: model.OrderMarket, Qty: 1})
	require.ErrorIs(t, err, service.ErrTransient)

	var accounts [][]model.Balance
	b.Account.Subscribe(func(bal []model.Balance) { accounts = append(accounts, bal) })
	b.Ticker.Publish(paperTick(99, 100))

	buy, err := p.PlaceOrder(ctx, model.OrderRequest{Symbol: "BTC-USDT", Side: model.SideBuy, Type: model.OrderMarket, Qty: 2})
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, buy.Status)
	assert.Equal(t, 100.0, buy.Price)

	sell, err := p.PlaceOrder(ctx, model.OrderRequest{Symbol: "BTC-USDT", Side: model.SideSell, Type: model.OrderMarket, Qty: 2})
	require.NoError(t, err)
	assert.Equal(t, 99.0, sell.Price)

	balances, err := p.GetBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "USDT"}, []string{balances[0].Asset, balances[1].Asset})
	assert.InDelta(t, 0, balances[0].Balance, 1e-12)
	assert.InDelta(t, 998, balances[1].Balance, 1e-9)
	assert.Len(t, accounts, 2)

	got, err := p.GetOrder(ctx, "BTC-USDT", buy.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, got.Status)

	history, err := p.GetHistoryOrders(ctx, "BTC-USDT", paperStart)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestPaper_Rejections(t *testing.T) {
	p, b := newTestPaper()
	b.Ticker.Publish(paperTick(99, 100))
	ctx := context.Background()

	_, err := p.PlaceOrder(ctx, model.OrderRequest{Symbol: "BTC-USDT", Side: model.SideBuy, Type: model.OrderMarket, Qty: 20})
	assert.ErrorIs(t, err, service.ErrRejected)

	_, err = p.PlaceOrder(ctx, model.OrderRequest{Symbol: "BTC-USDT", Side: model.SideBuy, Type: model.OrderMarket, Qty: 0.00001})
	assert.ErrorIs(t, err, service.ErrRejected)

	_, err = p.PlaceOrder(ctx, model.OrderRequest{Symbol: "BTC-USDT", Side: model.SideBuy, Type: model.OrderLimit, Qty: 1, Price: 90})
	assert.ErrorIs(t, err, service.ErrRejected)

	_, err = p.GetOrder(ctx, "BTC-USDT", "missing")
	assert.ErrorIs(t, err, service.ErrRejected)
}

func TestPaper_StopTriggerFiresOnTick(t *testing.T) {
	p, b := newTestPaper()
	b.Ticker.Publish(paperTick(99, 100))
	ctx := context.Background()

	var updates []model.OrderUpdate
	b.Order.Subscribe(func(u model.OrderUpdate) { updates = append(updates, u) })

	_, err := p.PlaceOrder(ctx, model.OrderRequest{Symbol: "BTC-USDT", Side: model.SideBuy, Type: model.OrderMarket, Qty: 1})
	require.NoError(t, err)
	stop, err := p.PlaceTriggerOrder(ctx, "BTC-USDT", model.SideSell, 95, 1)
	require.NoError(t, err)
	assert.Equal(t, model.OrderNew, stop.Status)

	b.Ticker.Publish(paperTick(96, 97))
	assert.Empty(t, updates)

	b.Ticker.Publish(paperTick(94.5, 95.5))
	require.Len(t, updates, 1)
	assert.Equal(t, stop.ID, updates[0].OrderID)
	assert.Equal(t, model.OrderFilled, updates[0].Status)
	assert.Equal(t, 94.5, updates[0].TradeAvgPrice)

	// fired once
	b.Ticker.Publish(paperTick(90, 91))
	assert.Len(t, updates, 1)
}

func TestPaper_TakeProfitAndShortStop(t *testing.T) {
	p, b := newTestPaper()
	b.Ticker.Publish(paperTick(99, 100))
	ctx := context.Background()

	var updates []model.OrderUpdate
	b.Order.Subscribe(func(u model.OrderUpdate) { updates = append(updates, u) })

	tp, err := p.PlaceTakeProfitOrder(ctx, "BTC-USDT", model.SideBuy, 95, 1)
	require.NoError(t, err)
	stop, err := p.PlaceTriggerOrder(ctx, "BTC-USDT", model.SideBuy, 105, 1)
	require.NoError(t, err)

	b.Ticker.Publish(paperTick(94, 95))
	require.Len(t, updates, 1)
	assert.Equal(t, tp.ID, updates[0].OrderID)

	b.Ticker.Publish(paperTick(105, 106))
	require.Len(t, updates, 2)
	assert.Equal(t, stop.ID, updates[1].OrderID)
	assert.Equal(t, 106.0, updates[1].TradeAvgPrice)
}

func TestPaper_CancelAllTriggers(t *testing.T) {
	p, b := newTestPaper()
	b.Ticker.Publish(paperTick(99, 100))
	ctx := context.Background()

	stop, err := p.PlaceTriggerOrder(ctx, "BTC-USDT", model.SideSell, 95, 1)
	require.NoError(t, err)
	require.NoError(t, p.CancelAllTriggers(ctx, "BTC-USDT"))

	got, err := p.GetOrder(ctx, "BTC-USDT", stop.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCanceled, got.Status)

	var updates int
	b.Order.Subscribe(func(model.OrderUpdate) { updates++ })
	b.Ticker.Publish(paperTick(90, 91))
	assert.Zero(t, updates)
}
