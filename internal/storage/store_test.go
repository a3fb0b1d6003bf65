package storage

import (
	"context"
	"testing"
	"time"

	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryStore(t *testing.T) TradeStore {
	t.Helper()
	store, err := NewSQLiteTradeStore(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func openTrade(ticker string, at time.Time) *model.Trade {
	return &model.Trade{
		Ticker:          ticker,
		Side:            model.SideBuy,
		OpenTime:        at,
		OpenPrice:       100,
		OpenOrderID:     "open-1",
		Quantity:        0.5,
		StopLossPrice:   99,
		TakeProfitPrice: 104,
		Status:          model.TradeOpened,
	}
}

func TestTradeStore_InsertAndLastOpen(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	none, err := store.LastOpen(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Nil(t, none)

	trade := openTrade("BTC-USDT", at)
	delta := 2.0
	sl := "algo:1"
	trade.TrailingDelta = &delta
	trade.StopLossOrderID = &sl

	id, err := store.Insert(ctx, trade)
	require.NoError(t, err)
	assert.Equal(t, id, trade.ID)
	assert.Positive(t, id)

	got, err := store.LastOpen(ctx, "BTC-USDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, model.SideBuy, got.Side)
	assert.Equal(t, model.TradeOpened, got.Status)
	assert.True(t, at.Equal(got.OpenTime))
	assert.Equal(t, 104.0, got.TakeProfitPrice)
	require.NotNil(t, got.TrailingDelta)
	assert.Equal(t, 2.0, *got.TrailingDelta)
	require.NotNil(t, got.StopLossOrderID)
	assert.Equal(t, "algo:1", *got.StopLossOrderID)
	assert.Nil(t, got.TakeProfitOrderID)
	assert.Nil(t, got.CloseTime)
	assert.Nil(t, got.ClosePrice)

	other, err := store.LastOpen(ctx, "ETH-USDT")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestTradeStore_UpdateToClosed(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	trade := openTrade("BTC-USDT", at)
	_, err := store.Insert(ctx, trade)
	require.NoError(t, err)

	require.NoError(t, trade.SetClosed(at.Add(time.Minute), 103, "close-1"))
	require.NoError(t, store.Update(ctx, trade))

	open, err := store.LastOpen(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Nil(t, open)

	closed, err := store.LastClosed(ctx, "BTC-USDT")
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, model.TradeClosed, closed.Status)
	require.NotNil(t, closed.ClosePrice)
	assert.Equal(t, 103.0, *closed.ClosePrice)
	require.NotNil(t, closed.CloseTime)
	assert.True(t, at.Add(time.Minute).Equal(*closed.CloseTime))
	require.NotNil(t, closed.CloseOrderID)
	assert.Equal(t, "close-1", *closed.CloseOrderID)
}

func TestTradeStore_UpdateUnknownRow(t *testing.T) {
	store := newMemoryStore(t)
	trade := openTrade("BTC-USDT", time.Now())
	trade.ID = 42
	assert.Error(t, store.Update(context.Background(), trade))
}

func TestTradeStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		trade := openTrade("BTC-USDT", at.Add(time.Duration(i)*time.Minute))
		require.NoError(t, trade.SetClosed(at.Add(time.Duration(i)*time.Minute+30*time.Second), 101, "c"))
		_, err := store.Insert(ctx, trade)
		require.NoError(t, err)
	}

	trades, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Greater(t, trades[0].ID, trades[1].ID)

	last, err := store.LastClosed(ctx, "BTC-USDT")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, trades[0].ID, last.ID)
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	s := &sqlStore{numbered: true}
	assert.Equal(t, "a = $1 AND b = $2", s.rebind("a = ? AND b = ?"))

	s.numbered = false
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(&service.Config{Storage: service.StorageConfig{Driver: "mongo"}}, nil)
	assert.ErrorIs(t, err, service.ErrFatal)
}
