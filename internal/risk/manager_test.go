package risk

import (
	"testing"
	"time"

	"crypto-ml-trader/internal/model"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func closedTrade(side model.Side, open, closePrice float64, at time.Time) *model.Trade {
	return &model.Trade{
		ID:         1,
		Side:       side,
		OpenPrice:  open,
		Status:     model.TradeClosed,
		CloseTime:  &at,
		ClosePrice: &closePrice,
	}
}

func TestManager_BlocksAfterLoss(t *testing.T) {
	m := NewManager(0, 60*time.Second, nil)
	assert.True(t, m.CanTrade(t0))

	m.OnTradeClosed(closedTrade(model.SideBuy, 100, 99, t0))
	assert.Less(t, m.LastPnL(), 0.0)

	assert.False(t, m.CanTrade(t0.Add(30*time.Second)))
	assert.False(t, m.CanTrade(t0.Add(59*time.Second)))
	assert.True(t, m.CanTrade(t0.Add(60*time.Second)))
	assert.True(t, m.CanTrade(t0.Add(61*time.Second)))
}

func TestManager_ProfitDoesNotBlock(t *testing.T) {
	m := NewManager(0, time.Minute, nil)
	m.OnTradeClosed(closedTrade(model.SideSell, 100, 95, t0))
	assert.True(t, m.CanTrade(t0.Add(time.Second)))
}

func TestManager_FeeTurnsWinIntoLoss(t *testing.T) {
	// 0.5 gain minus 0.01 * 200.5 fee
	m := NewManager(0.01, time.Minute, nil)
	m.OnTradeClosed(closedTrade(model.SideBuy, 100, 100.5, t0))
	assert.False(t, m.CanTrade(t0.Add(time.Second)))
}

func TestManager_IgnoresOpenTrades(t *testing.T) {
	m := NewManager(0, time.Minute, nil)
	m.OnTradeClosed(&model.Trade{Side: model.SideBuy, OpenPrice: 100, Status: model.TradeOpened})
	m.OnTradeClosed(nil)
	assert.True(t, m.CanTrade(t0))
}
