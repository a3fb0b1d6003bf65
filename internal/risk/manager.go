package risk

import (
	"sync"
	"time"

	"crypto-ml-trader/internal/model"

	"go.uber.org/zap"
)

// Manager blocks new trades for wait_after_loss after a losing trade.
type Manager struct {
	fee           float64
	waitAfterLoss time.Duration
	logger        *zap.Logger

	mu         sync.RWMutex
	lastLossAt time.Time
	lastPnL    float64
}

func NewManager(fee float64, waitAfterLoss time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{fee: fee, waitAfterLoss: waitAfterLoss, logger: logger.Named("risk")}
}

// OnTradeClosed records the realized pnl of a closed trade. Open trades are ignored.
func (m *Manager) OnTradeClosed(t *model.Trade) {
	if t == nil || t.CloseTime == nil {
		return
	}
	pnl, ok := t.RealizedPnL(m.fee)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPnL = pnl
	if pnl < 0 && t.CloseTime.After(m.lastLossAt) {
		m.lastLossAt = *t.CloseTime
		m.logger.Info("Losing trade, pausing new orders",
			zap.Int64("TradeID", t.ID),
			zap.Float64("PnL", pnl),
			zap.Time("Until", m.lastLossAt.Add(m.waitAfterLoss)))
	}
}

// CanTrade is false while now - last loss close time < wait_after_loss.
func (m *Manager) CanTrade(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lastLossAt.IsZero() {
		return true
	}
	return now.Sub(m.lastLossAt) >= m.waitAfterLoss
}

// LastPnL is the realized pnl of the most recently closed trade.
func (m *Manager) LastPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastPnL
}
