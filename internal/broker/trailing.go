package broker

import (
	"context"
	"fmt"

	"crypto-ml-trader/internal/metrics"
	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"

	"go.uber.org/zap"
)

// OnTicker trails the take-profit level with the market and drags the stop
// behind it at trailing_delta. BUY trades follow the ask, SELL trades the bid.
// Moves are rate-limited by TrailingMoveInterval.
func (b *Broker) OnTicker(tick model.Tick) {
	if tick.Symbol != b.cfg.Symbol {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	trade := b.cur
	if trade == nil || trade.Status != model.TradeOpened || trade.TrailingDelta == nil {
		return
	}
	now := b.now()
	if !b.lastMove.IsZero() && now.Before(b.lastMove.Add(b.cfg.TrailingMoveInterval)) {
		return
	}

	delta := *trade.TrailingDelta
	var newStop float64
	switch trade.Side {
	case model.SideBuy:
		if tick.Ask <= trade.TakeProfitPrice {
			return
		}
		trade.TakeProfitPrice = tick.Ask
		newStop = trade.TakeProfitPrice - delta
	case model.SideSell:
		if tick.Bid >= trade.TakeProfitPrice || tick.Bid <= 0 {
			return
		}
		trade.TakeProfitPrice = tick.Bid
		newStop = trade.TakeProfitPrice + delta
	default:
		return
	}
	b.lastMove = now
	b.metrics.Set(metrics.GaugeTakeProfitPrice, trade.TakeProfitPrice)

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.OrderTimeout)
	defer cancel()

	// The stop only ever moves in the trade's favour.
	if float64(trade.Direction())*(newStop-trade.StopLossPrice) <= 0 {
		b.persist(ctx, trade)
		return
	}
	if err := b.changeStopLoss(ctx, trade, newStop); err != nil {
		b.logger.Error("Failed to move stop-loss", zap.Float64("StopLoss", newStop), zap.Error(err))
	}
}

// changeStopLoss replaces the protective stop. If the cancel fails the old
// stop stays in place; if the new stop fails after a successful cancel the
// position is unprotected and gets closed. Callers hold mu.
func (b *Broker) changeStopLoss(ctx context.Context, trade *model.Trade, newStop float64) error {
	if err := b.ex.CancelAllTriggers(ctx, b.cfg.Symbol); err != nil {
		b.metrics.Inc(metrics.StopLossMoveError)
		b.persist(ctx, trade)
		return fmt.Errorf("cancel triggers, keeping stop at %v: %w", trade.StopLossPrice, err)
	}

	order, err := b.ex.PlaceTriggerOrder(ctx, b.cfg.Symbol, trade.Side.Opposite(), newStop, trade.Quantity)
	if err != nil {
		b.metrics.Inc(metrics.StopLossMoveError)
		b.logger.Error("Replacement stop-loss failed, position is unprotected", zap.Error(err))
		if cerr := b.safetyClose(ctx, trade); cerr != nil {
			return fmt.Errorf("%w: %v (close: %v)", service.ErrInvariant, err, cerr)
		}
		return fmt.Errorf("%w: %v", ErrSafetyClosed, err)
	}

	old := trade.StopLossPrice
	id := order.ID
	trade.StopLossPrice = newStop
	trade.StopLossOrderID = &id
	b.persist(ctx, trade)

	b.metrics.Inc(metrics.StopLossMoved)
	b.metrics.Set(metrics.GaugeStopLossPrice, newStop)
	b.logger.Info("Stop-loss moved",
		zap.Float64("From", old),
		zap.Float64("To", newStop),
		zap.Float64("TakeProfit", trade.TakeProfitPrice))
	return nil
}
