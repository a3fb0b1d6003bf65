package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crypto-ml-trader/internal/exchange"
	"crypto-ml-trader/internal/metrics"
	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/risk"
	"crypto-ml-trader/internal/service"
	"crypto-ml-trader/internal/storage"

	"go.uber.org/zap"
)

var (
	ErrPositionExists = errors.New("position already exists")
	ErrRiskBlocked    = errors.New("blocked by risk manager")
	ErrNotFilled      = errors.New("order not filled in time")
	ErrSafetyClosed   = errors.New("position safety closed")
	ErrNoTrade        = errors.New("no open trade")
)

// Config tunes order handling for one ticker.
type Config struct {
	Symbol               string
	OrderTimeout         time.Duration
	PollInterval         time.Duration
	StatusRetries        int
	RetryBase            time.Duration
	TrailingMoveInterval time.Duration
}

// ConfigFrom extracts the broker settings of the configured ticker.
func ConfigFrom(cfg *service.Config) Config {
	return Config{
		Symbol:               cfg.Tickers[0],
		OrderTimeout:         cfg.Broker.OrderTimeout,
		PollInterval:         200 * time.Millisecond,
		StatusRetries:        cfg.Broker.StatusRetries,
		RetryBase:            200 * time.Millisecond,
		TrailingMoveInterval: cfg.Strategy.TrailingMoveInterval,
	}
}

// Broker owns the single position slot of a ticker. Every mutation of the
// current trade and of the trade store happens under mu.
type Broker struct {
	cfg     Config
	ex      exchange.Exchange
	store   storage.TradeStore
	risk    *risk.Manager
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time

	mu           sync.Mutex
	cur          *model.Trade
	pendingClose string
	lastMove     time.Time
}

func New(cfg Config, ex exchange.Exchange, store storage.TradeStore, rm *risk.Manager, reg *metrics.Registry, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.StatusRetries < 1 {
		cfg.StatusRetries = 1
	}
	return &Broker{
		cfg:     cfg,
		ex:      ex,
		store:   store,
		risk:    rm,
		metrics: reg,
		logger:  logger.Named("broker").With(zap.String("Ticker", cfg.Symbol)),
		now:     time.Now,
	}
}

// CurrentTrade returns a copy of the trade holding the slot, nil when flat.
func (b *Broker) CurrentTrade() *model.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return nil
	}
	t := *b.cur
	return &t
}

// Restore reloads the last unfinished trade and seeds the risk manager with
// the last closed one.
func (b *Broker) Restore(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed, err := b.store.LastClosed(ctx, b.cfg.Symbol)
	if err != nil {
		return err
	}
	if closed != nil && b.risk != nil {
		b.risk.OnTradeClosed(closed)
	}

	open, err := b.store.LastOpen(ctx, b.cfg.Symbol)
	if err != nil {
		return err
	}
	if open != nil {
		b.cur = open
		b.metrics.Set(metrics.GaugeTradeOpen, 1)
		b.logger.Info("Restored unfinished trade", zap.Stringer("Trade", open))
	}
	return nil
}

// OpenTrade submits the primary order for sig, waits for the fill and
// protects the position with a stop-loss trigger.
func (b *Broker) OpenTrade(ctx context.Context, sig model.Signal, qty float64) (*model.Trade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cur != nil {
		return nil, fmt.Errorf("%w: trade %d is %s", ErrPositionExists, b.cur.ID, b.cur.Status)
	}
	now := b.now()
	if b.risk != nil && !b.risk.CanTrade(now) {
		b.metrics.Inc(metrics.RiskBlocked)
		return nil, ErrRiskBlocked
	}
	side, err := model.SideOf(int(sig.Kind))
	if err != nil {
		return nil, err
	}
	if !model.ValidLevels(side, sig.Price, sig.StopLossPrice, sig.TakeProfitPrice) {
		return nil, fmt.Errorf("invalid levels for %s", sig)
	}

	order, err := b.ex.PlaceOrder(ctx, model.OrderRequest{Symbol: b.cfg.Symbol, Side: side, Type: model.OrderMarket, Qty: qty})
	if err != nil {
		b.metrics.Inc(metrics.OrderCreateError)
		b.logger.Error("Failed to place primary order", zap.Stringer("Signal", sig), zap.Error(err))
		return nil, err
	}
	filled, err := b.waitFilled(ctx, order)
	if errors.Is(err, ErrNotFilled) {
		// one more look outside the wait window before giving up on the order
		current, qerr := b.getOrder(ctx, order.ID)
		switch {
		case qerr == nil && current.Status == model.OrderFilled:
			filled, err = current, nil
		case qerr != nil || !current.Status.Final():
			b.metrics.Inc(metrics.OrderCreateNotFilled)
			trade := newTrade(b.cfg.Symbol, side, now, sig, qty, sig.Price, order.ID)
			b.persist(ctx, trade)
			b.cur = trade
			b.metrics.Set(metrics.GaugeTradeOpen, 1)
			b.logger.Warn("Primary order state unknown, trade left for reconciliation",
				zap.String("OrderID", order.ID), zap.Stringer("Trade", trade), zap.Error(err))
			return nil, err
		}
	}
	if err != nil {
		if errors.Is(err, ErrNotFilled) {
			b.metrics.Inc(metrics.OrderCreateNotFilled)
		} else {
			b.metrics.Inc(metrics.OrderCreateError)
		}
		b.logger.Warn("Primary order not filled, trade abandoned", zap.String("OrderID", order.ID), zap.Error(err))
		return nil, err
	}

	trade := newTrade(b.cfg.Symbol, side, now, sig, qty, filled.Price, filled.ID)
	b.persist(ctx, trade)
	b.cur = trade
	b.metrics.Set(metrics.GaugeTradeOpen, 1)

	if !model.ValidLevels(side, filled.Price, trade.StopLossPrice, trade.TakeProfitPrice) {
		b.logger.Error("Fill price crossed the protective levels", zap.Stringer("Trade", trade))
		return b.abortOpen(ctx, trade, fmt.Errorf("fill %v outside levels %v/%v", filled.Price, trade.StopLossPrice, trade.TakeProfitPrice))
	}

	stop, err := b.ex.PlaceTriggerOrder(ctx, b.cfg.Symbol, side.Opposite(), trade.StopLossPrice, qty)
	if err != nil {
		b.logger.Error("Stop-loss rejected after fill", zap.Stringer("Trade", trade), zap.Error(err))
		return b.abortOpen(ctx, trade, err)
	}
	stopID := stop.ID
	trade.StopLossOrderID = &stopID

	if placer, ok := b.ex.(exchange.TakeProfitPlacer); ok && trade.TrailingDelta == nil {
		tp, err := placer.PlaceTakeProfitOrder(ctx, b.cfg.Symbol, side.Opposite(), trade.TakeProfitPrice, qty)
		if err != nil {
			b.logger.Warn("Take-profit order failed, stop-loss stays in place", zap.Error(err))
		} else {
			tpID := tp.ID
			trade.TakeProfitOrderID = &tpID
		}
	}

	if err := trade.Transition(model.TradeOpened); err != nil {
		out := *trade
		return &out, err
	}
	b.persist(ctx, trade)
	b.metrics.Inc(metrics.OrderCreateOK)
	b.metrics.Set(metrics.GaugeStopLossPrice, trade.StopLossPrice)
	b.metrics.Set(metrics.GaugeTakeProfitPrice, trade.TakeProfitPrice)
	b.logger.Info("Trade opened", zap.Stringer("Trade", trade))

	out := *trade
	return &out, nil
}

// abortOpen safety closes a filled position that could not be protected and
// returns a copy of the trade. Callers hold mu.
func (b *Broker) abortOpen(ctx context.Context, trade *model.Trade, cause error) (*model.Trade, error) {
	err := fmt.Errorf("%w: %v", ErrSafetyClosed, cause)
	if cerr := b.safetyClose(ctx, trade); cerr != nil {
		err = fmt.Errorf("%w: %v (close: %v)", ErrSafetyClosed, cause, cerr)
	}
	out := *trade
	return &out, err
}

func newTrade(symbol string, side model.Side, now time.Time, sig model.Signal, qty, price float64, orderID string) *model.Trade {
	trade := &model.Trade{
		Ticker:          symbol,
		Side:            side,
		OpenTime:        now,
		OpenPrice:       price,
		OpenOrderID:     orderID,
		Quantity:        qty,
		StopLossPrice:   sig.StopLossPrice,
		TakeProfitPrice: sig.TakeProfitPrice,
		Status:          model.TradeNew,
	}
	if sig.TrailingDelta > 0 {
		delta := sig.TrailingDelta
		trade.TrailingDelta = &delta
	}
	return trade
}

// CloseTrade cancels the protective children and closes the opened position at market.
func (b *Broker) CloseTrade(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	trade := b.cur
	if trade == nil || trade.Status != model.TradeOpened {
		return ErrNoTrade
	}
	if err := trade.Transition(model.TradeClosing); err != nil {
		return err
	}
	b.persist(ctx, trade)
	return b.submitClose(ctx, trade)
}

// OnOrderEvent merges a pushed order update into the current trade.
// Updates for orders the trade does not know are ignored.
func (b *Broker) OnOrderEvent(ev model.OrderUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trade := b.cur
	if trade == nil || (ev.Symbol != "" && ev.Symbol != b.cfg.Symbol) {
		return
	}
	isStop := trade.StopLossOrderID != nil && *trade.StopLossOrderID == ev.OrderID
	isTP := trade.TakeProfitOrderID != nil && *trade.TakeProfitOrderID == ev.OrderID
	if !isStop && !isTP {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.OrderTimeout)
	defer cancel()

	switch ev.Status {
	case model.OrderFilled:
		b.logger.Info("Protective order filled", zap.String("OrderID", ev.OrderID), zap.Bool("StopLoss", isStop), zap.Float64("Price", ev.TradeAvgPrice))
		if err := b.ex.CancelAllTriggers(ctx, b.cfg.Symbol); err != nil {
			b.logger.Warn("Failed to cancel remaining triggers", zap.Error(err))
		}
		b.finishClose(ctx, trade, ev.TradeAvgPrice, ev.OrderID)
	case model.OrderCanceled, model.OrderRejected:
		if isStop && trade.Status == model.TradeOpened {
			b.logger.Error("Stop-loss lost while position is open", zap.String("OrderID", ev.OrderID), zap.String("Status", string(ev.Status)))
			if err := b.safetyClose(ctx, trade); err != nil {
				b.logger.Error("Safety close failed", zap.Error(err))
			}
		}
	}
}

// UpdateTradeStatus pulls the exchange view of the current trade and merges it.
// A trade left in closing gets its close order re-submitted; a trade that never
// got its stop confirmed is closed.
func (b *Broker) UpdateTradeStatus(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	trade := b.cur
	if trade == nil {
		return nil
	}

	switch trade.Status {
	case model.TradeNew:
		b.logger.Warn("Trade stuck before stop-loss confirmation", zap.Stringer("Trade", trade))
		return b.safetyClose(ctx, trade)

	case model.TradeClosing:
		if b.pendingClose != "" {
			order, err := b.getOrder(ctx, b.pendingClose)
			if err != nil {
				return err
			}
			if order.Status == model.OrderFilled {
				b.finishClose(ctx, trade, order.Price, order.ID)
				return nil
			}
			if !order.Status.Final() {
				return nil
			}
		}
		b.logger.Info("Re-submitting close order", zap.Stringer("Trade", trade))
		return b.submitClose(ctx, trade)

	case model.TradeOpened:
		if trade.StopLossOrderID == nil {
			return b.safetyClose(ctx, trade)
		}
		for _, id := range []*string{trade.StopLossOrderID, trade.TakeProfitOrderID} {
			if id == nil {
				continue
			}
			order, err := b.getOrder(ctx, *id)
			if err != nil {
				return err
			}
			switch {
			case order.Status == model.OrderFilled:
				if err := b.ex.CancelAllTriggers(ctx, b.cfg.Symbol); err != nil {
					b.logger.Warn("Failed to cancel remaining triggers", zap.Error(err))
				}
				b.finishClose(ctx, trade, order.Price, order.ID)
				return nil
			case id == trade.StopLossOrderID && order.Status.Final():
				b.logger.Error("Stop-loss is gone", zap.String("OrderID", order.ID), zap.String("Status", string(order.Status)))
				return b.safetyClose(ctx, trade)
			}
		}
	}
	return nil
}

// safetyClose closes whatever quantity the trade holds. Callers hold mu.
func (b *Broker) safetyClose(ctx context.Context, trade *model.Trade) error {
	b.metrics.Inc(metrics.SafetyClose)
	b.logger.Warn("Safety close", zap.Stringer("Trade", trade))
	if trade.Status != model.TradeClosing {
		if err := trade.Transition(model.TradeClosing); err != nil {
			return err
		}
		b.persist(ctx, trade)
	}
	return b.submitClose(ctx, trade)
}

// submitClose cancels triggers and sends the opposite market order. On failure
// the trade stays in closing for the next reconciliation.
func (b *Broker) submitClose(ctx context.Context, trade *model.Trade) error {
	if err := b.ex.CancelAllTriggers(ctx, b.cfg.Symbol); err != nil {
		b.logger.Warn("Failed to cancel triggers before close", zap.Error(err))
	}

	order, err := b.ex.PlaceOrder(ctx, model.OrderRequest{
		Symbol: b.cfg.Symbol,
		Side:   trade.Side.Opposite(),
		Type:   model.OrderMarket,
		Qty:    trade.Quantity,
	})
	if err != nil {
		b.metrics.Inc(metrics.OrderCloseError)
		b.logger.Error("Failed to place close order", zap.Stringer("Trade", trade), zap.Error(err))
		return err
	}
	b.pendingClose = order.ID

	filled, err := b.waitFilled(ctx, order)
	if err != nil {
		b.metrics.Inc(metrics.OrderCloseError)
		b.logger.Error("Close order not filled", zap.String("OrderID", order.ID), zap.Error(err))
		return err
	}
	b.finishClose(ctx, trade, filled.Price, filled.ID)
	return nil
}

// finishClose records the closing leg and frees the slot.
func (b *Broker) finishClose(ctx context.Context, trade *model.Trade, price float64, orderID string) {
	if err := trade.SetClosed(b.now(), price, orderID); err != nil {
		b.logger.Error("Failed to close trade", zap.Error(err))
		return
	}
	b.persist(ctx, trade)
	b.cur = nil
	b.pendingClose = ""
	b.lastMove = time.Time{}

	if b.risk != nil {
		b.risk.OnTradeClosed(trade)
	}
	b.metrics.Inc(metrics.OrderCloseOK)
	b.metrics.Set(metrics.GaugeTradeOpen, 0)
	b.logger.Info("Trade closed", zap.Stringer("Trade", trade), zap.Float64("ClosePrice", price))
}

func (b *Broker) persist(ctx context.Context, trade *model.Trade) {
	if trade.ID == 0 {
		if _, err := b.store.Insert(ctx, trade); err != nil {
			b.logger.Error("Failed to persist trade", zap.Error(err))
		}
		return
	}
	if err := b.store.Update(ctx, trade); err != nil {
		b.logger.Error("Failed to persist trade", zap.Int64("TradeID", trade.ID), zap.Error(err))
	}
}

func (b *Broker) getOrder(ctx context.Context, id string) (*model.Order, error) {
	var order *model.Order
	err := service.Retry(ctx, "get_order", b.cfg.StatusRetries, b.cfg.RetryBase, func() error {
		var err error
		order, err = b.ex.GetOrder(ctx, b.cfg.Symbol, id)
		return err
	})
	return order, err
}

// waitFilled polls the order until it is filled, final or the timeout expires.
func (b *Broker) waitFilled(ctx context.Context, order *model.Order) (*model.Order, error) {
	if order.Status == model.OrderFilled {
		return order, nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.OrderTimeout)
	defer cancel()

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrNotFilled, order.ID)
		case <-ticker.C:
		}

		current, err := b.getOrder(ctx, order.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrNotFilled, order.ID)
			}
			b.logger.Warn("Order status query failed", zap.String("OrderID", order.ID), zap.Error(err))
			continue
		}
		switch current.Status {
		case model.OrderFilled:
			return current, nil
		case model.OrderCanceled, model.OrderRejected:
			return nil, fmt.Errorf("%w: order %s is %s", service.ErrRejected, current.ID, current.Status)
		}
	}
}
