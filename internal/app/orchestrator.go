package app

import (
	"context"
	"errors"
	"math"
	"time"

	"crypto-ml-trader/internal/broker"
	"crypto-ml-trader/internal/features"
	"crypto-ml-trader/internal/feed"
	"crypto-ml-trader/internal/metrics"
	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"

	"go.uber.org/zap"
)

// Predictor decodes one raw feature row into a target row.
type Predictor interface {
	Predict(x []float64) ([]float64, error)
}

// Options tune the orchestration loop.
type Options struct {
	Target            string
	Quantity          float64
	WaitTimeout       time.Duration
	ReconcileInterval time.Duration
}

func OptionsFrom(cfg *service.Config) Options {
	return Options{
		Target:            cfg.Strategy.Target,
		Quantity:          cfg.Order.Quantity,
		WaitTimeout:       time.Second,
		ReconcileInterval: cfg.Broker.ReconcileInterval,
	}
}

// Orchestrator drives one strategy: it merges the feed buffers, predicts,
// derives a signal, hands it to the broker and kicks the learner.
type Orchestrator struct {
	strategy *Strategy
	opts     Options
	metrics  *metrics.Registry
	logger   *zap.Logger
	now      func() time.Time

	// model returns the current predictor, nil before the first fit.
	model func() Predictor

	lastReconcile time.Time
}

func NewOrchestrator(s *Strategy, opts Options, reg *metrics.Registry, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = time.Second
	}
	return &Orchestrator{
		strategy: s,
		opts:     opts,
		metrics:  reg,
		logger:   logger.Named("orchestrator").With(zap.String("Ticker", s.Symbol)),
		now:      time.Now,
		model: func() Predictor {
			if m := s.Learner.Model(); m != nil {
				return m
			}
			return nil
		},
	}
}

// Run loops until ctx is done. A fit still running at shutdown is waited for.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("Orchestrator started")
	defer func() {
		o.strategy.Learner.Wait()
		o.logger.Info("Orchestrator stopped")
	}()

	timer := time.NewTimer(o.opts.WaitTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.strategy.History.NewData():
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(o.opts.WaitTimeout)

		o.Step(ctx)
	}
}

// Step runs one iteration and returns the derived signal, HOLD when the
// feeds are not ready or no model is fitted yet.
func (o *Orchestrator) Step(ctx context.Context) model.Signal {
	s := o.strategy
	if n := s.History.ApplyBuf(); n > 0 {
		o.metrics.Add(metrics.FeedEvents, float64(n))
	}
	o.reconcile(ctx)

	alive := s.Alive()
	if alive {
		o.metrics.Set(metrics.GaugeFeedAlive, 1)
	} else {
		o.metrics.Set(metrics.GaugeFeedAlive, 0)
	}

	var sig model.Signal
	if !s.History.Ready() {
		return sig
	}
	snap := s.History.Snapshot()

	sig = o.predict(snap)
	o.recordSignal(sig)
	o.act(ctx, sig)

	s.Learner.LearnOrSkip(snap)
	return sig
}

func (o *Orchestrator) predict(snap feed.Snapshot) model.Signal {
	s := o.strategy
	ds, err := s.Builder.Build(snap)
	if err != nil {
		o.logger.Warn("Failed to build features", zap.Error(err))
		return model.Signal{}
	}
	hold := model.Signal{Time: ds.LastCandle.CloseTime, Kind: model.SignalHold, Price: ds.LastCandle.Close}

	m := o.model()
	if m == nil {
		return hold
	}
	x, ok := ds.Latest()
	if !ok {
		return hold
	}
	y, err := m.Predict(x)
	if err != nil {
		o.metrics.Inc(metrics.PredictError)
		o.logger.Error("Prediction failed", zap.Error(err))
		return hold
	}

	c := ds.LastCandle
	if o.opts.Target == features.TargetSignal {
		return s.Engine.FromClass(c, model.SignalKind(math.Round(y[0])))
	}
	futLow, futHigh := features.RangeFromPrediction(c.Close, y)
	return s.Engine.FromRange(c, futLow, futHigh)
}

func (o *Orchestrator) recordSignal(sig model.Signal) {
	switch sig.Kind {
	case model.SignalBuy:
		o.metrics.Inc(metrics.SignalBuy)
	case model.SignalSell:
		o.metrics.Inc(metrics.SignalSell)
	default:
		o.metrics.Inc(metrics.SignalHold)
	}
	o.metrics.Set(metrics.GaugeLastSignal, float64(sig.Kind))
}

// act closes an opened trade on an opposite signal, otherwise opens one on
// any non-HOLD signal.
func (o *Orchestrator) act(ctx context.Context, sig model.Signal) {
	if sig.Kind == model.SignalHold {
		return
	}
	b := o.strategy.Broker

	if trade := b.CurrentTrade(); trade != nil {
		if trade.Status == model.TradeOpened && int(sig.Kind) == -trade.Direction() {
			o.logger.Info("Opposite signal, closing trade", zap.Stringer("Signal", sig), zap.Int64("TradeID", trade.ID))
			if err := b.CloseTrade(ctx); err != nil {
				o.logger.Error("Failed to close trade", zap.Error(err))
			}
		}
		return
	}

	o.logger.Info("New trading signal", zap.Stringer("Signal", sig))
	_, err := b.OpenTrade(ctx, sig, o.opts.Quantity)
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrPositionExists), errors.Is(err, broker.ErrRiskBlocked):
		o.logger.Info("Signal ignored", zap.Error(err))
	default:
		o.logger.Error("Failed to open trade", zap.Error(err))
	}
}

func (o *Orchestrator) reconcile(ctx context.Context) {
	if o.opts.ReconcileInterval <= 0 {
		return
	}
	now := o.now()
	if now.Sub(o.lastReconcile) < o.opts.ReconcileInterval {
		return
	}
	o.lastReconcile = now
	if err := o.strategy.Broker.UpdateTradeStatus(ctx); err != nil {
		o.logger.Warn("Trade reconciliation failed", zap.Error(err))
	}
}
