package app

import (
	"context"
	"path/filepath"
	"time"

	"crypto-ml-trader/internal/broker"
	"crypto-ml-trader/internal/bus"
	"crypto-ml-trader/internal/exchange"
	"crypto-ml-trader/internal/features"
	"crypto-ml-trader/internal/feed"
	"crypto-ml-trader/internal/learner"
	"crypto-ml-trader/internal/metrics"
	"crypto-ml-trader/internal/predictor"
	"crypto-ml-trader/internal/risk"
	"crypto-ml-trader/internal/service"
	"crypto-ml-trader/internal/storage"
	"crypto-ml-trader/internal/strategy"

	"go.uber.org/zap"
)

// Strategy is the trading pipeline of one ticker: feeds, model, signal
// engine, risk gate and broker.
type Strategy struct {
	Symbol  string
	History *feed.HistoryStore
	Builder *features.Builder
	Learner *learner.Learner
	Engine  *strategy.SignalEngine
	Risk    *risk.Manager
	Broker  *broker.Broker

	aliveTimeout time.Duration
}

// NewStrategy composes the pipeline for the configured ticker.
func NewStrategy(cfg *service.Config, ex exchange.Exchange, store storage.TradeStore, reg *metrics.Registry, logger *zap.Logger) *Strategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	symbol := cfg.Tickers[0]
	logger = logger.With(zap.String("Strategy", cfg.StrategyName))

	engine := strategy.NewSignalEngine(strategy.ParamsFromConfig(cfg.Strategy), logger)
	builder := features.NewBuilder(
		cfg.Strategy.Target,
		cfg.Strategy.PredictWindow,
		cfg.Strategy.PastWindow,
		cfg.Feed.CandleIntervals,
		engine.Label,
	)
	weights := predictor.NewWeightStore(filepath.Join(cfg.StrategyDir(), "weights"), cfg.Strategy.WeightsKeep, logger)
	rm := risk.NewManager(cfg.Strategy.Fee, cfg.Strategy.WaitAfterLoss, logger)

	return &Strategy{
		Symbol:  symbol,
		History: feed.NewHistoryStore(symbol, cfg.Strategy, cfg.Feed, logger),
		Builder: builder,
		Learner: learner.New(learner.Config{
			Target:   cfg.Strategy.Target,
			Interval: cfg.Strategy.LearnInterval,
			Epochs:   cfg.Strategy.LearnEpochs,
			Batch:    cfg.Strategy.LearnBatch,
			MinRows:  cfg.Strategy.LearnMinRows,
			Hidden:   cfg.Strategy.ModelHidden,
		}, builder, weights, reg, logger),
		Engine:       engine,
		Risk:         rm,
		Broker:       broker.New(broker.ConfigFrom(cfg), ex, store, rm, reg, logger),
		aliveTimeout: cfg.Feed.AliveTimeout,
	}
}

// Subscribe attaches the feeds and the broker callbacks to the bus.
func (s *Strategy) Subscribe(b *bus.Bus) {
	s.History.Subscribe(b)
	b.Ticker.Subscribe(s.Broker.OnTicker)
	b.Order.Subscribe(s.Broker.OnOrderEvent)
}

// Restore reloads the unfinished trade and the newest model weights.
func (s *Strategy) Restore(ctx context.Context) error {
	if err := s.Broker.Restore(ctx); err != nil {
		return err
	}
	return s.Learner.Restore()
}

// Alive reports whether the ticker and candle feeds are flowing.
func (s *Strategy) Alive() bool {
	if s.aliveTimeout <= 0 {
		return true
	}
	return s.History.IsAlive(s.aliveTimeout)
}
