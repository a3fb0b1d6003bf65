package learner

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"crypto-ml-trader/internal/features"
	"crypto-ml-trader/internal/feed"
	"crypto-ml-trader/internal/metrics"
	"crypto-ml-trader/internal/predictor"

	"go.uber.org/zap"
)

// Model is a fitted pipeline and predictor pair. Published models are never mutated.
type Model struct {
	Pipeline  *features.Pipeline
	Predictor predictor.Predictor
	FittedAt  time.Time
}

// Predict decodes the prediction for one raw feature row.
func (m *Model) Predict(x []float64) ([]float64, error) {
	xt, err := m.Pipeline.TransformX([][]float64{x})
	if err != nil {
		return nil, err
	}
	yHat, err := m.Predictor.Predict(xt)
	if err != nil {
		return nil, err
	}
	decoded, err := m.Pipeline.InverseTransformY(yHat)
	if err != nil {
		return nil, err
	}
	return decoded[0], nil
}

type Config struct {
	Target   string
	Interval time.Duration
	Epochs   int
	Batch    int
	MinRows  int
	Hidden   int
}

// Learner periodically re-fits the model on a background goroutine and
// swaps the result in atomically. At most one fit runs at a time.
type Learner struct {
	cfg     Config
	builder *features.Builder
	weights *predictor.WeightStore
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time

	model   atomic.Pointer[Model]
	fitting atomic.Bool
	wg      sync.WaitGroup

	mu        sync.Mutex
	lastLearn time.Time
	restored  predictor.Predictor
}

func New(cfg Config, builder *features.Builder, weights *predictor.WeightStore, reg *metrics.Registry, logger *zap.Logger) *Learner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Learner{
		cfg:     cfg,
		builder: builder,
		weights: weights,
		metrics: reg,
		logger:  logger.Named("learner"),
		now:     time.Now,
	}
}

func (l *Learner) outputs() int {
	if l.cfg.Target == features.TargetSignal {
		return len(features.SignalCategories)
	}
	return 2
}

func (l *Learner) newPredictor() predictor.Predictor {
	output := predictor.OutputLinear
	if l.cfg.Target == features.TargetSignal {
		output = predictor.OutputSoftmax
	}
	return predictor.NewNetwork(l.builder.Width(), l.cfg.Hidden, l.outputs(), output, l.now().UnixNano())
}

// Restore loads the newest saved weights. They are used once the pipeline
// has been fitted on the first ready snapshot.
func (l *Learner) Restore() error {
	if l.weights == nil {
		return nil
	}
	p := l.newPredictor()
	if _, err := l.weights.LoadLatest(p); err != nil {
		if errors.Is(err, predictor.ErrNoWeights) {
			l.logger.Info("No saved weights, waiting for the first fit")
			return nil
		}
		return err
	}
	l.mu.Lock()
	l.restored = p
	l.mu.Unlock()
	return nil
}

// Model returns the current model or nil before the first fit.
func (l *Learner) Model() *Model {
	return l.model.Load()
}

func (l *Learner) Fitting() bool {
	return l.fitting.Load()
}

// LearnOrSkip launches a background fit when learn_interval has elapsed since
// the last launch and no fit is running. It never blocks on fitting.
func (l *Learner) LearnOrSkip(snap feed.Snapshot) bool {
	now := l.now()

	l.mu.Lock()
	if l.restored != nil && l.model.Load() == nil {
		l.warmUp(snap, now)
	}
	if !l.lastLearn.IsZero() && l.lastLearn.Add(l.cfg.Interval).After(now) {
		l.mu.Unlock()
		return false
	}
	if !l.fitting.CompareAndSwap(false, true) {
		l.mu.Unlock()
		l.logger.Debug("Previous fit still running, dropping learn cycle")
		l.metrics.Inc(metrics.LearnSkipped)
		return false
	}
	// advanced before the outcome is known so a failing fit does not retry hot
	l.lastLearn = now
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.fitting.Store(false)
		if err := l.learn(snap); err != nil {
			l.logger.Error("Learn failed", zap.Error(err))
			l.metrics.Inc(metrics.LearnError)
		}
	}()
	return true
}

// Wait blocks until a running fit completes.
func (l *Learner) Wait() {
	l.wg.Wait()
}

// warmUp pairs restored weights with a pipeline fitted on snap. Caller holds l.mu.
func (l *Learner) warmUp(snap feed.Snapshot, now time.Time) {
	ds, err := l.builder.Build(snap)
	if err != nil || len(ds.Y) == 0 {
		return
	}
	pipeline, err := l.fitPipeline(ds.X, ds.Y, ds.XFuture)
	if err != nil {
		l.logger.Warn("Failed to fit pipeline for restored weights", zap.Error(err))
		return
	}
	l.model.Store(&Model{Pipeline: pipeline, Predictor: l.restored, FittedAt: now})
	l.restored = nil
	l.logger.Info("Restored model is ready")
}

func (l *Learner) fitPipeline(x, y, xFuture [][]float64) (*features.Pipeline, error) {
	pipeline := features.NewPipeline(l.cfg.Target)
	all := make([][]float64, 0, len(x)+len(xFuture))
	all = append(all, x...)
	all = append(all, xFuture...)
	if err := pipeline.FitX(all); err != nil {
		return nil, fmt.Errorf("fit features: %w", err)
	}
	if err := pipeline.FitY(y); err != nil {
		return nil, fmt.Errorf("fit targets: %w", err)
	}
	return pipeline, nil
}

func (l *Learner) learn(snap feed.Snapshot) error {
	start := l.now()
	ds, err := l.builder.Build(snap)
	if err != nil {
		return fmt.Errorf("build dataset: %w", err)
	}

	x, y := ds.X, ds.Y
	if l.cfg.Target == features.TargetSignal {
		var ok bool
		if x, y, ok = BalanceClasses(x, y); !ok {
			l.logger.Info("Some signal class has no rows, skipping fit", zap.Int("Rows", len(ds.Y)))
			l.metrics.Inc(metrics.LearnSkipped)
			return nil
		}
	}
	if len(x) < l.cfg.MinRows || len(x) == 0 {
		l.logger.Info("Not enough rows to fit", zap.Int("Rows", len(x)), zap.Int("MinRows", l.cfg.MinRows))
		l.metrics.Inc(metrics.LearnSkipped)
		return nil
	}

	pipeline, err := l.fitPipeline(x, y, ds.XFuture)
	if err != nil {
		return err
	}
	xt, err := pipeline.TransformX(x)
	if err != nil {
		return err
	}
	yt, err := pipeline.TransformY(y)
	if err != nil {
		return err
	}

	p := l.newPredictor()
	if cur := l.model.Load(); cur != nil {
		p = cur.Predictor.Clone()
	}
	if err := p.Fit(xt, yt, l.cfg.Epochs, l.cfg.Batch); err != nil {
		return fmt.Errorf("fit: %w", err)
	}

	l.model.Store(&Model{Pipeline: pipeline, Predictor: p, FittedAt: l.now()})
	l.metrics.Inc(metrics.LearnOK)
	l.metrics.Set(metrics.GaugeLearnRows, float64(len(x)))
	l.logger.Info("Model fitted",
		zap.Int("Rows", len(x)),
		zap.Duration("Took", l.now().Sub(start)))

	if l.weights != nil {
		if _, err := l.weights.Save(p); err != nil {
			l.logger.Error("Failed to save weights", zap.Error(err))
		}
	}
	return nil
}
