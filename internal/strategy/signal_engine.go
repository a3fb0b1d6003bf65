package strategy

import (
	"math"

	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"

	"go.uber.org/zap"
)

// Params are the signal and level parameters of a strategy.
// A zero max coefficient disables the corresponding clip.
type Params struct {
	ProfitLossRatio  float64
	StopLossMinCoeff float64
	StopLossMaxCoeff float64
	ProfitMinCoeff   float64
	ProfitMaxCoeff   float64
	Fee              float64
	TrailingDeltaMin float64
	TrailingDeltaMax float64
}

func ParamsFromConfig(cfg service.StrategyConfig) Params {
	return Params{
		ProfitLossRatio:  cfg.ProfitLossRatio,
		StopLossMinCoeff: cfg.StopLossMinCoeff,
		StopLossMaxCoeff: cfg.StopLossMaxCoeff,
		ProfitMinCoeff:   cfg.ProfitMinCoeff,
		ProfitMaxCoeff:   cfg.ProfitMaxCoeff,
		Fee:              cfg.Fee,
		TrailingDeltaMin: cfg.TrailingDeltaMin,
		TrailingDeltaMax: cfg.TrailingDeltaMax,
	}
}

// SignalEngine derives a signal with stop-loss, take-profit and trailing
// delta from the last candle and a model prediction.
type SignalEngine struct {
	params Params
	logger *zap.Logger
}

func NewSignalEngine(params Params, logger *zap.Logger) *SignalEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalEngine{params: params, logger: logger.Named("signal")}
}

func (e *SignalEngine) Params() Params { return e.params }

// FromRange evaluates both sides against a predicted future low/high.
// Conflicting evidence yields HOLD.
func (e *SignalEngine) FromRange(c model.Candle, futLow, futHigh float64) model.Signal {
	buy, buyOK := e.rangeLevels(model.SideBuy, c, futLow, futHigh)
	sell, sellOK := e.rangeLevels(model.SideSell, c, futLow, futHigh)

	hold := model.Signal{Time: c.CloseTime, Kind: model.SignalHold, Price: c.Close}
	switch {
	case buyOK && sellOK:
		e.logger.Debug("Conflicting signal, holding",
			zap.Float64("FutLow", futLow), zap.Float64("FutHigh", futHigh), zap.Float64("Close", c.Close))
		return hold
	case buyOK:
		return buy
	case sellOK:
		return sell
	}
	return hold
}

// Label is the signal a candle should have produced given its realised future range.
func (e *SignalEngine) Label(c model.Candle, futLow, futHigh float64) model.SignalKind {
	return e.FromRange(c, futLow, futHigh).Kind
}

// FromClass turns a predicted class into a signal. The take-profit is placed
// so that the trade meets profit_loss_ratio against the candle stop-loss.
func (e *SignalEngine) FromClass(c model.Candle, kind model.SignalKind) model.Signal {
	hold := model.Signal{Time: c.CloseTime, Kind: model.SignalHold, Price: c.Close}
	if kind == model.SignalHold {
		return hold
	}
	side := model.SideBuy
	if kind == model.SignalSell {
		side = model.SideSell
	}

	dir := float64(side.Direction())
	fee := e.fee(c.Close)
	sl := e.stopLoss(side, c)
	loss := dir*(c.Close-sl) + fee
	if loss <= 0 {
		return hold
	}
	tp := e.clipTakeProfit(side, c.Close, c.Close+dir*(fee+e.params.ProfitLossRatio*loss))
	if !model.ValidLevels(side, c.Close, sl, tp) {
		return hold
	}
	return e.signal(kind, c, sl, tp)
}

// rangeLevels computes the levels of one side and whether profit/loss clears the ratio.
func (e *SignalEngine) rangeLevels(side model.Side, c model.Candle, futLow, futHigh float64) (model.Signal, bool) {
	dir := float64(side.Direction())
	target := futHigh
	kind := model.SignalBuy
	if side == model.SideSell {
		target = futLow
		kind = model.SignalSell
	}

	sl := e.stopLoss(side, c)
	tp := e.clipTakeProfit(side, c.Close, target)
	fee := e.fee(c.Close)
	profit := dir*(tp-c.Close) - fee
	loss := dir*(c.Close-sl) + fee
	if profit <= 0 || loss <= 0 || profit/loss < e.params.ProfitLossRatio {
		return model.Signal{}, false
	}
	if !model.ValidLevels(side, c.Close, sl, tp) {
		return model.Signal{}, false
	}
	return e.signal(kind, c, sl, tp), true
}

// stopLoss starts at the candle extreme, is capped by the max coefficient and
// kept at least min coefficient away from the close.
func (e *SignalEngine) stopLoss(side model.Side, c model.Candle) float64 {
	p := e.params
	if side == model.SideBuy {
		sl := c.Low
		if p.StopLossMaxCoeff > 0 {
			sl = math.Max(sl, c.Close*(1-p.StopLossMaxCoeff))
		}
		return math.Min(sl, c.Close*(1-p.StopLossMinCoeff))
	}
	sl := c.High
	if p.StopLossMaxCoeff > 0 {
		sl = math.Min(sl, c.Close*(1+p.StopLossMaxCoeff))
	}
	return math.Max(sl, c.Close*(1+p.StopLossMinCoeff))
}

func (e *SignalEngine) clipTakeProfit(side model.Side, price, tp float64) float64 {
	p := e.params
	if side == model.SideBuy {
		if p.ProfitMaxCoeff > 0 {
			tp = math.Min(tp, price*(1+p.ProfitMaxCoeff))
		}
		return math.Max(tp, price*(1+p.ProfitMinCoeff))
	}
	if p.ProfitMaxCoeff > 0 {
		tp = math.Max(tp, price*(1-p.ProfitMaxCoeff))
	}
	return math.Min(tp, price*(1-p.ProfitMinCoeff))
}

// fee is the round trip cost per unit.
func (e *SignalEngine) fee(price float64) float64 {
	return 2 * e.params.Fee * price
}

// TrailingDelta is the candle range clipped to [min, max]; zero disables trailing.
func (e *SignalEngine) TrailingDelta(c model.Candle) float64 {
	p := e.params
	if p.TrailingDeltaMin <= 0 && p.TrailingDeltaMax <= 0 {
		return 0
	}
	delta := math.Max(c.High-c.Low, p.TrailingDeltaMin)
	if p.TrailingDeltaMax > 0 {
		delta = math.Min(delta, p.TrailingDeltaMax)
	}
	return delta
}

func (e *SignalEngine) signal(kind model.SignalKind, c model.Candle, sl, tp float64) model.Signal {
	return model.Signal{
		Time:            c.CloseTime,
		Kind:            kind,
		Price:           c.Close,
		StopLossPrice:   sl,
		TakeProfitPrice: tp,
		TrailingDelta:   e.TrailingDelta(c),
	}
}
