package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counter and gauge names shared by the trading components.
const (
	OrderCreateOK        = "order_create_ok"
	OrderCreateError     = "order_create_error"
	OrderCreateNotFilled = "order_create_not_filled"
	OrderCloseOK         = "order_close_ok"
	OrderCloseError      = "order_close_error"
	SafetyClose          = "safety_close"
	StopLossMoved        = "stop_loss_moved"
	StopLossMoveError    = "stop_loss_move_error"
	RiskBlocked          = "risk_blocked"
	LearnOK              = "learn_ok"
	LearnError           = "learn_error"
	LearnSkipped         = "learn_skipped"
	PredictError         = "predict_error"
	SignalBuy            = "signal_buy"
	SignalSell           = "signal_sell"
	SignalHold           = "signal_hold"
	FeedEvents           = "feed_events"
	GaugeTradeOpen       = "trade_open"
	GaugeLearnRows       = "learn_rows"
	GaugeLastSignal      = "last_signal"
	GaugeFeedAlive       = "feed_alive"
	GaugeBalancePrefix   = "balance_"
	GaugeTakeProfitPrice = "take_profit_price"
	GaugeStopLossPrice   = "stop_loss_price"
)

// Registry owns the process metrics on a private prometheus registry.
// A nil *Registry is valid and records nothing.
type Registry struct {
	namespace string
	reg       *prometheus.Registry

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace: namespace,
		reg:       prometheus.NewRegistry(),
		counters:  make(map[string]prometheus.Counter),
		gauges:    make(map[string]prometheus.Gauge),
	}
}

// Inc adds one to the named counter, creating it on first use.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

func (r *Registry) Add(name string, v float64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	c, ok := r.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{Namespace: r.namespace, Name: name + "_total", Help: name})
		r.reg.MustRegister(c)
		r.counters[name] = c
	}
	r.mu.Unlock()
	c.Add(v)
}

// Set stores the named gauge value, creating it on first use.
func (r *Registry) Set(name string, v float64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	g, ok := r.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Namespace: r.namespace, Name: name, Help: name})
		r.reg.MustRegister(g)
		r.gauges[name] = g
	}
	r.mu.Unlock()
	g.Set(v)
}

// Handler serves the registry in the prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
