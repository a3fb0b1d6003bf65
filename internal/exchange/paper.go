package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"crypto-ml-trader/internal/bus"
	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaperConfig configures the simulated account.
type PaperConfig struct {
	Quote   string
	Balance float64
	Fee     float64
}

type triggerKind int

const (
	triggerStop triggerKind = iota
	triggerTakeProfit
)

type trigger struct {
	order *model.Order
	kind  triggerKind
}

// Paper is a simulated exchange. Market orders fill at the last ask (BUY) or
// bid (SELL); stop and take-profit orders are fired by incoming ticks.
// Positions may go short, the base balance simply becomes negative.
type Paper struct {
	cfg       PaperConfig
	precision Precision
	bus       *bus.Bus
	logger    *zap.Logger

	mu       sync.Mutex
	lastTick map[string]model.Tick
	balances map[string]float64
	orders   map[string]*model.Order
	triggers []trigger
}

func NewPaper(cfg PaperConfig, precision Precision, b *bus.Bus, logger *zap.Logger) *Paper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Quote == "" {
		cfg.Quote = "USDT"
	}
	return &Paper{
		cfg:       cfg,
		precision: precision,
		bus:       b,
		logger:    logger.Named("paper"),
		lastTick:  make(map[string]model.Tick),
		balances:  map[string]float64{cfg.Quote: cfg.Balance},
		orders:    make(map[string]*model.Order),
	}
}

func (p *Paper) Name() string { return "paper" }

// OnTick records the price and fires every trigger it crosses.
func (p *Paper) OnTick(tick model.Tick) {
	p.mu.Lock()
	p.lastTick[tick.Symbol] = tick

	var fired []*model.Order
	remaining := p.triggers[:0]
	for _, tr := range p.triggers {
		if tr.order.Symbol != tick.Symbol || !crossed(tr, tick) {
			remaining = append(remaining, tr)
			continue
		}
		price := tick.Bid
		if tr.order.Side == model.SideBuy {
			price = tick.Ask
		}
		p.fill(tr.order, price, tick.Datetime)
		fired = append(fired, tr.order)
	}
	p.triggers = remaining
	balances := p.balanceSnapshot(tick.Datetime)
	p.mu.Unlock()

	for _, o := range fired {
		p.logger.Info("Trigger order filled",
			zap.String("OrderID", o.ID),
			zap.String("Side", o.Side.String()),
			zap.Float64("StopPrice", o.StopPrice),
			zap.Float64("Price", o.Price))
		p.publishOrder(o)
	}
	if len(fired) > 0 {
		p.publishAccount(balances)
	}
}

func crossed(tr trigger, tick model.Tick) bool {
	stop := tr.order.StopPrice
	switch {
	case tr.kind == triggerStop && tr.order.Side == model.SideSell:
		return tick.Bid <= stop
	case tr.kind == triggerStop && tr.order.Side == model.SideBuy:
		return tick.Ask >= stop
	case tr.kind == triggerTakeProfit && tr.order.Side == model.SideSell:
		return tick.Bid >= stop
	default:
		return tick.Ask <= stop
	}
}

func (p *Paper) PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.Order, error) {
	qty := p.precision.RoundAmount(req.Qty)
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity %v rounds to zero", service.ErrRejected, req.Qty)
	}

	p.mu.Lock()
	tick, ok := p.lastTick[req.Symbol]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: no price for %s yet", service.ErrTransient, req.Symbol)
	}
	price := tick.Bid
	if req.Side == model.SideBuy {
		price = tick.Ask
	}
	if req.Type == model.OrderLimit && req.Price > 0 {
		if (req.Side == model.SideBuy && req.Price < price) || (req.Side == model.SideSell && req.Price > price) {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: limit %v does not cross the book", service.ErrRejected, req.Price)
		}
	}
	if req.Side == model.SideBuy && p.balances[p.cfg.Quote] < qty*price*(1+p.cfg.Fee) {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: insufficient %s balance", service.ErrRejected, p.cfg.Quote)
	}

	order := &model.Order{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    model.OrderNew,
		Qty:       qty,
		CreatedAt: tick.Datetime,
	}
	p.fill(order, price, tick.Datetime)
	out := *order
	balances := p.balanceSnapshot(tick.Datetime)
	p.mu.Unlock()

	p.logger.Info("Order filled",
		zap.String("OrderID", out.ID),
		zap.String("Side", out.Side.String()),
		zap.Float64("Qty", out.Qty),
		zap.Float64("Price", out.Price))
	p.publishAccount(balances)
	return &out, nil
}

// fill books the order at price. Caller holds p.mu.
func (p *Paper) fill(o *model.Order, price float64, at time.Time) {
	base := baseAsset(o.Symbol)
	notional := o.Qty * price
	fee := notional * p.cfg.Fee
	if o.Side == model.SideBuy {
		p.balances[base] += o.Qty
		p.balances[p.cfg.Quote] -= notional + fee
	} else {
		p.balances[base] -= o.Qty
		p.balances[p.cfg.Quote] += notional - fee
	}
	o.Status = model.OrderFilled
	o.Price = price
	if o.CreatedAt.IsZero() {
		o.CreatedAt = at
	}
	p.orders[o.ID] = o
}

func (p *Paper) PlaceTriggerOrder(ctx context.Context, symbol string, side model.Side, stopPrice, qty float64) (*model.Order, error) {
	return p.placeTrigger(symbol, side, stopPrice, qty, triggerStop)
}

func (p *Paper) PlaceTakeProfitOrder(ctx context.Context, symbol string, side model.Side, price, qty float64) (*model.Order, error) {
	return p.placeTrigger(symbol, side, price, qty, triggerTakeProfit)
}

func (p *Paper) placeTrigger(symbol string, side model.Side, stopPrice, qty float64, kind triggerKind) (*model.Order, error) {
	qty = p.precision.RoundAmount(qty)
	if qty <= 0 || stopPrice <= 0 {
		return nil, fmt.Errorf("%w: invalid trigger qty=%v price=%v", service.ErrRejected, qty, stopPrice)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	order := &model.Order{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Type:      model.OrderTrigger,
		Status:    model.OrderNew,
		Qty:       qty,
		StopPrice: p.precision.RoundPrice(stopPrice),
		CreatedAt: p.lastTick[symbol].Datetime,
	}
	p.orders[order.ID] = order
	p.triggers = append(p.triggers, trigger{order: order, kind: kind})
	out := *order
	return &out, nil
}

func (p *Paper) CancelAllTriggers(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := p.triggers[:0]
	for _, tr := range p.triggers {
		if tr.order.Symbol == symbol {
			tr.order.Status = model.OrderCanceled
			continue
		}
		remaining = append(remaining, tr)
	}
	p.triggers = remaining
	return nil
}

func (p *Paper) GetOrder(ctx context.Context, symbol, orderID string) (*model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.Symbol != symbol {
		return nil, fmt.Errorf("%w: order %s not found", service.ErrRejected, orderID)
	}
	out := *o
	return &out, nil
}

func (p *Paper) GetBalance(ctx context.Context) ([]model.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balanceSnapshot(time.Now()), nil
}

func (p *Paper) GetHistoryOrders(ctx context.Context, symbol string, since time.Time) ([]model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []model.Order
	for _, o := range p.orders {
		if o.Symbol == symbol && !o.CreatedAt.Before(since) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// balanceSnapshot lists balances ordered by asset. Caller holds p.mu.
func (p *Paper) balanceSnapshot(at time.Time) []model.Balance {
	out := make([]model.Balance, 0, len(p.balances))
	for asset, v := range p.balances {
		out = append(out, model.Balance{Time: at, Asset: asset, Balance: v, Available: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func (p *Paper) publishOrder(o *model.Order) {
	if p.bus == nil {
		return
	}
	p.bus.Order.Publish(model.OrderUpdate{
		OrderID:       o.ID,
		Symbol:        o.Symbol,
		Status:        o.Status,
		TradeAvgPrice: o.Price,
		CreatedAt:     o.CreatedAt,
	})
}

func (p *Paper) publishAccount(balances []model.Balance) {
	if p.bus == nil {
		return
	}
	p.bus.Account.Publish(balances)
}

// baseAsset is the first leg of an instrument id: BTC for BTC-USDT or BTC-USDT-SWAP.
func baseAsset(symbol string) string {
	if i := strings.IndexAny(symbol, "-/"); i > 0 {
		return symbol[:i]
	}
	return symbol
}
