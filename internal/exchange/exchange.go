package exchange

import (
	"context"
	"fmt"
	"sort"
	"time"

	"crypto-ml-trader/internal/bus"
	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"

	"go.uber.org/zap"
)

// Exchange is the REST surface the broker trades through.
// Adapters wrap failures with the service error taxonomy.
type Exchange interface {
	Name() string
	PlaceOrder(ctx context.Context, req model.OrderRequest) (*model.Order, error)
	// PlaceTriggerOrder submits a stop order that executes at market once stopPrice is touched.
	PlaceTriggerOrder(ctx context.Context, symbol string, side model.Side, stopPrice, qty float64) (*model.Order, error)
	CancelAllTriggers(ctx context.Context, symbol string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*model.Order, error)
	GetBalance(ctx context.Context) ([]model.Balance, error)
	GetHistoryOrders(ctx context.Context, symbol string, since time.Time) ([]model.Order, error)
}

// TakeProfitPlacer is implemented by exchanges that accept a take-profit child order.
type TakeProfitPlacer interface {
	PlaceTakeProfitOrder(ctx context.Context, symbol string, side model.Side, price, qty float64) (*model.Order, error)
}

// Deps are the collaborators a factory may use.
type Deps struct {
	Config *service.Config
	Bus    *bus.Bus
	Logger *zap.Logger
}

// Factory builds an exchange adapter.
type Factory func(deps Deps) (Exchange, error)

var registry = map[string]Factory{
	"okx":   newOKXExchange,
	"paper": newPaperExchange,
}

// New builds the exchange registered under name.
func New(name string, deps Deps) (Exchange, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown exchange %q, known: %v", service.ErrFatal, name, Names())
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return factory(deps)
}

// Names lists the registered exchanges.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newOKXExchange(deps Deps) (Exchange, error) {
	cfg := deps.Config
	if cfg.OKX.APIKey == "" || cfg.OKX.SecretKey == "" || cfg.OKX.Passphrase == "" {
		return nil, fmt.Errorf("%w: okx credentials are required", service.ErrFatal)
	}
	return NewOKX(cfg.OKX, NewPrecision(cfg.PricePrecision, cfg.AmountPrecision), deps.Logger), nil
}

func newPaperExchange(deps Deps) (Exchange, error) {
	cfg := deps.Config
	paper := NewPaper(PaperConfig{
		Quote:   cfg.Paper.Quote,
		Balance: cfg.Paper.Balance,
		Fee:     cfg.Strategy.Fee,
	}, NewPrecision(cfg.PricePrecision, cfg.AmountPrecision), deps.Bus, deps.Logger)
	if deps.Bus != nil {
		deps.Bus.Ticker.Subscribe(paper.OnTick)
	}
	return paper, nil
}
