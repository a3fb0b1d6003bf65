package bus

import (
	"sync"

	"crypto-ml-trader/internal/model"

	"go.uber.org/zap"
)

// Subject fans one event type out to its subscribers.
// Handlers run synchronously on the publisher's goroutine, in subscription order.
type Subject[T any] struct {
	name     string
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers []func(T)
}

// NewSubject creates a named subject. A nil logger disables panic logging.
func NewSubject[T any](name string, logger *zap.Logger) *Subject[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subject[T]{name: name, logger: logger}
}

// Subscribe registers a typed handler.
func (s *Subject[T]) Subscribe(handler func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Publish delivers v to every handler. A panicking handler is logged and
// skipped so that the websocket reader that published the event survives.
func (s *Subject[T]) Publish(v T) {
	s.mu.RLock()
	handlers := s.handlers
	s.mu.RUnlock()

	for _, h := range handlers {
		s.dispatch(h, v)
	}
}

func (s *Subject[T]) dispatch(h func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Subscriber panicked", zap.String("Subject", s.name), zap.Any("panic", r))
		}
	}()
	h(v)
}

// Len returns the number of subscribers.
func (s *Subject[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

type (
	TickerSubject  = Subject[model.Tick]
	Level2Subject  = Subject[[]model.Level2Row]
	CandleSubject  = Subject[model.CandleEvent]
	OrderSubject   = Subject[model.OrderUpdate]
	AccountSubject = Subject[[]model.Balance]
)

// Bus groups the subjects exchange adapters publish to.
type Bus struct {
	Ticker  *TickerSubject
	Level2  *Level2Subject
	Candle  *CandleSubject
	Order   *OrderSubject
	Account *AccountSubject
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bus")
	return &Bus{
		Ticker:  NewSubject[model.Tick]("ticker", logger),
		Level2:  NewSubject[[]model.Level2Row]("level2", logger),
		Candle:  NewSubject[model.CandleEvent]("candle", logger),
		Order:   NewSubject[model.OrderUpdate]("order", logger),
		Account: NewSubject[[]model.Balance]("account", logger),
	}
}
