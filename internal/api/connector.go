package api

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"crypto-ml-trader/internal/bus"
	"crypto-ml-trader/internal/exchange"
	"crypto-ml-trader/internal/service"

	"go.uber.org/zap"
)

// Connector streams OKX market and account data onto the bus.
//
//	public   tickers, books5
//	business candle<interval>
//	private  orders, account (only with credentials)
type Connector struct {
	cfg       service.OKXConfig
	symbol    string
	intervals map[string]time.Duration
	bus       *bus.Bus
	logger    *zap.Logger
	now       func() time.Time

	streams []*stream
}

// NewConnector prepares the streams for symbol. Unsupported candle intervals are fatal.
func NewConnector(cfg service.OKXConfig, symbol string, intervals []time.Duration, b *bus.Bus, logger *zap.Logger) (*Connector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connector{
		cfg:       cfg,
		symbol:    symbol,
		intervals: make(map[string]time.Duration, len(intervals)),
		bus:       b,
		logger:    logger.Named("connector").With(zap.String("Ticker", symbol)),
		now:       time.Now,
	}

	public := []subscription{
		{Channel: "tickers", InstID: symbol},
		{Channel: "books5", InstID: symbol},
	}
	c.streams = append(c.streams, newStream("public", cfg.WSPublic, public, c.Dispatch, c.logger))

	var candles []subscription
	for _, iv := range intervals {
		channel, err := CandleChannel(iv)
		if err != nil {
			return nil, err
		}
		c.intervals[channel] = iv
		candles = append(candles, subscription{Channel: channel, InstID: symbol})
	}
	c.streams = append(c.streams, newStream("business", cfg.WSBusiness, candles, c.Dispatch, c.logger))

	if cfg.APIKey != "" && cfg.SecretKey != "" && cfg.Passphrase != "" {
		private := []subscription{
			{Channel: "orders", InstType: "ANY", InstID: symbol},
			{Channel: "account"},
		}
		s := newStream("private", cfg.WSPrivate, private, c.Dispatch, c.logger)
		s.login = c.loginRequest
		c.streams = append(c.streams, s)
	} else {
		c.logger.Info("No OKX credentials, private stream disabled")
	}

	c.logger.Info("Connector initialized", zap.Int("Streams", len(c.streams)))
	return c, nil
}

// Run keeps every stream connected until ctx is done.
func (c *Connector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range c.streams {
		wg.Add(1)
		go func(s *stream) {
			defer wg.Done()
			s.run(ctx)
		}(s)
	}
	wg.Wait()
	c.logger.Info("Connector stopped")
}

// loginRequest signs timestamp + GET + /users/self/verify with the API secret.
func (c *Connector) loginRequest() (interface{}, error) {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	sign := exchange.SignOKX(c.cfg.SecretKey, ts+"GET"+"/users/self/verify")
	return map[string]interface{}{
		"op": "login",
		"args": []map[string]string{{
			"apiKey":     c.cfg.APIKey,
			"passphrase": c.cfg.Passphrase,
			"timestamp":  ts,
			"sign":       sign,
		}},
	}, nil
}

// Dispatch decodes one frame and publishes its events. Malformed frames are
// logged and dropped.
func (c *Connector) Dispatch(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn("Undecodable websocket frame", zap.Error(err))
		return
	}
	switch msg.Event {
	case "":
	case "error":
		c.logger.Error("Websocket error event", zap.String("Code", msg.Code), zap.String("Msg", msg.Msg))
		return
	default:
		c.logger.Debug("Websocket event", zap.String("Event", msg.Event), zap.String("Channel", msg.Arg.Channel))
		return
	}
	if len(msg.Data) == 0 {
		return
	}

	channel := msg.Arg.Channel
	if msg.Arg.InstID != "" && msg.Arg.InstID != c.symbol && channel != "orders" {
		return
	}

	var err error
	switch {
	case channel == "tickers":
		err = c.publishTickers(msg.Data)
	case channel == "books5":
		err = c.publishBooks(msg.Data)
	case channel == "orders":
		err = c.publishOrders(msg.Data)
	case channel == "account":
		err = c.publishAccount(msg.Data)
	case c.intervals[channel] > 0:
		err = c.publishCandles(c.intervals[channel], msg.Data)
	default:
		c.logger.Debug("Unhandled channel", zap.String("Channel", channel))
	}
	if err != nil {
		c.logger.Warn("Dropped websocket push", zap.String("Channel", channel), zap.Error(err))
	}
}

func (c *Connector) publishTickers(data json.RawMessage) error {
	ticks, err := parseTickers(c.symbol, data)
	if err != nil {
		return err
	}
	for _, t := range ticks {
		c.bus.Ticker.Publish(t)
	}
	return nil
}

func (c *Connector) publishBooks(data json.RawMessage) error {
	books, err := parseBooks(c.symbol, data)
	if err != nil {
		return err
	}
	for _, rows := range books {
		c.bus.Level2.Publish(rows)
	}
	return nil
}

func (c *Connector) publishCandles(interval time.Duration, data json.RawMessage) error {
	events, err := parseCandles(c.symbol, interval, data)
	if err != nil {
		return err
	}
	for _, e := range events {
		c.bus.Candle.Publish(e)
	}
	return nil
}

func (c *Connector) publishOrders(data json.RawMessage) error {
	updates, err := parseOrders(data)
	if err != nil {
		return err
	}
	for _, u := range updates {
		c.bus.Order.Publish(u)
	}
	return nil
}

func (c *Connector) publishAccount(data json.RawMessage) error {
	balances, err := parseAccount(data)
	if err != nil {
		return err
	}
	if len(balances) > 0 {
		c.bus.Account.Publish(balances)
	}
	return nil
}

// LastMessage is the latest receive time over all streams.
func (c *Connector) LastMessage() time.Time {
	var last time.Time
	for _, s := range c.streams {
		if t := s.LastMessage(); t.After(last) {
			last = t
		}
	}
	return last
}
