package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"crypto-ml-trader/internal/bus"
	"crypto-ml-trader/internal/exchange"
	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnector(t *testing.T, cfg service.OKXConfig) (*Connector, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	c, err := NewConnector(cfg, "BTC-USDT", []time.Duration{time.Minute, time.Hour}, b, nil)
	require.NoError(t, err)
	return c, b
}

func TestNewConnector_Streams(t *testing.T) {
	public, _ := newTestConnector(t, service.OKXConfig{})
	assert.Len(t, public.streams, 2)
	assert.Equal(t, []subscription{
		{Channel: "candle1m", InstID: "BTC-USDT"},
		{Channel: "candle1H", InstID: "BTC-USDT"},
	}, public.streams[1].args)

	private, _ := newTestConnector(t, service.OKXConfig{APIKey: "k", SecretKey: "s", Passphrase: "p"})
	require.Len(t, private.streams, 3)
	assert.NotNil(t, private.streams[2].login)

	_, err := NewConnector(service.OKXConfig{}, "BTC-USDT", []time.Duration{10 * time.Second}, bus.New(nil), nil)
	assert.ErrorIs(t, err, service.ErrFatal)
}

func TestLoginRequestIsSigned(t *testing.T) {
	c, _ := newTestConnector(t, service.OKXConfig{APIKey: "key", SecretKey: "secret", Passphrase: "pass"})
	c.now = func() time.Time { return time.Unix(1709251200, 0) }

	req, err := c.loginRequest()
	require.NoError(t, err)
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded struct {
		Op   string              `json:"op"`
		Args []map[string]string `json:"args"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "login", decoded.Op)
	require.Len(t, decoded.Args, 1)
	assert.Equal(t, "1709251200", decoded.Args[0]["timestamp"])
	assert.Equal(t, exchange.SignOKX("secret", "1709251200GET/users/self/verify"), decoded.Args[0]["sign"])
}

func TestDispatchPublishesTypedEvents(t *testing.T) {
	c, b := newTestConnector(t, service.OKXConfig{})

	var (
		ticks   []model.Tick
		books   [][]model.Level2Row
		candles []model.CandleEvent
		orders  []model.OrderUpdate
	)
	b.Ticker.Subscribe(func(v model.Tick) { ticks = append(ticks, v) })
	b.Level2.Subscribe(func(v []model.Level2Row) { books = append(books, v) })
	b.Candle.Subscribe(func(v model.CandleEvent) { candles = append(candles, v) })
	b.Order.Subscribe(func(v model.OrderUpdate) { orders = append(orders, v) })

	c.Dispatch([]byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"}}`))
	c.Dispatch([]byte(`not json`))
	c.Dispatch([]byte(`{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"bidPx":"1","bidSz":"1","askPx":"2","askSz":"1","ts":"1709251200000"}]}`))
	c.Dispatch([]byte(`{"arg":{"channel":"tickers","instId":"ETH-USDT"},"data":[{"bidPx":"1","bidSz":"1","askPx":"2","askSz":"1","ts":"1709251200000"}]}`))
	c.Dispatch([]byte(`{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[{"asks":[["2","1"]],"bids":[["1","1"]],"ts":"1709251200000"}]}`))
	c.Dispatch([]byte(`{"arg":{"channel":"candle1H","instId":"BTC-USDT"},"data":[["1709251200000","1","2","0.5","1.5","10","0","0","0"]]}`))
	c.Dispatch([]byte(`{"arg":{"channel":"orders","instType":"ANY"},"data":[{"instId":"BTC-USDT","ordId":"9","algoId":"5","state":"filled","avgPx":"1.2","cTime":"1709251200000"}]}`))
	c.Dispatch([]byte(`{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[{"asks":[["bad","1"]],"bids":[],"ts":"1709251200000"}]}`))

	require.Len(t, ticks, 1)
	assert.Equal(t, 2.0, ticks[0].Ask)
	require.Len(t, books, 1)
	assert.Len(t, books[0], 2)
	require.Len(t, candles, 1)
	assert.Equal(t, time.Hour, candles[0].Interval)
	assert.Equal(t, time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC), candles[0].CloseTime)
	require.Len(t, orders, 1)
	assert.Equal(t, exchange.AlgoPrefix+"5", orders[0].OrderID)
}

func TestStreamSubscribesAndDelivers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- msg
		conn.WriteMessage(websocket.TextMessage, []byte(`{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"bidPx":"10","bidSz":"1","askPx":"11","askSz":"1","ts":"1709251200000"}]}`))
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := service.OKXConfig{WSPublic: "ws" + strings.TrimPrefix(srv.URL, "http"), WSBusiness: "ws://127.0.0.1:1"}
	c, b := newTestConnector(t, cfg)

	var mu sync.Mutex
	var got []model.Tick
	b.Ticker.Subscribe(func(v model.Tick) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.streams[0].run(ctx)
		close(done)
	}()

	select {
	case msg := <-subscribed:
		var req struct {
			Op   string         `json:"op"`
			Args []subscription `json:"args"`
		}
		require.NoError(t, json.Unmarshal(msg, &req))
		assert.Equal(t, "subscribe", req.Op)
		assert.Len(t, req.Args, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("no subscribe request")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].Bid == 10
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, c.LastMessage().IsZero())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}
