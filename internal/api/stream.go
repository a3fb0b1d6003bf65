package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// subscription is one channel argument of an OKX subscribe request.
type subscription struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
	Ccy      string `json:"ccy,omitempty"`
}

// stream keeps one websocket connection alive: dial, optional login,
// subscribe, read until error, back off and start over.
type stream struct {
	name    string
	url     string
	args    []subscription
	login   func() (interface{}, error)
	handle  func([]byte)
	dialer  *websocket.Dialer
	logger  *zap.Logger
	lastMsg atomic.Int64

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

func newStream(name, url string, args []subscription, handle func([]byte), logger *zap.Logger) *stream {
	return &stream{
		name:         name,
		url:          url,
		args:         args,
		handle:       handle,
		dialer:       websocket.DefaultDialer,
		logger:       logger.With(zap.String("Stream", name)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 20 * time.Second,
		MinBackoff:   time.Second,
		MaxBackoff:   30 * time.Second,
	}
}

// LastMessage is the receive time of the latest frame.
func (s *stream) LastMessage() time.Time {
	ns := s.lastMsg.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// run blocks until ctx is done.
func (s *stream) run(ctx context.Context) {
	backoff := s.MinBackoff
	for ctx.Err() == nil {
		start := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > s.MaxBackoff {
			backoff = s.MinBackoff
		}
		s.logger.Warn("Websocket session ended, reconnecting", zap.Error(err), zap.Duration("Backoff", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > s.MaxBackoff {
			backoff = s.MaxBackoff
		}
	}
}

func (s *stream) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()
	s.logger.Info("Websocket connected", zap.String("URL", s.url))

	// Closing the connection unblocks ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if s.login != nil {
		req, err := s.login()
		if err != nil {
			return err
		}
		if err := s.write(conn, req); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if err := s.awaitLogin(conn); err != nil {
			return err
		}
	}

	if err := s.write(conn, map[string]interface{}{"op": "subscribe", "args": s.args}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	go s.keepAlive(conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.lastMsg.Store(time.Now().UnixNano())
		if string(msg) == "pong" {
			continue
		}
		s.handle(msg)
	}
}

// awaitLogin reads until OKX acknowledges the login.
func (s *stream) awaitLogin(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		var ack wsMessage
		if err := json.Unmarshal(msg, &ack); err != nil {
			continue
		}
		switch ack.Event {
		case "login":
			s.logger.Info("Websocket login ok")
			return nil
		case "error":
			return fmt.Errorf("login rejected: %s %s", ack.Code, ack.Msg)
		}
	}
}

// keepAlive sends the text "ping" OKX expects on idle connections.
func (s *stream) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				s.logger.Warn("Ping failed", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

func (s *stream) write(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	return conn.WriteJSON(v)
}
