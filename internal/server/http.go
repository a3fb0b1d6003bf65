package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crypto-ml-trader/internal/metrics"
	"crypto-ml-trader/internal/model"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TradeLister is the read side of the trade store.
type TradeLister interface {
	List(ctx context.Context, limit int) ([]model.Trade, error)
}

// HTTPServer exposes /health, and behind the bearer token /metrics and /trades.
type HTTPServer struct {
	addr    string
	token   string
	engine  *gin.Engine
	srv     *http.Server
	metrics *metrics.Registry
	trades  TradeLister
	alive   func() bool
	logger  *zap.Logger
}

func NewHTTPServer(addr, token string, reg *metrics.Registry, trades TradeLister, alive func() bool, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if alive == nil {
		alive = func() bool { return true }
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &HTTPServer{
		addr:    addr,
		token:   token,
		engine:  gin.New(),
		metrics: reg,
		trades:  trades,
		alive:   alive,
		logger:  logger.Named("http"),
	}
	if token == "" {
		s.logger.Warn("metrics.token is empty, endpoints are not protected")
	}

	s.engine.Use(gin.Recovery(), s.accessLog())
	s.setupRoutes()
	s.srv = &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *HTTPServer) setupRoutes() {
	s.engine.GET("/health", s.getHealth)

	auth := s.engine.Group("/", s.bearerAuth())
	auth.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	auth.GET("/trades", s.getTrades)
}

// Handler returns the router, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *HTTPServer) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("Addr", s.addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		given, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(given), []byte(s.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *HTTPServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("Method", c.Request.Method),
			zap.String("Path", c.Request.URL.Path),
			zap.Int("Status", c.Writer.Status()),
			zap.Duration("Latency", time.Since(start)))
	}
}

func (s *HTTPServer) getHealth(c *gin.Context) {
	if !s.alive() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type tradeView struct {
	ID              int64      `json:"id"`
	Ticker          string     `json:"ticker"`
	Side            string     `json:"side"`
	Status          string     `json:"status"`
	OpenTime        time.Time  `json:"open_time"`
	OpenPrice       float64    `json:"open_price"`
	Quantity        float64    `json:"quantity"`
	StopLossPrice   float64    `json:"stop_loss_price"`
	TakeProfitPrice float64    `json:"take_profit_price"`
	TrailingDelta   *float64   `json:"trailing_delta"`
	CloseTime       *time.Time `json:"close_time"`
	ClosePrice      *float64   `json:"close_price"`
}

func (s *HTTPServer) getTrades(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	trades, err := s.trades.List(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list trades"})
		return
	}

	out := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeView{
			ID:              t.ID,
			Ticker:          t.Ticker,
			Side:            string(t.Side),
			Status:          string(t.Status),
			OpenTime:        t.OpenTime,
			OpenPrice:       t.OpenPrice,
			Quantity:        t.Quantity,
			StopLossPrice:   t.StopLossPrice,
			TakeProfitPrice: t.TakeProfitPrice,
			TrailingDelta:   t.TrailingDelta,
			CloseTime:       t.CloseTime,
			ClosePrice:      t.ClosePrice,
		})
	}
	c.JSON(http.StatusOK, out)
}
