package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"crypto-ml-trader/internal/api"
	"crypto-ml-trader/internal/app"
	"crypto-ml-trader/internal/bus"
	"crypto-ml-trader/internal/exchange"
	"crypto-ml-trader/internal/metrics"
	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/server"
	"crypto-ml-trader/internal/service"
	"crypto-ml-trader/internal/storage"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config", "config directory or config.yaml path")
	flag.Parse()

	cfg, err := service.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	service.InitLogger(cfg.LogLevel)
	defer service.Logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, service.Logger); err != nil {
		service.Logger.Fatal("Trader stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *service.Config, logger *zap.Logger) error {
	logger.Info("Starting trader",
		zap.String("Strategy", cfg.StrategyName),
		zap.String("Exchange", cfg.Exchange),
		zap.Strings("Tickers", cfg.Tickers))

	store, err := storage.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init trade store: %w", err)
	}

	reg := metrics.NewRegistry("trader")
	b := bus.New(logger)

	ex, err := exchange.New(cfg.Exchange, exchange.Deps{Config: cfg, Bus: b, Logger: logger})
	if err != nil {
		return err
	}
	storage.NewBalanceWriter(filepath.Join(cfg.StrategyDir(), "account"), logger).Subscribe(b)
	b.Account.Subscribe(func(balances []model.Balance) {
		for _, bal := range balances {
			reg.Set(metrics.GaugeBalancePrefix+bal.Asset, bal.Balance)
		}
	})

	// market data always comes from OKX; account pushes only when trading there
	okxCfg := cfg.OKX
	if cfg.Exchange != "okx" {
		okxCfg.APIKey, okxCfg.SecretKey, okxCfg.Passphrase = "", "", ""
	}

	strategy := app.NewStrategy(cfg, ex, store, reg, logger)
	connector, err := api.NewConnector(okxCfg, strategy.Symbol, cfg.Feed.CandleIntervals, b, logger)
	if err != nil {
		return err
	}
	strategy.Subscribe(b)
	if err := strategy.Restore(ctx); err != nil {
		return fmt.Errorf("restore strategy: %w", err)
	}

	if balances, err := ex.GetBalance(ctx); err != nil {
		logger.Warn("Failed to fetch initial balance", zap.Error(err))
	} else if len(balances) > 0 {
		b.Account.Publish(balances)
	}

	httpSrv := server.NewHTTPServer(cfg.Metrics.Addr, cfg.Metrics.Token, reg, store, strategy.Alive, logger)
	var health *server.HealthServer
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.Start(); err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	if cfg.Metrics.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Metrics.GRPCAddr)
		if err != nil {
			return fmt.Errorf("%w: listen %s: %v", service.ErrFatal, cfg.Metrics.GRPCAddr, err)
		}
		health = server.NewHealthServer(strategy.Alive, logger)
		wg.Add(2)
		go func() {
			defer wg.Done()
			health.Watch(ctx, 5*time.Second)
		}()
		go func() {
			defer wg.Done()
			if err := health.Serve(lis); err != nil {
				logger.Error("gRPC server failed", zap.Error(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		connector.Run(ctx)
	}()

	app.NewOrchestrator(strategy, app.OptionsFrom(cfg), reg, logger).Run(ctx)

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("HTTP shutdown failed", zap.Error(err))
	}
	if health != nil {
		health.Stop()
	}
	wg.Wait()

	if trade := strategy.Broker.CurrentTrade(); trade != nil {
		logger.Warn("Exiting with an open trade, it is restored on the next start", zap.Stringer("Trade", trade))
	}
	return nil
}
