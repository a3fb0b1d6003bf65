package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the validated, typed view of the flat dotted configuration keys.
type Config struct {
	Tickers         []string
	Exchange        string
	DataDir         string
	StrategyName    string
	LogLevel        string
	PricePrecision  int32
	AmountPrecision int32

	Order    OrderConfig
	Strategy StrategyConfig
	Feed     FeedConfig
	Broker   BrokerConfig
	Storage  StorageConfig
	Metrics  MetricsConfig
	OKX      OKXConfig
	Paper    PaperConfig
}

type OrderConfig struct {
	Quantity float64
}

// StrategyConfig holds the model, signal and risk parameters.
type StrategyConfig struct {
	Target           string // "signal" or "range"
	LearnInterval    time.Duration
	PredictWindow    time.Duration
	PastWindow       time.Duration
	HistoryMaxWindow time.Duration
	ProfitLossRatio  float64
	StopLossMinCoeff float64
	StopLossMaxCoeff float64
	ProfitMinCoeff   float64
	ProfitMaxCoeff   float64
	Fee              float64
	WaitAfterLoss    time.Duration

	TrailingDeltaMin     float64
	TrailingDeltaMax     float64
	TrailingMoveInterval time.Duration

	LearnEpochs  int
	LearnBatch   int
	LearnMinRows int
	ModelHidden  int
	WeightsKeep  int
}

type FeedConfig struct {
	CandleIntervals []time.Duration
	CandleCounts    []int
	AliveTimeout    time.Duration
}

type BrokerConfig struct {
	OrderTimeout      time.Duration
	StatusRetries     int
	ReconcileInterval time.Duration
}

type StorageConfig struct {
	Driver string // sqlite | postgres
	DSN    string
}

type MetricsConfig struct {
	Addr     string
	Token    string
	GRPCAddr string
}

// OKXConfig holds the OKX connection information.
type OKXConfig struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	WSPublic   string
	WSPrivate  string
	WSBusiness string
	RESTURL    string
}

type PaperConfig struct {
	Balance float64
	Quote   string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange", "paper")
	v.SetDefault("data.dir", "data")
	v.SetDefault("strategy.name", "lgb_trailing")
	v.SetDefault("log.level", "info")
	v.SetDefault("price.precision", 2)
	v.SetDefault("amount.precision", 6)

	v.SetDefault("strategy.target", "signal")
	v.SetDefault("strategy.learn.interval.sec", 60)
	v.SetDefault("strategy.predict.window", "10m")
	v.SetDefault("strategy.past.window", "10m")
	v.SetDefault("strategy.history.max.window", "30m")
	v.SetDefault("strategy.profitloss.ratio", 4.0)
	v.SetDefault("strategy.stoploss.min.coeff", 0.0)
	v.SetDefault("strategy.stoploss.max.coeff", 0.0)
	v.SetDefault("strategy.profit.min.coeff", 0.0)
	v.SetDefault("strategy.profit.max.coeff", 0.0)
	v.SetDefault("strategy.fee", 0.0)
	v.SetDefault("strategy.riskmanager.wait_after_loss", "60s")
	v.SetDefault("strategy.trailing.delta.min", 0.0)
	v.SetDefault("strategy.trailing.delta.max", 0.0)
	v.SetDefault("strategy.trailing.move.interval.sec", 10)
	v.SetDefault("strategy.learn.epochs", 20)
	v.SetDefault("strategy.learn.batch", 64)
	v.SetDefault("strategy.learn.min.rows", 30)
	v.SetDefault("strategy.model.hidden", 32)
	v.SetDefault("strategy.weights.keep", 5)

	v.SetDefault("feed.candles.periods", "1m,5m")
	v.SetDefault("feed.candles.counts", "20,10")
	v.SetDefault("feed.alive.sec", 60)

	v.SetDefault("broker.order.timeout.sec", 10)
	v.SetDefault("broker.status.retries", 3)
	v.SetDefault("broker.reconcile.interval.sec", 30)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("metrics.addr", ":8000")
	v.SetDefault("grpc.addr", ":8001")

	v.SetDefault("okx.ws.public", "wss://ws.okx.com:8443/ws/v5/public")
	v.SetDefault("okx.ws.private", "wss://ws.okx.com:8443/ws/v5/private")
	v.SetDefault("okx.ws.business", "wss://ws.okx.com:8443/ws/v5/business")
	v.SetDefault("okx.rest.url", "https://www.okx.com")

	v.SetDefault("paper.balance", 10000.0)
	v.SetDefault("paper.quote", "USDT")
}

// LoadConfig reads config.yaml from configPath (a directory or a file),
// applies TRADER_* environment overrides and validates the result.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configPath)
	}

	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: config file not found in %s: %v", ErrFatal, configPath, err)
		}
		return nil, fmt.Errorf("%w: error reading config file: %v", ErrFatal, err)
	}

	return FromViper(v)
}

// FromViper decodes and validates a populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	cfg := &Config{
		Tickers:         listOf(v.Get("tickers")),
		Exchange:        v.GetString("exchange"),
		DataDir:         v.GetString("data.dir"),
		StrategyName:    v.GetString("strategy.name"),
		LogLevel:        v.GetString("log.level"),
		PricePrecision:  v.GetInt32("price.precision"),
		AmountPrecision: v.GetInt32("amount.precision"),
		Order:           OrderConfig{Quantity: v.GetFloat64("order.quantity")},
		Strategy: StrategyConfig{
			Target:           v.GetString("strategy.target"),
			ProfitLossRatio:  v.GetFloat64("strategy.profitloss.ratio"),
			StopLossMinCoeff: v.GetFloat64("strategy.stoploss.min.coeff"),
			StopLossMaxCoeff: v.GetFloat64("strategy.stoploss.max.coeff"),
			ProfitMinCoeff:   v.GetFloat64("strategy.profit.min.coeff"),
			ProfitMaxCoeff:   v.GetFloat64("strategy.profit.max.coeff"),
			Fee:              v.GetFloat64("strategy.fee"),
			TrailingDeltaMin: v.GetFloat64("strategy.trailing.delta.min"),
			TrailingDeltaMax: v.GetFloat64("strategy.trailing.delta.max"),
			LearnEpochs:      v.GetInt("strategy.learn.epochs"),
			LearnBatch:       v.GetInt("strategy.learn.batch"),
			LearnMinRows:     v.GetInt("strategy.learn.min.rows"),
			ModelHidden:      v.GetInt("strategy.model.hidden"),
			WeightsKeep:      v.GetInt("strategy.weights.keep"),
		},
		Broker: BrokerConfig{
			StatusRetries: v.GetInt("broker.status.retries"),
		},
		Storage: StorageConfig{
			Driver: v.GetString("storage.driver"),
			DSN:    v.GetString("storage.dsn"),
		},
		Metrics: MetricsConfig{
			Addr:     v.GetString("metrics.addr"),
			Token:    v.GetString("metrics.token"),
			GRPCAddr: v.GetString("grpc.addr"),
		},
		OKX: OKXConfig{
			APIKey:     v.GetString("okx.api.key"),
			SecretKey:  v.GetString("okx.secret.key"),
			Passphrase: v.GetString("okx.passphrase"),
			WSPublic:   v.GetString("okx.ws.public"),
			WSPrivate:  v.GetString("okx.ws.private"),
			WSBusiness: v.GetString("okx.ws.business"),
			RESTURL:    v.GetString("okx.rest.url"),
		},
		Paper: PaperConfig{
			Balance: v.GetFloat64("paper.balance"),
			Quote:   v.GetString("paper.quote"),
		},
	}

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"strategy.learn.interval.sec", &cfg.Strategy.LearnInterval},
		{"strategy.predict.window", &cfg.Strategy.PredictWindow},
		{"strategy.past.window", &cfg.Strategy.PastWindow},
		{"strategy.history.max.window", &cfg.Strategy.HistoryMaxWindow},
		{"strategy.riskmanager.wait_after_loss", &cfg.Strategy.WaitAfterLoss},
		{"strategy.trailing.move.interval.sec", &cfg.Strategy.TrailingMoveInterval},
		{"feed.alive.sec", &cfg.Feed.AliveTimeout},
		{"broker.order.timeout.sec", &cfg.Broker.OrderTimeout},
		{"broker.reconcile.interval.sec", &cfg.Broker.ReconcileInterval},
	}
	for _, d := range durations {
		parsed, err := parseDuration(v.Get(d.key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
			continue
		}
		*d.dst = parsed
	}

	for _, p := range listOf(v.Get("feed.candles.periods")) {
		interval, err := ParseIntervalDuration(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("feed.candles.periods: %w", err))
			continue
		}
		cfg.Feed.CandleIntervals = append(cfg.Feed.CandleIntervals, interval)
	}
	for _, c := range listOf(v.Get("feed.candles.counts")) {
		n, err := strconv.Atoi(c)
		if err != nil {
			errs = append(errs, fmt.Errorf("feed.candles.counts: %w", err))
			continue
		}
		cfg.Feed.CandleCounts = append(cfg.Feed.CandleCounts, n)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrFatal, errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: config validation failed: %v", ErrFatal, err)
	}
	return cfg, nil
}

// Validate performs the load-time checks of the typed configuration.
func (c *Config) Validate() error {
	if len(c.Tickers) == 0 {
		return fmt.Errorf("tickers cannot be empty")
	}
	if len(c.Tickers) > 1 {
		return fmt.Errorf("exactly one ticker is supported, got %v", c.Tickers)
	}
	if c.Exchange == "" {
		return fmt.Errorf("exchange cannot be empty")
	}
	if c.Order.Quantity <= 0 {
		return fmt.Errorf("order.quantity must be greater than 0")
	}
	if c.Strategy.Target != "signal" && c.Strategy.Target != "range" {
		return fmt.Errorf("strategy.target must be signal or range, got %q", c.Strategy.Target)
	}
	if c.Strategy.LearnInterval <= 0 || c.Strategy.PredictWindow <= 0 || c.Strategy.PastWindow <= 0 {
		return fmt.Errorf("learn interval, predict and past windows must be positive")
	}
	if c.Strategy.HistoryMaxWindow < c.Strategy.PastWindow {
		return fmt.Errorf("strategy.history.max.window must cover strategy.past.window")
	}
	if c.Strategy.ProfitLossRatio <= 0 {
		return fmt.Errorf("strategy.profitloss.ratio must be greater than 0")
	}
	for key, coeff := range map[string]float64{
		"strategy.stoploss.min.coeff": c.Strategy.StopLossMinCoeff,
		"strategy.stoploss.max.coeff": c.Strategy.StopLossMaxCoeff,
		"strategy.profit.min.coeff":   c.Strategy.ProfitMinCoeff,
		"strategy.profit.max.coeff":   c.Strategy.ProfitMaxCoeff,
	} {
		if coeff < 0 || coeff >= 1 {
			return fmt.Errorf("%s must be in [0, 1), got %v", key, coeff)
		}
	}
	if c.Strategy.StopLossMaxCoeff > 0 && c.Strategy.StopLossMaxCoeff < c.Strategy.StopLossMinCoeff {
		return fmt.Errorf("strategy.stoploss.max.coeff is below strategy.stoploss.min.coeff")
	}
	if c.Strategy.ProfitMaxCoeff > 0 && c.Strategy.ProfitMaxCoeff < c.Strategy.ProfitMinCoeff {
		return fmt.Errorf("strategy.profit.max.coeff is below strategy.profit.min.coeff")
	}
	if c.Strategy.TrailingDeltaMax > 0 && c.Strategy.TrailingDeltaMax < c.Strategy.TrailingDeltaMin {
		return fmt.Errorf("strategy.trailing.delta.max is below strategy.trailing.delta.min")
	}
	if c.Strategy.LearnEpochs <= 0 || c.Strategy.LearnBatch <= 0 || c.Strategy.ModelHidden <= 0 {
		return fmt.Errorf("learn epochs, batch and model hidden units must be positive")
	}
	if c.Strategy.WeightsKeep < 1 {
		return fmt.Errorf("strategy.weights.keep must be at least 1")
	}
	if len(c.Feed.CandleIntervals) == 0 {
		return fmt.Errorf("feed.candles.periods cannot be empty")
	}
	if len(c.Feed.CandleIntervals) != len(c.Feed.CandleCounts) {
		return fmt.Errorf("feed.candles.periods and feed.candles.counts differ in length")
	}
	if c.Broker.OrderTimeout <= 0 {
		return fmt.Errorf("broker.order.timeout.sec must be positive")
	}
	if c.Storage.Driver != "sqlite" && c.Storage.Driver != "postgres" {
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn cannot be empty for postgres")
	}
	return nil
}

// StrategyDir is data_dir/<strategy>.
func (c *Config) StrategyDir() string {
	return filepath.Join(c.DataDir, c.StrategyName)
}

// SQLiteDSN falls back to a database file inside the strategy directory.
func (c *Config) SQLiteDSN() string {
	if c.Storage.DSN != "" {
		return c.Storage.DSN
	}
	return filepath.Join(c.StrategyDir(), c.StrategyName+".db")
}

// listOf accepts either a YAML list or a comma separated string.
func listOf(raw interface{}) []string {
	var parts []string
	switch val := raw.(type) {
	case nil:
		return nil
	case []string:
		parts = val
	case []interface{}:
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
	default:
		parts = strings.Split(fmt.Sprint(val), ",")
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDuration accepts plain numbers as seconds, Go durations ("90s", "10m")
// and the "10min" spelling used by older configs.
func parseDuration(raw interface{}) (time.Duration, error) {
	switch val := raw.(type) {
	case int:
		return time.Duration(val) * time.Second, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	case time.Duration:
		return val, nil
	}

	s := strings.TrimSpace(fmt.Sprint(raw))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	s = strings.Replace(s, "min", "m", 1)
	return time.ParseDuration(s)
}
