package storage

import (
	"database/sql"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS trade (
		id BIGSERIAL PRIMARY KEY,
		ticker TEXT NOT NULL,
		side TEXT NOT NULL,
		open_time BIGINT NOT NULL,
		open_price DOUBLE PRECISION NOT NULL,
		open_order_id TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		stop_loss_price DOUBLE PRECISION NOT NULL,
		take_profit_price DOUBLE PRECISION NOT NULL,
		trailing_delta DOUBLE PRECISION,
		stop_loss_order_id TEXT,
		take_profit_order_id TEXT,
		close_time BIGINT,
		close_price DOUBLE PRECISION,
		close_order_id TEXT,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS trade_ticker_status ON trade (ticker, status);
`

func NewPostgresTradeStore(dsn string, logger *zap.Logger) (TradeStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("postgres")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Postgres trade store opened")
	return &sqlStore{db: db, schema: postgresSchema, numbered: true, logger: logger}, nil
}
