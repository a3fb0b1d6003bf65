package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS trade (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker TEXT NOT NULL,
		side TEXT NOT NULL,
		open_time INTEGER NOT NULL,
		open_price REAL NOT NULL,
		open_order_id TEXT NOT NULL,
		quantity REAL NOT NULL,
		stop_loss_price REAL NOT NULL,
		take_profit_price REAL NOT NULL,
		trailing_delta REAL,
		stop_loss_order_id TEXT,
		take_profit_order_id TEXT,
		close_time INTEGER,
		close_price REAL,
		close_order_id TEXT,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS trade_ticker_status ON trade (ticker, status);
`

// NewSQLiteTradeStore opens (and creates if needed) the database at dsn.
// ":memory:" is accepted for tests.
func NewSQLiteTradeStore(dsn string, logger *zap.Logger) (TradeStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sqlite")

	if !strings.HasPrefix(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		logger.Warn("Failed to set WAL mode", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		logger.Warn("Failed to set synchronous mode", zap.Error(err))
	}

	logger.Info("SQLite trade store opened", zap.String("DSN", dsn))
	return &sqlStore{db: db, schema: sqliteSchema, logger: logger}, nil
}
