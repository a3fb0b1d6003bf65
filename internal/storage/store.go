package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crypto-ml-trader/internal/model"
	"crypto-ml-trader/internal/service"

	"go.uber.org/zap"
)

// TradeStore persists trades. Insert assigns the id; Update rewrites a row by id.
type TradeStore interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, trade *model.Trade) (int64, error)
	Update(ctx context.Context, trade *model.Trade) error
	// LastOpen returns the newest non-closed trade of ticker, nil if there is none.
	LastOpen(ctx context.Context, ticker string) (*model.Trade, error)
	// LastClosed returns the newest closed trade of ticker, nil if there is none.
	LastClosed(ctx context.Context, ticker string) (*model.Trade, error)
	List(ctx context.Context, limit int) ([]model.Trade, error)
	Close() error
}

// Open builds the store selected by storage.driver.
func Open(cfg *service.Config, logger *zap.Logger) (TradeStore, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return NewSQLiteTradeStore(cfg.SQLiteDSN(), logger)
	case "postgres":
		return NewPostgresTradeStore(cfg.Storage.DSN, logger)
	}
	return nil, fmt.Errorf("%w: unknown storage driver %q", service.ErrFatal, cfg.Storage.Driver)
}

const tradeColumns = `id, ticker, side, open_time, open_price, open_order_id, quantity,
	stop_loss_price, take_profit_price, trailing_delta, stop_loss_order_id, take_profit_order_id,
	close_time, close_price, close_order_id, status`

// sqlStore is the dialect-neutral part of both stores. Queries are written
// with '?' placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	schema   string
	numbered bool
	logger   *zap.Logger
}

func (s *sqlStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.schema); err != nil {
		return fmt.Errorf("failed to create trade table: %w", err)
	}
	return nil
}

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Insert(ctx context.Context, trade *model.Trade) (int64, error) {
	query := s.rebind(`
		INSERT INTO trade (ticker, side, open_time, open_price, open_order_id, quantity,
			stop_loss_price, take_profit_price, trailing_delta, stop_loss_order_id, take_profit_order_id,
			close_time, close_price, close_order_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		trade.Ticker, string(trade.Side), trade.OpenTime.UnixMilli(), trade.OpenPrice, trade.OpenOrderID, trade.Quantity,
		trade.StopLossPrice, trade.TakeProfitPrice, nullFloat(trade.TrailingDelta),
		nullString(trade.StopLossOrderID), nullString(trade.TakeProfitOrderID),
		nullMillis(trade.CloseTime), nullFloat(trade.ClosePrice), nullString(trade.CloseOrderID),
		string(trade.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade: %w", err)
	}
	trade.ID = id
	s.logger.Debug("Trade inserted", zap.Int64("ID", id), zap.String("Ticker", trade.Ticker))
	return id, nil
}

func (s *sqlStore) Update(ctx context.Context, trade *model.Trade) error {
	query := s.rebind(`
		UPDATE trade SET stop_loss_price = ?, take_profit_price = ?, trailing_delta = ?,
			stop_loss_order_id = ?, take_profit_order_id = ?,
			close_time = ?, close_price = ?, close_order_id = ?, status = ?
		WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query,
		trade.StopLossPrice, trade.TakeProfitPrice, nullFloat(trade.TrailingDelta),
		nullString(trade.StopLossOrderID), nullString(trade.TakeProfitOrderID),
		nullMillis(trade.CloseTime), nullFloat(trade.ClosePrice), nullString(trade.CloseOrderID),
		string(trade.Status), trade.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trade %d: %w", trade.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update trade %d: no such row", trade.ID)
	}
	return nil
}

func (s *sqlStore) LastOpen(ctx context.Context, ticker string) (*model.Trade, error) {
	query := s.rebind(`SELECT ` + tradeColumns + ` FROM trade
		WHERE ticker = ? AND status <> ? ORDER BY id DESC LIMIT 1`)
	return s.one(ctx, query, ticker, string(model.TradeClosed))
}

func (s *sqlStore) LastClosed(ctx context.Context, ticker string) (*model.Trade, error) {
	query := s.rebind(`SELECT ` + tradeColumns + ` FROM trade
		WHERE ticker = ? AND status = ? ORDER BY id DESC LIMIT 1`)
	return s.one(ctx, query, ticker, string(model.TradeClosed))
}

func (s *sqlStore) List(ctx context.Context, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT ` + tradeColumns + ` FROM trade ORDER BY id DESC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) one(ctx context.Context, query string, args ...interface{}) (*model.Trade, error) {
	trade, err := scanTrade(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return trade, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row scanner) (*model.Trade, error) {
	var (
		t                         model.Trade
		side, status              string
		openTime                  int64
		trailing, closePrice      sql.NullFloat64
		slOrder, tpOrder, clOrder sql.NullString
		closeTime                 sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.Ticker, &side, &openTime, &t.OpenPrice, &t.OpenOrderID, &t.Quantity,
		&t.StopLossPrice, &t.TakeProfitPrice, &trailing, &slOrder, &tpOrder,
		&closeTime, &closePrice, &clOrder, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan trade: %w", err)
	}

	t.Side = model.Side(side)
	t.Status = model.TradeStatus(status)
	t.OpenTime = time.UnixMilli(openTime).UTC()
	if trailing.Valid {
		t.TrailingDelta = &trailing.Float64
	}
	if slOrder.Valid {
		t.StopLossOrderID = &slOrder.String
	}
	if tpOrder.Valid {
		t.TakeProfitOrderID = &tpOrder.String
	}
	if closeTime.Valid {
		at := time.UnixMilli(closeTime.Int64).UTC()
		t.CloseTime = &at
	}
	if closePrice.Valid {
		t.ClosePrice = &closePrice.Float64
	}
	if clOrder.Valid {
		t.CloseOrderID = &clOrder.String
	}
	return &t, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullMillis(v *time.Time) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v.UnixMilli(), Valid: true}
}
