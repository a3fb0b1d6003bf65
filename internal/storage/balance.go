package storage

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"crypto-ml-trader/internal/bus"
	"crypto-ml-trader/internal/model"

	"go.uber.org/zap"
)

var balanceHeader = []string{"time", "asset", "balance", "available"}

// BalanceWriter appends account snapshots to one CSV file per UTC day:
// <dir>/<YYYY-MM-DD>_balance.csv.
type BalanceWriter struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

func NewBalanceWriter(dir string, logger *zap.Logger) *BalanceWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalanceWriter{dir: dir, logger: logger.Named("balance")}
}

// Subscribe attaches the writer to the account stream.
func (w *BalanceWriter) Subscribe(b *bus.Bus) {
	b.Account.Subscribe(func(balances []model.Balance) {
		if err := w.Append(balances); err != nil {
			w.logger.Error("Failed to append balances", zap.Error(err))
		}
	})
}

// Path is the file rows stamped at t go to.
func (w *BalanceWriter) Path(t time.Time) string {
	return filepath.Join(w.dir, t.UTC().Format("2006-01-02")+"_balance.csv")
}

func (w *BalanceWriter) Append(balances []model.Balance) error {
	if len(balances) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	// Group by day so a snapshot straddling midnight lands in both files.
	byPath := make(map[string][]model.Balance)
	var order []string
	for _, b := range balances {
		p := w.Path(b.Time)
		if _, ok := byPath[p]; !ok {
			order = append(order, p)
		}
		byPath[p] = append(byPath[p], b)
	}

	for _, p := range order {
		if err := appendBalances(p, byPath[p]); err != nil {
			return err
		}
	}
	return nil
}

func appendBalances(path string, balances []model.Balance) error {
	_, statErr := os.Stat(path)
	fresh := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if fresh {
		if err := cw.Write(balanceHeader); err != nil {
			return err
		}
	}
	for _, b := range balances {
		rec := []string{
			b.Time.UTC().Format(time.RFC3339),
			b.Asset,
			strconv.FormatFloat(b.Balance, 'f', -1, 64),
			strconv.FormatFloat(b.Available, 'f', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
