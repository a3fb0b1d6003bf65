package feed

import (
	"sort"
	"sync"
	"time"

	"crypto-ml-trader/internal/model"
)

// Notifier is the new_data_event shared by all feeds of a strategy.
// Signals coalesce: one pending signal is enough to wake the orchestrator.
type Notifier struct {
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

func (n *Notifier) Signal() {
	if n == nil {
		return
	}
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *Notifier) C() <-chan struct{} {
	return n.ch
}

// Window is a time-indexed feed: pushed events land in buf, ApplyBuf merges
// them into rows under the same lock and drops rows that left the retention.
type Window[T model.Timed] struct {
	name      string
	retention time.Duration
	notify    *Notifier
	now       func() time.Time

	mu        sync.RWMutex
	buf       []T
	rows      []T
	lastEvent time.Time
}

func NewWindow[T model.Timed](name string, retention time.Duration, notify *Notifier) *Window[T] {
	return &Window[T]{
		name:      name,
		retention: retention,
		notify:    notify,
		now:       time.Now,
	}
}

func (w *Window[T]) Name() string { return w.name }

// OnEvent buffers items and raises the new data signal. Never blocks on anything but the lock.
func (w *Window[T]) OnEvent(items ...T) {
	if len(items) == 0 {
		return
	}
	w.mu.Lock()
	w.buf = append(w.buf, items...)
	w.lastEvent = w.now()
	w.mu.Unlock()

	w.notify.Signal()
}

// ApplyBuf moves the buffer into the canonical rows and purges old rows.
// It returns the number of merged events; an empty buffer is a no-op.
func (w *Window[T]) ApplyBuf() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.buf)
	if n == 0 {
		return 0
	}

	merged := append(w.rows, w.buf...)
	w.buf = nil
	if !isSorted(merged) {
		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].Time().Before(merged[j].Time())
		})
	}
	w.rows = purge(merged, w.retention)
	return n
}

// Snapshot returns a copy of the merged rows.
func (w *Window[T]) Snapshot() []T {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]T, len(w.rows))
	copy(out, w.rows)
	return out
}

// Last returns the newest merged row.
func (w *Window[T]) Last() (T, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var zero T
	if len(w.rows) == 0 {
		return zero, false
	}
	return w.rows[len(w.rows)-1], true
}

func (w *Window[T]) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.rows)
}

// BufLen is the number of events waiting for the next ApplyBuf.
func (w *Window[T]) BufLen() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.buf)
}

// IsAlive is true iff the last event arrived within d.
func (w *Window[T]) IsAlive(d time.Duration) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.lastEvent.IsZero() {
		return false
	}
	return w.now().Sub(w.lastEvent) <= d
}

func isSorted[T model.Timed](rows []T) bool {
	for i := 1; i < len(rows); i++ {
		if rows[i].Time().Before(rows[i-1].Time()) {
			return false
		}
	}
	return true
}

// purge drops rows with time <= max_time - retention. rows must be sorted.
func purge[T model.Timed](rows []T, retention time.Duration) []T {
	if len(rows) == 0 || retention <= 0 {
		return rows
	}
	cutoff := rows[len(rows)-1].Time().Add(-retention)
	first := sort.Search(len(rows), func(i int) bool {
		return rows[i].Time().After(cutoff)
	})
	if first == 0 {
		return rows
	}
	return append([]T(nil), rows[first:]...)
}
