package cursor

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cursorWritesCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cursor_backend_writes_total",
	Help: "Writes committed to the cursor backend",
})

var cursorWriteErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cursor_backend_write_errors_total",
	Help: "Failed cursor backend writes",
})

// Flusher batches cursor saves in front of a Store. Saves land in a
// pending slot holding only the latest value; a periodic flush writes to
// the backend iff the pending cursor changed since the last write.
type Flusher struct {
	store    Store
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	pending   int64
	lastSaved int64

	tickMu   sync.Mutex
	stopTick chan struct{}
}

func NewFlusher(store Store, interval time.Duration, log *slog.Logger) *Flusher {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Flusher{
		store:    store,
		interval: interval,
		log:      log,
	}
}

// SaveCursor records timeUS as pending without writing. The pending slot
// is monotonic: an older value never replaces a newer one.
func (f *Flusher) SaveCursor(timeUS int64) {
	f.mu.Lock()
	if timeUS > f.pending {
		f.pending = timeUS
	}
	f.mu.Unlock()
}

// SaveCursorImmediate records and flushes in one step.
func (f *Flusher) SaveCursorImmediate(ctx context.Context, timeUS int64) {
	f.SaveCursor(timeUS)
	f.Flush(ctx)
}

// LoadCursor returns the most recently persisted cursor, or zero if none.
func (f *Flusher) LoadCursor(ctx context.Context) (int64, error) {
	rec, err := f.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	if rec == nil || rec.Cursor == "" {
		return 0, nil
	}
	cur, err := strconv.ParseInt(rec.Cursor, 10, 64)
	if err != nil {
		return 0, err
	}
	return cur, nil
}

// ClearCursor removes persisted state and resets the batching slots.
func (f *Flusher) ClearCursor(ctx context.Context) error {
	f.mu.Lock()
	f.pending = 0
	f.lastSaved = 0
	f.mu.Unlock()
	return f.store.Clear(ctx)
}

// Flush writes the pending value if and only if it differs from the last
// saved value. Idempotent. Write errors are logged and counted; the
// pending value is retained for the next flush.
func (f *Flusher) Flush(ctx context.Context) {
	f.mu.Lock()
	pending := f.pending
	last := f.lastSaved
	f.mu.Unlock()

	if pending == 0 || pending == last {
		return
	}

	rec := Record{
		Cursor:  strconv.FormatInt(pending, 10),
		SavedAt: time.Now().UTC(),
	}
	if err := f.store.Save(ctx, rec); err != nil {
		cursorWriteErrorsCounter.Inc()
		f.log.Error("failed to persist cursor", "cursor", pending, "error", err)
		return
	}
	cursorWritesCounter.Inc()

	f.mu.Lock()
	if pending > f.lastSaved {
		f.lastSaved = pending
	}
	f.mu.Unlock()
}

// StartAutoSave begins periodic flushing. Stopping happens via
// StopAutoSave or context cancellation; a final flush is attempted either
// way.
func (f *Flusher) StartAutoSave(ctx context.Context) {
	f.tickMu.Lock()
	if f.stopTick != nil {
		f.tickMu.Unlock()
		return
	}
	stop := make(chan struct{})
	f.stopTick = stop
	f.tickMu.Unlock()

	go func() {
		tick := time.NewTicker(f.interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				f.Flush(ctx)
			case <-stop:
				f.Flush(context.Background())
				return
			case <-ctx.Done():
				f.Flush(context.Background())
				return
			}
		}
	}()
}

func (f *Flusher) StopAutoSave() {
	f.tickMu.Lock()
	if f.stopTick != nil {
		close(f.stopTick)
		f.stopTick = nil
	}
	f.tickMu.Unlock()
}
