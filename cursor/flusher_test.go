package cursor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore wraps a MemoryStore and counts writes, optionally failing
// them.
type countingStore struct {
	inner Store

	mu     sync.Mutex
	writes int
	fail   bool
}

func (s *countingStore) Save(ctx context.Context, rec Record) error {
	s.mu.Lock()
	s.writes++
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("backend unavailable")
	}
	return s.inner.Save(ctx, rec)
}

func (s *countingStore) Load(ctx context.Context) (*Record, error) { return s.inner.Load(ctx) }
func (s *countingStore) Clear(ctx context.Context) error           { return s.inner.Clear(ctx) }

func (s *countingStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func TestFlusherBatchesWrites(t *testing.T) {
	cs := &countingStore{inner: NewMemoryStore()}
	f := NewFlusher(cs, time.Second, nil)
	ctx := context.Background()

	// Many saves, one write.
	for i := int64(1); i <= 1000; i++ {
		f.SaveCursor(i)
	}
	f.Flush(ctx)
	assert.Equal(t, 1, cs.writeCount())

	cur, err := f.LoadCursor(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, cur)
}

func TestFlusherSkipsUnchangedCursor(t *testing.T) {
	cs := &countingStore{inner: NewMemoryStore()}
	f := NewFlusher(cs, time.Second, nil)
	ctx := context.Background()

	f.SaveCursor(100)
	f.Flush(ctx)
	f.Flush(ctx)
	f.Flush(ctx)
	assert.Equal(t, 1, cs.writeCount())

	f.SaveCursor(200)
	f.Flush(ctx)
	assert.Equal(t, 2, cs.writeCount())
}

func TestFlusherPendingIsMonotonic(t *testing.T) {
	cs := &countingStore{inner: NewMemoryStore()}
	f := NewFlusher(cs, time.Second, nil)
	ctx := context.Background()

	f.SaveCursor(200)
	f.SaveCursor(100)
	f.Flush(ctx)

	cur, err := f.LoadCursor(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 200, cur)
}

func TestFlusherNothingPending(t *testing.T) {
	cs := &countingStore{inner: NewMemoryStore()}
	f := NewFlusher(cs, time.Second, nil)

	f.Flush(context.Background())
	assert.Zero(t, cs.writeCount())
}

func TestFlusherRetainsPendingOnWriteError(t *testing.T) {
	cs := &countingStore{inner: NewMemoryStore(), fail: true}
	f := NewFlusher(cs, time.Second, nil)
	ctx := context.Background()

	f.SaveCursor(100)
	f.Flush(ctx)
	assert.Equal(t, 1, cs.writeCount())

	// The backend recovers; the next flush retries the same value.
	cs.mu.Lock()
	cs.fail = false
	cs.mu.Unlock()

	f.Flush(ctx)
	assert.Equal(t, 2, cs.writeCount())

	cur, err := f.LoadCursor(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 100, cur)
}

func TestFlusherSaveCursorImmediate(t *testing.T) {
	cs := &countingStore{inner: NewMemoryStore()}
	f := NewFlusher(cs, time.Hour, nil)
	ctx := context.Background()

	f.SaveCursorImmediate(ctx, 42)
	assert.Equal(t, 1, cs.writeCount())

	cur, err := f.LoadCursor(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 42, cur)
}

func TestFlusherClearCursor(t *testing.T) {
	cs := &countingStore{inner: NewMemoryStore()}
	f := NewFlusher(cs, time.Second, nil)
	ctx := context.Background()

	f.SaveCursorImmediate(ctx, 100)
	require.NoError(t, f.ClearCursor(ctx))

	cur, err := f.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, cur)

	// Batching slots were reset too; nothing pending to re-flush.
	f.Flush(ctx)
	cur, err = f.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, cur)
}

func TestFlusherAutoSave(t *testing.T) {
	cs := &countingStore{inner: NewMemoryStore()}
	f := NewFlusher(cs, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.StartAutoSave(ctx)
	f.SaveCursor(123)

	assert.Eventually(t, func() bool { return cs.writeCount() >= 1 }, time.Second, 5*time.Millisecond)

	// Stop performs a final flush of anything still pending.
	f.SaveCursor(456)
	f.StopAutoSave()

	assert.Eventually(t, func() bool {
		cur, err := f.LoadCursor(context.Background())
		return err == nil && cur == 456
	}, time.Second, 5*time.Millisecond)
}

func TestFlusherLoadCursorEmpty(t *testing.T) {
	f := NewFlusher(NewMemoryStore(), time.Second, nil)
	cur, err := f.LoadCursor(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cur)
}

func TestFlusherLoadCursorBadValue(t *testing.T) {
	ms := NewMemoryStore()
	require.NoError(t, ms.Save(context.Background(), Record{Cursor: "not-a-number"}))

	f := NewFlusher(ms, time.Second, nil)
	_, err := f.LoadCursor(context.Background())
	assert.Error(t, err)
}
