package jetstream

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Endpoint = "wss://example.test/subscribe"
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, nil, nil)
	require.NoError(t, err)
	return c
}

func frame(t *testing.T, timeUS int64, text string) []byte {
	t.Helper()
	evt := commitEvent(OpCreate, CollectionPost, text)
	evt.TimeUS = timeUS
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	return data
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	_, err := NewClient(Config{}, nil, nil)
	assert.Error(t, err)
}

func TestSubscribeURL(t *testing.T) {
	c := testClient(t, nil)

	s, err := c.subscribeURL()
	require.NoError(t, err)

	u, err := url.Parse(s)
	require.NoError(t, err)
	assert.Equal(t, []string{CollectionPost}, u.Query()["wantedCollections"])
	assert.Empty(t, u.Query().Get("cursor"))
	assert.Empty(t, u.Query().Get("compress"))
}

func TestSubscribeURLWithCursorAndCompress(t *testing.T) {
	c := testClient(t, func(cfg *Config) { cfg.Compress = true })
	c.SetLastCursor(1725911162329308)

	s, err := c.subscribeURL()
	require.NoError(t, err)

	u, err := url.Parse(s)
	require.NoError(t, err)
	assert.Equal(t, "1725911162329308", u.Query().Get("cursor"))
	assert.Equal(t, "true", u.Query().Get("compress"))
}

func TestBackoffDelayBounds(t *testing.T) {
	c := testClient(t, func(cfg *Config) {
		cfg.InitialBackoff = time.Second
		cfg.MaxBackoff = 30 * time.Second
	})

	for attempt := 0; attempt < 20; attempt++ {
		base := time.Second
		for i := 0; i < attempt && base < 30*time.Second; i++ {
			base *= 2
		}
		if base > 30*time.Second {
			base = 30 * time.Second
		}

		for i := 0; i < 50; i++ {
			d := c.backoffDelay(attempt)
			assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
			assert.LessOrEqual(t, d, base+base/4, "attempt %d", attempt)
		}
	}
}

func TestHandleFrameAdvancesCursor(t *testing.T) {
	c := testClient(t, nil)

	c.handleFrame(frame(t, 100, "first"))
	assert.EqualValues(t, 100, c.LastCursor())

	c.handleFrame(frame(t, 200, "second"))
	assert.EqualValues(t, 200, c.LastCursor())

	// Out-of-order frames never move the cursor backwards.
	c.handleFrame(frame(t, 150, "stale"))
	assert.EqualValues(t, 200, c.LastCursor())
}

func TestHandleFrameCountsParseErrors(t *testing.T) {
	c := testClient(t, nil)

	c.handleFrame([]byte("not json at all"))
	c.handleFrame([]byte(`{"kind": 42}`))

	m := c.Metrics()
	assert.EqualValues(t, 2, m.MessagesReceived)
	assert.EqualValues(t, 2, m.ParseErrors)
	assert.EqualValues(t, 0, m.PostsProcessed)
}

func TestHandleFramePublishesPosts(t *testing.T) {
	c := testClient(t, nil)
	sub := c.Posts()
	defer sub.Close()

	c.handleFrame(frame(t, 100, "a tesla post"))

	select {
	case pe := <-sub.Events():
		assert.Equal(t, "a tesla post", pe.Text)
		assert.EqualValues(t, 100, pe.TimeUS)
	case <-time.After(time.Second):
		t.Fatal("no post published")
	}

	m := c.Metrics()
	assert.EqualValues(t, 1, m.PostsProcessed)
	assert.EqualValues(t, 1, m.Subscribers)
}

func TestHandleFrameSkipsNonPosts(t *testing.T) {
	c := testClient(t, nil)
	sub := c.Posts()
	defer sub.Close()

	ident, err := json.Marshal(&Event{DID: "did:plc:abc", TimeUS: 50, Kind: KindIdentity})
	require.NoError(t, err)
	c.handleFrame(ident)

	// Cursor still advances for non-post frames.
	assert.EqualValues(t, 50, c.LastCursor())
	assert.Empty(t, sub.Events())
	assert.EqualValues(t, 0, c.Metrics().PostsProcessed)
}

type recordingSink struct {
	mu     sync.Mutex
	values []int64
}

func (r *recordingSink) SaveCursor(timeUS int64) {
	r.mu.Lock()
	r.values = append(r.values, timeUS)
	r.mu.Unlock()
}

func TestHandleFrameNotifiesCursorSink(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.Endpoint = "wss://example.test/subscribe"
	c, err := NewClient(cfg, nil, sink)
	require.NoError(t, err)

	c.handleFrame(frame(t, 100, "one"))
	c.handleFrame(frame(t, 200, "two"))
	c.handleFrame(frame(t, 150, "stale"))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []int64{100, 200}, sink.values)
}

func TestMaybeDecompressPassthrough(t *testing.T) {
	c := testClient(t, func(cfg *Config) { cfg.Compress = true })

	plain := []byte(`{"kind":"commit"}`)
	assert.Equal(t, plain, c.maybeDecompress(plain))

	short := []byte{0x28}
	assert.Equal(t, short, c.maybeDecompress(short))
}

func TestConnectStateGuards(t *testing.T) {
	c := testClient(t, nil)

	c.setStatus(StatusConnected)
	assert.ErrorIs(t, c.Connect(nil, nil), ErrAlreadyConnected)

	c.setStatus(StatusConnecting)
	assert.ErrorIs(t, c.Connect(nil, nil), ErrAlreadyConnecting)

	c.setStatus(StatusDisconnected)
	c.exhausted.Store(true)
	assert.ErrorIs(t, c.Connect(nil, nil), ErrReconnectsExhausted)
}

func TestResetReconnectState(t *testing.T) {
	c := testClient(t, nil)
	c.exhausted.Store(true)
	c.setStatus(StatusError)
	c.mu.Lock()
	c.attempts = 7
	c.mu.Unlock()

	c.ResetReconnectState()

	assert.False(t, c.MaxReconnectExhausted())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.EqualValues(t, 0, c.Metrics().ReconnectAttempts)
}

func TestStatusChanges(t *testing.T) {
	c := testClient(t, nil)
	ch := c.StatusChanges()

	c.setStatus(StatusConnecting)
	c.setStatus(StatusConnected)
	// Repeat transitions are suppressed.
	c.setStatus(StatusConnected)

	assert.Equal(t, StatusConnecting, <-ch)
	assert.Equal(t, StatusConnected, <-ch)
	select {
	case st := <-ch:
		t.Fatalf("unexpected status %s", st)
	default:
	}
}

func TestMessageRateWindow(t *testing.T) {
	c := testClient(t, nil)
	for i := 0; i < 10; i++ {
		c.handleFrame(frame(t, int64(i+1), fmt.Sprintf("post %d", i)))
	}
	assert.Positive(t, c.Metrics().MessagesPerSecond)
}
