package jetstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
)

// Status of the firehose connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

var (
	ErrAlreadyConnected    = errors.New("jetstream: already connected")
	ErrAlreadyConnecting   = errors.New("jetstream: connection attempt already in progress")
	ErrReconnectsExhausted = errors.New("jetstream: reconnect attempts exhausted")
)

// CursorSink receives cursor updates as frames arrive. Implemented by the
// cursor persistence flusher; saves are pending-only and never on the hot
// path.
type CursorSink interface {
	SaveCursor(timeUS int64)
}

type Config struct {
	// Endpoint is the jetstream subscribe URL, e.g.
	// wss://jetstream1.us-east.bsky.network/subscribe
	Endpoint string

	WantedCollections []string

	// Compress requests zstd framing from the server.
	Compress bool

	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration

	// InactivityTimeout closes a connection that has gone silent so the
	// reconnect path can take over.
	InactivityTimeout time.Duration

	HandshakeTimeout time.Duration

	// SubscriberBuffer is the per-subscriber channel depth on the post
	// stream. Overflow is dropped and counted.
	SubscriberBuffer int
}

func DefaultConfig() Config {
	return Config{
		Endpoint:             "wss://jetstream1.us-east.bsky.network/subscribe",
		WantedCollections:    []string{CollectionPost},
		MaxReconnectAttempts: 10,
		InitialBackoff:       time.Second,
		MaxBackoff:           30 * time.Second,
		InactivityTimeout:    30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		SubscriberBuffer:     1024,
	}
}

// Client maintains a single long-lived websocket connection to the
// jetstream firehose and fans out normalized post events. The socket is
// owned exclusively by the client.
type Client struct {
	cfg  Config
	log  *slog.Logger
	sink CursorSink

	mu       sync.Mutex
	conn     *websocket.Conn
	status   Status
	attempts int
	running  bool
	shutdown bool

	exhausted atomic.Bool

	cursor           atomic.Int64
	messagesReceived atomic.Int64
	postsProcessed   atomic.Int64
	parseErrors      atomic.Int64
	lastMessage      atomic.Int64 // unix nanos

	windowMu    sync.Mutex
	windowStart time.Time
	windowCount int64

	posts *Stream

	statusMu   sync.Mutex
	statusSubs []chan Status

	zdec *zstd.Decoder

	wg sync.WaitGroup
}

func NewClient(cfg Config, log *slog.Logger, sink CursorSink) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("jetstream: endpoint is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if len(cfg.WantedCollections) == 0 {
		cfg.WantedCollections = []string{CollectionPost}
	}

	c := &Client{
		cfg:    cfg,
		log:    log,
		sink:   sink,
		status: StatusDisconnected,
		posts:  NewStream(cfg.SubscriberBuffer),
	}

	if cfg.Compress {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("jetstream: create zstd decoder: %w", err)
		}
		c.zdec = dec
	}

	return c, nil
}

// Connect starts the connection loop. A non-nil cursor overrides the
// internal one. Calling Connect while connected or connecting returns a
// sentinel error; callers log it and move on.
func (c *Client) Connect(ctx context.Context, cursor *int64) error {
	c.mu.Lock()
	switch c.status {
	case StatusConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	case StatusConnecting, StatusReconnecting:
		c.mu.Unlock()
		return ErrAlreadyConnecting
	}
	if c.exhausted.Load() {
		c.mu.Unlock()
		return ErrReconnectsExhausted
	}
	c.shutdown = false
	c.running = true
	c.attempts = 0
	c.mu.Unlock()

	if cursor != nil && *cursor > 0 {
		c.cursor.Store(*cursor)
	}

	c.setStatus(StatusConnecting)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()

	return nil
}

// Disconnect closes the socket with a normal-closure code and suppresses
// further reconnection. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.shutdown && c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.running = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}

	c.setStatus(StatusDisconnected)
	return nil
}

// Posts returns a new subscription to the post stream. Subscriptions
// survive reconnections.
func (c *Client) Posts() *Subscription {
	return c.posts.Subscribe()
}

func (c *Client) LastCursor() int64 {
	return c.cursor.Load()
}

func (c *Client) SetLastCursor(timeUS int64) {
	c.cursor.Store(timeUS)
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// StatusChanges returns a channel receiving status transitions.
// Best-effort: a slow receiver misses intermediate transitions.
func (c *Client) StatusChanges() <-chan Status {
	ch := make(chan Status, 16)
	c.statusMu.Lock()
	c.statusSubs = append(c.statusSubs, ch)
	c.statusMu.Unlock()
	return ch
}

func (c *Client) MaxReconnectExhausted() bool {
	return c.exhausted.Load()
}

// ResetReconnectState clears the exhaustion flag and attempt counter so a
// caller can retry after entering degraded mode.
func (c *Client) ResetReconnectState() {
	c.exhausted.Store(false)
	c.mu.Lock()
	c.attempts = 0
	if c.status == StatusError {
		c.status = StatusDisconnected
	}
	c.mu.Unlock()
}

type Metrics struct {
	MessagesReceived  int64     `json:"messagesReceived"`
	MessagesPerSecond float64   `json:"messagesPerSecond"`
	PostsProcessed    int64     `json:"postsProcessed"`
	ParseErrors       int64     `json:"parseErrors"`
	Status            Status    `json:"status"`
	LastCursor        int64     `json:"lastCursor"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	LastMessageAt     time.Time `json:"lastMessageAt"`
	Subscribers       int       `json:"subscribers"`
}

func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	attempts := c.attempts
	status := c.status
	c.mu.Unlock()

	var lastMsg time.Time
	if ns := c.lastMessage.Load(); ns > 0 {
		lastMsg = time.Unix(0, ns)
	}

	return Metrics{
		MessagesReceived:  c.messagesReceived.Load(),
		MessagesPerSecond: c.messageRate(),
		PostsProcessed:    c.postsProcessed.Load(),
		ParseErrors:       c.parseErrors.Load(),
		Status:            status,
		LastCursor:        c.cursor.Load(),
		ReconnectAttempts: attempts,
		LastMessageAt:     lastMsg,
		Subscribers:       c.posts.Len(),
	}
}

func (c *Client) run(ctx context.Context) {
	for {
		err := c.connectAndRead(ctx)

		c.mu.Lock()
		stopped := c.shutdown || ctx.Err() != nil
		c.mu.Unlock()
		if stopped {
			c.setStatus(StatusDisconnected)
			return
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()
		reconnectsCounter.Inc()

		if attempt > c.cfg.MaxReconnectAttempts {
			c.log.Error("jetstream reconnect attempts exhausted",
				"attempts", attempt-1, "error", err)
			c.exhausted.Store(true)
			c.setStatus(StatusError)
			return
		}

		c.setStatus(StatusReconnecting)
		delay := c.backoffDelay(attempt - 1)
		c.log.Warn("jetstream connection lost, retrying after delay",
			"attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			c.setStatus(StatusDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns min(initial*2^attempt, max) plus uniform jitter in
// [0, 25%] of the base.
func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.cfg.InitialBackoff
	for i := 0; i < attempt && base < c.cfg.MaxBackoff; i++ {
		base *= 2
	}
	if base > c.cfg.MaxBackoff {
		base = c.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(base)/4 + 1))
	return base + jitter
}

func (c *Client) connectAndRead(ctx context.Context) error {
	urlStr, err := c.subscribeURL()
	if err != nil {
		return err
	}

	c.log.Info("connecting to jetstream", "url", urlStr)

	d := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, _, err := d.DialContext(ctx, urlStr, http.Header{
		"User-Agent": []string{"moodring/0.0.1"},
	})
	if err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("failed to connect to jetstream: %w", err)
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.lastMessage.Store(time.Now().UnixNano())

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.watchInactivity(readCtx, conn)
	go c.keepAlive(readCtx, conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.InactivityTimeout * 2))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.InactivityTimeout * 2)); err != nil {
			return err
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stopped := c.shutdown
			c.mu.Unlock()
			if stopped {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
		c.handleFrame(message)
	}
}

// watchInactivity closes a connection that stops delivering frames so the
// run loop can reconnect. Same shape as the firehose tail watchdog.
func (c *Client) watchInactivity(ctx context.Context, conn *websocket.Conn) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			last := time.Unix(0, c.lastMessage.Load())
			if time.Since(last) > c.cfg.InactivityTimeout {
				c.log.Error("jetstream connection timed out")
				conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
	tick := time.NewTicker(c.cfg.InactivityTimeout / 2)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// subscribeURL builds the websocket URL with wantedCollections, optional
// compression, and the current cursor so reconnects resume where we left
// off.
func (c *Client) subscribeURL() (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid jetstream endpoint: %w", err)
	}

	q := u.Query()
	for _, col := range c.cfg.WantedCollections {
		q.Add("wantedCollections", col)
	}
	if c.cfg.Compress {
		q.Set("compress", "true")
	}
	if cur := c.cursor.Load(); cur > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cur))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// zstd frame magic, for detecting compressed messages.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func (c *Client) maybeDecompress(data []byte) []byte {
	if c.zdec == nil || len(data) < 4 {
		return data
	}
	if data[0] != zstdMagic[0] || data[1] != zstdMagic[1] || data[2] != zstdMagic[2] || data[3] != zstdMagic[3] {
		return data
	}
	out, err := c.zdec.DecodeAll(data, nil)
	if err != nil {
		return data
	}
	return out
}

// handleFrame processes one inbound frame: count it, parse it, advance the
// cursor, and publish a normalized post if it is one. Parse failures are
// counted and dropped; they never tear the connection down.
func (c *Client) handleFrame(data []byte) {
	c.messagesReceived.Add(1)
	messagesReceivedCounter.Inc()
	c.markWindow()
	c.lastMessage.Store(time.Now().UnixNano())

	data = c.maybeDecompress(data)

	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		c.parseErrors.Add(1)
		parseErrorsCounter.Inc()
		return
	}

	if evt.TimeUS > 0 {
		for {
			cur := c.cursor.Load()
			if evt.TimeUS <= cur {
				break
			}
			if c.cursor.CompareAndSwap(cur, evt.TimeUS) {
				firehoseCursorGauge.WithLabelValues("ingest").Set(float64(evt.TimeUS))
				if c.sink != nil {
					c.sink.SaveCursor(evt.TimeUS)
				}
				break
			}
		}
	}

	pe, ok := normalizePost(&evt)
	if !ok {
		return
	}

	c.postsProcessed.Add(1)
	postsProcessedCounter.Inc()
	c.posts.Publish(pe)
	firehoseCursorGauge.WithLabelValues("complete").Set(float64(evt.TimeUS))
}

const rateWindow = 60 * time.Second

func (c *Client) markWindow() {
	now := time.Now()
	c.windowMu.Lock()
	if c.windowStart.IsZero() || now.Sub(c.windowStart) > rateWindow {
		c.windowStart = now
		c.windowCount = 0
	}
	c.windowCount++
	c.windowMu.Unlock()
}

func (c *Client) messageRate() float64 {
	c.windowMu.Lock()
	defer c.windowMu.Unlock()
	if c.windowStart.IsZero() {
		return 0
	}
	elapsed := time.Since(c.windowStart).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return float64(c.windowCount) / elapsed
}

func (c *Client) setStatus(st Status) {
	c.mu.Lock()
	if c.status == st {
		c.mu.Unlock()
		return
	}
	c.status = st
	c.mu.Unlock()

	c.statusMu.Lock()
	for _, ch := range c.statusSubs {
		select {
		case ch <- st:
		default:
		}
	}
	c.statusMu.Unlock()
}
