// Package resolver maps opaque author DIDs to human-readable handles with
// a bounded LRU+TTL cache, deduplicated in-flight requests, and batched
// upstream lookups.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var resolverFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "did_resolver_failures_total",
	Help: "Upstream resolution failures",
})

var resolverHitsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "did_resolver_lookups_total",
	Help: "Cache lookups by outcome",
}, []string{"outcome"})

type Config struct {
	// APIBase is the xrpc host, e.g. https://public.api.bsky.app
	APIBase string

	MaxCacheSize   int
	CacheTTL       time.Duration
	BatchSize      int
	RequestTimeout time.Duration
	SweepInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		APIBase:        "https://public.api.bsky.app",
		MaxCacheSize:   10_000,
		CacheTTL:       time.Hour,
		BatchSize:      25,
		RequestTimeout: 5 * time.Second,
		SweepInterval:  5 * time.Minute,
	}
}

type entry struct {
	handle   string
	cachedAt time.Time
}

// call is one in-flight upstream resolution; concurrent callers for the
// same id join it instead of issuing another request.
type call struct {
	done   chan struct{}
	handle string
	ok     bool
}

// Resolution is one result from ResolveHandles, in input order.
type Resolution struct {
	ID        string `json:"id"`
	Handle    string `json:"handle,omitempty"`
	OK        bool   `json:"ok"`
	FromCache bool   `json:"fromCache"`
}

type Metrics struct {
	TotalRequests int64   `json:"totalRequests"`
	CacheHits     int64   `json:"cacheHits"`
	CacheMisses   int64   `json:"cacheMisses"`
	Failures      int64   `json:"failures"`
	CacheSize     int     `json:"cacheSize"`
	HitRate       float64 `json:"hitRate"`
}

type Resolver struct {
	cfg  Config
	log  *slog.Logger
	http *http.Client

	cache *lru.Cache[string, entry]

	mu       sync.Mutex
	inflight map[string]*call

	totalRequests atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	failures      atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
}

func New(cfg Config, log *slog.Logger) (*Resolver, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = DefaultConfig().MaxCacheSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}

	cache, err := lru.New[string, entry](cfg.MaxCacheSize)
	if err != nil {
		return nil, fmt.Errorf("resolver: create cache: %w", err)
	}

	return &Resolver{
		cfg:      cfg,
		log:      log,
		http:     &http.Client{Timeout: 2 * cfg.RequestTimeout},
		cache:    cache,
		inflight: make(map[string]*call),
		stop:     make(chan struct{}),
	}, nil
}

// Start begins the background TTL sweep.
func (r *Resolver) Start(ctx context.Context) {
	if r.cfg.SweepInterval <= 0 || r.cfg.CacheTTL <= 0 {
		return
	}
	go func() {
		tick := time.NewTicker(r.cfg.SweepInterval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				r.sweep()
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Resolver) sweep() {
	var removed int
	for _, id := range r.cache.Keys() {
		if e, ok := r.cache.Peek(id); ok && r.expired(e) {
			r.cache.Remove(id)
			removed++
		}
	}
	if removed > 0 {
		r.log.Debug("swept expired handle cache entries", "removed", removed)
	}
}

func (r *Resolver) expired(e entry) bool {
	return r.cfg.CacheTTL > 0 && time.Since(e.cachedAt) > r.cfg.CacheTTL
}

// ResolveHandle resolves id to a handle, falling back to the id itself on
// any failure so callers always have something displayable.
func (r *Resolver) ResolveHandle(ctx context.Context, id string) string {
	if h, ok := r.ResolveHandleOrNull(ctx, id); ok {
		return h
	}
	return id
}

// ResolveHandleOrNull resolves id to a handle, reporting whether one was
// found.
func (r *Resolver) ResolveHandleOrNull(ctx context.Context, id string) (string, bool) {
	r.totalRequests.Add(1)

	if !validDID(id) {
		return "", false
	}

	if h, ok := r.cacheGet(id); ok {
		return h, true
	}

	r.cacheMisses.Add(1)
	resolverHitsCounter.WithLabelValues("miss").Inc()

	// Join an in-flight request for the same id if one exists.
	r.mu.Lock()
	if c, ok := r.inflight[id]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			return c.handle, c.ok
		case <-ctx.Done():
			return "", false
		}
	}
	c := &call{done: make(chan struct{})}
	r.inflight[id] = c
	r.mu.Unlock()

	handle, ok := r.fetchSingle(ctx, id)
	if ok {
		r.cache.Add(id, entry{handle: handle, cachedAt: time.Now()})
	}

	c.handle = handle
	c.ok = ok
	close(c.done)

	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()

	return handle, ok
}

// ResolveHandles resolves a set of ids, serving what it can from cache and
// batch-fetching the rest. Ids already being resolved elsewhere are joined
// rather than refetched, same as the single path. Results are in input
// order.
func (r *Resolver) ResolveHandles(ctx context.Context, ids []string) []Resolution {
	results := make([]Resolution, len(ids))
	var owned []string
	ownedIdx := make(map[string][]int)
	ownedCalls := make(map[string]*call)
	joinedIdx := make(map[*call][]int)

	for i, id := range ids {
		r.totalRequests.Add(1)
		results[i] = Resolution{ID: id}

		if !validDID(id) {
			continue
		}
		if h, ok := r.cacheGet(id); ok {
			results[i].Handle = h
			results[i].OK = true
			results[i].FromCache = true
			continue
		}
		r.cacheMisses.Add(1)
		resolverHitsCounter.WithLabelValues("miss").Inc()

		if _, seen := ownedIdx[id]; seen {
			ownedIdx[id] = append(ownedIdx[id], i)
			continue
		}

		r.mu.Lock()
		if c, ok := r.inflight[id]; ok {
			r.mu.Unlock()
			joinedIdx[c] = append(joinedIdx[c], i)
			continue
		}
		c := &call{done: make(chan struct{})}
		r.inflight[id] = c
		r.mu.Unlock()

		owned = append(owned, id)
		ownedIdx[id] = []int{i}
		ownedCalls[id] = c
	}

	for start := 0; start < len(owned); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(owned) {
			end = len(owned)
		}
		batch := owned[start:end]

		handles := r.fetchBatch(ctx, batch)
		for _, id := range batch {
			h, ok := handles[id]
			if ok {
				r.cache.Add(id, entry{handle: h, cachedAt: time.Now()})
			}

			c := ownedCalls[id]
			c.handle = h
			c.ok = ok
			close(c.done)
			r.mu.Lock()
			delete(r.inflight, id)
			r.mu.Unlock()

			for _, i := range ownedIdx[id] {
				results[i].Handle = h
				results[i].OK = ok
			}
		}
	}

	for c, idxs := range joinedIdx {
		select {
		case <-c.done:
			for _, i := range idxs {
				results[i].Handle = c.handle
				results[i].OK = c.ok
			}
		case <-ctx.Done():
		}
	}

	return results
}

// WarmCache resolves and caches ids without returning results.
func (r *Resolver) WarmCache(ctx context.Context, ids []string) {
	r.ResolveHandles(ctx, ids)
}

func (r *Resolver) Metrics() Metrics {
	hits := r.cacheHits.Load()
	misses := r.cacheMisses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = math.Round(float64(hits)/float64(hits+misses)*1000) / 1000
	}
	return Metrics{
		TotalRequests: r.totalRequests.Load(),
		CacheHits:     hits,
		CacheMisses:   misses,
		Failures:      r.failures.Load(),
		CacheSize:     r.cache.Len(),
		HitRate:       rate,
	}
}

func (r *Resolver) cacheGet(id string) (string, bool) {
	e, ok := r.cache.Get(id)
	if !ok {
		return "", false
	}
	if r.expired(e) {
		r.cache.Remove(id)
		return "", false
	}
	r.cacheHits.Add(1)
	resolverHitsCounter.WithLabelValues("hit").Inc()
	return e.handle, true
}

func validDID(id string) bool {
	return id != "" && strings.HasPrefix(id, "did:")
}

type profileResponse struct {
	Did    string `json:"did"`
	Handle string `json:"handle"`
}

type profilesResponse struct {
	Profiles []profileResponse `json:"profiles"`
}

func (r *Resolver) fetchSingle(ctx context.Context, id string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/xrpc/app.bsky.actor.getProfile?actor=%s", r.cfg.APIBase, url.QueryEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		r.fail(1)
		return "", false
	}

	resp, err := r.http.Do(req)
	if err != nil {
		r.fail(1)
		r.log.Warn("handle resolution failed", "did", id, "error", err)
		return "", false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest:
		// Upstream says this id does not exist.
		r.fail(1)
		return "", false
	case http.StatusTooManyRequests:
		r.fail(1)
		r.log.Warn("handle resolution rate limited", "did", id)
		return "", false
	default:
		r.fail(1)
		return "", false
	}

	var prof profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&prof); err != nil || prof.Handle == "" {
		r.fail(1)
		return "", false
	}
	return prof.Handle, true
}

// fetchBatch resolves up to BatchSize ids in a single getProfiles call
// with a timeout of twice the single-request timeout.
func (r *Resolver) fetchBatch(ctx context.Context, ids []string) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 2*r.cfg.RequestTimeout)
	defer cancel()

	q := url.Values{}
	for _, id := range ids {
		q.Add("actors", id)
	}
	u := fmt.Sprintf("%s/xrpc/app.bsky.actor.getProfiles?%s", r.cfg.APIBase, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		r.fail(len(ids))
		return nil
	}

	resp, err := r.http.Do(req)
	if err != nil {
		r.fail(len(ids))
		r.log.Warn("batch handle resolution failed", "count", len(ids), "error", err)
		return nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		r.fail(len(ids))
		r.log.Warn("batch handle resolution rate limited", "count", len(ids))
		return nil
	default:
		r.fail(len(ids))
		return nil
	}

	var profs profilesResponse
	if err := json.NewDecoder(resp.Body).Decode(&profs); err != nil {
		r.fail(len(ids))
		return nil
	}

	handles := make(map[string]string, len(profs.Profiles))
	for _, p := range profs.Profiles {
		if p.Did != "" && p.Handle != "" {
			handles[p.Did] = p.Handle
		}
	}
	for _, id := range ids {
		if _, ok := handles[id]; !ok {
			r.fail(1)
		}
	}
	return handles
}

func (r *Resolver) fail(n int) {
	r.failures.Add(int64(n))
	resolverFailuresCounter.Add(float64(n))
}
