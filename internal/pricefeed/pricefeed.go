// Package pricefeed fetches the ETH/USD price and caches it with a TTL.
package pricefeed

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"donut-notifier/internal/httpapi"
)

// Cache defaults.
const (
	DefaultTTL          = 60 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

// Source returns the current ETH/USD price.
type Source interface {
	ETHUSD(ctx context.Context) (float64, error)
}

// Client reads prices from a CoinGecko-compatible simple/price endpoint.
type Client struct {
	api *httpapi.Client
}

// Compile-time interface check.
var _ Source = (*Client)(nil)

// NewClient creates a price client.
func NewClient(api *httpapi.Client) *Client {
	return &Client{api: api}
}

// ETHUSD returns the current ETH price in USD.
func (c *Client) ETHUSD(ctx context.Context) (float64, error) {
	query := url.Values{
		"ids":           {"ethereum"},
		"vs_currencies": {"usd"},
	}

	var resp map[string]map[string]float64
	if err := c.api.GetJSON(ctx, "/api/v3/simple/price", query, &resp); err != nil {
		return 0, fmt.Errorf("fetch eth price: %w", err)
	}

	price, ok := resp["ethereum"]["usd"]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("fetch eth price: missing ethereum.usd in response")
	}
	return price, nil
}

// Quote is a cached price with the time it was fetched.
type Quote struct {
	USD       float64   `json:"usd"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CacheOption configures Cache.
type CacheOption func(*Cache)

// WithClock sets the clock used for expiry.
func WithClock(clk clock.Clock) CacheOption {
	return func(c *Cache) {
		c.clock = clk
	}
}

// WithFetchTimeout bounds a shared refresh. The refresh ignores the caller's
// cancellation, so this is its only deadline.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithObserver receives "hit", "miss" or "error" for each Get.
func WithObserver(fn func(result string)) CacheOption {
	return func(c *Cache) {
		c.observe = fn
	}
}

// Cache holds the last fetched quote. Concurrent refreshes share one fetch.
type Cache struct {
	source       Source
	ttl          time.Duration
	fetchTimeout time.Duration
	clock        clock.Clock
	observe      func(string)

	mu    sync.Mutex
	quote *Quote

	group singleflight.Group
}

// NewCache creates a cache over source. ttl <= 0 uses DefaultTTL.
func NewCache(source Source, ttl time.Duration, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		source:       source,
		ttl:          ttl,
		fetchTimeout: DefaultFetchTimeout,
		clock:        clock.New(),
		observe:      func(string) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached quote while it is fresh, otherwise fetches a new one.
// Concurrent callers share one fetch; a caller giving up returns ctx.Err()
// without cancelling the fetch the others are waiting on.
func (c *Cache) Get(ctx context.Context) (Quote, error) {
	if q, ok := c.fresh(); ok {
		c.observe("hit")
		return q, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("ethusd", func() (interface{}, error) {
		// Another caller may have refreshed while we waited.
		if q, ok := c.fresh(); ok {
			return q, nil
		}
		fctx, cancel := context.WithTimeout(fetchCtx, c.fetchTimeout)
		defer cancel()
		price, err := c.source.ETHUSD(fctx)
		if err != nil {
			return Quote{}, err
		}
		q := Quote{USD: price, FetchedAt: c.clock.Now()}
		c.mu.Lock()
		c.quote = &q
		c.mu.Unlock()
		return q, nil
	})

	select {
	case <-ctx.Done():
		c.observe("error")
		return Quote{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.observe("error")
			return Quote{}, res.Err
		}
		c.observe("miss")
		return res.Val.(Quote), nil
	}
}

// Peek returns the cached quote regardless of age.
func (c *Cache) Peek() (Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quote == nil {
		return Quote{}, false
	}
	return *c.quote, true
}

func (c *Cache) fresh() (Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quote == nil || c.clock.Since(c.quote.FetchedAt) >= c.ttl {
		return Quote{}, false
	}
	return *c.quote, true
}
