// Package neynar resolves wallet addresses to Farcaster FIDs and delivers
// frame notifications through the Neynar API.
package neynar

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"donut-notifier/internal/domain"
	"donut-notifier/internal/httpapi"
)

// Limits and defaults.
const (
	MaxLookupBatchSize     = 350
	DefaultNotifyBatchSize = 100
	DefaultCacheSize       = 10000
	DefaultCacheTTL        = time.Hour

	bulkByAddressPath = "/v2/farcaster/user/bulk-by-address"
	notificationsPath = "/v2/farcaster/frame/notifications/"
)

// Options configures Client.
type Options struct {
	LookupBatchSize int
	NotifyBatchSize int
	RateLimit       float64 // requests per second, <= 0 disables limiting
	Burst           int
	CacheSize       int
	CacheTTL        time.Duration
}

// Client talks to the Neynar API.
type Client struct {
	api         *httpapi.Client
	lookupBatch int
	notifyBatch int
	limiter     *rate.Limiter
	cache       *expirable.LRU[common.Address, []int64]
}

// NewHTTPClient creates the underlying HTTP client with the API key header set.
func NewHTTPClient(baseURL, apiKey string, opts ...httpapi.ClientOption) *httpapi.Client {
	opts = append([]httpapi.ClientOption{httpapi.WithHeader("x-api-key", apiKey)}, opts...)
	return httpapi.New("neynar", baseURL, opts...)
}

// New creates a Neynar client.
func New(api *httpapi.Client, opts Options) *Client {
	if opts.LookupBatchSize <= 0 || opts.LookupBatchSize > MaxLookupBatchSize {
		opts.LookupBatchSize = MaxLookupBatchSize
	}
	if opts.NotifyBatchSize <= 0 {
		opts.NotifyBatchSize = DefaultNotifyBatchSize
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	return &Client{
		api:         api,
		lookupBatch: opts.LookupBatchSize,
		notifyBatch: opts.NotifyBatchSize,
		limiter:     rate.NewLimiter(limit, opts.Burst),
		cache:       expirable.NewLRU[common.Address, []int64](opts.CacheSize, nil, opts.CacheTTL),
	}
}

// user is the subset of the Neynar user object we read.
type user struct {
	FID int64 `json:"fid"`
}

// ResolveFIDs maps addresses to the FIDs of Farcaster users that have them
// verified or as custody. The result is de-duplicated and sorted.
// A 404 from the API means none of the batch resolved.
func (c *Client) ResolveFIDs(ctx context.Context, addrs []common.Address) ([]int64, error) {
	found := make(map[int64]struct{})
	var misses []common.Address

	for _, addr := range addrs {
		if fids, ok := c.cache.Get(addr); ok {
			for _, fid := range fids {
				found[fid] = struct{}{}
			}
			continue
		}
		misses = append(misses, addr)
	}

	for start := 0; start < len(misses); start += c.lookupBatch {
		end := min(start+c.lookupBatch, len(misses))
		batch := misses[start:end]

		byAddr, err := c.lookup(ctx, batch)
		if err != nil {
			return nil, err
		}

		for _, addr := range batch {
			fids := byAddr[addr]
			c.cache.Add(addr, fids)
			for _, fid := range fids {
				found[fid] = struct{}{}
			}
		}
	}

	result := make([]int64, 0, len(found))
	for fid := range found {
		result = append(result, fid)
	}
	slices.Sort(result)
	return result, nil
}

// lookup performs one bulk-by-address request.
func (c *Client) lookup(ctx context.Context, batch []common.Address) (map[common.Address][]int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	hexes := make([]string, len(batch))
	for i, addr := range batch {
		hexes[i] = strings.ToLower(addr.Hex())
	}
	query := url.Values{"addresses": {strings.Join(hexes, ",")}}

	var resp map[string][]user
	if err := c.api.GetJSON(ctx, bulkByAddressPath, query, &resp); err != nil {
		if httpapi.IsStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("bulk-by-address: %w", err)
	}

	result := make(map[common.Address][]int64, len(resp))
	for key, users := range resp {
		if !common.IsHexAddress(key) {
			continue
		}
		addr := common.HexToAddress(key)
		for _, u := range users {
			if u.FID > 0 {
				result[addr] = append(result[addr], u.FID)
			}
		}
	}
	return result, nil
}

type notificationRequest struct {
	Notification domain.Notification `json:"notification"`
	TargetFIDs   []int64             `json:"target_fids"`
}

type notificationResponse struct {
	Deliveries []struct {
		FID    int64  `json:"fid"`
		Status string `json:"status"`
	} `json:"notification_deliveries"`
}

// SendNotification delivers n to fids, in chunks of the notify batch size.
// An empty fids is rejected because the API treats it as every subscriber.
// Returns the number of deliveries the API reported.
func (c *Client) SendNotification(ctx context.Context, n domain.Notification, fids []int64) (int, error) {
	if len(fids) == 0 {
		return 0, fmt.Errorf("send notification: no target fids")
	}

	delivered := 0
	for start := 0; start < len(fids); start += c.notifyBatch {
		end := min(start+c.notifyBatch, len(fids))

		if err := c.limiter.Wait(ctx); err != nil {
			return delivered, err
		}

		var resp notificationResponse
		req := notificationRequest{Notification: n, TargetFIDs: fids[start:end]}
		if err := c.api.PostJSON(ctx, notificationsPath, req, &resp); err != nil {
			return delivered, fmt.Errorf("send notification batch %d: %w", start/c.notifyBatch+1, err)
		}
		delivered += len(resp.Deliveries)
	}

	return delivered, nil
}
