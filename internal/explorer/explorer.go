// Package explorer looks up token holders through the Blockscout v2 API.
package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"donut-notifier/internal/httpapi"
)

// DefaultMaxPages bounds pagination when no limit is configured.
const DefaultMaxPages = 20

// TruncationObserver is told when a lookup stops at the page cap while the
// explorer still reports more pages.
type TruncationObserver func(pages, holders int)

// Client fetches token holders.
type Client struct {
	api       *httpapi.Client
	maxPages  int
	logger    *zap.Logger
	truncated TruncationObserver
}

// Option configures Client.
type Option func(*Client)

// WithLogger sets the logger used to report truncated lookups.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTruncationObserver registers a callback for truncated lookups.
func WithTruncationObserver(o TruncationObserver) Option {
	return func(c *Client) {
		c.truncated = o
	}
}

// New creates a holder client. maxPages <= 0 uses DefaultMaxPages.
func New(api *httpapi.Client, maxPages int, opts ...Option) *Client {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	c := &Client{api: api, maxPages: maxPages, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("explorer")
	return c
}

type holdersResponse struct {
	Items []struct {
		Address struct {
			Hash string `json:"hash"`
		} `json:"address"`
		Value string `json:"value"`
	} `json:"items"`
	NextPageParams map[string]json.RawMessage `json:"next_page_params"`
}

// Holders returns the distinct holder addresses of token, in first-seen order.
// Pagination follows next_page_params and stops after maxPages pages; a lookup
// cut short that way still returns what it has, and is logged and observed.
func (c *Client) Holders(ctx context.Context, token common.Address) ([]common.Address, error) {
	path := "/api/v2/tokens/" + token.Hex() + "/holders"

	seen := make(map[common.Address]struct{})
	var holders []common.Address
	var query url.Values

	for page := 0; page < c.maxPages; page++ {
		var resp holdersResponse
		if err := c.api.GetJSON(ctx, path, query, &resp); err != nil {
			return nil, fmt.Errorf("fetch holders page %d: %w", page+1, err)
		}

		for _, item := range resp.Items {
			if !common.IsHexAddress(item.Address.Hash) {
				continue
			}
			addr := common.HexToAddress(item.Address.Hash)
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			holders = append(holders, addr)
		}

		if len(resp.NextPageParams) == 0 {
			return holders, nil
		}
		next, err := pageQuery(resp.NextPageParams)
		if err != nil {
			return nil, fmt.Errorf("decode next_page_params: %w", err)
		}
		query = next
	}

	c.logger.Warn("holder list truncated at page cap",
		zap.String("token", token.Hex()),
		zap.Int("pages", c.maxPages),
		zap.Int("holders", len(holders)))
	if c.truncated != nil {
		c.truncated(c.maxPages, len(holders))
	}
	return holders, nil
}

// pageQuery turns next_page_params into query parameters.
// Numbers are kept as their JSON text so large values are not rounded.
func pageQuery(params map[string]json.RawMessage) (url.Values, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := make(url.Values, len(params))
	for _, k := range keys {
		raw := bytes.TrimSpace(params[k])
		switch {
		case bytes.Equal(raw, []byte("null")):
			continue
		case len(raw) > 0 && raw[0] == '"':
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("param %s: %w", k, err)
			}
			q.Set(k, s)
		default:
			q.Set(k, string(raw))
		}
	}
	return q, nil
}
