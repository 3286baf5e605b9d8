package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"donut-notifier/internal/httpapi"
)

type countingSource struct {
	calls atomic.Int32
	price float64
	err   error
	gate  chan struct{}
}

func (s *countingSource) ETHUSD(context.Context) (float64, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return s.price, s.err
}

func TestClient_ETHUSD(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/simple/price", r.URL.Path)
		assert.Equal(t, "ethereum", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		fmt.Fprint(w, `{"ethereum":{"usd":3120.55}}`)
	}))
	defer server.Close()

	price, err := NewClient(httpapi.New("pricefeed", server.URL)).ETHUSD(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3120.55, price, 1e-9)
}

func TestClient_ETHUSDMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	_, err := NewClient(httpapi.New("pricefeed", server.URL)).ETHUSD(context.Background())
	assert.Error(t, err)
}

func TestCache_TTL(t *testing.T) {
	mock := clock.NewMock()
	src := &countingSource{price: 3000}
	var results []string
	cache := NewCache(src, time.Minute, WithClock(mock), WithObserver(func(r string) { results = append(results, r) }))

	_, ok := cache.Peek()
	assert.False(t, ok)

	q, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3000.0, q.USD)
	assert.Equal(t, mock.Now(), q.FetchedAt)

	// Still fresh just before expiry
	src.price = 3100
	mock.Add(59 * time.Second)
	q, err = cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3000.0, q.USD)
	assert.Equal(t, int32(1), src.calls.Load())

	// Expired: refetch
	mock.Add(time.Second)
	q, err = cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3100.0, q.USD)
	assert.Equal(t, int32(2), src.calls.Load())

	assert.Equal(t, []string{"miss", "hit", "miss"}, results)
}

func TestCache_ErrorKeepsLastQuote(t *testing.T) {
	mock := clock.NewMock()
	src := &countingSource{price: 3000}
	cache := NewCache(src, time.Minute, WithClock(mock))

	_, err := cache.Get(context.Background())
	require.NoError(t, err)

	mock.Add(2 * time.Minute)
	src.err = errors.New("rate limited")

	_, err = cache.Get(context.Background())
	assert.Error(t, err)

	q, ok := cache.Peek()
	assert.True(t, ok)
	assert.Equal(t, 3000.0, q.USD)
}

func TestCache_ConcurrentRefreshSharesFetch(t *testing.T) {
	src := &countingSource{price: 3000, gate: make(chan struct{})}
	cache := NewCache(src, time.Minute, WithClock(clock.NewMock()))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := cache.Get(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, 3000.0, q.USD)
		}()
	}

	// Let callers pile up on the in-flight fetch, then release it
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

// blockingSource waits for release or its context and records which came first.
type blockingSource struct {
	calls   atomic.Int32
	release chan struct{}
	ctxErr  atomic.Value
}

func (s *blockingSource) ETHUSD(ctx context.Context) (float64, error) {
	s.calls.Add(1)
	select {
	case <-s.release:
		return 3000, nil
	case <-ctx.Done():
		s.ctxErr.Store(ctx.Err())
		return 0, ctx.Err()
	}
}

func TestCache_CancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	src := &blockingSource{release: make(chan struct{})}
	cache := NewCache(src, time.Minute, WithClock(clock.NewMock()))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Get(firstCtx)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		q   Quote
		err error
	}
	second := make(chan result, 1)
	go func() {
		q, err := cache.Get(context.Background())
		second <- result{q, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(src.release)
	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.Equal(t, 3000.0, r.q.USD)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}

	assert.Nil(t, src.ctxErr.Load())
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestCache_FetchTimeout(t *testing.T) {
	src := &blockingSource{release: make(chan struct{})}
	cache := NewCache(src, time.Minute, WithClock(clock.NewMock()), WithFetchTimeout(20*time.Millisecond))

	_, err := cache.Get(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
