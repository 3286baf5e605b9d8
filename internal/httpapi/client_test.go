package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_GetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v2/items", r.URL.Path)
		assert.Equal(t, "a,b", r.URL.Query().Get("ids"))
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"count": 2})
	}))
	defer server.Close()

	client := New("test", server.URL+"/", WithHeader("x-api-key", "secret"))

	var out struct {
		Count int `json:"count"`
	}
	err := client.GetJSON(context.Background(), "/v2/items", url.Values{"ids": {"a,b"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Count)
}

func TestClient_PostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "hello", in["msg"])

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New("test", server.URL)
	err := client.PostJSON(context.Background(), "/send", map[string]string{"msg": "hello"}, nil)
	require.NoError(t, err)
}

func TestClient_StatusError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusForbidden)
	}))
	defer server.Close()

	client := New("test", server.URL, WithMaxRetries(3), WithRetryDelay(time.Millisecond))
	err := client.GetJSON(context.Background(), "/", nil, nil)

	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusForbidden))
	assert.False(t, IsStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), "bad key")
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
}

func TestClient_NoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := New("test", server.URL)
	err := client.GetJSON(context.Background(), "/", nil, nil)

	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Retry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer server.Close()

	client := New("test", server.URL, WithMaxRetries(3), WithRetryDelay(time.Millisecond))

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, client.GetJSON(context.Background(), "/", nil, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_RetryExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New("test", server.URL, WithMaxRetries(2), WithRetryDelay(time.Millisecond))
	err := client.GetJSON(context.Background(), "/", nil, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable))
}

func TestClient_Observer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var gotService string
	var gotErr error
	client := New("neynar", server.URL, WithObserver(func(service string, _ time.Duration, err error) {
		gotService = service
		gotErr = err
	}))

	err := client.GetJSON(context.Background(), "/", nil, nil)
	require.Error(t, err)
	assert.Equal(t, "neynar", gotService)
	assert.Equal(t, err, gotErr)
}

func TestClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	client := New("test", server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.GetJSON(ctx, "/", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
