package chain

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"donut-notifier/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newHeadServer accepts one eth_subscribe and then pushes the given heads.
func newHeadServer(t *testing.T, heads []map[string]string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "eth_subscribe" || len(req.Params) != 1 || req.Params[0] != "newHeads" {
			t.Errorf("unexpected request: %+v", req)
			return
		}

		conn.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  "0xsub1",
		})

		for _, h := range heads {
			conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "eth_subscription",
				"params": map[string]interface{}{
					"subscription": "0xsub1",
					"result":       h,
				},
			})
		}

		// Keep connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestHeadClient_SubscribeNewHeads(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hash := "0x" + strings.Repeat("ab", 32)
	server := newHeadServer(t, []map[string]string{
		{"number": "0x1b4", "hash": hash, "timestamp": "0x65f0a000"},
		{"number": "0x1b5", "hash": hash, "timestamp": "0x65f0a002"},
	})
	defer server.Close()

	client, err := NewHeadClient(context.Background(), wsURL(server), nil, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	heads, err := client.SubscribeNewHeads(context.Background())
	require.NoError(t, err)

	for _, want := range []uint64{0x1b4, 0x1b5} {
		select {
		case h := <-heads:
			assert.Equal(t, want, h.Number)
			assert.Equal(t, common.HexToHash(hash), h.Hash)
			assert.NotZero(t, h.Timestamp)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for head %d", want)
		}
	}
}

func TestHeadClient_CloseClosesChannel(t *testing.T) {
	server := newHeadServer(t, nil)
	defer server.Close()

	client, err := NewHeadClient(context.Background(), wsURL(server), nil, nil)
	require.NoError(t, err)

	heads, err := client.SubscribeNewHeads(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "close is idempotent")

	select {
	case _, ok := <-heads:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed")
	}

	_, err = client.SubscribeNewHeads(context.Background())
	assert.Error(t, err)
}

func TestHeadClient_SubscribeTimeout(t *testing.T) {
	// Server never confirms the subscription
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := DefaultHeadClientConfig()
	cfg.SubscribeTimeout = 100 * time.Millisecond

	client, err := NewHeadClient(context.Background(), wsURL(server), &cfg, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.SubscribeNewHeads(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestHeadClient_DialError(t *testing.T) {
	_, err := NewHeadClient(context.Background(), "ws://127.0.0.1:1", nil, nil)
	assert.Error(t, err)
}

func TestHeadClient_HandleMessage(t *testing.T) {
	c := &HeadClient{
		logger:      zap.NewNop(),
		subs:        make(map[string]chan domain.Head),
		pendingSubs: make(map[uint64]chan string),
	}

	confirm := make(chan string, 1)
	c.pendingSubs[7] = confirm
	c.handleMessage([]byte(`{"jsonrpc":"2.0","id":7,"result":"0xfeed"}`))
	assert.Equal(t, "0xfeed", <-confirm)
	assert.Empty(t, c.pendingSubs)

	ch := make(chan domain.Head, 1)
	c.subs["0xfeed"] = ch
	c.handleMessage([]byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xfeed","result":{"number":"0x10","timestamp":"0x20"}}}`))
	head := <-ch
	assert.Equal(t, uint64(16), head.Number)
	assert.Equal(t, uint64(32), head.Timestamp)

	// Unknown subscriptions, errors and garbage are ignored
	c.handleMessage([]byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xother","result":{"number":"0x11"}}}`))
	c.handleMessage([]byte(`{"jsonrpc":"2.0","id":9,"error":{"code":-32601,"message":"method not found"}}`))
	c.handleMessage([]byte(`not json`))
	assert.Empty(t, ch)
}

func TestHeadClient_ReconnectRetriesFailedDial(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hash := "0x" + strings.Repeat("cd", 32)
	var dials atomic.Int32

	// Dial 1 subscribes and then drops, dial 2 is refused, dial 3 serves a head.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		if n == 2 {
			http.Error(w, "node restarting", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		subID := fmt.Sprintf("0xsub%d", n)
		conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": subID})

		if n == 1 {
			return
		}

		// Keep pushing: the client maps the new subscription ID after the confirmation.
		for {
			err := conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "eth_subscription",
				"params": map[string]interface{}{
					"subscription": subID,
					"result":       map[string]string{"number": "0x2a", "hash": hash, "timestamp": "0x1"},
				},
			})
			if err != nil {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}))
	defer server.Close()

	cfg := DefaultHeadClientConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond

	client, err := NewHeadClient(context.Background(), wsURL(server), &cfg, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	heads, err := client.SubscribeNewHeads(context.Background())
	require.NoError(t, err)

	select {
	case h := <-heads:
		assert.Equal(t, uint64(0x2a), h.Number)
	case <-time.After(5 * time.Second):
		t.Fatalf("no head after reconnect, dials=%d", dials.Load())
	}
	assert.GreaterOrEqual(t, dials.Load(), int32(3))
}
