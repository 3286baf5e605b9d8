package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"donut-notifier/internal/chain/stub"
	"donut-notifier/internal/config"
	"donut-notifier/internal/domain"
	"donut-notifier/internal/notifier"
	"donut-notifier/internal/observability"
	"donut-notifier/internal/pricefeed"
	"donut-notifier/internal/storage/memory"
)

const testSecret = "s3cret"

type fakeRunner struct {
	res   *notifier.Result
	err   error
	calls int
	last  *domain.RunRecord
}

func (f *fakeRunner) Run(_ context.Context, trigger domain.Trigger) (*notifier.Result, error) {
	f.calls++
	f.last = &domain.RunRecord{RunID: "run-1", Trigger: trigger}
	if f.err != nil {
		f.last.Error = f.err.Error()
		return nil, f.err
	}
	f.last.Outcome = f.res.Outcome
	return f.res, nil
}

func (f *fakeRunner) Last() *domain.RunRecord {
	return f.last
}

type fakePrices struct {
	quote pricefeed.Quote
	err   error
}

func (f *fakePrices) Get(context.Context) (pricefeed.Quote, error) {
	return f.quote, f.err
}

func (f *fakePrices) Peek() (pricefeed.Quote, bool) {
	return f.quote, !f.quote.FetchedAt.IsZero()
}

func newTestServer(runner Runner, opts ...func(*Options)) *Server {
	o := Options{
		Config:  config.ServerConfig{CronSecret: testSecret},
		Runner:  runner,
		Metrics: observability.NewMetrics("", nil),
		Logger:  zap.NewNop(),
		Clock:   clock.NewMock(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o)
}

func do(t *testing.T, h http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestCron_UnauthorizedMakesNoChainReads(t *testing.T) {
	reader := stub.NewReader(common.HexToAddress("0x01"))
	flags := memory.NewFlagStore()
	n := notifier.New(notifier.Options{Chain: reader, Flags: flags})
	runner := notifier.NewRunner(n, nil, nil, nil, nil)
	s := newTestServer(runner)

	for _, auth := range []string{"", "Bearer wrong", "s3cret", "bearer s3cret", "Bearer s3cret "} {
		rec := do(t, s.Handler(), http.MethodGet, CronPath, auth)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "auth %q", auth)
		assert.Equal(t, map[string]any{"error": "Unauthorized"}, decode(t, rec))
	}

	assert.Zero(t, reader.Calls())
	assert.Nil(t, runner.Last())
}

func TestCron_EmptySecretRejects(t *testing.T) {
	runner := &fakeRunner{res: &notifier.Result{Outcome: domain.OutcomeNotInRange}}
	s := newTestServer(runner, func(o *Options) { o.Config.CronSecret = "" })

	rec := do(t, s.Handler(), http.MethodGet, CronPath, "Bearer ")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, runner.calls)
}

func TestCron_MethodNotAllowed(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestServer(runner)

	rec := do(t, s.Handler(), http.MethodPost, CronPath, "Bearer "+testSecret)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
	assert.Zero(t, runner.calls)
}

func TestCron_Success(t *testing.T) {
	runner := &fakeRunner{res: &notifier.Result{
		Outcome:    domain.OutcomeSent,
		Recipients: 7,
		Evaluation: &domain.Evaluation{Strategy: domain.StrategyBalanced, BreakEvenMinutes: 40, TargetMinutes: 60, CanBuy: true},
	}}
	s := newTestServer(runner)

	rec := do(t, s.Handler(), http.MethodGet, CronPath, "Bearer "+testSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Notification sent", body["message"])
	assert.Equal(t, 7.0, body["recipients"])
	assert.Equal(t, domain.TriggerHTTP, runner.last.Trigger)
}

func TestCron_NoopOutcome(t *testing.T) {
	runner := &fakeRunner{res: &notifier.Result{Outcome: domain.OutcomeAlreadyNotified}}
	s := newTestServer(runner)

	rec := do(t, s.Handler(), http.MethodGet, CronPath, "Bearer "+testSecret)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "Already notified", body["message"])
	assert.NotContains(t, body, "recipients")
}

func TestCron_Failure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("read pool config: rpc down")}
	s := newTestServer(runner)

	rec := do(t, s.Handler(), http.MethodGet, CronPath, "Bearer "+testSecret)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]any{"error": "read pool config: rpc down"}, decode(t, rec))

	status := decode(t, do(t, s.Handler(), http.MethodGet, "/status", ""))
	assert.Equal(t, 1.0, status["http_triggers"])
	assert.Equal(t, 1.0, status["http_failures"])
	lastRun := status["last_run"].(map[string]any)
	assert.Equal(t, "read pool config: rpc down", lastRun["error"])
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeRunner{})

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&fakeRunner{})

	do(t, s.Handler(), http.MethodGet, "/health", "")
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "donut_notifier_http_requests_total")
}

func TestStatus_NoRunsYet(t *testing.T) {
	s := newTestServer(&fakeRunner{})

	body := decode(t, do(t, s.Handler(), http.MethodGet, "/status", ""))
	assert.Equal(t, "running", body["status"])
	assert.NotContains(t, body, "last_run")
}

func TestEthPrice(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := newTestServer(&fakeRunner{}, func(o *Options) {
		o.Prices = &fakePrices{quote: pricefeed.Quote{USD: 3120.5, FetchedAt: at}}
	})

	rec := do(t, s.Handler(), http.MethodGet, "/api/eth-price", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, 3120.5, body["usd"])
	assert.Equal(t, "2026-05-01T00:00:00Z", body["fetched_at"])
}

func TestEthPrice_Errors(t *testing.T) {
	disabled := newTestServer(&fakeRunner{})
	assert.Equal(t, http.StatusNotFound, do(t, disabled.Handler(), http.MethodGet, "/api/eth-price", "").Code)

	failing := newTestServer(&fakeRunner{}, func(o *Options) {
		o.Prices = &fakePrices{err: errors.New("upstream 429")}
	})
	assert.Equal(t, http.StatusBadGateway, do(t, failing.Handler(), http.MethodGet, "/api/eth-price", "").Code)
}

func TestRuns(t *testing.T) {
	runs := memory.NewRunStore(10)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, runs.Insert(context.Background(), &domain.RunRecord{
			RunID:     string(rune('a' + i)),
			Trigger:   domain.TriggerSchedule,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Duration:  1500 * time.Millisecond,
			Outcome:   domain.OutcomeNotInRange,
		}))
	}
	s := newTestServer(&fakeRunner{}, func(o *Options) { o.Runs = runs })

	rec := do(t, s.Handler(), http.MethodGet, "/api/runs?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "c", out[0].RunID)
	assert.Equal(t, "b", out[1].RunID)
	assert.Equal(t, int64(1500), out[0].DurationMs)
	assert.Equal(t, "Not in range", out[0].Outcome)

	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodGet, "/api/runs?limit=x", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodGet, "/api/runs?limit=0", "").Code)
}

func TestStatus_LastEthPrice(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := newTestServer(&fakeRunner{}, func(o *Options) {
		o.Prices = &fakePrices{quote: pricefeed.Quote{USD: 2999.5, FetchedAt: at}}
	})

	body := decode(t, do(t, s.Handler(), http.MethodGet, "/status", ""))
	price := body["last_eth_price"].(map[string]any)
	assert.Equal(t, 2999.5, price["usd"])
	assert.Equal(t, "2026-05-01T00:00:00Z", price["fetched_at"])

	empty := newTestServer(&fakeRunner{}, func(o *Options) { o.Prices = &fakePrices{} })
	assert.NotContains(t, decode(t, do(t, empty.Handler(), http.MethodGet, "/status", "")), "last_eth_price")
}

func TestNotifications(t *testing.T) {
	store := memory.NewNotificationStore()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Insert(context.Background(), &domain.NotificationRecord{
			SentAt: base.Add(time.Duration(i) * time.Hour),
			Notification: domain.Notification{
				Title:     "Pool is in range",
				Body:      "Break-even 17m vs 30m target (conservative).",
				TargetURL: "https://peeples.example",
			},
			FIDs: []int64{int64(100 + i), int64(200 + i)},
		}))
	}
	s := newTestServer(&fakeRunner{}, func(o *Options) { o.Notifications = store })

	rec := do(t, s.Handler(), http.MethodGet, "/api/notifications?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []NotificationSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, int64(3), out[0].ID)
	assert.Equal(t, int64(2), out[1].ID)
	assert.Equal(t, []int64{102, 202}, out[0].FIDs)
	assert.Equal(t, "Pool is in range", out[0].Title)
	assert.Equal(t, base.Add(2*time.Hour), out[0].SentAt)

	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodGet, "/api/notifications?limit=-1", "").Code)

	disabled := newTestServer(&fakeRunner{})
	assert.Equal(t, http.StatusNotFound, do(t, disabled.Handler(), http.MethodGet, "/api/notifications", "").Code)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, CronPath, routeLabel(CronPath))
	assert.Equal(t, "/api/notifications", routeLabel("/api/notifications"))
	assert.Equal(t, "/api/other", routeLabel("/api/whatever"))
	assert.Equal(t, "other", routeLabel("/wp-admin"))
}

func TestListenAndServe_Shutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newTestServer(&fakeRunner{}, func(o *Options) {
		o.Config.Addr = "127.0.0.1:0"
		o.Config.ShutdownTimeout = time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
