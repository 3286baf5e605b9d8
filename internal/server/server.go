// Package server exposes the cron trigger and operational endpoints over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"donut-notifier/internal/config"
	"donut-notifier/internal/domain"
	"donut-notifier/internal/notifier"
	"donut-notifier/internal/observability"
	"donut-notifier/internal/pricefeed"
	"donut-notifier/internal/storage"
)

// CronPath is the trigger endpoint called by the external scheduler.
const CronPath = "/api/cron/in-range"

// Runner runs one serialized notifier invocation.
type Runner interface {
	Run(ctx context.Context, trigger domain.Trigger) (*notifier.Result, error)
	Last() *domain.RunRecord
}

// Prices serves the cached ETH/USD quote.
type Prices interface {
	notifier.PriceSource
	// Peek returns the last fetched quote without refreshing it.
	Peek() (pricefeed.Quote, bool)
}

// Options holds Server dependencies. Prices, Runs, Notifications and Metrics are optional.
type Options struct {
	Config        config.ServerConfig
	Runner        Runner
	Prices        Prices
	Runs          storage.RunStore
	Notifications storage.NotificationStore
	Metrics       *observability.Metrics
	Logger        *zap.Logger
	Clock         clock.Clock
}

// Server serves the notifier's HTTP API.
type Server struct {
	cfg           config.ServerConfig
	runner        Runner
	prices        Prices
	runs          storage.RunStore
	notifications storage.NotificationStore
	metrics       *observability.Metrics
	logger        *zap.Logger
	clock         clock.Clock
	handler       http.Handler

	mu       sync.Mutex
	started  time.Time
	triggers int
	failures int
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &Server{
		cfg:           opts.Config,
		runner:        opts.Runner,
		prices:        opts.Prices,
		runs:          opts.Runs,
		notifications: opts.Notifications,
		metrics:       opts.Metrics,
		logger:        opts.Logger.Named("server"),
		clock:         opts.Clock,
		started:       opts.Clock.Now(),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(CronPath, s.handleCron)

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics
	mux.Handle("/metrics", s.metrics.Handler())

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/api/eth-price", s.handlePrice)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/notifications", s.handleNotifications)

	return s.instrument(mux)
}

// ListenAndServe serves on the configured address until ctx is cancelled,
// then shuts down gracefully within the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// cronResponse is the JSON body of a successful trigger.
type cronResponse struct {
	Success    bool               `json:"success"`
	Message    string             `json:"message"`
	Recipients *int               `json:"recipients,omitempty"`
	Evaluation *domain.Evaluation `json:"evaluation,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleCron runs one invocation. Authorization is checked before any other work.
func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
		return
	}
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		return
	}

	res, err := s.runner.Run(r.Context(), domain.TriggerHTTP)

	s.mu.Lock()
	s.triggers++
	if err != nil {
		s.failures++
	}
	s.mu.Unlock()

	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	resp := cronResponse{
		Success:    true,
		Message:    res.Outcome.String(),
		Evaluation: res.Evaluation,
	}
	if res.Outcome == domain.OutcomeSent {
		resp.Recipients = &res.Recipients
	}
	writeJSON(w, http.StatusOK, resp)
}

// authorized compares the bearer token in constant time. An empty secret rejects everything.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.CronSecret == "" {
		return false
	}
	want := "Bearer " + s.cfg.CronSecret
	got := r.Header.Get("Authorization")
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// StatusResponse is the JSON response for the /status endpoint.
type StatusResponse struct {
	Status    string           `json:"status"`
	Uptime    string           `json:"uptime"`
	StartedAt time.Time        `json:"started_at"`
	Triggers  int              `json:"http_triggers"`
	Failures  int              `json:"http_failures"`
	LastRun   *RunSummary      `json:"last_run,omitempty"`
	ETHPrice  *pricefeed.Quote `json:"last_eth_price,omitempty"`
}

// RunSummary is the JSON form of a recorded run.
type RunSummary struct {
	RunID      string             `json:"run_id"`
	Trigger    string             `json:"trigger"`
	StartedAt  time.Time          `json:"started_at"`
	DurationMs int64              `json:"duration_ms"`
	Outcome    string             `json:"outcome,omitempty"`
	Error      string             `json:"error,omitempty"`
	Miner      string             `json:"miner,omitempty"`
	Recipients int                `json:"recipients"`
	Evaluation *domain.Evaluation `json:"evaluation,omitempty"`
}

func newRunSummary(r *domain.RunRecord) *RunSummary {
	if r == nil {
		return nil
	}
	return &RunSummary{
		RunID:      r.RunID,
		Trigger:    string(r.Trigger),
		StartedAt:  r.StartedAt,
		DurationMs: r.Duration.Milliseconds(),
		Outcome:    string(r.Outcome),
		Error:      r.Error,
		Miner:      r.Miner,
		Recipients: r.Recipients,
		Evaluation: r.Evaluation,
	}
}

// handleStatus returns server status as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := StatusResponse{
		Status:    "running",
		Uptime:    s.clock.Since(s.started).Round(time.Second).String(),
		StartedAt: s.started,
		Triggers:  s.triggers,
		Failures:  s.failures,
	}
	s.mu.Unlock()

	resp.LastRun = newRunSummary(s.runner.Last())
	if s.prices != nil {
		if q, ok := s.prices.Peek(); ok {
			resp.ETHPrice = &q
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type priceResponse struct {
	USD       float64   `json:"usd"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if s.prices == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "price feed disabled"})
		return
	}
	q, err := s.prices.Get(r.Context())
	if err != nil {
		s.logger.Warn("eth price unavailable", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{USD: q.USD, FetchedAt: q.FetchedAt})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run history disabled"})
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.runs.Recent(r.Context(), limit)
	if err != nil {
		s.metrics.RecordStoreError("runs", "recent")
		s.logger.Error("failed to list runs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	out := make([]*RunSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, newRunSummary(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// NotificationSummary is the JSON form of a delivered notification.
type NotificationSummary struct {
	ID        int64     `json:"id"`
	SentAt    time.Time `json:"sent_at"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	TargetURL string    `json:"target_url"`
	FIDs      []int64   `json:"fids"`
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.notifications == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "notification log disabled"})
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.notifications.Recent(r.Context(), limit)
	if err != nil {
		s.metrics.RecordStoreError("notifications", "recent")
		s.logger.Error("failed to list notifications", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	out := make([]NotificationSummary, 0, len(records))
	for _, rec := range records {
		fids := rec.FIDs
		if fids == nil {
			fids = []int64{}
		}
		out = append(out, NotificationSummary{
			ID:        rec.ID,
			SentAt:    rec.SentAt,
			Title:     rec.Notification.Title,
			Body:      rec.Notification.Body,
			TargetURL: rec.Notification.TargetURL,
			FIDs:      fids,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// parseLimit reads ?limit=N. It writes a 400 and returns false when N is not positive.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return storage.DefaultRecentLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(routeLabel(r.URL.Path), rec.code)
	})
}

// routeLabel bounds metric cardinality to the known routes.
func routeLabel(path string) string {
	switch path {
	case CronPath, "/health", "/metrics", "/status", "/api/eth-price", "/api/runs", "/api/notifications":
		return path
	}
	if strings.HasPrefix(path, "/api/") {
		return "/api/other"
	}
	return "other"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
