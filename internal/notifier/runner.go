package notifier

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"donut-notifier/internal/domain"
	"donut-notifier/internal/observability"
	"donut-notifier/internal/storage"
)

// ErrBusy is returned by TryRun when another invocation is in progress.
var ErrBusy = errors.New("notifier: invocation already running")

// Checker runs one notifier invocation.
type Checker interface {
	Check(ctx context.Context) (*Result, error)
}

// Runner serializes invocations from every trigger in the process
// and records each one.
type Runner struct {
	checker Checker
	runs    storage.RunStore // optional
	metrics *observability.Metrics
	logger  *zap.Logger
	clock   clock.Clock

	sem chan struct{}

	mu   sync.RWMutex
	last *domain.RunRecord
}

// NewRunner creates a Runner. runs and metrics may be nil.
func NewRunner(checker Checker, runs storage.RunStore, metrics *observability.Metrics, logger *zap.Logger, clk clock.Clock) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{
		checker: checker,
		runs:    runs,
		metrics: metrics,
		logger:  logger.Named("runner"),
		clock:   clk,
		sem:     make(chan struct{}, 1),
	}
}

// Run waits for any in-progress invocation, then runs one.
func (r *Runner) Run(ctx context.Context, trigger domain.Trigger) (*Result, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.sem }()

	return r.run(ctx, trigger)
}

// TryRun runs one invocation unless another is in progress, in which case
// it returns ErrBusy.
func (r *Runner) TryRun(ctx context.Context, trigger domain.Trigger) (*Result, error) {
	select {
	case r.sem <- struct{}{}:
	default:
		r.metrics.RecordSkipped()
		r.logger.Debug("invocation already running, skipping", zap.String("trigger", string(trigger)))
		return nil, ErrBusy
	}
	defer func() { <-r.sem }()

	return r.run(ctx, trigger)
}

// Last returns a copy of the most recent run, or nil before the first one.
func (r *Runner) Last() *domain.RunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return nil
	}
	cp := *r.last
	return &cp
}

func (r *Runner) run(ctx context.Context, trigger domain.Trigger) (*Result, error) {
	rec := &domain.RunRecord{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: r.clock.Now(),
	}
	log := r.logger.With(zap.String("run_id", rec.RunID), zap.String("trigger", string(trigger)))

	res, err := r.checker.Check(ctx)
	rec.Duration = r.clock.Since(rec.StartedAt)

	if err != nil {
		rec.Error = err.Error()
		log.Error("invocation failed", zap.Error(err), zap.Duration("duration", rec.Duration))
	} else {
		rec.Outcome = res.Outcome
		rec.Miner = res.Miner
		rec.Evaluation = res.Evaluation
		rec.Recipients = res.Recipients

		fields := []zap.Field{
			zap.String("outcome", res.Outcome.Label()),
			zap.Duration("duration", rec.Duration),
		}
		if res.Evaluation != nil {
			fields = append(fields,
				zap.Float64("break_even_minutes", res.Evaluation.BreakEvenMinutes),
				zap.Float64("target_minutes", res.Evaluation.TargetMinutes),
				zap.Bool("can_buy", res.Evaluation.CanBuy))
		}
		if res.Outcome == domain.OutcomeSent {
			fields = append(fields, zap.Int("recipients", res.Recipients))
		}
		log.Info("invocation complete", fields...)
	}

	r.metrics.RecordRun(trigger, rec.Outcome, rec.Failed(), rec.Duration, r.clock.Now())

	r.mu.Lock()
	r.last = rec
	r.mu.Unlock()

	if r.runs != nil {
		// The request context may already be cancelled; history is written regardless.
		if insErr := r.runs.Insert(context.WithoutCancel(ctx), rec); insErr != nil {
			r.metrics.RecordStoreError("runs", "insert")
			log.Warn("failed to record run", zap.Error(insErr))
		}
	}

	return res, err
}
