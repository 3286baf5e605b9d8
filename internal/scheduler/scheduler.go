// Package scheduler fires notifier invocations on an interval and on new chain heads.
package scheduler

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"donut-notifier/internal/chain"
	"donut-notifier/internal/config"
	"donut-notifier/internal/domain"
	"donut-notifier/internal/notifier"
	"donut-notifier/internal/observability"
)

// ErrHeadsClosed is returned when the head subscription ends before shutdown.
var ErrHeadsClosed = errors.New("scheduler: head subscription closed")

// Runner runs an invocation unless one is already in progress.
type Runner interface {
	TryRun(ctx context.Context, trigger domain.Trigger) (*notifier.Result, error)
}

// Options holds Scheduler dependencies. Heads is required only when EveryBlocks > 0.
type Options struct {
	Config  config.SchedulerConfig
	Runner  Runner
	Heads   chain.HeadSubscriber
	Metrics *observability.Metrics
	Logger  *zap.Logger
	Clock   clock.Clock
}

// Scheduler owns the interval and head triggers.
type Scheduler struct {
	cfg     config.SchedulerConfig
	runner  Runner
	heads   chain.HeadSubscriber
	metrics *observability.Metrics
	logger  *zap.Logger
	clock   clock.Clock
	limiter *rate.Limiter
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	limit := rate.Inf
	if opts.Config.MinInterval > 0 {
		limit = rate.Every(opts.Config.MinInterval)
	}

	return &Scheduler{
		cfg:     opts.Config,
		runner:  opts.Runner,
		heads:   opts.Heads,
		metrics: opts.Metrics,
		logger:  opts.Logger.Named("scheduler"),
		clock:   opts.Clock,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Enabled reports whether any trigger is configured.
func (s *Scheduler) Enabled() bool {
	return s.cfg.Interval > 0 || (s.cfg.EveryBlocks > 0 && s.heads != nil)
}

// Run blocks until ctx is cancelled or the head subscription fails.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.Interval > 0 {
		g.Go(func() error {
			return s.runInterval(gctx)
		})
	}
	if s.cfg.EveryBlocks > 0 && s.heads != nil {
		g.Go(func() error {
			return s.runHeads(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// runInterval fires immediately, then on every tick.
func (s *Scheduler) runInterval(ctx context.Context) error {
	s.logger.Info("starting interval trigger", zap.Duration("interval", s.cfg.Interval))

	ticker := s.clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()

	s.fire(ctx, domain.TriggerSchedule)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.fire(ctx, domain.TriggerSchedule)
		}
	}
}

// runHeads fires once every EveryBlocks heads, subject to the min interval.
func (s *Scheduler) runHeads(ctx context.Context) error {
	heads, err := s.heads.SubscribeNewHeads(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("starting head trigger",
		zap.Uint64("every_blocks", s.cfg.EveryBlocks),
		zap.Duration("min_interval", s.cfg.MinInterval))

	var last uint64
	var fired bool

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case head, ok := <-heads:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrHeadsClosed
			}
			s.metrics.RecordHead(head.Number)

			if fired && head.Number < last+s.cfg.EveryBlocks {
				continue
			}
			if !s.limiter.AllowN(s.clock.Now(), 1) {
				s.logger.Debug("head trigger throttled", zap.Uint64("block", head.Number))
				continue
			}
			last, fired = head.Number, true
			s.fire(ctx, domain.TriggerHead)
		}
	}
}

// fire runs one invocation. Errors are logged by the runner; the loop continues.
func (s *Scheduler) fire(ctx context.Context, trigger domain.Trigger) {
	_, err := s.runner.TryRun(ctx, trigger)
	switch {
	case err == nil:
	case errors.Is(err, notifier.ErrBusy):
		s.logger.Debug("invocation already running, skipping", zap.String("trigger", string(trigger)))
	case ctx.Err() != nil:
	default:
		s.logger.Warn("scheduled invocation failed", zap.String("trigger", string(trigger)), zap.Error(err))
	}
}
