package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"donut-notifier/internal/scheduler"
	"donut-notifier/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the cron endpoint, status and metrics",
	Long: `Starts the HTTP server. GET /api/cron/in-range with
"Authorization: Bearer <CRON_SECRET>" runs one invocation.

If scheduler.interval or scheduler.every_blocks is set, the same process
also triggers invocations itself.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(true); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context(), logger)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	heads, err := a.headClient(ctx)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Config:        cfg.Server,
		Runner:        a.runner,
		Prices:        a.priceSource(),
		Runs:          a.runs,
		Notifications: a.notifications,
		Metrics:       a.metrics,
		Logger:        logger,
	})
	sched := scheduler.New(scheduler.Options{
		Config:  cfg.Scheduler,
		Runner:  a.runner,
		Heads:   heads,
		Metrics: a.metrics,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if sched.Enabled() {
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	err = g.Wait()
	if err != nil && err != context.Canceled {
		logger.Error("server error", zap.Error(err))
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
