package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"donut-notifier/internal/scheduler"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run invocations on a schedule without the HTTP trigger",
	Long: `Runs the scheduler only: every scheduler.interval and/or every
scheduler.every_blocks new heads (requires chain.ws_url).`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(false); err != nil {
		return err
	}
	if cfg.Scheduler.Interval <= 0 && cfg.Scheduler.EveryBlocks == 0 {
		return errors.New("watch requires scheduler.interval or scheduler.every_blocks")
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

	sched := scheduler.New(scheduler.Options{
		Config:  cfg.Scheduler,
		Runner:  a.runner,
		Heads:   heads,
		Metrics: a.metrics,
		Logger:  logger,
	})

	if err := sched.Run(ctx); err != nil {
		logger.Error("watch stopped", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
