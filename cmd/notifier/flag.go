package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"donut-notifier/internal/config"
	"donut-notifier/internal/storage"
)

var flagCmd = &cobra.Command{
	Use:   "flag",
	Short: "Inspect or override the in-range notification flag",
	Long: `The flag is set when holders have been notified for the current in-range
episode and cleared when the pool loses the miner seat.

  flag get    print whether the flag is set
  flag set    mark the episode as notified, suppressing the next send
  flag clear  forget the episode, so the next in-range run notifies again`,
}

var flagGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print whether the notification flag is set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFlagStore(cmd, func(ctx context.Context, fs storage.FlagStore, key string) error {
			set, err := fs.Get(ctx, key)
			if err != nil {
				return err
			}
			return printFlag(cmd, key, set)
		})
	},
}

var flagSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set the notification flag",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFlagStore(cmd, func(ctx context.Context, fs storage.FlagStore, key string) error {
			if err := fs.Set(ctx, key); err != nil {
				return err
			}
			logger.Info("notification flag set by operator", zap.String("key", key))
			return printFlag(cmd, key, true)
		})
	},
}

var flagClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the notification flag",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFlagStore(cmd, func(ctx context.Context, fs storage.FlagStore, key string) error {
			if err := fs.Delete(ctx, key); err != nil {
				return err
			}
			logger.Info("notification flag cleared by operator", zap.String("key", key))
			return printFlag(cmd, key, false)
		})
	},
}

func init() {
	flagCmd.AddCommand(flagGetCmd, flagSetCmd, flagClearCmd)
}

// withFlagStore opens only the configured flag store and runs fn against it.
func withFlagStore(cmd *cobra.Command, fn func(ctx context.Context, fs storage.FlagStore, key string) error) error {
	sc := cfg.Storage
	if sc.FlagDriver == config.DriverMemory {
		return errors.New("storage.flag_driver is memory: the flag only exists inside a running process")
	}
	if sc.FlagKey == "" {
		return errors.New("storage.flag_key is required")
	}

	ctx := cmd.Context()
	a := &app{cfg: cfg, logger: logger}
	defer a.Close()

	pool, err := a.openPostgres(ctx, sc.FlagDriver == config.DriverPostgres)
	if err != nil {
		return err
	}
	if err := a.openFlags(pool); err != nil {
		return err
	}
	return fn(ctx, a.flags, sc.FlagKey)
}

func printFlag(cmd *cobra.Command, key string, set bool) error {
	return json.NewEncoder(cmd.OutOrStdout()).Encode(struct {
		Key string `json:"key"`
		Set bool   `json:"set"`
	}{key, set})
}
