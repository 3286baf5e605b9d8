package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"donut-notifier/internal/domain"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one invocation and print the result as JSON",
	Long: `Runs the break-even check once, exactly as the cron endpoint would,
and prints the outcome. With the memory flag store the flag does not
survive the process, so repeated checks may notify again.`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(false); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context(), logger)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.runner.Run(ctx, domain.TriggerCLI)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
