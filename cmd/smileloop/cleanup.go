package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smileloop/smileloop/internal/cleanup"
	"github.com/smileloop/smileloop/internal/ratelimit"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired artifacts and rate-limit records once and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		janitor := cleanup.New(a.store, a.files, cleanup.Config{
			TTL:        a.cfg.JobTTL,
			RateWindow: ratelimit.New(a.store).MaxWindow(),
			Logger:     a.logger,
		})
		report, err := janitor.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired jobs: %d\nremoved files: %d\npruned rate-limit records: %d\n",
			report.Jobs, report.Files, report.RateLimits)
		return nil
	},
}
