package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Renew every due subscription once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(opts.cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.scheduler.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d renewals failed", report.Failed, report.Due)
			}
			return nil
		},
	}
}
