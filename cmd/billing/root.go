package main

import (
	"github.com/spf13/cobra"

	"github.com/dukerupert/credits/internal/config"
)

type options struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "billing",
		Short:         "Credits billing service",
		Long:          "billing runs the credits HTTP API with PayPal checkout and the subscription renewal scheduler. Settings come from an optional config file and CREDITS_* environment variables.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a config file (yaml, toml or json)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
	)
	return rootCmd
}
