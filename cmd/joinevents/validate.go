package main

import (
	"fmt"

	"github.com/nagyistge/flink-dataflow/pkg/config"
	"github.com/spf13/cobra"
)

func newValidateConfigCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a configuration file with environment overrides applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ValidateAndLoad(*configFile)
			if err != nil {
				return err
			}
			if _, err := cfg.ToEngineConfig(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid: window %s, source A %s (%s), source B %s (%s)\n",
				cfg.Join.WindowSize, cfg.Sources.A.Name, cfg.Sources.A.Type, cfg.Sources.B.Name, cfg.Sources.B.Type)
			return nil
		},
	}
}
