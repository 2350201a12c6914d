package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-atis/internal/config"
	"github.com/loqalabs/loqa-atis/internal/station"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and every configured station",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			var errs []error
			for _, st := range station.FromConfig(cfg.Stations, time.Now()) {
				if err := st.Validate(); err != nil {
					errs = append(errs, fmt.Errorf("station %s: %w", st.ID, err))
				}
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d stations\n", len(cfg.Stations))
			return nil
		},
	}
}
