package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atacama-labs/pricewatch/internal/persistence/postgres"
)

// migrateCmd applies the schema to the configured database and exits.
func migrateCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.DB.Enabled {
				return fmt.Errorf("db is disabled in the configuration, nothing to migrate")
			}

			mgr, err := postgres.NewManager(cfg.DB)
			if err != nil {
				return err
			}
			defer mgr.Close()

			if err := mgr.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			log.Info().Msg("schema is up to date")
			return nil
		},
	}
	return cmd
}
