package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atacama-labs/pricewatch/internal/app"
	"github.com/atacama-labs/pricewatch/internal/browser"
)

// serveCmd runs the HTTP surface without the scheduler: health, status,
// metrics and the websocket event feed over whatever the database holds.
func serveCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /health, /status, /metrics and /ws/events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.HTTP.Enabled = true

			a, err := app.New(cmd.Context(), *cfg, browser.NewScriptedDriver())
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().
				Str("host", cfg.HTTP.Host).
				Int("port", cfg.HTTP.Port).
				Msg("starting http surface")
			return a.Serve(cmd.Context())
		},
	}
	return cmd
}
