package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atacama-labs/pricewatch/internal/app"
)

// scheduleCmd runs the long-lived daemon: scheduler, dispatcher, health
// monitor and, when enabled, the HTTP surface.
func scheduleCmd(ctx context.Context) *cobra.Command {
	var demo bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the tier scheduler as a daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if demo {
				applyDemoMode(cfg)
			}

			a, err := app.New(cmd.Context(), *cfg, pipelineDriver(demo, cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().
				Bool("http", a.Server != nil).
				Bool("demo", demo).
				Msg("starting scheduler daemon")
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "run against the offline demo catalog, no DB or Redis needed")
	return cmd
}
