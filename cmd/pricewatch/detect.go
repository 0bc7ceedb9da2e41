package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atacama-labs/pricewatch/internal/app"
	"github.com/atacama-labs/pricewatch/internal/browser"
)

// detectCmd re-runs matching and detection over already-persisted data,
// without scraping. Useful after threshold changes in the config table.
func detectCmd(ctx context.Context) *cobra.Command {
	var tier string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run matching and opportunity detection over stored prices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			minTier, err := parseTier(tier)
			if err != nil {
				return err
			}
			cfg.HTTP.Enabled = false

			// No scraping happens here; the engine is never asked for a
			// session.
			a, err := app.New(cmd.Context(), *cfg, browser.NewScriptedDriver())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.DetectOnce(cmd.Context(), minTier)
			if err != nil {
				return err
			}
			a.Dispatcher.Drain(cmd.Context())

			log.Info().
				Int("matches", report.Matches).
				Int("detected", report.Detected).
				Int("inserted", report.Inserted).
				Int("refreshed", report.Refreshed).
				Float64("total_margin_clp", report.TotalMargin).
				Int64("alerts_sent", a.Dispatcher.Stats().Sent).
				Msg("detection complete")
			return nil
		},
	}
	addTierFlag(cmd.Flags(), &tier)
	return cmd
}
