package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atacama-labs/pricewatch/internal/app"
	"github.com/atacama-labs/pricewatch/internal/browser"
	"github.com/atacama-labs/pricewatch/internal/config"
)

// scanCmd runs one full cycle: scrape, ingest, match, detect, alert.
func scanCmd(ctx context.Context) *cobra.Command {
	var (
		demo      bool
		tier      string
		retailers string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scrape-to-alert cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			minTier, err := parseTier(tier)
			if err != nil {
				return err
			}
			if retailers != "" {
				cfg.Scraping.Retailers = splitList(retailers)
			}
			// One-shot runs have no observation surface to serve.
			cfg.HTTP.Enabled = false
			if demo {
				applyDemoMode(cfg)
			}

			a, err := app.New(cmd.Context(), *cfg, pipelineDriver(demo, cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.RunCycle(cmd.Context(), minTier)
			if err != nil {
				return err
			}
			a.Dispatcher.Drain(cmd.Context())

			log.Info().
				Int("products", summary.Scrape.Products).
				Int("accepted", summary.Scrape.Accepted).
				Int("failures", summary.Scrape.Failures).
				Int("matched", summary.Matching.Matched).
				Int("detected", summary.Detection.Detected).
				Int64("alerts_sent", a.Dispatcher.Stats().Sent).
				Msg("scan complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "run against the offline demo catalog, no DB or Redis needed")
	addTierFlag(cmd.Flags(), &tier)
	cmd.Flags().StringVar(&retailers, "retailers", "", "comma-separated retailer override")
	return cmd
}

// applyDemoMode strips the external dependencies so the pipeline runs
// fully in-process.
func applyDemoMode(cfg *config.Config) {
	cfg.DB.Enabled = false
	cfg.Redis.Enabled = false
	log.Info().Msg("demo mode: using in-process storage and the demo catalog")
}

// pipelineDriver picks the browser engine. The production engine is an
// external process wired in by deployments that embed the pipeline; the
// binary itself ships the scripted engine only.
func pipelineDriver(demo bool, cfg *config.Config) browser.Driver {
	if demo {
		category := "smartphones"
		if len(cfg.Scraping.Categories) > 0 {
			category = cfg.Scraping.Categories[0]
		}
		return browser.NewDemoDriver(category, 0)
	}
	log.Warn().Msg("no browser engine configured, sessions will extract nothing")
	return browser.NewScriptedDriver()
}
