package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
)

var configPath string

// Execute builds the command tree and runs it under the signal context.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "pricewatch",
		Short:         "Multi-retailer price intelligence pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/pricewatch.yaml", "path to the YAML config file")

	root.AddCommand(
		scanCmd(ctx),
		scheduleCmd(ctx),
		detectCmd(ctx),
		serveCmd(ctx),
		migrateCmd(ctx),
		versionCmd(),
	)
	return root.ExecuteContext(ctx)
}

// loadConfig reads the YAML file, applies env overrides and switches the
// global logger to the configured level and format.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyLogConfig(cfg.Log)
	return cfg, nil
}

func applyLogConfig(cfg config.LogConfig) {
	if cfg.Level != "" {
		if level, err := zerolog.ParseLevel(cfg.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		} else {
			log.Warn().Str("level", cfg.Level).Msg("unknown log level, keeping default")
		}
	}
	switch cfg.Format {
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	case "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	// "auto" keeps the terminal detection done at startup.
}

// addTierFlag registers the alert-tier flag shared by scan and detect.
func addTierFlag(fs *pflag.FlagSet, p *string) {
	fs.StringVar(p, "tier", "tracking", "minimum tier that emits alerts: critical, important or tracking")
}

func parseTier(s string) (domain.Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return domain.TierCritical, nil
	case "important":
		return domain.TierImportant, nil
	case "tracking", "":
		return domain.TierTracking, nil
	default:
		return "", fmt.Errorf("unknown tier %q, want critical, important or tracking", s)
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
