package main

import (
	"os"

	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"duel/internal/config"
	"duel/internal/logging"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "duel",
		Short:         "PvP price duel match service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "duel.yaml", "path to YAML config (missing file means defaults)")

	root.AddCommand(serveCmd(), migrateCmd(), apikeyCmd(), feedsimCmd())

	if err := root.Execute(); err != nil {
		zlog.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig reads the config and installs the global logger
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}
