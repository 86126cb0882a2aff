package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/estatehub/intake/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "intake",
		Short:         "Telegram voice intake for the CRM",
		Version:       version,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (defaults to $CONFIG_PATH, then config.toml).")

	resolvePath := func() string {
		if configPath != "" {
			return configPath
		}
		return os.Getenv("CONFIG_PATH")
	}

	cmd.AddCommand(newServeCmd(resolvePath))
	cmd.AddCommand(newMigrateCmd(resolvePath))
	cmd.AddCommand(newTokenCmd(resolvePath))
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
