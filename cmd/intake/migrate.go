package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/estatehub/intake/internal/db"
	"github.com/estatehub/intake/internal/logger"
)

func newMigrateCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <up|down>",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{string(db.Up), string(db.Down)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			dir := db.Direction(args[0])
			if err := db.Migrate(cfg.Postgres, dir); err != nil {
				return fmt.Errorf("migrate %s: %w", dir, err)
			}
			logger.L.Info("migration finished", slog.String("direction", string(dir)))
			return nil
		},
	}
}
