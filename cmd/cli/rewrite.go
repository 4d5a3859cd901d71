package main

import (
	"context"
	"fmt"

	"bizflow/internal/config"
	"bizflow/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// rewriteCmd is the one-time maintenance pass after a service rename or
// split: stored automations and executions get their legacy type ids
// rewritten to the current form. The registry keeps old ids resolvable
// either way, so running this is an optimization, not a migration gate.
var rewriteCmd = &cobra.Command{
	Use:   "rewrite-types",
	Short: "Rewrite stored legacy type ids to their current form",
	Long: `Rereads all stored automations and executions and rewrites any type id
matching a registered rename to its current form. Safe to run repeatedly;
a second pass is a no-op.`,
	RunE: runRewrite,
}

func init() {
	rootCmd.AddCommand(rewriteCmd)
}

func runRewrite(cmd *cobra.Command, args []string) error {
	cfg := config.GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := config.InitLogger(cfg); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger := logrus.StandardLogger()

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	registry := services.NewTypeRegistry(logger)
	if err := registry.LoadConfig(cfg.Registry); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	if len(cfg.Registry.Renames) == 0 {
		for old, current := range services.DefaultRenames() {
			if err := registry.Rename(old, current); err != nil {
				return fmt.Errorf("default renames: %w", err)
			}
		}
	}

	stats, err := services.NewTypeRewriteService(db, registry, logger).RewriteAll(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("automations: %d scanned, %d rewritten\n", stats.AutomationsScanned, stats.AutomationsRewritten)
	fmt.Printf("executions:  %d scanned, %d rewritten\n", stats.ExecutionsScanned, stats.ExecutionsRewritten)
	return nil
}
