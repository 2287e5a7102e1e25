package migration

import (
	"github.com/propreel/propreel/internal/config"
	generationdomain "github.com/propreel/propreel/internal/generation/domain"
	ledgerdomain "github.com/propreel/propreel/internal/ledger/domain"
	"github.com/propreel/propreel/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Non-postgres deployments (local sqlite, mysql) get the schema
			// straight from the models.
			if err := conn.AutoMigrate(
				&ledgerdomain.Account{},
				&ledgerdomain.UsageRecord{},
				&generationdomain.Job{},
				&generationdomain.JobItem{},
			); err != nil {
				return err
			}
		} else {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		}

		if cfg.Environment == "development" {
			return seed.EnsureDemoAccounts(conn)
		}
		return nil
	}),
)
