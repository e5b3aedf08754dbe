package migration

import (
	"github.com/quillforge/quillforge/internal/config"
	creditdomain "github.com/quillforge/quillforge/internal/credit/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Versioned migrations target postgres; other dialects are for
			// local development and tests where AutoMigrate is enough.
			return conn.AutoMigrate(
				&creditdomain.Balance{},
				&creditdomain.LedgerEntry{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
