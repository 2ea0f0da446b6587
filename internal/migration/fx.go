package migration

import (
	"strings"

	"github.com/smallbiznis/accountingproxy/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
		dialect := strings.ToLower(strings.TrimSpace(cfg.Type))
		if dialect == db.TypeSQLite {
			log.Info("applying gorm auto migration", zap.String("dialect", dialect))
			return AutoMigrate(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		log.Info("applying sql migrations", zap.String("dialect", dialect))
		return RunMigrations(sqlDB, dialect)
	}),
)
