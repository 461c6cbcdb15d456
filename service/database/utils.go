package database

import (
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"datapush-service/service/config"
)

// Open 按配置连接 postgres 或 sqlite
func Open(cfg config.DBConfig, logLevel string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(gormLogLevel(logLevel))}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	default:
		dialector = postgres.Open(cfg.DSN())
	}
	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// sqlite 不支持并发写
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	slog.Info("数据库连接成功", "driver", cfg.Driver)
	return db, nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "debug":
		return logger.Info
	case "error":
		return logger.Error
	default:
		return logger.Warn
	}
}

// CheckSchemaExists 检查 schema 是否存在
func CheckSchemaExists(db *gorm.DB, schemaName string) bool {
	var count int64
	db.Raw("SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?", schemaName).Scan(&count)
	return count > 0
}

// EnsureSchema 不存在时创建 schema
func EnsureSchema(db *gorm.DB, schemaName string) error {
	if schemaName == "" || CheckSchemaExists(db, schemaName) {
		return nil
	}
	slog.Info("开始创建 schema", "schema", schemaName)
	if err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(schemaName)).Error; err != nil {
		return fmt.Errorf("创建 schema %s 失败: %w", schemaName, err)
	}
	return nil
}
