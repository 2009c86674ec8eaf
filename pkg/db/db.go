// 文件: pkg/db/db.go
// MySQL 连接 (gorm)

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"yieldcore.com/pkg/config"
	"yieldcore.com/pkg/distribution"
	"yieldcore.com/pkg/fund"
)

type DB struct {
	Gorm *gorm.DB
	SQL  *sql.DB
}

// Open 连接 MySQL, DSN 需要 parseTime=true
func Open(cfg config.DBConfig, log *zap.Logger) (*DB, error) {
	return OpenDialector(mysql.Open(cfg.DSN), cfg, log)
}

// OpenDialector 使用任意方言 (测试用 sqlite)
func OpenDialector(dialector gorm.Dialector, cfg config.DBConfig, log *zap.Logger) (*DB, error) {
	gcfg := &gorm.Config{
		Logger:         newGormLogger(log),
		TranslateError: true,
	}

	gdb, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	sqldb, err := gdb.DB()
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqldb.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{Gorm: gdb, SQL: sqldb}, nil
}

func Close(db *DB) error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.Close()
}

func Ping(ctx context.Context, db *DB) error {
	if db == nil || db.SQL == nil {
		return nil
	}
	return db.SQL.PingContext(ctx)
}

// AutoMigrate 建表: 持仓/分润记录/运行锁/余额/流水
func AutoMigrate(db *gorm.DB) error {
	models := append(distribution.Models(), &fund.Balance{}, &fund.Journal{})
	return db.AutoMigrate(models...)
}

// =============================================================================
// gorm 日志 → zap
// =============================================================================

type zapWriter struct {
	log *zap.SugaredLogger
}

func (w zapWriter) Printf(format string, args ...any) {
	w.log.Warnf(format, args...)
}

// newGormLogger 只输出慢查询和错误
func newGormLogger(log *zap.Logger) logger.Interface {
	if log == nil {
		return logger.Default.LogMode(logger.Silent)
	}
	return logger.New(zapWriter{log: log.Named("gorm").Sugar()}, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
