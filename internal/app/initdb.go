package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/talkincode/wabridge/config"
)

// getDatabase opens the application database. sqlite files live under the
// workdir; anything else is treated as postgres.
func getDatabase(cfg config.DBConfig, workdir string) *gorm.DB {
	level := gormlogger.Error
	if cfg.Debug {
		level = gormlogger.Info
	}
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(level)}

	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "postgres", "postgresql":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name)
		dialector = postgres.Open(dsn)
	default:
		path := filepath.Join(workdir, cfg.Name+".db")
		dialector = sqlite.Open(fmt.Sprintf("file:%s?_foreign_keys=on", path))
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		zap.S().Panicf("open database failed: %s", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		zap.S().Panicf("obtain sql.DB failed: %s", err)
	}
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetMaxOpenConns(32)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db
}
