package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// OpenSQLite establishes a SQLite connection in WAL mode and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	queryLogger, err := newGormLogger(logger)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: queryLogger})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	var journalMode string
	if err := db.Raw("PRAGMA journal_mode=WAL").Scan(&journalMode).Error; err != nil {
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		logger.Warn("sqlite journal mode unchanged", zap.String("path", path), zap.String("journal_mode", journalMode))
	}

	if err := db.AutoMigrate(&docstore.DocumentRecord{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path), zap.String("journal_mode", journalMode))

	return db, nil
}

// newGormLogger routes gorm's warnings and errors through zap. Lookups that find no row are
// a normal outcome for document reads and are not logged.
func newGormLogger(logger *zap.Logger) (gormlogger.Interface, error) {
	writer, err := zap.NewStdLogAt(logger.Named("gorm"), zap.WarnLevel)
	if err != nil {
		return nil, err
	}
	return gormlogger.New(writer, gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	}), nil
}
