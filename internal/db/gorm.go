package db

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"pixel-canvas/internal/config"
	"pixel-canvas/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm opens the configured database and migrates the schema
// Supported drivers: "sqlite" (a single file, the default) and "postgres".
func NewGorm(cfg *config.Config) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Database.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DatabaseURL())
	case "sqlite", "":
		if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(SQLiteDSN(cfg.DatabasePath))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	gdb, err := Open(dialector, logLevel(cfg.Database.LogSQL))
	if err != nil {
		return nil, err
	}

	if cfg.Database.Driver != "postgres" {
		// SQLite allows one writer; the committer is the only one anyway
		if sqlDB, err := gdb.DB.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	log.Printf("✓ Database (%s) connected and migrated successfully", dialector.Name())
	return gdb, nil
}

// Open connects with an explicit dialector and runs migrations
// Tests use it with a temporary SQLite file.
func Open(dialector gorm.Dialector, level logger.LogLevel) (*GormDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return &GormDB{db}, nil
}

// Migrate creates or updates the canvas and account tables
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Account{},
		&models.Edit{},
		&models.SnapshotRecord{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SQLiteDSN adds the pragmas the change log relies on: WAL so readers do not
// block the committer, FULL sync so an acknowledged append survives power
// loss, and a busy timeout for the rare concurrent maintenance query.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		path, (10 * time.Second).Milliseconds())
}

func logLevel(logSQL bool) logger.LogLevel {
	if logSQL {
		return logger.Info
	}
	return logger.Warn
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
