package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (uses modernc.org/sqlite)
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/devbench-ai/devbench/internal/config"
	"github.com/devbench-ai/devbench/internal/model"
)

// schemaVersion is bumped whenever the persisted layout changes shape in a
// way AutoMigrate alone cannot express.
const schemaVersion = 1

// DB wraps the GORM DB connection with additional context
type DB struct {
	*gorm.DB
	Driver string
}

// New creates a new database connection based on configuration
func New(cfg *config.Config) (*DB, error) {
	var db *gorm.DB
	var err error

	// Configure logger to only log slow queries (>1 second)
	slowLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second, // Log queries slower than 1 second
			LogLevel:                  logger.Warn, // Only log warnings and errors
			IgnoreRecordNotFoundError: true,        // Don't log "record not found" as error
			Colorful:                  true,
		},
	)

	gormConfig := &gorm.Config{
		Logger: slowLogger,
		// Fold driver-specific constraint errors into gorm.ErrDuplicatedKey
		// so callers can detect alias/key collisions portably.
		TranslateError: true,
	}

	driver := cfg.DatabaseDriver
	dsn := cfg.CleanDSN()

	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		// For SQLite, we need to handle the DSN differently
		// Remove "file:" prefix if present
		sqliteDSN := strings.TrimPrefix(dsn, "file:")

		// Ensure parent directory exists for file-based databases
		if sqliteDSN != ":memory:" && !strings.HasPrefix(sqliteDSN, ":memory:") {
			dir := filepath.Dir(sqliteDSN)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}

		db, err = gorm.Open(sqlite.Open(sqliteDSN), gormConfig)
		if err == nil {
			// WAL mode allows concurrent readers while a writer is active,
			// preventing connection starvation with multiple goroutines.
			db.Exec("PRAGMA journal_mode=WAL")
			// busy_timeout makes SQLite wait (up to 5s) when the DB is locked
			// instead of immediately returning SQLITE_BUSY.
			db.Exec("PRAGMA busy_timeout = 5000")
			db.Exec("PRAGMA foreign_keys = ON")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB for connection pool configuration
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pool based on driver
	if driver == "sqlite" {
		// With WAL mode, SQLite supports concurrent readers alongside a single
		// writer. Allow multiple connections so read-heavy polling goroutines
		// don't block behind writes (or each other).
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
	} else {
		// PostgreSQL handles connection pooling well
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
	}

	return &DB{DB: db, Driver: driver}, nil
}

// Migrate runs database migrations using GORM's AutoMigrate plus the indexes
// AutoMigrate cannot express.
func (db *DB) Migrate() error {
	log.Println("Running GORM AutoMigrate...")

	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return err
	}

	// Alias uniqueness only applies to live containers: a stopped container's
	// alias is immediately reusable. Both SQLite and PostgreSQL support
	// partial unique indexes with identical syntax.
	if err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_containers_alias_live
		 ON containers(alias)
		 WHERE alias IS NOT NULL AND status NOT IN ('stopped', 'error')`,
	).Error; err != nil {
		return fmt.Errorf("failed to create live alias index: %w", err)
	}

	if err := db.Save(&model.SchemaVersion{ID: 1, Version: schemaVersion}).Error; err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	return nil
}

// IsPostgres returns true if using PostgreSQL
func (db *DB) IsPostgres() bool {
	return db.Driver == "postgres"
}

// IsSQLite returns true if using SQLite
func (db *DB) IsSQLite() bool {
	return db.Driver == "sqlite"
}

// Vacuum truncates the WAL and reclaims free pages. SQLite only; PostgreSQL
// autovacuums on its own.
func (db *DB) Vacuum(ctx context.Context) error {
	if !db.IsSQLite() {
		return nil
	}
	if err := db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Exec("VACUUM").Error
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
