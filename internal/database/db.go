package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// DEFAULT_BUSY_TIMEOUT is how long a writer waits on a locked database
const DEFAULT_BUSY_TIMEOUT = 5 * time.Second

// Config holds database configuration
type Config struct {
	Path        string // Path to SQLite database file, ":memory:" for a scratch store
	BusyTimeout time.Duration
	Debug       bool // Log every statement
}

// DB wraps the GORM database instance
type DB struct {
	db   *gorm.DB
	path string
}

// NewDB opens the telemetry store and migrates its schema
func NewDB(config Config, log *log.Logger) (*DB, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is empty")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = DEFAULT_BUSY_TIMEOUT
	}

	gormLog := logger.Default.LogMode(logger.Silent)
	if log != nil {
		level := logger.Warn
		if config.Debug {
			level = logger.Info
		}
		gormLog = logger.New(log, logger.Config{
			LogLevel:                  level,
			SlowThreshold:             200 * time.Millisecond,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		})
	}

	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        config.Path,
	}, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", config.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// A single connection keeps ":memory:" databases shared and
	// serialises the recorder's writers.
	sqlDB.SetMaxOpenConns(1)

	if err := configureSQLite(sqlDB, config); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("configure %s: %w", config.Path, err)
	}

	if err := db.AutoMigrate(&StatsSnapshot{}, &TraceRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", config.Path, err)
	}

	if log != nil {
		log.Printf("Telemetry database ready: %s", config.Path)
	}

	return &DB{db: db, path: config.Path}, nil
}

func configureSQLite(sqlDB *sql.DB, config Config) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", config.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=memory",
	}
	if config.Path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// GetDB returns the underlying GORM database instance
func (db *DB) GetDB() *gorm.DB {
	return db.db
}

// Telemetry returns a repository bound to this database
func (db *DB) Telemetry() *TelemetryRepository {
	return NewTelemetryRepository(db.db)
}

// Path returns the DSN the database was opened with
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks if the database connection is healthy
func (db *DB) Health() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
