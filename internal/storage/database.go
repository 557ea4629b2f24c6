package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/logger"
)

// Database wraps sql.DB with durability guarantees for the operation queue
// and change record store.
type Database struct {
	db       *sql.DB
	config   *config.DatabaseConfig
	logger   *logger.Logger
	migrator *Migrator
	path     string
}

// DatabaseOptions contains options for database initialization
type DatabaseOptions struct {
	Config          *config.DatabaseConfig
	CreateIfMissing bool
	MigrateOnOpen   bool
	ValidateSchema  bool
}

// NewDatabase creates a new database instance with the given configuration
func NewDatabase(cfg *config.Config, opts *DatabaseOptions) (*Database, error) {
	if opts == nil {
		opts = &DatabaseOptions{
			Config:          &cfg.Database,
			CreateIfMissing: true,
			MigrateOnOpen:   true,
			ValidateSchema:  true,
		}
	}

	if opts.Config == nil {
		opts.Config = &cfg.Database
	}

	db := &Database{
		config: opts.Config,
		logger: logger.GetLogger().Database(),
		path:   opts.Config.Path,
	}

	if err := db.initialize(opts); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize sets up the database connection and configuration
func (db *Database) initialize(opts *DatabaseOptions) error {
	dbDir := filepath.Dir(db.path)
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	dbExists := true
	if _, err := os.Stat(db.path); os.IsNotExist(err) {
		dbExists = false
		if !opts.CreateIfMissing {
			return fmt.Errorf("database file does not exist: %s", db.path)
		}
	}

	db.logger.Debug().
		Str("path", db.path).
		Msg("Opening database connection")

	sqlDB, err := sql.Open("sqlite", db.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.db = sqlDB

	db.configureConnectionPool()

	if err := db.applyPragmas(); err != nil {
		db.db.Close()
		return fmt.Errorf("failed to apply pragmas: %w", err)
	}

	// Initialize migrator
	schema := GetCurrentSchema()
	db.migrator = NewMigrator(db.db, schema)

	if !dbExists {
		db.logger.Info().Str("path", db.path).Msg("Creating new database")
		if err := db.migrator.InitializeSchema(); err != nil {
			db.db.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	} else if opts.MigrateOnOpen {
		db.logger.Debug().Msg("Checking for database migrations")
		if err := db.migrator.MigrateToLatest(); err != nil {
			db.db.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	if opts.ValidateSchema {
		if err := db.migrator.ValidateSchema(); err != nil {
			db.db.Close()
			return fmt.Errorf("schema validation failed: %w", err)
		}
	}

	if err := db.ping(); err != nil {
		db.db.Close()
		return fmt.Errorf("database connection test failed: %w", err)
	}

	// Restrict access to the queue contents
	if err := os.Chmod(db.path, 0600); err != nil {
		db.logger.Warn().Err(err).Msg("Failed to set database file permissions")
	}

	db.logger.Info().
		Str("path", db.path).
		Bool("new_database", !dbExists).
		Msg("Database initialized successfully")

	return nil
}

// configureConnectionPool sets up connection pool parameters
func (db *Database) configureConnectionPool() {
	db.db.SetMaxOpenConns(db.config.MaxOpenConns)
	db.db.SetMaxIdleConns(db.config.MaxIdleConns)
	db.db.SetConnMaxLifetime(30 * time.Minute)
	db.db.SetConnMaxIdleTime(5 * time.Minute)
}

// applyPragmas applies SQLite pragmas for durability and concurrency
func (db *Database) applyPragmas() error {
	journalMode := "DELETE"
	if db.config.WALMode {
		journalMode = "WAL"
	}

	pragmas := [][2]string{
		{"foreign_keys", "ON"},
		{"journal_mode", journalMode},
		{"synchronous", db.config.SyncMode},
		{"temp_store", "memory"},
		{"busy_timeout", "5000"},
	}

	for _, pragma := range pragmas {
		query := fmt.Sprintf("PRAGMA %s = %s", pragma[0], pragma[1])
		if _, err := db.db.Exec(query); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma[0], err)
		}
		db.logger.Debug().Str("pragma", pragma[0]).Str("value", pragma[1]).Msg("Applied pragma")
	}

	return nil
}

// ping tests the database connection
func (db *Database) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var result int
	if err := db.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("test query failed: %w", err)
	}

	if result != 1 {
		return fmt.Errorf("test query returned unexpected result: %d", result)
	}

	return nil
}

// GetDB returns the underlying sql.DB instance
func (db *Database) GetDB() *sql.DB {
	return db.db
}

// GetMigrator returns the database migrator
func (db *Database) GetMigrator() *Migrator {
	return db.migrator
}

// Close closes the database connection
func (db *Database) Close() error {
	if db.db == nil {
		return nil
	}

	db.logger.Info().Msg("Closing database connection")

	if db.config.WALMode {
		if _, err := db.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			db.logger.Warn().Err(err).Msg("Failed to perform final WAL checkpoint")
		}
	}

	if err := db.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.db = nil
	return nil
}

// Stats returns database statistics
func (db *Database) Stats() sql.DBStats {
	if db.db == nil {
		return sql.DBStats{}
	}
	return db.db.Stats()
}

// GetSize returns the size of the database file in bytes
func (db *Database) GetSize() (int64, error) {
	info, err := os.Stat(db.path)
	if err != nil {
		return 0, fmt.Errorf("failed to get database file info: %w", err)
	}
	return info.Size(), nil
}

// GetPath returns the database file path
func (db *Database) GetPath() string {
	return db.path
}

// IsConnected returns true if the database connection is active
func (db *Database) IsConnected() bool {
	if db.db == nil {
		return false
	}
	return db.ping() == nil
}

// BeginTx starts a database transaction.
// The transaction lifetime is managed by the caller.
func (db *Database) BeginTx() (*sql.Tx, error) {
	return db.db.BeginTx(context.Background(), nil)
}

// GetConfig returns the database configuration
func (db *Database) GetConfig() *config.DatabaseConfig {
	return db.config
}
