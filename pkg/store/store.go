// Package store is the relational persistence layer of the dispatch core.
//
// One Store wraps one backing database ("store" in the fabric sense) and
// implements the claim/ack/abandon/fail discipline shared by the outbox,
// inbox, timer, and job-run tables, plus leases, idempotency entries, and
// join barriers.
//
// Two backends are supported:
//   - SQLite (single-node, default; pure Go driver)
//   - PostgreSQL (multi-dispatcher, skip-locked claims)
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/conveyormq/conveyor/pkg/clock"
	"github.com/conveyormq/conveyor/pkg/store/models"
)

// DatabaseType defines the supported database backends.
type DatabaseType string

const (
	// DatabaseTypeSQLite uses SQLite (single-node, default).
	DatabaseTypeSQLite DatabaseType = "sqlite"

	// DatabaseTypePostgres uses PostgreSQL (multi-dispatcher capable).
	DatabaseTypePostgres DatabaseType = "postgres"
)

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the path to the SQLite database file, or ":memory:".
	Path string
}

// PostgresConfig contains PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string // disable, require, verify-ca, verify-full
	MaxOpenConns int
	MaxIdleConns int
}

// DSN returns the PostgreSQL connection string. When schemaName is set the
// session search_path is pinned to it so every table lands in that schema.
func (c *PostgresConfig) DSN(schemaName string) string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)

	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	if schemaName != "" {
		dsn += fmt.Sprintf(" search_path=%s", schemaName)
	}

	return dsn
}

// Config contains store configuration.
type Config struct {
	Type     DatabaseType
	SQLite   SQLiteConfig
	Postgres PostgresConfig

	// SchemaName isolates this store's tables inside a shared database.
	// Postgres only; SQLite databases are single-schema by construction.
	SchemaName string

	// DisableSchemaDeployment skips migrations/auto-migration on open for
	// environments where the schema is managed out of band.
	DisableSchemaDeployment bool

	// ConnectionString, when set, overrides Type/SQLite/Postgres: a
	// "postgres://" URL selects the postgres backend, anything else is
	// treated as a SQLite path. This is the form discovery hands out.
	ConnectionString string
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.ConnectionString != "" {
		if strings.HasPrefix(c.ConnectionString, "postgres://") ||
			strings.HasPrefix(c.ConnectionString, "postgresql://") {
			c.Type = DatabaseTypePostgres
		} else {
			c.Type = DatabaseTypeSQLite
			if c.SQLite.Path == "" {
				c.SQLite.Path = c.ConnectionString
			}
		}
	}

	if c.Type == "" {
		c.Type = DatabaseTypeSQLite
	}

	if c.Type == DatabaseTypeSQLite && c.SQLite.Path == "" {
		configDir := os.Getenv("XDG_STATE_HOME")
		if configDir == "" {
			homeDir, _ := os.UserHomeDir()
			configDir = filepath.Join(homeDir, ".local", "state")
		}
		c.SQLite.Path = filepath.Join(configDir, "conveyor", "conveyor.db")
	}

	if c.Type == DatabaseTypePostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
		if c.Postgres.MaxOpenConns == 0 {
			c.Postgres.MaxOpenConns = 25
		}
		if c.Postgres.MaxIdleConns == 0 {
			c.Postgres.MaxIdleConns = 5
		}
		if c.SchemaName == "" {
			c.SchemaName = "conveyor"
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DatabaseTypePostgres:
		if c.ConnectionString == "" {
			if c.Postgres.Host == "" {
				return fmt.Errorf("postgres host is required")
			}
			if c.Postgres.Database == "" {
				return fmt.Errorf("postgres database is required")
			}
			if c.Postgres.User == "" {
				return fmt.Errorf("postgres user is required")
			}
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Type)
	}
	return nil
}

// Store implements the dispatch persistence layer over GORM. It is safe for
// concurrent use from multiple goroutines.
type Store struct {
	db       *gorm.DB
	config   *Config
	clk      clock.Clock
	postgres bool
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces the wall clock, primarily for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clk = c }
}

// Open connects to the configured database and deploys the schema unless
// disabled. SQLite uses GORM auto-migration; PostgreSQL runs the embedded
// SQL migrations so partial indexes and advisory-locked deployment apply.
func Open(config *Config, opts ...Option) (*Store, error) {
	if config == nil {
		config = &Config{}
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch config.Type {
	case DatabaseTypeSQLite:
		if config.SQLite.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(config.SQLite.Path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		// WAL for concurrent readers, busy_timeout so claim transactions
		// wait instead of failing when another claimer holds the write lock.
		dsn := config.SQLite.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)

	case DatabaseTypePostgres:
		dsn := config.ConnectionString
		if dsn == "" {
			dsn = config.Postgres.DSN(config.SchemaName)
		}
		dialector = postgres.Open(dsn)

	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{
		db:       db,
		config:   config,
		clk:      clock.WallClock,
		postgres: config.Type == DatabaseTypePostgres,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.postgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(config.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.Postgres.MaxIdleConns)

		// Databases behind slow starts (container boots, failovers) get a
		// bounded exponential ping before the first migration statement.
		ping := func() error { return sqlDB.Ping() }
		if err := backoff.Retry(ping, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
	}

	if !config.DisableSchemaDeployment {
		if err := s.deploySchema(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to deploy schema: %w", err)
		}
	}

	return s, nil
}

// deploySchema creates or updates the dispatch tables.
func (s *Store) deploySchema(ctx context.Context) error {
	if s.postgres {
		dsn := s.config.ConnectionString
		if dsn == "" {
			dsn = s.config.Postgres.DSN(s.config.SchemaName)
		}
		return runMigrations(ctx, dsn, s.config.SchemaName)
	}
	return s.db.AutoMigrate(models.AllModels()...)
}

// DB returns the underlying GORM database connection. Callers use it to
// open transactions that an Enqueue can join.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Healthcheck verifies the store is operational.
func (s *Store) Healthcheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// now returns the store clock's time normalized for persistence.
func (s *Store) now() time.Time {
	return clock.NowUTC(s.clk)
}

// isUniqueConstraintError checks if the error is a unique constraint
// violation. Postgres reports SQLSTATE 23505 through pgconn; the SQLite
// driver only gives us the message text.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}

// convertNotFoundError converts gorm.ErrRecordNotFound to the appropriate
// domain error.
func convertNotFoundError(err error, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}
