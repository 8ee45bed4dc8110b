// Package store persists stations, observations, ledger rows, anomalies,
// incidents, and data-quality results in a shared relational database.
package store

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store wraps a gorm handle. A Store obtained from WithTx is bound to that transaction.
type Store struct {
	db *gorm.DB
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to postgres (dsn is a connection URL) or sqlite (dsn is a file path).
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(dsn))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if driver == "postgres" {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return &Store{db: db}, nil
}

// sqliteDSN enables WAL and a busy timeout so concurrent pipeline processes wait instead of failing.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") || path == ":memory:" {
		return path
	}
	return path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
}

// DB exposes the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Dialect returns the gorm dialector name ("postgres" or "sqlite").
func (s *Store) Dialect() string {
	return s.db.Dialector.Name()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// WithTx runs fn inside a transaction. Calling WithTx on a transaction-bound
// Store opens a savepoint, so a failure in fn rolls back only its own writes.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// uqIncidentOpenKeyDDL enforces one open or acknowledged incident per (type, station, metric).
const uqIncidentOpenKeyDDL = `CREATE UNIQUE INDEX IF NOT EXISTS uq_ops_incident_open_key
ON ops_incident (anomaly_type, station_id, metric_key)
WHERE status IN ('open', 'acknowledged')`

// Migrate creates or updates every table and index. Concurrent callers are
// serialized with an advisory lock on postgres.
func (s *Store) Migrate(ctx context.Context) error {
	return s.withMigrationLock(ctx, func() error {
		db := s.db.WithContext(ctx)
		if err := db.AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := db.Exec(uqIncidentOpenKeyDDL).Error; err != nil {
			return fmt.Errorf("create incident open-key index: %w", err)
		}
		return nil
	})
}

var migrationLockID = int64(crc32.ChecksumIEEE([]byte("obs-pipeline-migration")))

func (s *Store) withMigrationLock(ctx context.Context, fn func() error) error {
	if s.Dialect() != "postgres" {
		return fn()
	}

	// Advisory locks are session-scoped, so lock and unlock must share a connection.
	conn, err := s.db.DB()
	if err != nil {
		return err
	}
	c, err := conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_, _ = c.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockID)
	}()

	return fn()
}
