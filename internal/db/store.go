package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Options selects and tunes the backing database.
type Options struct {
	Type            string // "sqlite" | "postgres"
	SQLitePath      string
	PostgresURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open returns the Store selected by opts.Type.
func Open(opts Options) (Store, error) {
	switch opts.Type {
	case "", "sqlite":
		return NewSQLiteStore(opts.SQLitePath)
	case "postgres":
		return NewPostgresStore(opts.PostgresURL, opts)
	default:
		return nil, fmt.Errorf("unsupported database type %q", opts.Type)
	}
}

type migration struct {
	version int
	sql     string
}

// sqlStore implements Store over sqlx for both dialects. Queries are written
// with ? placeholders and rebound for the driver.
type sqlStore struct {
	db         *sqlx.DB
	migrations []migration
}

func newSQLStore(db *sqlx.DB, migrations []migration) *sqlStore {
	return &sqlStore{db: db, migrations: migrations}
}

// migrate applies any unapplied migrations in order.
func (s *sqlStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range s.migrations {
		var count int
		if err := s.db.GetContext(ctx, &count, s.q(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.ExecContext(ctx, s.q(`INSERT INTO schema_versions(version) VALUES(?)`), m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// q rebinds a ?-placeholder query for the active driver.
func (s *sqlStore) q(query string) string { return s.db.Rebind(query) }

// queryer and execer are satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

type execer interface {
	sqlx.ExecerContext
	Rebind(query string) string
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation matches both sqlite and postgres duplicate-key errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "primary key constraint")
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func utc(t time.Time) time.Time { return t.UTC() }
