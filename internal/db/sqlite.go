package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// sqliteMigrations defines the schema for the SQLite dialect.
// Version is tracked in the schema_versions table.
var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS accounts (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL DEFAULT '',
    plan             TEXT NOT NULL,
    total_credits    INTEGER NOT NULL DEFAULT 0 CHECK (total_credits >= 0),
    used_credits     INTEGER NOT NULL DEFAULT 0 CHECK (used_credits >= 0),
    rollover_credits INTEGER NOT NULL DEFAULT 0 CHECK (rollover_credits >= 0),
    reset_at         DATETIME NOT NULL,
    period_seq       INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_reset_at ON accounts(reset_at);

CREATE TABLE IF NOT EXISTS reservations (
    id          TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    command_id  TEXT NOT NULL DEFAULT '',
    amount      INTEGER NOT NULL CHECK (amount >= 0),
    state       TEXT NOT NULL,
    period_seq  INTEGER NOT NULL,
    created_at  DATETIME NOT NULL,
    settled_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_reservations_account ON reservations(account_id);

CREATE TABLE IF NOT EXISTS credit_transactions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    type        TEXT NOT NULL,
    amount      INTEGER NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    command_id  TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_tx_account ON credit_transactions(account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS collaborators (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    name             TEXT NOT NULL,
    industry         TEXT NOT NULL DEFAULT '',
    brand_guidelines TEXT NOT NULL DEFAULT '{}',
    created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_collaborators_account ON collaborators(account_id);

CREATE TABLE IF NOT EXISTS account_members (
    account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    user_id     TEXT NOT NULL,
    role        TEXT NOT NULL,
    created_at  DATETIME NOT NULL,
    PRIMARY KEY (account_id, user_id)
);

CREATE TABLE IF NOT EXISTS commands (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    user_id          TEXT NOT NULL DEFAULT '',
    raw_text         TEXT NOT NULL,
    category         TEXT NOT NULL,
    price_credits    INTEGER NOT NULL,
    status           TEXT NOT NULL,
    result_text      TEXT,
    error_reason     TEXT,
    reservation_id   TEXT NOT NULL DEFAULT '',
    estimated_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens    INTEGER NOT NULL DEFAULT 0,
    submitted_at     DATETIME NOT NULL,
    finalized_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_commands_account ON commands(account_id, submitted_at DESC);
CREATE INDEX IF NOT EXISTS idx_commands_finalized ON commands(account_id, status, finalized_at);

CREATE TABLE IF NOT EXISTS command_targets (
    command_id  TEXT NOT NULL REFERENCES commands(id) ON DELETE CASCADE,
    position    INTEGER NOT NULL,
    target_id   TEXT NOT NULL,
    PRIMARY KEY (command_id, position)
);
CREATE INDEX IF NOT EXISTS idx_command_targets_target ON command_targets(target_id);
`,
	},
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite has a single writer. One pooled connection serializes access and
	// keeps ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := newSQLStore(db, sqliteMigrations)
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}
