package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var postgresMigrations = []migration{
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
    reset_at         TIMESTAMPTZ NOT NULL,
    period_seq       BIGINT NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_reset_at ON accounts(reset_at);

CREATE TABLE IF NOT EXISTS reservations (
    id          TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    command_id  TEXT NOT NULL DEFAULT '',
    amount      INTEGER NOT NULL CHECK (amount >= 0),
    state       TEXT NOT NULL,
    period_seq  BIGINT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    settled_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_reservations_account ON reservations(account_id);

CREATE TABLE IF NOT EXISTS credit_transactions (
    id          BIGSERIAL PRIMARY KEY,
    account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    type        TEXT NOT NULL,
    amount      INTEGER NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    command_id  TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_tx_account ON credit_transactions(account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS collaborators (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    name             TEXT NOT NULL,
    industry         TEXT NOT NULL DEFAULT '',
    brand_guidelines TEXT NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_collaborators_account ON collaborators(account_id);

CREATE TABLE IF NOT EXISTS account_members (
    account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    user_id     TEXT NOT NULL,
    role        TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
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
    submitted_at     TIMESTAMPTZ NOT NULL,
    finalized_at     TIMESTAMPTZ
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

// NewPostgresStore connects to PostgreSQL and runs pending migrations.
func NewPostgresStore(dsn string, opts Options) (Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	maxOpen, maxIdle, lifetime := opts.MaxOpenConns, opts.MaxIdleConns, opts.ConnMaxLifetime
	if maxOpen == 0 {
		maxOpen = 25
	}
	if maxIdle == 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if lifetime > 0 {
		db.SetConnMaxLifetime(lifetime)
	}

	s := newSQLStore(db, postgresMigrations)
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}
