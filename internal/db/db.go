package db

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("db: not found")

	// ErrConflict is returned when an insert collides with an existing key.
	ErrConflict = errors.New("db: already exists")

	// ErrInsufficientBalance is returned by ReserveCredits when the conditional
	// charge matched no row because the account cannot afford it.
	ErrInsufficientBalance = errors.New("db: insufficient balance")
)

// Store is the main persistence interface for the metering core.
type Store interface {
	AccountStore
	CommandStore
	DirectoryStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Account / ledger store ──────────────────────────────────────────────────

// Reservation states.
const (
	ReservationReserved   = "reserved"
	ReservationCommitted  = "committed"
	ReservationRolledBack = "rolled_back"
)

// Credit transaction types.
const (
	TxPurchase = "purchase"
	TxUsage    = "usage"
	TxRefund   = "refund"
	TxBonus    = "bonus"
	TxOverage  = "overage"
	TxReset    = "reset"
)

// AccountRecord is the persisted balance of an agency or user.
type AccountRecord struct {
	ID              string    `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	Plan            string    `db:"plan" json:"plan"`
	TotalCredits    int       `db:"total_credits" json:"total_credits"`
	UsedCredits     int       `db:"used_credits" json:"used_credits"`
	RolloverCredits int       `db:"rollover_credits" json:"rollover_credits"`
	ResetAt         time.Time `db:"reset_at" json:"reset_at"`
	// PeriodSeq increments on every period reset; resets are conditional on it.
	PeriodSeq int64     `db:"period_seq" json:"period_seq"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ReservationRecord is one pessimistic charge taken at command admission.
type ReservationRecord struct {
	ID        string     `db:"id" json:"id"`
	AccountID string     `db:"account_id" json:"account_id"`
	CommandID string     `db:"command_id" json:"command_id"`
	Amount    int        `db:"amount" json:"amount"`
	State     string     `db:"state" json:"state"`
	PeriodSeq int64      `db:"period_seq" json:"period_seq"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	SettledAt *time.Time `db:"settled_at" json:"settled_at,omitempty"`
}

// TransactionRecord is an append-only credit movement. Amount is signed:
// purchases and refunds are positive, usage is negative.
type TransactionRecord struct {
	ID          int64     `db:"id" json:"id"`
	AccountID   string    `db:"account_id" json:"account_id"`
	Type        string    `db:"type" json:"type"`
	Amount      int       `db:"amount" json:"amount"`
	Description string    `db:"description" json:"description"`
	CommandID   string    `db:"command_id" json:"command_id,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// PeriodReset carries the values written by a billing period rollover.
type PeriodReset struct {
	TotalCredits    int
	RolloverCredits int
	NextResetAt     time.Time
	At              time.Time
}

// AccountStore persists balances, reservations and the transaction log.
// Every balance mutation is a single conditional statement inside a
// transaction so concurrent callers serialize in the database.
type AccountStore interface {
	// CreateAccount inserts a new account. Returns ErrConflict if the id exists.
	CreateAccount(ctx context.Context, rec *AccountRecord) error

	// GetAccount returns ErrNotFound for unknown ids.
	GetAccount(ctx context.Context, id string) (*AccountRecord, error)

	// ListAccountsDueForReset returns ids whose reset_at is at or before now.
	ListAccountsDueForReset(ctx context.Context, now time.Time) ([]string, error)

	// ResetAccountPeriod applies a period rollover only if the account is still
	// at expectedSeq. Returns false when another caller already applied it.
	ResetAccountPeriod(ctx context.Context, id string, expectedSeq int64, reset PeriodReset) (bool, error)

	// ReserveCredits increments used_credits by res.Amount and records the
	// reservation. With enforceLimit the increment only happens when
	// total + rollover - used >= amount; otherwise ErrInsufficientBalance is
	// returned together with the unchanged account.
	ReserveCredits(ctx context.Context, res *ReservationRecord, enforceLimit bool) (*AccountRecord, error)

	// CommitReservation moves a reservation from reserved to committed.
	// changed is false when it was not in the reserved state.
	CommitReservation(ctx context.Context, id string, at time.Time) (rec *ReservationRecord, changed bool, err error)

	// RollbackReservation moves a reservation from reserved to rolled_back and
	// returns its amount to the account. changed is false when it was not in
	// the reserved state; the balance is then untouched.
	RollbackReservation(ctx context.Context, id string, at time.Time) (rec *ReservationRecord, changed bool, err error)

	// GetReservation returns ErrNotFound for unknown ids.
	GetReservation(ctx context.Context, id string) (*ReservationRecord, error)

	// AddCredits increases total_credits and logs a transaction of txType.
	AddCredits(ctx context.Context, accountID string, amount int, txType, description string, at time.Time) (*AccountRecord, error)

	// AppendTransaction writes a log entry without touching the balance.
	AppendTransaction(ctx context.Context, rec *TransactionRecord) error

	// ListTransactions returns the newest entries first.
	ListTransactions(ctx context.Context, accountID string, limit int) ([]*TransactionRecord, error)
}

// ─── Command store ───────────────────────────────────────────────────────────

// CommandRecord is the persisted lifecycle of one submitted command.
type CommandRecord struct {
	ID              string     `db:"id" json:"id"`
	AccountID       string     `db:"account_id" json:"account_id"`
	UserID          string     `db:"user_id" json:"user_id"`
	TargetIDs       []string   `db:"-" json:"target_ids"`
	RawText         string     `db:"raw_text" json:"raw_text"`
	Category        string     `db:"category" json:"category"`
	PriceCredits    int        `db:"price_credits" json:"price_credits"`
	Status          string     `db:"status" json:"status"`
	ResultText      *string    `db:"result_text" json:"result_text,omitempty"`
	ErrorReason     *string    `db:"error_reason" json:"error_reason,omitempty"`
	ReservationID   string     `db:"reservation_id" json:"reservation_id,omitempty"`
	EstimatedTokens int        `db:"estimated_tokens" json:"estimated_tokens"`
	OutputTokens    int        `db:"output_tokens" json:"output_tokens"`
	SubmittedAt     time.Time  `db:"submitted_at" json:"submitted_at"`
	FinalizedAt     *time.Time `db:"finalized_at" json:"finalized_at,omitempty"`
}

// CommandPatch holds the mutable fields written by a status transition.
// Nil pointers leave the column unchanged.
type CommandPatch struct {
	ResultText   *string
	ErrorReason  *string
	FinalizedAt  *time.Time
	OutputTokens *int
}

// CommandStore persists command records.
type CommandStore interface {
	// CreateCommand inserts the record and its ordered targets.
	CreateCommand(ctx context.Context, rec *CommandRecord) error

	// GetCommand returns ErrNotFound for unknown ids.
	GetCommand(ctx context.Context, id string) (*CommandRecord, error)

	// TransitionCommand sets status to `to` only if it currently equals `from`.
	// Returns false when the guard did not match.
	TransitionCommand(ctx context.Context, id, from, to string, patch CommandPatch) (bool, error)

	// ListCommands returns an account's commands, newest first.
	ListCommands(ctx context.Context, accountID string, limit, offset int) ([]*CommandRecord, error)

	// RecentCommandsForTarget returns the newest completed commands that
	// targeted the collaborator.
	RecentCommandsForTarget(ctx context.Context, targetID string, limit int) ([]*CommandRecord, error)

	// CompletedCommandsBetween returns completed commands finalized in [from, to).
	CompletedCommandsBetween(ctx context.Context, accountID string, from, to time.Time) ([]*CommandRecord, error)
}

// ─── Directory store ─────────────────────────────────────────────────────────

// CollaboratorRecord is a sub-tenant (client) of an account.
type CollaboratorRecord struct {
	ID        string `db:"id" json:"id"`
	AccountID string `db:"account_id" json:"account_id"`
	Name      string `db:"name" json:"name"`
	Industry  string `db:"industry" json:"industry"`
	// BrandGuidelines is a JSON object.
	BrandGuidelines string    `db:"brand_guidelines" json:"brand_guidelines"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// MemberRecord grants a user a role on an account.
type MemberRecord struct {
	AccountID string    `db:"account_id" json:"account_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DirectoryStore persists collaborators and account memberships. Both are
// written by external collaborators; the core only reads them.
type DirectoryStore interface {
	UpsertCollaborator(ctx context.Context, rec *CollaboratorRecord) error
	DeleteCollaborator(ctx context.Context, accountID, id string) error

	// ListCollaborators returns an account's collaborators in creation order.
	ListCollaborators(ctx context.Context, accountID string) ([]*CollaboratorRecord, error)

	SetMember(ctx context.Context, rec *MemberRecord) error

	// GetMemberRole returns ErrNotFound when the user has no membership.
	GetMemberRole(ctx context.Context, accountID, userID string) (string, error)
}
