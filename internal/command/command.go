// Package command runs natural-language commands through admission,
// metering and generation.
//
// Lifecycle of one command:
//
//	pending -> processing -> completed   credits retained
//	pending -> processing -> failed      credits rolled back
//	pending -> rejected                  never charged, or charge returned on admission failure
//
// A rejected command for insufficient credits is written directly in the
// rejected state. Every transition is a guarded update in storage, so no
// state is skipped or reversed. Finalization runs on a context detached from
// the caller: a dropped connection still leaves a terminal record.
package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/vibeai/vibe-core/internal/db"
)

// Status is the lifecycle state of a command.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

// Error reasons stored on rejected and failed commands.
const (
	ReasonMalformed           = "malformed_command"
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonAdmissionFailed     = "admission_failed"
	ReasonTimeout             = "generation_timeout"
	ReasonDisconnected        = "client_disconnected"
	ReasonEmptyResponse       = "empty_response"
	ReasonPersistence         = "persistence_error"

	reasonGenerationPrefix = "generation_error: "
	reasonContextPrefix    = "context_unavailable: "
)

var (
	// ErrMalformedCommand is returned for empty or oversized command text.
	ErrMalformedCommand = errors.New("malformed command")

	// ErrAccountNotFound is returned when the submitting account does not exist.
	// No record is written.
	ErrAccountNotFound = errors.New("account not found")

	// ErrCommandNotFound is returned by Get for an unknown id.
	ErrCommandNotFound = errors.New("command not found")

	// ErrGeneratorUnavailable is returned when no generation backend is configured.
	ErrGeneratorUnavailable = errors.New("generation backend not configured")
)

// RejectedError reports a command that was recorded as rejected. Unwrap
// yields the cause, e.g. *ledger.InsufficientCreditsError or ErrMalformedCommand.
type RejectedError struct {
	CommandID string
	Reason    string
	Err       error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("command %s rejected: %v", e.CommandID, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Request is one command submission.
type Request struct {
	AccountID string
	UserID    string
	// TargetIDs are the collaborators the command is scoped to, first is
	// the active one. Empty means account-wide.
	TargetIDs []string
	Text      string
}

// Command is the caller-facing view of a command record.
type Command struct {
	ID              string     `json:"commandId"`
	AccountID       string     `json:"accountId"`
	UserID          string     `json:"userId,omitempty"`
	TargetIDs       []string   `json:"targetIds"`
	Text            string     `json:"text"`
	Category        string     `json:"category"`
	PriceCredits    int        `json:"priceCredits"`
	CreditsUsed     int        `json:"creditsUsed"`
	Status          Status     `json:"status"`
	Result          string     `json:"result,omitempty"`
	ErrorReason     string     `json:"errorReason,omitempty"`
	EstimatedTokens int        `json:"estimatedTokens"`
	OutputTokens    int        `json:"outputTokens"`
	SubmittedAt     time.Time  `json:"submittedAt"`
	FinalizedAt     *time.Time `json:"finalizedAt,omitempty"`
}

func fromRecord(rec *db.CommandRecord) *Command {
	c := &Command{
		ID:              rec.ID,
		AccountID:       rec.AccountID,
		UserID:          rec.UserID,
		TargetIDs:       rec.TargetIDs,
		Text:            rec.RawText,
		Category:        rec.Category,
		PriceCredits:    rec.PriceCredits,
		Status:          Status(rec.Status),
		EstimatedTokens: rec.EstimatedTokens,
		OutputTokens:    rec.OutputTokens,
		SubmittedAt:     rec.SubmittedAt,
		FinalizedAt:     rec.FinalizedAt,
	}
	if c.TargetIDs == nil {
		c.TargetIDs = []string{}
	}
	if rec.ResultText != nil {
		c.Result = *rec.ResultText
	}
	if rec.ErrorReason != nil {
		c.ErrorReason = *rec.ErrorReason
	}
	if c.Status == StatusCompleted {
		c.CreditsUsed = c.PriceCredits
	}
	return c
}

// Sink receives a streaming command's progress.
type Sink interface {
	// Admitted is called once the command is charged and processing.
	Admitted(cmd *Command) error
	// Chunk relays one piece of generated text. An error means the client
	// is gone; generation is cancelled and the command fails.
	Chunk(text string) error
}
