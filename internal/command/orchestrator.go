package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibeai/vibe-core/internal/audit"
	"github.com/vibeai/vibe-core/internal/classifier"
	"github.com/vibeai/vibe-core/internal/contextcache"
	"github.com/vibeai/vibe-core/internal/db"
	"github.com/vibeai/vibe-core/internal/ledger"
	"github.com/vibeai/vibe-core/internal/llm/adapter"
	"github.com/vibeai/vibe-core/internal/llm/types"
	"github.com/vibeai/vibe-core/internal/metrics"
	"github.com/vibeai/vibe-core/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMaxTextLength   = 8000
	DefaultFinalizeTimeout = 10 * time.Second
)

// Store is the persistence the orchestrator needs. db.Store satisfies it.
type Store interface {
	db.CommandStore
	GetAccount(ctx context.Context, id string) (*db.AccountRecord, error)
	ListCollaborators(ctx context.Context, accountID string) ([]*db.CollaboratorRecord, error)
}

// Ledger meters commands. *ledger.Ledger satisfies it.
type Ledger interface {
	Reserve(ctx context.Context, accountID string, price int, opts ...ledger.ReserveOption) (*ledger.Reservation, error)
	Commit(ctx context.Context, token string) error
	Rollback(ctx context.Context, token string) error
	Snapshot(ctx context.Context, accountID string) (*ledger.Balance, error)
}

// ContextSource assembles prompt context. *contextcache.Cache satisfies it.
type ContextSource interface {
	Snapshot(ctx context.Context, accountID string, targetIDs []string) (*contextcache.Snapshot, error)
	InvalidateHistory(accountID, targetID string)
}

// Orchestrator drives commands through their lifecycle. It is safe for
// concurrent use; each call owns its command.
type Orchestrator struct {
	store     Store
	ledger    Ledger
	context   ContextSource
	generator adapter.Generator

	audit           audit.Logger
	logger          *zap.Logger
	now             func() time.Time
	maxTextLength   int
	finalizeTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithAuditLogger sets the audit trail.
func WithAuditLogger(a audit.Logger) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithMaxTextLength bounds command text in characters.
func WithMaxTextLength(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTextLength = n
		}
	}
}

// WithFinalizeTimeout bounds the detached finalization writes.
func WithFinalizeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.finalizeTimeout = d
		}
	}
}

// New creates an Orchestrator.
func New(store Store, l Ledger, cs ContextSource, gen adapter.Generator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:           store,
		ledger:          l,
		context:         cs,
		generator:       gen,
		audit:           audit.NopLogger{},
		logger:          zap.NewNop(),
		now:             time.Now,
		maxTextLength:   DefaultMaxTextLength,
		finalizeTimeout: DefaultFinalizeTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Ready reports whether commands can be executed. A generator that exposes
// Configured() is consulted.
func (o *Orchestrator) Ready() bool {
	if o.generator == nil {
		return false
	}
	if c, ok := o.generator.(interface{ Configured() bool }); ok {
		return c.Configured()
	}
	return true
}

// Submit runs a command in batch mode and returns its terminal view.
//
// Admission failures return an error: ErrAccountNotFound (nothing recorded),
// or *RejectedError wrapping ErrMalformedCommand or
// *ledger.InsufficientCreditsError alongside the rejected command. Generation
// failures are not errors: the command is returned in the failed state with
// its reason, and the charge has been rolled back.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Command, error) {
	return o.run(ctx, req, nil)
}

// Stream runs a command relaying generated text to sink as it arrives.
// Errors follow Submit.
func (o *Orchestrator) Stream(ctx context.Context, req Request, sink Sink) (*Command, error) {
	if sink == nil {
		return nil, errors.New("command: nil sink")
	}
	return o.run(ctx, req, sink)
}

// Get returns one command.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Command, error) {
	rec, err := o.store.GetCommand(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// List returns an account's commands, newest first.
func (o *Orchestrator) List(ctx context.Context, accountID string, limit, offset int) ([]*Command, error) {
	recs, err := o.store.ListCommands(ctx, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*Command, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

func (o *Orchestrator) mode(sink Sink) string {
	if sink != nil {
		return "stream"
	}
	return "batch"
}

func (o *Orchestrator) run(ctx context.Context, req Request, sink Sink) (*Command, error) {
	ctx, span := tracing.StartSpan(ctx, "command.run",
		attribute.String("account_id", req.AccountID),
		attribute.String("mode", o.mode(sink)))
	defer span.End()

	if _, err := o.store.GetAccount(ctx, req.AccountID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, req.AccountID)
		}
		return nil, fmt.Errorf("resolve account: %w", err)
	}

	text := strings.TrimSpace(req.Text)
	category, price := classifier.Classify(text)
	rec := &db.CommandRecord{
		ID:              uuid.NewString(),
		AccountID:       req.AccountID,
		UserID:          req.UserID,
		TargetIDs:       req.TargetIDs,
		RawText:         text,
		Category:        string(category),
		PriceCredits:    price,
		EstimatedTokens: adapter.EstimateTokens(text),
		SubmittedAt:     o.now().UTC(),
	}
	if rec.TargetIDs == nil {
		rec.TargetIDs = []string{}
	}
	span.SetAttributes(attribute.String("command_id", rec.ID), attribute.String("category", rec.Category))

	if text == "" || len([]rune(text)) > o.maxTextLength {
		return o.reject(ctx, rec, ReasonMalformed, ErrMalformedCommand)
	}

	reservation, err := o.ledger.Reserve(ctx, req.AccountID, price, ledger.WithCommandID(rec.ID))
	if err != nil {
		var insufficient *ledger.InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			return o.reject(ctx, rec, ReasonInsufficientCredits, err)
		case errors.Is(err, ledger.ErrAccountNotFound):
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, req.AccountID)
		default:
			return nil, fmt.Errorf("reserve credits: %w", err)
		}
	}
	rec.ReservationID = reservation.ID

	if err := o.admit(ctx, rec); err != nil {
		return nil, err
	}
	start := o.now()
	metrics.CommandsInFlight.Inc()
	defer metrics.CommandsInFlight.Dec()
	_ = o.audit.LogCommandSubmitted(ctx, rec.ID, rec.AccountID, rec.Category, rec.PriceCredits)

	cmd := fromRecord(rec)
	cmd.Status = StatusProcessing
	if sink != nil {
		if err := sink.Admitted(cmd); err != nil {
			return o.finalize(ctx, rec, start, sink, outcome{reason: ReasonDisconnected})
		}
	}

	return o.finalize(ctx, rec, start, sink, o.execute(ctx, rec, category, sink))
}

// reject records rec directly as rejected. Nothing was charged.
func (o *Orchestrator) reject(ctx context.Context, rec *db.CommandRecord, reason string, cause error) (*Command, error) {
	now := o.now().UTC()
	rec.Status = string(StatusRejected)
	rec.ErrorReason = &reason
	rec.FinalizedAt = &now

	if err := o.store.CreateCommand(ctx, rec); err != nil {
		o.logger.Error("failed to record rejected command",
			zap.String("command_id", rec.ID), zap.String("reason", reason), zap.Error(err))
		return nil, fmt.Errorf("record rejected command: %w", err)
	}
	metrics.CommandsTotal.WithLabelValues(rec.Category, string(StatusRejected)).Inc()
	_ = o.audit.LogCommandRejected(ctx, rec.ID, rec.AccountID, reason)
	o.logger.Info("command rejected",
		zap.String("command_id", rec.ID),
		zap.String("account_id", rec.AccountID),
		zap.String("reason", reason))

	return fromRecord(rec), &RejectedError{CommandID: rec.ID, Reason: reason, Err: cause}
}

// admit persists rec as pending, then processing. On failure the charge is
// returned and the record, if written, ends rejected.
func (o *Orchestrator) admit(ctx context.Context, rec *db.CommandRecord) error {
	rec.Status = string(StatusPending)
	err := o.store.CreateCommand(ctx, rec)
	created := err == nil
	if err == nil {
		var ok bool
		ok, err = o.store.TransitionCommand(ctx, rec.ID, string(StatusPending), string(StatusProcessing), db.CommandPatch{})
		if err == nil && !ok {
			err = fmt.Errorf("command %s left pending state", rec.ID)
		}
	}
	if err == nil {
		rec.Status = string(StatusProcessing)
		return nil
	}

	fctx, cancel := o.detached(ctx)
	defer cancel()
	if rbErr := o.ledger.Rollback(fctx, rec.ReservationID); rbErr != nil {
		o.logger.Error("failed to roll back reservation after admission failure",
			zap.String("command_id", rec.ID), zap.Error(rbErr))
	}
	if created {
		now := o.now().UTC()
		reason := ReasonAdmissionFailed
		if _, tErr := o.store.TransitionCommand(fctx, rec.ID, string(StatusPending), string(StatusRejected),
			db.CommandPatch{ErrorReason: &reason, FinalizedAt: &now}); tErr != nil {
			o.logger.Error("failed to reject unadmitted command", zap.String("command_id", rec.ID), zap.Error(tErr))
		}
	}
	return fmt.Errorf("admit command: %w", err)
}

// outcome is the result of executing a command.
type outcome struct {
	text   string
	tokens int
	reason string // empty on success
}

func (o *Orchestrator) execute(ctx context.Context, rec *db.CommandRecord, category classifier.Category, sink Sink) outcome {
	if o.generator == nil {
		return outcome{reason: reasonGenerationPrefix + ErrGeneratorUnavailable.Error()}
	}

	snap, err := o.context.Snapshot(ctx, rec.AccountID, rec.TargetIDs)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{reason: ReasonDisconnected}
		}
		return outcome{reason: reasonContextPrefix + err.Error()}
	}
	prompt := BuildPrompt(category, snap, rec.RawText)

	genCtx, span := tracing.StartSpan(ctx, "command.generate", attribute.String("command_id", rec.ID))
	defer span.End()

	if sink == nil {
		resp, err := o.generator.Generate(genCtx, prompt)
		if err != nil {
			return outcome{reason: o.failureReason(ctx, err)}
		}
		return checkEmpty(outcome{text: resp.Content, tokens: resp.Usage.CompletionTokens})
	}
	return o.stream(genCtx, ctx, prompt, sink)
}

// stream relays chunks to sink. callerCtx distinguishes a dropped client from
// other cancellations.
func (o *Orchestrator) stream(ctx, callerCtx context.Context, prompt types.CompletionRequest, sink Sink) outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := o.generator.Stream(ctx, prompt)
	if err != nil {
		return outcome{reason: o.failureReason(callerCtx, err)}
	}

	var (
		text         strings.Builder
		usage        *types.TokenUsage
		done         bool
		streamErr    error
		disconnected bool
	)
	for ev := range events {
		if ev.Text != "" && !disconnected {
			text.WriteString(ev.Text)
			if err := sink.Chunk(ev.Text); err != nil {
				disconnected = true
				cancel()
			}
		}
		if ev.Err != nil {
			streamErr = ev.Err
		}
		if ev.Done {
			done = true
			usage = ev.Usage
		}
	}

	switch {
	case disconnected || callerCtx.Err() != nil:
		return outcome{reason: ReasonDisconnected}
	case streamErr != nil:
		return outcome{reason: o.failureReason(callerCtx, streamErr)}
	case !done:
		return outcome{reason: o.failureReason(callerCtx, adapter.ErrStreamInterrupted)}
	}

	out := outcome{text: text.String()}
	if usage != nil {
		out.tokens = usage.CompletionTokens
	} else {
		out.tokens = adapter.EstimateTokens(out.text)
	}
	return checkEmpty(out)
}

func checkEmpty(out outcome) outcome {
	if strings.TrimSpace(out.text) == "" {
		return outcome{reason: ReasonEmptyResponse}
	}
	return out
}

func (o *Orchestrator) failureReason(callerCtx context.Context, err error) string {
	switch {
	case callerCtx.Err() != nil:
		return ReasonDisconnected
	case errors.Is(err, adapter.ErrGenerationTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return reasonGenerationPrefix + err.Error()
	}
}

func (o *Orchestrator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.finalizeTimeout)
}

// finalize writes the terminal state and settles the reservation.
func (o *Orchestrator) finalize(ctx context.Context, rec *db.CommandRecord, start time.Time, sink Sink, out outcome) (*Command, error) {
	fctx, cancel := o.detached(ctx)
	defer cancel()

	now := o.now().UTC()
	elapsed := now.Sub(start)
	mode := o.mode(sink)
	defer func() {
		metrics.CommandsTotal.WithLabelValues(rec.Category, rec.Status).Inc()
		metrics.CommandDuration.WithLabelValues(rec.Category, mode).Observe(elapsed.Seconds())
	}()

	if out.reason == "" {
		ok, err := o.store.TransitionCommand(fctx, rec.ID, string(StatusProcessing), string(StatusCompleted), db.CommandPatch{
			ResultText:   &out.text,
			FinalizedAt:  &now,
			OutputTokens: &out.tokens,
		})
		if err == nil && ok {
			rec.Status = string(StatusCompleted)
			rec.ResultText = &out.text
			rec.OutputTokens = out.tokens
			rec.FinalizedAt = &now

			if err := o.ledger.Commit(fctx, rec.ReservationID); err != nil {
				o.logger.Error("failed to commit reservation",
					zap.String("command_id", rec.ID), zap.String("reservation_id", rec.ReservationID), zap.Error(err))
			}
			for _, target := range rec.TargetIDs {
				o.context.InvalidateHistory(rec.AccountID, target)
			}
			_ = o.audit.LogCommandCompleted(fctx, rec.ID, rec.AccountID, rec.PriceCredits, elapsed)
			o.logger.Info("command completed",
				zap.String("command_id", rec.ID),
				zap.String("account_id", rec.AccountID),
				zap.String("category", rec.Category),
				zap.Int("credits", rec.PriceCredits),
				zap.Duration("duration", elapsed))
			return fromRecord(rec), nil
		}
		o.logger.Error("failed to record completed command",
			zap.String("command_id", rec.ID), zap.Bool("transitioned", ok), zap.Error(err))
		out = outcome{reason: ReasonPersistence}
	}

	reason := out.reason
	ok, err := o.store.TransitionCommand(fctx, rec.ID, string(StatusProcessing), string(StatusFailed), db.CommandPatch{
		ErrorReason: &reason,
		FinalizedAt: &now,
	})
	if err != nil || !ok {
		o.logger.Error("failed to record failed command",
			zap.String("command_id", rec.ID), zap.Bool("transitioned", ok), zap.Error(err))
	}
	rec.Status = string(StatusFailed)
	rec.ErrorReason = &reason
	rec.FinalizedAt = &now

	if err := o.ledger.Rollback(fctx, rec.ReservationID); err != nil {
		o.logger.Error("failed to roll back reservation",
			zap.String("command_id", rec.ID), zap.String("reservation_id", rec.ReservationID), zap.Error(err))
	}
	_ = o.audit.LogCommandFailed(fctx, rec.ID, rec.AccountID, reason, elapsed)
	o.logger.Warn("command failed",
		zap.String("command_id", rec.ID),
		zap.String("account_id", rec.AccountID),
		zap.String("reason", reason),
		zap.Duration("duration", elapsed))

	return fromRecord(rec), nil
}
