// Package ledger owns account credit balances: reservation, settlement,
// top-ups and period resets. Every balance change goes through db.AccountStore
// as a single conditional statement so concurrent callers cannot overspend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibeai/vibe-core/internal/audit"
	"github.com/vibeai/vibe-core/internal/db"
	"github.com/vibeai/vibe-core/internal/metrics"
)

// maxResetAttempts bounds the re-read loop when resets race.
const maxResetAttempts = 3

// Reservation is the token returned by Reserve.
type Reservation struct {
	ID        string   `json:"id"`
	AccountID string   `json:"accountId"`
	CommandID string   `json:"commandId,omitempty"`
	Amount    int      `json:"amount"`
	Balance   *Balance `json:"balance"`
}

// Purchase is the result of a priced top-up.
type Purchase struct {
	Amount  int      `json:"amount"`
	Rate    float64  `json:"pricePerCredit"`
	Cost    float64  `json:"cost"`
	Balance *Balance `json:"balance"`
}

// Ledger applies credit policy over an AccountStore.
type Ledger struct {
	store         db.AccountStore
	plans         map[string]Plan
	defaultPlan   string
	period        Period
	standardPrice float64
	minTopUp      int
	now           func() time.Time
	logger        *zap.Logger
	audit         audit.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPeriod sets the billing period length.
func WithPeriod(p Period) Option {
	return func(l *Ledger) { l.period = p }
}

// WithLogger sets the application logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithAuditLogger records credit movements in the audit log.
func WithAuditLogger(a audit.Logger) Option {
	return func(l *Ledger) { l.audit = a }
}

// WithDefaultPlan sets the plan used by OpenAccount when none is given.
func WithDefaultPlan(name string) Option {
	return func(l *Ledger) { l.defaultPlan = name }
}

// WithTopUpPricing sets the standard per-credit price and the minimum
// amount accepted by Purchase.
func WithTopUpPricing(pricePerCredit float64, minAmount int) Option {
	return func(l *Ledger) {
		l.standardPrice = pricePerCredit
		l.minTopUp = minAmount
	}
}

// New creates a Ledger. plans maps plan names to their policy.
func New(store db.AccountStore, plans map[string]Plan, opts ...Option) *Ledger {
	l := &Ledger{
		store:         store,
		plans:         plans,
		defaultPlan:   "free",
		period:        Monthly,
		standardPrice: 0.25,
		minTopUp:      100,
		now:           time.Now,
		logger:        zap.NewNop(),
		audit:         audit.NopLogger{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) clock() time.Time { return l.now().UTC() }

// Plan returns the policy for name. Unknown names get a zero-credit,
// limit-enforced plan so a misconfigured account can never overspend.
func (l *Ledger) Plan(name string) Plan {
	if p, ok := l.plans[name]; ok {
		p.Name = name
		return p
	}
	return Plan{Name: name}
}

// DefaultPlan names the plan new accounts open on.
func (l *Ledger) DefaultPlan() string { return l.defaultPlan }

// OpenAccount creates an account with its plan's allotment. An empty id is
// replaced by a new uuid.
func (l *Ledger) OpenAccount(ctx context.Context, id, name, plan string) (*Balance, error) {
	if plan == "" {
		plan = l.defaultPlan
	}
	if _, ok := l.plans[plan]; !ok {
		return nil, fmt.Errorf("unknown plan %q", plan)
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := l.clock()
	p := l.Plan(plan)
	rec := &db.AccountRecord{
		ID:           id,
		Name:         name,
		Plan:         plan,
		TotalCredits: max(0, p.MonthlyCredits),
		ResetAt:      l.period.Next(now),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := l.store.CreateAccount(ctx, rec); err != nil {
		return nil, err
	}
	l.logger.Info("account opened", zap.String("account_id", id), zap.String("plan", plan))
	return newBalance(rec, p), nil
}

// Snapshot returns the current balance, applying a due period reset first.
func (l *Ledger) Snapshot(ctx context.Context, accountID string) (*Balance, error) {
	acct, err := l.current(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return newBalance(acct, l.Plan(acct.Plan)), nil
}

// ReserveOption tags a reservation.
type ReserveOption func(*db.ReservationRecord)

// WithCommandID links the reservation and its transactions to a command.
func WithCommandID(id string) ReserveOption {
	return func(r *db.ReservationRecord) { r.CommandID = id }
}

// Reserve charges price credits immediately and returns a token for Commit or
// Rollback. On plans that enforce their limit it fails with
// *InsufficientCreditsError and charges nothing.
func (l *Ledger) Reserve(ctx context.Context, accountID string, price int, opts ...ReserveOption) (*Reservation, error) {
	if price <= 0 {
		return nil, ErrInvalidAmount
	}
	acct, err := l.current(ctx, accountID)
	if err != nil {
		return nil, err
	}
	plan := l.Plan(acct.Plan)
	before := newBalance(acct, plan)

	res := &db.ReservationRecord{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    price,
		CreatedAt: l.clock(),
	}
	for _, opt := range opts {
		opt(res)
	}

	updated, err := l.store.ReserveCredits(ctx, res, plan.Enforced())
	if errors.Is(err, db.ErrInsufficientBalance) {
		remaining := before.Remaining
		if updated != nil {
			remaining = newBalance(updated, plan).Remaining
		}
		metrics.InsufficientCredits.WithLabelValues(plan.Name).Inc()
		return nil, &InsufficientCreditsError{Required: price, Remaining: remaining}
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("reserve %d credits: %w", price, err)
	}

	after := newBalance(updated, plan)
	metrics.CreditsReserved.WithLabelValues(plan.Name).Add(float64(price))
	_ = l.audit.LogCreditsReserved(ctx, accountID, res.ID, price)

	if plan.AllowOverage && !plan.Unlimited {
		if delta := after.Overage - before.Overage; delta > 0 {
			l.recordOverage(ctx, res, plan, delta)
		}
	}
	l.alertOnTransition(ctx, before, after)

	return &Reservation{
		ID:        res.ID,
		AccountID: accountID,
		CommandID: res.CommandID,
		Amount:    price,
		Balance:   after,
	}, nil
}

func (l *Ledger) recordOverage(ctx context.Context, res *db.ReservationRecord, plan Plan, credits int) {
	err := l.store.AppendTransaction(ctx, &db.TransactionRecord{
		AccountID:   res.AccountID,
		Type:        db.TxOverage,
		Amount:      -credits,
		Description: fmt.Sprintf("%d credits over allotment at %.2f per credit", credits, plan.OverageRate),
		CommandID:   res.CommandID,
		CreatedAt:   res.CreatedAt,
	})
	if err != nil {
		l.logger.Warn("failed to record overage", zap.String("account_id", res.AccountID), zap.Error(err))
	}
}

func (l *Ledger) alertOnTransition(ctx context.Context, before, after *Balance) {
	if after.Status == before.Status || after.Status == StatusGood {
		return
	}
	metrics.CreditAlerts.WithLabelValues(string(after.Status)).Inc()
	_ = l.audit.LogCreditAlert(ctx, after.AccountID, string(after.Status), after.PercentUsed)
	l.logger.Info("credit status changed",
		zap.String("account_id", after.AccountID),
		zap.String("from", string(before.Status)),
		zap.String("to", string(after.Status)),
		zap.Float64("percent_used", after.PercentUsed),
	)
}

// Commit confirms a reservation. The charge already happened at Reserve, so
// the balance does not change. Committing twice is a no-op.
func (l *Ledger) Commit(ctx context.Context, token string) error {
	rec, changed, err := l.store.CommitReservation(ctx, token, l.clock())
	if errors.Is(err, db.ErrNotFound) {
		return l.violation(ctx, token, "commit of unknown reservation")
	}
	if err != nil {
		return fmt.Errorf("commit reservation %s: %w", token, err)
	}
	if !changed && rec.State != db.ReservationCommitted {
		return l.violation(ctx, token, "commit of "+rec.State+" reservation")
	}
	return nil
}

// Rollback returns a reservation's credits. Rolling back twice is a no-op;
// rolling back a committed reservation is an invariant violation.
func (l *Ledger) Rollback(ctx context.Context, token string) error {
	rec, changed, err := l.store.RollbackReservation(ctx, token, l.clock())
	if errors.Is(err, db.ErrNotFound) {
		return l.violation(ctx, token, "rollback of unknown reservation")
	}
	if err != nil {
		return fmt.Errorf("rollback reservation %s: %w", token, err)
	}
	if !changed {
		if rec.State == db.ReservationRolledBack {
			return nil
		}
		return l.violation(ctx, token, "rollback of "+rec.State+" reservation")
	}
	metrics.CreditsRefunded.Add(float64(rec.Amount))
	_ = l.audit.LogCreditsRefunded(ctx, rec.AccountID, rec.ID, rec.Amount)
	return nil
}

func (l *Ledger) violation(ctx context.Context, token, what string) error {
	err := fmt.Errorf("%w: %s %s", ErrLedgerInvariant, what, token)
	metrics.LedgerInvariantViolations.Inc()
	_ = l.audit.LogInvariantViolation(ctx, token, err)
	l.logger.Error("ledger invariant violation", zap.String("reservation_id", token), zap.Error(err))
	return err
}

// TopUp adds amount credits and logs a purchase transaction.
func (l *Ledger) TopUp(ctx context.Context, accountID string, amount int) (*Balance, error) {
	return l.addCredits(ctx, accountID, amount, db.TxPurchase, fmt.Sprintf("Purchased %d credits", amount))
}

func (l *Ledger) addCredits(ctx context.Context, accountID string, amount int, txType, description string) (*Balance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := l.current(ctx, accountID); err != nil {
		return nil, err
	}
	acct, err := l.store.AddCredits(ctx, accountID, amount, txType, description, l.clock())
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	plan := l.Plan(acct.Plan)
	metrics.CreditsPurchased.WithLabelValues(plan.Name).Add(float64(amount))
	return newBalance(acct, plan), nil
}

// Quote prices amount credits for b: the plan's overage rate while the
// balance is in overage, else the standard price.
func (l *Ledger) Quote(b *Balance, amount int) (rate, cost float64) {
	rate = l.standardPrice
	if b.Status == StatusOverage {
		if p := l.Plan(b.Plan); p.OverageRate > 0 {
			rate = p.OverageRate
		}
	}
	return rate, math.Round(float64(amount)*rate*100) / 100
}

// Purchase validates the minimum, prices and applies a top-up.
func (l *Ledger) Purchase(ctx context.Context, accountID, user string, amount int) (*Purchase, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount < l.minTopUp {
		return nil, fmt.Errorf("%w: %d < %d", ErrBelowMinimumTopUp, amount, l.minTopUp)
	}
	before, err := l.Snapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}
	rate, cost := l.Quote(before, amount)
	after, err := l.TopUp(ctx, accountID, amount)
	if err != nil {
		return nil, err
	}
	_ = l.audit.LogCreditsToppedUp(ctx, accountID, user, amount, cost)
	return &Purchase{Amount: amount, Rate: rate, Cost: cost, Balance: after}, nil
}

// Transactions lists the account's credit log, newest first.
func (l *Ledger) Transactions(ctx context.Context, accountID string, limit int) ([]*db.TransactionRecord, error) {
	if _, err := l.current(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, accountID, limit)
}

// SweepResets applies due period resets to every account and returns how many
// this call applied.
func (l *Ledger) SweepResets(ctx context.Context) (int, error) {
	ids, err := l.store.ListAccountsDueForReset(ctx, l.clock())
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		ok, err := l.resetOnce(ctx, id)
		if err != nil {
			l.logger.Warn("period reset failed", zap.String("account_id", id), zap.Error(err))
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// current loads an account and applies a due reset before returning it.
func (l *Ledger) current(ctx context.Context, accountID string) (*db.AccountRecord, error) {
	var acct *db.AccountRecord
	for attempt := 0; attempt < maxResetAttempts; attempt++ {
		rec, err := l.store.GetAccount(ctx, accountID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		if err != nil {
			return nil, err
		}
		acct = rec
		now := l.clock()
		if now.Before(acct.ResetAt) {
			return acct, nil
		}
		// Whether this call or a concurrent one applied it, re-read.
		if _, err := l.applyReset(ctx, acct, now); err != nil {
			return nil, err
		}
	}
	return acct, nil
}

func (l *Ledger) resetOnce(ctx context.Context, accountID string) (bool, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	now := l.clock()
	if now.Before(acct.ResetAt) {
		return false, nil
	}
	return l.applyReset(ctx, acct, now)
}

func (l *Ledger) applyReset(ctx context.Context, acct *db.AccountRecord, now time.Time) (bool, error) {
	plan := l.Plan(acct.Plan)
	reset := l.nextPeriod(acct, plan, now)
	applied, err := l.store.ResetAccountPeriod(ctx, acct.ID, acct.PeriodSeq, reset)
	if err != nil {
		return false, fmt.Errorf("reset period for %s: %w", acct.ID, err)
	}
	if applied {
		metrics.PeriodResets.Inc()
		_ = l.audit.LogPeriodReset(ctx, acct.ID, reset.TotalCredits, reset.RolloverCredits)
		l.logger.Info("credit period reset",
			zap.String("account_id", acct.ID),
			zap.Int("total_credits", reset.TotalCredits),
			zap.Int("rollover_credits", reset.RolloverCredits),
			zap.Time("next_reset_at", reset.NextResetAt),
		)
	}
	return applied, nil
}

// nextPeriod computes the reset for acct: unused credits of the ending period
// roll over up to the plan cap, and the allotment returns to the plan default.
func (l *Ledger) nextPeriod(acct *db.AccountRecord, plan Plan, now time.Time) db.PeriodReset {
	rollover := 0
	if !plan.Unlimited {
		rollover = min(max(acct.TotalCredits-acct.UsedCredits, 0), plan.rolloverCap())
	}
	return db.PeriodReset{
		TotalCredits:    max(0, plan.MonthlyCredits),
		RolloverCredits: rollover,
		NextResetAt:     l.period.After(acct.ResetAt, now),
		At:              now,
	}
}
