package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedAccount(t *testing.T, s Store, id string, total int) *AccountRecord {
	t.Helper()
	rec := &AccountRecord{
		ID:           id,
		Name:         "Acme Agency",
		Plan:         "free",
		TotalCredits: total,
		ResetAt:      t0.AddDate(0, 1, 0),
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
	require.NoError(t, s.CreateAccount(context.Background(), rec))
	return rec
}

func reservation(accountID string, amount int) *ReservationRecord {
	return &ReservationRecord{
		ID:        uuid.NewString(),
		AccountID: accountID,
		CommandID: uuid.NewString(),
		Amount:    amount,
		CreatedAt: t0,
	}
}

// ─── Accounts ────────────────────────────────────────────────────────────────

func TestAccountCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct-1", 10)

	got, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Agency", got.Name)
	assert.Equal(t, 10, got.TotalCredits)
	assert.Equal(t, 0, got.UsedCredits)
	assert.True(t, got.ResetAt.Equal(t0.AddDate(0, 1, 0)), "reset_at round-trips: %s", got.ResetAt)

	err = s.CreateAccount(ctx, &AccountRecord{ID: "acct-1", Plan: "free", ResetAt: t0, CreatedAt: t0, UpdatedAt: t0})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReserveCreditsEnforcesLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct-1", 10)

	acct, err := s.ReserveCredits(ctx, reservation("acct-1", 5), true)
	require.NoError(t, err)
	assert.Equal(t, 5, acct.UsedCredits)

	acct, err = s.ReserveCredits(ctx, reservation("acct-1", 5), true)
	require.NoError(t, err)
	assert.Equal(t, 10, acct.UsedCredits)

	acct, err = s.ReserveCredits(ctx, reservation("acct-1", 5), true)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	require.NotNil(t, acct)
	assert.Equal(t, 10, acct.UsedCredits, "a rejected charge leaves the balance untouched")

	// Without the limit the charge goes through regardless.
	acct, err = s.ReserveCredits(ctx, reservation("acct-1", 5), false)
	require.NoError(t, err)
	assert.Equal(t, 15, acct.UsedCredits)

	_, err = s.ReserveCredits(ctx, reservation("missing", 1), true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReserveCreditsConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct-1", 5)

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ReserveCredits(ctx, reservation("acct-1", 5), true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInsufficientBalance):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, rejected)

	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 5, acct.UsedCredits)
}

func TestCommitAndRollbackReservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct-1", 10)

	kept := reservation("acct-1", 5)
	_, err := s.ReserveCredits(ctx, kept, true)
	require.NoError(t, err)
	refunded := reservation("acct-1", 5)
	_, err = s.ReserveCredits(ctx, refunded, true)
	require.NoError(t, err)

	rec, changed, err := s.CommitReservation(ctx, kept.ID, t0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ReservationCommitted, rec.State)
	require.NotNil(t, rec.SettledAt)

	rec, changed, err = s.RollbackReservation(ctx, refunded.ID, t0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ReservationRolledBack, rec.State)

	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 5, acct.UsedCredits)

	// Second rollback matches no reserved row and refunds nothing.
	_, changed, err = s.RollbackReservation(ctx, refunded.ID, t0)
	require.NoError(t, err)
	assert.False(t, changed)

	// Rolling back a committed reservation is refused by the state guard.
	rec, changed, err = s.RollbackReservation(ctx, kept.ID, t0)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, ReservationCommitted, rec.State)

	acct, err = s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 5, acct.UsedCredits)

	_, _, err = s.RollbackReservation(ctx, "missing", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRollbackAfterPeriodResetRefundsAsRollover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct-1", 10)

	res := reservation("acct-1", 5)
	_, err := s.ReserveCredits(ctx, res, true)
	require.NoError(t, err)

	applied, err := s.ResetAccountPeriod(ctx, "acct-1", 0, PeriodReset{
		TotalCredits: 10, RolloverCredits: 5, NextResetAt: t0.AddDate(0, 2, 0), At: t0.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	require.True(t, applied)

	_, err = s.ReserveCredits(ctx, reservation("acct-1", 1), true)
	require.NoError(t, err)

	_, changed, err := s.RollbackReservation(ctx, res.ID, t0.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.True(t, changed)

	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, acct.UsedCredits, "usage of the new period is kept")
	assert.Equal(t, 10, acct.RolloverCredits, "the failed charge comes back as rollover")
	assert.Equal(t, 19, acct.TotalCredits+acct.RolloverCredits-acct.UsedCredits)

	txs, err := s.ListTransactions(ctx, "acct-1", 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, TxRefund, txs[0].Type)
	assert.Equal(t, 5, txs[0].Amount)
	assert.Equal(t, res.CommandID, txs[0].CommandID)

	// A second rollback changes nothing.
	_, changed, err = s.RollbackReservation(ctx, res.ID, t0.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.False(t, changed)
	acct, err = s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 10, acct.RolloverCredits)
}

func TestResetAccountPeriodIsConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct-1", 10)
	_, err := s.ReserveCredits(ctx, reservation("acct-1", 4), true)
	require.NoError(t, err)

	reset := PeriodReset{TotalCredits: 10, RolloverCredits: 6, NextResetAt: t0.AddDate(0, 2, 0), At: t0.AddDate(0, 1, 0)}
	applied, err := s.ResetAccountPeriod(ctx, "acct-1", 0, reset)
	require.NoError(t, err)
	assert.True(t, applied)

	// A second caller holding the stale sequence number is a no-op.
	applied, err = s.ResetAccountPeriod(ctx, "acct-1", 0, reset)
	require.NoError(t, err)
	assert.False(t, applied)

	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 0, acct.UsedCredits)
	assert.Equal(t, 6, acct.RolloverCredits)
	assert.Equal(t, int64(1), acct.PeriodSeq)

	due, err := s.ListAccountsDueForReset(ctx, t0.AddDate(0, 1, 15))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = s.ListAccountsDueForReset(ctx, t0.AddDate(0, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-1"}, due)
}

func TestAddCreditsAndTransactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct-1", 10)

	acct, err := s.AddCredits(ctx, "acct-1", 100, TxPurchase, "top-up", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 110, acct.TotalCredits)

	_, err = s.ReserveCredits(ctx, reservation("acct-1", 5), true)
	require.NoError(t, err)

	txs, err := s.ListTransactions(ctx, "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, TxPurchase, txs[0].Type, "newest first")
	assert.Equal(t, 100, txs[0].Amount)
	assert.Equal(t, TxUsage, txs[1].Type)
	assert.Equal(t, -5, txs[1].Amount)

	_, err = s.AddCredits(ctx, "missing", 1, TxBonus, "", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

// ─── Commands ────────────────────────────────────────────────────────────────

func TestCommandLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct-1", 10)

	rec := &CommandRecord{
		ID:           "cmd-1",
		AccountID:    "acct-1",
		UserID:       "user-1",
		TargetIDs:    []string{"client-b", "client-a"},
		RawText:      "write a welcome email",
		Category:     "content",
		PriceCredits: 5,
		Status:       "pending",
		SubmittedAt:  t0,
	}
	require.NoError(t, s.CreateCommand(ctx, rec))

	got, err := s.GetCommand(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"client-b", "client-a"}, got.TargetIDs, "target order is preserved")
	assert.Nil(t, got.ResultText)
	assert.Nil(t, got.FinalizedAt)

	ok, err := s.TransitionCommand(ctx, "cmd-1", "pending", "processing", CommandPatch{})
	require.NoError(t, err)
	assert.True(t, ok)

	// Guard mismatch: the record is no longer pending.
	ok, err = s.TransitionCommand(ctx, "cmd-1", "pending", "rejected", CommandPatch{})
	require.NoError(t, err)
	assert.False(t, ok)

	result := "Subject: Welcome!"
	done := t0.Add(2 * time.Second)
	tokens := 42
	ok, err = s.TransitionCommand(ctx, "cmd-1", "processing", "completed", CommandPatch{
		ResultText: &result, FinalizedAt: &done, OutputTokens: &tokens,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetCommand(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	require.NotNil(t, got.ResultText)
	assert.Equal(t, result, *got.ResultText)
	require.NotNil(t, got.FinalizedAt)
	assert.True(t, got.FinalizedAt.Equal(done))
	assert.Equal(t, 42, got.OutputTokens)

	_, err = s.GetCommand(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommandQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct-1", 100)

	for i, tc := range []struct {
		status  string
		targets []string
	}{
		{"completed", []string{"client-a"}},
		{"completed", []string{"client-a", "client-b"}},
		{"failed", []string{"client-a"}},
		{"completed", nil},
	} {
		at := t0.Add(time.Duration(i) * time.Hour)
		rec := &CommandRecord{
			ID: uuid.NewString(), AccountID: "acct-1", TargetIDs: tc.targets,
			RawText: "cmd", Category: "simple", PriceCredits: 1, Status: tc.status,
			SubmittedAt: at, FinalizedAt: &at,
		}
		require.NoError(t, s.CreateCommand(ctx, rec))
	}

	all, err := s.ListCommands(ctx, "acct-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.True(t, all[0].SubmittedAt.After(all[3].SubmittedAt), "newest first")
	assert.Equal(t, []string{}, all[0].TargetIDs)

	page, err := s.ListCommands(ctx, "acct-1", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	history, err := s.RecentCommandsForTarget(ctx, "client-a", 10)
	require.NoError(t, err)
	require.Len(t, history, 2, "failed commands are not history")
	assert.Equal(t, []string{"client-a", "client-b"}, history[0].TargetIDs)

	limited, err := s.RecentCommandsForTarget(ctx, "client-a", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	inRange, err := s.CompletedCommandsBetween(ctx, "acct-1", t0, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Len(t, inRange, 2, "end bound is exclusive and failed commands are skipped")
}

// ─── Directory ───────────────────────────────────────────────────────────────

func TestCollaboratorsAndMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acct-1", 10)

	require.NoError(t, s.UpsertCollaborator(ctx, &CollaboratorRecord{
		ID: "client-a", AccountID: "acct-1", Name: "Bloom Bakery", Industry: "Food", CreatedAt: t0,
	}))
	require.NoError(t, s.UpsertCollaborator(ctx, &CollaboratorRecord{
		ID: "client-b", AccountID: "acct-1", Name: "Peak Fitness", CreatedAt: t0.Add(time.Second),
	}))
	require.NoError(t, s.UpsertCollaborator(ctx, &CollaboratorRecord{
		ID: "client-a", AccountID: "acct-1", Name: "Bloom Bakery & Cafe", Industry: "Food",
		BrandGuidelines: `{"tone":"warm"}`, CreatedAt: t0,
	}))

	list, err := s.ListCollaborators(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Bloom Bakery & Cafe", list[0].Name)
	assert.Equal(t, `{"tone":"warm"}`, list[0].BrandGuidelines)
	assert.Equal(t, "{}", list[1].BrandGuidelines)

	require.NoError(t, s.DeleteCollaborator(ctx, "acct-1", "client-b"))
	assert.ErrorIs(t, s.DeleteCollaborator(ctx, "acct-1", "client-b"), ErrNotFound)

	require.NoError(t, s.SetMember(ctx, &MemberRecord{AccountID: "acct-1", UserID: "u1", Role: "member", CreatedAt: t0}))
	require.NoError(t, s.SetMember(ctx, &MemberRecord{AccountID: "acct-1", UserID: "u1", Role: "admin", CreatedAt: t0}))
	role, err := s.GetMemberRole(ctx, "acct-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "admin", role)

	_, err = s.GetMemberRole(ctx, "acct-1", "stranger")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
