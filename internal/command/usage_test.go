package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	submit := func(user string, targets []string, text string) {
		t.Helper()
		_, err := f.orch.Submit(ctx, Request{AccountID: "acct-1", UserID: user, TargetIDs: targets, Text: text})
		require.NoError(t, err)
	}

	submit("ana", []string{"client-a"}, "write a welcome email") // content 5
	submit("ana", []string{"client-a", "client-b"}, "add a tag") // simple 1
	f.clock.Advance(24 * time.Hour)
	submit("ben", []string{"client-b"}, "check stats") // simple 1
	submit("ben", nil, "show the invoices")            // simple 1

	f.gen.err = errors.New("boom")
	submit("ben", []string{"client-b"}, "list campaigns") // failed, excluded
	f.gen.err = nil

	f.clock.Advance(time.Hour)
	report, err := f.orch.Usage(ctx, "acct-1", time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 4, report.TotalCommands)
	assert.Equal(t, 8, report.TotalCredits)
	assert.True(t, report.To.Equal(t0.Add(25*time.Hour)))
	assert.True(t, report.From.Equal(report.To.Add(-DefaultUsageWindow)))

	require.NotNil(t, report.Balance)
	assert.Equal(t, 10, report.Balance.Total)
	assert.Equal(t, 8, report.Balance.Used, "the failed command was refunded")
	assert.Equal(t, 2, report.Balance.Remaining)
	assert.Equal(t, 0, report.Balance.Overage)

	assert.Equal(t, map[string]CategoryUsage{
		"simple":  {Count: 3, Credits: 3},
		"content": {Count: 1, Credits: 5},
		"complex": {},
		"bulk":    {},
	}, report.ByCategory)

	assert.Equal(t, []CollaboratorUsage{
		{CollaboratorID: "client-a", Name: "Bloom Bakery", Count: 2, Credits: 6},
		{CollaboratorID: "client-b", Name: "Nord Cycles", Count: 1, Credits: 1},
	}, report.ByCollaborator)

	assert.Equal(t, []UserUsage{
		{UserID: "ana", Count: 2, Credits: 6},
		{UserID: "ben", Count: 2, Credits: 2},
	}, report.ByUser)

	assert.Equal(t, []DailyUsage{
		{Date: "2026-03-02", Count: 2, Credits: 6},
		{Date: "2026-03-03", Count: 2, Credits: 2},
	}, report.Daily)
}

func TestUsageRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, Request{AccountID: "acct-1", Text: "add a note"})
	require.NoError(t, err)

	report, err := f.orch.Usage(ctx, "acct-1", t0.Add(-time.Hour), t0)
	require.NoError(t, err)
	assert.Zero(t, report.TotalCommands, "end bound is exclusive")
	assert.Empty(t, report.Daily)
	assert.NotNil(t, report.ByUser)

	report, err = f.orch.Usage(ctx, "acct-1", t0, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalCommands)

	_, err = f.orch.Usage(ctx, "acct-1", t0, t0)
	assert.Error(t, err)

	_, err = f.orch.Usage(ctx, "nope", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
