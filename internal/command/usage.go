package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vibeai/vibe-core/internal/classifier"
	"github.com/vibeai/vibe-core/internal/db"
	"github.com/vibeai/vibe-core/internal/ledger"
)

// DefaultUsageWindow is the range used when Usage is called without bounds.
const DefaultUsageWindow = 30 * 24 * time.Hour

// CategoryUsage aggregates one pricing category.
type CategoryUsage struct {
	Count   int `json:"count"`
	Credits int `json:"credits"`
}

// CollaboratorUsage aggregates commands whose primary target is one collaborator.
type CollaboratorUsage struct {
	CollaboratorID string `json:"collaboratorId"`
	Name           string `json:"name"`
	Count          int    `json:"count"`
	Credits        int    `json:"credits"`
}

// UserUsage aggregates one submitting user.
type UserUsage struct {
	UserID  string `json:"userId"`
	Count   int    `json:"count"`
	Credits int    `json:"credits"`
}

// DailyUsage is one day in the series, keyed YYYY-MM-DD in UTC.
type DailyUsage struct {
	Date    string `json:"date"`
	Count   int    `json:"count"`
	Credits int    `json:"credits"`
}

// UsageReport summarizes completed commands of an account in [From, To)
// alongside its current balance.
type UsageReport struct {
	AccountID      string                   `json:"accountId"`
	Balance        *ledger.Balance          `json:"balance"`
	From           time.Time                `json:"from"`
	To             time.Time                `json:"to"`
	TotalCommands  int                      `json:"totalCommands"`
	TotalCredits   int                      `json:"totalCredits"`
	ByCategory     map[string]CategoryUsage `json:"byCategory"`
	ByCollaborator []CollaboratorUsage      `json:"byCollaborator"`
	ByUser         []UserUsage              `json:"byUser"`
	Daily          []DailyUsage             `json:"daily"`
}

// Usage reports completed commands finalized in [from, to). A zero to means
// now; a zero from means 30 days before to.
func (o *Orchestrator) Usage(ctx context.Context, accountID string, from, to time.Time) (*UsageReport, error) {
	if to.IsZero() {
		to = o.now()
	}
	if from.IsZero() {
		from = to.Add(-DefaultUsageWindow)
	}
	from, to = from.UTC(), to.UTC()
	if !from.Before(to) {
		return nil, fmt.Errorf("invalid usage range: %s is not before %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	if _, err := o.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	balance, err := o.ledger.Snapshot(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	recs, err := o.store.CompletedCommandsBetween(ctx, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load completed commands: %w", err)
	}
	collaborators, err := o.store.ListCollaborators(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load collaborators: %w", err)
	}
	names := make(map[string]string, len(collaborators))
	for _, c := range collaborators {
		names[c.ID] = c.Name
	}

	report := &UsageReport{
		AccountID:  accountID,
		Balance:    balance,
		From:       from,
		To:         to,
		ByCategory: make(map[string]CategoryUsage, len(classifier.Categories())),
	}
	for _, c := range classifier.Categories() {
		report.ByCategory[string(c)] = CategoryUsage{}
	}
	byCollab := map[string]*CollaboratorUsage{}
	byUser := map[string]*UserUsage{}
	daily := map[string]*DailyUsage{}

	for _, r := range recs {
		credits := r.PriceCredits
		report.TotalCommands++
		report.TotalCredits += credits

		cu := report.ByCategory[r.Category]
		cu.Count++
		cu.Credits += credits
		report.ByCategory[r.Category] = cu

		if len(r.TargetIDs) > 0 {
			id := r.TargetIDs[0]
			c, ok := byCollab[id]
			if !ok {
				c = &CollaboratorUsage{CollaboratorID: id, Name: names[id]}
				byCollab[id] = c
			}
			c.Count++
			c.Credits += credits
		}

		u, ok := byUser[r.UserID]
		if !ok {
			u = &UserUsage{UserID: r.UserID}
			byUser[r.UserID] = u
		}
		u.Count++
		u.Credits += credits

		at := r.SubmittedAt
		if r.FinalizedAt != nil {
			at = *r.FinalizedAt
		}
		day := at.UTC().Format("2006-01-02")
		d, ok := daily[day]
		if !ok {
			d = &DailyUsage{Date: day}
			daily[day] = d
		}
		d.Count++
		d.Credits += credits
	}

	report.ByCollaborator = make([]CollaboratorUsage, 0, len(byCollab))
	for _, c := range byCollab {
		report.ByCollaborator = append(report.ByCollaborator, *c)
	}
	sort.Slice(report.ByCollaborator, func(i, j int) bool {
		a, b := report.ByCollaborator[i], report.ByCollaborator[j]
		if a.Credits != b.Credits {
			return a.Credits > b.Credits
		}
		return a.CollaboratorID < b.CollaboratorID
	})

	report.ByUser = make([]UserUsage, 0, len(byUser))
	for _, u := range byUser {
		report.ByUser = append(report.ByUser, *u)
	}
	sort.Slice(report.ByUser, func(i, j int) bool {
		a, b := report.ByUser[i], report.ByUser[j]
		if a.Credits != b.Credits {
			return a.Credits > b.Credits
		}
		return a.UserID < b.UserID
	})

	report.Daily = make([]DailyUsage, 0, len(daily))
	for _, d := range daily {
		report.Daily = append(report.Daily, *d)
	}
	sort.Slice(report.Daily, func(i, j int) bool { return report.Daily[i].Date < report.Daily[j].Date })

	return report, nil
}
