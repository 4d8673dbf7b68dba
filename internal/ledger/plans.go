package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/vibeai/vibe-core/internal/config"
)

// Plan is the credit policy attached to an account's plan name.
type Plan struct {
	Name           string
	MonthlyCredits int
	OverageRate    float64
	AllowOverage   bool
	Unlimited      bool
	// RolloverCap bounds unused credits carried into the next period.
	// Zero means the plan's own allotment.
	RolloverCap int
}

// Enforced reports whether reservations must fit in the remaining balance.
func (p Plan) Enforced() bool {
	return !p.Unlimited && !p.AllowOverage
}

func (p Plan) rolloverCap() int {
	if p.RolloverCap > 0 {
		return p.RolloverCap
	}
	return p.MonthlyCredits
}

// PlansFromConfig converts the configured plan table.
func PlansFromConfig(plans map[string]config.PlanConfig) map[string]Plan {
	out := make(map[string]Plan, len(plans))
	for name, p := range plans {
		out[name] = Plan{
			Name:           name,
			MonthlyCredits: p.MonthlyCredits,
			OverageRate:    p.OverageRate,
			AllowOverage:   p.AllowOverage,
			Unlimited:      p.Unlimited,
			RolloverCap:    p.RolloverCap,
		}
	}
	return out
}

// Period is the length of a billing period.
type Period string

const (
	Monthly Period = "monthly"
	Weekly  Period = "weekly"
	Daily   Period = "daily"
)

// ParsePeriod accepts monthly, weekly or daily (case-insensitive).
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case Monthly, Weekly, Daily:
		return p, nil
	case "":
		return Monthly, nil
	default:
		return "", fmt.Errorf("unknown billing period %q", s)
	}
}

// Next returns t advanced by one period.
func (p Period) Next(t time.Time) time.Time {
	switch p {
	case Weekly:
		return t.AddDate(0, 0, 7)
	case Daily:
		return t.AddDate(0, 0, 1)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// After advances t by whole periods until it is strictly after now.
func (p Period) After(t, now time.Time) time.Time {
	next := p.Next(t)
	for !next.After(now) {
		next = p.Next(next)
	}
	return next
}
