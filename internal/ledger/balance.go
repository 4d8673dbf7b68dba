package ledger

import (
	"math"
	"time"

	"github.com/vibeai/vibe-core/internal/db"
)

// Status is the coarse health label of a balance.
type Status string

const (
	StatusGood    Status = "good"
	StatusWarning Status = "warning"
	StatusDanger  Status = "danger"
	StatusOverage Status = "overage"
)

// Balance is a point-in-time view of an account's credits.
type Balance struct {
	AccountID        string    `json:"accountId"`
	Plan             string    `json:"plan"`
	Total            int       `json:"total"`
	Used             int       `json:"used"`
	Rollover         int       `json:"rollover"`
	Remaining        int       `json:"remaining"`
	PercentUsed      float64   `json:"percentUsed"`
	Overage          int       `json:"overage"`
	Status           Status    `json:"status"`
	Unlimited        bool      `json:"unlimited"`
	WarningThreshold int       `json:"warningThreshold"`
	DangerThreshold  int       `json:"dangerThreshold"`
	ResetAt          time.Time `json:"resetAt"`
}

// WarningThreshold is floor(0.8 × total).
func WarningThreshold(total int) int { return int(math.Floor(0.8 * float64(total))) }

// DangerThreshold is floor(0.95 × total).
func DangerThreshold(total int) int { return int(math.Floor(0.95 * float64(total))) }

// Capacity is what the account may spend this period before overage.
func (b *Balance) Capacity() int { return b.Total + b.Rollover }

func newBalance(acct *db.AccountRecord, plan Plan) *Balance {
	capacity := acct.TotalCredits + acct.RolloverCredits
	b := &Balance{
		AccountID:        acct.ID,
		Plan:             acct.Plan,
		Total:            acct.TotalCredits,
		Used:             acct.UsedCredits,
		Rollover:         acct.RolloverCredits,
		Remaining:        max(0, capacity-acct.UsedCredits),
		Overage:          max(0, acct.UsedCredits-capacity),
		Unlimited:        plan.Unlimited,
		WarningThreshold: WarningThreshold(acct.TotalCredits),
		DangerThreshold:  DangerThreshold(acct.TotalCredits),
		ResetAt:          acct.ResetAt.UTC(),
	}
	if capacity > 0 {
		b.PercentUsed = float64(acct.UsedCredits) / float64(capacity) * 100
	}
	b.Status = statusOf(b)
	return b
}

func statusOf(b *Balance) Status {
	switch {
	case b.Unlimited:
		return StatusGood
	case b.Remaining == 0:
		return StatusOverage
	case b.Used >= b.DangerThreshold:
		return StatusDanger
	case b.Used >= b.WarningThreshold:
		return StatusWarning
	default:
		return StatusGood
	}
}
