package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ─── Commands ────────────────────────────────────────────────────────────────

const commandColumns = `id, account_id, user_id, raw_text, category, price_credits, status,
	result_text, error_reason, reservation_id, estimated_tokens, output_tokens, submitted_at, finalized_at`

func (s *sqlStore) CreateCommand(ctx context.Context, rec *CommandRecord) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO commands (`+commandColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), rec.ID, rec.AccountID, rec.UserID, rec.RawText, rec.Category, rec.PriceCredits, rec.Status,
			rec.ResultText, rec.ErrorReason, rec.ReservationID, rec.EstimatedTokens, rec.OutputTokens,
			utc(rec.SubmittedAt), utcPtr(rec.FinalizedAt))
		if isUniqueViolation(err) {
			return fmt.Errorf("create command %s: %w", rec.ID, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("create command: %w", err)
		}

		for i, target := range rec.TargetIDs {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO command_targets (command_id, position, target_id) VALUES (?, ?, ?)
			`), rec.ID, i, target); err != nil {
				return fmt.Errorf("insert command target: %w", err)
			}
		}
		return nil
	})
}

func (s *sqlStore) GetCommand(ctx context.Context, id string) (*CommandRecord, error) {
	var rec CommandRecord
	err := s.db.GetContext(ctx, &rec, s.q(`SELECT `+commandColumns+` FROM commands WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("get command %s: %w", id, notFound(err))
	}
	if err := s.attachTargets(ctx, []*CommandRecord{&rec}); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *sqlStore) TransitionCommand(ctx context.Context, id, from, to string, patch CommandPatch) (bool, error) {
	query := `UPDATE commands SET status = ?`
	args := []interface{}{to}
	if patch.ResultText != nil {
		query += `, result_text = ?`
		args = append(args, *patch.ResultText)
	}
	if patch.ErrorReason != nil {
		query += `, error_reason = ?`
		args = append(args, *patch.ErrorReason)
	}
	if patch.FinalizedAt != nil {
		query += `, finalized_at = ?`
		args = append(args, utc(*patch.FinalizedAt))
	}
	if patch.OutputTokens != nil {
		query += `, output_tokens = ?`
		args = append(args, *patch.OutputTokens)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, from)

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, fmt.Errorf("transition command %s %s->%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition command %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *sqlStore) ListCommands(ctx context.Context, accountID string, limit, offset int) ([]*CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var recs []*CommandRecord
	err := s.db.SelectContext(ctx, &recs, s.q(`
		SELECT `+commandColumns+` FROM commands
		WHERE account_id = ?
		ORDER BY submitted_at DESC, id DESC
		LIMIT ? OFFSET ?
	`), accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	if err := s.attachTargets(ctx, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *sqlStore) RecentCommandsForTarget(ctx context.Context, targetID string, limit int) ([]*CommandRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	var recs []*CommandRecord
	err := s.db.SelectContext(ctx, &recs, s.q(`
		SELECT `+prefixed("c.", commandColumns)+` FROM commands c
		JOIN command_targets t ON t.command_id = c.id
		WHERE t.target_id = ? AND c.status = 'completed'
		ORDER BY c.submitted_at DESC, c.id DESC
		LIMIT ?
	`), targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent commands for target %s: %w", targetID, err)
	}
	if err := s.attachTargets(ctx, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *sqlStore) CompletedCommandsBetween(ctx context.Context, accountID string, from, to time.Time) ([]*CommandRecord, error) {
	var recs []*CommandRecord
	err := s.db.SelectContext(ctx, &recs, s.q(`
		SELECT `+commandColumns+` FROM commands
		WHERE account_id = ? AND status = 'completed' AND finalized_at >= ? AND finalized_at < ?
		ORDER BY finalized_at ASC, id ASC
	`), accountID, utc(from), utc(to))
	if err != nil {
		return nil, fmt.Errorf("completed commands: %w", err)
	}
	if err := s.attachTargets(ctx, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

type commandTarget struct {
	CommandID string `db:"command_id"`
	Position  int    `db:"position"`
	TargetID  string `db:"target_id"`
}

// attachTargets loads ordered target ids for recs in one query.
func (s *sqlStore) attachTargets(ctx context.Context, recs []*CommandRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(recs))
	byID := make(map[string]*CommandRecord, len(recs))
	for _, r := range recs {
		r.TargetIDs = []string{}
		ids = append(ids, r.ID)
		byID[r.ID] = r
	}

	query, args, err := sqlx.In(`
		SELECT command_id, position, target_id FROM command_targets
		WHERE command_id IN (?)
		ORDER BY command_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("build target query: %w", err)
	}
	var targets []commandTarget
	if err := s.db.SelectContext(ctx, &targets, s.q(query), args...); err != nil {
		return fmt.Errorf("load command targets: %w", err)
	}
	for _, t := range targets {
		if r, ok := byID[t.CommandID]; ok {
			r.TargetIDs = append(r.TargetIDs, t.TargetID)
		}
	}
	return nil
}

func prefixed(prefix, columns string) string {
	var out []byte
	start := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		if start && c != ' ' && c != '\t' && c != '\n' {
			out = append(out, prefix...)
			start = false
		}
		out = append(out, c)
		if c == ',' {
			start = true
		}
	}
	return string(out)
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
