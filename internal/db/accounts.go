package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ─── Accounts ────────────────────────────────────────────────────────────────

const accountColumns = `id, name, plan, total_credits, used_credits, rollover_credits, reset_at, period_seq, created_at, updated_at`

func (s *sqlStore) CreateAccount(ctx context.Context, rec *AccountRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.Name, rec.Plan, rec.TotalCredits, rec.UsedCredits, rec.RolloverCredits,
		utc(rec.ResetAt), rec.PeriodSeq, utc(rec.CreatedAt), utc(rec.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("create account %s: %w", rec.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *sqlStore) GetAccount(ctx context.Context, id string) (*AccountRecord, error) {
	return getAccount(ctx, s.db, id)
}

// getAccount runs on the pool or inside a transaction.
func getAccount(ctx context.Context, q queryer, id string) (*AccountRecord, error) {
	var rec AccountRecord
	err := sqlx.GetContext(ctx, q, &rec, q.Rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, notFound(err))
	}
	return &rec, nil
}

func (s *sqlStore) ListAccountsDueForReset(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.q(`SELECT id FROM accounts WHERE reset_at <= ? ORDER BY id`), utc(now))
	if err != nil {
		return nil, fmt.Errorf("list accounts due for reset: %w", err)
	}
	return ids, nil
}

func (s *sqlStore) ResetAccountPeriod(ctx context.Context, id string, expectedSeq int64, reset PeriodReset) (bool, error) {
	applied := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE accounts
			SET total_credits = ?, used_credits = 0, rollover_credits = ?, reset_at = ?,
			    period_seq = period_seq + 1, updated_at = ?
			WHERE id = ? AND period_seq = ?
		`), reset.TotalCredits, reset.RolloverCredits, utc(reset.NextResetAt), utc(reset.At), id, expectedSeq)
		if err != nil {
			return fmt.Errorf("reset account %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reset account %s: %w", id, err)
		}
		if n == 0 {
			return nil
		}
		applied = true
		return insertTransaction(ctx, tx, &TransactionRecord{
			AccountID:   id,
			Type:        TxReset,
			Amount:      reset.RolloverCredits,
			Description: fmt.Sprintf("period reset: %d credits, %d rolled over", reset.TotalCredits, reset.RolloverCredits),
			CreatedAt:   reset.At,
		})
	})
	return applied, err
}

// ─── Reservations ────────────────────────────────────────────────────────────

const reservationColumns = `id, account_id, command_id, amount, state, period_seq, created_at, settled_at`

func (s *sqlStore) ReserveCredits(ctx context.Context, res *ReservationRecord, enforceLimit bool) (*AccountRecord, error) {
	var acct *AccountRecord
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		charge := `UPDATE accounts SET used_credits = used_credits + ?, updated_at = ? WHERE id = ?`
		args := []interface{}{res.Amount, utc(res.CreatedAt), res.AccountID}
		if enforceLimit {
			charge += ` AND total_credits + rollover_credits - used_credits >= ?`
			args = append(args, res.Amount)
		}
		result, err := tx.ExecContext(ctx, tx.Rebind(charge), args...)
		if err != nil {
			return fmt.Errorf("reserve credits: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("reserve credits: %w", err)
		}

		current, err := getAccount(ctx, tx, res.AccountID)
		if err != nil {
			return err
		}
		acct = current
		if n == 0 {
			return ErrInsufficientBalance
		}

		res.State = ReservationReserved
		res.PeriodSeq = current.PeriodSeq
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO reservations (`+reservationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		`), res.ID, res.AccountID, res.CommandID, res.Amount, res.State, res.PeriodSeq, utc(res.CreatedAt)); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		return insertTransaction(ctx, tx, &TransactionRecord{
			AccountID:   res.AccountID,
			Type:        TxUsage,
			Amount:      -res.Amount,
			Description: "command reservation",
			CommandID:   res.CommandID,
			CreatedAt:   res.CreatedAt,
		})
	})
	if err != nil {
		return acct, err
	}
	return acct, nil
}

func (s *sqlStore) GetReservation(ctx context.Context, id string) (*ReservationRecord, error) {
	return getReservation(ctx, s.db, id)
}

func getReservation(ctx context.Context, q queryer, id string) (*ReservationRecord, error) {
	var rec ReservationRecord
	err := sqlx.GetContext(ctx, q, &rec, q.Rebind(`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("get reservation %s: %w", id, notFound(err))
	}
	return &rec, nil
}

func (s *sqlStore) CommitReservation(ctx context.Context, id string, at time.Time) (*ReservationRecord, bool, error) {
	var (
		rec     *ReservationRecord
		changed bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := settleReservation(ctx, tx, id, ReservationCommitted, at)
		if err != nil {
			return err
		}
		changed = n > 0
		rec, err = getReservation(ctx, tx, id)
		return err
	})
	return rec, changed, err
}

func (s *sqlStore) RollbackReservation(ctx context.Context, id string, at time.Time) (*ReservationRecord, bool, error) {
	var (
		rec     *ReservationRecord
		changed bool
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := settleReservation(ctx, tx, id, ReservationRolledBack, at)
		if err != nil {
			return err
		}
		rec, err = getReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		changed = true

		refund, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE accounts
			SET used_credits = CASE WHEN used_credits >= ? THEN used_credits - ? ELSE 0 END,
			    updated_at = ?
			WHERE id = ? AND period_seq = ?
		`), rec.Amount, rec.Amount, utc(at), rec.AccountID, rec.PeriodSeq)
		if err != nil {
			return fmt.Errorf("refund reservation %s: %w", id, err)
		}
		n, err = refund.RowsAffected()
		if err != nil {
			return fmt.Errorf("refund reservation %s: %w", id, err)
		}

		description := "command refund"
		if n == 0 {
			// The charge was folded into a period reset; return it as
			// rollover so the new period's usage stays intact.
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE accounts SET rollover_credits = rollover_credits + ?, updated_at = ? WHERE id = ?
			`), rec.Amount, utc(at), rec.AccountID); err != nil {
				return fmt.Errorf("refund reservation %s: %w", id, err)
			}
			description = "command refund (prior period)"
		}

		return insertTransaction(ctx, tx, &TransactionRecord{
			AccountID:   rec.AccountID,
			Type:        TxRefund,
			Amount:      rec.Amount,
			Description: description,
			CommandID:   rec.CommandID,
			CreatedAt:   at,
		})
	})
	return rec, changed, err
}

// settleReservation moves a reserved row to state and reports rows affected.
func settleReservation(ctx context.Context, tx *sqlx.Tx, id, state string, at time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE reservations SET state = ?, settled_at = ? WHERE id = ? AND state = ?
	`), state, utc(at), id, ReservationReserved)
	if err != nil {
		return 0, fmt.Errorf("settle reservation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("settle reservation %s: %w", id, err)
	}
	return n, nil
}

// ─── Credits & transactions ──────────────────────────────────────────────────

func (s *sqlStore) AddCredits(ctx context.Context, accountID string, amount int, txType, description string, at time.Time) (*AccountRecord, error) {
	var acct *AccountRecord
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE accounts SET total_credits = total_credits + ?, updated_at = ? WHERE id = ?
		`), amount, utc(at), accountID)
		if err != nil {
			return fmt.Errorf("add credits: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("add credits: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("add credits to %s: %w", accountID, ErrNotFound)
		}
		if err := insertTransaction(ctx, tx, &TransactionRecord{
			AccountID:   accountID,
			Type:        txType,
			Amount:      amount,
			Description: description,
			CreatedAt:   at,
		}); err != nil {
			return err
		}
		acct, err = getAccount(ctx, tx, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *sqlStore) AppendTransaction(ctx context.Context, rec *TransactionRecord) error {
	return insertTransaction(ctx, s.db, rec)
}

func insertTransaction(ctx context.Context, e execer, rec *TransactionRecord) error {
	_, err := e.ExecContext(ctx, e.Rebind(`
		INSERT INTO credit_transactions (account_id, type, amount, description, command_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), rec.AccountID, rec.Type, rec.Amount, rec.Description, rec.CommandID, utc(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("append %s transaction: %w", rec.Type, err)
	}
	return nil
}

func (s *sqlStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]*TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []*TransactionRecord
	err := s.db.SelectContext(ctx, &recs, s.q(`
		SELECT id, account_id, type, amount, description, command_id, created_at
		FROM credit_transactions
		WHERE account_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`), accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return recs, nil
}
