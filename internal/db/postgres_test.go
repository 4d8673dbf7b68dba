package db

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = mockDB.Close() })
	return newSQLStore(sqlx.NewDb(mockDB, "postgres"), postgresMigrations), mock
}

func TestPostgresMigrateSkipsAppliedVersions(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_versions")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM schema_versions WHERE version = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	require.NoError(t, s.migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReserveUsesDollarPlaceholders(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE accounts SET used_credits = used_credits + $1, updated_at = $2 WHERE id = $3 AND total_credits + rollover_credits - used_credits >= $4")).
		WithArgs(int64(5), sqlmock.AnyArg(), "acct-1", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts WHERE id = $1")).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "plan", "total_credits", "used_credits", "rollover_credits",
			"reset_at", "period_seq", "created_at", "updated_at",
		}).AddRow("acct-1", "Acme", "free", 10, 8, 0, t0, 0, t0, t0))
	mock.ExpectRollback()

	acct, err := s.ReserveCredits(context.Background(), reservation("acct-1", 5), true)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	require.NotNil(t, acct)
	assert.Equal(t, 8, acct.UsedCredits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionGuardMismatch(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE commands SET status = $1 WHERE id = $2 AND status = $3")).
		WithArgs("processing", "cmd-1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.TransitionCommand(context.Background(), "cmd-1", "pending", "processing", CommandPatch{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
