package state

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/iml"
)

func newMockPlanStore(t *testing.T) (*PlanStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS plans").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS actions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_actions_plan_id").WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPlanStore(db, DialectPostgres)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresPlanStoreUsesNumberedPlaceholders(t *testing.T) {
	store, mock := newMockPlanStore(t)
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return now })

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE plans SET status=$1, updated_at=$2 WHERE plan_id=$3`)).
		WithArgs("running", unixSeconds(now), "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpdatePlanStatus(context.Background(), "p1", iml.PlanRunning))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPlanStoreCreateTransaction(t *testing.T) {
	store, mock := newMockPlanStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO plans").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO actions").
		WithArgs("p1", "a1", "pending", "filesystem", "read_file").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	st := NewExecutionState(&iml.Plan{
		PlanID:  "p1",
		Actions: []iml.Action{{ID: "a1", Module: "filesystem", Action: "read_file"}},
	})
	require.NoError(t, store.Create(context.Background(), st))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPlanStorePurge(t *testing.T) {
	store, mock := newMockPlanStore(t)
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return now })

	mock.ExpectExec("DELETE FROM actions WHERE plan_id IN").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM plans WHERE status IN").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.PurgeTerminal(context.Background(), 168*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
