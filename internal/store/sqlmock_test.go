package store

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/receipts/internal/ir"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

var errDiskFull = errors.New("database or disk is full")

func TestAddSentToken_PropagatesError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO sent_tokens").
		WithArgs("user-1", ir.TokenHash("t1"), t0.UnixMilli()).
		WillReturnError(errDiskFull)

	err := s.AddSentToken(testCtx, "user-1", ir.TokenHash("t1"), t0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteEntitlements_RollsBackOnUpdateFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT request_date FROM entitlement_cache").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"request_date"}).AddRow(t0.UnixMilli()))
	mock.ExpectExec("UPDATE entitlement_cache").WillReturnError(errDiskFull)
	mock.ExpectRollback()

	replaced, err := s.WriteEntitlements(testCtx, testSnapshot("user-1", t0.Add(1e9), `{}`), t0)
	require.Error(t, err)
	assert.False(t, replaced)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneSentTokens_RollsBackOnDeleteFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT token_hash FROM sent_tokens").
		WithArgs("user-1", t0.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"token_hash"}).AddRow("h1").AddRow("h2"))
	mock.ExpectExec("DELETE FROM sent_tokens").WillReturnError(errDiskFull)
	mock.ExpectRollback()

	removed, err := s.PruneSentTokens(testCtx, "user-1", map[string]struct{}{"h2": {}}, t0)
	require.Error(t, err)
	assert.Zero(t, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAttributesSynced_RollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE subscriber_attributes SET synced = 1").
		WithArgs("user-1", "plan", "gold").
		WillReturnError(errDiskFull)
	mock.ExpectRollback()

	_, err := s.MarkAttributesSynced(testCtx, "user-1", ir.AttributeSet{"plan": {Key: "plan", Value: "gold"}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearUser_RollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM entitlement_cache").WithArgs("user-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM catalog_cache").WithArgs("user-1").WillReturnError(errDiskFull)
	mock.ExpectRollback()

	err := s.ClearUser(testCtx, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
	assert.NoError(t, mock.ExpectationsWereMet())
}
