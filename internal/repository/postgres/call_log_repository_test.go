package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/daily-callline/internal/domain"
)

func TestFinalizeClaimsInitiatedEntry(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallLogRepository(db)

	mock.ExpectExec(`UPDATE call_log SET status = \$1.*WHERE provider_call_id = \$4 AND status = \$5`).
		WithArgs(domain.CallLogCompleted, "we talked", 120, "prov-1", domain.CallLogInitiated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := repo.Finalize(context.Background(), "prov-1", domain.CallLogCompleted, "we talked", 120)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeLosesToConcurrentDelivery(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallLogRepository(db)

	mock.ExpectExec(`UPDATE call_log SET status = \$1`).
		WithArgs(domain.CallLogCompleted, "we talked", 120, "prov-1", domain.CallLogInitiated).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := repo.Finalize(context.Background(), "prov-1", domain.CallLogCompleted, "we talked", 120)
	require.NoError(t, err)
	assert.False(t, claimed, "an already-finalized entry must not be claimed again")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpgradeTranscriptReplacesShorterText(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallLogRepository(db)

	mock.ExpectExec(`UPDATE call_log SET transcript = \$1.*char_length\(coalesce\(transcript, ''\)\) < char_length\(\$1\)`).
		WithArgs("a much fuller transcript", 120, "prov-1", domain.CallLogInitiated).
		WillReturnResult(sqlmock.NewResult(0, 1))

	upgraded, err := repo.UpgradeTranscript(context.Background(), "prov-1", "a much fuller transcript", 120)
	require.NoError(t, err)
	assert.True(t, upgraded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpgradeTranscriptSkipsWhenNotFuller(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCallLogRepository(db)

	mock.ExpectExec(`UPDATE call_log SET transcript = \$1`).
		WithArgs("short", 120, "prov-1", domain.CallLogInitiated).
		WillReturnResult(sqlmock.NewResult(0, 0))

	upgraded, err := repo.UpgradeTranscript(context.Background(), "prov-1", "short", 120)
	require.NoError(t, err)
	assert.False(t, upgraded)
	assert.NoError(t, mock.ExpectationsWereMet())
}
