package session

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasfare/bargain/pkg/contracts"
)

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	want := sampleSession("sess-1", contracts.OutcomeOpen, now)
	raw, err := json.Marshal(want)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM sessions WHERE id = $1")).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(raw))

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM sessions WHERE id = $1")).
		WithArgs("sess-missing").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	_, err = store.Get(context.Background(), "sess-missing")
	assert.ErrorIs(t, err, contracts.ErrSessionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sess := sampleSession("sess-1", contracts.OutcomeAccepted, now)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WithArgs("sess-1", "hotel:dxb:rixos:std", "accepted", 2, now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Save(context.Background(), sess))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListOpenBefore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	stale := sampleSession("stale-open", contracts.OutcomeOpen, now.Add(-time.Hour))
	raw, err := json.Marshal(stale)
	require.NoError(t, err)

	cutoff := now.Add(-30 * time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM sessions WHERE outcome = $1 AND updated_at < $2")).
		WithArgs("open", cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(raw))

	got, err := store.ListOpenBefore(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stale-open", got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
