package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Shadowskybtw/loyalty-backend/internal/apperr"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "tx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func conflict() error {
	return apperr.New(apperr.KindConflict, "test", "row moved")
}

func TestTransactRetriesConflicts(t *testing.T) {
	db := newTestDB(t)
	calls := 0
	err := Transact(context.Background(), db, 3, func(tx *gorm.DB) error {
		calls++
		if calls < 3 {
			return conflict()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestTransactGivesUpAfterRetries(t *testing.T) {
	db := newTestDB(t)
	calls := 0
	err := Transact(context.Background(), db, 2, func(tx *gorm.DB) error {
		calls++
		return conflict()
	})
	require.ErrorIs(t, err, apperr.ErrConflict)
	require.Equal(t, 3, calls)
}

func TestTransactDoesNotRetryOtherErrors(t *testing.T) {
	db := newTestDB(t)
	boom := errors.New("boom")
	calls := 0
	err := Transact(context.Background(), db, 3, func(tx *gorm.DB) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestTransactStopsWaitingOnCancel(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Transact(ctx, db, 5, func(tx *gorm.DB) error {
		calls++
		cancel()
		return conflict()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestBackoffIsJitteredAndCapped(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoff(attempt)
		require.Greater(t, d, time.Duration(0))
		require.Less(t, d, retryMax)
	}
	first := backoff(1)
	require.GreaterOrEqual(t, first, retryBase/2)
	require.Less(t, first, retryBase)
}
