package rewards

import (
	"context"
	"testing"
	"time"

	"github.com/Shadowskybtw/loyalty-backend/internal/apperr"
	"github.com/Shadowskybtw/loyalty-backend/internal/ledger"
	"github.com/Shadowskybtw/loyalty-backend/internal/models"
	"github.com/Shadowskybtw/loyalty-backend/internal/progress"
	"github.com/Shadowskybtw/loyalty-backend/internal/testutil"

	"github.com/stretchr/testify/require"
)

var (
	incomplete = progress.Progress{Slots: 4, Percent: 80, Purchases: 4}
	complete   = progress.Progress{Slots: 5, Percent: 100, Completed: true, Purchases: 5}
)

func TestMintOnCrossing(t *testing.T) {
	db := testutil.NewDB(t)
	acct := testutil.CreateAccount(t, db, 1)
	log := ledger.New()
	fixed := time.Date(2026, 5, 2, 18, 30, 0, 0, time.UTC)
	iss := NewIssuer(log, nil, nil).WithClock(func() time.Time { return fixed })
	ctx := context.Background()

	tok, err := iss.OnAggregateUpdated(ctx, db, acct.ID, incomplete, complete)
	require.NoError(t, err)
	require.NotNil(t, tok)
	require.Equal(t, models.TokenUnused, tok.State)
	require.NotEmpty(t, tok.Code)
	require.Equal(t, fixed, tok.CreatedAt)

	events, err := log.All(db, acct.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.KindRewardIssued, events[0].Kind)
	require.Equal(t, models.OriginSystem, events[0].Origin)
}

func TestNoMintWithoutCrossing(t *testing.T) {
	db := testutil.NewDB(t)
	acct := testutil.CreateAccount(t, db, 1)
	iss := NewIssuer(ledger.New(), nil, nil)
	ctx := context.Background()

	cases := []struct {
		name           string
		previous, curr progress.Progress
	}{
		{"still incomplete", incomplete, incomplete},
		{"already complete", complete, complete},
		{"dropped", complete, incomplete},
		{"issued this cycle", incomplete, progress.Progress{Slots: 5, Percent: 100, Completed: true, RewardIssued: true}},
	}
	for _, tc := range cases {
		tok, err := iss.OnAggregateUpdated(ctx, db, acct.ID, tc.previous, tc.curr)
		require.NoError(t, err, tc.name)
		require.Nil(t, tok, tc.name)
	}
}

func TestNoSecondUnusedToken(t *testing.T) {
	db := testutil.NewDB(t)
	acct := testutil.CreateAccount(t, db, 1)
	iss := NewIssuer(ledger.New(), nil, nil)
	ctx := context.Background()

	first, err := iss.OnAggregateUpdated(ctx, db, acct.ID, incomplete, complete)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := iss.OnAggregateUpdated(ctx, db, acct.ID, incomplete, complete)
	require.NoError(t, err)
	require.Nil(t, second)

	// the partial unique index backs the check up
	err = db.Create(&models.RewardToken{Code: "dup", AccountID: acct.ID, State: models.TokenUnused}).Error
	require.Error(t, err)
}

func TestRedeem(t *testing.T) {
	db := testutil.NewDB(t)
	acct := testutil.CreateAccount(t, db, 1)
	log := ledger.New()
	iss := NewIssuer(log, nil, nil)
	ctx := context.Background()

	tok, err := iss.OnAggregateUpdated(ctx, db, acct.ID, incomplete, complete)
	require.NoError(t, err)

	admin := "admin-1"
	used, err := iss.Redeem(ctx, db, tok.ID, models.OriginAdminGrant, &admin)
	require.NoError(t, err)
	require.Equal(t, models.TokenUsed, used.State)
	require.NotNil(t, used.UsedAt)

	unused, err := iss.Unused(db, acct.ID)
	require.NoError(t, err)
	require.Nil(t, unused)

	events, err := log.All(db, acct.ID)
	require.NoError(t, err)
	require.Equal(t, models.KindRewardRedeemed, events[len(events)-1].Kind)
	require.Equal(t, progress.Progress{}, progress.Compute(events))

	_, err = iss.Redeem(ctx, db, tok.ID, models.OriginUserScan, nil)
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = iss.Redeem(ctx, db, 999, models.OriginUserScan, nil)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}
