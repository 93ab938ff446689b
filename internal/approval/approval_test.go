package approval

import (
	"context"
	"sync"
	"testing"

	"github.com/Shadowskybtw/loyalty-backend/internal/apperr"
	"github.com/Shadowskybtw/loyalty-backend/internal/authz"
	"github.com/Shadowskybtw/loyalty-backend/internal/ledger"
	"github.com/Shadowskybtw/loyalty-backend/internal/models"
	"github.com/Shadowskybtw/loyalty-backend/internal/notify"
	"github.com/Shadowskybtw/loyalty-backend/internal/progress"
	"github.com/Shadowskybtw/loyalty-backend/internal/rewards"
	"github.com/Shadowskybtw/loyalty-backend/internal/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const admin = "admin-1"

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Notify(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Kind
	}
	return out
}

type fixture struct {
	db     *gorm.DB
	log    *ledger.Log
	agg    *progress.Aggregator
	issuer *rewards.Issuer
	wf     *Workflow
	notes  *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	log := ledger.New()
	agg := progress.NewAggregator(log, nil, nil)
	iss := rewards.NewIssuer(log, nil, nil)
	notes := &recorder{}
	wf := NewWorkflow(db, Options{
		Issuer:     iss,
		Aggregator: agg,
		Authorizer: authz.NewStore(db, []string{admin}),
		Notifier:   notes,
		MaxRetries: 2,
	})
	return &fixture{db: db, log: log, agg: agg, issuer: iss, wf: wf, notes: notes}
}

// earn fills a cycle and mints its token.
func (f *fixture) earn(t *testing.T, acct *models.Account) *models.RewardToken {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < progress.SlotsPerReward; i++ {
		_, err := f.log.Append(f.db, acct.ID, models.KindRegularPurchase, models.OriginUserScan, nil, nil)
		require.NoError(t, err)
	}
	res, err := f.agg.Recompute(ctx, f.db, acct.ID)
	require.NoError(t, err)
	tok, err := f.issuer.OnAggregateUpdated(ctx, f.db, acct.ID, res.Previous, res.Current)
	require.NoError(t, err)
	require.NotNil(t, tok)
	return tok
}

func TestRequestWithoutTokenFails(t *testing.T) {
	f := newFixture(t)
	acct := testutil.CreateAccount(t, f.db, 1)

	_, err := f.wf.Request(context.Background(), acct.ID)
	require.ErrorIs(t, err, apperr.ErrNoUnusedToken)

	_, err = f.wf.Request(context.Background(), 999)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSecondPendingRequestFails(t *testing.T) {
	f := newFixture(t)
	acct := testutil.CreateAccount(t, f.db, 1)
	tok := f.earn(t, acct)

	req, err := f.wf.Request(context.Background(), acct.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestPending, req.State)
	require.Equal(t, tok.ID, req.TokenID)

	_, err = f.wf.Request(context.Background(), acct.ID)
	require.ErrorIs(t, err, apperr.ErrDuplicatePending)
}

func TestApproveRedeemsOnce(t *testing.T) {
	f := newFixture(t)
	acct := testutil.CreateAccount(t, f.db, 1)
	tok := f.earn(t, acct)
	ctx := context.Background()

	req, err := f.wf.Request(ctx, acct.ID)
	require.NoError(t, err)

	done, err := f.wf.Approve(ctx, req.ID, admin)
	require.NoError(t, err)
	require.Equal(t, models.RequestApproved, done.State)
	require.Equal(t, admin, *done.ResolverID)
	require.NotNil(t, done.ResolvedAt)

	used, err := f.issuer.Get(f.db, tok.ID)
	require.NoError(t, err)
	require.Equal(t, models.TokenUsed, used.State)

	var stored models.Account
	require.NoError(t, f.db.First(&stored, acct.ID).Error)
	require.Equal(t, 0, stored.ProgressPercent)
	require.False(t, stored.PromotionCompleted)

	_, err = f.wf.Approve(ctx, req.ID, admin)
	require.ErrorIs(t, err, apperr.ErrNotPending)
	require.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = f.wf.Reject(ctx, req.ID, admin)
	require.ErrorIs(t, err, apperr.ErrNotPending)

	require.Equal(t, []notify.Kind{notify.RequestSubmitted, notify.RequestApproved}, f.notes.kinds())
}

func TestRejectKeepsToken(t *testing.T) {
	f := newFixture(t)
	acct := testutil.CreateAccount(t, f.db, 1)
	tok := f.earn(t, acct)
	ctx := context.Background()

	req, err := f.wf.Request(ctx, acct.ID)
	require.NoError(t, err)
	rejected, err := f.wf.Reject(ctx, req.ID, admin)
	require.NoError(t, err)
	require.Equal(t, models.RequestRejected, rejected.State)

	unused, err := f.issuer.Unused(f.db, acct.ID)
	require.NoError(t, err)
	require.Equal(t, tok.ID, unused.ID)

	_, err = f.wf.Reject(ctx, req.ID, admin)
	require.ErrorIs(t, err, apperr.ErrNotPending)

	again, err := f.wf.Request(ctx, acct.ID)
	require.NoError(t, err)
	require.NotEqual(t, req.ID, again.ID)
}

func TestResolveRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	acct := testutil.CreateAccount(t, f.db, 1)
	f.earn(t, acct)
	ctx := context.Background()

	req, err := f.wf.Request(ctx, acct.ID)
	require.NoError(t, err)

	_, err = f.wf.Approve(ctx, req.ID, "tg-1")
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.wf.Reject(ctx, req.ID, "")
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.wf.List(ctx, "tg-1", "")
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.wf.Get(ctx, "tg-1", req.ID)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	still, err := f.wf.Get(ctx, admin, req.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestPending, still.State)

	_, err = f.wf.Approve(ctx, 999, admin)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.wf.Get(ctx, admin, 999)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConcurrentApproveRedeemsOnce(t *testing.T) {
	f := newFixture(t)
	acct := testutil.CreateAccount(t, f.db, 1)
	f.earn(t, acct)
	ctx := context.Background()

	req, err := f.wf.Request(ctx, acct.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, errs[i] = f.wf.Approve(ctx, req.ID, admin)
			} else {
				_, errs[i] = f.wf.Reject(ctx, req.ID, admin)
			}
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, apperr.ErrNotPending)
	}
	require.Equal(t, 1, succeeded)

	var redeemed int64
	require.NoError(t, f.db.Model(&models.Event{}).
		Where("account_id = ? AND kind = ?", acct.ID, models.KindRewardRedeemed).
		Count(&redeemed).Error)
	require.LessOrEqual(t, redeemed, int64(1))
}

func TestListFiltersByState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, f.db, 1)
	b := testutil.CreateAccount(t, f.db, 2)
	f.earn(t, a)
	f.earn(t, b)

	ra, err := f.wf.Request(ctx, a.ID)
	require.NoError(t, err)
	_, err = f.wf.Request(ctx, b.ID)
	require.NoError(t, err)
	_, err = f.wf.Reject(ctx, ra.ID, admin)
	require.NoError(t, err)

	all, err := f.wf.List(ctx, admin, "all")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Greater(t, all[0].ID, all[1].ID)

	pending, err := f.wf.List(ctx, admin, models.RequestPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, b.ID, pending[0].AccountID)

	_, err = f.wf.List(ctx, admin, "expired")
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
}
