// Package approval is the human sign-off gate in front of reward redemption.
//
// A RedemptionRequest moves once from pending to approved or rejected. Both
// transitions are conditional updates on state = 'pending', so a second
// approve or reject of the same request always fails with NotPending.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shadowskybtw/loyalty-backend/internal/apperr"
	"github.com/Shadowskybtw/loyalty-backend/internal/authz"
	"github.com/Shadowskybtw/loyalty-backend/internal/models"
	"github.com/Shadowskybtw/loyalty-backend/internal/notify"
	"github.com/Shadowskybtw/loyalty-backend/internal/progress"
	"github.com/Shadowskybtw/loyalty-backend/internal/rewards"
	"github.com/Shadowskybtw/loyalty-backend/internal/store"

	"gorm.io/gorm"
)

type Workflow struct {
	db       *gorm.DB
	issuer   *rewards.Issuer
	agg      *progress.Aggregator
	auth     authz.Authorizer
	notifier notify.Notifier
	logger   *slog.Logger
	clock    func() time.Time
	retries  int
}

type Options struct {
	Issuer     *rewards.Issuer
	Aggregator *progress.Aggregator
	Authorizer authz.Authorizer
	Notifier   notify.Notifier
	Logger     *slog.Logger
	MaxRetries int
}

func NewWorkflow(db *gorm.DB, opts Options) *Workflow {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := opts.Notifier
	if n == nil {
		n = notify.NewLog(logger)
	}
	return &Workflow{
		db:       db,
		issuer:   opts.Issuer,
		agg:      opts.Aggregator,
		auth:     opts.Authorizer,
		notifier: n,
		logger:   logger.With("component", "approval"),
		clock:    time.Now,
		retries:  opts.MaxRetries,
	}
}

// WithClock overrides the clock for deterministic testing.
func (w *Workflow) WithClock(clock func() time.Time) *Workflow {
	w.clock = clock
	return w
}

// Request opens a pending request for the account's unused token.
func (w *Workflow) Request(ctx context.Context, accountID uint) (*models.RedemptionRequest, error) {
	const op = "approval.Request"
	var req *models.RedemptionRequest
	var acct *models.Account
	err := store.Transact(ctx, w.db, w.retries, func(tx *gorm.DB) error {
		var err error
		acct, err = lockAccount(tx, op, accountID)
		if err != nil {
			return err
		}
		tok, err := w.issuer.Unused(tx, accountID)
		if err != nil {
			return err
		}
		if tok == nil {
			return apperr.New(apperr.KindNoUnusedToken, op, "account %d has no unused reward", accountID)
		}
		pending, err := PendingFor(tx, accountID)
		if err != nil {
			return err
		}
		if pending != nil {
			return apperr.New(apperr.KindDuplicatePending, op, "account %d already has pending request %d", accountID, pending.ID)
		}
		req = &models.RedemptionRequest{
			AccountID: accountID,
			TokenID:   tok.ID,
			State:     models.RequestPending,
			CreatedAt: w.clock().UTC(),
		}
		if err := tx.Create(req).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperr.New(apperr.KindDuplicatePending, op, "account %d already has a pending request", accountID)
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.logger.InfoContext(ctx, "redemption requested", "request_id", req.ID, "account_id", accountID)
	w.notify(ctx, acct, notify.RequestSubmitted, "Your request for a free item was sent to the staff.")
	return req, nil
}

// Approve resolves a pending request and redeems its token.
func (w *Workflow) Approve(ctx context.Context, requestID uint, adminID string) (*models.RedemptionRequest, error) {
	return w.resolve(ctx, "approval.Approve", requestID, adminID, models.RequestApproved)
}

// Reject resolves a pending request without touching its token, so the
// account may ask again.
func (w *Workflow) Reject(ctx context.Context, requestID uint, adminID string) (*models.RedemptionRequest, error) {
	return w.resolve(ctx, "approval.Reject", requestID, adminID, models.RequestRejected)
}

func (w *Workflow) resolve(ctx context.Context, op string, requestID uint, adminID string, to models.RequestState) (*models.RedemptionRequest, error) {
	if err := authz.Require(ctx, w.auth, op, adminID); err != nil {
		return nil, err
	}

	var req models.RedemptionRequest
	var acct *models.Account
	err := store.Transact(ctx, w.db, w.retries, func(tx *gorm.DB) error {
		if err := tx.First(&req, requestID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.KindNotFound, op, "request %d", requestID)
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		if req.State.Terminal() {
			return apperr.New(apperr.KindNotPending, op, "request %d is %s", requestID, req.State)
		}
		var err error
		acct, err = lockAccount(tx, op, req.AccountID)
		if err != nil {
			return err
		}

		now := w.clock().UTC()
		res := tx.Model(&models.RedemptionRequest{}).
			Where("id = ? AND state = ?", requestID, models.RequestPending).
			Updates(map[string]any{"state": to, "resolved_at": now, "resolver_id": adminID})
		if res.Error != nil {
			return fmt.Errorf("%s: %w", op, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.KindNotPending, op, "request %d was resolved concurrently", requestID)
		}
		req.State = to
		req.ResolvedAt = &now
		req.ResolverID = &adminID

		if to != models.RequestApproved {
			return nil
		}
		if _, err := w.issuer.Redeem(ctx, tx, req.TokenID, models.OriginAdminGrant, &adminID); err != nil {
			return err
		}
		r, err := w.agg.Apply(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		acct = r.Account
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "redemption request resolved",
		"request_id", requestID, "account_id", req.AccountID, "state", to, "admin_id", adminID)
	if to == models.RequestApproved {
		w.notify(ctx, acct, notify.RequestApproved, "Your free item was approved. Enjoy!")
	} else {
		w.notify(ctx, acct, notify.RequestRejected, "Your request was declined. Your reward is still available.")
	}
	return &req, nil
}

// List returns requests in state, or all requests when state is empty,
// newest first. Only admins may list.
func (w *Workflow) List(ctx context.Context, adminID string, state models.RequestState) ([]models.RedemptionRequest, error) {
	const op = "approval.List"
	if err := authz.Require(ctx, w.auth, op, adminID); err != nil {
		return nil, err
	}
	q := w.db.WithContext(ctx).Order("id desc")
	switch state {
	case "", "all":
	case models.RequestPending, models.RequestApproved, models.RequestRejected:
		q = q.Where("state = ?", state)
	default:
		return nil, apperr.New(apperr.KindInvalidArgument, op, "unknown state %q", state)
	}
	var out []models.RedemptionRequest
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// Get loads one request. Only admins may read requests by id.
func (w *Workflow) Get(ctx context.Context, adminID string, requestID uint) (*models.RedemptionRequest, error) {
	if err := authz.Require(ctx, w.auth, "approval.Get", adminID); err != nil {
		return nil, err
	}
	var req models.RedemptionRequest
	if err := w.db.WithContext(ctx).First(&req, requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "approval.Get", "request %d", requestID)
		}
		return nil, fmt.Errorf("approval.Get: %w", err)
	}
	return &req, nil
}

// PendingFor returns the account's pending request inside tx, or nil.
func PendingFor(tx *gorm.DB, accountID uint) (*models.RedemptionRequest, error) {
	var reqs []models.RedemptionRequest
	err := tx.Where("account_id = ? AND state = ?", accountID, models.RequestPending).Limit(1).Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("approval.PendingFor: %w", err)
	}
	if len(reqs) == 0 {
		return nil, nil
	}
	return &reqs[0], nil
}

func (w *Workflow) notify(ctx context.Context, acct *models.Account, kind notify.Kind, text string) {
	if acct == nil {
		return
	}
	msg := notify.Message{AccountID: acct.ID, ExternalID: acct.ExternalID, Kind: kind, Text: text}
	if err := w.notifier.Notify(ctx, msg); err != nil {
		w.logger.WarnContext(ctx, "notification failed", "account_id", acct.ID, "kind", kind, "error", err)
	}
}

func lockAccount(tx *gorm.DB, op string, accountID uint) (*models.Account, error) {
	acct, err := store.LockAccount(tx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, op, "account %d", accountID)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return acct, nil
}
