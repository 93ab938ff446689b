// Package loyalty is the operation facade used by the HTTP API and the CLI.
//
// Every mutating call runs in one transaction: the account row is locked, the
// cached progress is healed from the log, the new event is applied, and the
// reward issuer sees the before and after progress of that event. Account
// holders are notified only after commit.
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Shadowskybtw/loyalty-backend/internal/apperr"
	"github.com/Shadowskybtw/loyalty-backend/internal/approval"
	"github.com/Shadowskybtw/loyalty-backend/internal/authz"
	"github.com/Shadowskybtw/loyalty-backend/internal/ledger"
	"github.com/Shadowskybtw/loyalty-backend/internal/metrics"
	"github.com/Shadowskybtw/loyalty-backend/internal/models"
	"github.com/Shadowskybtw/loyalty-backend/internal/notify"
	"github.com/Shadowskybtw/loyalty-backend/internal/progress"
	"github.com/Shadowskybtw/loyalty-backend/internal/reconcile"
	"github.com/Shadowskybtw/loyalty-backend/internal/rewards"
	"github.com/Shadowskybtw/loyalty-backend/internal/store"
	"github.com/Shadowskybtw/loyalty-backend/internal/throttle"

	"gorm.io/gorm"
)

// AdminStore is the authorizer plus runtime grant management.
type AdminStore interface {
	authz.Authorizer
	Grant(ctx context.Context, actorID, grantedBy string) (*models.Admin, error)
	Revoke(ctx context.Context, actorID string) error
	List(ctx context.Context) ([]models.Admin, error)
}

type Options struct {
	Admins          AdminStore
	Notifier        notify.Notifier
	Limiter         throttle.Limiter
	Metrics         *metrics.Recorder
	Logger          *slog.Logger
	RequireApproval bool
	RecentEvents    int
	MaxRetries      int
}

type Service struct {
	db       *gorm.DB
	log      *ledger.Log
	agg      *progress.Aggregator
	issuer   *rewards.Issuer
	workflow *approval.Workflow
	job      *reconcile.Job
	admins   AdminStore
	notifier notify.Notifier
	limiter  throttle.Limiter
	logger   *slog.Logger

	requireApproval bool
	recentEvents    int
	retries         int
}

func New(db *gorm.DB, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	admins := opts.Admins
	if admins == nil {
		admins = authz.NewStore(db, nil)
	}
	n := opts.Notifier
	if n == nil {
		n = notify.NewLog(logger)
	}
	lim := opts.Limiter
	if lim == nil {
		lim = throttle.Off{}
	}
	recent := opts.RecentEvents
	if recent <= 0 {
		recent = 20
	}

	log := ledger.New()
	agg := progress.NewAggregator(log, logger, opts.Metrics)
	issuer := rewards.NewIssuer(log, logger, opts.Metrics)
	return &Service{
		db:     db,
		log:    log,
		agg:    agg,
		issuer: issuer,
		workflow: approval.NewWorkflow(db, approval.Options{
			Issuer:     issuer,
			Aggregator: agg,
			Authorizer: admins,
			Notifier:   n,
			Logger:     logger,
			MaxRetries: opts.MaxRetries,
		}),
		job:             reconcile.NewJob(db, agg, logger, opts.Metrics, opts.MaxRetries),
		admins:          admins,
		notifier:        n,
		limiter:         lim,
		logger:          logger.With("component", "loyalty"),
		requireApproval: opts.RequireApproval,
		recentEvents:    recent,
		retries:         opts.MaxRetries,
	}
}

// PurchaseInput describes one purchase to record. ActorID is the staff member
// who scanned the customer's code or granted the purchase, and must be an admin.
type PurchaseInput struct {
	AccountID uint
	Kind      models.EventKind
	Origin    models.Origin
	ActorID   string
}

type RevokeInput struct {
	AccountID uint
	Kind      models.EventKind
	ActorID   string
	Reason    string
}

// Outcome is the account after a mutation, with whatever the mutation produced.
type Outcome struct {
	Account  *models.Account     `json:"account"`
	Progress progress.Progress   `json:"progress"`
	Event    *models.Event       `json:"event,omitempty"`
	Token    *models.RewardToken `json:"minted_token,omitempty"`
}

// State is the read model returned by GetAccountState.
type State struct {
	Account        *models.Account           `json:"account"`
	Progress       progress.Progress         `json:"progress"`
	RecentEvents   []models.Event            `json:"recent_events"`
	UnusedToken    *models.RewardToken       `json:"unused_token,omitempty"`
	PendingRequest *models.RedemptionRequest `json:"pending_request,omitempty"`
	Revocations    []models.EventRevocation  `json:"revocations,omitempty"`
}

func (s *Service) RegisterAccount(ctx context.Context, externalID, name, phone string) (*models.Account, error) {
	const op = "loyalty.RegisterAccount"
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "external id is required")
	}
	acct := &models.Account{ExternalID: externalID, Name: strings.TrimSpace(name), Phone: normalizePhone(phone)}
	if err := s.db.WithContext(ctx).Create(acct).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.New(apperr.KindInvalidState, op, "account %q already registered", externalID)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.logger.InfoContext(ctx, "account registered", "account_id", acct.ID, "external_id", externalID)
	return acct, nil
}

// RecordPurchase appends a purchase and runs the aggregator and issuer chain.
func (s *Service) RecordPurchase(ctx context.Context, in PurchaseInput) (*Outcome, error) {
	const op = "loyalty.RecordPurchase"
	if in.Kind != models.KindRegularPurchase && in.Kind != models.KindFreePurchase {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "kind %q is not a purchase", in.Kind)
	}
	if in.Origin != models.OriginUserScan && in.Origin != models.OriginAdminGrant {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "origin %q cannot record a purchase", in.Origin)
	}
	if err := authz.Require(ctx, s.admins, op, in.ActorID); err != nil {
		return nil, err
	}
	// admin grants bypass the scan cooldown
	key := strconv.FormatUint(uint64(in.AccountID), 10)
	throttled := in.Origin == models.OriginUserScan
	if throttled {
		ok, err := s.limiter.Allow(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%s: throttle: %w", op, err)
		}
		if !ok {
			return nil, apperr.New(apperr.KindThrottled, op, "account %d was scanned moments ago", in.AccountID)
		}
	}

	var out *Outcome
	err := store.Transact(ctx, s.db, s.retries, func(tx *gorm.DB) error {
		out = &Outcome{}
		before, err := s.heal(ctx, tx, op, in.AccountID)
		if err != nil {
			return err
		}
		out.Event, err = s.log.Append(tx, in.AccountID, in.Kind, in.Origin, optional(in.ActorID), nil)
		if err != nil {
			return err
		}
		after, err := s.agg.Apply(ctx, tx, in.AccountID)
		if err != nil {
			return err
		}
		out.Token, err = s.issuer.OnAggregateUpdated(ctx, tx, in.AccountID, before, after.Current)
		if err != nil {
			return err
		}
		out.Account = after.Account
		out.Progress = after.Current
		return nil
	})
	if err != nil {
		if throttled {
			// nothing was recorded, so the scan may be retried at once
			if rerr := s.limiter.Reset(context.WithoutCancel(ctx), key); rerr != nil {
				s.logger.WarnContext(ctx, "scan cooldown not released", "account_id", in.AccountID, "error", rerr)
			}
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "purchase recorded",
		"account_id", in.AccountID, "kind", in.Kind, "origin", in.Origin, "progress_percent", out.Progress.Percent)
	if out.Token != nil {
		s.notify(ctx, out.Account, notify.RewardMinted, "You collected all five slots! A free item is waiting for you.")
	}
	return out, nil
}

// RevokePurchase removes the most recent purchase of a kind. An already
// minted token is left untouched.
func (s *Service) RevokePurchase(ctx context.Context, in RevokeInput) (*Outcome, error) {
	const op = "loyalty.RevokePurchase"
	if err := authz.Require(ctx, s.admins, op, in.ActorID); err != nil {
		return nil, err
	}
	if in.Kind == "" {
		in.Kind = models.KindRegularPurchase
	}

	var out *Outcome
	err := store.Transact(ctx, s.db, s.retries, func(tx *gorm.DB) error {
		out = &Outcome{}
		if _, err := s.heal(ctx, tx, op, in.AccountID); err != nil {
			return err
		}
		var err error
		out.Event, err = s.log.RemoveLast(tx, in.AccountID, in.Kind, in.ActorID, in.Reason)
		if err != nil {
			return err
		}
		after, err := s.agg.Apply(ctx, tx, in.AccountID)
		if err != nil {
			return err
		}
		out.Account = after.Account
		out.Progress = after.Current
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "purchase revoked",
		"account_id", in.AccountID, "kind", in.Kind, "event_id", out.Event.ID, "admin_id", in.ActorID)
	return out, nil
}

func (s *Service) GetAccountState(ctx context.Context, accountID uint) (*State, error) {
	acct, err := s.account(ctx, "loyalty.GetAccountState", accountID)
	if err != nil {
		return nil, err
	}
	return s.state(ctx, acct)
}

func (s *Service) GetAccountStateByExternalID(ctx context.Context, externalID string) (*State, error) {
	const op = "loyalty.GetAccountStateByExternalID"
	var acct models.Account
	if err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, op, "account %q", externalID)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s.state(ctx, &acct)
}

// FindByPhoneSuffix looks an account up by the last four digits of its phone
// number, the way staff find a customer at the counter. More than one match
// is refused so staff ask for another identifier.
func (s *Service) FindByPhoneSuffix(ctx context.Context, actorID, suffix string) (*State, error) {
	const op = "loyalty.FindByPhoneSuffix"
	if err := authz.Require(ctx, s.admins, op, actorID); err != nil {
		return nil, err
	}
	if len(suffix) != phoneSuffixLen || strings.Trim(suffix, "0123456789") != "" {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "phone suffix must be %d digits", phoneSuffixLen)
	}
	var found []models.Account
	err := s.db.WithContext(ctx).
		Where("phone LIKE ?", "%"+suffix).
		Order("id asc").
		Limit(2).
		Find(&found).Error
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	switch len(found) {
	case 0:
		return nil, apperr.New(apperr.KindNotFound, op, "no account with phone ending %s", suffix)
	case 1:
		return s.state(ctx, &found[0])
	default:
		return nil, apperr.New(apperr.KindInvalidArgument, op, "phone ending %s matches several accounts", suffix)
	}
}

// ListRewards returns every token the account was minted, newest first.
func (s *Service) ListRewards(ctx context.Context, accountID uint) ([]models.RewardToken, error) {
	if _, err := s.account(ctx, "loyalty.ListRewards", accountID); err != nil {
		return nil, err
	}
	return s.issuer.Tokens(s.db.WithContext(ctx), accountID)
}

func (s *Service) account(ctx context.Context, op string, accountID uint) (*models.Account, error) {
	var acct models.Account
	if err := s.db.WithContext(ctx).First(&acct, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, op, "account %d", accountID)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &acct, nil
}

func (s *Service) state(ctx context.Context, acct *models.Account) (*State, error) {
	tx := s.db.WithContext(ctx)
	events, err := s.log.Recent(tx, acct.ID, s.recentEvents)
	if err != nil {
		return nil, err
	}
	tok, err := s.issuer.Unused(tx, acct.ID)
	if err != nil {
		return nil, err
	}
	pending, err := approval.PendingFor(tx, acct.ID)
	if err != nil {
		return nil, err
	}
	revs, err := s.log.Revocations(tx, acct.ID)
	if err != nil {
		return nil, err
	}
	return &State{
		Account:        acct,
		Progress:       progress.FromAccount(acct),
		RecentEvents:   events,
		UnusedToken:    tok,
		PendingRequest: pending,
		Revocations:    revs,
	}, nil
}

// ListEvents pages through the account's live log in append order.
func (s *Service) ListEvents(ctx context.Context, accountID, cursor uint, limit int) ([]models.Event, uint, error) {
	return s.log.ListSince(s.db.WithContext(ctx), accountID, cursor, limit)
}

func (s *Service) RequestRedemption(ctx context.Context, accountID uint) (*models.RedemptionRequest, error) {
	return s.workflow.Request(ctx, accountID)
}

func (s *Service) ApproveRedemption(ctx context.Context, requestID uint, adminID string) (*models.RedemptionRequest, error) {
	return s.workflow.Approve(ctx, requestID, adminID)
}

func (s *Service) RejectRedemption(ctx context.Context, requestID uint, adminID string) (*models.RedemptionRequest, error) {
	return s.workflow.Reject(ctx, requestID, adminID)
}

func (s *Service) GetRedemptionRequest(ctx context.Context, adminID string, requestID uint) (*models.RedemptionRequest, error) {
	return s.workflow.Get(ctx, adminID, requestID)
}

func (s *Service) ListRedemptionRequests(ctx context.Context, adminID string, state models.RequestState) ([]models.RedemptionRequest, error) {
	return s.workflow.List(ctx, adminID, state)
}

// ClaimReward redeems the account's unused token without staff sign-off. It
// is refused when approval is required or a request is already pending.
func (s *Service) ClaimReward(ctx context.Context, accountID uint) (*Outcome, error) {
	const op = "loyalty.ClaimReward"
	if s.requireApproval {
		return nil, apperr.New(apperr.KindApprovalRequired, op, "rewards must be approved by staff")
	}

	var out *Outcome
	err := store.Transact(ctx, s.db, s.retries, func(tx *gorm.DB) error {
		out = &Outcome{}
		if _, err := s.heal(ctx, tx, op, accountID); err != nil {
			return err
		}
		tok, err := s.issuer.Unused(tx, accountID)
		if err != nil {
			return err
		}
		if tok == nil {
			return apperr.New(apperr.KindNoUnusedToken, op, "account %d has no unused reward", accountID)
		}
		pending, err := approval.PendingFor(tx, accountID)
		if err != nil {
			return err
		}
		if pending != nil {
			return apperr.New(apperr.KindDuplicatePending, op, "account %d has pending request %d", accountID, pending.ID)
		}
		out.Token, err = s.issuer.Redeem(ctx, tx, tok.ID, models.OriginUserScan, nil)
		if err != nil {
			return err
		}
		after, err := s.agg.Apply(ctx, tx, accountID)
		if err != nil {
			return err
		}
		out.Account = after.Account
		out.Progress = after.Current
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "reward claimed", "account_id", accountID, "token_id", out.Token.ID)
	return out, nil
}

// Reconcile repairs drift for the given accounts, or all when none are given.
func (s *Service) Reconcile(ctx context.Context, adminID string, accountIDs []uint, dryRun bool) (*reconcile.Report, error) {
	if err := authz.Require(ctx, s.admins, "loyalty.Reconcile", adminID); err != nil {
		return nil, err
	}
	rep := s.job.Run(ctx, reconcile.Filter{AccountIDs: accountIDs, DryRun: dryRun})
	s.logger.InfoContext(ctx, "reconciliation finished",
		"admin_id", adminID, "fixed", rep.Fixed, "already_correct", rep.Correct,
		"drift", rep.Drifted, "errors", rep.Errors, "incomplete", rep.Incomplete)
	return rep, nil
}

func (s *Service) GrantAdmin(ctx context.Context, adminID, actorID string) (*models.Admin, error) {
	const op = "loyalty.GrantAdmin"
	if err := authz.Require(ctx, s.admins, op, adminID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "actor id is required")
	}
	return s.admins.Grant(ctx, actorID, adminID)
}

// ListAdmins returns runtime grants. Bootstrap admins from config are not
// listed.
func (s *Service) ListAdmins(ctx context.Context, adminID string) ([]models.Admin, error) {
	if err := authz.Require(ctx, s.admins, "loyalty.ListAdmins", adminID); err != nil {
		return nil, err
	}
	return s.admins.List(ctx)
}

func (s *Service) RevokeAdmin(ctx context.Context, adminID, actorID string) error {
	const op = "loyalty.RevokeAdmin"
	if err := authz.Require(ctx, s.admins, op, adminID); err != nil {
		return err
	}
	return s.admins.Revoke(ctx, actorID)
}

// heal locks the account and brings its cache in line with the log, returning
// the progress before the caller's change.
func (s *Service) heal(ctx context.Context, tx *gorm.DB, op string, accountID uint) (progress.Progress, error) {
	if _, err := store.LockAccount(tx, accountID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return progress.Progress{}, apperr.New(apperr.KindNotFound, op, "account %d", accountID)
		}
		return progress.Progress{}, fmt.Errorf("%s: %w", op, err)
	}
	res, err := s.agg.Recompute(ctx, tx, accountID)
	if err != nil {
		return progress.Progress{}, err
	}
	return res.Current, nil
}

func (s *Service) notify(ctx context.Context, acct *models.Account, kind notify.Kind, text string) {
	msg := notify.Message{AccountID: acct.ID, ExternalID: acct.ExternalID, Kind: kind, Text: text}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "notification failed", "account_id", acct.ID, "kind", kind, "error", err)
	}
}

const phoneSuffixLen = 4

// normalizePhone keeps the digits of a phone number and a leading plus, so
// "+7 (900) 000-12-34" is stored as "+79000001234".
func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
