// Package rewards mints and redeems reward tokens.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shadowskybtw/loyalty-backend/internal/apperr"
	"github.com/Shadowskybtw/loyalty-backend/internal/ledger"
	"github.com/Shadowskybtw/loyalty-backend/internal/metrics"
	"github.com/Shadowskybtw/loyalty-backend/internal/models"
	"github.com/Shadowskybtw/loyalty-backend/internal/progress"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Issuer mints a token when an account's cycle completes and redeems it later.
// All methods run inside the caller's transaction.
type Issuer struct {
	log     *ledger.Log
	logger  *slog.Logger
	metrics *metrics.Recorder
	clock   func() time.Time
}

func NewIssuer(log *ledger.Log, logger *slog.Logger, rec *metrics.Recorder) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		log:     log,
		logger:  logger.With("component", "rewards"),
		metrics: rec,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// OnAggregateUpdated mints a token iff the cycle just crossed into completion,
// no reward was issued in this cycle and the account holds no unused token.
// It returns nil when nothing was minted.
func (i *Issuer) OnAggregateUpdated(ctx context.Context, tx *gorm.DB, accountID uint, previous, current progress.Progress) (*models.RewardToken, error) {
	if previous.Completed || !current.Completed || current.RewardIssued {
		return nil, nil
	}
	existing, err := i.Unused(tx, accountID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		i.logger.InfoContext(ctx, "completion reached with a token outstanding, not minting",
			"account_id", accountID, "token_id", existing.ID)
		return nil, nil
	}

	tok := models.RewardToken{
		Code:      uuid.New().String(),
		AccountID: accountID,
		State:     models.TokenUnused,
		CreatedAt: i.clock().UTC(),
	}
	if err := tx.Create(&tok).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.Wrap(apperr.KindConflict, "rewards.mint", err)
		}
		return nil, fmt.Errorf("rewards.mint: %w", err)
	}
	meta := map[string]any{"token_id": tok.ID, "code": tok.Code}
	if _, err := i.log.Append(tx, accountID, models.KindRewardIssued, models.OriginSystem, nil, meta); err != nil {
		return nil, err
	}
	i.metrics.RewardMinted(ctx)
	i.logger.InfoContext(ctx, "reward token minted", "account_id", accountID, "token_id", tok.ID)
	return &tok, nil
}

// Unused returns the account's outstanding token, or nil.
func (i *Issuer) Unused(tx *gorm.DB, accountID uint) (*models.RewardToken, error) {
	var tokens []models.RewardToken
	err := tx.Where("account_id = ? AND state = ?", accountID, models.TokenUnused).
		Order("id asc").
		Limit(1).
		Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("rewards.Unused: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	return &tokens[0], nil
}

// Get loads a token by id.
func (i *Issuer) Get(tx *gorm.DB, tokenID uint) (*models.RewardToken, error) {
	var tok models.RewardToken
	if err := tx.First(&tok, tokenID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "rewards.Get", "token %d", tokenID)
		}
		return nil, fmt.Errorf("rewards.Get: %w", err)
	}
	return &tok, nil
}

// Redeem marks the token used and appends reward_redeemed, which starts a new
// cycle for the account.
func (i *Issuer) Redeem(ctx context.Context, tx *gorm.DB, tokenID uint, origin models.Origin, actorID *string) (*models.RewardToken, error) {
	const op = "rewards.Redeem"
	tok, err := i.Get(tx, tokenID)
	if err != nil {
		return nil, err
	}
	if tok.State != models.TokenUnused {
		return nil, apperr.New(apperr.KindInvalidState, op, "token %d is already %s", tokenID, tok.State)
	}

	now := i.clock().UTC()
	res := tx.Model(&models.RewardToken{}).
		Where("id = ? AND state = ?", tokenID, models.TokenUnused).
		Updates(map[string]any{"state": models.TokenUsed, "used_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("%s: %w", op, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.New(apperr.KindInvalidState, op, "token %d was redeemed concurrently", tokenID)
	}
	tok.State = models.TokenUsed
	tok.UsedAt = &now

	meta := map[string]any{"token_id": tok.ID}
	if _, err := i.log.Append(tx, tok.AccountID, models.KindRewardRedeemed, origin, actorID, meta); err != nil {
		return nil, err
	}
	i.metrics.RewardRedeemed(ctx, string(origin))
	return tok, nil
}

// Tokens lists the account's tokens, newest first.
func (i *Issuer) Tokens(tx *gorm.DB, accountID uint) ([]models.RewardToken, error) {
	var tokens []models.RewardToken
	if err := tx.Where("account_id = ?", accountID).Order("id desc").Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("rewards.Tokens: %w", err)
	}
	return tokens, nil
}
