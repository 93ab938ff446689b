// Package progress derives an account's slot progress from its event log and
// keeps the cached columns on the account row in step with it.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Shadowskybtw/loyalty-backend/internal/apperr"
	"github.com/Shadowskybtw/loyalty-backend/internal/ledger"
	"github.com/Shadowskybtw/loyalty-backend/internal/metrics"
	"github.com/Shadowskybtw/loyalty-backend/internal/models"

	"gorm.io/gorm"
)

const (
	SlotsPerReward = 5
	PercentPerSlot = 20
)

// Progress is the derived state of the current purchase cycle.
type Progress struct {
	Slots     int  `json:"slots_filled" yaml:"slots_filled"`
	Percent   int  `json:"progress_percent" yaml:"progress_percent"`
	Completed bool `json:"promotion_completed" yaml:"promotion_completed"`
	// RewardIssued is set when a reward_issued event exists in the cycle.
	RewardIssued bool `json:"reward_issued,omitempty" yaml:"reward_issued,omitempty"`
	// Purchases counts every regular purchase in the cycle, unclamped.
	Purchases int `json:"purchases,omitempty" yaml:"purchases,omitempty"`
}

// Compute is the single source of truth for progress. A cycle starts after
// the last reward_redeemed event; free purchases never count.
func Compute(events []models.Event) Progress {
	var p Progress
	for _, ev := range events {
		switch ev.Kind {
		case models.KindRegularPurchase:
			p.Purchases++
		case models.KindRewardIssued:
			p.RewardIssued = true
		case models.KindRewardRedeemed:
			p = Progress{}
		}
	}
	p.Slots = min(SlotsPerReward, p.Purchases)
	p.Percent = p.Slots * PercentPerSlot
	p.Completed = p.Percent == SlotsPerReward*PercentPerSlot
	return p
}

// FromAccount reads the cached progress columns.
func FromAccount(a *models.Account) Progress {
	return Progress{
		Slots:     a.SlotsFilled,
		Percent:   a.ProgressPercent,
		Completed: a.PromotionCompleted,
	}
}

// Matches reports whether the cached columns agree with p.
func (p Progress) Matches(a *models.Account) bool {
	return a.SlotsFilled == p.Slots &&
		a.ProgressPercent == p.Percent &&
		a.PromotionCompleted == p.Completed
}

// Aggregator recomputes progress from the log and writes it back to the
// account row.
type Aggregator struct {
	log     *ledger.Log
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewAggregator(log *ledger.Log, logger *slog.Logger, rec *metrics.Recorder) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		log:     log,
		logger:  logger.With("component", "progress"),
		metrics: rec,
	}
}

// Result is the outcome of one recompute.
type Result struct {
	Account  *models.Account
	Previous Progress
	Current  Progress
	Drifted  bool
}

// Recompute derives progress from the account's live log inside tx. When the
// cached columns disagree they are overwritten with a compare-and-set on the
// row version; a lost race returns apperr.ErrConflict. Drift is logged and
// counted, never returned.
func (a *Aggregator) Recompute(ctx context.Context, tx *gorm.DB, accountID uint) (*Result, error) {
	return a.refresh(ctx, tx, accountID, true)
}

// Apply is Recompute for a caller that has just appended to the log in the
// same transaction. The cache is expected to be one event behind, so the
// overwrite is not reported as drift.
func (a *Aggregator) Apply(ctx context.Context, tx *gorm.DB, accountID uint) (*Result, error) {
	return a.refresh(ctx, tx, accountID, false)
}

func (a *Aggregator) refresh(ctx context.Context, tx *gorm.DB, accountID uint, reportDrift bool) (*Result, error) {
	const op = "progress.Recompute"
	var acct models.Account
	if err := tx.First(&acct, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, op, "account %d", accountID)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	events, err := a.log.All(tx, accountID)
	if err != nil {
		return nil, err
	}

	prev := FromAccount(&acct)
	cur := Compute(events)
	res := &Result{Account: &acct, Previous: prev, Current: cur}
	if cur.Matches(&acct) {
		return res, nil
	}

	if reportDrift {
		res.Drifted = true
		a.logger.WarnContext(ctx, "cached progress drifted from event log",
			"error", apperr.ErrDriftDetected,
			"account_id", accountID,
			"cached_percent", prev.Percent,
			"cached_completed", prev.Completed,
			"log_percent", cur.Percent,
			"log_completed", cur.Completed,
		)
		a.metrics.DriftDetected(ctx)
	}

	if err := a.write(tx, &acct, cur); err != nil {
		return nil, err
	}
	return res, nil
}

// Check computes progress without writing, for dry runs.
func (a *Aggregator) Check(tx *gorm.DB, accountID uint) (*Result, error) {
	var acct models.Account
	if err := tx.First(&acct, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "progress.Check", "account %d", accountID)
		}
		return nil, fmt.Errorf("progress.Check: %w", err)
	}
	events, err := a.log.All(tx, accountID)
	if err != nil {
		return nil, err
	}
	cur := Compute(events)
	return &Result{Account: &acct, Previous: FromAccount(&acct), Current: cur, Drifted: !cur.Matches(&acct)}, nil
}

func (a *Aggregator) write(tx *gorm.DB, acct *models.Account, p Progress) error {
	res := tx.Model(&models.Account{}).
		Where("id = ? AND version = ?", acct.ID, acct.Version).
		Updates(map[string]any{
			"slots_filled":        p.Slots,
			"progress_percent":    p.Percent,
			"promotion_completed": p.Completed,
			"version":             gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("progress.write: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindConflict, "progress.write", "account %d changed concurrently", acct.ID)
	}
	acct.SlotsFilled = p.Slots
	acct.ProgressPercent = p.Percent
	acct.PromotionCompleted = p.Completed
	acct.Version++
	return nil
}
