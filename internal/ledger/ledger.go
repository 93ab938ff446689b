// Package ledger is the append-only purchase and reward event log.
//
// Every method takes the caller's *gorm.DB so that log writes join the
// caller's transaction. The only mutation of existing rows is RemoveLast, a
// corrective soft delete that leaves an EventRevocation behind.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Shadowskybtw/loyalty-backend/internal/apperr"
	"github.com/Shadowskybtw/loyalty-backend/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Log appends and reads account events.
type Log struct {
	clock func() time.Time
}

func New() *Log {
	return &Log{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append writes a new event for the account. actorID may be nil and meta may
// be nil.
func (l *Log) Append(tx *gorm.DB, accountID uint, kind models.EventKind, origin models.Origin, actorID *string, meta map[string]any) (*models.Event, error) {
	const op = "ledger.Append"
	if !kind.Valid() {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "unknown event kind %q", kind)
	}
	if !origin.Valid() {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "unknown origin %q", origin)
	}
	if err := accountExists(tx, op, accountID); err != nil {
		return nil, err
	}

	ev := models.Event{
		AccountID: accountID,
		Kind:      kind,
		Origin:    origin,
		ActorID:   actorID,
		CreatedAt: l.clock().UTC(),
	}
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("%s: encode metadata: %w", op, err)
		}
		ev.Metadata = datatypes.JSON(b)
	}
	if err := tx.Create(&ev).Error; err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &ev, nil
}

const readBatch = 500

// All returns the account's live events in append order.
func (l *Log) All(tx *gorm.DB, accountID uint) ([]models.Event, error) {
	var events []models.Event
	err := l.Iterate(tx, accountID, 0, readBatch, func(ev models.Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListSince returns up to limit events with id greater than cursor, in append
// order, and the cursor to resume from. The returned cursor equals the input
// cursor when nothing is left.
func (l *Log) ListSince(tx *gorm.DB, accountID uint, cursor uint, limit int) ([]models.Event, uint, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []models.Event
	err := tx.Where("account_id = ? AND id > ?", accountID, cursor).
		Order("id asc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, cursor, fmt.Errorf("ledger.ListSince: %w", err)
	}
	if len(events) > 0 {
		cursor = events[len(events)-1].ID
	}
	return events, cursor, nil
}

// Iterate walks the log from cursor in pages of batch events, calling fn for
// each event. It stops at the first error returned by fn.
func (l *Log) Iterate(tx *gorm.DB, accountID uint, cursor uint, batch int, fn func(models.Event) error) error {
	for {
		events, next, err := l.ListSince(tx, accountID, cursor, batch)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := fn(ev); err != nil {
				return err
			}
		}
		if len(events) == 0 || next == cursor {
			return nil
		}
		cursor = next
	}
}

// Recent returns the last n events, newest first.
func (l *Log) Recent(tx *gorm.DB, accountID uint, n int) ([]models.Event, error) {
	var events []models.Event
	err := tx.Where("account_id = ?", accountID).Order("id desc").Limit(n).Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("ledger.Recent: %w", err)
	}
	return events, nil
}

// RemoveLast undoes the most recent purchase of kind. Regular purchases can
// only be removed from the current cycle, after the last reward_redeemed. The
// removal is recorded twice: an EventRevocation row and a purchase_revoked
// event with origin admin_revoke, which progress ignores.
func (l *Log) RemoveLast(tx *gorm.DB, accountID uint, kind models.EventKind, actorID, reason string) (*models.Event, error) {
	const op = "ledger.RemoveLast"
	if kind != models.KindRegularPurchase && kind != models.KindFreePurchase {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "only purchases can be removed, got %q", kind)
	}
	if err := accountExists(tx, op, accountID); err != nil {
		return nil, err
	}

	q := tx.Where("account_id = ? AND kind = ?", accountID, kind)
	if kind == models.KindRegularPurchase {
		reset, err := l.lastReset(tx, accountID)
		if err != nil {
			return nil, err
		}
		q = q.Where("id > ?", reset)
	}
	var ev models.Event
	if err := q.Order("id desc").First(&ev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, op, "account %d has no %s to remove", accountID, kind)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Delete(&ev).Error; err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	rev := models.EventRevocation{
		EventID:   ev.ID,
		AccountID: accountID,
		Kind:      kind,
		ActorID:   actorID,
		Reason:    reason,
		CreatedAt: l.clock().UTC(),
	}
	if err := tx.Create(&rev).Error; err != nil {
		return nil, fmt.Errorf("%s: audit: %w", op, err)
	}
	meta := map[string]any{"revoked_event_id": ev.ID, "revoked_kind": kind}
	if reason != "" {
		meta["reason"] = reason
	}
	if _, err := l.Append(tx, accountID, models.KindPurchaseRevoked, models.OriginAdminRevoke, &actorID, meta); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Revocations returns the audit trail of removed events for the account.
func (l *Log) Revocations(tx *gorm.DB, accountID uint) ([]models.EventRevocation, error) {
	var revs []models.EventRevocation
	if err := tx.Where("account_id = ?", accountID).Order("id asc").Find(&revs).Error; err != nil {
		return nil, fmt.Errorf("ledger.Revocations: %w", err)
	}
	return revs, nil
}

func (l *Log) lastReset(tx *gorm.DB, accountID uint) (uint, error) {
	var ids []uint
	err := tx.Model(&models.Event{}).
		Where("account_id = ? AND kind = ?", accountID, models.KindRewardRedeemed).
		Order("id desc").
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("ledger.lastReset: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

func accountExists(tx *gorm.DB, op string, accountID uint) error {
	var count int64
	if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Count(&count).Error; err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if count == 0 {
		return apperr.New(apperr.KindNotFound, op, "account %d", accountID)
	}
	return nil
}
