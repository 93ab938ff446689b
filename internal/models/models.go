package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventKind string

const (
	KindRegularPurchase EventKind = "regular_purchase"
	KindFreePurchase    EventKind = "free_purchase"
	KindRewardIssued    EventKind = "reward_issued"
	KindRewardRedeemed  EventKind = "reward_redeemed"
	// KindPurchaseRevoked marks a corrective removal. It never counts.
	KindPurchaseRevoked EventKind = "purchase_revoked"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindRegularPurchase, KindFreePurchase, KindRewardIssued, KindRewardRedeemed, KindPurchaseRevoked:
		return true
	}
	return false
}

type Origin string

const (
	OriginUserScan    Origin = "user_scan"
	OriginAdminGrant  Origin = "admin_grant"
	OriginAdminRevoke Origin = "admin_revoke"
	OriginSystem      Origin = "system"
)

func (o Origin) Valid() bool {
	switch o {
	case OriginUserScan, OriginAdminGrant, OriginAdminRevoke, OriginSystem:
		return true
	}
	return false
}

type TokenState string

const (
	TokenUnused TokenState = "unused"
	TokenUsed   TokenState = "used"
)

type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestApproved RequestState = "approved"
	RequestRejected RequestState = "rejected"
)

func (s RequestState) Terminal() bool {
	return s == RequestApproved || s == RequestRejected
}

// Account is one customer. SlotsFilled, ProgressPercent and PromotionCompleted
// are a cache of progress.Compute over the account's events.
type Account struct {
	ID                 uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	ExternalID         string    `json:"external_id" gorm:"uniqueIndex;not null"`
	Name               string    `json:"name"`
	Phone              string    `json:"phone"`
	SlotsFilled        int       `json:"slots_filled" gorm:"not null;default:0"`
	ProgressPercent    int       `json:"progress_percent" gorm:"not null;default:0"`
	PromotionCompleted bool      `json:"promotion_completed" gorm:"not null;default:false"`
	Version            int64     `json:"-" gorm:"not null;default:0"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Event is an append-only log entry. DeletedAt is only ever set by the
// corrective ledger.RemoveLast, which also writes an EventRevocation.
type Event struct {
	ID        uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	AccountID uint           `json:"account_id" gorm:"index;not null"`
	Kind      EventKind      `json:"kind" gorm:"type:varchar(32);not null"`
	Origin    Origin         `json:"origin" gorm:"type:varchar(32);not null"`
	ActorID   *string        `json:"actor_id,omitempty"`
	Metadata  datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

type EventRevocation struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	EventID   uint      `json:"event_id" gorm:"uniqueIndex;not null"`
	AccountID uint      `json:"account_id" gorm:"index;not null"`
	Kind      EventKind `json:"kind" gorm:"type:varchar(32);not null"`
	ActorID   string    `json:"actor_id" gorm:"not null"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type RewardToken struct {
	ID        uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	Code      string     `json:"code" gorm:"uniqueIndex;not null"`
	AccountID uint       `json:"account_id" gorm:"not null;index:idx_reward_tokens_one_unused,unique,where:state = 'unused'"`
	State     TokenState `json:"state" gorm:"type:varchar(16);not null"`
	CreatedAt time.Time  `json:"created_at"`
	UsedAt    *time.Time `json:"used_at"`
}

type RedemptionRequest struct {
	ID         uint         `json:"id" gorm:"primaryKey;autoIncrement"`
	AccountID  uint         `json:"account_id" gorm:"not null;index:idx_redemption_requests_one_pending,unique,where:state = 'pending'"`
	TokenID    uint         `json:"token_id" gorm:"index;not null"`
	State      RequestState `json:"state" gorm:"type:varchar(16);not null"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at"`
	ResolverID *string      `json:"resolver_id"`
}

// Admin is a runtime admin grant. Bootstrap admins come from configuration.
type Admin struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	ActorID   string    `json:"actor_id" gorm:"uniqueIndex;not null"`
	GrantedBy string    `json:"granted_by"`
	CreatedAt time.Time `json:"created_at"`
}

// All lists every model for migrations.
func All() []any {
	return []any{
		&Account{},
		&Event{},
		&EventRevocation{},
		&RewardToken{},
		&RedemptionRequest{},
		&Admin{},
	}
}
