// Package authz answers the single question of whether an actor is an admin.
//
// Admins come from two places: the bootstrap list loaded from configuration
// at startup, and runtime grants stored in the admins table. Callers never
// look at either directly.
package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shadowskybtw/loyalty-backend/internal/apperr"
	"github.com/Shadowskybtw/loyalty-backend/internal/models"

	"gorm.io/gorm"
)

// Authorizer reports whether actorID holds the admin capability.
type Authorizer interface {
	IsAdmin(ctx context.Context, actorID string) (bool, error)
}

// Store is the Authorizer backed by configuration and the admins table.
type Store struct {
	db        *gorm.DB
	bootstrap map[string]struct{}
}

func NewStore(db *gorm.DB, bootstrap []string) *Store {
	set := make(map[string]struct{}, len(bootstrap))
	for _, id := range bootstrap {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return &Store{db: db, bootstrap: set}
}

func (s *Store) IsAdmin(ctx context.Context, actorID string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	if _, ok := s.bootstrap[actorID]; ok {
		return true, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Admin{}).Where("actor_id = ?", actorID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("authz.IsAdmin: %w", err)
	}
	return count > 0, nil
}

// Require returns apperr.ErrUnauthorized unless actorID is an admin.
func Require(ctx context.Context, a Authorizer, op, actorID string) error {
	ok, err := a.IsAdmin(ctx, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindUnauthorized, op, "actor %q is not an admin", actorID)
	}
	return nil
}

// Grant records a runtime admin grant. Granting an existing admin is a no-op.
func (s *Store) Grant(ctx context.Context, actorID, grantedBy string) (*models.Admin, error) {
	if actorID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "authz.Grant", "actor id is required")
	}
	var existing models.Admin
	err := s.db.WithContext(ctx).Where("actor_id = ?", actorID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("authz.Grant: %w", err)
	}
	adm := models.Admin{ActorID: actorID, GrantedBy: grantedBy, CreatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Create(&adm).Error; err != nil {
		return nil, fmt.Errorf("authz.Grant: %w", err)
	}
	return &adm, nil
}

// Revoke removes a runtime grant. Bootstrap admins cannot be revoked here.
func (s *Store) Revoke(ctx context.Context, actorID string) error {
	const op = "authz.Revoke"
	if _, ok := s.bootstrap[actorID]; ok {
		return apperr.New(apperr.KindInvalidArgument, op, "actor %q is configured as a bootstrap admin", actorID)
	}
	res := s.db.WithContext(ctx).Where("actor_id = ?", actorID).Delete(&models.Admin{})
	if res.Error != nil {
		return fmt.Errorf("%s: %w", op, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, op, "admin %q", actorID)
	}
	return nil
}

// List returns runtime grants, oldest first.
func (s *Store) List(ctx context.Context) ([]models.Admin, error) {
	var admins []models.Admin
	if err := s.db.WithContext(ctx).Order("id asc").Find(&admins).Error; err != nil {
		return nil, fmt.Errorf("authz.List: %w", err)
	}
	return admins, nil
}
