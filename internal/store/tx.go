package store

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/Shadowskybtw/loyalty-backend/internal/apperr"

	"gorm.io/gorm"
)

const (
	retryBase = 5 * time.Millisecond
	retryMax  = 200 * time.Millisecond
)

// Transact runs fn in a transaction, retrying up to retries more times when
// fn fails with apperr.ErrConflict. Retries wait a jittered, doubling delay so
// writers that collided do not collide again. Nothing is committed when fn
// fails or ctx is cancelled.
func Transact(ctx context.Context, db *gorm.DB, retries int, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = db.WithContext(ctx).Transaction(fn)
		if err == nil || !errors.Is(err, apperr.ErrConflict) {
			return err
		}
	}
	return err
}

// backoff returns a delay in [d/2, d) where d doubles per attempt up to
// retryMax.
func backoff(attempt int) time.Duration {
	d := retryBase << min(attempt-1, 6)
	if d > retryMax {
		d = retryMax
	}
	half := d / 2
	return half + rand.N(half)
}
