// Package reconcile re-derives every account's cached progress from its event
// log and repairs drift. Each account is handled in its own transaction, so a
// failure or crash loses at most the account in flight, and re-running is
// always safe.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shadowskybtw/loyalty-backend/internal/apperr"
	"github.com/Shadowskybtw/loyalty-backend/internal/metrics"
	"github.com/Shadowskybtw/loyalty-backend/internal/models"
	"github.com/Shadowskybtw/loyalty-backend/internal/progress"
	"github.com/Shadowskybtw/loyalty-backend/internal/store"

	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeFixed          Outcome = "fixed"
	OutcomeAlreadyCorrect Outcome = "already_correct"
	OutcomeDrift          Outcome = "drift"
	OutcomeError          Outcome = "error"
)

type AccountResult struct {
	AccountID uint              `json:"account_id" yaml:"account_id"`
	Outcome   Outcome           `json:"outcome" yaml:"outcome"`
	Before    progress.Progress `json:"before" yaml:"before"`
	After     progress.Progress `json:"after" yaml:"after"`
	Error     string            `json:"error,omitempty" yaml:"error,omitempty"`
}

type Report struct {
	StartedAt  time.Time       `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time       `json:"finished_at" yaml:"finished_at"`
	DryRun     bool            `json:"dry_run" yaml:"dry_run"`
	Incomplete bool            `json:"incomplete" yaml:"incomplete"`
	Results    []AccountResult `json:"results" yaml:"results"`
	Fixed      int             `json:"fixed" yaml:"fixed"`
	Correct    int             `json:"already_correct" yaml:"already_correct"`
	Drifted    int             `json:"drift" yaml:"drift"`
	Errors     int             `json:"errors" yaml:"errors"`
}

// Filter selects the accounts to process. An empty AccountIDs means all.
type Filter struct {
	AccountIDs []uint
	DryRun     bool
}

type Job struct {
	db        *gorm.DB
	agg       *progress.Aggregator
	logger    *slog.Logger
	metrics   *metrics.Recorder
	clock     func() time.Time
	retries   int
	batchSize int
}

func NewJob(db *gorm.DB, agg *progress.Aggregator, logger *slog.Logger, rec *metrics.Recorder, retries int) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		db:        db,
		agg:       agg,
		logger:    logger.With("component", "reconcile"),
		metrics:   rec,
		clock:     time.Now,
		retries:   retries,
		batchSize: 200,
	}
}

// WithClock overrides the clock for deterministic testing.
func (j *Job) WithClock(clock func() time.Time) *Job {
	j.clock = clock
	return j
}

// Run reconciles the selected accounts. It never fails as a whole: per
// account errors are recorded in the report. When ctx is cancelled the
// remaining accounts are skipped and the report is marked incomplete.
func (j *Job) Run(ctx context.Context, f Filter) *Report {
	rep := &Report{StartedAt: j.clock().UTC(), DryRun: f.DryRun}
	defer func() { rep.FinishedAt = j.clock().UTC() }()

	ids := f.AccountIDs
	if len(ids) > 0 {
		j.runIDs(ctx, ids, f.DryRun, rep)
		return rep
	}

	var cursor uint
	for {
		if ctx.Err() != nil {
			rep.Incomplete = true
			return rep
		}
		var page []uint
		err := j.db.WithContext(ctx).Model(&models.Account{}).
			Where("id > ?", cursor).
			Order("id asc").
			Limit(j.batchSize).
			Pluck("id", &page).Error
		if err != nil {
			j.logger.ErrorContext(ctx, "listing accounts failed", "after_id", cursor, "error", err)
			rep.Incomplete = true
			return rep
		}
		if len(page) == 0 {
			return rep
		}
		if !j.runIDs(ctx, page, f.DryRun, rep) {
			return rep
		}
		cursor = page[len(page)-1]
	}
}

func (j *Job) runIDs(ctx context.Context, ids []uint, dryRun bool, rep *Report) bool {
	for _, id := range ids {
		if ctx.Err() != nil {
			rep.Incomplete = true
			return false
		}
		res := j.one(ctx, id, dryRun)
		rep.add(res)
		j.metrics.ReconcileOutcome(ctx, string(res.Outcome))
		if res.Outcome == OutcomeError {
			j.logger.WarnContext(ctx, "account reconciliation failed", "account_id", id, "error", res.Error)
		}
	}
	return true
}

func (j *Job) one(ctx context.Context, accountID uint, dryRun bool) (out AccountResult) {
	out.AccountID = accountID
	defer func() {
		if r := recover(); r != nil {
			out.Outcome = OutcomeError
			out.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	var res *progress.Result
	var err error
	if dryRun {
		res, err = j.agg.Check(j.db.WithContext(ctx), accountID)
	} else {
		err = store.Transact(ctx, j.db, j.retries, func(tx *gorm.DB) error {
			if _, lerr := store.LockAccount(tx, accountID); lerr != nil {
				if errors.Is(lerr, gorm.ErrRecordNotFound) {
					return apperr.New(apperr.KindNotFound, "reconcile", "account %d", accountID)
				}
				return lerr
			}
			var rerr error
			res, rerr = j.agg.Recompute(ctx, tx, accountID)
			return rerr
		})
	}
	if err != nil {
		out.Outcome = OutcomeError
		out.Error = err.Error()
		return out
	}

	out.Before = res.Previous
	out.After = res.Current
	switch {
	case !res.Drifted:
		out.Outcome = OutcomeAlreadyCorrect
	case dryRun:
		out.Outcome = OutcomeDrift
	default:
		out.Outcome = OutcomeFixed
	}
	return out
}

func (r *Report) add(res AccountResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeFixed:
		r.Fixed++
	case OutcomeAlreadyCorrect:
		r.Correct++
	case OutcomeDrift:
		r.Drifted++
	case OutcomeError:
		r.Errors++
	}
}
