package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	generationdomain "github.com/propreel/propreel/internal/generation/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	db *gorm.DB
}

func New(db *gorm.DB) generationdomain.Repository {
	return &repo{db: db}
}

func (r *repo) CreateJobWithItems(ctx context.Context, job *generationdomain.Job, items []generationdomain.JobItem) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Create(&items).Error
	})
}

func (r *repo) GetJob(ctx context.Context, jobID snowflake.ID) (*generationdomain.Job, []generationdomain.JobItem, error) {
	var job generationdomain.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, generationdomain.ErrJobNotFound
		}
		return nil, nil, err
	}

	var items []generationdomain.JobItem
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("position ASC").
		Find(&items).Error; err != nil {
		return nil, nil, err
	}
	return &job, items, nil
}

func (r *repo) Job(ctx context.Context, jobID snowflake.ID) (*generationdomain.Job, error) {
	var job generationdomain.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, generationdomain.ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ClaimSubmittableJobs locks processing jobs that still have unsubmitted
// items. The row lock only spans the claim transaction; items are submitted
// afterwards, one at a time, outside of it.
func (r *repo) ClaimSubmittableJobs(ctx context.Context, limit int) ([]generationdomain.Job, error) {
	if limit <= 0 {
		limit = 25
	}
	var jobs []generationdomain.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Where("status = ?", generationdomain.JobStatusProcessing).
			Where("EXISTS (SELECT 1 FROM job_items WHERE job_items.job_id = jobs.id AND job_items.status = ?)",
				generationdomain.ItemStatusPending).
			Order("id ASC").
			Limit(limit)
		if supportsRowLocks(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		return query.Find(&jobs).Error
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repo) PendingItems(ctx context.Context, jobID snowflake.ID) ([]generationdomain.JobItem, error) {
	var items []generationdomain.JobItem
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, generationdomain.ItemStatusPending).
		Order("position ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// MarkItemSubmitted stamps updated_at from the caller's clock; the stall
// recovery query compares against that same clock, so a crash between this
// write and the provider dispatch is detectable.
func (r *repo) MarkItemSubmitted(ctx context.Context, itemID snowflake.ID, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE job_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		generationdomain.ItemStatusSubmitted,
		now.UTC(),
		itemID,
		generationdomain.ItemStatusPending,
	)
	return result.RowsAffected == 1, result.Error
}

func (r *repo) MarkItemProcessing(ctx context.Context, itemID snowflake.ID, externalID string, nextPollAt time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE job_items
		 SET status = ?, external_id = ?, attempts = 0, next_poll_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		generationdomain.ItemStatusProcessing,
		externalID,
		nextPollAt.UTC(),
		time.Now().UTC(),
		itemID,
		generationdomain.ItemStatusSubmitted,
	).Error
}

// MarkItemSucceeded is the only place completed_items moves, and it moves in
// the same transaction as the item's terminal write so the counter always
// equals the number of succeeded items.
func (r *repo) MarkItemSucceeded(ctx context.Context, itemID snowflake.ID, outputRef string) (bool, error) {
	transitioned := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		result := tx.Exec(
			`UPDATE job_items
			 SET status = ?, output_ref = ?, next_poll_at = NULL, updated_at = ?
			 WHERE id = ? AND status = ?`,
			generationdomain.ItemStatusSucceeded,
			outputRef,
			now,
			itemID,
			generationdomain.ItemStatusProcessing,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		transitioned = true

		return tx.Exec(
			`UPDATE jobs
			 SET completed_items = completed_items + 1, updated_at = ?
			 WHERE id = (SELECT job_id FROM job_items WHERE id = ?)`,
			now,
			itemID,
		).Error
	})
	return transitioned, err
}

func (r *repo) MarkItemFailed(ctx context.Context, itemID snowflake.ID, errMsg string, refunded bool) (bool, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE job_items
		 SET status = ?, error = ?, refunded = ?, next_poll_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		generationdomain.ItemStatusFailed,
		errMsg,
		refunded,
		time.Now().UTC(),
		itemID,
		generationdomain.ItemStatusPending,
		generationdomain.ItemStatusSubmitted,
		generationdomain.ItemStatusProcessing,
	)
	return result.RowsAffected == 1, result.Error
}

// ClaimDueItems picks processing items whose poll is due and pushes their
// next_poll_at forward inside the claim transaction, so a crashed poll sweep
// retries them on the following tick instead of losing them.
func (r *repo) ClaimDueItems(ctx context.Context, now time.Time, limit int) ([]generationdomain.JobItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []generationdomain.JobItem
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Where("status = ? AND next_poll_at IS NOT NULL AND next_poll_at <= ?",
				generationdomain.ItemStatusProcessing, now.UTC()).
			Order("next_poll_at ASC").
			Limit(limit)
		if supportsRowLocks(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := query.Find(&items).Error; err != nil {
			return err
		}
		for i := range items {
			if err := tx.Exec(
				`UPDATE job_items SET next_poll_at = ?, updated_at = ? WHERE id = ?`,
				now.UTC().Add(30*time.Second),
				now.UTC(),
				items[i].ID,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ReschedulePoll(ctx context.Context, itemID snowflake.ID, attempts int, nextPollAt time.Time) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE job_items
		 SET attempts = ?, next_poll_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		attempts,
		nextPollAt.UTC(),
		time.Now().UTC(),
		itemID,
		generationdomain.ItemStatusProcessing,
	).Error
}

// StalledSubmittedItems returns items stuck in submitted since before the
// cutoff. A crash between the submitted write and the provider dispatch
// leaves them with no external id, and no other sweep revisits that state.
func (r *repo) StalledSubmittedItems(ctx context.Context, cutoff time.Time, limit int) ([]generationdomain.JobItem, error) {
	if limit <= 0 {
		limit = 25
	}
	var items []generationdomain.JobItem
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", generationdomain.ItemStatusSubmitted, cutoff.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) JobsAwaitingFinalize(ctx context.Context, limit int) ([]generationdomain.Job, error) {
	if limit <= 0 {
		limit = 25
	}
	var jobs []generationdomain.Job
	err := r.db.WithContext(ctx).
		Where("status = ?", generationdomain.JobStatusProcessing).
		Where("NOT EXISTS (SELECT 1 FROM job_items WHERE job_items.job_id = jobs.id AND job_items.status NOT IN (?, ?))",
			generationdomain.ItemStatusSucceeded, generationdomain.ItemStatusFailed).
		Order("id ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// FinalizeJob flips a fully-terminal job to completed when at least one item
// succeeded, failed otherwise. Partial success is a valid terminal state.
func (r *repo) FinalizeJob(ctx context.Context, jobID snowflake.ID) (*generationdomain.Job, error) {
	var job generationdomain.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return generationdomain.ErrJobNotFound
			}
			return err
		}
		if job.Status.Terminal() {
			return nil
		}

		var succeeded int64
		if err := tx.Model(&generationdomain.JobItem{}).
			Where("job_id = ? AND status = ?", jobID, generationdomain.ItemStatusSucceeded).
			Count(&succeeded).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		status := generationdomain.JobStatusCompleted
		var errMsg *string
		if succeeded == 0 {
			status = generationdomain.JobStatusFailed
			msg := "all items failed"
			errMsg = &msg
		}

		if err := tx.Exec(
			`UPDATE jobs
			 SET status = ?, completed_items = ?, error_message = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			status,
			succeeded,
			errMsg,
			now,
			jobID,
			generationdomain.JobStatusProcessing,
		).Error; err != nil {
			return err
		}

		job.Status = status
		job.CompletedItems = int(succeeded)
		job.ErrorMessage = errMsg
		job.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func supportsRowLocks(tx *gorm.DB) bool {
	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		return true
	default:
		return false
	}
}
