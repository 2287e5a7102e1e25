package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type ItemInput struct {
	InputRef string         `json:"input_ref"`
	Params   map[string]any `json:"params"`
}

type CreateBatchRequest struct {
	UserID  string      `json:"-"`
	Feature string      `json:"feature"`
	Items   []ItemInput `json:"items"`
}

type CreateBatchResponse struct {
	JobID        string `json:"job_id"`
	TotalItems   int    `json:"total_items"`
	CreditsCost  int64  `json:"credits_cost"`
	BalanceAfter int64  `json:"balance_after"`
}

type ItemView struct {
	Status    ItemStatus `json:"status"`
	InputRef  string     `json:"input_ref"`
	OutputRef *string    `json:"output_ref,omitempty"`
	Error     *string    `json:"error,omitempty"`
}

type JobView struct {
	JobID          string     `json:"job_id"`
	Feature        string     `json:"feature"`
	Status         JobStatus  `json:"status"`
	TotalItems     int        `json:"total_items"`
	CompletedItems int        `json:"completed_items"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Items          []ItemView `json:"items"`
}

// Service creates batches and serves their state. Driving items to terminal
// status is the worker's job; cancellation is the one synchronous path that
// mutates items here.
type Service interface {
	CreateBatch(ctx context.Context, req CreateBatchRequest) (*CreateBatchResponse, error)
	GetJob(ctx context.Context, userID string, jobID string) (*JobView, error)
	CancelJob(ctx context.Context, userID string, jobID string) (*JobView, error)
}

// Repository is the durable job store. Claim methods lock rows with
// FOR UPDATE SKIP LOCKED so concurrent sweeps never double-claim, and all
// status writes are guarded by the expected current status so transitions
// stay monotonic.
type Repository interface {
	CreateJobWithItems(ctx context.Context, job *Job, items []JobItem) error
	GetJob(ctx context.Context, jobID snowflake.ID) (*Job, []JobItem, error)
	Job(ctx context.Context, jobID snowflake.ID) (*Job, error)

	ClaimSubmittableJobs(ctx context.Context, limit int) ([]Job, error)
	PendingItems(ctx context.Context, jobID snowflake.ID) ([]JobItem, error)
	MarkItemSubmitted(ctx context.Context, itemID snowflake.ID, now time.Time) (bool, error)
	MarkItemProcessing(ctx context.Context, itemID snowflake.ID, externalID string, nextPollAt time.Time) error
	MarkItemSucceeded(ctx context.Context, itemID snowflake.ID, outputRef string) (bool, error)
	MarkItemFailed(ctx context.Context, itemID snowflake.ID, errMsg string, refunded bool) (bool, error)

	ClaimDueItems(ctx context.Context, now time.Time, limit int) ([]JobItem, error)
	ReschedulePoll(ctx context.Context, itemID snowflake.ID, attempts int, nextPollAt time.Time) error
	StalledSubmittedItems(ctx context.Context, cutoff time.Time, limit int) ([]JobItem, error)

	JobsAwaitingFinalize(ctx context.Context, limit int) ([]Job, error)
	FinalizeJob(ctx context.Context, jobID snowflake.ID) (*Job, error)
}

// ReserveReference is the ledger idempotency key for a batch reservation.
func ReserveReference(jobID snowflake.ID) string {
	return "reserve:job:" + jobID.String()
}

// RefundReference is the ledger idempotency key for an item refund. Every
// path that refunds an item uses this key, which is what makes the refund
// happen at most once no matter how often the terminal state is observed.
func RefundReference(itemID snowflake.ID) string {
	return "refund:item:" + itemID.String()
}

var (
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidFeature   = errors.New("invalid_feature")
	ErrInvalidItems     = errors.New("invalid_items")
	ErrBatchTooLarge    = errors.New("batch_too_large")
	ErrJobNotFound      = errors.New("job_not_found")
	ErrJobNotCancelable = errors.New("job_not_cancelable")
)
