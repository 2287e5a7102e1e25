package domain

import (
	"context"
	"errors"
	"fmt"
)

// History pagination bounds, shared by the service and its HTTP surface so
// a request inside the advertised cap is never silently shrunk.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Ledger reasons recorded on usage lines.
const (
	ReasonInitialGrant     = "initial_grant"
	ReasonBatchReserve     = "batch_reserve"
	ReasonItemSubmitFailed = "item_submit_failed"
	ReasonItemFailed       = "item_failed"
	ReasonItemCancelled    = "item_cancelled"
)

type ReserveRequest struct {
	UserID    string
	Amount    int64
	Feature   string
	Reference string
}

type RefundRequest struct {
	UserID    string
	Amount    int64
	Feature   string
	Reason    string
	Reference string
}

type ReserveResult struct {
	BalanceAfter int64
}

// Service is the transactional credit ledger. CheckAndReserve is atomic per
// user: two concurrent reservations never both succeed on one amount's worth
// of balance. Refunds are idempotent on their reference and are not subject
// to balance checks.
type Service interface {
	CheckAndReserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error)
	Refund(ctx context.Context, req RefundRequest) error
	GetBalance(ctx context.Context, userID string) (int64, error)
	History(ctx context.Context, userID string, limit int) ([]UsageRecord, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidFeature      = errors.New("invalid_feature")
	ErrInvalidReference    = errors.New("invalid_reference")
	ErrInsufficientCredits = errors.New("insufficient_credits")

	// ErrStorage marks ledger store failures. Unlike ErrInsufficientCredits
	// it is retryable by the caller.
	ErrStorage = errors.New("ledger_storage_unavailable")
)

// InsufficientCreditsError reports the balance observed when a reservation
// was rejected. errors.Is(err, ErrInsufficientCredits) holds.
type InsufficientCreditsError struct {
	Balance  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", e.Balance, e.Required)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }
