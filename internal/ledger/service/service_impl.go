package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/propreel/propreel/internal/config"
	ledgerdomain "github.com/propreel/propreel/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Cfg   config.Config
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	defaultGrant int64
}

func NewService(p Params) ledgerdomain.Service {
	defaultGrant := p.Cfg.Ledger.DefaultGrant
	if defaultGrant < 0 {
		defaultGrant = 0
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("ledger.service"),
		genID:        p.GenID,
		defaultGrant: defaultGrant,
	}
}

func (s *Service) CheckAndReserve(ctx context.Context, req ledgerdomain.ReserveRequest) (*ledgerdomain.ReserveResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.Feature) == "" {
		return nil, ledgerdomain.ErrInvalidFeature
	}

	// Provision outside the reserve transaction so a rejected reservation
	// still leaves the account (and its grant line) in place.
	if err := s.ensureAccount(ctx, userID); err != nil {
		return nil, err
	}

	var balanceAfter int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		// Single guarded decrement serializes concurrent reservations per
		// user without a global lock. Zero rows means the guard failed.
		result := tx.WithContext(ctx).Exec(
			`UPDATE accounts
			 SET credits_balance = credits_balance - ?, updated_at = ?
			 WHERE user_id = ? AND credits_balance >= ?`,
			req.Amount,
			now,
			userID,
			req.Amount,
		)
		if result.Error != nil {
			return storageErr(result.Error)
		}
		if result.RowsAffected == 0 {
			balance, err := s.readBalance(ctx, tx, userID)
			if err != nil {
				return err
			}
			return &ledgerdomain.InsufficientCreditsError{
				Balance:  balance,
				Required: req.Amount,
			}
		}

		if err := s.appendRecord(ctx, tx, ledgerdomain.UsageRecord{
			ID:           s.genID.Generate(),
			UserID:       userID,
			Feature:      req.Feature,
			CreditsDelta: req.Amount,
			Reason:       ledgerdomain.ReasonBatchReserve,
			Reference:    nilIfEmpty(req.Reference),
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		balance, err := s.readBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		balanceAfter = balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("credits reserved",
		zap.String("user_id", userID),
		zap.String("feature", req.Feature),
		zap.Int64("amount", req.Amount),
		zap.Int64("balance_after", balanceAfter),
	)
	return &ledgerdomain.ReserveResult{BalanceAfter: balanceAfter}, nil
}

func (s *Service) Refund(ctx context.Context, req ledgerdomain.RefundRequest) error {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return ledgerdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return ledgerdomain.ErrInvalidReference
	}

	if err := s.ensureAccount(ctx, userID); err != nil {
		return err
	}

	refunded := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		// The unique reference makes the refund idempotent: a replayed
		// terminal observation inserts zero rows and skips the increment.
		result := tx.WithContext(ctx).Exec(
			`INSERT INTO usage_records (
				id, user_id, feature, credits_delta, reason, reference, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (reference) DO NOTHING`,
			s.genID.Generate(),
			userID,
			req.Feature,
			-req.Amount,
			req.Reason,
			reference,
			now,
		)
		if result.Error != nil {
			return storageErr(result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		refunded = true

		if err := tx.WithContext(ctx).Exec(
			`UPDATE accounts
			 SET credits_balance = credits_balance + ?, updated_at = ?
			 WHERE user_id = ?`,
			req.Amount,
			now,
			userID,
		).Error; err != nil {
			return storageErr(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if refunded {
		s.log.Info("credits refunded",
			zap.String("user_id", userID),
			zap.String("reason", req.Reason),
			zap.String("reference", reference),
			zap.Int64("amount", req.Amount),
		)
	}
	return nil
}

func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, ledgerdomain.ErrInvalidUser
	}
	if err := s.ensureAccount(ctx, userID); err != nil {
		return 0, err
	}
	return s.readBalance(ctx, s.db, userID)
}

func (s *Service) History(ctx context.Context, userID string, limit int) ([]ledgerdomain.UsageRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if limit <= 0 {
		limit = ledgerdomain.DefaultHistoryLimit
	}
	if limit > ledgerdomain.MaxHistoryLimit {
		limit = ledgerdomain.MaxHistoryLimit
	}
	var records []ledgerdomain.UsageRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, storageErr(err)
	}
	return records, nil
}

// ensureAccount lazily provisions the account with the default grant and logs
// the grant itself as a usage line.
func (s *Service) ensureAccount(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		result := tx.WithContext(ctx).Exec(
			`INSERT INTO accounts (user_id, credits_balance, subscription_tier, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (user_id) DO NOTHING`,
			userID,
			s.defaultGrant,
			"free",
			now,
			now,
		)
		if result.Error != nil {
			return storageErr(result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		return s.appendRecord(ctx, tx, ledgerdomain.UsageRecord{
			ID:           s.genID.Generate(),
			UserID:       userID,
			Feature:      "account",
			CreditsDelta: -s.defaultGrant,
			Reason:       ledgerdomain.ReasonInitialGrant,
			CreatedAt:    now,
		})
	})
}

func (s *Service) appendRecord(ctx context.Context, tx *gorm.DB, record ledgerdomain.UsageRecord) error {
	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		return storageErr(err)
	}
	return nil
}

func (s *Service) readBalance(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	var balance int64
	err := tx.WithContext(ctx).
		Table("accounts").
		Select("credits_balance").
		Where("user_id = ?", userID).
		Scan(&balance).Error
	if err != nil {
		return 0, storageErr(err)
	}
	return balance, nil
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ledgerdomain.ErrStorage, err)
}

func nilIfEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
