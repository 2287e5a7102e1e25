// Package seed bootstraps demo data for local development.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/propreel/propreel/internal/ledger/domain"
	"gorm.io/gorm"
)

const demoGrant = 100

var demoUsers = []string{"demo-agent", "demo-broker"}

// EnsureDemoAccounts provisions well-known accounts with a generous balance
// so a fresh local stack can submit batches without topping up first.
// Idempotent: existing accounts are left untouched.
func EnsureDemoAccounts(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, userID := range demoUsers {
			if err := ensureAccountTx(ctx, tx, node, userID); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensureAccountTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, userID string) error {
	now := time.Now().UTC()
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO accounts (user_id, credits_balance, subscription_tier, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
		int64(demoGrant),
		"free",
		now,
		now,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return nil
	}

	record := ledgerdomain.UsageRecord{
		ID:           node.Generate(),
		UserID:       userID,
		Feature:      "account",
		CreditsDelta: -demoGrant,
		Reason:       ledgerdomain.ReasonInitialGrant,
		CreatedAt:    now,
	}
	return tx.WithContext(ctx).Create(&record).Error
}
