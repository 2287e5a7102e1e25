// Package domain contains persistence models for the prepaid credit ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Account tracks one user's prepaid credit balance. Rows are provisioned
// lazily on first ledger access and never deleted.
type Account struct {
	UserID           string    `gorm:"primaryKey;type:text"`
	CreditsBalance   int64     `gorm:"not null"`
	SubscriptionTier string    `gorm:"type:text;not null;default:free"`
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// UsageRecord is one append-only ledger line. CreditsDelta is positive for a
// deduction and negative for a refund or grant, so an account's initial
// allotment minus the sum of deltas always reconciles with its balance.
type UsageRecord struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	UserID       string            `gorm:"type:text;not null;index"`
	Feature      string            `gorm:"type:text;not null;index"`
	CreditsDelta int64             `gorm:"not null"`
	Reason       string            `gorm:"type:text;not null"`
	Reference    *string           `gorm:"type:text;uniqueIndex:ux_usage_records_reference"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }
