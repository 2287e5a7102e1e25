// Package domain contains persistence models for batch generation jobs.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// JobStatus is the aggregate batch state.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the job can no longer transition.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ItemStatus is one unit of work's state. Transitions are monotonic:
// pending -> submitted -> processing -> succeeded|failed, with the single
// shortcut submitted -> failed when the submit call itself errors.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusSubmitted  ItemStatus = "submitted"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusSucceeded  ItemStatus = "succeeded"
	ItemStatusFailed     ItemStatus = "failed"
)

// Terminal reports whether the item status is absorbing.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusSucceeded || s == ItemStatusFailed
}

// Job is one batch generation request. Owned exclusively by the orchestrator.
type Job struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	UserID         string       `gorm:"type:text;not null;index"`
	Feature        string       `gorm:"type:text;not null"`
	Status         JobStatus    `gorm:"type:text;not null;index"`
	TotalItems     int          `gorm:"not null"`
	CompletedItems int          `gorm:"not null"`
	PerItemCost    int64        `gorm:"not null"`
	ErrorMessage   *string      `gorm:"type:text"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Job) TableName() string { return "jobs" }

// JobItem is one unit of work inside a Job. NextPollAt and Attempts persist
// the poll cycle so a process restart resumes where it left off. Refunded
// guards the at-most-one-refund invariant alongside the ledger reference.
type JobItem struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	JobID      snowflake.ID      `gorm:"not null;index"`
	Position   int               `gorm:"not null"`
	InputRef   string            `gorm:"type:text;not null"`
	Status     ItemStatus        `gorm:"type:text;not null;index"`
	ExternalID *string           `gorm:"type:text"`
	OutputRef  *string           `gorm:"type:text"`
	Error      *string           `gorm:"type:text"`
	Refunded   bool              `gorm:"not null;default:false"`
	Attempts   int               `gorm:"not null"`
	NextPollAt *time.Time        `gorm:"index"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (JobItem) TableName() string { return "job_items" }
