package models

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// PublishingTask is one article published to one account. Tasks sharing a
// BatchID run strictly in BatchOrder.
type PublishingTask struct {
	ID              string     `gorm:"primaryKey;size:64" json:"id"`
	BatchID         *string    `gorm:"size:64;uniqueIndex:idx_batch_order" json:"batch_id,omitempty"`
	BatchOrder      int        `gorm:"not null;default:0;uniqueIndex:idx_batch_order" json:"batch_order"`
	OwnerUserID     string     `gorm:"size:64;not null;index" json:"owner_user_id"`
	PlatformID      string     `gorm:"size:50;not null;index" json:"platform_id"`
	AccountID       string     `gorm:"size:64;not null;index" json:"account_id"`
	ArticleID       string     `gorm:"size:64;not null" json:"article_id"`
	IntervalMinutes int        `gorm:"not null;default:0" json:"interval_minutes"`
	Status          TaskStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	StatusMessage   string     `gorm:"type:text" json:"status_message"`
	Attempts        int        `gorm:"not null;default:0" json:"attempts"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PublishingTask) TableName() string {
	return "publishing_tasks"
}

// Batch returns the batch id or "" for an unbatched task.
func (t *PublishingTask) Batch() string {
	if t.BatchID == nil {
		return ""
	}
	return *t.BatchID
}

// BatchStats counts a batch's tasks by status.
type BatchStats struct {
	BatchID         string `json:"batch_id"`
	Total           int    `json:"total"`
	Pending         int    `json:"pending"`
	Running         int    `json:"running"`
	Completed       int    `json:"completed"`
	Failed          int    `json:"failed"`
	IntervalMinutes int    `json:"interval_minutes"`
	Executing       bool   `json:"executing"`
}
