package models

import (
	"time"
)

type AccountStatus string

const (
	AccountStatusActive  AccountStatus = "active"
	AccountStatusExpired AccountStatus = "expired"
)

// PlatformAccount is a login identity on one platform. ID is always the
// identifier returned by the backend create call.
type PlatformAccount struct {
	ID                  string        `gorm:"primaryKey;size:64" json:"id"`
	PlatformID          string        `gorm:"size:50;not null;index" json:"platform_id"`
	OwnerUserID         string        `gorm:"size:64;not null;index" json:"owner_user_id"`
	DisplayName         string        `gorm:"size:200" json:"display_name"`
	RealUsername        string        `gorm:"size:200" json:"real_username"`
	AvatarURL           string        `gorm:"size:500" json:"avatar_url"`
	SessionPartitionRef string        `gorm:"size:200" json:"session_partition_ref"`
	Status              AccountStatus `gorm:"size:20;not null;default:'active'" json:"status"`
	StatusMessage       string        `gorm:"type:text" json:"status_message"`
	LastVerifiedAt      *time.Time    `json:"last_verified_at,omitempty"`
	LastUsedAt          *time.Time    `json:"last_used_at,omitempty"`
	CreatedAt           time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// SessionPartition stores the cookie jar of a persistent partition so it
// survives process restarts.
type SessionPartition struct {
	Name           string     `gorm:"primaryKey;size:200" json:"name"`
	PlatformID     string     `gorm:"size:50;not null;index" json:"platform_id"`
	AccountID      string     `gorm:"size:64;not null;index" json:"account_id"`
	Cookies        string     `gorm:"type:text" json:"-"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// PublishRecord is the locally cached copy of a publish result the backend
// has already accepted.
type PublishRecord struct {
	ID          string     `gorm:"primaryKey;size:64" json:"id"`
	TaskID      string     `gorm:"size:64;not null;uniqueIndex" json:"task_id"`
	OwnerUserID string     `gorm:"size:64;not null;index" json:"owner_user_id"`
	PlatformID  string     `gorm:"size:50;not null" json:"platform_id"`
	AccountID   string     `gorm:"size:64;not null" json:"account_id"`
	ArticleID   string     `gorm:"size:64;not null" json:"article_id"`
	Success     bool       `json:"success"`
	Message     string     `gorm:"type:text" json:"message"`
	URL         string     `gorm:"size:500" json:"url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
