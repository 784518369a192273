package models

import (
	"time"
)

// Report is a user-filed flag against a post or comment.
type Report struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	UserID     uint       `gorm:"not null;index;uniqueIndex:idx_reports_user_target" json:"user_id"` // reporter
	User       User       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	TargetType TargetKind `gorm:"size:10;not null;uniqueIndex:idx_reports_user_target" json:"target_type"`
	TargetID   uint       `gorm:"not null;index;uniqueIndex:idx_reports_user_target" json:"target_id"`
	Reason     string     `gorm:"size:200" json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
}
