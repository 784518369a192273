package models

import (
	"time"
)

type Comment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PostID    uint      `gorm:"not null;index" json:"post_id"`
	Post      Post      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	User      User      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	ParentID  *uint     `gorm:"index" json:"parent_id"` // nil for top-level comments
	Parent    *Comment  `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	Body      string    `gorm:"type:text;not null" json:"body"`
	Anonymous bool      `gorm:"default:true" json:"anonymous"`
	Deleted   bool      `gorm:"default:false;index" json:"deleted"` // soft delete, structure preserved for replies
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	Upvotes   int64 `gorm:"-" json:"upvotes"`
	Downvotes int64 `gorm:"-" json:"downvotes"`
}
