package models

import (
	"time"
)

type Post struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	User      User      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	Title     string    `gorm:"size:200;not null" json:"title"`
	Body      string    `gorm:"type:text;not null" json:"body"`
	Anonymous bool      `gorm:"default:true" json:"anonymous"`
	Hidden    bool      `gorm:"default:false;index" json:"hidden"` // hidden by moderator, excluded from public view
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Derived at read time, never stored: the vote ledger is authoritative.
	CommentCount int   `gorm:"-" json:"comment_count"`
	Upvotes      int64 `gorm:"-" json:"upvotes"`
	Downvotes    int64 `gorm:"-" json:"downvotes"`
}
