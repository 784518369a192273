package models

import (
	"time"
)

type VoteDirection string

const (
	VoteUp   VoteDirection = "UP"
	VoteDown VoteDirection = "DOWN"
)

// TargetKind identifies which table a vote or moderation record points at.
type TargetKind string

const (
	TargetPost    TargetKind = "post"
	TargetComment TargetKind = "comment"
)

// Vote is the ledger row: at most one per (voter, target), enforced by the
// composite unique index rather than application logic. Toggling off deletes
// the row; switching updates Direction in place. Never soft-deleted.
type Vote struct {
	ID         uint          `gorm:"primaryKey" json:"id"`
	VoterID    uint          `gorm:"not null;uniqueIndex:idx_votes_voter_target" json:"voter_id"`
	TargetType TargetKind    `gorm:"size:10;not null;uniqueIndex:idx_votes_voter_target;index:idx_votes_target" json:"target_type"`
	TargetID   uint          `gorm:"not null;uniqueIndex:idx_votes_voter_target;index:idx_votes_target" json:"target_id"`
	Direction  VoteDirection `gorm:"size:10;not null" json:"direction"`
	CreatedAt  time.Time     `json:"created_at"`
}
