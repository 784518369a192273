package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// CategoryScores stores the classifier's per-category confidence scores as a
// JSON text column so the same model works on Postgres and the SQLite test
// databases.
type CategoryScores map[string]float64

func (s CategoryScores) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *CategoryScores) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("unsupported type %T for CategoryScores", value)
	}
}

// ModerationRecord is attached 1:1 to a post or comment, referenced by
// identity only. CrisisDetected is set synchronously before the target
// becomes visible; the remaining classification fields are written in a
// single atomic update by the async phase.
//
// Valid partial state: CrisisDetected=true while Classified=false.
type ModerationRecord struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	TargetType TargetKind `gorm:"size:10;not null;uniqueIndex:idx_moderation_target" json:"target_type"`
	TargetID   uint       `gorm:"not null;uniqueIndex:idx_moderation_target" json:"target_id"`

	CrisisDetected bool `gorm:"default:false" json:"crisis_detected"`
	Classified     bool `gorm:"default:false" json:"classified"`

	// Flagged puts the item in the review queue; AutoFlagged records that the
	// classifier (not a user report) put it there.
	Flagged     bool `gorm:"default:false;index" json:"flagged"`
	AutoFlagged bool `gorm:"default:false" json:"auto_flagged"`

	Severity       *float64       `json:"severity"` // nil until classified
	CategoryScores CategoryScores `gorm:"type:text" json:"category_scores"`

	HumanReviewed bool `gorm:"default:false" json:"human_reviewed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
