package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"treehole/internal/errs"
	"treehole/internal/models"
	"treehole/internal/utils"

	"gorm.io/gorm"
)

// TargetRef identifies a votable (post or comment) by kind and id.
type TargetRef struct {
	Kind models.TargetKind `json:"kind"`
	ID   uint              `json:"id"`
}

func (t TargetRef) String() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.ID)
}

// OutcomeKind is the three-state toggle result: first press creates, a repeat
// press removes, an opposite press switches.
type OutcomeKind string

const (
	OutcomeCreated  OutcomeKind = "created"
	OutcomeRemoved  OutcomeKind = "removed"
	OutcomeSwitched OutcomeKind = "switched"
)

// VoteCounts are the post-operation aggregates for the target.
type VoteCounts struct {
	Upvotes   int64 `json:"upvotes"`
	Downvotes int64 `json:"downvotes"`
	Net       int64 `json:"net"`
}

// VoteOutcome reports what the toggle did. Direction is empty for removals.
type VoteOutcome struct {
	Kind      OutcomeKind          `json:"outcome"`
	Direction models.VoteDirection `json:"direction,omitempty"`
	Counts    VoteCounts           `json:"counts"`
}

// ErrUnknownTarget is the only ledger failure a caller sees: the vote target
// does not exist or is not visible.
var ErrUnknownTarget = errors.New("vote target not found")

const countsCacheTTL = 30 * time.Second

// Ledger owns vote rows. The composite unique index on (voter, target) is the
// sole concurrency control: concurrent identical requests serialize through
// the store's constraint enforcement and the loser reloads the winner's state.
type Ledger struct {
	db     *gorm.DB
	cache  *utils.Cache
	logger *slog.Logger
}

func NewLedger(db *gorm.DB, cache *utils.Cache, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, cache: cache, logger: logger}
}

// ApplyVote runs the set-or-toggle state machine for (voterID, target):
//
//   - no existing vote     -> create with direction
//   - same direction       -> delete (toggle off)
//   - opposite direction   -> update direction in place (switch)
//
// A duplicate-key race on create is benign: it is retried once as a re-read
// and the now-existing state is reported instead of an error.
func (l *Ledger) ApplyVote(ctx context.Context, voterID uint, target TargetRef, direction models.VoteDirection) (VoteOutcome, error) {
	if direction != models.VoteUp && direction != models.VoteDown {
		return VoteOutcome{}, fmt.Errorf("invalid vote direction %q", direction)
	}
	if err := l.checkTarget(ctx, target); err != nil {
		return VoteOutcome{}, err
	}

	outcome, err := l.applyOnce(ctx, voterID, target, direction)
	if err != nil && errs.IsKind(err, errs.KindConstraintViolation) {
		// Lost a create race; the winner's row exists now. One re-read
		// reports that state instead of failing the caller.
		l.logger.Debug("vote create race, reloading", "voter", voterID, "target", target.String())
		outcome, err = l.reloadExisting(ctx, voterID, target)
	}
	if err != nil {
		return VoteOutcome{}, err
	}

	l.invalidateCounts(target)
	counts, err := l.Counts(ctx, target)
	if err != nil {
		return VoteOutcome{}, err
	}
	outcome.Counts = counts
	return outcome, nil
}

func (l *Ledger) applyOnce(ctx context.Context, voterID uint, target TargetRef, direction models.VoteDirection) (VoteOutcome, error) {
	var outcome VoteOutcome

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Vote
		err := tx.Where("voter_id = ? AND target_type = ? AND target_id = ?", voterID, target.Kind, target.ID).
			First(&existing).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			vote := models.Vote{
				VoterID:    voterID,
				TargetType: target.Kind,
				TargetID:   target.ID,
				Direction:  direction,
			}
			if err := tx.Create(&vote).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return errs.Wrap(errs.KindConstraintViolation, "concurrent vote insert", err)
				}
				return err
			}
			outcome = VoteOutcome{Kind: OutcomeCreated, Direction: direction}
			return nil

		case err != nil:
			return err

		case existing.Direction == direction:
			if err := tx.Delete(&existing).Error; err != nil {
				return err
			}
			outcome = VoteOutcome{Kind: OutcomeRemoved}
			return nil

		default:
			if err := tx.Model(&existing).Update("direction", direction).Error; err != nil {
				return err
			}
			outcome = VoteOutcome{Kind: OutcomeSwitched, Direction: direction}
			return nil
		}
	})

	return outcome, err
}

// reloadExisting reports the state left behind by the request that won the
// race. If even the re-read finds nothing (winner toggled off already), the
// caller is told their vote is gone.
func (l *Ledger) reloadExisting(ctx context.Context, voterID uint, target TargetRef) (VoteOutcome, error) {
	var existing models.Vote
	err := l.db.WithContext(ctx).
		Where("voter_id = ? AND target_type = ? AND target_id = ?", voterID, target.Kind, target.ID).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VoteOutcome{Kind: OutcomeRemoved}, nil
	}
	if err != nil {
		return VoteOutcome{}, err
	}
	return VoteOutcome{Kind: OutcomeCreated, Direction: existing.Direction}, nil
}

// Counts returns the live vote aggregates for the target, with a short-lived
// cached projection invalidated by ledger writes.
func (l *Ledger) Counts(ctx context.Context, target TargetRef) (VoteCounts, error) {
	key := countsCacheKey(target)
	if l.cache != nil {
		if cached := l.cache.Get(key); cached != nil {
			if counts, ok := cached.(VoteCounts); ok {
				return counts, nil
			}
		}
	}

	type row struct {
		Direction models.VoteDirection
		Count     int64
	}
	var rows []row
	err := l.db.WithContext(ctx).Model(&models.Vote{}).
		Select("direction, COUNT(*) AS count").
		Where("target_type = ? AND target_id = ?", target.Kind, target.ID).
		Group("direction").
		Scan(&rows).Error
	if err != nil {
		return VoteCounts{}, err
	}

	var counts VoteCounts
	for _, r := range rows {
		switch r.Direction {
		case models.VoteUp:
			counts.Upvotes = r.Count
		case models.VoteDown:
			counts.Downvotes = r.Count
		}
	}
	counts.Net = counts.Upvotes - counts.Downvotes

	if l.cache != nil {
		l.cache.Set(key, counts, countsCacheTTL)
	}
	return counts, nil
}

func (l *Ledger) invalidateCounts(target TargetRef) {
	if l.cache != nil {
		l.cache.Delete(countsCacheKey(target))
	}
}

func countsCacheKey(target TargetRef) string {
	return "votes:" + target.String()
}

func (l *Ledger) checkTarget(ctx context.Context, target TargetRef) error {
	return visibleTarget(l.db.WithContext(ctx), target)
}

// visibleTarget verifies the target exists and is publicly visible. Shared by
// the ledger and the report path; hidden posts and deleted comments count as
// unknown.
func visibleTarget(db *gorm.DB, target TargetRef) error {
	var err error
	switch target.Kind {
	case models.TargetPost:
		var post models.Post
		err = db.Select("id").Where("hidden = ?", false).First(&post, target.ID).Error
	case models.TargetComment:
		var comment models.Comment
		err = db.Select("id").Where("deleted = ?", false).First(&comment, target.ID).Error
	default:
		return fmt.Errorf("invalid target kind %q", target.Kind)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrUnknownTarget
	}
	return err
}
