package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"treehole/internal/errs"
	"treehole/internal/models"

	"gorm.io/gorm"
)

// Pipeline orchestrates content screening. The crisis scan runs inline on the
// request path and must finish before the target becomes visible; the
// classifier runs on a bounded worker pool off the request path. The pipeline
// is the only writer of ModerationRecord rows.
type Pipeline struct {
	db         *gorm.DB
	classifier ContentClassifier
	logger     *slog.Logger
	timeout    time.Duration

	queue   chan classifyJob
	mu      sync.Mutex
	pending map[string]bool // in-flight marker per target; loss on restart only risks a duplicate provider call
	wg      sync.WaitGroup
}

type classifyJob struct {
	target TargetRef
	text   string
	// force marks an operator-triggered reclassify, the only way to re-enter
	// a classified record. forceOverwrite additionally lets the new result
	// lower severity or un-flag; without it the stored result only ratchets
	// upward.
	force          bool
	forceOverwrite bool
}

// PipelineConfig bounds the background classification work.
type PipelineConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

func NewPipeline(db *gorm.DB, classifier ContentClassifier, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultClassifyTimeout
	}

	p := &Pipeline{
		db:         db,
		classifier: classifier,
		logger:     logger,
		timeout:    cfg.Timeout,
		queue:      make(chan classifyJob, cfg.QueueSize),
		pending:    make(map[string]bool),
	}
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

// Screen runs the synchronous crisis scan and creates the moderation record
// inside the caller's transaction, so the record exists before the target
// commits. The record starts unclassified.
func (p *Pipeline) Screen(tx *gorm.DB, target TargetRef, text string) (*models.ModerationRecord, error) {
	record := models.ModerationRecord{
		TargetType:     target.Kind,
		TargetID:       target.ID,
		CrisisDetected: ScanCrisis(text),
	}
	if err := tx.Create(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

var (
	errInFlight  = errors.New("classification already in flight")
	errQueueFull = errors.New("classification queue full")
)

// resultWriteTimeout bounds the store write of a classification result,
// independent of the provider deadline.
const resultWriteTimeout = 5 * time.Second

// ScheduleClassify queues background classification for the target. Returns
// false when the job was not accepted: one is already in flight for this
// identity, or the queue is full. A dropped job leaves classified=false,
// which is observable and retryable via Reclassify.
func (p *Pipeline) ScheduleClassify(target TargetRef, text string) bool {
	return p.enqueue(classifyJob{target: target, text: text}) == nil
}

// Reclassify re-runs classification at an operator's request. Idempotent for
// identical input text. force=true lets the new result lower severity or
// un-flag; otherwise the stored result only ratchets upward. A full queue is
// reported as unavailable, distinct from a run already in flight.
func (p *Pipeline) Reclassify(ctx context.Context, target TargetRef, force bool) error {
	text, err := p.targetText(ctx, target)
	if err != nil {
		return err
	}
	if err := p.enqueue(classifyJob{target: target, text: text, force: true, forceOverwrite: force}); err != nil {
		if errors.Is(err, errQueueFull) {
			return errs.Wrap(errs.KindClassificationUnavailable, "cannot schedule "+target.String(), err)
		}
		return errs.Wrap(errs.KindInvalidState, "cannot schedule "+target.String(), err)
	}
	return nil
}

func (p *Pipeline) enqueue(job classifyJob) error {
	key := job.target.String()

	p.mu.Lock()
	if p.pending[key] {
		p.mu.Unlock()
		return errInFlight
	}
	p.pending[key] = true
	p.mu.Unlock()

	p.wg.Add(1)
	select {
	case p.queue <- job:
		return nil
	default:
		p.clearPending(key)
		p.wg.Done()
		p.logger.Warn("classification queue full, dropping job", "target", key)
		return errQueueFull
	}
}

func (p *Pipeline) worker() {
	for job := range p.queue {
		p.process(job)
	}
}

func (p *Pipeline) process(job classifyJob) {
	defer p.wg.Done()
	defer p.clearPending(job.target.String())

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	result := p.classifier.Classify(ctx, job.text)
	cancel()
	if result.Err != nil {
		// Degraded provider result: the safe default is still written so the
		// record converges to classified=true rather than staying pending.
		p.logger.Warn("classification degraded, applying safe default",
			"target", job.target.String(), "error", result.Err)
	}

	// A provider timeout exhausts the classify context, so the store gets its
	// own bound; otherwise the safe-default write would fail with the same
	// expired deadline and the record would never converge.
	writeCtx, cancelWrite := context.WithTimeout(context.Background(), resultWriteTimeout)
	defer cancelWrite()

	if err := p.applyResult(writeCtx, job, result); err != nil {
		switch errs.KindOf(err) {
		case errs.KindTargetVanished:
			p.logger.Info("classification target vanished", "target", job.target.String())
		case errs.KindInvalidState:
			p.logger.Warn("classification skipped", "target", job.target.String(), "error", err)
		default:
			p.logger.Error("failed to store classification result",
				"target", job.target.String(), "error", err)
		}
	}
}

// applyResult writes the classification outcome. All four fields land in one
// UPDATE so a reader never sees flagged=true with a nil severity or stale
// category scores. The crisis flag is OR-combined and never downgraded.
func (p *Pipeline) applyResult(ctx context.Context, job classifyJob, result ClassificationResult) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.ModerationRecord
		err := tx.Where("target_type = ? AND target_id = ?", job.target.Kind, job.target.ID).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.New(errs.KindTargetVanished, "no moderation record for "+job.target.String())
		}
		if err != nil {
			return err
		}

		if record.Classified && !job.force {
			return errs.New(errs.KindInvalidState, "record already classified")
		}

		severity := result.Severity
		flagged := record.Flagged || result.Flagged
		autoFlagged := record.AutoFlagged || result.Flagged
		if record.Classified && !job.forceOverwrite {
			// Non-forced reclassify only ratchets upward.
			if record.Severity != nil && *record.Severity > severity {
				severity = *record.Severity
			}
		} else if job.forceOverwrite {
			flagged = result.Flagged
			autoFlagged = result.Flagged
		}

		updates := map[string]interface{}{
			"classified":      true,
			"flagged":         flagged,
			"auto_flagged":    autoFlagged,
			"severity":        severity,
			"category_scores": result.CategoryScores,
			"crisis_detected": record.CrisisDetected || result.IsCrisis,
		}
		return tx.Model(&models.ModerationRecord{}).
			Where("id = ?", record.ID).
			Updates(updates).Error
	})
}

// FlagByUser records a user report and puts the target in the review queue.
// The target must exist and be publicly visible. Repeat reports by the same
// user are rejected by the unique index and treated as already-flagged.
func (p *Pipeline) FlagByUser(ctx context.Context, reporterID uint, target TargetRef, reason string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := visibleTarget(tx, target); err != nil {
			if errors.Is(err, ErrUnknownTarget) {
				return errs.Wrap(errs.KindTargetVanished, "report target not found: "+target.String(), err)
			}
			return err
		}

		report := models.Report{
			UserID:     reporterID,
			TargetType: target.Kind,
			TargetID:   target.ID,
			Reason:     reason,
		}
		if err := tx.Create(&report).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errs.Wrap(errs.KindConstraintViolation, "already reported", err)
			}
			return err
		}

		res := tx.Model(&models.ModerationRecord{}).
			Where("target_type = ? AND target_id = ?", target.Kind, target.ID).
			Update("flagged", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Rolls the report back too; a visible target without a record
			// means its screening write was lost.
			return errs.New(errs.KindTargetVanished, "no moderation record for "+target.String())
		}
		return nil
	})
}

// Unflag removes the target from the review queue and marks it human
// reviewed.
func (p *Pipeline) Unflag(ctx context.Context, target TargetRef) error {
	res := p.db.WithContext(ctx).Model(&models.ModerationRecord{}).
		Where("target_type = ? AND target_id = ?", target.Kind, target.ID).
		Updates(map[string]interface{}{"flagged": false, "human_reviewed": true})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.KindTargetVanished, "no moderation record for "+target.String())
	}
	return nil
}

// DeleteRecord removes the moderation bookkeeping for a hard-deleted target.
func (p *Pipeline) DeleteRecord(tx *gorm.DB, target TargetRef) error {
	if err := tx.Where("target_type = ? AND target_id = ?", target.Kind, target.ID).
		Delete(&models.ModerationRecord{}).Error; err != nil {
		return err
	}
	if err := tx.Where("target_type = ? AND target_id = ?", target.Kind, target.ID).
		Delete(&models.Report{}).Error; err != nil {
		return err
	}
	return tx.Where("target_type = ? AND target_id = ?", target.Kind, target.ID).
		Delete(&models.Vote{}).Error
}

// Drain blocks until every accepted background job has completed. Used by
// tests and graceful shutdown.
func (p *Pipeline) Drain() {
	p.wg.Wait()
}

func (p *Pipeline) clearPending(key string) {
	p.mu.Lock()
	delete(p.pending, key)
	p.mu.Unlock()
}

// targetText re-reads the content to classify. Posts are screened on title
// plus body, comments on body alone.
func (p *Pipeline) targetText(ctx context.Context, target TargetRef) (string, error) {
	switch target.Kind {
	case models.TargetPost:
		var post models.Post
		err := p.db.WithContext(ctx).First(&post, target.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", errs.New(errs.KindTargetVanished, "post not found: "+target.String())
		}
		if err != nil {
			return "", err
		}
		return post.Title + "\n\n" + post.Body, nil
	case models.TargetComment:
		var comment models.Comment
		err := p.db.WithContext(ctx).First(&comment, target.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", errs.New(errs.KindTargetVanished, "comment not found: "+target.String())
		}
		if err != nil {
			return "", err
		}
		return comment.Body, nil
	default:
		return "", fmt.Errorf("invalid target kind %q", target.Kind)
	}
}
