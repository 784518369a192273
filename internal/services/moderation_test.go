package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"treehole/internal/errs"
	"treehole/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestPipeline(t *testing.T, gdb *gorm.DB, classifier ContentClassifier) *Pipeline {
	t.Helper()
	return NewPipeline(gdb, classifier, PipelineConfig{Workers: 2, QueueSize: 16}, nil)
}

// submit mimics the handler flow: persist the target and screen it in one
// transaction, then schedule classification.
func submitPost(t *testing.T, gdb *gorm.DB, p *Pipeline, userID uint, title, body string) (models.Post, *models.ModerationRecord) {
	t.Helper()
	post := models.Post{UserID: userID, Title: title, Body: body}
	var record *models.ModerationRecord
	err := gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&post).Error; err != nil {
			return err
		}
		var err error
		record, err = p.Screen(tx, TargetRef{Kind: models.TargetPost, ID: post.ID}, title+"\n\n"+body)
		return err
	})
	require.NoError(t, err)
	p.ScheduleClassify(TargetRef{Kind: models.TargetPost, ID: post.ID}, title+"\n\n"+body)
	return post, record
}

func loadRecord(t *testing.T, gdb *gorm.DB, target TargetRef) models.ModerationRecord {
	t.Helper()
	var record models.ModerationRecord
	require.NoError(t, gdb.Where("target_type = ? AND target_id = ?", target.Kind, target.ID).
		First(&record).Error)
	return record
}

func TestPipelineEndToEndCrisisPost(t *testing.T) {
	gdb := testDB(t)
	classifier := &fakeClassifier{result: ClassificationResult{
		Flagged:        true,
		CategoryScores: models.CategoryScores{"self-harm": 0.8},
		Severity:       0.8,
		IsCrisis:       true,
	}}
	pipeline := newTestPipeline(t, gdb, classifier)
	user := createUser(t, gdb, "poster")

	post, record := submitPost(t, gdb, pipeline, user.ID, "hard week", "I want to kill myself")
	target := TargetRef{Kind: models.TargetPost, ID: post.ID}

	// Synchronous phase: crisis detected before the post is visible,
	// classification still pending.
	assert.True(t, record.CrisisDetected)
	assert.False(t, record.Classified)

	pipeline.Drain()

	final := loadRecord(t, gdb, target)
	assert.True(t, final.Classified)
	assert.True(t, final.Flagged)
	assert.True(t, final.AutoFlagged)
	assert.True(t, final.CrisisDetected)
	require.NotNil(t, final.Severity)
	assert.InDelta(t, 0.8, *final.Severity, 1e-9)
	assert.InDelta(t, 0.8, final.CategoryScores["self-harm"], 1e-9)

	// And the item surfaces in the review queue ahead of lower severity.
	queue := NewQueue(gdb)
	low := &fakeClassifier{result: ClassificationResult{
		Flagged:        true,
		CategoryScores: models.CategoryScores{"harassment": 0.4},
		Severity:       0.4,
	}}
	pipeline2 := newTestPipeline(t, gdb, low)
	lowPost, _ := submitPost(t, gdb, pipeline2, user.ID, "mild", "somewhat rude text here")
	pipeline2.Drain()

	result, err := queue.ListFlagged(context.Background(), FlaggedPage{})
	require.NoError(t, err)
	require.Len(t, result.Posts, 2)
	assert.Equal(t, post.ID, result.Posts[0].Post.ID)
	assert.Equal(t, lowPost.ID, result.Posts[1].Post.ID)
}

func TestPipelineCleanContent(t *testing.T) {
	gdb := testDB(t)
	classifier := &fakeClassifier{result: ClassificationResult{
		CategoryScores: models.CategoryScores{"hate": 0.01},
		Severity:       0.01,
	}}
	pipeline := newTestPipeline(t, gdb, classifier)
	user := createUser(t, gdb, "poster")

	post, record := submitPost(t, gdb, pipeline, user.ID, "dining hall", "the pasta was great today")
	assert.False(t, record.CrisisDetected)

	pipeline.Drain()

	final := loadRecord(t, gdb, TargetRef{Kind: models.TargetPost, ID: post.ID})
	assert.True(t, final.Classified)
	assert.False(t, final.Flagged)
	assert.False(t, final.CrisisDetected)
	require.NotNil(t, final.Severity)
	assert.InDelta(t, 0.01, *final.Severity, 1e-9)
}

func TestPipelineCrisisFlagNeverDowngraded(t *testing.T) {
	gdb := testDB(t)
	// Keyword pass says crisis; classifier disagrees. OR-combine keeps true.
	classifier := &fakeClassifier{result: ClassificationResult{
		CategoryScores: models.CategoryScores{"self-harm": 0.1},
		Severity:       0.1,
	}}
	pipeline := newTestPipeline(t, gdb, classifier)
	user := createUser(t, gdb, "poster")

	post, record := submitPost(t, gdb, pipeline, user.ID, "vent", "no reason to live")
	require.True(t, record.CrisisDetected)

	pipeline.Drain()

	final := loadRecord(t, gdb, TargetRef{Kind: models.TargetPost, ID: post.ID})
	assert.True(t, final.Classified)
	assert.True(t, final.CrisisDetected, "classifier result must not un-set the crisis flag")
}

func TestPipelineDegradedClassifierWritesSafeDefault(t *testing.T) {
	gdb := testDB(t)
	classifier := &fakeClassifier{result: SafeClassification(
		errs.New(errs.KindClassificationTimeout, "provider timeout"))}
	pipeline := newTestPipeline(t, gdb, classifier)
	user := createUser(t, gdb, "poster")

	post, _ := submitPost(t, gdb, pipeline, user.ID, "anything", "ordinary text that is long enough")
	pipeline.Drain()

	// Chosen policy: the safe default is written and the record converges to
	// classified=true instead of lingering as pending.
	final := loadRecord(t, gdb, TargetRef{Kind: models.TargetPost, ID: post.ID})
	assert.True(t, final.Classified)
	assert.False(t, final.Flagged)
	require.NotNil(t, final.Severity)
	assert.Equal(t, 0.0, *final.Severity)
}

func TestPipelineVanishedTargetIsNoOp(t *testing.T) {
	gdb := testDB(t)
	classifier := &fakeClassifier{result: ClassificationResult{Flagged: true, Severity: 0.9,
		CategoryScores: models.CategoryScores{"hate": 0.9}}}
	pipeline := newTestPipeline(t, gdb, classifier)

	// No record exists for this identity; the async write must be a silent
	// no-op, not an error.
	ok := pipeline.ScheduleClassify(TargetRef{Kind: models.TargetPost, ID: 4242}, "text of a deleted post")
	assert.True(t, ok)
	pipeline.Drain()

	var count int64
	require.NoError(t, gdb.Model(&models.ModerationRecord{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestPipelineInFlightDeduplication(t *testing.T) {
	gdb := testDB(t)
	classifier := &fakeClassifier{
		delay: 100 * time.Millisecond,
		result: ClassificationResult{
			CategoryScores: models.CategoryScores{}, Severity: 0,
		},
	}
	pipeline := newTestPipeline(t, gdb, classifier)
	user := createUser(t, gdb, "poster")

	post, _ := submitPost(t, gdb, pipeline, user.ID, "dedupe", "some ordinary body text")
	target := TargetRef{Kind: models.TargetPost, ID: post.ID}

	// While the first job is in flight, repeat schedules must be rejected.
	accepted := pipeline.ScheduleClassify(target, "some ordinary body text")
	assert.False(t, accepted)

	pipeline.Drain()
	assert.Equal(t, 1, classifier.callCount(), "duplicate in-flight jobs must not call the provider twice")
}

func TestPipelineScheduledReentryRejected(t *testing.T) {
	gdb := testDB(t)
	classifier := &fakeClassifier{result: ClassificationResult{
		CategoryScores: models.CategoryScores{"hate": 0.2}, Severity: 0.2,
	}}
	pipeline := newTestPipeline(t, gdb, classifier)
	user := createUser(t, gdb, "poster")

	post, _ := submitPost(t, gdb, pipeline, user.ID, "once", "classified exactly once text")
	target := TargetRef{Kind: models.TargetPost, ID: post.ID}
	pipeline.Drain()

	before := loadRecord(t, gdb, target)

	// A non-operator re-run against a terminal record leaves it unchanged.
	pipeline.ScheduleClassify(target, "classified exactly once text")
	pipeline.Drain()

	after := loadRecord(t, gdb, target)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	require.NotNil(t, after.Severity)
	assert.InDelta(t, 0.2, *after.Severity, 1e-9)
}

func TestPipelineReclassifyRatchetsWithoutForce(t *testing.T) {
	gdb := testDB(t)
	classifier := &fakeClassifier{result: ClassificationResult{
		Flagged:        true,
		CategoryScores: models.CategoryScores{"hate": 0.9},
		Severity:       0.9,
	}}
	pipeline := newTestPipeline(t, gdb, classifier)
	user := createUser(t, gdb, "poster")

	post, _ := submitPost(t, gdb, pipeline, user.ID, "bad", "first pass scores high")
	target := TargetRef{Kind: models.TargetPost, ID: post.ID}
	pipeline.Drain()

	// Second pass scores lower; without force the stored result only
	// ratchets upward.
	classifier.mu.Lock()
	classifier.result = ClassificationResult{
		CategoryScores: models.CategoryScores{"hate": 0.2}, Severity: 0.2,
	}
	classifier.mu.Unlock()

	require.NoError(t, pipeline.Reclassify(context.Background(), target, false))
	pipeline.Drain()

	record := loadRecord(t, gdb, target)
	assert.True(t, record.Flagged, "reclassify must not un-flag silently")
	require.NotNil(t, record.Severity)
	assert.InDelta(t, 0.9, *record.Severity, 1e-9)
}

func TestPipelineReclassifyForceOverwrites(t *testing.T) {
	gdb := testDB(t)
	classifier := &fakeClassifier{result: ClassificationResult{
		Flagged:        true,
		CategoryScores: models.CategoryScores{"hate": 0.9},
		Severity:       0.9,
	}}
	pipeline := newTestPipeline(t, gdb, classifier)
	user := createUser(t, gdb, "poster")

	post, _ := submitPost(t, gdb, pipeline, user.ID, "appealed", "operator requested re-run")
	target := TargetRef{Kind: models.TargetPost, ID: post.ID}
	pipeline.Drain()

	classifier.mu.Lock()
	classifier.result = ClassificationResult{
		CategoryScores: models.CategoryScores{"hate": 0.2}, Severity: 0.2,
	}
	classifier.mu.Unlock()

	require.NoError(t, pipeline.Reclassify(context.Background(), target, true))
	pipeline.Drain()

	record := loadRecord(t, gdb, target)
	assert.False(t, record.Flagged)
	require.NotNil(t, record.Severity)
	assert.InDelta(t, 0.2, *record.Severity, 1e-9)
}

func TestPipelineReclassifyVanishedTarget(t *testing.T) {
	gdb := testDB(t)
	pipeline := newTestPipeline(t, gdb, &fakeClassifier{})

	err := pipeline.Reclassify(context.Background(),
		TargetRef{Kind: models.TargetPost, ID: 31337}, false)
	assert.True(t, errs.IsKind(err, errs.KindTargetVanished))
}

func TestPipelineFlagByUser(t *testing.T) {
	gdb := testDB(t)
	classifier := &fakeClassifier{result: SafeClassification(nil)}
	pipeline := newTestPipeline(t, gdb, classifier)
	author := createUser(t, gdb, "author")
	reporter := createUser(t, gdb, "reporter")

	post, _ := submitPost(t, gdb, pipeline, author.ID, "reported", "content someone dislikes")
	target := TargetRef{Kind: models.TargetPost, ID: post.ID}
	pipeline.Drain()

	require.NoError(t, pipeline.FlagByUser(context.Background(), reporter.ID, target, "spam"))

	record := loadRecord(t, gdb, target)
	assert.True(t, record.Flagged)
	assert.False(t, record.AutoFlagged, "user reports are not automation flags")

	// Duplicate report by the same user is a benign constraint violation.
	err := pipeline.FlagByUser(context.Background(), reporter.ID, target, "spam again")
	assert.True(t, errs.IsKind(err, errs.KindConstraintViolation))
}

func TestPipelineUnflag(t *testing.T) {
	gdb := testDB(t)
	classifier := &fakeClassifier{result: ClassificationResult{
		Flagged: true, Severity: 0.6, CategoryScores: models.CategoryScores{"hate": 0.6},
	}}
	pipeline := newTestPipeline(t, gdb, classifier)
	user := createUser(t, gdb, "poster")

	post, _ := submitPost(t, gdb, pipeline, user.ID, "review me", "borderline content here")
	target := TargetRef{Kind: models.TargetPost, ID: post.ID}
	pipeline.Drain()

	require.NoError(t, pipeline.Unflag(context.Background(), target))

	record := loadRecord(t, gdb, target)
	assert.False(t, record.Flagged)
	assert.True(t, record.HumanReviewed)

	err := pipeline.Unflag(context.Background(), TargetRef{Kind: models.TargetPost, ID: 999})
	assert.True(t, errs.IsKind(err, errs.KindTargetVanished))
}

func TestPipelineProviderTimeoutStillConverges(t *testing.T) {
	gdb := testDB(t)
	// The provider blocks past the pipeline deadline; the classify call comes
	// back degraded on an already-expired context.
	classifier := &fakeClassifier{
		delay: 500 * time.Millisecond,
		result: ClassificationResult{
			Flagged:        true,
			CategoryScores: models.CategoryScores{"hate": 0.9},
			Severity:       0.9,
		},
	}
	pipeline := NewPipeline(gdb, classifier,
		PipelineConfig{Workers: 1, QueueSize: 4, Timeout: 30 * time.Millisecond}, nil)
	user := createUser(t, gdb, "poster")

	post, _ := submitPost(t, gdb, pipeline, user.ID, "slow provider", "ordinary text of some length")
	pipeline.Drain()

	// The safe default must land even though the classify context is spent:
	// classified=true with nothing flagged, never a record stuck pending.
	final := loadRecord(t, gdb, TargetRef{Kind: models.TargetPost, ID: post.ID})
	assert.True(t, final.Classified)
	assert.False(t, final.Flagged)
	require.NotNil(t, final.Severity)
	assert.Equal(t, 0.0, *final.Severity)
}

func TestPipelineFlagByUserUnknownTarget(t *testing.T) {
	gdb := testDB(t)
	pipeline := newTestPipeline(t, gdb, &fakeClassifier{})
	reporter := createUser(t, gdb, "reporter")

	err := pipeline.FlagByUser(context.Background(), reporter.ID,
		TargetRef{Kind: models.TargetPost, ID: 4242}, "spam")
	assert.True(t, errs.IsKind(err, errs.KindTargetVanished))

	// Hidden targets are unknown to reporters too.
	author := createUser(t, gdb, "author")
	hidden := createPost(t, gdb, author.ID, "hidden", time.Time{})
	require.NoError(t, gdb.Model(&models.Post{}).Where("id = ?", hidden.ID).
		Update("hidden", true).Error)

	err = pipeline.FlagByUser(context.Background(), reporter.ID,
		TargetRef{Kind: models.TargetPost, ID: hidden.ID}, "spam")
	assert.True(t, errs.IsKind(err, errs.KindTargetVanished))

	// Neither attempt may leave an orphan report behind.
	var reports int64
	require.NoError(t, gdb.Model(&models.Report{}).Count(&reports).Error)
	assert.Equal(t, int64(0), reports)
}

func TestReclassifyQueueFullDistinctFromInFlight(t *testing.T) {
	gdb := testDB(t)
	user := createUser(t, gdb, "poster")
	first := createPost(t, gdb, user.ID, "first", time.Time{})
	second := createPost(t, gdb, user.ID, "second", time.Time{})
	for _, id := range []uint{first.ID, second.ID} {
		record := models.ModerationRecord{TargetType: models.TargetPost, TargetID: id}
		require.NoError(t, gdb.Create(&record).Error)
	}

	// No workers draining and a single queue slot: the first target occupies
	// it, a second distinct target is dropped for capacity, and only the
	// repeat of the first is actually in flight.
	pipeline := &Pipeline{
		db:         gdb,
		classifier: &fakeClassifier{},
		logger:     slog.Default(),
		timeout:    time.Second,
		queue:      make(chan classifyJob, 1),
		pending:    make(map[string]bool),
	}

	require.NoError(t, pipeline.Reclassify(context.Background(),
		TargetRef{Kind: models.TargetPost, ID: first.ID}, false))

	err := pipeline.Reclassify(context.Background(),
		TargetRef{Kind: models.TargetPost, ID: second.ID}, false)
	assert.True(t, errs.IsKind(err, errs.KindClassificationUnavailable),
		"a dropped job must not masquerade as an in-flight run")

	err = pipeline.Reclassify(context.Background(),
		TargetRef{Kind: models.TargetPost, ID: first.ID}, false)
	assert.True(t, errs.IsKind(err, errs.KindInvalidState))
}

func TestScreenRunsBeforeCommit(t *testing.T) {
	gdb := testDB(t)
	pipeline := newTestPipeline(t, gdb, &fakeClassifier{})
	user := createUser(t, gdb, "poster")

	// A failing transaction must leave neither post nor record behind.
	post := models.Post{UserID: user.ID, Title: "rollback", Body: "cutting myself"}
	err := gdb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&post).Error; err != nil {
			return err
		}
		record, err := pipeline.Screen(tx, TargetRef{Kind: models.TargetPost, ID: post.ID}, post.Body)
		require.NoError(t, err)
		require.True(t, record.CrisisDetected)
		return assert.AnError
	})
	require.Error(t, err)

	var posts, records int64
	require.NoError(t, gdb.Model(&models.Post{}).Count(&posts).Error)
	require.NoError(t, gdb.Model(&models.ModerationRecord{}).Count(&records).Error)
	assert.Equal(t, int64(0), posts)
	assert.Equal(t, int64(0), records)
}
