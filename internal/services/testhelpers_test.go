package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"treehole/internal/db"
	"treehole/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Immediate txlock serializes writers up front; without it concurrent
	// read-then-write transactions hit SQLITE_BUSY on lock upgrade.
	path := filepath.Join(t.TempDir(), "test.sqlite") + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

func createUser(t *testing.T, gdb *gorm.DB, username string) models.User {
	t.Helper()
	user := models.User{
		Username: username,
		Email:    username + "@campus.test",
		Password: "x",
	}
	require.NoError(t, gdb.Create(&user).Error)
	return user
}

func createPost(t *testing.T, gdb *gorm.DB, userID uint, title string, createdAt time.Time) models.Post {
	t.Helper()
	post := models.Post{
		UserID: userID,
		Title:  title,
		Body:   "body of " + title,
	}
	require.NoError(t, gdb.Create(&post).Error)
	if !createdAt.IsZero() {
		require.NoError(t, gdb.Model(&post).Update("created_at", createdAt).Error)
		post.CreatedAt = createdAt
	}
	return post
}

func createComment(t *testing.T, gdb *gorm.DB, postID, userID uint, body string) models.Comment {
	t.Helper()
	comment := models.Comment{PostID: postID, UserID: userID, Body: body}
	require.NoError(t, gdb.Create(&comment).Error)
	return comment
}

// fakeClassifier returns scripted results and counts calls; safe for
// concurrent workers.
type fakeClassifier struct {
	mu     sync.Mutex
	result ClassificationResult
	calls  int
	delay  time.Duration
}

func (f *fakeClassifier) Classify(ctx context.Context, text string) ClassificationResult {
	f.mu.Lock()
	f.calls++
	result := f.result
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return SafeClassification(ctx.Err())
		}
	}
	return result
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
