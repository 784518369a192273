package handlers

import (
	"net/http"
	"path/filepath"
	"testing"

	"treehole/internal/db"
	"treehole/internal/models"
	"treehole/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type modEnv struct {
	db     *gorm.DB
	router *gin.Engine
	post   models.Post
}

func newModEnv(t *testing.T) *modEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	path := filepath.Join(t.TempDir(), "test.sqlite") + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	env := &modEnv{db: gdb}
	author := models.User{Username: "author", Email: "author@campus.test", Password: "x"}
	require.NoError(t, gdb.Create(&author).Error)
	env.post = models.Post{UserID: author.ID, Title: "a post", Body: "its body"}
	require.NoError(t, gdb.Create(&env.post).Error)

	queue := services.NewQueue(gdb)
	pipeline := services.NewPipeline(gdb, nopClassifier{}, services.PipelineConfig{Workers: 1}, nil)
	handler := NewModerationHandler(gdb, queue, pipeline)

	// Staff gating is covered at the middleware level; the handler mounts bare.
	r := gin.New()
	r.GET("/mod/flagged", handler.ListFlagged)
	r.POST("/mod/:type/:id/unflag", handler.Unflag)
	r.POST("/mod/:type/:id/hide", handler.Hide)
	r.POST("/mod/:type/:id/unhide", handler.Unhide)
	r.DELETE("/mod/:type/:id", handler.Delete)
	env.router = r
	return env
}

func (e *modEnv) flagPost(t *testing.T, postID uint) models.ModerationRecord {
	t.Helper()
	record := models.ModerationRecord{
		TargetType: models.TargetPost,
		TargetID:   postID,
		Classified: true,
		Flagged:    true,
	}
	require.NoError(t, e.db.Create(&record).Error)
	return record
}

func TestHideResolvesQueueEntry(t *testing.T) {
	env := newModEnv(t)
	record := env.flagPost(t, env.post.ID)

	code, body := doJSON(t, env.router, http.MethodPost, "/mod/post/1/hide", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["hidden"])

	var post models.Post
	require.NoError(t, env.db.First(&post, env.post.ID).Error)
	assert.True(t, post.Hidden)

	var stored models.ModerationRecord
	require.NoError(t, env.db.First(&stored, record.ID).Error)
	assert.False(t, stored.Flagged)
	assert.True(t, stored.HumanReviewed)
}

func TestUnhideRestoresVisibility(t *testing.T) {
	env := newModEnv(t)
	require.NoError(t, env.db.Model(&models.Post{}).Where("id = ?", env.post.ID).
		Update("hidden", true).Error)

	code, body := doJSON(t, env.router, http.MethodPost, "/mod/post/1/unhide", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["hidden"])

	var post models.Post
	require.NoError(t, env.db.First(&post, env.post.ID).Error)
	assert.False(t, post.Hidden)
}

func TestHideUnknownTarget(t *testing.T) {
	env := newModEnv(t)

	code, body := doJSON(t, env.router, http.MethodPost, "/mod/post/999/hide", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "target not found", body["error"])

	code, _ = doJSON(t, env.router, http.MethodPost, "/mod/comment/999/hide", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = doJSON(t, env.router, http.MethodPost, "/mod/story/1/hide", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUnflagEndpoint(t *testing.T) {
	env := newModEnv(t)
	record := env.flagPost(t, env.post.ID)

	code, body := doJSON(t, env.router, http.MethodPost, "/mod/post/1/unflag", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["unflagged"])

	var stored models.ModerationRecord
	require.NoError(t, env.db.First(&stored, record.ID).Error)
	assert.False(t, stored.Flagged)
	assert.True(t, stored.HumanReviewed)

	code, _ = doJSON(t, env.router, http.MethodPost, "/mod/post/999/unflag", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDeletePostCascades(t *testing.T) {
	env := newModEnv(t)
	env.flagPost(t, env.post.ID)
	comment := models.Comment{PostID: env.post.ID, UserID: env.post.UserID, Body: "a reply"}
	require.NoError(t, env.db.Create(&comment).Error)
	commentRecord := models.ModerationRecord{TargetType: models.TargetComment, TargetID: comment.ID}
	require.NoError(t, env.db.Create(&commentRecord).Error)

	code, body := doJSON(t, env.router, http.MethodDelete, "/mod/post/1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["deleted"])

	var posts, comments, records int64
	require.NoError(t, env.db.Model(&models.Post{}).Count(&posts).Error)
	require.NoError(t, env.db.Model(&models.Comment{}).Count(&comments).Error)
	require.NoError(t, env.db.Model(&models.ModerationRecord{}).Count(&records).Error)
	assert.Equal(t, int64(0), posts)
	assert.Equal(t, int64(0), comments)
	assert.Equal(t, int64(0), records)
}
