package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"treehole/internal/middleware"
	"treehole/internal/models"
	"treehole/internal/services"
	"treehole/internal/utils"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type StoryHandler struct {
	db       *gorm.DB
	ledger   *services.Ledger
	trending *services.Trending
	pipeline *services.Pipeline
}

func NewStoryHandler(db *gorm.DB, ledger *services.Ledger, trending *services.Trending, pipeline *services.Pipeline) *StoryHandler {
	return &StoryHandler{db: db, ledger: ledger, trending: trending, pipeline: pipeline}
}

type createPostRequest struct {
	Title     string `json:"title" binding:"required,max=200"`
	Body      string `json:"body" binding:"required"`
	Anonymous *bool  `json:"anonymous"`
}

// Create handles post submission. The crisis scan and the moderation record
// commit in the same transaction as the post, so the record exists before the
// post is visible; classification is scheduled after commit, off the request
// path.
func (h *StoryHandler) Create(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		jsonError(c, http.StatusUnauthorized, "login required")
		return
	}

	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonError(c, http.StatusBadRequest, "title and body are required")
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		jsonError(c, http.StatusBadRequest, "body cannot be empty")
		return
	}

	post := models.Post{
		UserID:    user.ID,
		Title:     strings.TrimSpace(req.Title),
		Body:      req.Body,
		Anonymous: req.Anonymous == nil || *req.Anonymous,
	}

	var record *models.ModerationRecord
	err := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&post).Error; err != nil {
			return err
		}
		var err error
		record, err = h.pipeline.Screen(tx,
			services.TargetRef{Kind: models.TargetPost, ID: post.ID},
			post.Title+"\n\n"+post.Body)
		return err
	})
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "could not create post")
		return
	}

	h.pipeline.ScheduleClassify(
		services.TargetRef{Kind: models.TargetPost, ID: post.ID},
		post.Title+"\n\n"+post.Body)

	c.JSON(http.StatusCreated, gin.H{
		"post":                  post,
		"crisis_detected":       record.CrisisDetected,
		"moderation_pending":    !record.Classified,
		"show_crisis_resources": record.CrisisDetected,
	})
}

type createCommentRequest struct {
	Body      string `json:"body" binding:"required"`
	ParentID  *uint  `json:"parent_id"`
	Anonymous *bool  `json:"anonymous"`
}

// CreateComment handles comment submission with the same screen-then-persist
// ordering as posts.
func (h *StoryHandler) CreateComment(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		jsonError(c, http.StatusUnauthorized, "login required")
		return
	}

	postID, err := strconv.Atoi(c.Param("id"))
	if err != nil || postID <= 0 {
		jsonError(c, http.StatusBadRequest, "invalid post id")
		return
	}

	var req createCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		jsonError(c, http.StatusBadRequest, "comment body is required")
		return
	}
	if len(req.Body) > 5000 {
		jsonError(c, http.StatusBadRequest, "comment must be less than 5000 characters")
		return
	}

	var post models.Post
	if err := h.db.Where("hidden = ?", false).First(&post, postID).Error; err != nil {
		jsonError(c, http.StatusNotFound, "post not found")
		return
	}
	if req.ParentID != nil {
		var parent models.Comment
		if err := h.db.Where("post_id = ? AND deleted = ?", post.ID, false).
			First(&parent, *req.ParentID).Error; err != nil {
			jsonError(c, http.StatusBadRequest, "parent comment not found")
			return
		}
	}

	comment := models.Comment{
		PostID:    post.ID,
		UserID:    user.ID,
		ParentID:  req.ParentID,
		Body:      req.Body,
		Anonymous: req.Anonymous == nil || *req.Anonymous,
	}

	var record *models.ModerationRecord
	err = h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&comment).Error; err != nil {
			return err
		}
		var err error
		record, err = h.pipeline.Screen(tx,
			services.TargetRef{Kind: models.TargetComment, ID: comment.ID},
			comment.Body)
		return err
	})
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "could not create comment")
		return
	}

	h.pipeline.ScheduleClassify(
		services.TargetRef{Kind: models.TargetComment, ID: comment.ID},
		comment.Body)

	c.JSON(http.StatusCreated, gin.H{
		"comment":               comment,
		"crisis_detected":       record.CrisisDetected,
		"moderation_pending":    !record.Classified,
		"show_crisis_resources": record.CrisisDetected,
	})
}

// ListTrending returns visible posts ranked by decayed recent engagement.
func (h *StoryHandler) ListTrending(c *gin.Context) {
	page := queryInt(c, "page", 1)
	ranked, err := h.trending.Rank(c.Request.Context(), time.Now(), page, 30)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "could not rank posts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": page, "posts": ranked})
}

// ListNew returns visible posts newest first.
func (h *StoryHandler) ListNew(c *gin.Context) {
	page := queryInt(c, "page", 1)
	perPage := 30

	var posts []models.Post
	if err := h.db.WithContext(c.Request.Context()).
		Where("hidden = ?", false).
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&posts).Error; err != nil {
		jsonError(c, http.StatusInternalServerError, "could not list posts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": page, "posts": posts})
}

// Detail returns one post with rendered body, vote counts, comments and its
// moderation visibility state (crisis banner, pending classification).
func (h *StoryHandler) Detail(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		jsonError(c, http.StatusBadRequest, "invalid post id")
		return
	}

	var post models.Post
	if err := h.db.Where("hidden = ?", false).First(&post, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			jsonError(c, http.StatusNotFound, "post not found")
			return
		}
		jsonError(c, http.StatusInternalServerError, "could not load post")
		return
	}

	counts, err := h.ledger.Counts(c.Request.Context(),
		services.TargetRef{Kind: models.TargetPost, ID: post.ID})
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "could not load votes")
		return
	}
	post.Upvotes = counts.Upvotes
	post.Downvotes = counts.Downvotes

	var comments []models.Comment
	if err := h.db.Where("post_id = ? AND deleted = ?", post.ID, false).
		Order("created_at ASC").
		Find(&comments).Error; err != nil {
		jsonError(c, http.StatusInternalServerError, "could not load comments")
		return
	}
	post.CommentCount = len(comments)

	var record models.ModerationRecord
	showCrisis := false
	pending := false
	if err := h.db.Where("target_type = ? AND target_id = ?", models.TargetPost, post.ID).
		First(&record).Error; err == nil {
		showCrisis = record.CrisisDetected
		pending = !record.Classified
	}

	c.JSON(http.StatusOK, gin.H{
		"post":                  post,
		"body_html":             utils.RenderMarkdown(post.Body),
		"comments":              comments,
		"show_crisis_resources": showCrisis,
		"moderation_pending":    pending,
	})
}
