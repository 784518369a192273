package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"treehole/internal/errs"
	"treehole/internal/models"
	"treehole/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ModerationHandler exposes the review queue and moderator actions. All
// routes sit behind StaffRequired.
type ModerationHandler struct {
	db       *gorm.DB
	queue    *services.Queue
	pipeline *services.Pipeline
}

func NewModerationHandler(db *gorm.DB, queue *services.Queue, pipeline *services.Pipeline) *ModerationHandler {
	return &ModerationHandler{db: db, queue: queue, pipeline: pipeline}
}

// ListFlagged returns the review queue. posts_page and comments_page paginate
// independently.
func (h *ModerationHandler) ListFlagged(c *gin.Context) {
	page := services.FlaggedPage{
		PostsPage:    queryInt(c, "posts_page", 1),
		CommentsPage: queryInt(c, "comments_page", 1),
	}
	result, err := h.queue.ListFlagged(c.Request.Context(), page)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "could not load queue")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Unflag marks the item human-reviewed and removes it from the queue.
func (h *ModerationHandler) Unflag(c *gin.Context) {
	target, ok := targetFromParams(c)
	if !ok {
		jsonError(c, http.StatusBadRequest, "invalid target")
		return
	}
	if err := h.pipeline.Unflag(c.Request.Context(), target); err != nil {
		if errs.IsKind(err, errs.KindTargetVanished) {
			jsonError(c, http.StatusNotFound, "target not found")
			return
		}
		jsonError(c, http.StatusInternalServerError, "unflag failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unflagged": true})
}

// Hide removes the target from public view and auto-unflags it.
func (h *ModerationHandler) Hide(c *gin.Context) {
	h.setHidden(c, true)
}

// Unhide restores a hidden target to public view.
func (h *ModerationHandler) Unhide(c *gin.Context) {
	h.setHidden(c, false)
}

func (h *ModerationHandler) setHidden(c *gin.Context, hidden bool) {
	target, ok := targetFromParams(c)
	if !ok {
		jsonError(c, http.StatusBadRequest, "invalid target")
		return
	}

	err := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var res *gorm.DB
		switch target.Kind {
		case models.TargetPost:
			res = tx.Model(&models.Post{}).Where("id = ?", target.ID).Update("hidden", hidden)
		case models.TargetComment:
			res = tx.Model(&models.Comment{}).Where("id = ?", target.ID).Update("deleted", hidden)
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if hidden {
			// Hiding resolves the queue entry.
			return tx.Model(&models.ModerationRecord{}).
				Where("target_type = ? AND target_id = ?", target.Kind, target.ID).
				Updates(map[string]interface{}{"flagged": false, "human_reviewed": true}).Error
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		jsonError(c, http.StatusNotFound, "target not found")
		return
	}
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "update failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"hidden": hidden})
}

// Delete permanently removes the target along with its votes, reports and
// moderation record. Comments under a deleted post go with it.
func (h *ModerationHandler) Delete(c *gin.Context) {
	target, ok := targetFromParams(c)
	if !ok {
		jsonError(c, http.StatusBadRequest, "invalid target")
		return
	}

	err := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		switch target.Kind {
		case models.TargetPost:
			var commentIDs []uint
			if err := tx.Model(&models.Comment{}).
				Where("post_id = ?", target.ID).
				Pluck("id", &commentIDs).Error; err != nil {
				return err
			}
			for _, cid := range commentIDs {
				if err := h.pipeline.DeleteRecord(tx, services.TargetRef{Kind: models.TargetComment, ID: cid}); err != nil {
					return err
				}
			}
			if err := tx.Where("post_id = ?", target.ID).Delete(&models.Comment{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&models.Post{}, target.ID).Error; err != nil {
				return err
			}
		case models.TargetComment:
			if err := tx.Delete(&models.Comment{}, target.ID).Error; err != nil {
				return err
			}
		}
		return h.pipeline.DeleteRecord(tx, target)
	})
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "delete failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// Reclassify re-runs classification for one target. force=1 allows the new
// result to lower severity or un-flag; the crisis flag still never
// downgrades.
func (h *ModerationHandler) Reclassify(c *gin.Context) {
	target, ok := targetFromParams(c)
	if !ok {
		jsonError(c, http.StatusBadRequest, "invalid target")
		return
	}
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))

	if err := h.pipeline.Reclassify(c.Request.Context(), target, force); err != nil {
		switch errs.KindOf(err) {
		case errs.KindTargetVanished:
			jsonError(c, http.StatusNotFound, "target not found")
		case errs.KindInvalidState:
			jsonError(c, http.StatusConflict, "classification already in flight")
		case errs.KindClassificationUnavailable:
			jsonError(c, http.StatusServiceUnavailable, "classification queue full, retry later")
		default:
			jsonError(c, http.StatusInternalServerError, "reclassify failed")
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scheduled": true})
}
