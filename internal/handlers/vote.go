package handlers

import (
	"errors"
	"net/http"

	"treehole/internal/errs"
	"treehole/internal/middleware"
	"treehole/internal/models"
	"treehole/internal/services"

	"github.com/gin-gonic/gin"
)

type VoteHandler struct {
	ledger   *services.Ledger
	pipeline *services.Pipeline
}

func NewVoteHandler(ledger *services.Ledger, pipeline *services.Pipeline) *VoteHandler {
	return &VoteHandler{ledger: ledger, pipeline: pipeline}
}

// Upvote applies the toggle with direction UP.
func (h *VoteHandler) Upvote(c *gin.Context) {
	h.vote(c, models.VoteUp)
}

// Downvote applies the toggle with direction DOWN.
func (h *VoteHandler) Downvote(c *gin.Context) {
	h.vote(c, models.VoteDown)
}

func (h *VoteHandler) vote(c *gin.Context, direction models.VoteDirection) {
	user := middleware.CurrentUser(c)
	if user == nil {
		jsonError(c, http.StatusUnauthorized, "login required")
		return
	}

	target, ok := targetFromParams(c)
	if !ok {
		jsonError(c, http.StatusBadRequest, "invalid vote target")
		return
	}

	outcome, err := h.ledger.ApplyVote(c.Request.Context(), user.ID, target, direction)
	if err != nil {
		if errors.Is(err, services.ErrUnknownTarget) {
			jsonError(c, http.StatusNotFound, "target not found")
			return
		}
		jsonError(c, http.StatusInternalServerError, "vote failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outcome":   outcome.Kind,
		"direction": outcome.Direction,
		"upvotes":   outcome.Counts.Upvotes,
		"downvotes": outcome.Counts.Downvotes,
		"net":       outcome.Counts.Net,
	})
}

// Report files a user flag against a post or comment.
func (h *VoteHandler) Report(c *gin.Context) {
	user := middleware.CurrentUser(c)
	if user == nil {
		jsonError(c, http.StatusUnauthorized, "login required")
		return
	}

	target, ok := targetFromParams(c)
	if !ok {
		jsonError(c, http.StatusBadRequest, "invalid report target")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	err := h.pipeline.FlagByUser(c.Request.Context(), user.ID, target, body.Reason)
	if err != nil {
		switch errs.KindOf(err) {
		case errs.KindConstraintViolation:
			c.JSON(http.StatusOK, gin.H{"reported": true, "duplicate": true})
		case errs.KindTargetVanished:
			jsonError(c, http.StatusNotFound, "target not found")
		default:
			jsonError(c, http.StatusInternalServerError, "report failed")
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"reported": true})
}
