package handlers

import (
	"strconv"

	"treehole/internal/models"
	"treehole/internal/services"

	"github.com/gin-gonic/gin"
)

func jsonError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, gin.H{"error": message})
}

// targetFromParams parses the :type/:id route segments shared by the vote,
// report and moderation endpoints.
func targetFromParams(c *gin.Context) (services.TargetRef, bool) {
	kind := models.TargetKind(c.Param("type"))
	if kind != models.TargetPost && kind != models.TargetComment {
		return services.TargetRef{}, false
	}
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return services.TargetRef{}, false
	}
	return services.TargetRef{Kind: kind, ID: uint(id)}, true
}

func queryInt(c *gin.Context, name string, fallback int) int {
	if raw := c.Query(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
