package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ddosguard/internal/modellog"
)

// ModelLogHandler serves the model deployment history.
type ModelLogHandler struct {
	log    modellog.Log
	logger *zap.Logger
}

// NewModelLogHandler creates a ModelLogHandler.
func NewModelLogHandler(log modellog.Log, logger *zap.Logger) *ModelLogHandler {
	return &ModelLogHandler{log: log, logger: logger}
}

// Register mounts GET /model/history behind the admin middleware.
func (h *ModelLogHandler) Register(rg *gin.RouterGroup, admin gin.HandlerFunc) {
	rg.GET("/model/history", admin, h.History)
}

// History handles GET /model/history?limit. The response carries the chain
// root and whether the full chain verified.
func (h *ModelLogHandler) History(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	entries, err := h.log.Recent(ctx, limit)
	if err != nil {
		h.logger.Error("model history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read model history"})
		return
	}
	root, err := h.log.Root(ctx)
	if err != nil {
		h.logger.Error("model history root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read model history"})
		return
	}

	resp := gin.H{"entries": entries, "count": len(entries), "root": root, "verified": true}
	if err := h.log.Verify(ctx); err != nil {
		h.logger.Warn("model history failed verification", zap.Error(err))
		resp["verified"] = false
		resp["verify_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
