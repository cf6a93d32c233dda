package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ddosguard/internal/detections"
)

// DefaultStatsWindow is used when /detections/stats has no since parameter.
const DefaultStatsWindow = 24 * time.Hour

// DetectionsHandler serves the detection log to administrators.
type DetectionsHandler struct {
	store  detections.Store
	logger *zap.Logger
}

// NewDetectionsHandler creates a DetectionsHandler.
func NewDetectionsHandler(store detections.Store, logger *zap.Logger) *DetectionsHandler {
	return &DetectionsHandler{store: store, logger: logger}
}

// Register mounts the routes behind the admin middleware.
func (h *DetectionsHandler) Register(rg *gin.RouterGroup, admin gin.HandlerFunc) {
	g := rg.Group("/detections", admin)
	g.GET("", h.List)
	g.GET("/stats", h.Stats)
}

// List handles GET /detections?limit&offset&ddos_only&since&ip.
func (h *DetectionsHandler) List(c *gin.Context) {
	var f detections.Filter
	var err error

	if v := c.Query("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
	}
	if v := c.Query("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return
		}
	}
	if v := c.Query("ddos_only"); v != "" {
		if f.DDoSOnly, err = strconv.ParseBool(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ddos_only must be a boolean"})
			return
		}
	}
	if v := c.Query("since"); v != "" {
		if f.Since, err = parseSince(v, time.Now()); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	f.IP = c.Query("ip")

	list, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("list detections", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list detections"})
		return
	}
	if list == nil {
		list = []*detections.Detection{}
	}
	c.JSON(http.StatusOK, gin.H{"detections": list, "count": len(list)})
}

// Stats handles GET /detections/stats?since.
func (h *DetectionsHandler) Stats(c *gin.Context) {
	now := time.Now()
	since := now.Add(-DefaultStatsWindow)
	if v := c.Query("since"); v != "" {
		var err error
		if since, err = parseSince(v, now); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	st, err := h.store.Stats(c.Request.Context(), since)
	if err != nil {
		h.logger.Error("detection stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// parseSince accepts an RFC 3339 time or a duration such as "1h" meaning
// that long before now.
func parseSince(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return time.Time{}, errInvalidSince
	}
	return now.Add(-d), nil
}

var errInvalidSince = errors.New("since must be an RFC 3339 time or a duration such as 1h")
