package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/ddosguard/internal/health"
)

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	checker *health.HealthChecker
	model   func() bool
}

// NewHealthHandler creates a HealthHandler. model reports whether a model
// is loaded; checker may be nil.
func NewHealthHandler(checker *health.HealthChecker, model func() bool) *HealthHandler {
	return &HealthHandler{checker: checker, model: model}
}

// Register mounts /healthz and /readyz on the router root.
func (h *HealthHandler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Live)
	r.GET("/readyz", h.Ready)
}

// Live handles GET /healthz.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /readyz. The process is ready once a model is loaded
// and no critical dependency is degraded.
func (h *HealthHandler) Ready(c *gin.Context) {
	body := gin.H{"model_loaded": h.model()}
	ready := h.model()
	if h.checker != nil {
		body["dependencies"] = h.checker.Statuses()
		ready = ready && h.checker.Ready()
	}
	if !ready {
		body["status"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ready"
	c.JSON(http.StatusOK, body)
}
