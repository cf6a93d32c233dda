package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ddosguard/internal/detector"
	"github.com/jmerrifield20/ddosguard/internal/preprocess"
	"github.com/jmerrifield20/ddosguard/internal/schema"
)

// MaxBatch is the largest accepted batch prediction request.
const MaxBatch = 1000

// predictor is the interface expected by PredictHandler, satisfied by
// *detector.Detector.
type predictor interface {
	Predict(ctx context.Context, rec schema.Record) (detector.Result, error)
	Model() *detector.Model
}

// PredictHandler serves the prediction and model endpoints.
type PredictHandler struct {
	det     predictor
	timeout time.Duration
	reload  func() error
	logger  *zap.Logger
}

// NewPredictHandler creates a PredictHandler. timeout bounds each request;
// zero means 2s.
func NewPredictHandler(det predictor, timeout time.Duration, logger *zap.Logger) *PredictHandler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PredictHandler{det: det, timeout: timeout, logger: logger}
}

// SetReload enables POST /model/reload.
func (h *PredictHandler) SetReload(fn func() error) {
	h.reload = fn
}

// Register mounts the routes. admin guards the reload route.
func (h *PredictHandler) Register(rg *gin.RouterGroup, admin gin.HandlerFunc) {
	rg.POST("/predict", h.Predict)
	rg.POST("/predict/batch", h.PredictBatch)
	rg.GET("/model", h.ModelInfo)
	rg.GET("/model/schema", h.ModelSchema)
	if h.reload != nil {
		rg.POST("/model/reload", admin, h.Reload)
	}
}

// Predict handles POST /predict.
func (h *PredictHandler) Predict(c *gin.Context) {
	var rec schema.Record
	if !h.bindJSON(c, &rec) {
		return
	}
	if rec == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be a JSON object"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	res, err := h.det.Predict(ctx, rec)
	if err != nil {
		h.writePredictError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type batchRequest struct {
	Records []schema.Record `json:"records"`
}

type batchItem struct {
	*detector.Result
	Error   string   `json:"error,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

// PredictBatch handles POST /predict/batch. Records failing the schema are
// reported in place; the rest are scored.
func (h *PredictHandler) PredictBatch(c *gin.Context) {
	var req batchRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if len(req.Records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "records is required"})
		return
	}
	if len(req.Records) > MaxBatch {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many records", "max": MaxBatch})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	out := make([]batchItem, len(req.Records))
	for i, rec := range req.Records {
		res, err := h.det.Predict(ctx, rec)
		var se *schema.SchemaError
		switch {
		case err == nil:
			out[i].Result = &res
		case errors.As(err, &se):
			out[i].Error = se.Error()
			out[i].Missing = se.Missing
		default:
			h.writePredictError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

// ModelInfo handles GET /model.
func (h *PredictHandler) ModelInfo(c *gin.Context) {
	m := h.det.Model()
	if m == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model not loaded"})
		return
	}
	c.JSON(http.StatusOK, m.Info())
}

// ModelSchema handles GET /model/schema.
func (h *PredictHandler) ModelSchema(c *gin.Context) {
	m := h.det.Model()
	if m == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model not loaded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schema": m.Schema(), "columns": m.Columns()})
}

// Reload handles POST /model/reload.
func (h *PredictHandler) Reload(c *gin.Context) {
	if err := h.reload(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.det.Model().Info())
}

// bindJSON decodes the body keeping numbers as json.Number so integer
// features survive untouched.
func (h *PredictHandler) bindJSON(c *gin.Context, v any) bool {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (h *PredictHandler) writePredictError(c *gin.Context, err error) {
	var se *schema.SchemaError
	switch {
	case errors.As(err, &se):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   se.Error(),
			"kind":    se.Kind.String(),
			"missing": se.Missing,
		})
	case errors.Is(err, preprocess.ErrNotFitted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model not loaded"})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "prediction timed out"})
	default:
		h.logger.Error("predict", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
	}
}
