package handler

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/ddosguard/internal/artifact"
	"github.com/jmerrifield20/ddosguard/internal/detector"
	"github.com/jmerrifield20/ddosguard/internal/preprocess"
	"github.com/jmerrifield20/ddosguard/internal/schema"
	"github.com/jmerrifield20/ddosguard/internal/scorer"
)

var (
	ddosRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddosguard_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ddosRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ddosguard_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ddosRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ddosguard_rate_limited_total",
		Help: "API requests rejected by the per-client rate limiter.",
	})

	ddosPredictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddosguard_predictions_total",
		Help: "Total predictions by scorer kind, verdict, and risk level.",
	}, []string{"kind", "verdict", "risk_level"})

	ddosPredictionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ddosguard_prediction_duration_seconds",
		Help:    "Time spent validating, transforming and scoring one record.",
		Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
	}, []string{"kind"})

	ddosLossyDefaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddosguard_lossy_defaults_total",
		Help: "Feature values replaced during preprocessing, by field and reason.",
	}, []string{"field", "reason"})

	ddosPredictionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddosguard_prediction_failures_total",
		Help: "Failed predictions by reason.",
	}, []string{"reason"})

	ddosGuardDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddosguard_guard_decisions_total",
		Help: "Guarded requests by outcome.",
	}, []string{"outcome"})

	ddosModelInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ddosguard_model_info",
		Help: "The serving model; value is its decision threshold.",
	}, []string{"model_id", "kind", "banding"})

	ddosHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddosguard_health_checks_total",
		Help: "Total dependency probes by probe and result.",
	}, []string{"probe", "result"})

	ddosAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ddosguard_alerts_total",
		Help: "Total alert deliveries by status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		ddosRequestsTotal.WithLabelValues(method, path, status).Inc()
		ddosRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// PredictionMetrics is a detector.Observer that exports prediction metrics.
type PredictionMetrics struct{}

var _ detector.Observer = PredictionMetrics{}

// ObservePrediction implements detector.Observer.
func (PredictionMetrics) ObservePrediction(kind scorer.Kind, res detector.Result, rep preprocess.Report, elapsed time.Duration) {
	verdict := "benign"
	if res.IsDDoS {
		verdict = "ddos"
	}
	ddosPredictionsTotal.WithLabelValues(string(kind), verdict, res.RiskLevel.String()).Inc()
	ddosPredictionDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	for _, f := range rep.Defaulted {
		ddosLossyDefaultsTotal.WithLabelValues(f, "unparseable").Inc()
	}
	for _, f := range rep.Unseen {
		ddosLossyDefaultsTotal.WithLabelValues(f, "unseen_category").Inc()
	}
	for _, f := range rep.Null {
		ddosLossyDefaultsTotal.WithLabelValues(f, "null").Inc()
	}
}

// ObserveFailure implements detector.Observer.
func (PredictionMetrics) ObserveFailure(err error) {
	ddosPredictionFailuresTotal.WithLabelValues(failureReason(err)).Inc()
}

func failureReason(err error) string {
	var se *schema.SchemaError
	switch {
	case errors.As(err, &se):
		return "schema"
	case errors.Is(err, preprocess.ErrNotFitted):
		return "not_fitted"
	default:
		return "internal"
	}
}

// RecordGuardOutcome records one guard decision.
func RecordGuardOutcome(outcome string) {
	ddosGuardDecisionsTotal.WithLabelValues(outcome).Inc()
}

// SetModelInfo replaces the model info series with the given model.
func SetModelInfo(info artifact.Info) {
	ddosModelInfo.Reset()
	ddosModelInfo.WithLabelValues(info.ID.String(), string(info.Kind), info.Banding).Set(info.Threshold)
}

// RecordHealthCheck records a dependency probe result.
func RecordHealthCheck(probe string, success bool) {
	if success {
		ddosHealthChecksTotal.WithLabelValues(probe, "success").Inc()
	} else {
		ddosHealthChecksTotal.WithLabelValues(probe, "failure").Inc()
	}
}

// RecordAlertDelivery records an alert delivery attempt.
func RecordAlertDelivery(success bool) {
	if success {
		ddosAlertsTotal.WithLabelValues("success").Inc()
	} else {
		ddosAlertsTotal.WithLabelValues("failure").Inc()
	}
}
