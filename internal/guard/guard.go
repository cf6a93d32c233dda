// Package guard is the gin middleware that scores every incoming request
// and rejects the ones the live model is confident are part of an attack.
package guard

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ddosguard/internal/detections"
	"github.com/jmerrifield20/ddosguard/internal/detector"
	"github.com/jmerrifield20/ddosguard/internal/reqstats"
	"github.com/jmerrifield20/ddosguard/internal/schema"
)

// ContextKey holds the request's detector.Result in the gin context.
const ContextKey = "ddos_result"

// Outcomes reported to the outcome recorder.
const (
	OutcomeAllowed    = "allowed"
	OutcomeBlocked    = "blocked"
	OutcomeFailedOpen = "failed_open"
)

// Config holds guard configuration.
type Config struct {
	BlockThreshold float64       `mapstructure:"block_threshold"` // default 0.7
	GeoHeader      string        `mapstructure:"geo_header"`      // default CF-IPCountry
	ExemptPaths    []string      `mapstructure:"exempt_paths"`    // path prefixes
	Timeout        time.Duration `mapstructure:"timeout"`         // per prediction, default 200ms
}

// Predictor scores a feature record.
type Predictor interface {
	Predict(ctx context.Context, rec schema.Record) (detector.Result, error)
}

// Alerter receives every recorded detection.
type Alerter interface {
	Notify(d *detections.Detection) bool
}

// Guard holds the middleware's collaborators.
type Guard struct {
	predictor Predictor
	tracker   reqstats.Tracker
	store     detections.Store
	alerter   Alerter
	cfg       Config
	logger    *zap.Logger

	modelID   func() string
	onOutcome func(outcome string)
}

// Option configures a Guard.
type Option func(*Guard)

// WithAlerter sends detections to a.
func WithAlerter(a Alerter) Option {
	return func(g *Guard) { g.alerter = a }
}

// WithModelID stamps detections with the id of the serving model.
func WithModelID(fn func() string) Option {
	return func(g *Guard) { g.modelID = fn }
}

// WithOutcomeRecorder registers a callback invoked once per guarded request.
func WithOutcomeRecorder(fn func(outcome string)) Option {
	return func(g *Guard) { g.onOutcome = fn }
}

// New creates a Guard.
func New(p Predictor, tracker reqstats.Tracker, store detections.Store, cfg Config, logger *zap.Logger, opts ...Option) *Guard {
	if cfg.BlockThreshold <= 0 || cfg.BlockThreshold > 1 {
		cfg.BlockThreshold = 0.7
	}
	if cfg.GeoHeader == "" {
		cfg.GeoHeader = DefaultGeoHeader
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	g := &Guard{
		predictor: p,
		tracker:   tracker,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		modelID:   func() string { return "" },
		onOutcome: func(string) {},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Guard) exempt(path string) bool {
	for _, p := range g.cfg.ExemptPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Blocks reports whether a result is rejected.
func (g *Guard) Blocks(res detector.Result) bool {
	return res.IsDDoS && res.Confidence >= g.cfg.BlockThreshold
}

// Middleware returns the gin middleware. Model or store failures never
// reject a request.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.exempt(c.Request.URL.Path) {
			c.Next()
			return
		}

		start := time.Now()
		ip := c.ClientIP()
		ctx := c.Request.Context()

		st, err := g.tracker.Observe(ctx, ip, c.Request.UserAgent(), start)
		if err != nil {
			g.logger.Warn("guard: request stats", zap.String("ip", ip), zap.Error(err))
			st = reqstats.Stats{ReqRate1Min: 1, PrevDuration: reqstats.DefaultDuration}
		}
		defer func() {
			if err := g.tracker.Complete(context.WithoutCancel(ctx), ip, time.Since(start)); err != nil {
				g.logger.Debug("guard: record duration", zap.String("ip", ip), zap.Error(err))
			}
		}()

		rec := ExtractFeatures(c.Request, ip, st, g.cfg.GeoHeader, start)

		pctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		res, err := g.predictor.Predict(pctx, rec)
		cancel()
		if err != nil {
			g.logger.Warn("guard: prediction failed, allowing request",
				zap.String("ip", ip),
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			g.onOutcome(OutcomeFailedOpen)
			c.Next()
			return
		}

		blocked := g.Blocks(res)
		d := &detections.Detection{
			Timestamp:  start.UTC(),
			IP:         ip,
			Features:   rec,
			IsDDoS:     res.IsDDoS,
			Confidence: res.Confidence,
			RiskLevel:  res.RiskLevel,
			Blocked:    blocked,
			ModelID:    g.modelID(),
		}
		if err := g.store.Record(ctx, d); err != nil {
			g.logger.Error("guard: record detection", zap.String("ip", ip), zap.Error(err))
		}
		if g.alerter != nil {
			g.alerter.Notify(d)
		}

		if blocked {
			g.logger.Info("guard: request blocked",
				zap.String("ip", ip),
				zap.String("path", c.Request.URL.Path),
				zap.Float64("confidence", res.Confidence),
				zap.String("risk_level", res.RiskLevel.String()),
			)
			g.onOutcome(OutcomeBlocked)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "request blocked",
				"message":    "potential DDoS activity detected",
				"confidence": res.Confidence,
				"risk_level": res.RiskLevel,
			})
			return
		}

		g.onOutcome(OutcomeAllowed)
		c.Set(ContextKey, res)
		c.Next()
	}
}

// ResultFromCtx returns the guard's verdict for the current request, if any.
func ResultFromCtx(c *gin.Context) (detector.Result, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return detector.Result{}, false
	}
	res, ok := v.(detector.Result)
	return res, ok
}
