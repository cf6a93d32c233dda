package detector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ddosguard/internal/preprocess"
	"github.com/jmerrifield20/ddosguard/internal/schema"
	"github.com/jmerrifield20/ddosguard/internal/scorer"
)

// Observer receives the outcome of every prediction. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	ObservePrediction(kind scorer.Kind, res Result, rep preprocess.Report, elapsed time.Duration)
	ObserveFailure(err error)
}

type nopObserver struct{}

func (nopObserver) ObservePrediction(scorer.Kind, Result, preprocess.Report, time.Duration) {}
func (nopObserver) ObserveFailure(error)                                                     {}

// Option configures a Detector.
type Option func(*Detector)

// WithObserver registers a prediction observer.
func WithObserver(o Observer) Option {
	return func(d *Detector) {
		if o != nil {
			d.observer = o
		}
	}
}

// WithLogger sets the logger used for reloads and lossy inputs.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTracer overrides the tracer; the global provider is used by default.
func WithTracer(t trace.Tracer) Option {
	return func(d *Detector) {
		if t != nil {
			d.tracer = t
		}
	}
}

// Detector holds the live Model. Predictions always see one complete model;
// Swap and Reload replace it atomically.
type Detector struct {
	current  atomic.Pointer[Model]
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New returns a Detector serving m, which may be nil until a model is loaded.
func New(m *Model, opts ...Option) *Detector {
	d := &Detector{
		observer: nopObserver{},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/jmerrifield20/ddosguard/internal/detector"),
	}
	for _, o := range opts {
		o(d)
	}
	if m != nil {
		d.current.Store(m)
	}
	return d
}

// Model returns the live model, or nil.
func (d *Detector) Model() *Model { return d.current.Load() }

// Ready reports whether a model is loaded.
func (d *Detector) Ready() bool { return d.current.Load() != nil }

// Swap installs m and returns the model it replaced.
func (d *Detector) Swap(m *Model) *Model {
	if m == nil {
		return d.current.Load()
	}
	return d.current.Swap(m)
}

// Reload builds a model from the artifact at path and installs it. On any
// error the current model keeps serving.
func (d *Detector) Reload(path string) (*Model, error) {
	m, err := Load(path)
	if err != nil {
		d.logger.Error("model reload failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("detector: reload %s: %w", path, err)
	}
	old := d.Swap(m)
	info := m.Info()
	d.logger.Info("model loaded",
		zap.String("path", path),
		zap.String("model_id", info.ID.String()),
		zap.String("kind", string(info.Kind)),
		zap.Float64("threshold", info.Threshold),
		zap.String("banding", info.Banding),
	)
	return old, nil
}

// Predict classifies rec with the live model.
func (d *Detector) Predict(ctx context.Context, rec schema.Record) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "detector.Predict")
	defer span.End()

	m := d.current.Load()
	if m == nil {
		span.SetStatus(codes.Error, "no model")
		d.observer.ObserveFailure(preprocess.ErrNotFitted)
		return Result{}, preprocess.ErrNotFitted
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	res, rep, err := m.PredictWithReport(rec)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "predict")
		d.observer.ObserveFailure(err)
		var se *schema.SchemaError
		if !errors.As(err, &se) {
			d.logger.Error("prediction failed", zap.Error(err))
		}
		return Result{}, err
	}

	span.SetAttributes(
		attribute.String("model.kind", string(m.scorer.Kind())),
		attribute.Bool("ddos.is_ddos", res.IsDDoS),
		attribute.Float64("ddos.confidence", res.Confidence),
		attribute.String("ddos.risk_level", res.RiskLevel.String()),
	)
	if !rep.Empty() {
		d.logger.Debug("lossy feature defaults applied",
			zap.Strings("defaulted", rep.Defaulted),
			zap.Strings("unseen", rep.Unseen),
			zap.Strings("null", rep.Null),
		)
	}
	d.observer.ObservePrediction(m.scorer.Kind(), res, rep, elapsed)
	return res, nil
}
