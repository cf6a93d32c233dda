// Package trainer fits the preprocessing pipeline and a scorer on labelled
// records, calibrates the decision threshold on held-out data and packages
// the result as an artifact.
package trainer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/ddosguard/internal/artifact"
	"github.com/jmerrifield20/ddosguard/internal/calibrate"
	"github.com/jmerrifield20/ddosguard/internal/dataset"
	"github.com/jmerrifield20/ddosguard/internal/detector"
	"github.com/jmerrifield20/ddosguard/internal/preprocess"
	"github.com/jmerrifield20/ddosguard/internal/risk"
	"github.com/jmerrifield20/ddosguard/internal/schema"
	"github.com/jmerrifield20/ddosguard/internal/scorer"
)

// Config controls a training run.
type Config struct {
	Kind               scorer.Kind      `mapstructure:"kind"`
	Banding            string           `mapstructure:"banding"`
	ValidationFraction float64          `mapstructure:"validation_fraction"`
	TestFraction       float64          `mapstructure:"test_fraction"`
	Seed               int64            `mapstructure:"seed"`
	MaxCategories      int              `mapstructure:"max_categories"`
	GBT                scorer.GBTConfig `mapstructure:"gbt"`
	MLP                scorer.MLPConfig `mapstructure:"mlp"`
}

// DefaultConfig returns the training defaults.
func DefaultConfig() Config {
	return Config{
		Kind:               scorer.KindGBT,
		ValidationFraction: 0.2,
		TestFraction:       0.2,
		Seed:               42,
		MaxCategories:      preprocess.DefaultMaxCategories,
		GBT:                scorer.DefaultGBTConfig(),
		MLP:                scorer.DefaultMLPConfig(),
	}
}

func (c Config) trainer() (scorer.Trainer, error) {
	switch c.Kind {
	case scorer.KindGBT, "":
		return c.GBT, nil
	case scorer.KindMLP:
		if c.MLP.Seed == 0 {
			c.MLP.Seed = c.Seed
		}
		return c.MLP, nil
	default:
		return nil, fmt.Errorf("trainer: kind %q cannot be trained here", c.Kind)
	}
}

// Result is the outcome of a training run.
type Result struct {
	Artifact   *artifact.Artifact
	Columns    []string
	Validation calibrate.Report
	Test       calibrate.Report
	TrainRows  int
	Defaulted  map[string]int // lossy defaults seen while fitting, by field
}

// RowError reports the dataset row that failed schema validation.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Row, e.Err) }

func (e *RowError) Unwrap() error { return e.Err }

// Train runs the full fit: split, fit preprocessing on the training split
// only, fit the scorer, calibrate on validation, evaluate on test.
func Train(ctx context.Context, ds *dataset.Dataset, s *schema.Schema, cfg Config, logger *zap.Logger) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	tr, err := cfg.trainer()
	if err != nil {
		return nil, err
	}
	if cfg.Kind == "" {
		cfg.Kind = scorer.KindGBT
	}
	if cfg.Banding != "" {
		if _, err := risk.BandingByName(cfg.Banding); err != nil {
			return nil, err
		}
	}

	canon, err := canonicalise(s, ds)
	if err != nil {
		return nil, err
	}

	groups, err := dataset.StratifiedSplit(ds.Labels, []float64{cfg.TestFraction, cfg.ValidationFraction}, cfg.Seed)
	if err != nil {
		return nil, err
	}
	testIdx, valIdx, trainIdx := groups[0], groups[1], groups[2]
	logger.Info("dataset split",
		zap.Int("train", len(trainIdx)),
		zap.Int("validation", len(valIdx)),
		zap.Int("test", len(testIdx)),
	)

	pipe := preprocess.New(s, preprocess.WithMaxCategories(cfg.MaxCategories))
	if err := pipe.Fit(pick(canon, trainIdx)); err != nil {
		return nil, fmt.Errorf("trainer: fit preprocessing: %w", err)
	}

	defaulted := map[string]int{}
	Xtrain, err := transform(pipe, pick(canon, trainIdx), defaulted)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	sc, err := tr.Fit(Xtrain, labelsAt(ds.Labels, trainIdx))
	if err != nil {
		return nil, fmt.Errorf("trainer: fit %s: %w", cfg.Kind, err)
	}
	logger.Info("scorer fitted", zap.String("kind", string(cfg.Kind)), zap.Duration("took", time.Since(start)))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	valProbs, err := scoreAll(sc, pipe, pick(canon, valIdx))
	if err != nil {
		return nil, err
	}
	valLabels := labelsAt(ds.Labels, valIdx)
	threshold, err := calibrate.Threshold(valProbs, valLabels)
	if err != nil {
		return nil, fmt.Errorf("trainer: calibrate: %w", err)
	}
	valReport, err := calibrate.Evaluate(valProbs, valLabels, threshold)
	if err != nil {
		return nil, err
	}

	testProbs, err := scoreAll(sc, pipe, pick(canon, testIdx))
	if err != nil {
		return nil, err
	}
	testReport, err := calibrate.Evaluate(testProbs, labelsAt(ds.Labels, testIdx), threshold)
	if err != nil {
		return nil, fmt.Errorf("trainer: evaluate: %w", err)
	}

	env, err := scorer.Encode(sc)
	if err != nil {
		return nil, err
	}
	st, err := pipe.State()
	if err != nil {
		return nil, err
	}
	a := artifact.New(s, st, env, threshold)
	if cfg.Banding != "" {
		a.Banding = cfg.Banding
	}
	a.Validation = &valReport
	a.Test = &testReport

	logger.Info("training complete",
		zap.Float64("threshold", threshold),
		zap.Float64("test_f2", testReport.F2),
		zap.Float64("test_roc_auc", testReport.ROCAUC),
	)
	return &Result{
		Artifact:   a,
		Columns:    pipe.Columns(),
		Validation: valReport,
		Test:       testReport,
		TrainRows:  len(trainIdx),
		Defaulted:  defaulted,
	}, nil
}

// Evaluate scores ds with m and reports at the model's stored threshold.
func Evaluate(m *detector.Model, ds *dataset.Dataset) (calibrate.Report, error) {
	probs := make([]float64, ds.Len())
	for i, rec := range ds.Records {
		p, err := m.Score(rec)
		if err != nil {
			return calibrate.Report{}, &RowError{Row: i, Err: err}
		}
		probs[i] = p
	}
	return calibrate.Evaluate(probs, ds.Labels, m.Threshold())
}

// ImportONNX wraps an externally trained ONNX graph around the schema and
// fitted preprocessing of base, then calibrates a threshold for it on
// validation. The graph must accept vectors of the base pipeline's width.
func ImportONNX(base *artifact.Artifact, model []byte, opts scorer.ONNXOptions, validation *dataset.Dataset) (*artifact.Artifact, calibrate.Report, error) {
	if base == nil || base.Schema == nil || base.Preprocess == nil {
		return nil, calibrate.Report{}, fmt.Errorf("trainer: base artifact has no fitted preprocessing")
	}
	pipe, err := preprocess.FromState(base.Schema, *base.Preprocess)
	if err != nil {
		return nil, calibrate.Report{}, err
	}
	opts.Width = pipe.Width()
	sc, err := scorer.NewONNX(model, opts)
	if err != nil {
		return nil, calibrate.Report{}, err
	}
	defer sc.Close()

	canon, err := canonicalise(base.Schema, validation)
	if err != nil {
		return nil, calibrate.Report{}, err
	}
	probs, err := scoreAll(sc, pipe, canon)
	if err != nil {
		return nil, calibrate.Report{}, err
	}
	threshold, err := calibrate.Threshold(probs, validation.Labels)
	if err != nil {
		return nil, calibrate.Report{}, fmt.Errorf("trainer: calibrate: %w", err)
	}
	report, err := calibrate.Evaluate(probs, validation.Labels, threshold)
	if err != nil {
		return nil, calibrate.Report{}, err
	}

	env, err := scorer.Encode(sc)
	if err != nil {
		return nil, calibrate.Report{}, err
	}
	a := artifact.New(base.Schema, *base.Preprocess, env, threshold)
	a.Banding = risk.Neural.Name
	a.Validation = &report
	return a, report, nil
}

func canonicalise(s *schema.Schema, ds *dataset.Dataset) ([]*schema.Canonical, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, fmt.Errorf("trainer: empty dataset")
	}
	out := make([]*schema.Canonical, ds.Len())
	for i, rec := range ds.Records {
		c, err := s.ValidateAndDerive(rec)
		if err != nil {
			return nil, &RowError{Row: i, Err: err}
		}
		out[i] = c
	}
	return out, nil
}

func transform(p *preprocess.Pipeline, rows []*schema.Canonical, defaulted map[string]int) ([][]float64, error) {
	X := make([][]float64, len(rows))
	for i, c := range rows {
		x, rep, err := p.TransformWithReport(c)
		if err != nil {
			return nil, err
		}
		for _, f := range rep.Defaulted {
			defaulted[f]++
		}
		X[i] = x
	}
	return X, nil
}

func scoreAll(sc scorer.Scorer, p *preprocess.Pipeline, rows []*schema.Canonical) ([]float64, error) {
	probs := make([]float64, len(rows))
	for i, c := range rows {
		x, err := p.Transform(c)
		if err != nil {
			return nil, err
		}
		if probs[i], err = sc.Score(x); err != nil {
			return nil, err
		}
	}
	return probs, nil
}

func pick(rows []*schema.Canonical, idx []int) []*schema.Canonical {
	out := make([]*schema.Canonical, len(idx))
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out
}

func labelsAt(labels []int, idx []int) []int {
	out := make([]int, len(idx))
	for i, j := range idx {
		out[i] = labels[j]
	}
	return out
}
