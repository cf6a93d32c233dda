// Package detector assembles a loaded artifact into a ready-to-serve model
// and holds the live model behind an atomic pointer so it can be replaced
// without pausing requests.
package detector

import (
	"errors"
	"fmt"
	"io"

	"github.com/jmerrifield20/ddosguard/internal/artifact"
	"github.com/jmerrifield20/ddosguard/internal/preprocess"
	"github.com/jmerrifield20/ddosguard/internal/risk"
	"github.com/jmerrifield20/ddosguard/internal/schema"
	"github.com/jmerrifield20/ddosguard/internal/scorer"
)

// Result is the serving contract for one classified request.
type Result struct {
	IsDDoS     bool      `json:"is_ddos"`
	Confidence float64   `json:"confidence"`
	RiskLevel  risk.Tier `json:"risk_level"`
}

// Model is an immutable trained detector.
type Model struct {
	artifact  *artifact.Artifact
	schema    *schema.Schema
	pipeline  *preprocess.Pipeline
	scorer    scorer.Scorer
	threshold float64
	banding   risk.Banding
}

// FromArtifact rebuilds the pipeline and scorer stored in a.
func FromArtifact(a *artifact.Artifact) (*Model, error) {
	if a == nil || a.Schema == nil || a.Preprocess == nil || a.Scorer == nil || a.Threshold == nil {
		return nil, &artifact.CorruptArtifactError{Reason: "incomplete artifact"}
	}
	p, err := preprocess.FromState(a.Schema, *a.Preprocess)
	if err != nil {
		return nil, &artifact.CorruptArtifactError{Reason: "preprocessing state", Err: err}
	}
	s, err := scorer.Decode(a.Scorer)
	if err != nil {
		return nil, &artifact.CorruptArtifactError{Reason: "scorer state", Err: err}
	}
	if s.Width() != p.Width() {
		return nil, &artifact.CorruptArtifactError{
			Reason: fmt.Sprintf("scorer %d, pipeline %d", s.Width(), p.Width()),
			Err:    scorer.ErrWidthMismatch,
		}
	}
	b, err := risk.BandingByName(a.Banding)
	if err != nil {
		b = scorer.DefaultBanding(s.Kind())
	}
	return &Model{
		artifact:  a,
		schema:    a.Schema,
		pipeline:  p,
		scorer:    s,
		threshold: *a.Threshold,
		banding:   b,
	}, nil
}

// Load reads the artifact at path and builds a Model from it.
func Load(path string) (*Model, error) {
	a, err := artifact.Load(path)
	if err != nil {
		return nil, err
	}
	m, err := FromArtifact(a)
	if err != nil {
		var ce *artifact.CorruptArtifactError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}
	return m, nil
}

// Predict classifies one raw record.
func (m *Model) Predict(rec schema.Record) (Result, error) {
	res, _, err := m.PredictWithReport(rec)
	return res, err
}

// PredictWithReport is Predict plus the lossy defaults applied to rec.
func (m *Model) PredictWithReport(rec schema.Record) (Result, preprocess.Report, error) {
	p, rep, err := m.score(rec)
	if err != nil {
		return Result{}, rep, err
	}
	v := risk.Classify(p, m.threshold, m.banding)
	return Result{IsDDoS: v.IsDDoS, Confidence: p, RiskLevel: v.Tier}, rep, nil
}

// Score returns the attack probability for rec.
func (m *Model) Score(rec schema.Record) (float64, error) {
	p, _, err := m.score(rec)
	return p, err
}

func (m *Model) score(rec schema.Record) (float64, preprocess.Report, error) {
	c, err := m.schema.ValidateAndDerive(rec)
	if err != nil {
		return 0, preprocess.Report{}, err
	}
	x, rep, err := m.pipeline.TransformWithReport(c)
	if err != nil {
		return 0, rep, err
	}
	p, err := m.scorer.Score(x)
	if err != nil {
		return 0, rep, err
	}
	return p, rep, nil
}

// Threshold is the calibrated decision threshold.
func (m *Model) Threshold() float64 { return m.threshold }

// Banding is the tier banding applied to scores.
func (m *Model) Banding() risk.Banding { return m.banding }

// Schema is the feature contract requests must satisfy.
func (m *Model) Schema() *schema.Schema { return m.schema }

// Columns names the feature vector columns.
func (m *Model) Columns() []string { return m.pipeline.Columns() }

// Artifact returns the artifact the model was built from.
func (m *Model) Artifact() *artifact.Artifact { return m.artifact }

// Info summarises the model for the API.
func (m *Model) Info() artifact.Info { return m.artifact.Info() }

// Close releases scorer resources, if any.
func (m *Model) Close() error {
	if c, ok := m.scorer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
