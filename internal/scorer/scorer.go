// Package scorer holds the interchangeable binary classifiers behind the
// detector. Every implementation maps a preprocessed feature vector to the
// probability that the request is an attack, deterministically and without
// mutating its fitted state.
package scorer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/jmerrifield20/ddosguard/internal/risk"
)

// Kind names a scorer family.
type Kind string

const (
	KindGBT  Kind = "gbt"
	KindMLP  Kind = "mlp"
	KindONNX Kind = "onnx"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindGBT, KindMLP, KindONNX:
		return k, nil
	default:
		return "", fmt.Errorf("scorer: unknown kind %q", s)
	}
}

// ErrWidthMismatch is returned when a vector does not match the fitted width.
var ErrWidthMismatch = errors.New("scorer: feature vector width mismatch")

// Scorer produces attack probabilities.
type Scorer interface {
	Kind() Kind
	Width() int
	Score(x []float64) (float64, error)
}

// Trainer fits a new Scorer on labelled vectors.
type Trainer interface {
	Fit(X [][]float64, y []int) (Scorer, error)
}

// Envelope is the persisted form of a fitted scorer.
type Envelope struct {
	Kind  Kind            `json:"kind"`
	Width int             `json:"width"`
	State json.RawMessage `json:"state"`
}

// Encode serialises a fitted scorer.
func Encode(s Scorer) (*Envelope, error) {
	var state any
	switch v := s.(type) {
	case *GBT:
		state = v.model
	case *MLP:
		state = v.model
	case *ONNX:
		state = v.state
	default:
		return nil, fmt.Errorf("scorer: cannot encode %T", s)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("scorer: encode %s: %w", s.Kind(), err)
	}
	return &Envelope{Kind: s.Kind(), Width: s.Width(), State: raw}, nil
}

// Decode rebuilds a scorer from its envelope.
func Decode(env *Envelope) (Scorer, error) {
	if env == nil || len(env.State) == 0 {
		return nil, fmt.Errorf("scorer: empty envelope")
	}
	var (
		s   Scorer
		err error
	)
	switch env.Kind {
	case KindGBT:
		s, err = decodeGBT(env.State)
	case KindMLP:
		s, err = decodeMLP(env.State)
	case KindONNX:
		s, err = decodeONNX(env.State)
	default:
		return nil, fmt.Errorf("scorer: unknown kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("scorer: decode %s: %w", env.Kind, err)
	}
	if s.Width() != env.Width {
		return nil, fmt.Errorf("%w: envelope says %d, state says %d", ErrWidthMismatch, env.Width, s.Width())
	}
	return s, nil
}

// DefaultBanding is the risk banding that accompanies a scorer family.
func DefaultBanding(k Kind) risk.Banding {
	switch k {
	case KindMLP, KindONNX:
		return risk.Neural
	default:
		return risk.Standard
	}
}

func checkWidth(x []float64, width int) error {
	if len(x) != width {
		return fmt.Errorf("%w: got %d, want %d", ErrWidthMismatch, len(x), width)
	}
	return nil
}

func checkTraining(X [][]float64, y []int) (int, error) {
	if len(X) == 0 {
		return 0, fmt.Errorf("scorer: no training rows")
	}
	if len(X) != len(y) {
		return 0, fmt.Errorf("scorer: %d rows, %d labels", len(X), len(y))
	}
	width := len(X[0])
	if width == 0 {
		return 0, fmt.Errorf("scorer: zero-width rows")
	}
	var pos int
	for i, row := range X {
		if len(row) != width {
			return 0, fmt.Errorf("%w: row %d", ErrWidthMismatch, i)
		}
		switch y[i] {
		case 0:
		case 1:
			pos++
		default:
			return 0, fmt.Errorf("scorer: label %d is %d", i, y[i])
		}
	}
	if pos == 0 || pos == len(y) {
		return 0, fmt.Errorf("scorer: training labels contain a single class")
	}
	return width, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func clamp01(p float64) float64 {
	switch {
	case math.IsNaN(p):
		return 0
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
