package scorer

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
)

// MLPConfig controls feed-forward network training.
type MLPConfig struct {
	Hidden       int     `mapstructure:"hidden" json:"hidden"`
	Epochs       int     `mapstructure:"epochs" json:"epochs"`
	BatchSize    int     `mapstructure:"batch_size" json:"batch_size"`
	LearningRate float64 `mapstructure:"learning_rate" json:"learning_rate"`
	L2           float64 `mapstructure:"l2" json:"l2"`
	Seed         int64   `mapstructure:"seed" json:"seed"`
}

// DefaultMLPConfig returns the training defaults.
func DefaultMLPConfig() MLPConfig {
	return MLPConfig{
		Hidden:       16,
		Epochs:       40,
		BatchSize:    32,
		LearningRate: 0.05,
		L2:           1e-4,
		Seed:         42,
	}
}

func (c MLPConfig) withDefaults() MLPConfig {
	d := DefaultMLPConfig()
	if c.Hidden <= 0 {
		c.Hidden = d.Hidden
	}
	if c.Epochs <= 0 {
		c.Epochs = d.Epochs
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.LearningRate <= 0 {
		c.LearningRate = d.LearningRate
	}
	if c.L2 < 0 {
		c.L2 = 0
	}
	return c
}

type mlpModel struct {
	Width  int         `json:"width"`
	Hidden int         `json:"hidden"`
	W1     [][]float64 `json:"w1"` // hidden x width
	B1     []float64   `json:"b1"`
	W2     []float64   `json:"w2"`
	B2     float64     `json:"b2"`
}

// MLP is a one-hidden-layer ReLU network with a sigmoid output unit.
type MLP struct {
	model mlpModel
}

// Kind implements Scorer.
func (m *MLP) Kind() Kind { return KindMLP }

// Width implements Scorer.
func (m *MLP) Width() int { return m.model.Width }

// Score implements Scorer.
func (m *MLP) Score(x []float64) (float64, error) {
	if err := checkWidth(x, m.model.Width); err != nil {
		return 0, err
	}
	h := make([]float64, m.model.Hidden)
	return sigmoid(m.model.forward(x, h)), nil
}

// forward fills h with hidden activations and returns the output logit.
func (m *mlpModel) forward(x, h []float64) float64 {
	z := m.B2
	for j := range h {
		a := m.B1[j]
		w := m.W1[j]
		for k, v := range x {
			a += w[k] * v
		}
		if a < 0 {
			a = 0
		}
		h[j] = a
		z += m.W2[j] * a
	}
	return z
}

func decodeMLP(raw json.RawMessage) (*MLP, error) {
	var m mlpModel
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m.Width <= 0 || m.Hidden <= 0 {
		return nil, fmt.Errorf("shape %dx%d", m.Hidden, m.Width)
	}
	if len(m.W1) != m.Hidden || len(m.B1) != m.Hidden || len(m.W2) != m.Hidden {
		return nil, fmt.Errorf("hidden layer size mismatch")
	}
	for j, row := range m.W1 {
		if len(row) != m.Width {
			return nil, fmt.Errorf("w1 row %d has %d weights, want %d", j, len(row), m.Width)
		}
	}
	return &MLP{model: m}, nil
}

// Fit implements Trainer. Training is reproducible for a fixed Seed.
func (c MLPConfig) Fit(X [][]float64, y []int) (Scorer, error) {
	width, err := checkTraining(X, y)
	if err != nil {
		return nil, err
	}
	cfg := c.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))

	m := mlpModel{
		Width:  width,
		Hidden: cfg.Hidden,
		W1:     make([][]float64, cfg.Hidden),
		B1:     make([]float64, cfg.Hidden),
		W2:     make([]float64, cfg.Hidden),
	}
	he := math.Sqrt(2 / float64(width))
	for j := range m.W1 {
		m.W1[j] = make([]float64, width)
		for k := range m.W1[j] {
			m.W1[j][k] = rng.NormFloat64() * he
		}
		m.W2[j] = rng.NormFloat64() * math.Sqrt(1/float64(cfg.Hidden))
	}

	gW1 := make([][]float64, cfg.Hidden)
	for j := range gW1 {
		gW1[j] = make([]float64, width)
	}
	gB1 := make([]float64, cfg.Hidden)
	gW2 := make([]float64, cfg.Hidden)
	h := make([]float64, cfg.Hidden)

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		order := rng.Perm(len(X))
		for start := 0; start < len(order); start += cfg.BatchSize {
			end := start + cfg.BatchSize
			if end > len(order) {
				end = len(order)
			}

			for j := range gW1 {
				clear(gW1[j])
			}
			clear(gB1)
			clear(gW2)
			var gB2 float64

			for _, i := range order[start:end] {
				x := X[i]
				dz := sigmoid(m.forward(x, h)) - float64(y[i])
				gB2 += dz
				for j := range h {
					gW2[j] += dz * h[j]
					if h[j] <= 0 {
						continue
					}
					dh := dz * m.W2[j]
					gB1[j] += dh
					row := gW1[j]
					for k, v := range x {
						row[k] += dh * v
					}
				}
			}

			step := cfg.LearningRate / float64(end-start)
			for j := range m.W1 {
				for k := range m.W1[j] {
					m.W1[j][k] -= step*gW1[j][k] + cfg.LearningRate*cfg.L2*m.W1[j][k]
				}
				m.B1[j] -= step * gB1[j]
				m.W2[j] -= step*gW2[j] + cfg.LearningRate*cfg.L2*m.W2[j]
			}
			m.B2 -= step * gB2
		}
	}
	return &MLP{model: m}, nil
}
