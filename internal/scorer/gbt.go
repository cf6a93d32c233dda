package scorer

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// GBTConfig controls gradient-boosted tree training.
type GBTConfig struct {
	Trees        int     `mapstructure:"trees" json:"trees"`
	MaxDepth     int     `mapstructure:"max_depth" json:"max_depth"`
	LearningRate float64 `mapstructure:"learning_rate" json:"learning_rate"`
	MinLeaf      int     `mapstructure:"min_leaf" json:"min_leaf"`
	Bins         int     `mapstructure:"bins" json:"bins"`
	Lambda       float64 `mapstructure:"lambda" json:"lambda"`
}

// DefaultGBTConfig returns the training defaults.
func DefaultGBTConfig() GBTConfig {
	return GBTConfig{
		Trees:        100,
		MaxDepth:     3,
		LearningRate: 0.1,
		MinLeaf:      5,
		Bins:         32,
		Lambda:       1,
	}
}

func (c GBTConfig) withDefaults() GBTConfig {
	d := DefaultGBTConfig()
	if c.Trees <= 0 {
		c.Trees = d.Trees
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.LearningRate <= 0 {
		c.LearningRate = d.LearningRate
	}
	if c.MinLeaf <= 0 {
		c.MinLeaf = d.MinLeaf
	}
	if c.Bins <= 1 {
		c.Bins = d.Bins
	}
	if c.Bins > 256 {
		c.Bins = 256 // bin indexes are stored as uint8
	}
	if c.Lambda <= 0 {
		c.Lambda = d.Lambda
	}
	return c
}

// treeNode is one node of a flat regression tree. Leaves have Feature -1.
type treeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v,omitempty"`
}

type gbtModel struct {
	Width        int          `json:"width"`
	Base         float64      `json:"base"`
	LearningRate float64      `json:"learning_rate"`
	Trees        [][]treeNode `json:"trees"`
}

// GBT is a boosted ensemble of regression trees on the logistic loss.
type GBT struct {
	model gbtModel
}

// Kind implements Scorer.
func (g *GBT) Kind() Kind { return KindGBT }

// Width implements Scorer.
func (g *GBT) Width() int { return g.model.Width }

// Score implements Scorer.
func (g *GBT) Score(x []float64) (float64, error) {
	if err := checkWidth(x, g.model.Width); err != nil {
		return 0, err
	}
	z := g.model.Base
	for _, tree := range g.model.Trees {
		z += g.model.LearningRate * evalTree(tree, x)
	}
	return sigmoid(z), nil
}

func evalTree(nodes []treeNode, x []float64) float64 {
	i := 0
	for {
		n := nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func decodeGBT(raw json.RawMessage) (*GBT, error) {
	var m gbtModel
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m.Width <= 0 {
		return nil, fmt.Errorf("width %d", m.Width)
	}
	for ti, tree := range m.Trees {
		if len(tree) == 0 {
			return nil, fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range tree {
			if n.Feature < 0 {
				continue
			}
			// children always follow their parent, so walks terminate
			if n.Feature >= m.Width || n.Left <= ni || n.Right <= ni || n.Left >= len(tree) || n.Right >= len(tree) {
				return nil, fmt.Errorf("tree %d node %d is malformed", ti, ni)
			}
		}
	}
	return &GBT{model: m}, nil
}

// Fit implements Trainer.
func (c GBTConfig) Fit(X [][]float64, y []int) (Scorer, error) {
	width, err := checkTraining(X, y)
	if err != nil {
		return nil, err
	}
	cfg := c.withDefaults()
	n := len(X)

	var pos float64
	for _, v := range y {
		pos += float64(v)
	}
	prior := pos / float64(n)
	base := math.Log(prior / (1 - prior))

	cuts := make([][]float64, width)
	bins := make([][]uint8, width)
	for f := 0; f < width; f++ {
		cuts[f] = quantileCuts(X, f, cfg.Bins)
		bins[f] = make([]uint8, n)
		for i := range X {
			bins[f][i] = uint8(sort.SearchFloat64s(cuts[f], X[i][f]))
		}
	}

	b := &treeBuilder{cfg: cfg, cuts: cuts, bins: bins, grad: make([]float64, n), hess: make([]float64, n)}
	margin := make([]float64, n)
	for i := range margin {
		margin[i] = base
	}

	model := gbtModel{Width: width, Base: base, LearningRate: cfg.LearningRate}
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	for t := 0; t < cfg.Trees; t++ {
		for i := range margin {
			p := sigmoid(margin[i])
			b.grad[i] = p - float64(y[i])
			b.hess[i] = math.Max(p*(1-p), 1e-12)
		}
		b.nodes = nil
		b.build(all, 0)
		tree := b.nodes
		for i := range margin {
			margin[i] += cfg.LearningRate * evalTree(tree, X[i])
		}
		model.Trees = append(model.Trees, tree)
	}
	return &GBT{model: model}, nil
}

// quantileCuts returns up to bins-1 split points for feature f, placed midway
// between distinct values at evenly spaced quantiles.
func quantileCuts(X [][]float64, f, bins int) []float64 {
	vals := make([]float64, len(X))
	for i := range X {
		vals[i] = X[i][f]
	}
	sort.Float64s(vals)

	uniq := vals[:0:0]
	for i, v := range vals {
		if i == 0 || v != vals[i-1] {
			uniq = append(uniq, v)
		}
	}
	if len(uniq) < 2 {
		return nil
	}

	var cuts []float64
	step := float64(len(uniq)-1) / float64(bins)
	if step < 1 {
		step = 1
	}
	for pos := step; pos < float64(len(uniq)); pos += step {
		k := int(pos)
		if k < 1 || k >= len(uniq) {
			continue
		}
		c := (uniq[k-1] + uniq[k]) / 2
		if len(cuts) == 0 || c > cuts[len(cuts)-1] {
			cuts = append(cuts, c)
		}
		if len(cuts) == bins-1 {
			break
		}
	}
	return cuts
}

type treeBuilder struct {
	cfg   GBTConfig
	cuts  [][]float64
	bins  [][]uint8
	grad  []float64
	hess  []float64
	nodes []treeNode
}

// build grows the subtree for rows and returns its node index.
func (b *treeBuilder) build(rows []int, depth int) int {
	var G, H float64
	for _, i := range rows {
		G += b.grad[i]
		H += b.hess[i]
	}
	idx := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{Feature: -1, Value: -G / (H + b.cfg.Lambda)})

	if depth >= b.cfg.MaxDepth || len(rows) < 2*b.cfg.MinLeaf {
		return idx
	}

	parent := G * G / (H + b.cfg.Lambda)
	bestGain, bestF, bestCut := 1e-9, -1, 0

	for f := range b.cuts {
		nc := len(b.cuts[f])
		if nc == 0 {
			continue
		}
		gh := make([]float64, nc+1)
		hh := make([]float64, nc+1)
		ch := make([]int, nc+1)
		for _, i := range rows {
			k := b.bins[f][i]
			gh[k] += b.grad[i]
			hh[k] += b.hess[i]
			ch[k]++
		}
		var gl, hl float64
		var cl int
		for k := 0; k < nc; k++ {
			gl += gh[k]
			hl += hh[k]
			cl += ch[k]
			cr := len(rows) - cl
			if cl < b.cfg.MinLeaf || cr < b.cfg.MinLeaf {
				continue
			}
			gr, hr := G-gl, H-hl
			gain := gl*gl/(hl+b.cfg.Lambda) + gr*gr/(hr+b.cfg.Lambda) - parent
			if gain > bestGain {
				bestGain, bestF, bestCut = gain, f, k
			}
		}
	}

	if bestF < 0 {
		return idx
	}

	var left, right []int
	for _, i := range rows {
		if int(b.bins[bestF][i]) <= bestCut {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[idx] = treeNode{Feature: bestF, Threshold: b.cuts[bestF][bestCut], Left: l, Right: r}
	return idx
}
