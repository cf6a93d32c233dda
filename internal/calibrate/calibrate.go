// Package calibrate picks the decision threshold from held-out scores. The
// threshold maximises F2 over the precision-recall curve, weighting recall
// above precision because a missed attack costs more than a false alarm.
package calibrate

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Beta is the F-beta weight used for threshold selection.
const Beta = 2.0

// epsilon keeps F-beta defined when precision and recall are both 0.
const epsilon = 1e-9

var (
	ErrEmpty          = errors.New("calibrate: no scores")
	ErrLengthMismatch = errors.New("calibrate: scores and labels differ in length")
	ErrNoPositives    = errors.New("calibrate: labels contain no positive examples")
)

// Point is one candidate threshold on the precision-recall curve.
type Point struct {
	Threshold float64 `json:"threshold"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F2        float64 `json:"f2"`
}

// FBeta returns the F-beta score of precision p and recall r.
func FBeta(p, r, beta float64) float64 {
	b2 := beta * beta
	return (1 + b2) * p * r / (b2*p + r + epsilon)
}

// Threshold returns the score cutoff with the highest F2. Ties go to the
// lowest threshold. The result is deterministic for a given input.
func Threshold(probs []float64, labels []int) (float64, error) {
	curve, err := Curve(probs, labels)
	if err != nil {
		return 0, err
	}
	best := curve[0]
	for _, pt := range curve[1:] {
		if pt.F2 > best.F2 {
			best = pt
		}
	}
	return best.Threshold, nil
}

// Curve sweeps every distinct score as a threshold (predict positive when
// score >= threshold) and returns the points in ascending threshold order.
func Curve(probs []float64, labels []int) ([]Point, error) {
	if err := check(probs, labels); err != nil {
		return nil, err
	}

	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	positives := 0
	for _, y := range labels {
		positives += y
	}

	// Walk from the highest score down; after consuming every score equal to
	// t, tp/fp are the counts predicted positive at threshold t.
	var points []Point
	tp, fp := 0, 0
	for i := 0; i < len(idx); {
		t := probs[idx[i]]
		for i < len(idx) && probs[idx[i]] == t {
			if labels[idx[i]] == 1 {
				tp++
			} else {
				fp++
			}
			i++
		}
		precision := float64(tp) / float64(tp+fp)
		recall := float64(tp) / float64(positives)
		points = append(points, Point{
			Threshold: t,
			Precision: precision,
			Recall:    recall,
			F2:        FBeta(precision, recall, Beta),
		})
	}

	for l, r := 0, len(points)-1; l < r; l, r = l+1, r-1 {
		points[l], points[r] = points[r], points[l]
	}
	return points, nil
}

func check(probs []float64, labels []int) error {
	if len(probs) == 0 {
		return ErrEmpty
	}
	if len(probs) != len(labels) {
		return fmt.Errorf("%w: %d scores, %d labels", ErrLengthMismatch, len(probs), len(labels))
	}
	positives := 0
	for i, p := range probs {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return fmt.Errorf("calibrate: score %d is %v, want [0,1]", i, p)
		}
		switch labels[i] {
		case 0:
		case 1:
			positives++
		default:
			return fmt.Errorf("calibrate: label %d is %d, want 0 or 1", i, labels[i])
		}
	}
	if positives == 0 {
		return ErrNoPositives
	}
	return nil
}
