package calibrate

import (
	"fmt"
	"sort"
)

// Report summarises a scorer's performance on labelled data at a threshold.
type Report struct {
	Threshold        float64 `json:"threshold"`
	Samples          int     `json:"samples"`
	TruePositives    int     `json:"true_positives"`
	FalsePositives   int     `json:"false_positives"`
	TrueNegatives    int     `json:"true_negatives"`
	FalseNegatives   int     `json:"false_negatives"`
	Accuracy         float64 `json:"accuracy"`
	Precision        float64 `json:"precision"`
	Recall           float64 `json:"recall"`
	F1               float64 `json:"f1"`
	F2               float64 `json:"f2"`
	ROCAUC           float64 `json:"roc_auc"`
	AveragePrecision float64 `json:"average_precision"`
}

// Evaluate scores probs against labels at threshold.
func Evaluate(probs []float64, labels []int, threshold float64) (Report, error) {
	if err := check(probs, labels); err != nil {
		return Report{}, err
	}
	if threshold < 0 || threshold > 1 {
		return Report{}, fmt.Errorf("calibrate: threshold %v outside [0,1]", threshold)
	}

	r := Report{Threshold: threshold, Samples: len(probs)}
	for i, p := range probs {
		predicted := p >= threshold
		switch {
		case predicted && labels[i] == 1:
			r.TruePositives++
		case predicted:
			r.FalsePositives++
		case labels[i] == 1:
			r.FalseNegatives++
		default:
			r.TrueNegatives++
		}
	}

	r.Accuracy = float64(r.TruePositives+r.TrueNegatives) / float64(r.Samples)
	if d := r.TruePositives + r.FalsePositives; d > 0 {
		r.Precision = float64(r.TruePositives) / float64(d)
	}
	r.Recall = float64(r.TruePositives) / float64(r.TruePositives+r.FalseNegatives)
	r.F1 = FBeta(r.Precision, r.Recall, 1)
	r.F2 = FBeta(r.Precision, r.Recall, Beta)
	r.ROCAUC = rocAUC(probs, labels)
	r.AveragePrecision = averagePrecision(probs, labels)
	return r, nil
}

// rocAUC is the Mann-Whitney U statistic normalised to [0,1], with tied
// scores given their average rank. Returns 0.5 when one class is absent.
func rocAUC(probs []float64, labels []int) float64 {
	n := len(probs)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] < probs[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && probs[idx[j]] == probs[idx[i]] {
			j++
		}
		avg := float64(i+j+1) / 2 // ranks are 1-based
		for k := i; k < j; k++ {
			ranks[idx[k]] = avg
		}
		i = j
	}

	var pos, neg int
	var rankSum float64
	for i, y := range labels {
		if y == 1 {
			pos++
			rankSum += ranks[i]
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0.5
	}
	u := rankSum - float64(pos*(pos+1))/2
	return u / float64(pos*neg)
}

// averagePrecision is the step-wise area under the precision-recall curve.
func averagePrecision(probs []float64, labels []int) float64 {
	curve, err := Curve(probs, labels)
	if err != nil {
		return 0
	}
	var ap, prevRecall float64
	for i := len(curve) - 1; i >= 0; i-- {
		pt := curve[i]
		ap += (pt.Recall - prevRecall) * pt.Precision
		prevRecall = pt.Recall
	}
	return ap
}
