package calibrate_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/jmerrifield20/ddosguard/internal/calibrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreshold_separatesClasses(t *testing.T) {
	th, err := calibrate.Threshold([]float64{0.1, 0.3, 0.6, 0.9}, []int{0, 0, 1, 1})
	require.NoError(t, err)
	assert.LessOrEqual(t, th, 0.6)
	assert.Equal(t, 0.6, th)
}

func TestThreshold_prefersRecall(t *testing.T) {
	// At 0.5: P=2/3 R=1 -> F2 0.909. At 0.7: P=1 R=0.5 -> F2 0.556.
	th, err := calibrate.Threshold([]float64{0.2, 0.5, 0.6, 0.7, 0.1}, []int{0, 1, 0, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.5, th)
}

func TestThreshold_lowestPerfectSeparator(t *testing.T) {
	// 0.8 and 0.9 both sit above every negative; only 0.8 keeps full recall.
	th, err := calibrate.Threshold([]float64{0.8, 0.9, 0.2, 0.2}, []int{1, 1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.8, th)
}

func TestThreshold_ignoresInputOrder(t *testing.T) {
	probs := []float64{0.05, 0.4, 0.35, 0.8, 0.65, 0.2, 0.9, 0.55}
	labels := []int{0, 1, 0, 1, 0, 0, 1, 1}
	want, err := calibrate.Threshold(probs, labels)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		rng.Shuffle(len(probs), func(a, b int) {
			probs[a], probs[b] = probs[b], probs[a]
			labels[a], labels[b] = labels[b], labels[a]
		})
		got, err := calibrate.Threshold(probs, labels)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestThreshold_deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	probs := make([]float64, 500)
	labels := make([]int, 500)
	for i := range probs {
		labels[i] = rng.Intn(2)
		probs[i] = rng.Float64()*0.6 + float64(labels[i])*0.3
		if probs[i] > 1 {
			probs[i] = 1
		}
	}

	a, err := calibrate.Threshold(probs, labels)
	require.NoError(t, err)
	b, err := calibrate.Threshold(probs, labels)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestThreshold_errors(t *testing.T) {
	_, err := calibrate.Threshold(nil, nil)
	assert.True(t, errors.Is(err, calibrate.ErrEmpty))

	_, err = calibrate.Threshold([]float64{0.1}, []int{1, 0})
	assert.True(t, errors.Is(err, calibrate.ErrLengthMismatch))

	_, err = calibrate.Threshold([]float64{0.1, 0.2}, []int{0, 0})
	assert.True(t, errors.Is(err, calibrate.ErrNoPositives))

	_, err = calibrate.Threshold([]float64{1.2}, []int{1})
	assert.Error(t, err)

	_, err = calibrate.Threshold([]float64{0.5}, []int{2})
	assert.Error(t, err)
}

func TestCurve_ascendingAndComplete(t *testing.T) {
	curve, err := calibrate.Curve([]float64{0.1, 0.3, 0.3, 0.9}, []int{0, 1, 0, 1})
	require.NoError(t, err)
	require.Len(t, curve, 3)

	assert.Equal(t, 0.1, curve[0].Threshold)
	assert.Equal(t, 1.0, curve[0].Recall)
	assert.Equal(t, 0.5, curve[0].Precision)

	assert.Equal(t, 0.3, curve[1].Threshold)
	assert.InDelta(t, 2.0/3.0, curve[1].Precision, 1e-12)

	assert.Equal(t, 0.9, curve[2].Threshold)
	assert.Equal(t, 1.0, curve[2].Precision)
	assert.Equal(t, 0.5, curve[2].Recall)
}

func TestEvaluate_confusionAndAUC(t *testing.T) {
	r, err := calibrate.Evaluate([]float64{0.1, 0.3, 0.6, 0.9}, []int{0, 0, 1, 1}, 0.5)
	require.NoError(t, err)

	assert.Equal(t, 2, r.TruePositives)
	assert.Equal(t, 2, r.TrueNegatives)
	assert.Zero(t, r.FalsePositives)
	assert.Zero(t, r.FalseNegatives)
	assert.Equal(t, 1.0, r.Accuracy)
	assert.InDelta(t, 1.0, r.ROCAUC, 1e-12)
	assert.InDelta(t, 1.0, r.AveragePrecision, 1e-12)
	assert.InDelta(t, 1.0, r.F2, 1e-6)
}

func TestEvaluate_aucWithTies(t *testing.T) {
	r, err := calibrate.Evaluate([]float64{0.5, 0.5}, []int{0, 1}, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, r.ROCAUC, 1e-12)
}
