package scorer_test

import (
	"errors"
	"math/rand"
	"os"
	"testing"

	"github.com/jmerrifield20/ddosguard/internal/risk"
	"github.com/jmerrifield20/ddosguard/internal/scorer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blobs returns two well separated gaussian clusters in 3 dimensions.
func blobs(n int, seed int64) ([][]float64, []int) {
	rng := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	y := make([]int, n)
	for i := range X {
		label := i % 2
		centre := -1.5
		if label == 1 {
			centre = 1.5
		}
		X[i] = []float64{
			centre + rng.NormFloat64()*0.5,
			centre + rng.NormFloat64()*0.5,
			rng.NormFloat64(),
		}
		y[i] = label
	}
	return X, y
}

func trainers() map[string]scorer.Trainer {
	return map[string]scorer.Trainer{
		"gbt": scorer.GBTConfig{Trees: 30},
		"mlp": scorer.MLPConfig{},
	}
}

func TestFit_separatesClusters(t *testing.T) {
	X, y := blobs(400, 1)
	testX, testY := blobs(100, 2)

	for name, tr := range trainers() {
		t.Run(name, func(t *testing.T) {
			s, err := tr.Fit(X, y)
			require.NoError(t, err)
			assert.Equal(t, 3, s.Width())

			var correct int
			for i, x := range testX {
				p, err := s.Score(x)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, p, 0.0)
				assert.LessOrEqual(t, p, 1.0)
				if (p >= 0.5) == (testY[i] == 1) {
					correct++
				}
			}
			assert.GreaterOrEqual(t, correct, 95, "accuracy on held-out clusters")
		})
	}
}

func TestFit_deterministic(t *testing.T) {
	X, y := blobs(200, 3)
	probe := []float64{0.2, -0.1, 0.7}

	for name, tr := range trainers() {
		t.Run(name, func(t *testing.T) {
			a, err := tr.Fit(X, y)
			require.NoError(t, err)
			b, err := tr.Fit(X, y)
			require.NoError(t, err)

			pa, err := a.Score(probe)
			require.NoError(t, err)
			pb, err := b.Score(probe)
			require.NoError(t, err)
			assert.Equal(t, pa, pb)

			again, err := a.Score(probe)
			require.NoError(t, err)
			assert.Equal(t, pa, again)
		})
	}
}

func TestEncodeDecode_identicalScores(t *testing.T) {
	X, y := blobs(200, 4)
	probes, _ := blobs(20, 5)

	for name, tr := range trainers() {
		t.Run(name, func(t *testing.T) {
			s, err := tr.Fit(X, y)
			require.NoError(t, err)

			env, err := scorer.Encode(s)
			require.NoError(t, err)
			assert.Equal(t, s.Kind(), env.Kind)
			assert.Equal(t, 3, env.Width)

			restored, err := scorer.Decode(env)
			require.NoError(t, err)
			for _, x := range probes {
				want, err := s.Score(x)
				require.NoError(t, err)
				got, err := restored.Score(x)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestScore_widthMismatch(t *testing.T) {
	X, y := blobs(100, 6)
	for name, tr := range trainers() {
		t.Run(name, func(t *testing.T) {
			s, err := tr.Fit(X, y)
			require.NoError(t, err)
			_, err = s.Score([]float64{1, 2})
			assert.True(t, errors.Is(err, scorer.ErrWidthMismatch))
		})
	}
}

func TestFit_rejectsBadTrainingData(t *testing.T) {
	for name, tr := range trainers() {
		t.Run(name, func(t *testing.T) {
			_, err := tr.Fit(nil, nil)
			assert.Error(t, err)

			_, err = tr.Fit([][]float64{{1}, {2}}, []int{1, 1})
			assert.Error(t, err, "single class")

			_, err = tr.Fit([][]float64{{1}, {2, 3}}, []int{0, 1})
			assert.True(t, errors.Is(err, scorer.ErrWidthMismatch))

			_, err = tr.Fit([][]float64{{1}, {2}}, []int{0, 3})
			assert.Error(t, err)
		})
	}
}

func TestDecode_rejectsCorruptState(t *testing.T) {
	_, err := scorer.Decode(nil)
	assert.Error(t, err)

	_, err = scorer.Decode(&scorer.Envelope{Kind: "forest", Width: 1, State: []byte(`{}`)})
	assert.Error(t, err)

	// child index pointing back at the root would loop forever
	_, err = scorer.Decode(&scorer.Envelope{
		Kind:  scorer.KindGBT,
		Width: 1,
		State: []byte(`{"width":1,"base":0,"learning_rate":0.1,"trees":[[{"f":0,"t":0.5,"l":0,"r":0}]]}`),
	})
	assert.Error(t, err)

	_, err = scorer.Decode(&scorer.Envelope{
		Kind:  scorer.KindMLP,
		Width: 2,
		State: []byte(`{"width":2,"hidden":1,"w1":[[1]],"b1":[0],"w2":[1],"b2":0}`),
	})
	assert.Error(t, err)
}

func TestDecode_widthDisagreement(t *testing.T) {
	X, y := blobs(100, 7)
	s, err := scorer.GBTConfig{Trees: 5}.Fit(X, y)
	require.NoError(t, err)
	env, err := scorer.Encode(s)
	require.NoError(t, err)

	env.Width = 4
	_, err = scorer.Decode(env)
	assert.True(t, errors.Is(err, scorer.ErrWidthMismatch))
}

func TestParseKindAndBanding(t *testing.T) {
	k, err := scorer.ParseKind("mlp")
	require.NoError(t, err)
	assert.Equal(t, scorer.KindMLP, k)

	_, err = scorer.ParseKind("svm")
	assert.Error(t, err)

	assert.Equal(t, risk.Standard, scorer.DefaultBanding(scorer.KindGBT))
	assert.Equal(t, risk.Neural, scorer.DefaultBanding(scorer.KindMLP))
	assert.Equal(t, risk.Neural, scorer.DefaultBanding(scorer.KindONNX))
}

func TestONNX_requiresRuntime(t *testing.T) {
	if os.Getenv(scorer.SharedLibraryEnv) != "" {
		t.Skip("onnxruntime is configured; covered by model fixtures")
	}
	_, err := scorer.NewONNX([]byte{0x08}, scorer.ONNXOptions{Width: 3})
	assert.True(t, errors.Is(err, scorer.ErrRuntimeUnavailable))
}

func TestNewONNX_validatesOptions(t *testing.T) {
	_, err := scorer.NewONNX(nil, scorer.ONNXOptions{Width: 3})
	assert.Error(t, err)
	_, err = scorer.NewONNX([]byte{1}, scorer.ONNXOptions{Width: 0})
	assert.Error(t, err)
	_, err = scorer.NewONNX([]byte{1}, scorer.ONNXOptions{Width: 3, OutputSize: 5})
	assert.Error(t, err)
}
