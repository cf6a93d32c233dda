package risk_test

import (
	"encoding/json"
	"testing"

	"github.com/jmerrifield20/ddosguard/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardBands(t *testing.T) {
	tests := []struct {
		p    float64
		want risk.Tier
	}{
		{0, risk.Low},
		{0.4, risk.Low},
		{0.41, risk.Medium},
		{0.6, risk.Medium},
		{0.61, risk.High},
		{0.8, risk.High},
		{0.81, risk.Critical},
		{1, risk.Critical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, risk.Standard.Tier(tt.p), "p=%v", tt.p)
	}
}

func TestNeuralBands(t *testing.T) {
	assert.Equal(t, risk.Medium, risk.Neural.Tier(0.7))
	assert.Equal(t, risk.High, risk.Neural.Tier(0.85))
	assert.Equal(t, risk.Critical, risk.Neural.Tier(0.95))
}

func TestClassify_verdictFollowsThresholdOnly(t *testing.T) {
	for _, threshold := range []float64{0, 0.15, 0.5, 0.73, 1} {
		for p := 0.0; p <= 1.0; p += 0.01 {
			v := risk.Classify(p, threshold, risk.Standard)
			assert.Equal(t, p >= threshold, v.IsDDoS)
			assert.Equal(t, risk.Standard.Tier(p), v.Tier, "tier must not depend on threshold")
		}
	}
}

func TestTier_monotonic(t *testing.T) {
	for _, b := range []risk.Banding{risk.Standard, risk.Neural} {
		prev := risk.Low
		for p := 0.0; p <= 1.0; p += 0.001 {
			tier := b.Tier(p)
			assert.GreaterOrEqual(t, int(tier), int(prev), "%s at p=%v", b.Name, p)
			prev = tier
		}
	}
}

func TestTier_json(t *testing.T) {
	data, err := json.Marshal(map[string]risk.Tier{"risk_level": risk.High})
	require.NoError(t, err)
	assert.JSONEq(t, `{"risk_level":"High"}`, string(data))

	var out struct {
		Level risk.Tier `json:"risk_level"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"risk_level":"Critical"}`), &out))
	assert.Equal(t, risk.Critical, out.Level)

	assert.Error(t, json.Unmarshal([]byte(`{"risk_level":"Severe"}`), &out))
}

func TestBandingByName(t *testing.T) {
	b, err := risk.BandingByName("neural")
	require.NoError(t, err)
	assert.Equal(t, risk.Neural, b)

	_, err = risk.BandingByName("lenient")
	assert.Error(t, err)
}
