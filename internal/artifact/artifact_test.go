package artifact_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/ddosguard/internal/artifact"
	"github.com/jmerrifield20/ddosguard/internal/preprocess"
	"github.com/jmerrifield20/ddosguard/internal/schema"
	"github.com/jmerrifield20/ddosguard/internal/scorer"
)

func testSchema() *schema.Schema {
	return &schema.Schema{
		Version:     1,
		Required:    []string{"rate", "geo"},
		Numeric:     []string{"rate"},
		Categorical: []string{"geo"},
	}
}

func buildArtifact(t *testing.T) *artifact.Artifact {
	t.Helper()
	s := testSchema()
	var canon []*schema.Canonical
	var y []int
	for i := 0; i < 40; i++ {
		label := i % 2
		geo := "US"
		if label == 1 {
			geo = "ASIA"
		}
		c, err := s.ValidateAndDerive(schema.Record{"rate": float64(10 + label*1000 + i), "geo": geo})
		require.NoError(t, err)
		canon = append(canon, c)
		y = append(y, label)
	}
	p := preprocess.New(s)
	require.NoError(t, p.Fit(canon))
	X := make([][]float64, len(canon))
	for i, c := range canon {
		X[i], _ = p.Transform(c)
	}
	sc, err := scorer.GBTConfig{Trees: 5, MinLeaf: 2}.Fit(X, y)
	require.NoError(t, err)
	env, err := scorer.Encode(sc)
	require.NoError(t, err)
	st, err := p.State()
	require.NoError(t, err)
	return artifact.New(s, st, env, 0.42)
}

func TestSaveLoad_roundTrip(t *testing.T) {
	a := buildArtifact(t)
	path := filepath.Join(t.TempDir(), "models", "model.json")
	require.NoError(t, artifact.Save(a, path))
	assert.NotEmpty(t, a.Digest)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), fi.Mode().Perm())

	got, err := artifact.Load(path)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, 0.42, *got.Threshold)
	assert.Equal(t, "standard", got.Banding)
	assert.Equal(t, a.Schema.Fingerprint(), got.Schema.Fingerprint())
	assert.Equal(t, a.Digest, got.Digest)
	assert.JSONEq(t, string(a.Scorer.State), string(got.Scorer.State))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestSave_overwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	first := buildArtifact(t)
	require.NoError(t, artifact.Save(first, path))

	second := buildArtifact(t)
	require.NoError(t, artifact.Save(second, path))

	got, err := artifact.Load(path)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestDecode_missingParts(t *testing.T) {
	data, err := artifact.Encode(buildArtifact(t))
	require.NoError(t, err)

	for _, part := range []string{artifact.PartSchema, artifact.PartPreprocess, artifact.PartScorer, artifact.PartThreshold} {
		t.Run(part, func(t *testing.T) {
			var raw map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &raw))
			delete(raw, part)
			broken, err := json.Marshal(raw)
			require.NoError(t, err)

			_, err = artifact.Decode(broken)
			var ce *artifact.CorruptArtifactError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, []string{part}, ce.Missing)
		})
	}
}

func TestDecode_emptyScorerState(t *testing.T) {
	data, err := artifact.Encode(buildArtifact(t))
	require.NoError(t, err)

	for _, state := range []string{`null`, `{}`} {
		t.Run(state, func(t *testing.T) {
			var raw map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &raw))
			var env map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(raw["scorer"], &env))
			env["state"] = json.RawMessage(state)
			scorerJSON, err := json.Marshal(env)
			require.NoError(t, err)
			raw["scorer"] = scorerJSON
			delete(raw, "digest")
			broken, err := json.Marshal(raw)
			require.NoError(t, err)

			_, err = artifact.Decode(broken)
			var ce *artifact.CorruptArtifactError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, []string{artifact.PartScorer}, ce.Missing)
		})
	}
}

func TestDecode_requiresDigest(t *testing.T) {
	data, err := artifact.Encode(buildArtifact(t))
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	delete(raw, "digest")
	stripped, err := json.Marshal(raw)
	require.NoError(t, err)

	_, err = artifact.Decode(stripped)
	var ce *artifact.CorruptArtifactError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "missing digest", ce.Reason)
}

func TestDecode_rejectsTampering(t *testing.T) {
	data, err := artifact.Encode(buildArtifact(t))
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["threshold"] = json.RawMessage(`0.9`)
	tampered, err := json.Marshal(raw)
	require.NoError(t, err)

	_, err = artifact.Decode(tampered)
	var ce *artifact.CorruptArtifactError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Reason, "digest")
}

func TestDecode_invalidValues(t *testing.T) {
	cases := map[string]string{
		"threshold": `1.5`,
		"banding":   `"aggressive"`,
	}
	data, err := artifact.Encode(buildArtifact(t))
	require.NoError(t, err)

	for field, value := range cases {
		t.Run(field, func(t *testing.T) {
			var raw map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &raw))
			raw[field] = json.RawMessage(value)
			broken, err := json.Marshal(raw)
			require.NoError(t, err)

			_, err = artifact.Decode(broken)
			var ce *artifact.CorruptArtifactError
			assert.True(t, errors.As(err, &ce))
		})
	}

	_, err = artifact.Decode([]byte(`{not json`))
	var ce *artifact.CorruptArtifactError
	assert.True(t, errors.As(err, &ce))
}

func TestLoad_missingFile(t *testing.T) {
	_, err := artifact.Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoad_reportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"format":1}`), 0o644))

	_, err := artifact.Load(path)
	var ce *artifact.CorruptArtifactError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, path, ce.Path)
	assert.Len(t, ce.Missing, 4)
	assert.Contains(t, err.Error(), path)
}

func TestSave_refusesIncompleteArtifact(t *testing.T) {
	a := buildArtifact(t)
	a.Threshold = nil
	err := artifact.Save(a, filepath.Join(t.TempDir(), "model.json"))
	var ce *artifact.CorruptArtifactError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{artifact.PartThreshold}, ce.Missing)
}

func TestInfo(t *testing.T) {
	a := buildArtifact(t)
	info := a.Info()
	assert.Equal(t, scorer.KindGBT, info.Kind)
	assert.Equal(t, 0.42, info.Threshold)
	assert.Equal(t, a.Schema.Fingerprint(), info.SchemaFingerprint)
	assert.Equal(t, a.Preprocess.Width(), info.Width)
}
