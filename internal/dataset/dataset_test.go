package dataset_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/jmerrifield20/ddosguard/internal/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCSV(t *testing.T) {
	in := "source_ip,tls_version,req_rate_1min,attack_type,label\n" +
		"10.0.0.1,1.3,12,,0\n" +
		"10.0.0.2,,9000,volumetric,1\n" +
		"10.0.0.3,1.0,400,protocol,true\n"

	ds, err := dataset.LoadCSV(strings.NewReader(in), "")
	require.NoError(t, err)
	require.Equal(t, 3, ds.Len())
	assert.Equal(t, []int{0, 1, 1}, ds.Labels)

	assert.Equal(t, "10.0.0.1", ds.Records[0]["source_ip"])
	assert.Equal(t, "12", ds.Records[0]["req_rate_1min"])

	v, ok := ds.Records[1]["tls_version"]
	assert.True(t, ok, "empty cell keeps its key")
	assert.Nil(t, v)
	assert.NotContains(t, ds.Records[0], "label")

	benign, attack := ds.Counts()
	assert.Equal(t, 1, benign)
	assert.Equal(t, 2, attack)
}

func TestLoadCSV_errors(t *testing.T) {
	_, err := dataset.LoadCSV(strings.NewReader(""), "")
	assert.Error(t, err)

	_, err = dataset.LoadCSV(strings.NewReader("a,b\n1,2\n"), "label")
	assert.ErrorContains(t, err, "label column")

	_, err = dataset.LoadCSV(strings.NewReader("a,label\n1,0\n2,\n"), "")
	assert.ErrorContains(t, err, "line 3")

	_, err = dataset.LoadCSV(strings.NewReader("a,label\n1,7\n"), "")
	assert.Error(t, err)

	_, err = dataset.LoadCSV(strings.NewReader("a,label\n"), "")
	assert.ErrorContains(t, err, "no rows")
}

func TestStratifiedSplit(t *testing.T) {
	labels := make([]int, 100)
	for i := 0; i < 30; i++ {
		labels[i] = 1
	}

	groups, err := dataset.StratifiedSplit(labels, []float64{0.2, 0.2}, 42)
	require.NoError(t, err)
	require.Len(t, groups, 3)

	seen := map[int]bool{}
	for _, g := range groups {
		for _, i := range g {
			assert.False(t, seen[i], "row %d assigned twice", i)
			seen[i] = true
		}
	}
	assert.Len(t, seen, 100)

	positives := func(g []int) int {
		var n int
		for _, i := range g {
			n += labels[i]
		}
		return n
	}
	assert.Equal(t, 6, positives(groups[0]))
	assert.Equal(t, 6, positives(groups[1]))
	assert.Equal(t, 18, positives(groups[2]))
	assert.Len(t, groups[0], 20)

	again, err := dataset.StratifiedSplit(labels, []float64{0.2, 0.2}, 42)
	require.NoError(t, err)
	assert.Equal(t, groups, again)

	other, err := dataset.StratifiedSplit(labels, []float64{0.2, 0.2}, 7)
	require.NoError(t, err)
	assert.NotEqual(t, groups[0], other[0])
}

func TestStratifiedSplit_badFractions(t *testing.T) {
	_, err := dataset.StratifiedSplit([]int{0, 1}, []float64{0.6, 0.5}, 1)
	assert.Error(t, err)
	_, err = dataset.StratifiedSplit([]int{0, 1}, []float64{0}, 1)
	assert.Error(t, err)
}

func TestGenerate_roundTripsThroughCSV(t *testing.T) {
	ds := dataset.Generate(dataset.GenerateConfig{Rows: 200, Seed: 3})
	require.Equal(t, 200, ds.Len())
	benign, attack := ds.Counts()
	assert.Equal(t, 100, benign)
	assert.Equal(t, 100, attack)

	var buf bytes.Buffer
	require.NoError(t, dataset.WriteCSV(&buf, dataset.Columns, ds, ""))

	back, err := dataset.LoadCSV(&buf, "")
	require.NoError(t, err)
	assert.Equal(t, ds.Labels, back.Labels)
	assert.Equal(t, ds.Records[0]["source_ip"], back.Records[0]["source_ip"])
	assert.Equal(t, ds.Records[150]["attack_type"], back.Records[150]["attack_type"])
}

func TestGenerate_deterministic(t *testing.T) {
	a := dataset.Generate(dataset.GenerateConfig{Rows: 50, Seed: 9})
	b := dataset.Generate(dataset.GenerateConfig{Rows: 50, Seed: 9})
	assert.Equal(t, a, b)
}
