package preprocess_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jmerrifield20/ddosguard/internal/preprocess"
	"github.com/jmerrifield20/ddosguard/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallSchema() *schema.Schema {
	return &schema.Schema{
		Required:    []string{"ip", "rate", "constant", "method", "geo"},
		Numeric:     []string{"ip", "rate", "constant"},
		Categorical: []string{"method", "geo"},
		IPFields:    []string{"ip"},
	}
}

func canon(t *testing.T, s *schema.Schema, rec schema.Record) *schema.Canonical {
	t.Helper()
	c, err := s.ValidateAndDerive(rec)
	require.NoError(t, err)
	return c
}

func trainingSet(t *testing.T, s *schema.Schema) []*schema.Canonical {
	t.Helper()
	rows := []schema.Record{
		{"ip": "10.0.0.1", "rate": 10.0, "constant": 5.0, "method": "GET", "geo": "US"},
		{"ip": "10.0.0.2", "rate": 20.0, "constant": 5.0, "method": "GET", "geo": "EU"},
		{"ip": "10.0.0.3", "rate": 30.0, "constant": 5.0, "method": "POST", "geo": "ASIA"},
		{"ip": "10.0.0.4", "rate": 40.0, "constant": 5.0, "method": "GET", "geo": nil},
	}
	out := make([]*schema.Canonical, len(rows))
	for i, r := range rows {
		out[i] = canon(t, s, r)
	}
	return out
}

func fitted(t *testing.T) (*schema.Schema, *preprocess.Pipeline) {
	t.Helper()
	s := smallSchema()
	p := preprocess.New(s)
	require.NoError(t, p.Fit(trainingSet(t, s)))
	return s, p
}

func TestTransform_notFitted(t *testing.T) {
	s := smallSchema()
	p := preprocess.New(s)
	c := canon(t, s, schema.Record{"ip": "1.1.1.1", "rate": 1.0, "constant": 1.0, "method": "GET", "geo": "US"})

	_, err := p.Transform(c)
	assert.True(t, errors.Is(err, preprocess.ErrNotFitted))

	_, err = p.State()
	assert.True(t, errors.Is(err, preprocess.ErrNotFitted))
}

func TestFit_columnsAndWidth(t *testing.T) {
	_, p := fitted(t)

	want := []string{
		"ip", "rate", "constant",
		"method=GET", "method=POST", "method=other",
		"geo=ASIA", "geo=EU", "geo=US", "geo=other",
	}
	assert.Equal(t, want, p.Columns())
	assert.Equal(t, len(want), p.Width())
}

func TestTransform_scalesNumericColumns(t *testing.T) {
	s, p := fitted(t)

	v, err := p.Transform(canon(t, s, schema.Record{"ip": "10.0.0.1", "rate": 25.0, "constant": 5.0, "method": "GET", "geo": "US"}))
	require.NoError(t, err)

	// rate: mean 25, population std sqrt(125)
	assert.InDelta(t, 0.0, v[1], 1e-12)
	// constant column has std 0, treated as 1, so every value centres to 0
	assert.Equal(t, 0.0, v[2])
}

func TestTransform_constantColumnOffTrainingValue(t *testing.T) {
	s, p := fitted(t)

	v, err := p.Transform(canon(t, s, schema.Record{"ip": "10.0.0.1", "rate": 25.0, "constant": 7.0, "method": "GET", "geo": "US"}))
	require.NoError(t, err)
	assert.Equal(t, 2.0, v[2])
}

func TestTransform_unseenCategoryGoesToOther(t *testing.T) {
	s, p := fitted(t)

	v, rep, err := p.TransformWithReport(canon(t, s, schema.Record{
		"ip": "10.0.0.9", "rate": 5.0, "constant": 5.0, "method": "PATCH", "geo": "MARS",
	}))
	require.NoError(t, err)

	cols := p.Columns()
	for i, name := range cols {
		switch name {
		case "method=other", "geo=other":
			assert.Equal(t, 1.0, v[i], name)
		case "method=GET", "method=POST", "geo=ASIA", "geo=EU", "geo=US":
			assert.Equal(t, 0.0, v[i], name)
		}
	}
	assert.Equal(t, []string{"method", "geo"}, rep.Unseen)
}

func TestTransform_nullCategoryGoesToOther(t *testing.T) {
	s, p := fitted(t)

	v, rep, err := p.TransformWithReport(canon(t, s, schema.Record{"ip": "10.0.0.9", "rate": 5.0, "constant": 5.0, "method": "GET", "geo": nil}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, v[len(v)-1])
	assert.Equal(t, []string{"geo"}, rep.Null)
	assert.Empty(t, rep.Unseen, "nulls are not vocabulary drift")
}

func TestTransform_widthIsFixedForAnyCategoryMix(t *testing.T) {
	s, p := fitted(t)

	methods := []any{"GET", "POST", "DELETE", nil}
	geos := []any{"US", "EU", "ASIA", "??", nil}
	for _, m := range methods {
		for _, g := range geos {
			t.Run(fmt.Sprintf("%v/%v", m, g), func(t *testing.T) {
				v, err := p.Transform(canon(t, s, schema.Record{"ip": "x", "rate": 1.0, "constant": 5.0, "method": m, "geo": g}))
				require.NoError(t, err)
				assert.Len(t, v, p.Width())

				var hot float64
				for _, x := range v[3:] {
					hot += x
				}
				assert.Equal(t, 2.0, hot, "exactly one indicator per categorical block")
			})
		}
	}
}

func TestTransform_unparseableIPIsReported(t *testing.T) {
	s, p := fitted(t)

	_, rep, err := p.TransformWithReport(canon(t, s, schema.Record{"ip": "not-an-ip", "rate": "??", "constant": 5.0, "method": "GET", "geo": "US"}))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rate", "ip"}, rep.Defaulted)
}

func TestFit_vocabularyCappedByFrequency(t *testing.T) {
	s := &schema.Schema{Required: []string{"c"}, Categorical: []string{"c"}}
	var rows []*schema.Canonical
	add := func(v string, n int) {
		for i := 0; i < n; i++ {
			rows = append(rows, canon(t, s, schema.Record{"c": v}))
		}
	}
	add("a", 5)
	add("b", 4)
	add("c", 3)
	add("d", 1)
	add("e", 1)

	p := preprocess.New(s, preprocess.WithMaxCategories(3))
	require.NoError(t, p.Fit(rows))
	assert.Equal(t, []string{"c=a", "c=b", "c=c", "c=other"}, p.Columns())
}

func TestFit_empty(t *testing.T) {
	assert.Error(t, preprocess.New(smallSchema()).Fit(nil))
}

func TestFromState_roundTripIsBitIdentical(t *testing.T) {
	s, p := fitted(t)

	st, err := p.State()
	require.NoError(t, err)
	data, err := json.Marshal(st)
	require.NoError(t, err)

	var decoded preprocess.State
	require.NoError(t, json.Unmarshal(data, &decoded))
	restored, err := preprocess.FromState(s, decoded)
	require.NoError(t, err)

	rec := canon(t, s, schema.Record{"ip": "192.168.3.77", "rate": 17.3, "constant": 4.0, "method": "POST", "geo": "EU"})
	a, err := p.Transform(rec)
	require.NoError(t, err)
	b, err := restored.Transform(rec)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFromState_rejectsOtherSchema(t *testing.T) {
	_, p := fitted(t)
	st, err := p.State()
	require.NoError(t, err)

	other := smallSchema()
	other.Categorical = []string{"geo", "method"}
	_, err = preprocess.FromState(other, st)
	assert.True(t, errors.Is(err, preprocess.ErrSchemaMismatch))
}

func TestIPToFloat(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"0.0.0.1", 1, true},
		{"192.168.1.1", 3232235777, true},
		{"::ffff:10.0.0.1", 167772161, true},
		{"::2", 2, true},
		{"3232235777", 3232235777, true},
		{"", 0, false},
		{"host.example", 0, false},
		{"-5", 0, false},
	}
	for _, tt := range tests {
		got, ok := preprocess.IPToFloat(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
