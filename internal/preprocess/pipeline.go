// Package preprocess turns canonical feature records into fixed-width numeric
// vectors. A Pipeline is fitted once on training records and is read-only
// afterwards, so the same fitted State can be shared by concurrent requests.
package preprocess

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/jmerrifield20/ddosguard/internal/schema"
)

// DefaultMaxCategories caps the vocabulary of each categorical column.
const DefaultMaxCategories = 8

// OtherColumn is the suffix of the reserved unknown-category indicator.
const OtherColumn = "other"

var (
	// ErrNotFitted is returned by Transform before Fit or FromState.
	ErrNotFitted = errors.New("preprocess: pipeline is not fitted")

	// ErrSchemaMismatch is returned when fitted state belongs to a different schema.
	ErrSchemaMismatch = errors.New("preprocess: fitted state does not match schema")
)

// NumericColumn is the fitted location/scale pair of one numeric field.
type NumericColumn struct {
	Name string  `json:"name"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	IP   bool    `json:"ip,omitempty"`
}

// CategoricalColumn is the frozen vocabulary of one categorical field.
// Its output block is one indicator per vocabulary entry followed by "other".
type CategoricalColumn struct {
	Name       string   `json:"name"`
	Vocabulary []string `json:"vocabulary"`
}

// State is the serialisable fitted state of a Pipeline.
type State struct {
	SchemaFingerprint string              `json:"schema_fingerprint"`
	MaxCategories     int                 `json:"max_categories"`
	Numeric           []NumericColumn     `json:"numeric"`
	Categorical       []CategoricalColumn `json:"categorical"`
}

// Width is the number of output columns the state produces.
func (s *State) Width() int {
	w := len(s.Numeric)
	for _, c := range s.Categorical {
		w += len(c.Vocabulary) + 1
	}
	return w
}

// Report lists the lossy defaults applied during one transform.
type Report struct {
	Defaulted []string // numeric fields replaced with 0
	Unseen    []string // categorical values outside the vocabulary
	Null      []string // null categorical fields; also routed to "other"
}

// Empty reports whether nothing was defaulted.
func (r Report) Empty() bool {
	return len(r.Defaulted) == 0 && len(r.Unseen) == 0 && len(r.Null) == 0
}

// Pipeline is the fit-once, apply-many feature transform.
type Pipeline struct {
	schema        *schema.Schema
	maxCategories int
	state         *State
	index         []map[string]int // per categorical column: value -> offset in block
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxCategories sets the vocabulary cap per categorical column.
func WithMaxCategories(k int) Option {
	return func(p *Pipeline) {
		if k > 0 {
			p.maxCategories = k
		}
	}
}

// New returns an unfitted Pipeline for s.
func New(s *schema.Schema, opts ...Option) *Pipeline {
	p := &Pipeline{schema: s, maxCategories: DefaultMaxCategories}
	for _, o := range opts {
		o(p)
	}
	return p
}

// FromState rebuilds a fitted Pipeline from persisted state. The state must
// have been fitted against a schema with the same fingerprint and columns.
func FromState(s *schema.Schema, st State) (*Pipeline, error) {
	if st.SchemaFingerprint != s.Fingerprint() {
		return nil, fmt.Errorf("%w: fingerprint %s, schema %s", ErrSchemaMismatch, st.SchemaFingerprint, s.Fingerprint())
	}
	if len(st.Numeric) != len(s.Numeric) || len(st.Categorical) != len(s.Categorical) {
		return nil, fmt.Errorf("%w: column count", ErrSchemaMismatch)
	}
	for i, col := range st.Numeric {
		if col.Name != s.Numeric[i] {
			return nil, fmt.Errorf("%w: numeric column %d is %q, want %q", ErrSchemaMismatch, i, col.Name, s.Numeric[i])
		}
		if col.Std <= 0 || math.IsNaN(col.Std) || math.IsInf(col.Std, 0) || math.IsNaN(col.Mean) || math.IsInf(col.Mean, 0) {
			return nil, fmt.Errorf("preprocess: column %q has invalid scale", col.Name)
		}
	}
	for i, col := range st.Categorical {
		if col.Name != s.Categorical[i] {
			return nil, fmt.Errorf("%w: categorical column %d is %q, want %q", ErrSchemaMismatch, i, col.Name, s.Categorical[i])
		}
		if st.MaxCategories > 0 && len(col.Vocabulary) > st.MaxCategories {
			return nil, fmt.Errorf("preprocess: column %q vocabulary exceeds %d", col.Name, st.MaxCategories)
		}
	}

	p := &Pipeline{schema: s, maxCategories: st.MaxCategories}
	if err := p.freeze(&st); err != nil {
		return nil, err
	}
	return p, nil
}

// Fit learns numeric scales and categorical vocabularies from records.
func (p *Pipeline) Fit(records []*schema.Canonical) error {
	if len(records) == 0 {
		return fmt.Errorf("preprocess: fit on empty training set")
	}

	st := &State{
		SchemaFingerprint: p.schema.Fingerprint(),
		MaxCategories:     p.maxCategories,
	}

	for _, name := range p.schema.Numeric {
		ip := p.schema.IsIP(name)
		var sum float64
		values := make([]float64, len(records))
		for i, r := range records {
			values[i], _ = numericValue(r, name, ip)
			sum += values[i]
		}
		mean := sum / float64(len(values))

		var sq float64
		for _, v := range values {
			d := v - mean
			sq += d * d
		}
		std := math.Sqrt(sq / float64(len(values)))
		if std == 0 || math.IsNaN(std) || math.IsInf(std, 0) {
			std = 1
		}
		st.Numeric = append(st.Numeric, NumericColumn{Name: name, Mean: mean, Std: std, IP: ip})
	}

	for _, name := range p.schema.Categorical {
		counts := make(map[string]int)
		for _, r := range records {
			if v := r.Categorical[name]; v != "" {
				counts[v]++
			}
		}
		st.Categorical = append(st.Categorical, CategoricalColumn{
			Name:       name,
			Vocabulary: topCategories(counts, p.maxCategories),
		})
	}

	return p.freeze(st)
}

// topCategories picks the k most frequent values (ties broken
// lexicographically) and returns them sorted.
func topCategories(counts map[string]int, k int) []string {
	vals := make([]string, 0, len(counts))
	for v := range counts {
		vals = append(vals, v)
	}
	sort.Slice(vals, func(i, j int) bool {
		if counts[vals[i]] != counts[vals[j]] {
			return counts[vals[i]] > counts[vals[j]]
		}
		return vals[i] < vals[j]
	})
	if len(vals) > k {
		vals = vals[:k]
	}
	sort.Strings(vals)
	return vals
}

func (p *Pipeline) freeze(st *State) error {
	index := make([]map[string]int, len(st.Categorical))
	for i, col := range st.Categorical {
		m := make(map[string]int, len(col.Vocabulary))
		for j, v := range col.Vocabulary {
			if v == "" {
				return fmt.Errorf("preprocess: column %q has an empty category", col.Name)
			}
			if _, dup := m[v]; dup {
				return fmt.Errorf("preprocess: column %q has duplicate category %q", col.Name, v)
			}
			m[v] = j
		}
		index[i] = m
	}
	p.state = st
	p.index = index
	return nil
}

// Fitted reports whether the pipeline has fitted state.
func (p *Pipeline) Fitted() bool {
	return p != nil && p.state != nil
}

// State returns a copy of the fitted state.
func (p *Pipeline) State() (State, error) {
	if !p.Fitted() {
		return State{}, ErrNotFitted
	}
	st := State{
		SchemaFingerprint: p.state.SchemaFingerprint,
		MaxCategories:     p.state.MaxCategories,
		Numeric:           append([]NumericColumn(nil), p.state.Numeric...),
	}
	for _, c := range p.state.Categorical {
		st.Categorical = append(st.Categorical, CategoricalColumn{
			Name:       c.Name,
			Vocabulary: append([]string(nil), c.Vocabulary...),
		})
	}
	return st, nil
}

// Width is the fixed output width, or 0 before fitting.
func (p *Pipeline) Width() int {
	if !p.Fitted() {
		return 0
	}
	return p.state.Width()
}

// Columns names every output column in order.
func (p *Pipeline) Columns() []string {
	if !p.Fitted() {
		return nil
	}
	cols := make([]string, 0, p.Width())
	for _, c := range p.state.Numeric {
		cols = append(cols, c.Name)
	}
	for _, c := range p.state.Categorical {
		for _, v := range c.Vocabulary {
			cols = append(cols, c.Name+"="+v)
		}
		cols = append(cols, c.Name+"="+OtherColumn)
	}
	return cols
}

// Transform maps a canonical record to its feature vector.
func (p *Pipeline) Transform(c *schema.Canonical) ([]float64, error) {
	v, _, err := p.TransformWithReport(c)
	return v, err
}

// TransformWithReport is Transform plus the lossy defaults it applied.
func (p *Pipeline) TransformWithReport(c *schema.Canonical) ([]float64, Report, error) {
	var rep Report
	if !p.Fitted() {
		return nil, rep, ErrNotFitted
	}
	if c == nil {
		return nil, rep, fmt.Errorf("preprocess: nil record")
	}

	out := make([]float64, p.state.Width())
	rep.Defaulted = append(rep.Defaulted, c.Defaulted...)

	i := 0
	for _, col := range p.state.Numeric {
		x, ok := numericValue(c, col.Name, col.IP)
		if !ok && col.IP {
			rep.Defaulted = append(rep.Defaulted, col.Name)
		}
		out[i] = (x - col.Mean) / col.Std
		i++
	}

	for k, col := range p.state.Categorical {
		v := c.Categorical[col.Name]
		pos, seen := p.index[k][v]
		if !seen {
			pos = len(col.Vocabulary)
			if v == "" {
				rep.Null = append(rep.Null, col.Name)
			} else {
				rep.Unseen = append(rep.Unseen, col.Name)
			}
		}
		out[i+pos] = 1
		i += len(col.Vocabulary) + 1
	}
	return out, rep, nil
}

func numericValue(c *schema.Canonical, name string, ip bool) (float64, bool) {
	if ip {
		return IPToFloat(c.Addr[name])
	}
	return c.Numeric[name], true
}
