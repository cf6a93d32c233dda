// Package dataset loads labelled request records for training and
// evaluation and splits them reproducibly.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/jmerrifield20/ddosguard/internal/schema"
)

// DefaultLabelColumn is the label column written by the generator.
const DefaultLabelColumn = "label"

// Dataset is a set of raw records with binary labels (1 = attack).
type Dataset struct {
	Records []schema.Record
	Labels  []int
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.Records) }

// Subset returns the rows at idx, in idx order. Records are shared.
func (d *Dataset) Subset(idx []int) *Dataset {
	out := &Dataset{
		Records: make([]schema.Record, len(idx)),
		Labels:  make([]int, len(idx)),
	}
	for i, j := range idx {
		out.Records[i] = d.Records[j]
		out.Labels[i] = d.Labels[j]
	}
	return out
}

// Counts returns the number of benign and attack rows.
func (d *Dataset) Counts() (benign, attack int) {
	for _, y := range d.Labels {
		if y == 1 {
			attack++
		} else {
			benign++
		}
	}
	return benign, attack
}

// LoadCSVFile opens path and reads it with LoadCSV.
func LoadCSVFile(path, labelColumn string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadCSV(f, labelColumn)
}

// LoadCSV reads a CSV with a header row. Empty cells become null values;
// every other cell is kept as text and coerced later by the schema.
func LoadCSV(r io.Reader, labelColumn string) (*Dataset, error) {
	if labelColumn == "" {
		labelColumn = DefaultLabelColumn
	}
	cr := csv.NewReader(r)
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("dataset: empty input")
		}
		return nil, fmt.Errorf("dataset: read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	labelIdx := -1
	for i, h := range header {
		if h == labelColumn {
			labelIdx = i
			break
		}
	}
	if labelIdx < 0 {
		return nil, fmt.Errorf("dataset: label column %q not in header", labelColumn)
	}

	ds := &Dataset{}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: %w", err)
		}
		line, _ := cr.FieldPos(0)

		label, err := parseLabel(row[labelIdx])
		if err != nil {
			return nil, fmt.Errorf("dataset: line %d: %w", line, err)
		}

		rec := make(schema.Record, len(header)-1)
		for i, h := range header {
			if i == labelIdx {
				continue
			}
			if v := strings.TrimSpace(row[i]); v != "" {
				rec[h] = v
			} else {
				rec[h] = nil
			}
		}
		ds.Records = append(ds.Records, rec)
		ds.Labels = append(ds.Labels, label)
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("dataset: no rows")
	}
	return ds, nil
}

func parseLabel(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return 0, fmt.Errorf("label is empty")
	case "1", "true":
		return 1, nil
	case "0", "false":
		return 0, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err == nil && (f == 0 || f == 1) {
		return int(f), nil
	}
	return 0, fmt.Errorf("label %q is not 0 or 1", s)
}

// WriteCSV writes records and labels with the given column order followed by
// the label column. Null values are written as empty cells.
func WriteCSV(w io.Writer, columns []string, ds *Dataset, labelColumn string) error {
	if labelColumn == "" {
		labelColumn = DefaultLabelColumn
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string(nil), columns...), labelColumn)); err != nil {
		return err
	}
	row := make([]string, len(columns)+1)
	for i, rec := range ds.Records {
		for j, c := range columns {
			row[j] = cell(rec[c])
		}
		row[len(columns)] = strconv.Itoa(ds.Labels[i])
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(t)
	}
}

// StratifiedSplit partitions row indexes into len(fractions)+1 groups. Each
// class is shuffled with seed and cut by the fractions; the final group takes
// the remainder. Groups are returned sorted, and the result depends only on
// labels, fractions and seed.
func StratifiedSplit(labels []int, fractions []float64, seed int64) ([][]int, error) {
	var total float64
	for _, f := range fractions {
		if f <= 0 || f >= 1 {
			return nil, fmt.Errorf("dataset: split fraction %v outside (0,1)", f)
		}
		total += f
	}
	if total >= 1 {
		return nil, fmt.Errorf("dataset: split fractions sum to %v", total)
	}

	byClass := map[int][]int{}
	for i, y := range labels {
		byClass[y] = append(byClass[y], i)
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	groups := make([][]int, len(fractions)+1)
	rng := rand.New(rand.NewSource(seed))
	for _, c := range classes {
		idx := byClass[c]
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })

		start := 0
		for g, f := range fractions {
			n := int(float64(len(idx))*f + 0.5)
			if start+n > len(idx) {
				n = len(idx) - start
			}
			groups[g] = append(groups[g], idx[start:start+n]...)
			start += n
		}
		groups[len(fractions)] = append(groups[len(fractions)], idx[start:]...)
	}
	for _, g := range groups {
		sort.Ints(g)
	}
	return groups, nil
}
