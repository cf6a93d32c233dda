package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Record is one raw feature record, as decoded from JSON or a CSV row.
type Record map[string]any

// Canonical is a validated record. Numeric values are coerced, categorical
// values are normalised to strings ("" for null) and IP fields keep their raw
// text so the preprocessing pipeline can convert them.
type Canonical struct {
	Numeric     map[string]float64
	Categorical map[string]string
	Addr        map[string]string

	// Defaulted lists numeric fields whose values could not be parsed and
	// were replaced with 0.
	Defaulted []string
}

// ErrorKind classifies a SchemaError.
type ErrorKind int

const (
	MissingFeatures ErrorKind = iota + 1
	MissingTimestamp
	InvalidTimestamp
)

func (k ErrorKind) String() string {
	switch k {
	case MissingFeatures:
		return "missing_features"
	case MissingTimestamp:
		return "missing_timestamp"
	case InvalidTimestamp:
		return "invalid_timestamp"
	default:
		return "unknown"
	}
}

// SchemaError is returned when a record cannot satisfy the schema.
// Missing names every absent field in schema order.
type SchemaError struct {
	Kind    ErrorKind
	Missing []string
	Value   string
}

func (e *SchemaError) Error() string {
	switch e.Kind {
	case MissingTimestamp:
		return "missing timestamp: required to derive " + strings.Join(e.Missing, ", ")
	case InvalidTimestamp:
		return fmt.Sprintf("invalid timestamp %q", e.Value)
	default:
		return "missing features: " + strings.Join(e.Missing, ", ")
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ValidateAndDerive checks rec against the schema and returns its canonical
// form. The input record is not modified.
func (s *Schema) ValidateAndDerive(rec Record) (*Canonical, error) {
	derived := make(map[string]float64, 2)

	var needTS []string
	for _, f := range []string{HourOfDay, DayOfWeek} {
		if s.requires(f) && isAbsent(rec, f) {
			needTS = append(needTS, f)
		}
	}

	if len(needTS) > 0 {
		raw, ok := rec[s.timestampField()]
		if !ok || raw == nil || raw == "" {
			return nil, &SchemaError{Kind: MissingTimestamp, Missing: s.missing(rec, needTS)}
		}
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, &SchemaError{Kind: InvalidTimestamp, Value: fmt.Sprint(raw)}
		}
		for _, f := range needTS {
			switch f {
			case HourOfDay:
				derived[f] = float64(ts.Hour())
			case DayOfWeek:
				derived[f] = float64((int(ts.Weekday()) + 6) % 7) // Monday = 0
			}
		}
	}

	if missing := s.missing(rec, nil); len(missing) > 0 {
		var unresolved []string
		for _, f := range missing {
			if _, ok := derived[f]; !ok {
				unresolved = append(unresolved, f)
			}
		}
		if len(unresolved) > 0 {
			return nil, &SchemaError{Kind: MissingFeatures, Missing: unresolved}
		}
	}

	c := &Canonical{
		Numeric:     make(map[string]float64, len(s.Numeric)),
		Categorical: make(map[string]string, len(s.Categorical)),
		Addr:        make(map[string]string, len(s.IPFields)),
	}

	for _, f := range s.Numeric {
		if v, ok := derived[f]; ok {
			c.Numeric[f] = v
			continue
		}
		if s.IsIP(f) {
			c.Addr[f] = addrText(rec[f])
			continue
		}
		v, ok := toFloat(rec[f])
		if !ok {
			c.Defaulted = append(c.Defaulted, f)
		}
		c.Numeric[f] = v
	}

	for _, f := range s.Categorical {
		c.Categorical[f] = toCategory(rec[f])
	}
	return c, nil
}

// missing returns the required fields absent from rec, in schema order,
// plus any extra names (also in schema order) that the caller treats as absent.
func (s *Schema) missing(rec Record, extra []string) []string {
	var out []string
	for _, f := range s.Required {
		_, present := rec[f]
		if !present || contains(extra, f) {
			out = append(out, f)
		}
	}
	return out
}

func isAbsent(rec Record, f string) bool {
	v, ok := rec[f]
	return !ok || v == nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		v = strings.TrimSpace(v)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
	default:
		secs, ok := toFloat(raw)
		if !ok {
			return time.Time{}, fmt.Errorf("unrecognised timestamp %v", raw)
		}
		return time.Unix(int64(secs), 0).UTC(), nil
	}
}

// toFloat is the lossy numeric cast. It reports false when the value had to
// be replaced with 0.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toCategory(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case json.Number:
		return c.String()
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(c)
	default:
		return fmt.Sprint(c)
	}
}

func addrText(v any) string {
	switch a := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(a)
	case json.Number:
		return a.String()
	case float64:
		return strconv.FormatFloat(a, 'f', -1, 64)
	case bool:
		return ""
	default:
		return fmt.Sprint(a)
	}
}
