// Package schema defines the feature contract a request record must satisfy
// before it can be preprocessed and scored. The same Schema value is used at
// training time and at serving time; its Fingerprint is stored with every
// fitted pipeline so a mismatch is detected instead of silently scored.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Derived field names produced from the timestamp field.
const (
	HourOfDay = "hour_of_day"
	DayOfWeek = "day_of_week"
)

// DefaultTimestampField is used when a schema does not name one.
const DefaultTimestampField = "timestamp"

// Schema is the ordered feature contract.
type Schema struct {
	Version        int      `json:"version" yaml:"version"`
	Required       []string `json:"required" yaml:"required"`
	Numeric        []string `json:"numeric" yaml:"numeric"`
	Categorical    []string `json:"categorical" yaml:"categorical"`
	IPFields       []string `json:"ip_fields,omitempty" yaml:"ip_fields"`
	TimestampField string   `json:"timestamp_field" yaml:"timestamp_field"`
}

// Default returns the request schema the detector is trained against.
func Default() *Schema {
	return &Schema{
		Version: 1,
		Required: []string{
			"source_ip", "http_method", "url_path", "user_agent",
			"content_length", "num_headers", "headers_length", "is_proxy",
			"cookie_present", "request_duration", "req_rate_1min",
			"ua_variance", "tls_version", "geo_location", "device_type",
			HourOfDay, DayOfWeek,
		},
		Numeric: []string{
			"source_ip", "content_length", "num_headers", "headers_length",
			"request_duration", "req_rate_1min", HourOfDay, DayOfWeek,
		},
		Categorical:    []string{"http_method", "tls_version", "geo_location", "device_type"},
		IPFields:       []string{"source_ip"},
		TimestampField: DefaultTimestampField,
	}
}

// Load reads and validates a YAML schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if s.TimestampField == "" {
		s.TimestampField = DefaultTimestampField
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// YAML encodes the schema as a YAML document.
func (s *Schema) YAML() ([]byte, error) {
	return yaml.Marshal(s)
}

// Validate checks the structural invariants of the schema.
func (s *Schema) Validate() error {
	if s == nil {
		return fmt.Errorf("schema: nil")
	}
	if len(s.Required) == 0 {
		return fmt.Errorf("schema: no required fields")
	}
	if len(s.Numeric)+len(s.Categorical) == 0 {
		return fmt.Errorf("schema: no numeric or categorical fields")
	}

	required := make(map[string]bool, len(s.Required))
	for _, f := range s.Required {
		if f == "" {
			return fmt.Errorf("schema: empty field name")
		}
		if required[f] {
			return fmt.Errorf("schema: duplicate required field %q", f)
		}
		required[f] = true
	}

	numeric := make(map[string]bool, len(s.Numeric))
	for _, f := range s.Numeric {
		if numeric[f] {
			return fmt.Errorf("schema: duplicate numeric field %q", f)
		}
		if !required[f] {
			return fmt.Errorf("schema: numeric field %q is not required", f)
		}
		numeric[f] = true
	}

	categorical := make(map[string]bool, len(s.Categorical))
	for _, f := range s.Categorical {
		if categorical[f] {
			return fmt.Errorf("schema: duplicate categorical field %q", f)
		}
		if numeric[f] {
			return fmt.Errorf("schema: field %q is both numeric and categorical", f)
		}
		if !required[f] {
			return fmt.Errorf("schema: categorical field %q is not required", f)
		}
		categorical[f] = true
	}

	for _, f := range s.IPFields {
		if !numeric[f] {
			return fmt.Errorf("schema: ip field %q must be numeric", f)
		}
	}
	return nil
}

// Fingerprint returns the hex sha256 of the schema's canonical JSON form.
// Two schemas with the same fingerprint validate and order records identically.
func (s *Schema) Fingerprint() string {
	c := *s
	if c.TimestampField == "" {
		c.TimestampField = DefaultTimestampField
	}
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsIP reports whether name is an IP-address-like numeric field.
func (s *Schema) IsIP(name string) bool {
	for _, f := range s.IPFields {
		if f == name {
			return true
		}
	}
	return false
}

func (s *Schema) requires(name string) bool {
	for _, f := range s.Required {
		if f == name {
			return true
		}
	}
	return false
}

func (s *Schema) timestampField() string {
	if s.TimestampField == "" {
		return DefaultTimestampField
	}
	return s.TimestampField
}
