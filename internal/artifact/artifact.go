// Package artifact persists everything needed to reproduce a trained
// detector: the feature schema, the fitted preprocessing state, the fitted
// scorer and its calibrated threshold. The four parts are written together
// atomically and loaded together; an artifact missing any of them is
// rejected rather than partially served.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/ddosguard/internal/calibrate"
	"github.com/jmerrifield20/ddosguard/internal/preprocess"
	"github.com/jmerrifield20/ddosguard/internal/risk"
	"github.com/jmerrifield20/ddosguard/internal/schema"
	"github.com/jmerrifield20/ddosguard/internal/scorer"
)

// Format is the current on-disk format version.
const Format = 1

// Part names, as reported in CorruptArtifactError.Missing.
const (
	PartSchema     = "schema"
	PartPreprocess = "preprocess"
	PartScorer     = "scorer"
	PartThreshold  = "threshold"
)

// Artifact is a trained, calibrated model.
type Artifact struct {
	Format     int               `json:"format"`
	ID         uuid.UUID         `json:"id"`
	CreatedAt  time.Time         `json:"created_at"`
	Schema     *schema.Schema    `json:"schema"`
	Preprocess *preprocess.State `json:"preprocess"`
	Scorer     *scorer.Envelope  `json:"scorer"`
	Threshold  *float64          `json:"threshold"`
	Banding    string            `json:"banding"`
	Validation *calibrate.Report `json:"validation,omitempty"`
	Test       *calibrate.Report `json:"test,omitempty"`
	Digest     string            `json:"digest"`
}

// CorruptArtifactError is returned when an artifact cannot be trusted.
type CorruptArtifactError struct {
	Path    string
	Missing []string
	Reason  string
	Err     error
}

func (e *CorruptArtifactError) Error() string {
	var b strings.Builder
	b.WriteString("corrupt artifact")
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if len(e.Missing) > 0 {
		b.WriteString(": missing ")
		b.WriteString(strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CorruptArtifactError) Unwrap() error { return e.Err }

// New assembles an artifact from its four parts. ID, CreatedAt and Banding
// default when unset.
func New(s *schema.Schema, st preprocess.State, env *scorer.Envelope, threshold float64) *Artifact {
	t := threshold
	return &Artifact{
		Format:     Format,
		ID:         uuid.New(),
		CreatedAt:  time.Now().UTC(),
		Schema:     s,
		Preprocess: &st,
		Scorer:     env,
		Threshold:  &t,
		Banding:    scorer.DefaultBanding(env.Kind).Name,
	}
}

// ComputeDigest hashes the four required parts and the banding.
func (a *Artifact) ComputeDigest() (string, error) {
	body := struct {
		Schema     *schema.Schema    `json:"schema"`
		Preprocess *preprocess.State `json:"preprocess"`
		Scorer     *scorer.Envelope  `json:"scorer"`
		Threshold  *float64          `json:"threshold"`
		Banding    string            `json:"banding"`
	}{a.Schema, a.Preprocess, a.Scorer, a.Threshold, a.Banding}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Encode validates a and returns its serialised form with Digest filled in.
func Encode(a *Artifact) ([]byte, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	if a.Format == 0 {
		a.Format = Format
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	digest, err := a.ComputeDigest()
	if err != nil {
		return nil, fmt.Errorf("artifact: digest: %w", err)
	}
	a.Digest = digest
	return json.MarshalIndent(a, "", "  ")
}

// Save writes a to path atomically: readers see either the previous file or
// the complete new one.
func Save(a *Artifact, path string) error {
	data, err := Encode(a)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("artifact: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: sync temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifact: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("artifact: replace %s: %w", path, err)
	}
	return nil
}

// Load reads and verifies the artifact at path.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", path, err)
	}
	a, err := Decode(data)
	if err != nil {
		var ce *CorruptArtifactError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}
	return a, nil
}

// Decode parses and verifies a serialised artifact.
func Decode(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, &CorruptArtifactError{Reason: "malformed json", Err: err}
	}
	if err := a.check(); err != nil {
		return nil, err
	}
	if a.Format > Format {
		return nil, &CorruptArtifactError{Reason: fmt.Sprintf("unsupported format %d", a.Format)}
	}
	if a.Digest == "" {
		return nil, &CorruptArtifactError{Reason: "missing digest"}
	}
	got, err := a.ComputeDigest()
	if err != nil {
		return nil, &CorruptArtifactError{Reason: "digest", Err: err}
	}
	if got != a.Digest {
		return nil, &CorruptArtifactError{Reason: "digest mismatch"}
	}
	return &a, nil
}

func (a *Artifact) check() error {
	var missing []string
	if a.Schema == nil {
		missing = append(missing, PartSchema)
	}
	if a.Preprocess == nil {
		missing = append(missing, PartPreprocess)
	}
	if a.Scorer == nil || emptyState(a.Scorer.State) {
		missing = append(missing, PartScorer)
	}
	if a.Threshold == nil {
		missing = append(missing, PartThreshold)
	}
	if len(missing) > 0 {
		return &CorruptArtifactError{Missing: missing}
	}

	if t := *a.Threshold; math.IsNaN(t) || t < 0 || t > 1 {
		return &CorruptArtifactError{Reason: fmt.Sprintf("threshold %v outside [0,1]", t)}
	}
	if a.Banding == "" {
		a.Banding = scorer.DefaultBanding(a.Scorer.Kind).Name
	}
	if _, err := risk.BandingByName(a.Banding); err != nil {
		return &CorruptArtifactError{Reason: "banding", Err: err}
	}
	if err := a.Schema.Validate(); err != nil {
		return &CorruptArtifactError{Reason: "schema", Err: err}
	}
	if a.Preprocess.SchemaFingerprint != a.Schema.Fingerprint() {
		return &CorruptArtifactError{Reason: "preprocessing state belongs to another schema"}
	}
	if w := a.Preprocess.Width(); w != a.Scorer.Width {
		return &CorruptArtifactError{Reason: fmt.Sprintf("scorer width %d, preprocessing width %d", a.Scorer.Width, w)}
	}
	return nil
}

// emptyState reports whether a scorer state carries no parameters.
func emptyState(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "{}", "[]", `""`:
		return true
	}
	return false
}

// Info is a summary of an artifact safe to expose over the API.
type Info struct {
	ID                uuid.UUID         `json:"id"`
	CreatedAt         time.Time         `json:"created_at"`
	Kind              scorer.Kind       `json:"kind"`
	Width             int               `json:"width"`
	Threshold         float64           `json:"threshold"`
	Banding           string            `json:"banding"`
	SchemaVersion     int               `json:"schema_version"`
	SchemaFingerprint string            `json:"schema_fingerprint"`
	Digest            string            `json:"digest"`
	Validation        *calibrate.Report `json:"validation,omitempty"`
	Test              *calibrate.Report `json:"test,omitempty"`
}

// Info summarises a.
func (a *Artifact) Info() Info {
	info := Info{
		ID:         a.ID,
		CreatedAt:  a.CreatedAt,
		Banding:    a.Banding,
		Digest:     a.Digest,
		Validation: a.Validation,
		Test:       a.Test,
	}
	if a.Scorer != nil {
		info.Kind = a.Scorer.Kind
		info.Width = a.Scorer.Width
	}
	if a.Threshold != nil {
		info.Threshold = *a.Threshold
	}
	if a.Schema != nil {
		info.SchemaVersion = a.Schema.Version
		info.SchemaFingerprint = a.Schema.Fingerprint()
	}
	return info
}
