// Package detections records every classified request so operators can
// review what the detector saw and what it blocked.
//
// Two implementations of the Store interface are provided:
//   - MemoryStore: bounded in-process ring, for development and tests.
//   - PostgresStore: durable, for production use.
package detections

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/ddosguard/internal/risk"
	"github.com/jmerrifield20/ddosguard/internal/schema"
)

// Detection is one classified request.
type Detection struct {
	ID         uuid.UUID     `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	IP         string        `json:"ip"`
	Features   schema.Record `json:"features"`
	IsDDoS     bool          `json:"is_ddos"`
	Confidence float64       `json:"confidence"`
	RiskLevel  risk.Tier     `json:"risk_level"`
	Blocked    bool          `json:"blocked"`
	ModelID    string        `json:"model_id,omitempty"`
}

// Filter narrows a List query. Zero values mean "no constraint".
type Filter struct {
	Limit    int
	Offset   int
	DDoSOnly bool
	Since    time.Time
	IP       string
}

// DefaultLimit and MaxLimit bound List page sizes.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > MaxLimit:
		return MaxLimit
	default:
		return f.Limit
	}
}

// Stats aggregates detections since a point in time.
type Stats struct {
	Since   time.Time      `json:"since"`
	Total   int            `json:"total"`
	DDoS    int            `json:"ddos"`
	Blocked int            `json:"blocked"`
	ByTier  map[string]int `json:"by_tier"`
	TopIPs  []IPCount      `json:"top_ips"`
}

// IPCount is one row of the most active flagged sources.
type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// TopIPLimit caps Stats.TopIPs.
const TopIPLimit = 10

// Store is the detection log. Both MemoryStore and PostgresStore implement it.
type Store interface {
	// Record persists d, assigning ID and Timestamp when unset.
	Record(ctx context.Context, d *Detection) error

	// List returns detections newest first.
	List(ctx context.Context, f Filter) ([]*Detection, error)

	// Stats summarises detections at or after since.
	Stats(ctx context.Context, since time.Time) (*Stats, error)
}

func prepare(d *Detection) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
}

func newStats(since time.Time) *Stats {
	s := &Stats{Since: since, ByTier: make(map[string]int, 4)}
	for _, t := range []risk.Tier{risk.Low, risk.Medium, risk.High, risk.Critical} {
		s.ByTier[t.String()] = 0
	}
	return s
}
