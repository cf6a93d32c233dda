// Package risk converts a scorer probability into a verdict and a human-facing
// risk tier. The verdict uses the calibrated threshold; the tier uses fixed
// probability bands and never looks at the threshold.
package risk

import "fmt"

// Tier is an ordinal severity label.
type Tier int

const (
	Low Tier = iota
	Medium
	High
	Critical
)

var tierNames = [...]string{"Low", "Medium", "High", "Critical"}

func (t Tier) String() string {
	if t < Low || t > Critical {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if t < Low || t > Critical {
		return nil, fmt.Errorf("risk: invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTier parses "Low", "Medium", "High" or "Critical".
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if name == s {
			return Tier(i), nil
		}
	}
	return Low, fmt.Errorf("risk: unknown tier %q", s)
}

// Banding is a set of strict lower bounds for the upper three tiers.
type Banding struct {
	Name     string  `json:"name"`
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

var (
	// Standard is used with tree-ensemble scorers.
	Standard = Banding{Name: "standard", Medium: 0.4, High: 0.6, Critical: 0.8}

	// Neural is used with neural-network scorers, whose scores crowd the ends
	// of the interval.
	Neural = Banding{Name: "neural", Medium: 0.4, High: 0.7, Critical: 0.9}
)

// BandingByName resolves a named banding policy.
func BandingByName(name string) (Banding, error) {
	switch name {
	case Standard.Name:
		return Standard, nil
	case Neural.Name:
		return Neural, nil
	default:
		return Banding{}, fmt.Errorf("risk: unknown banding %q", name)
	}
}

// Tier maps a probability to its tier.
func (b Banding) Tier(p float64) Tier {
	switch {
	case p > b.Critical:
		return Critical
	case p > b.High:
		return High
	case p > b.Medium:
		return Medium
	default:
		return Low
	}
}

// Verdict is the outcome of classifying one probability.
type Verdict struct {
	IsDDoS bool `json:"is_ddos"`
	Tier   Tier `json:"risk_level"`
}

// Classify applies threshold and banding to p.
func Classify(p, threshold float64, b Banding) Verdict {
	return Verdict{
		IsDDoS: p >= threshold,
		Tier:   b.Tier(p),
	}
}
