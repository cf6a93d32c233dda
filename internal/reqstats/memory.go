package reqstats

import (
	"context"
	"sync"
	"time"
)

type source struct {
	hits     []time.Time // ascending
	uaLens   []int
	lastDur  time.Duration
	haveDur  bool
	lastSeen time.Time
}

// MemoryTracker is a process-local Tracker.
type MemoryTracker struct {
	mu      sync.Mutex
	sources map[string]*source
}

// NewMemoryTracker creates a MemoryTracker and starts a goroutine that
// forgets sources idle for longer than Window. The goroutine stops when ctx
// is cancelled.
func NewMemoryTracker(ctx context.Context) *MemoryTracker {
	m := &MemoryTracker{sources: make(map[string]*source)}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.Sweep(now)
			}
		}
	}()
	return m
}

// Observe implements Tracker.
func (m *MemoryTracker) Observe(_ context.Context, ip, ua string, now time.Time) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sources[ip]
	if !ok {
		s = &source{}
		m.sources[ip] = s
	}
	s.lastSeen = now

	cutoff := now.Add(-Window)
	keep := 0
	for keep < len(s.hits) && !s.hits[keep].After(cutoff) {
		keep++
	}
	s.hits = append(s.hits[keep:], now)

	s.uaLens = append(s.uaLens, len(ua))
	if len(s.uaLens) > UAHistory {
		s.uaLens = s.uaLens[len(s.uaLens)-UAHistory:]
	}

	st := Stats{
		ReqRate1Min:  len(s.hits),
		UAVariance:   uaVariance(s.uaLens),
		PrevDuration: DefaultDuration,
	}
	if s.haveDur {
		st.PrevDuration = s.lastDur.Seconds()
	}
	return st, nil
}

// Complete implements Tracker.
func (m *MemoryTracker) Complete(_ context.Context, ip string, dur time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sources[ip]; ok {
		s.lastDur = dur
		s.haveDur = true
	}
	return nil
}

// Sweep forgets sources not seen within Window of now.
func (m *MemoryTracker) Sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ip, s := range m.sources {
		if now.Sub(s.lastSeen) > Window {
			delete(m.sources, ip)
		}
	}
}

// Len returns the number of tracked sources.
func (m *MemoryTracker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}
