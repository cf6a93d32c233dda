package detections

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultMemoryCapacity is the ring size used when none is given.
const DefaultMemoryCapacity = 10000

// MemoryStore is an in-memory, thread-safe Store holding the most recent
// detections. Older entries are overwritten once the ring is full.
type MemoryStore struct {
	mu    sync.RWMutex
	ring  []*Detection
	next  int
	count int
}

// NewMemoryStore creates a MemoryStore holding up to capacity detections.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{ring: make([]*Detection, capacity)}
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, d *Detection) error {
	prepare(d)
	cp := *d

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = &cp
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
	return nil
}

// newestFirst walks the ring from the most recent entry.
func (s *MemoryStore) newestFirst(fn func(d *Detection) bool) {
	for i := 0; i < s.count; i++ {
		idx := (s.next - 1 - i + len(s.ring)) % len(s.ring)
		if !fn(s.ring[idx]) {
			return
		}
	}
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Detection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.limit()
	skip := f.Offset
	var out []*Detection
	s.newestFirst(func(d *Detection) bool {
		if !f.Since.IsZero() && d.Timestamp.Before(f.Since) {
			return true
		}
		if f.DDoSOnly && !d.IsDDoS {
			return true
		}
		if f.IP != "" && d.IP != f.IP {
			return true
		}
		if skip > 0 {
			skip--
			return true
		}
		cp := *d
		out = append(out, &cp)
		return len(out) < limit
	})
	return out, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context, since time.Time) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := newStats(since)
	perIP := map[string]int{}
	s.newestFirst(func(d *Detection) bool {
		if d.Timestamp.Before(since) {
			return true
		}
		st.Total++
		st.ByTier[d.RiskLevel.String()]++
		if d.Blocked {
			st.Blocked++
		}
		if d.IsDDoS {
			st.DDoS++
			perIP[d.IP]++
		}
		return true
	})

	for ip, n := range perIP {
		st.TopIPs = append(st.TopIPs, IPCount{IP: ip, Count: n})
	}
	sort.Slice(st.TopIPs, func(i, j int) bool {
		if st.TopIPs[i].Count != st.TopIPs[j].Count {
			return st.TopIPs[i].Count > st.TopIPs[j].Count
		}
		return st.TopIPs[i].IP < st.TopIPs[j].IP
	})
	if len(st.TopIPs) > TopIPLimit {
		st.TopIPs = st.TopIPs[:TopIPLimit]
	}
	return st, nil
}
