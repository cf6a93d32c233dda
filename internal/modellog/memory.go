package modellog

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
	now     func() time.Time
}

// NewMemoryLog creates a MemoryLog holding only the genesis entry.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: []*Entry{genesis()}, now: time.Now}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, modelID, action, actor, detail string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.entries[len(l.entries)-1]
	e := &Entry{
		Index:     len(l.entries),
		Timestamp: l.now().UTC(),
		ModelID:   modelID,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		PrevHash:  prev.Hash,
	}
	e.Hash = hashEntry(e)
	l.entries = append(l.entries, e)
	return e, nil
}

// Recent implements Log.
func (l *MemoryLog) Recent(_ context.Context, limit int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]*Entry, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out, nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(l.entries)
}

// Root implements Log.
func (l *MemoryLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
