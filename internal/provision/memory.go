package provision

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is an in-memory Ledger with TTL support. Suitable for tests
// and single-instance deployments.
type MemoryLedger struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]Entry
	orphans []Orphan
	now     func() time.Time
}

// NewMemoryLedger creates a ledger whose entries expire after ttl. A zero
// ttl keeps entries forever.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		ttl:     ttl,
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Put implements Ledger.
func (l *MemoryLedger) Put(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	if existing, ok := l.live(e.SessionID); ok {
		if existing.Status == StatusCompleted {
			return completedConflict(e.SessionID)
		}
		e.Receipt = existing.Receipt
		e.CreatedAt = existing.CreatedAt
	} else {
		e.CreatedAt = now
	}
	e.Status = StatusPending
	e.RecordID = ""
	e.UpdatedAt = now
	l.entries[e.SessionID] = e
	return nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, sessionID string) (Entry, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.live(sessionID)
	return e, ok, nil
}

// Complete implements Ledger.
func (l *MemoryLedger) Complete(_ context.Context, sessionID, recordID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.live(sessionID)
	if !ok {
		return entryNotFound(sessionID)
	}
	e.Status = StatusCompleted
	e.RecordID = recordID
	e.UpdatedAt = l.now().UTC()
	l.entries[sessionID] = e
	return nil
}

// ListPending implements Ledger.
func (l *MemoryLedger) ListPending(_ context.Context) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for id := range l.entries {
		if e, ok := l.live(id); ok && e.Status == StatusPending {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkOrphaned implements Ledger.
func (l *MemoryLedger) MarkOrphaned(_ context.Context, o Orphan) error {
	if len(o.Refs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	o.Refs = append([]string(nil), o.Refs...)
	l.orphans = append(l.orphans, o)
	return nil
}

// ListOrphans implements Ledger.
func (l *MemoryLedger) ListOrphans(_ context.Context) ([]Orphan, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	now := l.now()
	var out []Orphan
	for _, o := range l.orphans {
		if o.ExpiresAt.IsZero() || now.Before(o.ExpiresAt) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Len returns the number of entries, including expired ones. For testing.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// live must be called with the lock held.
func (l *MemoryLedger) live(sessionID string) (Entry, bool) {
	e, ok := l.entries[sessionID]
	if !ok {
		return Entry{}, false
	}
	if l.ttl > 0 && l.now().After(e.UpdatedAt.Add(l.ttl)) {
		return Entry{}, false
	}
	return e, true
}

var _ Ledger = (*MemoryLedger)(nil)

