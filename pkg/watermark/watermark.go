// Package watermark records when an owner last completed a clean sync.
package watermark

import (
	"context"
	"sync"
	"time"
)

// Store reads and writes the last successful sync time of an owner. Every
// recordstore.Store satisfies it, keeping the watermark next to the records.
type Store interface {
	// LastSuccessfulSync returns the recorded time and whether one exists.
	LastSuccessfulSync(ctx context.Context, owner string) (time.Time, bool, error)
	// AdvanceLastSuccessfulSync records at as the owner's last successful sync.
	AdvanceLastSuccessfulSync(ctx context.Context, owner string, at time.Time) error
}

// MemoryStore keeps watermarks in a map.
type MemoryStore struct {
	mu    sync.RWMutex
	marks map[string]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: make(map[string]time.Time)}
}

func (m *MemoryStore) LastSuccessfulSync(_ context.Context, owner string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.marks[owner]
	return at, ok, nil
}

func (m *MemoryStore) AdvanceLastSuccessfulSync(_ context.Context, owner string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[owner] = at.UTC()
	return nil
}
