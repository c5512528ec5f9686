package ledger

import (
	"context"
	"sync"
)

// MemoryBackend keeps the snapshot in memory. SaveErr, when set, makes every
// Save fail, which tests use to exercise rollback.
type MemoryBackend struct {
	mu      sync.Mutex
	snap    *Snapshot
	saves   int
	SaveErr error
}

// NewMemoryBackend returns a backend seeded with snap, or empty when nil.
func NewMemoryBackend(snap *Snapshot) *MemoryBackend {
	if snap == nil {
		snap = NewSnapshot()
	}
	return &MemoryBackend{snap: snap.Clone()}
}

func (b *MemoryBackend) Load(_ context.Context) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap.Clone(), nil
}

func (b *MemoryBackend) Save(_ context.Context, snap *Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SaveErr != nil {
		return b.SaveErr
	}
	b.snap = snap.Clone()
	b.saves++
	return nil
}

// SetSaveErr changes the injected save error.
func (b *MemoryBackend) SetSaveErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SaveErr = err
}

// Saves returns how many saves succeeded.
func (b *MemoryBackend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

// Stored returns a copy of the last saved snapshot.
func (b *MemoryBackend) Stored() *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap.Clone()
}

var _ Backend = (*MemoryBackend)(nil)
