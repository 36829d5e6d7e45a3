package arbitrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nshruti113/dos-protect/internal/models"
)

type memoryEntry struct {
	mu       sync.Mutex // serializes writers of this resource
	snap     atomic.Pointer[models.Baseline]
	replicas map[string]struct{}
}

// MemoryStore is an in-process Store. Reads are lock-free per resource.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[models.ResourceID]*memoryEntry

	subMu sync.Mutex
	subs  map[chan models.ResourceID]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[models.ResourceID]*memoryEntry),
		subs:    make(map[chan models.ResourceID]struct{}),
	}
}

func (s *MemoryStore) entry(id models.ResourceID) *memoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// update runs fn on the entry of id, creating it if needed. The store lock
// stays held while fn runs so Detach cannot drop the entry underneath it.
func (s *MemoryStore) update(id models.ResourceID, fn func(e *memoryEntry)) {
	s.mu.RLock()
	if e, ok := s.entries[id]; ok {
		e.mu.Lock()
		fn(e)
		e.mu.Unlock()
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &memoryEntry{replicas: make(map[string]struct{})}
		s.entries[id] = e
	}
	e.mu.Lock()
	fn(e)
	e.mu.Unlock()
}

func (s *MemoryStore) Push(_ context.Context, id models.ResourceID, b models.Baseline) (bool, error) {
	var stored bool
	s.update(id, func(e *memoryEntry) {
		if !accepts(e.snap.Load(), b) {
			return
		}
		b.Resource = id
		e.snap.Store(&b)
		stored = true
	})
	if stored {
		s.notify(id)
	}
	return stored, nil
}

func (s *MemoryStore) Pull(_ context.Context, id models.ResourceID) (models.Baseline, error) {
	e := s.entry(id)
	if e == nil {
		return models.Baseline{}, ErrNotFound
	}
	b := e.snap.Load()
	if b == nil {
		return models.Baseline{}, ErrNotFound
	}
	return *b, nil
}

func (s *MemoryStore) Attach(_ context.Context, id models.ResourceID, replica string) error {
	s.update(id, func(e *memoryEntry) {
		e.replicas[replica] = struct{}{}
	})
	return nil
}

func (s *MemoryStore) Detach(_ context.Context, id models.ResourceID, replica string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	e.mu.Lock()
	delete(e.replicas, replica)
	empty := len(e.replicas) == 0
	e.mu.Unlock()
	if empty {
		delete(s.entries, id)
	}
	return nil
}

// Replicas returns the number of replicas attached to id.
func (s *MemoryStore) Replicas(id models.ResourceID) int {
	e := s.entry(id)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.replicas)
}

func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan models.ResourceID, error) {
	ch := make(chan models.ResourceID, 64)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.subMu.Unlock()
	}()
	return ch, nil
}

func (s *MemoryStore) notify(id models.ResourceID) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- id:
		default: // slow subscriber, it re-pulls on its own schedule
		}
	}
}
