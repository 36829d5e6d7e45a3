package sampler

import (
	"sync"
	"time"

	"github.com/nshruti113/dos-protect/internal/models"
)

// Arena holds one sampler per protected resource.
type Arena struct {
	mu            sync.RWMutex
	samplers      map[models.ResourceID]*Sampler
	maxSources    int
	maxSignatures int
}

func NewArena(maxSources, maxSignatures int) *Arena {
	return &Arena{
		samplers:      make(map[models.ResourceID]*Sampler),
		maxSources:    maxSources,
		maxSignatures: maxSignatures,
	}
}

// Acquire returns the sampler of id, creating it with a window starting at now.
func (a *Arena) Acquire(id models.ResourceID, now time.Time) *Sampler {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.samplers[id]; ok {
		return s
	}
	s := New(a.maxSources, a.maxSignatures, now)
	a.samplers[id] = s
	return s
}

// Observe routes req to the sampler of id. Unknown resources are ignored.
func (a *Arena) Observe(id models.ResourceID, req models.TrafficRequest) bool {
	a.mu.RLock()
	s, ok := a.samplers[id]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	s.Observe(req)
	return true
}

func (a *Arena) Release(id models.ResourceID) {
	a.mu.Lock()
	delete(a.samplers, id)
	a.mu.Unlock()
}

func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.samplers)
}
