package mitigation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nshruti113/dos-protect/internal/models"
)

// Snapshot is the immutable enforcement view of one resource, replaced
// wholesale after every classified window.
type Snapshot struct {
	Resource       models.ResourceID
	State          models.AttackState
	AttackID       uint64
	BadActors      map[string]float64 // source IP -> confidence
	DropConfidence float64
	PublishedAt    time.Time
}

// Decide is the per-request decision. It has no side effects.
func Decide(s *Snapshot, ip string) models.Disposition {
	if s == nil || s.State != models.UnderAttack {
		return models.Allow
	}
	confidence, ok := s.BadActors[ip]
	if !ok {
		return models.Allow
	}
	if confidence >= s.DropConfidence {
		return models.Drop
	}
	return models.Challenge
}

// NewSnapshot builds the view published for a classified window.
func NewSnapshot(id models.ResourceID, state models.AttackState, attackID uint64, flagged []models.BadActorEntry, dropConfidence float64, now time.Time) *Snapshot {
	actors := make(map[string]float64, len(flagged))
	for _, e := range flagged {
		actors[e.SourceIP] = e.Confidence
	}
	return &Snapshot{
		Resource:       id,
		State:          state,
		AttackID:       attackID,
		BadActors:      actors,
		DropConfidence: dropConfidence,
		PublishedAt:    now,
	}
}

// Controller publishes snapshots per resource; lookups are lock-free per resource.
type Controller struct {
	mu        sync.RWMutex
	resources map[models.ResourceID]*atomic.Pointer[Snapshot]
}

func NewController() *Controller {
	return &Controller{resources: make(map[models.ResourceID]*atomic.Pointer[Snapshot])}
}

// Register makes id known with an all-allow snapshot.
func (c *Controller) Register(id models.ResourceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.resources[id]; ok {
		return
	}
	p := new(atomic.Pointer[Snapshot])
	p.Store(&Snapshot{Resource: id, State: models.NoAttack, BadActors: map[string]float64{}})
	c.resources[id] = p
}

func (c *Controller) Unregister(id models.ResourceID) {
	c.mu.Lock()
	delete(c.resources, id)
	c.mu.Unlock()
}

// Publish replaces the snapshot of s.Resource. Unregistered resources are ignored.
func (c *Controller) Publish(s *Snapshot) bool {
	c.mu.RLock()
	p, ok := c.resources[s.Resource]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	p.Store(s)
	return true
}

func (c *Controller) Snapshot(id models.ResourceID) *Snapshot {
	c.mu.RLock()
	p, ok := c.resources[id]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return p.Load()
}

// Decide returns the disposition for a request from ip to id.
func (c *Controller) Decide(id models.ResourceID, ip string) models.Disposition {
	return Decide(c.Snapshot(id), ip)
}
